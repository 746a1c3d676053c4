// Package config reads the JSON build configuration of the bootimg
// tool. Command line flags take precedence over configuration values.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

type Struct struct {
	// Kernel is the path to the kernel image to boot.
	Kernel string `json:",omitempty"`

	// BootSector and SecondStage are the BIOS boot blobs. Both must be
	// set for a BIOS disk image to be built.
	BootSector  string `json:",omitempty"`
	SecondStage string `json:",omitempty"`

	// UEFIBootloader is the path to the UEFI bootloader application.
	UEFIBootloader string `json:",omitempty"`

	// OutputDir is where the artifacts are placed.
	OutputDir string `json:",omitempty"`

	// Reproducible pins timestamps and identifiers so repeated builds
	// are byte-identical.
	Reproducible bool `json:",omitempty"`

	// BuildTimestamp overrides the artifact timestamp (RFC 3339).
	BuildTimestamp string `json:",omitempty"`

	// TFTPAddr makes bootimg serve the PXE folder via TFTP on this
	// address (e.g. ":69") after building.
	TFTPAddr string `json:",omitempty"`
}

// ReadFromFile parses the JSON configuration at path. Unknown fields
// are an error, to catch typos.
func ReadFromFile(path string) (*Struct, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Struct
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &cfg, nil
}

// BuildTime parses the BuildTimestamp field. A zero time is returned
// when the field is unset.
func (c *Struct) BuildTime() (time.Time, error) {
	if c.BuildTimestamp == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, c.BuildTimestamp)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing BuildTimestamp: %w", err)
	}
	return t, nil
}
