package fat

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/renameio"
)

// ErrCapacity is returned when the requested contents cannot be
// represented in any FAT variant, e.g. a file larger than 4 GiB or
// more clusters than even FAT32 can address.
var ErrCapacity = errors.New("fat: contents exceed file system capacity")

// Variant identifies the width of the file allocation table entries.
type Variant uint8

const (
	FAT12 Variant = 12
	FAT16 Variant = 16
	FAT32 Variant = 32
)

func (v Variant) String() string {
	switch v {
	case FAT12:
		return "FAT12"
	case FAT16:
		return "FAT16"
	case FAT32:
		return "FAT32"
	}
	return fmt.Sprintf("Variant(%d)", uint8(v))
}

// minClusters is the lowest data cluster count at which a volume is
// interpreted as this variant. Readers derive the variant purely from
// the cluster count, so a volume that wants to be FAT16 must contain
// at least 4085 clusters, even if most of them stay free.
func (v Variant) minClusters() int {
	switch v {
	case FAT16:
		return 4085
	case FAT32:
		return 65525
	}
	return 1
}

// maxClusters is the highest data cluster count this variant can
// address. One past it, readers assume the next wider variant (and
// FAT32 entries only carry 28 usable bits).
func (v Variant) maxClusters() int {
	switch v {
	case FAT12:
		return 4084
	case FAT16:
		return 65524
	}
	return 268435444
}

// Options influences how CreateFileSystem (and NewWriter) lay out the
// file system. The zero value is ready to use.
type Options struct {
	// Label is the volume label (at most 11 bytes). Defaults to "BOOT".
	Label string

	// OEMName is the OEM name field of the boot sector (at most 8
	// bytes). Defaults to "bootimg".
	OEMName string

	// ModTime is used for the volume ID and all directory entries
	// whose callers do not specify their own time. Defaults to the
	// current time; pin it for reproducible images.
	ModTime time.Time

	// VolumeID overrides the volume serial number. Defaults to a value
	// derived from ModTime.
	VolumeID uint32

	// MinSize is the minimum image size in bytes. Defaults to 8 MiB,
	// which keeps boot partitions comfortably in FAT16 territory.
	// Values below 4 MiB make small images come out as FAT12.
	MinSize int64

	// SectorsPerCluster forces the cluster size (must be a power of
	// two, at most 64). 0 selects it automatically.
	SectorsPerCluster int
}

// DefaultMinSize is the image size floor applied when
// Options.MinSize is zero.
const DefaultMinSize = 8 * 1024 * 1024

func (o *Options) setDefaults() {
	if o.Label == "" {
		o.Label = "BOOT"
	}
	if o.OEMName == "" {
		o.OEMName = "bootimg"
	}
	if o.ModTime.IsZero() {
		o.ModTime = time.Now()
	}
	o.ModTime = o.ModTime.UTC()
	if o.VolumeID == 0 {
		o.VolumeID = uint32(o.ModTime.Unix())
	}
	if o.MinSize == 0 {
		o.MinSize = DefaultMinSize
	}
}

// Entry describes one file to place into the file system. Exactly one
// of FromHost and FromLiteral must be set.
type Entry struct {
	// Target is the destination path within the file system, relative
	// and slash-separated, e.g. "efi/boot/bootx64.efi". Intermediate
	// directories are created as needed.
	Target string

	// FromHost names a file on the host whose contents to copy.
	FromHost string

	// FromLiteral holds the contents directly.
	FromLiteral []byte
}

// validTarget rejects absolute paths and paths with empty, "." or
// ".." components.
func validTarget(path string) error {
	if path == "" {
		return fmt.Errorf("fat: empty target path")
	}
	if strings.HasPrefix(path, "/") {
		return fmt.Errorf("fat: target path %q must be relative", path)
	}
	for _, component := range strings.Split(path, "/") {
		switch component {
		case "", ".", "..":
			return fmt.Errorf("fat: invalid component %q in target path %q", component, path)
		}
		if len(component) > maxLongName {
			return fmt.Errorf("fat: component %q in target path %q exceeds %d bytes", component, path, maxLongName)
		}
	}
	return nil
}

// CreateFileSystem writes a FAT file system image containing the
// specified files to outPath. The image appears at outPath atomically:
// it is staged in a temporary file in the same directory and renamed
// into place only once it was written in full.
func CreateFileSystem(files []Entry, outPath string, opts Options) error {
	opts.setDefaults()

	seen := make(map[string]string)
	for _, e := range files {
		if err := validTarget(e.Target); err != nil {
			return err
		}
		upper := strings.ToUpper(e.Target)
		if prev, ok := seen[upper]; ok {
			return fmt.Errorf("fat: duplicate target path %q (conflicts with %q)", e.Target, prev)
		}
		seen[upper] = e.Target
	}

	out, err := renameio.TempFile("", outPath)
	if err != nil {
		return err
	}
	defer out.Cleanup()

	fw, err := NewWriter(out, opts)
	if err != nil {
		return err
	}
	defer fw.cleanup()

	for _, e := range files {
		w, err := fw.File(e.Target, opts.ModTime)
		if err != nil {
			return err
		}
		if e.FromHost != "" {
			f, err := os.Open(e.FromHost)
			if err != nil {
				return err
			}
			_, err = io.Copy(w, f)
			f.Close()
			if err != nil {
				return fmt.Errorf("fat: copying %q: %w", e.Target, err)
			}
		} else if _, err := io.Copy(w, bytes.NewReader(e.FromLiteral)); err != nil {
			return fmt.Errorf("fat: copying %q: %w", e.Target, err)
		}
	}

	if err := fw.Flush(); err != nil {
		return err
	}

	return out.CloseAtomicallyReplace()
}
