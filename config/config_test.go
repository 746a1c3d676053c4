package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestReadFromFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "bootimg.json")
	if err := os.WriteFile(path, []byte(`{
	"Kernel": "/tmp/kernel-x86_64",
	"UEFIBootloader": "/tmp/bootx64.efi",
	"OutputDir": "out",
	"Reproducible": true,
	"BuildTimestamp": "2024-03-17T09:30:00Z"
}`), 0644); err != nil {
		t.Fatal(err)
	}

	got, err := ReadFromFile(path)
	if err != nil {
		t.Fatal(err)
	}
	want := &Struct{
		Kernel:         "/tmp/kernel-x86_64",
		UEFIBootloader: "/tmp/bootx64.efi",
		OutputDir:      "out",
		Reproducible:   true,
		BuildTimestamp: "2024-03-17T09:30:00Z",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected config: diff (-want +got):\n%s", diff)
	}

	buildTime, err := got.BuildTime()
	if err != nil {
		t.Fatal(err)
	}
	if want := time.Date(2024, 3, 17, 9, 30, 0, 0, time.UTC); !buildTime.Equal(want) {
		t.Errorf("BuildTime() = %v, want %v", buildTime, want)
	}
}

func TestUnknownField(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "bootimg.json")
	if err := os.WriteFile(path, []byte(`{"Kernle": "typo"}`), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadFromFile(path); err == nil {
		t.Fatal("unknown field unexpectedly accepted")
	}
}

func TestEmptyBuildTime(t *testing.T) {
	t.Parallel()

	var cfg Struct
	buildTime, err := cfg.BuildTime()
	if err != nil {
		t.Fatal(err)
	}
	if !buildTime.IsZero() {
		t.Errorf("BuildTime() = %v, want zero", buildTime)
	}
}
