package bootimage_test

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gokrazy/bootimage"
	"github.com/gokrazy/bootimage/gpt"
	"github.com/gokrazy/bootimage/pxe"
)

type inputs struct {
	bootSector     string
	secondStage    string
	uefiBootloader string
	kernel         string
}

func writeTestInputs(t *testing.T) (inputs, string) {
	t.Helper()
	dir := t.TempDir()

	bootSector := make([]byte, 512)
	for i := range bootSector[:446] {
		bootSector[i] = 0x90
	}
	bootSector[510] = 0x55
	bootSector[511] = 0xAA

	in := inputs{
		bootSector:     filepath.Join(dir, "boot_sector.bin"),
		secondStage:    filepath.Join(dir, "second_stage.bin"),
		uefiBootloader: filepath.Join(dir, "bootx64.efi"),
		kernel:         filepath.Join(dir, "kernel.img"),
	}
	for path, contents := range map[string][]byte{
		in.bootSector:     bootSector,
		in.secondStage:    bytes.Repeat([]byte{0x5A}, 3000),
		in.uefiBootloader: bytes.Repeat([]byte{0xB1}, 50000),
		in.kernel:         bytes.Repeat([]byte{0x4B}, 200000),
	} {
		if err := os.WriteFile(path, contents, 0644); err != nil {
			t.Fatal(err)
		}
	}
	return in, dir
}

func TestAllArtifacts(t *testing.T) {
	t.Parallel()

	in, dir := writeTestInputs(t)
	opts := bootimage.Options{Reproducible: true}

	fatPath := filepath.Join(dir, "boot.fat")
	if err := bootimage.CreateBootPartition(in.uefiBootloader, in.kernel, fatPath, opts); err != nil {
		t.Fatal(err)
	}
	st, err := os.Stat(fatPath)
	if err != nil {
		t.Fatal(err)
	}
	if st.Size()%512 != 0 {
		t.Errorf("FAT image size %d is not a multiple of 512", st.Size())
	}

	uefiPath := filepath.Join(dir, "boot-uefi.img")
	if err := bootimage.CreateUEFIDiskImage(fatPath, uefiPath, opts); err != nil {
		t.Fatal(err)
	}
	f, err := os.Open(uefiPath)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	parts, err := gpt.PartitionEntries(f)
	if err != nil {
		t.Fatal(err)
	}
	if len(parts) != 1 {
		t.Fatalf("got %d GPT partitions, want 1", len(parts))
	}
	if got := gpt.GUIDFromBytes(parts[0].TypeGUID[:]); got != "C12A7328-F81F-11D2-BA4B-00A0C93EC93B" {
		t.Errorf("partition type GUID = %s, want EFI system partition", got)
	}

	biosPath := filepath.Join(dir, "boot-bios.img")
	if err := bootimage.CreateBIOSDiskImage(in.bootSector, in.secondStage, fatPath, biosPath); err != nil {
		t.Fatal(err)
	}
	img, err := os.ReadFile(biosPath)
	if err != nil {
		t.Fatal(err)
	}
	if img[510] != 0x55 || img[511] != 0xAA {
		t.Errorf("BIOS image lacks the boot signature")
	}
	// The FAT partition starts right after the 3000 byte second
	// stage, i.e. at sector 7.
	fatImage, err := os.ReadFile(fatPath)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(img[7*512:7*512+512], fatImage[:512]) {
		t.Errorf("FAT boot sector not found at sector 7 of the BIOS image")
	}

	pxeDir := filepath.Join(dir, "pxe")
	if err := bootimage.CreatePXEFolder(in.uefiBootloader, in.kernel, pxeDir); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{pxe.BootloaderFileName, pxe.KernelFileName} {
		if _, err := os.Stat(filepath.Join(pxeDir, name)); err != nil {
			t.Errorf("PXE folder lacks %s: %v", name, err)
		}
	}
}

func TestReproducibleBuilds(t *testing.T) {
	t.Parallel()

	in, dir := writeTestInputs(t)
	opts := bootimage.Options{Reproducible: true}

	build := func(suffix string) ([]byte, []byte) {
		fatPath := filepath.Join(dir, "boot"+suffix+".fat")
		if err := bootimage.CreateBootPartition(in.uefiBootloader, in.kernel, fatPath, opts); err != nil {
			t.Fatal(err)
		}
		uefiPath := filepath.Join(dir, "boot-uefi"+suffix+".img")
		if err := bootimage.CreateUEFIDiskImage(fatPath, uefiPath, opts); err != nil {
			t.Fatal(err)
		}
		fatImage, err := os.ReadFile(fatPath)
		if err != nil {
			t.Fatal(err)
		}
		uefiImage, err := os.ReadFile(uefiPath)
		if err != nil {
			t.Fatal(err)
		}
		return fatImage, uefiImage
	}

	fat1, uefi1 := build("1")
	fat2, uefi2 := build("2")
	if !bytes.Equal(fat1, fat2) {
		t.Errorf("reproducible FAT images differ")
	}
	if !bytes.Equal(uefi1, uefi2) {
		t.Errorf("reproducible GPT images differ")
	}
}

func TestErrorContext(t *testing.T) {
	t.Parallel()

	in, dir := writeTestInputs(t)
	fatPath := filepath.Join(dir, "boot.fat")
	err := bootimage.CreateBootPartition(in.uefiBootloader, filepath.Join(dir, "missing-kernel"), fatPath, bootimage.Options{})
	if err == nil {
		t.Fatal("missing kernel unexpectedly succeeded")
	}
	if !strings.Contains(err.Error(), "UEFI FAT filesystem") {
		t.Errorf("error %q lacks stage context", err)
	}
	if _, err := os.Stat(fatPath); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("destination exists after failed build")
	}
}
