package mbr

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func testBootSector() []byte {
	bs := make([]byte, 512)
	for i := range bs[:446] {
		bs[i] = 0x90 // stage1 code placeholder
	}
	bs[510] = 0x55
	bs[511] = 0xAA
	return bs
}

// fat16BootSector fakes just enough of a FAT16 BIOS parameter block
// for partition type detection.
func fat16Image(size int) []byte {
	img := make([]byte, size)
	copy(img[54:], "FAT16   ")
	img[510] = 0x55
	img[511] = 0xAA
	return img
}

func writeInputs(t *testing.T, stage, fat []byte) (bootSectorPath, stagePath, fatPath, outPath string) {
	t.Helper()
	dir := t.TempDir()
	bootSectorPath = filepath.Join(dir, "boot_sector.bin")
	stagePath = filepath.Join(dir, "second_stage.bin")
	fatPath = filepath.Join(dir, "boot.fat")
	outPath = filepath.Join(dir, "disk.img")
	if err := os.WriteFile(bootSectorPath, testBootSector(), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(stagePath, stage, 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(fatPath, fat, 0644); err != nil {
		t.Fatal(err)
	}
	return
}

func TestCreateDisk(t *testing.T) {
	t.Parallel()

	// A 3000 byte second stage occupies sectors 1 through 6, so the
	// FAT partition must start at sector 7.
	stage := bytes.Repeat([]byte{0x5A}, 3000)
	fat := fat16Image(64 * 1024)
	bootSectorPath, stagePath, fatPath, outPath := writeInputs(t, stage, fat)

	if err := CreateDisk(bootSectorPath, stagePath, fatPath, outPath); err != nil {
		t.Fatal(err)
	}
	img, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatal(err)
	}
	if len(img)%512 != 0 {
		t.Errorf("image size %d is not a multiple of 512", len(img))
	}
	if img[510] != 0x55 || img[511] != 0xAA {
		t.Errorf("boot signature missing from sector 0")
	}

	// Boot code region must be untouched.
	if !bytes.Equal(img[:446], testBootSector()[:446]) {
		t.Errorf("boot code region was modified")
	}

	// Second stage at sector 1, byte-identical.
	if !bytes.Equal(img[512:512+len(stage)], stage) {
		t.Errorf("second stage contents corrupted")
	}
	// Zero padding up to the next sector boundary.
	if !bytes.Equal(img[512+len(stage):7*512], make([]byte, 7*512-512-len(stage))) {
		t.Errorf("second stage padding is not zeroed")
	}
	// FAT partition at sector 7.
	if !bytes.Equal(img[7*512:7*512+len(fat)], fat) {
		t.Errorf("FAT partition contents corrupted")
	}

	var table [4]partitionEntry
	if err := binary.Read(bytes.NewReader(img[446:510]), binary.LittleEndian, &table); err != nil {
		t.Fatal(err)
	}
	want := [4]partitionEntry{
		{
			FirstCHS: chsSentinel,
			Type:     typeSecondStage,
			LastCHS:  chsSentinel,
			FirstLBA: 1,
			Sectors:  6,
		},
		{
			Status:   bootableFlag,
			FirstCHS: chsSentinel,
			Type:     typeFAT16LBA,
			LastCHS:  chsSentinel,
			FirstLBA: 7,
			Sectors:  128,
		},
		{},
		{},
	}
	if diff := cmp.Diff(want, table); diff != "" {
		t.Errorf("unexpected partition table: diff (-want +got):\n%s", diff)
	}
}

func TestFAT32PartitionType(t *testing.T) {
	t.Parallel()

	fat := make([]byte, 64*1024)
	copy(fat[82:], "FAT32   ")
	fat[510] = 0x55
	fat[511] = 0xAA
	bootSectorPath, stagePath, fatPath, outPath := writeInputs(t, []byte{0x5A}, fat)

	if err := CreateDisk(bootSectorPath, stagePath, fatPath, outPath); err != nil {
		t.Fatal(err)
	}
	img, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatal(err)
	}
	if got := img[446+16+4]; got != typeFAT32LBA {
		t.Errorf("partition type = %#x, want %#x", got, typeFAT32LBA)
	}
}

func TestBootSectorFormat(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		name       string
		bootSector []byte
	}{
		{"too short", bytes.Repeat([]byte{0x90}, 511)},
		{"too long", bytes.Repeat([]byte{0x90}, 513)},
		{"missing signature", make([]byte, 512)},
	} {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			dir := t.TempDir()
			bootSectorPath := filepath.Join(dir, "boot_sector.bin")
			if err := os.WriteFile(bootSectorPath, tt.bootSector, 0644); err != nil {
				t.Fatal(err)
			}
			stagePath := filepath.Join(dir, "stage.bin")
			if err := os.WriteFile(stagePath, []byte{1}, 0644); err != nil {
				t.Fatal(err)
			}
			fatPath := filepath.Join(dir, "boot.fat")
			if err := os.WriteFile(fatPath, fat16Image(4096), 0644); err != nil {
				t.Fatal(err)
			}
			outPath := filepath.Join(dir, "disk.img")
			err := CreateDisk(bootSectorPath, stagePath, fatPath, outPath)
			if !errors.Is(err, ErrFormat) {
				t.Fatalf("got %v, want ErrFormat", err)
			}
			if _, err := os.Stat(outPath); !errors.Is(err, os.ErrNotExist) {
				t.Errorf("destination exists after failed build")
			}
		})
	}
}

func TestLayoutCapacity(t *testing.T) {
	t.Parallel()

	// Just below the 32-bit LBA limit is fine.
	if _, err := computeLayout(512, (1<<32-3)*512); err != nil {
		t.Errorf("layout below the LBA limit failed: %v", err)
	}
	// One sector more overflows.
	if _, err := computeLayout(512, (1<<32-2)*512); !errors.Is(err, ErrCapacity) {
		t.Errorf("got %v, want ErrCapacity", err)
	}
	// An oversized second stage overflows, too.
	if _, err := computeLayout((1<<33)*512, 512); !errors.Is(err, ErrCapacity) {
		t.Errorf("got %v, want ErrCapacity", err)
	}
}

func TestDeterministic(t *testing.T) {
	t.Parallel()

	stage := bytes.Repeat([]byte{0x5A}, 3000)
	fat := fat16Image(64 * 1024)
	bootSectorPath, stagePath, fatPath, outPath := writeInputs(t, stage, fat)
	if err := CreateDisk(bootSectorPath, stagePath, fatPath, outPath); err != nil {
		t.Fatal(err)
	}
	first, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatal(err)
	}
	if err := CreateDisk(bootSectorPath, stagePath, fatPath, outPath); err != nil {
		t.Fatal(err)
	}
	second, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(first, second) {
		t.Errorf("repeated builds differ")
	}
}
