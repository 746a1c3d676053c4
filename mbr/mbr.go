// Package mbr writes MBR disk images for legacy BIOS booting: the
// caller's boot sector in sector 0, a raw second stage loader right
// behind it, and a FAT boot partition, with a partition table that
// matches the actual byte placement.
package mbr

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/renameio"
)

const (
	sectorSize = 512

	// typeSecondStage marks the partition covering the raw second
	// stage loader. 0x20 is unassigned in common partition id lists,
	// which keeps other tooling from interpreting the contents.
	typeSecondStage = 0x20

	// typeFAT16LBA and typeFAT32LBA are the classic partition ids for
	// FAT file systems accessed via LBA.
	typeFAT16LBA = 0x0E
	typeFAT32LBA = 0x0C

	bootableFlag = 0x80
)

// ErrFormat is returned when the provided boot sector is not a valid
// MBR boot sector (wrong size or missing 0x55 0xAA signature).
var ErrFormat = errors.New("mbr: malformed boot sector")

// ErrCapacity is returned when the layout does not fit the 32-bit
// sector addressing of the MBR partition table.
var ErrCapacity = errors.New("mbr: contents exceed 32-bit LBA addressing")

// partitionEntry is one of the four 16-byte slots in the partition
// table at offset 446.
type partitionEntry struct {
	Status   uint8
	FirstCHS [3]byte
	Type     uint8
	LastCHS  [3]byte
	FirstLBA uint32
	Sectors  uint32
}

// chsSentinel is stored in the CHS fields to signal LBA-only
// addressing.
var chsSentinel = [3]byte{0xFE, 0xFF, 0xFF}

// layout places the second stage and the FAT partition on the disk.
type layout struct {
	stageSectors uint32 // second stage, starting at LBA 1
	fatStartLBA  uint32
	fatSectors   uint32
}

func computeLayout(stageSize, fatSize int64) (layout, error) {
	stageSectors := (stageSize + sectorSize - 1) / sectorSize
	fatSectors := (fatSize + sectorSize - 1) / sectorSize
	fatStart := 1 + stageSectors
	if end := fatStart + fatSectors; end > 0xFFFFFFFF {
		return layout{}, fmt.Errorf("%w: %d sectors", ErrCapacity, end)
	}
	return layout{
		stageSectors: uint32(stageSectors),
		fatStartLBA:  uint32(fatStart),
		fatSectors:   uint32(fatSectors),
	}, nil
}

// detectPartitionType sniffs the FAT variant from the image's BIOS
// parameter block: FAT32 boot sectors carry "FAT32" in their extended
// section, at a different offset than FAT12/16.
func detectPartitionType(bootSector []byte) uint8 {
	if len(bootSector) >= 90 && bytes.Equal(bootSector[82:87], []byte("FAT32")) {
		return typeFAT32LBA
	}
	return typeFAT16LBA
}

// patchPartitionTable rewrites the partition table region (offsets
// 446 through 509) of the boot sector. Slot 1 covers the second
// stage, slot 2 the FAT partition and is marked bootable; slots 3 and
// 4 stay empty.
func patchPartitionTable(bootSector []byte, l layout, fatType uint8) error {
	entries := []partitionEntry{
		{
			Status:   0,
			FirstCHS: chsSentinel,
			Type:     typeSecondStage,
			LastCHS:  chsSentinel,
			FirstLBA: 1,
			Sectors:  l.stageSectors,
		},
		{
			Status:   bootableFlag,
			FirstCHS: chsSentinel,
			Type:     fatType,
			LastCHS:  chsSentinel,
			FirstLBA: l.fatStartLBA,
			Sectors:  l.fatSectors,
		},
		{},
		{},
	}
	var buf bytes.Buffer
	for _, entry := range entries {
		if err := binary.Write(&buf, binary.LittleEndian, entry); err != nil {
			return err
		}
	}
	copy(bootSector[446:510], buf.Bytes())
	return nil
}

// CreateDisk writes an MBR disk image to outPath: the boot sector
// from bootSectorPath (with its partition table rewritten), the
// second stage loader from secondStagePath starting at sector 1, and
// the FAT file system image from fatPartitionPath on the next sector
// boundary. The image appears at outPath atomically.
func CreateDisk(bootSectorPath, secondStagePath, fatPartitionPath, outPath string) error {
	bootSector, err := os.ReadFile(bootSectorPath)
	if err != nil {
		return err
	}
	if len(bootSector) != sectorSize {
		return fmt.Errorf("%w: %s is %d bytes, want %d", ErrFormat, bootSectorPath, len(bootSector), sectorSize)
	}
	if bootSector[510] != 0x55 || bootSector[511] != 0xAA {
		return fmt.Errorf("%w: %s lacks the 0x55 0xAA signature", ErrFormat, bootSectorPath)
	}

	stage, err := os.Open(secondStagePath)
	if err != nil {
		return err
	}
	defer stage.Close()
	stageInfo, err := stage.Stat()
	if err != nil {
		return err
	}

	fatFile, err := os.Open(fatPartitionPath)
	if err != nil {
		return err
	}
	defer fatFile.Close()
	fatInfo, err := fatFile.Stat()
	if err != nil {
		return err
	}

	var fatBoot [sectorSize]byte
	if _, err := io.ReadFull(fatFile, fatBoot[:]); err != nil {
		return fmt.Errorf("mbr: reading BIOS parameter block of %s: %w", fatPartitionPath, err)
	}
	if _, err := fatFile.Seek(0, io.SeekStart); err != nil {
		return err
	}

	l, err := computeLayout(stageInfo.Size(), fatInfo.Size())
	if err != nil {
		return err
	}
	if err := patchPartitionTable(bootSector, l, detectPartitionType(fatBoot[:])); err != nil {
		return err
	}

	out, err := renameio.TempFile("", outPath)
	if err != nil {
		return err
	}
	defer out.Cleanup()

	if _, err := out.Write(bootSector); err != nil {
		return err
	}
	if err := copyPadded(out, stage, int64(l.stageSectors)*sectorSize); err != nil {
		return err
	}
	if err := copyPadded(out, fatFile, int64(l.fatSectors)*sectorSize); err != nil {
		return err
	}
	return out.CloseAtomicallyReplace()
}

// copyPadded copies r to w and pads with zeros up to total bytes.
func copyPadded(w io.Writer, r io.Reader, total int64) error {
	n, err := io.Copy(w, r)
	if err != nil {
		return err
	}
	if pad := total - n; pad > 0 {
		if _, err := w.Write(make([]byte, pad)); err != nil {
			return err
		}
	}
	return nil
}
