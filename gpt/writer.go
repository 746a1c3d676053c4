package gpt

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"unicode/utf16"

	"github.com/google/renameio"
	"github.com/google/uuid"
)

const (
	sectorSize = 512

	// partitionAlignment aligns partition starts to 1 MiB, which every
	// contemporary partitioning tool does.
	partitionAlignment = 2048

	// numPartitionEntries is the size of the partition entry array.
	// 128 entries of 128 bytes each is what the UEFI specification
	// requires at minimum and what everyone writes.
	numPartitionEntries = 128
	partitionEntrySize  = 128

	arraySectors = numPartitionEntries * partitionEntrySize / sectorSize

	// maxPartitionEntries is a sanity cap when reading foreign images.
	maxPartitionEntries = 1024

	headerSize = 92
)

// ErrChecksum is returned when re-reading the written image yields a
// header or partition entry array whose CRC32 does not match. This
// indicates a bug in the writer, never a user error.
var ErrChecksum = errors.New("gpt: checksum verification failed")

// espTypeGUID identifies an EFI system partition.
var espTypeGUID = uuid.MustParse("C12A7328-F81F-11D2-BA4B-00A0C93EC93B")

// Options configures CreateDisk. The zero value generates random
// GUIDs, so every build produces a distinct disk identity.
type Options struct {
	DiskGUID      uuid.UUID
	PartitionGUID uuid.UUID
}

// header is the on-disk GPT header (92 bytes, padded to a full
// sector when written).
type header struct {
	Signature           [8]byte
	Revision            uint32
	HeaderSize          uint32
	HeaderCRC32         uint32
	Reserved            uint32
	CurrentLBA          uint64
	BackupLBA           uint64
	FirstUsableLBA      uint64
	LastUsableLBA       uint64
	DiskGUID            [16]byte
	PartitionEntryLBA   uint64
	NumPartitionEntries uint32
	PartitionEntrySize  uint32
	PartitionArrayCRC32 uint32
}

// guidBytes converts a GUID to its on-disk representation: the first
// three groups are stored little-endian, the rest as-is.
func guidBytes(u uuid.UUID) [16]byte {
	var b [16]byte
	binary.LittleEndian.PutUint32(b[0:4], binary.BigEndian.Uint32(u[0:4]))
	binary.LittleEndian.PutUint16(b[4:6], binary.BigEndian.Uint16(u[4:6]))
	binary.LittleEndian.PutUint16(b[6:8], binary.BigEndian.Uint16(u[6:8]))
	copy(b[8:], u[8:])
	return b
}

func partitionName(name string) [72]byte {
	var b [72]byte
	for i, u := range utf16.Encode([]rune(name)) {
		if i >= len(b)/2-1 {
			break
		}
		binary.LittleEndian.PutUint16(b[i*2:], u)
	}
	return b
}

// encodeHeader serializes h into a full sector, filling in the header
// CRC32 (computed with the CRC field itself zeroed).
func encodeHeader(h header) ([]byte, error) {
	h.HeaderCRC32 = 0
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, h); err != nil {
		return nil, err
	}
	raw := buf.Bytes()
	if len(raw) != headerSize {
		return nil, fmt.Errorf("gpt: internal error: header is %d bytes, want %d", len(raw), headerSize)
	}
	binary.LittleEndian.PutUint32(raw[16:], crc32.ChecksumIEEE(raw))

	sector := make([]byte, sectorSize)
	copy(sector, raw)
	return sector, nil
}

// protectiveMBR builds the sector 0 contents: a single partition of
// type 0xEE spanning the whole disk, which keeps GPT-unaware tools
// from considering the disk empty.
func protectiveMBR(totalLBAs uint64) []byte {
	sector := make([]byte, sectorSize)
	entry := sector[446:]
	entry[1] = 0x00 // CHS first: head
	entry[2] = 0x02 // CHS first: sector
	entry[3] = 0x00 // CHS first: cylinder
	entry[4] = 0xEE // GPT protective
	entry[5] = 0xFF // CHS last: head
	entry[6] = 0xFF // CHS last: sector
	entry[7] = 0xFF // CHS last: cylinder
	binary.LittleEndian.PutUint32(entry[8:], 1)
	size := totalLBAs - 1
	if size > 0xFFFFFFFF {
		size = 0xFFFFFFFF
	}
	binary.LittleEndian.PutUint32(entry[12:], uint32(size))
	sector[510] = 0x55
	sector[511] = 0xAA
	return sector
}

// verifyChecksums re-reads both headers and the partition entry array
// from the written image and recomputes their CRC32s.
func verifyChecksums(r io.ReaderAt, totalLBAs uint64) error {
	checkHeader := func(lba uint64) (arrayLBA uint64, err error) {
		raw := make([]byte, headerSize)
		if _, err := r.ReadAt(raw, int64(lba)*sectorSize); err != nil {
			return 0, err
		}
		stored := binary.LittleEndian.Uint32(raw[16:])
		binary.LittleEndian.PutUint32(raw[16:], 0)
		if sum := crc32.ChecksumIEEE(raw); sum != stored {
			return 0, fmt.Errorf("%w: header at LBA %d: got %#08x, stored %#08x", ErrChecksum, lba, sum, stored)
		}
		binary.LittleEndian.PutUint32(raw[16:], stored)
		arrayCRC := binary.LittleEndian.Uint32(raw[88:])
		arrayLBA = binary.LittleEndian.Uint64(raw[72:])
		array := make([]byte, numPartitionEntries*partitionEntrySize)
		if _, err := r.ReadAt(array, int64(arrayLBA)*sectorSize); err != nil {
			return 0, err
		}
		if sum := crc32.ChecksumIEEE(array); sum != arrayCRC {
			return 0, fmt.Errorf("%w: partition entry array at LBA %d: got %#08x, stored %#08x", ErrChecksum, arrayLBA, sum, arrayCRC)
		}
		return arrayLBA, nil
	}
	if _, err := checkHeader(1); err != nil {
		return err
	}
	if _, err := checkHeader(totalLBAs - 1); err != nil {
		return err
	}
	return nil
}

// CreateDisk writes a GPT disk image to outPath, containing the FAT
// file system image at fatPartitionPath as its EFI system partition.
// The image appears at outPath atomically.
func CreateDisk(fatPartitionPath, outPath string, opts Options) error {
	if opts.DiskGUID == (uuid.UUID{}) {
		opts.DiskGUID = uuid.New()
	}
	if opts.PartitionGUID == (uuid.UUID{}) {
		opts.PartitionGUID = uuid.New()
	}

	fatFile, err := os.Open(fatPartitionPath)
	if err != nil {
		return err
	}
	defer fatFile.Close()
	st, err := fatFile.Stat()
	if err != nil {
		return err
	}
	fatSectors := (uint64(st.Size()) + sectorSize - 1) / sectorSize
	if fatSectors == 0 {
		return fmt.Errorf("gpt: partition image %s is empty", fatPartitionPath)
	}

	// LBA 0: protective MBR
	// LBA 1: primary header
	// LBA 2..33: partition entry array
	// LBA 2048: EFI system partition
	// then the backup array, and the backup header in the last LBA.
	partStart := uint64(partitionAlignment)
	partEnd := partStart + fatSectors - 1 // inclusive
	backupArrayLBA := partEnd + 1
	backupHeaderLBA := backupArrayLBA + arraySectors
	totalLBAs := backupHeaderLBA + 1

	array := make([]byte, numPartitionEntries*partitionEntrySize)
	var entryBuf bytes.Buffer
	if err := binary.Write(&entryBuf, binary.LittleEndian, PartitionEntry{
		TypeGUID: guidBytes(espTypeGUID),
		GUID:     guidBytes(opts.PartitionGUID),
		FirstLBA: partStart,
		LastLBA:  partEnd,
		Name:     partitionName("boot"),
	}); err != nil {
		return err
	}
	copy(array, entryBuf.Bytes())
	arrayCRC := crc32.ChecksumIEEE(array)

	hdr := header{
		Revision:            0x00010000,
		HeaderSize:          headerSize,
		CurrentLBA:          1,
		BackupLBA:           backupHeaderLBA,
		FirstUsableLBA:      2 + arraySectors,
		LastUsableLBA:       partEnd,
		DiskGUID:            guidBytes(opts.DiskGUID),
		PartitionEntryLBA:   2,
		NumPartitionEntries: numPartitionEntries,
		PartitionEntrySize:  partitionEntrySize,
		PartitionArrayCRC32: arrayCRC,
	}
	copy(hdr.Signature[:], "EFI PART")
	primary, err := encodeHeader(hdr)
	if err != nil {
		return err
	}
	backupHdr := hdr
	backupHdr.CurrentLBA = backupHeaderLBA
	backupHdr.BackupLBA = 1
	backupHdr.PartitionEntryLBA = backupArrayLBA
	backup, err := encodeHeader(backupHdr)
	if err != nil {
		return err
	}

	out, err := renameio.TempFile("", outPath)
	if err != nil {
		return err
	}
	defer out.Cleanup()

	for _, part := range [][]byte{protectiveMBR(totalLBAs), primary, array} {
		if _, err := out.Write(part); err != nil {
			return err
		}
	}
	// Zeros between the partition entry array and the aligned
	// partition start.
	if _, err := io.CopyN(out, zeroReader{}, int64(partStart-2-arraySectors)*sectorSize); err != nil {
		return err
	}
	n, err := io.Copy(out, fatFile)
	if err != nil {
		return err
	}
	if pad := int64(fatSectors)*sectorSize - n; pad > 0 {
		if _, err := io.CopyN(out, zeroReader{}, pad); err != nil {
			return err
		}
	}
	for _, part := range [][]byte{array, backup} {
		if _, err := out.Write(part); err != nil {
			return err
		}
	}

	if err := verifyChecksums(out, totalLBAs); err != nil {
		return err
	}
	return out.CloseAtomicallyReplace()
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}
