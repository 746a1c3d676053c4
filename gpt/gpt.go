// Package gpt writes GPT (GUID partition table) disk images with a
// single EFI system partition, and provides a minimal reader for the
// partition entries of such images.
package gpt

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

type PartitionEntry struct {
	TypeGUID   [16]byte
	GUID       [16]byte
	FirstLBA   uint64
	LastLBA    uint64
	Attributes uint64
	Name       [72]byte
}

func (e *PartitionEntry) used() bool {
	return e.TypeGUID != [16]byte{}
}

func readPartitionEntries(r io.Reader) ([]PartitionEntry, error) {
	// 512 bytes protective MBR, 512 bytes GPT header.
	buf := make([]byte, 2*sectorSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	hdr := buf[sectorSize:]
	if !bytes.Equal(hdr[:8], []byte("EFI PART")) {
		return nil, fmt.Errorf("gpt: header signature not found")
	}
	arrayLBA := binary.LittleEndian.Uint64(hdr[72:])
	numEntries := binary.LittleEndian.Uint32(hdr[80:])
	entrySize := binary.LittleEndian.Uint32(hdr[84:])
	if entrySize != partitionEntrySize {
		return nil, fmt.Errorf("gpt: unsupported partition entry size %d", entrySize)
	}
	if numEntries > maxPartitionEntries {
		return nil, fmt.Errorf("gpt: implausible partition entry count %d", numEntries)
	}
	if skip := int64(arrayLBA-2) * sectorSize; skip > 0 {
		if _, err := io.CopyN(io.Discard, r, skip); err != nil {
			return nil, err
		}
	}

	var parts []PartitionEntry
	for i := uint32(0); i < numEntries; i++ {
		var entry PartitionEntry
		if err := binary.Read(r, binary.LittleEndian, &entry); err != nil {
			return nil, err
		}
		if entry.used() {
			parts = append(parts, entry)
		}
	}
	return parts, nil
}

// PartitionEntries returns the used GPT partition entries on the
// disk, per the entry count and size declared in the primary header.
func PartitionEntries(r io.Reader) ([]PartitionEntry, error) {
	return readPartitionEntries(r)
}

// PartitionUUIDs returns the ids of all used GPT partitions on the
// disk.
func PartitionUUIDs(r io.Reader) []string {
	parts, err := readPartitionEntries(r)
	if err != nil {
		return nil
	}
	uuids := make([]string, 0, len(parts))
	for _, part := range parts {
		uuids = append(uuids, GUIDFromBytes(part.GUID[:]))
	}
	return uuids
}

// GUIDFromBytes returns the canonical string representation of the
// specified GUID.
func GUIDFromBytes(b []byte) string {
	// See Intel EFI specification, Appendix A: GUID and Time Formats
	// https://www.intel.de/content/dam/doc/product-specification/efi-v1-10-specification.pdf
	var (
		timeLow                 uint32
		timeMid                 uint16
		timeHighAndVersion      uint16
		clockSeqHighAndReserved uint8
		clockSeqLow             uint8
		node                    [6]byte
	)
	timeLow = binary.LittleEndian.Uint32(b[0:4])
	timeMid = binary.LittleEndian.Uint16(b[4:6])
	timeHighAndVersion = binary.LittleEndian.Uint16(b[6:8])
	clockSeqHighAndReserved = b[8]
	clockSeqLow = b[9]
	copy(node[:], b[10:])
	return fmt.Sprintf("%08X-%04X-%04X-%02X%02X-%012X",
		timeLow,
		timeMid,
		timeHighAndVersion,
		clockSeqHighAndReserved,
		clockSeqLow,
		node)
}
