package fat

import "time"

// bpbCommon is the part of the boot sector that all FAT variants share,
// i.e. the jump code, OEM name and the BIOS Parameter Block up to (not
// including) the variant-specific extension.
type bpbCommon struct {
	JumpCode          [3]byte
	OEMName           [8]byte
	BytesPerSector    uint16
	SectorsPerCluster uint8
	ReservedSectors   uint16
	NumFATs           uint8
	RootEntryCount    uint16
	TotalSectors16    uint16
	Media             uint8
	FATSize16         uint16
	SectorsPerTrack   uint16
	NumHeads          uint16
	HiddenSectors     uint32
	TotalSectors32    uint32
}

// bpbExt16 completes the boot sector for FAT12 and FAT16 volumes.
type bpbExt16 struct {
	DriveNumber   uint8
	Reserved1     uint8
	BootSignature uint8 // 0x29
	VolumeID      uint32
	VolumeLabel   [11]byte
	FSType        [8]byte
	BootCode      [448]byte
	Signature     [2]byte // 0x55, 0xAA
}

// bpbExt32 completes the boot sector for FAT32 volumes.
type bpbExt32 struct {
	FATSize32        uint32
	ExtFlags         uint16
	FSVersion        uint16
	RootCluster      uint32
	FSInfoSector     uint16
	BackupBootSector uint16
	Reserved         [12]byte
	DriveNumber      uint8
	Reserved1        uint8
	BootSignature    uint8 // 0x29
	VolumeID         uint32
	VolumeLabel      [11]byte
	FSType           [8]byte
	BootCode         [420]byte
	Signature        [2]byte // 0x55, 0xAA
}

// fsInfo is the FAT32 FS Information Sector (sector 1, backed up at
// sector 7).
type fsInfo struct {
	LeadSignature  uint32 // 0x41615252
	Reserved1      [480]byte
	StrucSignature uint32 // 0x61417272
	FreeCount      uint32
	NextFree       uint32
	Reserved2      [12]byte
	TrailSignature uint32 // 0xAA550000
}

// rawDirEntry is an on-disk 32-byte directory entry.
type rawDirEntry struct {
	Name         [11]byte
	Attr         uint8
	NTRes        uint8
	CrtTimeTenth uint8
	CrtTime      uint16
	CrtDate      uint16
	LstAccDate   uint16
	FstClusHI    uint16
	WrtTime      uint16
	WrtDate      uint16
	FstClusLO    uint16
	FileSize     uint32
}

// rawLFNEntry is an on-disk 32-byte VFAT long file name entry. A long
// name is split into 13 UTF-16 units per entry, stored on disk in
// reverse order directly before the short name entry they belong to.
type rawLFNEntry struct {
	Sequence  uint8
	Name1     [5]uint16
	Attr      uint8 // always attrLongName
	Type      uint8
	Checksum  uint8
	Name2     [6]uint16
	FstClusLO uint16 // always 0
	Name3     [2]uint16
}

const (
	attrReadOnly  = 0x01
	attrVolumeID  = 0x08
	attrDirectory = 0x10
	attrArchive   = 0x20
	attrLongName  = 0x0F
)

// dosTime encodes a time of day the way directory entries store it:
// hours in the top 5 bits, minutes in the middle 6, seconds (halved)
// in the bottom 5.
func dosTime(t time.Time) uint16 {
	return uint16(t.Hour())<<11 |
		uint16(t.Minute())<<5 |
		uint16(t.Second()/2)
}

// dosDate encodes a date the way directory entries store it, with
// years counted from 1980.
func dosDate(t time.Time) uint16 {
	year := t.Year()
	if year < 1980 {
		year = 1980
	}
	return uint16(year-1980)<<9 |
		uint16(t.Month())<<5 |
		uint16(t.Day())
}
