package fat

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"
	"unicode/utf16"
)

// image provides read access to a FAT image, enough to verify what
// the writer produced. It is not a general-purpose FAT implementation
// (no write support, no free space handling).
type image struct {
	r io.ReaderAt

	variant           Variant
	bytesPerSector    int
	sectorsPerCluster int
	reservedSectors   int
	numFATs           int
	rootEntryCount    int
	fatSectors        int
	totalSectors      int64
	clusters          int
	rootCluster       uint32

	fatOff     int64 // first FAT copy
	rootDirOff int64 // FAT12/16 root directory region
	dataOff    int64 // cluster 2
}

// openImage parses the boot sector of the FAT image in r and derives
// the variant from the data cluster count, the way real readers do.
func openImage(r io.ReaderAt) (*image, error) {
	var boot [512]byte
	if _, err := r.ReadAt(boot[:], 0); err != nil {
		return nil, err
	}
	if boot[510] != 0x55 || boot[511] != 0xAA {
		return nil, fmt.Errorf("fat: boot sector signature not found")
	}

	img := &image{
		r:                 r,
		bytesPerSector:    int(binary.LittleEndian.Uint16(boot[11:])),
		sectorsPerCluster: int(boot[13]),
		reservedSectors:   int(binary.LittleEndian.Uint16(boot[14:])),
		numFATs:           int(boot[16]),
		rootEntryCount:    int(binary.LittleEndian.Uint16(boot[17:])),
	}
	if img.bytesPerSector != sectorSize {
		return nil, fmt.Errorf("fat: unsupported sector size %d", img.bytesPerSector)
	}
	if img.sectorsPerCluster == 0 || img.numFATs == 0 {
		return nil, fmt.Errorf("fat: malformed BIOS parameter block")
	}

	img.totalSectors = int64(binary.LittleEndian.Uint16(boot[19:]))
	if img.totalSectors == 0 {
		img.totalSectors = int64(binary.LittleEndian.Uint32(boot[32:]))
	}
	img.fatSectors = int(binary.LittleEndian.Uint16(boot[22:]))
	if img.fatSectors == 0 {
		img.fatSectors = int(binary.LittleEndian.Uint32(boot[36:]))
	}

	rootDirSectors := (img.rootEntryCount*32 + sectorSize - 1) / sectorSize
	dataStart := img.reservedSectors + img.numFATs*img.fatSectors + rootDirSectors
	img.clusters = int((img.totalSectors - int64(dataStart)) / int64(img.sectorsPerCluster))

	switch {
	case img.clusters < 4085:
		img.variant = FAT12
	case img.clusters < 65525:
		img.variant = FAT16
	default:
		img.variant = FAT32
		img.rootCluster = binary.LittleEndian.Uint32(boot[44:])
	}

	img.fatOff = int64(img.reservedSectors) * sectorSize
	img.rootDirOff = int64(img.reservedSectors+img.numFATs*img.fatSectors) * sectorSize
	img.dataOff = int64(dataStart) * sectorSize
	return img, nil
}

func (img *image) clusterBytes() int {
	return img.sectorsPerCluster * sectorSize
}

func (img *image) clusterOff(cluster uint32) int64 {
	return img.dataOff + int64(cluster-firstDataCluster)*int64(img.clusterBytes())
}

func (img *image) fatEntry(cluster uint32) (uint32, error) {
	switch img.variant {
	case FAT12:
		var b [2]byte
		if _, err := img.r.ReadAt(b[:], img.fatOff+int64(cluster)*3/2); err != nil {
			return 0, err
		}
		v := binary.LittleEndian.Uint16(b[:])
		if cluster%2 == 0 {
			return uint32(v & 0xFFF), nil
		}
		return uint32(v >> 4), nil
	case FAT16:
		var b [2]byte
		if _, err := img.r.ReadAt(b[:], img.fatOff+int64(cluster)*2); err != nil {
			return 0, err
		}
		return uint32(binary.LittleEndian.Uint16(b[:])), nil
	default:
		var b [4]byte
		if _, err := img.r.ReadAt(b[:], img.fatOff+int64(cluster)*4); err != nil {
			return 0, err
		}
		return binary.LittleEndian.Uint32(b[:]) & 0x0FFFFFFF, nil
	}
}

func (img *image) endOfChain(v uint32) bool {
	switch img.variant {
	case FAT12:
		return v >= 0xFF8
	case FAT16:
		return v >= 0xFFF8
	default:
		return v >= 0x0FFFFFF8
	}
}

// chain follows a cluster chain from first to its end-of-chain mark.
func (img *image) chain(first uint32) ([]uint32, error) {
	var chain []uint32
	for cluster := first; !img.endOfChain(cluster); {
		if cluster < firstDataCluster || int(cluster-firstDataCluster) >= img.clusters {
			return nil, fmt.Errorf("fat: cluster %d out of range", cluster)
		}
		if len(chain) > img.clusters {
			return nil, fmt.Errorf("fat: cluster chain starting at %d loops", first)
		}
		chain = append(chain, cluster)
		next, err := img.fatEntry(cluster)
		if err != nil {
			return nil, err
		}
		cluster = next
	}
	return chain, nil
}

// entryInfo is one decoded directory entry, with the long file name
// already assembled (falling back to the 8.3 name).
type entryInfo struct {
	name         string
	attr         uint8
	firstCluster uint32
	size         uint32
}

func decodeShortName(raw [11]byte) string {
	base := strings.TrimRight(string(raw[:8]), " ")
	ext := strings.TrimRight(string(raw[8:]), " ")
	if ext == "" {
		return base
	}
	return base + "." + ext
}

// decodeDirEntries walks raw 32-byte directory entries, stitching
// long name fragments (stored in reverse order before their short
// entry) back together.
func decodeDirEntries(raw []byte) []entryInfo {
	var entries []entryInfo
	longParts := make(map[int][]uint16)
	for off := 0; off+32 <= len(raw); off += 32 {
		e := raw[off : off+32]
		if e[0] == 0x00 {
			break
		}
		if e[0] == 0xE5 {
			longParts = make(map[int][]uint16)
			continue
		}
		if e[11]&0x3F == attrLongName {
			seq := int(e[0] & 0x1F)
			units := make([]uint16, 0, lfnUnitsPerEntry)
			for _, r := range [][2]int{{1, 11}, {14, 26}, {28, 32}} {
				for i := r[0]; i < r[1]; i += 2 {
					units = append(units, binary.LittleEndian.Uint16(e[i:]))
				}
			}
			longParts[seq] = units
			continue
		}
		if e[11]&attrVolumeID != 0 {
			longParts = make(map[int][]uint16)
			continue
		}

		var short [11]byte
		copy(short[:], e[:11])
		info := entryInfo{
			attr:         e[11],
			firstCluster: uint32(binary.LittleEndian.Uint16(e[20:]))<<16 | uint32(binary.LittleEndian.Uint16(e[26:])),
			size:         binary.LittleEndian.Uint32(e[28:]),
		}
		if len(longParts) > 0 {
			var units []uint16
			for seq := 1; ; seq++ {
				part, ok := longParts[seq]
				if !ok {
					break
				}
				units = append(units, part...)
			}
			for i, u := range units {
				if u == 0x0000 || u == 0xFFFF {
					units = units[:i]
					break
				}
			}
			info.name = string(utf16.Decode(units))
		}
		if info.name == "" {
			info.name = decodeShortName(short)
		}
		entries = append(entries, info)
		longParts = make(map[int][]uint16)
	}
	return entries
}

func (img *image) readChain(first uint32) ([]byte, error) {
	chain, err := img.chain(first)
	if err != nil {
		return nil, err
	}
	cb := img.clusterBytes()
	buf := make([]byte, len(chain)*cb)
	for i, cluster := range chain {
		if _, err := img.r.ReadAt(buf[i*cb:(i+1)*cb], img.clusterOff(cluster)); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

// rootEntries reads the root directory, which lives in a fixed region
// on FAT12/16 and in a regular cluster chain on FAT32.
func (img *image) rootEntries() ([]entryInfo, error) {
	if img.variant == FAT32 {
		raw, err := img.readChain(img.rootCluster)
		if err != nil {
			return nil, err
		}
		return decodeDirEntries(raw), nil
	}
	raw := make([]byte, img.rootEntryCount*32)
	if _, err := img.r.ReadAt(raw, img.rootDirOff); err != nil {
		return nil, err
	}
	return decodeDirEntries(raw), nil
}

// lookup resolves a slash-separated path, matching names
// case-insensitively like FAT itself.
func (img *image) lookup(path string) (*entryInfo, error) {
	components := strings.Split(path, "/")
	entries, err := img.rootEntries()
	if err != nil {
		return nil, err
	}
	for i, component := range components {
		var match *entryInfo
		for j := range entries {
			if strings.EqualFold(entries[j].name, component) {
				match = &entries[j]
				break
			}
		}
		if match == nil {
			return nil, fmt.Errorf("fat: %q not found", path)
		}
		if i == len(components)-1 {
			return match, nil
		}
		if match.attr&attrDirectory == 0 {
			return nil, fmt.Errorf("fat: %q is not a directory", strings.Join(components[:i+1], "/"))
		}
		raw, err := img.readChain(match.firstCluster)
		if err != nil {
			return nil, err
		}
		entries = decodeDirEntries(raw)
	}
	return nil, fmt.Errorf("fat: %q not found", path)
}

// readFile returns the contents of the file at path.
func (img *image) readFile(path string) ([]byte, error) {
	info, err := img.lookup(path)
	if err != nil {
		return nil, err
	}
	if info.attr&attrDirectory != 0 {
		return nil, fmt.Errorf("fat: %q is a directory", path)
	}
	if info.size == 0 {
		return nil, nil
	}
	raw, err := img.readChain(info.firstCluster)
	if err != nil {
		return nil, err
	}
	if int64(len(raw)) < int64(info.size) {
		return nil, fmt.Errorf("fat: %q: chain holds %d bytes, entry claims %d", path, len(raw), info.size)
	}
	return raw[:info.size], nil
}
