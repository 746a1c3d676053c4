package fat

import (
	"fmt"
	"strings"
	"unicode/utf16"
)

// maxLongName is the longest file name VFAT can represent.
const maxLongName = 255

// lfnUnitsPerEntry is the number of UTF-16 units each long file name
// entry holds (5 + 6 + 2).
const lfnUnitsPerEntry = 13

// shortNameChars are the characters permitted in an 8.3 name in
// addition to upper-case letters and digits.
const shortNameChars = "$%'-_@~`!(){}^#&"

func isShortNameChar(r rune) bool {
	switch {
	case r >= 'A' && r <= 'Z':
		return true
	case r >= '0' && r <= '9':
		return true
	default:
		return strings.ContainsRune(shortNameChars, r)
	}
}

// fitsShortName reports whether name can be stored directly in an 8.3
// directory entry, without any long file name entries. Lower-case
// names do not qualify: the on-disk short name is upper-case only, and
// storing “bootx64.efi” as BOOTX64.EFI without a long name entry would
// change what readers see.
func fitsShortName(name string) bool {
	base, ext, hasDot := strings.Cut(name, ".")
	if base == "" || len(base) > 8 || len(ext) > 3 {
		return false
	}
	if hasDot && ext == "" {
		return false
	}
	if strings.Contains(ext, ".") {
		return false
	}
	for _, r := range base + ext {
		if !isShortNameChar(r) {
			return false
		}
	}
	return true
}

// short11 converts a valid 8.3 name into the padded 11-byte form used
// on disk, e.g. "KERNEL.IMG" becomes "KERNEL  IMG".
func short11(name string) [11]byte {
	var out [11]byte
	for i := range out {
		out[i] = ' '
	}
	base, ext, _ := strings.Cut(name, ".")
	copy(out[:8], base)
	copy(out[8:], ext)
	return out
}

// sanitizeShort maps an arbitrary name component onto the restricted
// 8.3 character set, as the basis for a generated short name.
func sanitizeShort(s string, max int) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(s) {
		if b.Len() == max {
			break
		}
		if isShortNameChar(r) {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// makeShortName generates a unique numeric-tail short name (à la
// “BOOTX6~1EFI”) for a name that needs long file name entries. used
// holds the 11-byte short names already taken in the directory.
func makeShortName(name string, used map[[11]byte]bool) ([11]byte, error) {
	dot := strings.LastIndexByte(name, '.')
	base, ext := name, ""
	if dot > 0 {
		base, ext = name[:dot], name[dot+1:]
	}
	base = sanitizeShort(strings.ReplaceAll(base, ".", ""), 8)
	if base == "" {
		base = "_"
	}
	ext = sanitizeShort(ext, 3)

	for n := 1; n < 1000000; n++ {
		tail := fmt.Sprintf("~%d", n)
		prefix := base
		if len(prefix) > 8-len(tail) {
			prefix = prefix[:8-len(tail)]
		}
		var out [11]byte
		for i := range out {
			out[i] = ' '
		}
		copy(out[:8], prefix+tail)
		copy(out[8:], ext)
		if !used[out] {
			return out, nil
		}
	}
	return [11]byte{}, fmt.Errorf("no free short name alias for %q", name)
}

// lfnChecksum is the rotate-and-add checksum over the 11 short name
// bytes that ties long file name entries to their short entry.
func lfnChecksum(short [11]byte) uint8 {
	var sum uint8
	for _, c := range short {
		sum = (sum >> 1) | (sum << 7)
		sum += c
	}
	return sum
}

func lfnSlots(name string) int {
	units := utf16.Encode([]rune(name))
	return (len(units) + lfnUnitsPerEntry - 1) / lfnUnitsPerEntry
}

// lfnEntries returns the long file name entries for name in on-disk
// order, i.e. the last logical part first, with the first entry
// carrying the last-entry flag 0x40.
func lfnEntries(name string, short [11]byte) []rawLFNEntry {
	units := utf16.Encode([]rune(name))
	n := (len(units) + lfnUnitsPerEntry - 1) / lfnUnitsPerEntry

	// Pad to a whole number of entries: a terminating 0x0000 if there
	// is room, then 0xFFFF fill.
	padded := make([]uint16, n*lfnUnitsPerEntry)
	for i := range padded {
		padded[i] = 0xFFFF
	}
	copy(padded, units)
	if len(units) < len(padded) {
		padded[len(units)] = 0x0000
	}

	sum := lfnChecksum(short)
	entries := make([]rawLFNEntry, 0, n)
	for seq := n; seq >= 1; seq-- {
		e := rawLFNEntry{
			Sequence: uint8(seq),
			Attr:     attrLongName,
			Checksum: sum,
		}
		if seq == n {
			e.Sequence |= 0x40
		}
		part := padded[(seq-1)*lfnUnitsPerEntry:]
		copy(e.Name1[:], part[0:5])
		copy(e.Name2[:], part[5:11])
		copy(e.Name3[:], part[11:13])
		entries = append(entries, e)
	}
	return entries
}
