package fat

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestFitsShortName(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		name string
		want bool
	}{
		{"KERNEL.IMG", true},
		{"CONFIG.TXT", true},
		{"BOOTX64", true},
		{"A~1.TXT", true},
		{"bootx64.efi", false}, // lower case needs a long name entry
		{"KERNEL-X86_64", false},
		{"NAME.LONGEXT", false},
		{"TWO.DOTS.TXT", false},
		{".HIDDEN", false},
		{"TRAILING.", false},
		{"SPACE D.TXT", false},
	} {
		if got := fitsShortName(tt.name); got != tt.want {
			t.Errorf("fitsShortName(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestMakeShortName(t *testing.T) {
	t.Parallel()

	used := make(map[[11]byte]bool)
	first, err := makeShortName("kernel-x86_64", used)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := string(first[:]), "KERNEL~1   "; got != want {
		t.Errorf("first alias = %q, want %q", got, want)
	}
	used[first] = true

	second, err := makeShortName("kernel-x86_64.sig", used)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := string(second[:]), "KERNEL~1SIG"; got != want {
		t.Errorf("second alias = %q, want %q", got, want)
	}
	used[second] = true

	// Same base and extension as the second alias, so the tail must
	// increment.
	third, err := makeShortName("kernel-x86-64.sig", used)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := string(third[:]), "KERNEL~2SIG"; got != want {
		t.Errorf("third alias = %q, want %q", got, want)
	}
}

// TestLongNameRoundTrip serializes long name entries the way the
// writer does and decodes them with the reader's directory parser.
func TestLongNameRoundTrip(t *testing.T) {
	t.Parallel()

	for _, name := range []string{
		"bootx64.efi",
		"kernel-x86_64",
		"exactly-thirteen", // 16 chars, two entries
		"ccccccccccccc",    // 13 chars, exactly one full entry
	} {
		used := make(map[[11]byte]bool)
		short, err := makeShortName(name, used)
		if err != nil {
			t.Fatal(err)
		}

		entries := lfnEntries(name, short)
		if want := lfnSlots(name); len(entries) != want {
			t.Errorf("%q: %d entries, want %d", name, len(entries), want)
		}
		if entries[0].Sequence&0x40 == 0 {
			t.Errorf("%q: first stored entry lacks the last-entry flag", name)
		}
		for _, e := range entries {
			if e.Checksum != lfnChecksum(short) {
				t.Errorf("%q: checksum %#x does not match short name", name, e.Checksum)
			}
		}

		var buf bytes.Buffer
		for _, e := range entries {
			if err := binary.Write(&buf, binary.LittleEndian, e); err != nil {
				t.Fatal(err)
			}
		}
		if err := binary.Write(&buf, binary.LittleEndian, rawDirEntry{
			Name: short,
			Attr: attrArchive,
		}); err != nil {
			t.Fatal(err)
		}

		decoded := decodeDirEntries(buf.Bytes())
		if len(decoded) != 1 {
			t.Fatalf("%q: decoded %d entries, want 1", name, len(decoded))
		}
		if decoded[0].name != name {
			t.Errorf("round trip: got %q, want %q", decoded[0].name, name)
		}
	}
}
