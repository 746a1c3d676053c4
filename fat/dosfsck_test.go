package fat_test

import (
	"bytes"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/gokrazy/bootimage/fat"
)

// TestDosfsck validates the generated file system with an independent
// implementation, when one is installed.
func TestDosfsck(t *testing.T) {
	fsck, err := exec.LookPath("dosfsck")
	if err != nil {
		t.Skip("dosfsck not found in $PATH")
	}

	kernel := make([]byte, 10*1024*1024)
	out := filepath.Join(t.TempDir(), "boot.fat")
	if err := fat.CreateFileSystem([]fat.Entry{
		{Target: "efi/boot/bootx64.efi", FromLiteral: bytes.Repeat([]byte{0x90}, 120000)},
		{Target: "kernel-x86_64", FromLiteral: kernel},
		{Target: "empty.txt", FromLiteral: nil},
		{Target: "s.txt", FromLiteral: []byte("short file name")},
		{Target: "s.conf", FromLiteral: []byte("short file name with long extension")},
	}, out, fat.Options{ModTime: time.Now()}); err != nil {
		t.Fatal(err)
	}

	cmd := exec.Command(fsck, "-v", out)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		t.Fatal(err)
	}
}
