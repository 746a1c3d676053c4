// Package pxe assembles a TFTP folder for PXE network booting.
package pxe

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/renameio"
)

const (
	// BootloaderFileName is the name PXE clients receive in the DHCP
	// boot file name option and request first.
	BootloaderFileName = "bootloader"

	// KernelFileName is the name under which the bootloader requests
	// the kernel over TFTP.
	KernelFileName = "kernel-x86_64"
)

// CreateTFTPFolder populates outDir (creating it if necessary) with
// the UEFI bootloader and the kernel under the names PXE clients
// request. Each file appears atomically, so a failed build never
// leaves truncated files behind.
func CreateTFTPFolder(uefiBootloaderPath, kernelPath, outDir string) error {
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return err
	}
	if err := copyAtomically(uefiBootloaderPath, filepath.Join(outDir, BootloaderFileName)); err != nil {
		return fmt.Errorf("copying bootloader: %w", err)
	}
	if err := copyAtomically(kernelPath, filepath.Join(outDir, KernelFileName)); err != nil {
		return fmt.Errorf("copying kernel: %w", err)
	}
	return nil
}

func copyAtomically(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := renameio.TempFile("", dest)
	if err != nil {
		return err
	}
	defer out.Cleanup()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.CloseAtomicallyReplace()
}
