// Package bootimage turns a set of boot blobs (BIOS boot sector,
// BIOS second stage, UEFI bootloader, kernel) into bootable disk
// artifacts: a FAT boot partition, a GPT disk image for UEFI, an MBR
// disk image for legacy BIOS and a PXE/TFTP network boot folder.
package bootimage

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/gokrazy/bootimage/fat"
	"github.com/gokrazy/bootimage/gpt"
	"github.com/gokrazy/bootimage/mbr"
	"github.com/gokrazy/bootimage/pxe"
)

const (
	// KernelFileName is the kernel's file name on the boot partition
	// and in the PXE folder. The UEFI bootloader requests exactly this
	// name.
	KernelFileName = pxe.KernelFileName

	// EFIBootPath is the removable-media default path UEFI firmware
	// loads on x86-64.
	EFIBootPath = "efi/boot/bootx64.efi"
)

// reproducibleNamespace is the UUIDv5 namespace for GUIDs of
// reproducible builds.
var reproducibleNamespace = uuid.MustParse("A2F1B3B4-9D1E-4E4B-B7E3-1FBD2C64A9D0")

// Options configures the artifact builders.
type Options struct {
	// Reproducible makes repeated builds from the same inputs
	// byte-identical: file timestamps, the FAT volume id and all GPT
	// GUIDs are derived from BuildTime instead of the wall clock and
	// the system random source.
	Reproducible bool

	// BuildTime is the timestamp recorded in the artifacts. Zero means
	// the current time, or the DOS epoch (1980-01-01) for reproducible
	// builds.
	BuildTime time.Time
}

func (o *Options) buildTime() time.Time {
	if !o.BuildTime.IsZero() {
		return o.BuildTime.UTC()
	}
	if o.Reproducible {
		return time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	return time.Now().UTC()
}

func (o *Options) fatOptions() fat.Options {
	opts := fat.Options{ModTime: o.buildTime()}
	if o.Reproducible {
		opts.VolumeID = uint32(o.buildTime().Unix())
	}
	return opts
}

// reproducibleGUID derives a stable GUID from the build time and a
// per-use label.
func (o *Options) reproducibleGUID(label string) uuid.UUID {
	name := make([]byte, 8, 8+len(label))
	binary.LittleEndian.PutUint64(name, uint64(o.buildTime().Unix()))
	name = append(name, label...)
	return uuid.NewSHA1(reproducibleNamespace, name)
}

func (o *Options) gptOptions() gpt.Options {
	if !o.Reproducible {
		return gpt.Options{}
	}
	return gpt.Options{
		DiskGUID:      o.reproducibleGUID("disk"),
		PartitionGUID: o.reproducibleGUID("partition"),
	}
}

// CreateBootPartition writes a FAT file system image to outPath,
// containing the UEFI bootloader under EFIBootPath and the kernel
// under KernelFileName.
func CreateBootPartition(uefiBootloaderPath, kernelPath, outPath string, opts Options) error {
	err := fat.CreateFileSystem([]fat.Entry{
		{Target: EFIBootPath, FromHost: uefiBootloaderPath},
		{Target: KernelFileName, FromHost: kernelPath},
	}, outPath, opts.fatOptions())
	if err != nil {
		return fmt.Errorf("creating UEFI FAT filesystem: %w", err)
	}
	return nil
}

// CreateUEFIDiskImage writes a GPT disk image to outPath whose EFI
// system partition contains the FAT image at fatPartitionPath.
func CreateUEFIDiskImage(fatPartitionPath, outPath string, opts Options) error {
	if err := gpt.CreateDisk(fatPartitionPath, outPath, opts.gptOptions()); err != nil {
		return fmt.Errorf("creating UEFI GPT disk image: %w", err)
	}
	return nil
}

// CreateBIOSDiskImage writes an MBR disk image to outPath from the
// BIOS boot sector, the second stage loader and the FAT image.
func CreateBIOSDiskImage(bootSectorPath, secondStagePath, fatPartitionPath, outPath string) error {
	if err := mbr.CreateDisk(bootSectorPath, secondStagePath, fatPartitionPath, outPath); err != nil {
		return fmt.Errorf("creating BIOS MBR disk image: %w", err)
	}
	return nil
}

// CreatePXEFolder populates outDir with the UEFI bootloader and the
// kernel under the names PXE clients request over TFTP.
func CreatePXEFolder(uefiBootloaderPath, kernelPath, outDir string) error {
	if err := pxe.CreateTFTPFolder(uefiBootloaderPath, kernelPath, outDir); err != nil {
		return fmt.Errorf("creating UEFI PXE tftp folder: %w", err)
	}
	return nil
}
