// bootimg builds bootable disk artifacts (a FAT boot partition, a
// GPT disk image for UEFI, an MBR disk image for legacy BIOS and a
// PXE/TFTP folder) from a kernel and bootloader blobs, and optionally
// serves the PXE folder via TFTP.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/go-logr/stdr"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/gokrazy/bootimage"
	"github.com/gokrazy/bootimage/config"
	"github.com/gokrazy/bootimage/humanize"
	"github.com/gokrazy/bootimage/tftp"
)

var (
	kernel         = pflag.String("kernel", "", "path to the kernel image to boot")
	bootSector     = pflag.String("boot_sector", "", "path to the 512 byte BIOS boot sector")
	secondStage    = pflag.String("second_stage", "", "path to the BIOS second stage loader")
	uefiBootloader = pflag.String("uefi_bootloader", "", "path to the UEFI bootloader application (PE executable)")
	outputDir      = pflag.String("out_dir", "out", "directory to place the artifacts in")
	configPath     = pflag.String("config", "", "path to a JSON configuration file (flags take precedence)")
	reproducible   = pflag.Bool("reproducible", false, "make repeated builds byte-identical")
	tftpAddr       = pflag.String("serve_tftp", "", "if non-empty, serve the PXE folder via TFTP on this address (e.g. \":69\") after building")
)

func logSize(path string) {
	st, err := os.Stat(path)
	if err != nil {
		return
	}
	log.Printf("wrote %s (%s)", path, humanize.Bytes(uint64(st.Size())))
}

func bootimg() error {
	cfg := &config.Struct{}
	if *configPath != "" {
		var err error
		cfg, err = config.ReadFromFile(*configPath)
		if err != nil {
			return err
		}
	}

	// Flags win over configuration values.
	if pflag.CommandLine.Changed("kernel") || cfg.Kernel == "" {
		cfg.Kernel = *kernel
	}
	if pflag.CommandLine.Changed("boot_sector") || cfg.BootSector == "" {
		cfg.BootSector = *bootSector
	}
	if pflag.CommandLine.Changed("second_stage") || cfg.SecondStage == "" {
		cfg.SecondStage = *secondStage
	}
	if pflag.CommandLine.Changed("uefi_bootloader") || cfg.UEFIBootloader == "" {
		cfg.UEFIBootloader = *uefiBootloader
	}
	if pflag.CommandLine.Changed("out_dir") || cfg.OutputDir == "" {
		cfg.OutputDir = *outputDir
	}
	if pflag.CommandLine.Changed("reproducible") {
		cfg.Reproducible = *reproducible
	}
	if pflag.CommandLine.Changed("serve_tftp") {
		cfg.TFTPAddr = *tftpAddr
	}

	if cfg.Kernel == "" {
		return fmt.Errorf("the -kernel flag is required")
	}
	if cfg.UEFIBootloader == "" {
		return fmt.Errorf("the -uefi_bootloader flag is required")
	}
	buildBIOS := cfg.BootSector != "" || cfg.SecondStage != ""
	if buildBIOS && (cfg.BootSector == "" || cfg.SecondStage == "") {
		return fmt.Errorf("-boot_sector and -second_stage must both be set for a BIOS disk image")
	}

	buildTime, err := cfg.BuildTime()
	if err != nil {
		return err
	}
	opts := bootimage.Options{
		Reproducible: cfg.Reproducible,
		BuildTime:    buildTime,
	}

	if err := os.MkdirAll(cfg.OutputDir, 0755); err != nil {
		return err
	}

	fatPath := filepath.Join(cfg.OutputDir, "boot.fat")
	if err := bootimage.CreateBootPartition(cfg.UEFIBootloader, cfg.Kernel, fatPath, opts); err != nil {
		return err
	}
	logSize(fatPath)

	// The GPT and MBR images both consume the (now immutable) FAT
	// image and write disjoint outputs, so they can proceed in
	// parallel.
	uefiPath := filepath.Join(cfg.OutputDir, "boot-uefi.img")
	biosPath := filepath.Join(cfg.OutputDir, "boot-bios.img")
	var eg errgroup.Group
	eg.Go(func() error {
		return bootimage.CreateUEFIDiskImage(fatPath, uefiPath, opts)
	})
	if buildBIOS {
		eg.Go(func() error {
			return bootimage.CreateBIOSDiskImage(cfg.BootSector, cfg.SecondStage, fatPath, biosPath)
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}
	logSize(uefiPath)
	if buildBIOS {
		logSize(biosPath)
	}

	pxeDir := filepath.Join(cfg.OutputDir, "pxe")
	if err := bootimage.CreatePXEFolder(cfg.UEFIBootloader, cfg.Kernel, pxeDir); err != nil {
		return err
	}
	log.Printf("wrote PXE folder %s", pxeDir)

	if cfg.TFTPAddr != "" {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		srv := &tftp.Server{
			Logger:        stdr.New(log.Default()).WithName("tftp"),
			RootDirectory: pxeDir,
		}
		return srv.ListenAndServe(ctx, cfg.TFTPAddr)
	}
	return nil
}

func main() {
	pflag.Parse()
	if err := bootimg(); err != nil {
		log.Fatal(err)
	}
}
