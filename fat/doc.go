// Package fat implements writing FAT12, FAT16 and FAT32 file system
// images, which is useful when generating boot partitions (such as an
// EFI System Partition) without loop-mounting anything.
//
// The resulting images use a sector size of 512 bytes. The cluster
// size and FAT variant are selected automatically from the content,
// see Options for the available overrides.
//
// Filenames that do not fit the classic 8 characters + 3 character
// extension scheme are stored with VFAT long file name entries.
package fat
