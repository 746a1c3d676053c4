package fat

// geometry fixes every layout parameter of the image: the FAT
// variant, the cluster size and the total number of clusters
// (including free padding clusters).
type geometry struct {
	variant           Variant
	sectorsPerCluster int
	clusters          int

	fatSectors      int // per FAT copy
	reservedSectors int
	rootDirSectors  int // 0 for FAT32
	totalSectors    int64
}

func (g *geometry) clusterBytes() int {
	return g.sectorsPerCluster * sectorSize
}

func fullSectors(bytes int) int {
	return (bytes + sectorSize - 1) / sectorSize
}

// fatSectorsFor returns the size of one FAT copy, in sectors, for a
// volume with the given number of data clusters. The table has two
// extra entries (media descriptor and end-of-chain pattern) in front
// of the data cluster entries.
func fatSectorsFor(v Variant, clusters int) int {
	entries := clusters + 2
	var bytes int
	switch v {
	case FAT12:
		bytes = (entries*3 + 1) / 2
	case FAT16:
		bytes = entries * 2
	default:
		bytes = entries * 4
	}
	return fullSectors(bytes)
}

func (g *geometry) recompute() {
	g.fatSectors = fatSectorsFor(g.variant, g.clusters)
	if g.variant == FAT32 {
		g.reservedSectors = 32
		g.rootDirSectors = 0
	} else {
		g.reservedSectors = 1
		g.rootDirSectors = rootDirEntries * 32 / sectorSize
	}
	g.totalSectors = int64(g.reservedSectors) +
		int64(numFATs*g.fatSectors) +
		int64(g.rootDirSectors) +
		int64(g.clusters)*int64(g.sectorsPerCluster)
}

// initialGuess picks the (variant, cluster size) starting point for
// the retry loop based on the approximate volume size.
func initialGuess(approx int64) (Variant, int) {
	const miB = 1024 * 1024
	switch {
	case approx < 4*miB:
		return FAT12, 1
	case approx < 128*miB:
		return FAT16, 4
	case approx < 256*miB:
		return FAT16, 8
	case approx < 512*miB:
		return FAT16, 16
	case approx < 8*1024*miB:
		return FAT32, 8
	case approx < 16*1024*miB:
		return FAT32, 16
	default:
		return FAT32, 32
	}
}

// chooseGeometry finds a consistent (variant, cluster size, cluster
// count) triple.
//
// needed must return the number of data clusters the contents occupy
// at the given cluster size; the fat32 flag tells it whether the root
// directory lives in the data area. rootSlots is the number of 32-byte
// entries the root directory needs, which on FAT12/16 must fit the
// fixed root directory region.
//
// The loop starts from a size-based guess and, whenever the cluster
// count overflows the variant, promotes the variant or grows the
// cluster size until everything is consistent, or fails with
// ErrCapacity.
func chooseGeometry(needed func(clusterBytes int, fat32 bool) int, rootSlots int, opts Options) (geometry, error) {
	approx := int64(needed(sectorSize, false)) * sectorSize
	if approx < opts.MinSize {
		approx = opts.MinSize
	}
	variant, spc := initialGuess(approx)
	if opts.SectorsPerCluster != 0 {
		spc = opts.SectorsPerCluster
	}

	promote := func() bool {
		switch variant {
		case FAT12:
			variant = FAT16
		case FAT16:
			variant = FAT32
		default:
			if opts.SectorsPerCluster == 0 && spc < 64 {
				spc *= 2
				return true
			}
			return false
		}
		return true
	}

	for tries := 0; tries < 32; tries++ {
		g := geometry{variant: variant, sectorsPerCluster: spc}

		if variant != FAT32 && rootSlots > rootDirEntries {
			if !promote() {
				return geometry{}, ErrCapacity
			}
			continue
		}

		g.clusters = needed(g.clusterBytes(), variant == FAT32)
		if g.clusters < variant.minClusters() {
			g.clusters = variant.minClusters()
		}

		// Pad with free clusters until the image reaches MinSize. The
		// FAT grows alongside, so iterate until the size settles.
		for {
			g.recompute()
			deficit := opts.MinSize - g.totalSectors*sectorSize
			if deficit <= 0 {
				break
			}
			g.clusters += int((deficit + int64(g.clusterBytes()) - 1) / int64(g.clusterBytes()))
		}

		if g.clusters > variant.maxClusters() {
			if !promote() {
				return geometry{}, ErrCapacity
			}
			continue
		}
		if g.totalSectors > 0xFFFFFFFF {
			return geometry{}, ErrCapacity
		}
		return g, nil
	}
	return geometry{}, ErrCapacity
}
