package fat

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"
)

const (
	sectorSize = 512

	// numFATs is the number of FAT copies. Two is what all common
	// formatters produce and what picky firmware expects.
	numFATs = 2

	// rootDirEntries is the size of the fixed root directory region on
	// FAT12 and FAT16 volumes. FAT32 stores the root directory as a
	// regular cluster chain instead.
	rootDirEntries = 512

	// firstDataCluster is the cluster number of the first data
	// cluster: the first two FAT entries have special meaning (media
	// descriptor and end-of-chain pattern).
	firstDataCluster = 2

	// chainEnd marks the end of a cluster chain in the in-memory FAT.
	// It is translated to the variant-specific pattern when encoding.
	chainEnd = uint32(0xFFFFFFFF)

	// hardDisk is the media descriptor for a hard disk (as opposed to
	// floppy).
	hardDisk = uint8(0xF8)

	// maxFileSize is the largest file size a directory entry can
	// express.
	maxFileSize = int64(0xFFFFFFFF)
)

type paddingWriter struct {
	w     io.Writer
	count int
	padTo int
}

func (pw *paddingWriter) Write(p []byte) (n int, err error) {
	pw.count += len(p)
	return pw.w.Write(p)
}

func (pw *paddingWriter) Flush() error {
	if pw.count%pw.padTo == 0 {
		return nil
	}
	remainder := pw.padTo - (pw.count % pw.padTo)
	pw.count += remainder
	return writeZeros(pw.w, int64(remainder))
}

type countingWriter struct {
	w     io.Writer
	count int64
}

func (cw *countingWriter) Write(p []byte) (n int, err error) {
	cw.count += int64(len(p))
	return cw.w.Write(p)
}

var zeroBuf [65536]byte

func writeZeros(w io.Writer, n int64) error {
	for n > 0 {
		chunk := n
		if chunk > int64(len(zeroBuf)) {
			chunk = int64(len(zeroBuf))
		}
		if _, err := w.Write(zeroBuf[:chunk]); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

// common holds the directory entry state shared between files and
// directories.
type common struct {
	longName     string
	shortName    [11]byte
	lfnSlots     int // 0 when longName fits the short name as-is
	modTime      time.Time
	size         uint32
	firstCluster uint32
}

type dirent interface {
	attr() uint8
	meta() *common
}

type file struct {
	common
	dataOff int64 // offset of the raw contents in dataTmp
}

func (f *file) attr() uint8 { return attrReadOnly | attrArchive }

func (f *file) meta() *common { return &f.common }

type directory struct {
	common
	entries []dirent
	byName  map[string]dirent // key: upper-cased long name
	parent  *directory
}

func (d *directory) attr() uint8 { return attrDirectory }

func (d *directory) meta() *common { return &d.common }

// Writer writes a FAT file system image. Contents are staged in a
// temporary file; the FAT variant, cluster size and all on-disk
// positions are only decided in Flush, once all contents are known.
type Writer struct {
	w    io.Writer
	opts Options

	dataTmp *os.File
	dataOff int64

	root    *directory
	pending *fileWriter

	// fat holds one entry per allocated data cluster; index 0
	// corresponds to cluster number firstDataCluster.
	fat []uint32

	// TotalSectors is the size of the written image in 512-byte
	// sectors. It is set by Flush.
	TotalSectors int64
}

// NewWriter returns a Writer which will write a FAT file system image
// to w once Flush is called.
func NewWriter(w io.Writer, opts Options) (*Writer, error) {
	opts.setDefaults()
	f, err := os.CreateTemp("", "fatwriter")
	if err != nil {
		return nil, err
	}
	return &Writer{
		w:       w,
		opts:    opts,
		dataTmp: f,
		root: &directory{
			common: common{modTime: opts.ModTime},
			byName: make(map[string]dirent),
		},
	}, nil
}

func (fw *Writer) cleanup() {
	if fw.dataTmp == nil {
		return
	}
	fw.dataTmp.Close()
	os.Remove(fw.dataTmp.Name())
	fw.dataTmp = nil
}

func (fw *Writer) dir(dirPath string, modTime time.Time) (*directory, error) {
	cur := fw.root
	for _, component := range strings.Split(dirPath, "/") {
		if component == "" || component == "." {
			// "." shows up via path.Dir for top-level files.
			continue
		}
		key := strings.ToUpper(component)
		if _, ok := cur.byName[key]; !ok {
			sub := &directory{
				common: common{
					longName: component,
					modTime:  modTime,
				},
				parent: cur,
				byName: make(map[string]dirent),
			}
			cur.entries = append(cur.entries, sub)
			cur.byName[key] = sub
		}
		var ok bool
		cur, ok = cur.byName[key].(*directory)
		if !ok {
			return nil, fmt.Errorf("fat: path %q invalid: component %q identifies a file", dirPath, component)
		}
	}
	return cur, nil
}

func (fw *Writer) closePending() error {
	if fw.pending == nil {
		return nil
	}
	err := fw.pending.Close()
	fw.pending = nil
	return err
}

// Mkdir creates a directory with the given full path, e.g.
// Mkdir("efi/boot"). Intermediate directories are created as needed;
// existing directories are left alone.
func (fw *Writer) Mkdir(dirPath string, modTime time.Time) error {
	if err := fw.closePending(); err != nil {
		return err
	}
	if err := validTarget(dirPath); err != nil {
		return err
	}
	d, err := fw.dir(dirPath, modTime.UTC())
	if err != nil {
		return err
	}
	d.modTime = modTime.UTC()
	return nil
}

type fileWriter struct {
	fw    *Writer
	f     *file
	count int64
}

func (fuw *fileWriter) Write(p []byte) (n int, err error) {
	fuw.count += int64(len(p))
	return fuw.fw.dataTmp.Write(p)
}

func (fuw *fileWriter) Close() error {
	if fuw.count > maxFileSize {
		return fmt.Errorf("%w: file %q is %d bytes", ErrCapacity, fuw.f.longName, fuw.count)
	}
	fuw.f.size = uint32(fuw.count)
	fuw.fw.dataOff += fuw.count
	return nil
}

// File creates a file with the specified path and modification time.
// The returned io.Writer stays valid until the next call to File,
// Mkdir or Flush.
func (fw *Writer) File(filePath string, modTime time.Time) (io.Writer, error) {
	if err := fw.closePending(); err != nil {
		return nil, err
	}
	if err := validTarget(filePath); err != nil {
		return nil, err
	}
	d, err := fw.dir(path.Dir(filePath), modTime.UTC())
	if err != nil {
		return nil, err
	}
	base := path.Base(filePath)
	key := strings.ToUpper(base)
	if _, ok := d.byName[key]; ok {
		return nil, fmt.Errorf("fat: %q already exists", filePath)
	}
	f := &file{
		common: common{
			longName: base,
			modTime:  modTime.UTC(),
		},
		dataOff: fw.dataOff,
	}
	d.entries = append(d.entries, f)
	d.byName[key] = f
	fw.pending = &fileWriter{fw: fw, f: f}
	return fw.pending, nil
}

// assignShortNames fixes the 11-byte short name (and the number of
// long file name slots) for every entry. Short names must be unique
// per directory, hence the numeric tail scheme for generated ones.
func assignShortNames(d *directory) error {
	// Names that fit 8.3 as-is claim their short name first, so that
	// generated numeric-tail aliases never collide with them.
	used := make(map[[11]byte]bool)
	for _, e := range d.entries {
		c := e.meta()
		if !fitsShortName(c.longName) {
			continue
		}
		c.shortName = short11(c.longName)
		c.lfnSlots = 0
		used[c.shortName] = true
	}
	for _, e := range d.entries {
		c := e.meta()
		if fitsShortName(c.longName) {
			continue
		}
		short, err := makeShortName(c.longName, used)
		if err != nil {
			return err
		}
		c.shortName = short
		c.lfnSlots = lfnSlots(c.longName)
		used[short] = true
	}
	for _, e := range d.entries {
		if sub, ok := e.(*directory); ok {
			if err := assignShortNames(sub); err != nil {
				return err
			}
		}
	}
	return nil
}

// dirRegionBytes is the size of a directory's entry table: the volume
// label entry in the root, dot and dotdot everywhere else, and one
// short entry plus any long name entries per child.
func (fw *Writer) dirRegionBytes(d *directory) int {
	slots := 2 // "." and ".."
	if d.parent == nil {
		slots = 1 // volume label
	}
	for _, e := range d.entries {
		slots += 1 + e.meta().lfnSlots
	}
	return slots * 32
}

func clustersFor(bytes, clusterBytes int) int {
	return (bytes + clusterBytes - 1) / clusterBytes
}

func (fw *Writer) allocChain(clusters int) uint32 {
	if clusters == 0 {
		return 0
	}
	first := firstDataCluster + uint32(len(fw.fat))
	for i := 0; i < clusters; i++ {
		fw.fat = append(fw.fat, firstDataCluster+uint32(len(fw.fat))+1)
	}
	fw.fat[len(fw.fat)-1] = chainEnd
	return first
}

// assignClusters allocates cluster chains in emission order: the root
// directory first on FAT32, then depth-first through the tree, files
// and subdirectories in insertion order.
func (fw *Writer) assignClusters(g *geometry) {
	cb := g.clusterBytes()
	if g.variant == FAT32 {
		fw.root.firstCluster = fw.allocChain(clustersFor(fw.dirRegionBytes(fw.root), cb))
	}
	var assign func(d *directory)
	assign = func(d *directory) {
		for _, e := range d.entries {
			switch x := e.(type) {
			case *file:
				x.firstCluster = fw.allocChain(clustersFor(int(x.size), cb))
			case *directory:
				x.firstCluster = fw.allocChain(clustersFor(fw.dirRegionBytes(x), cb))
				assign(x)
			}
		}
	}
	assign(fw.root)
}

func dirEntryFor(c *common, attr uint8) rawDirEntry {
	e := rawDirEntry{
		Name:       c.shortName,
		Attr:       attr,
		CrtTime:    dosTime(c.modTime),
		CrtDate:    dosDate(c.modTime),
		LstAccDate: dosDate(c.modTime),
		WrtTime:    dosTime(c.modTime),
		WrtDate:    dosDate(c.modTime),
		FstClusHI:  uint16(c.firstCluster >> 16),
		FstClusLO:  uint16(c.firstCluster & 0xFFFF),
	}
	if attr&attrDirectory == 0 && attr&attrVolumeID == 0 {
		e.FileSize = c.size
	}
	return e
}

// encodeDir serializes a directory's entry table.
func (fw *Writer) encodeDir(d *directory) ([]byte, error) {
	var buf bytes.Buffer
	write := func(v interface{}) error {
		return binary.Write(&buf, binary.LittleEndian, v)
	}

	if d.parent == nil {
		var label [11]byte
		for i := range label {
			label[i] = ' '
		}
		copy(label[:], fw.opts.Label)
		if err := write(rawDirEntry{
			Name:    label,
			Attr:    attrVolumeID,
			WrtTime: dosTime(fw.opts.ModTime),
			WrtDate: dosDate(fw.opts.ModTime),
		}); err != nil {
			return nil, err
		}
	} else {
		dot := common{modTime: d.modTime, firstCluster: d.firstCluster}
		copy(dot.shortName[:], ".          ")
		dotdot := common{modTime: d.modTime}
		copy(dotdot.shortName[:], "..         ")
		if d.parent.parent != nil {
			dotdot.firstCluster = d.parent.firstCluster
		}
		if err := write(dirEntryFor(&dot, attrDirectory)); err != nil {
			return nil, err
		}
		if err := write(dirEntryFor(&dotdot, attrDirectory)); err != nil {
			return nil, err
		}
	}

	for _, e := range d.entries {
		c := e.meta()
		if c.lfnSlots > 0 {
			for _, lfn := range lfnEntries(c.longName, c.shortName) {
				if err := write(lfn); err != nil {
					return nil, err
				}
			}
		}
		if err := write(dirEntryFor(c, e.attr())); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// encodeFAT serializes one FAT copy, padded to whole sectors.
func (fw *Writer) encodeFAT(g *geometry) []byte {
	buf := make([]byte, g.fatSectors*sectorSize)

	var media, eoc uint32
	switch g.variant {
	case FAT12:
		media, eoc = 0xF00|uint32(hardDisk), 0xFFF
	case FAT16:
		media, eoc = 0xFF00|uint32(hardDisk), 0xFFFF
	default:
		media, eoc = 0x0FFFFF00|uint32(hardDisk), 0x0FFFFFFF
	}

	entry := func(i int) uint32 {
		switch {
		case i == 0:
			return media
		case i == 1:
			return eoc
		case i-firstDataCluster < len(fw.fat):
			v := fw.fat[i-firstDataCluster]
			if v == chainEnd {
				return eoc
			}
			return v
		default:
			return 0 // free
		}
	}

	total := g.clusters + firstDataCluster
	switch g.variant {
	case FAT12:
		for i := 0; i < total; i += 2 {
			v1 := entry(i) & 0xFFF
			var v2 uint32
			if i+1 < total {
				v2 = entry(i+1) & 0xFFF
			}
			off := i * 3 / 2
			buf[off] = byte(v1)
			buf[off+1] = byte(v1>>8) | byte(v2<<4)
			// With an odd entry count the last pair only occupies one
			// and a half bytes, which can end flush with the buffer.
			if i+1 < total {
				buf[off+2] = byte(v2 >> 4)
			}
		}
	case FAT16:
		for i := 0; i < total; i++ {
			binary.LittleEndian.PutUint16(buf[i*2:], uint16(entry(i)))
		}
	default:
		for i := 0; i < total; i++ {
			binary.LittleEndian.PutUint32(buf[i*4:], entry(i)&0x0FFFFFFF)
		}
	}
	return buf
}

func (fw *Writer) bootSector(g *geometry) ([]byte, error) {
	var buf bytes.Buffer

	bpb := bpbCommon{
		OEMName:           [8]byte{' ', ' ', ' ', ' ', ' ', ' ', ' ', ' '},
		BytesPerSector:    sectorSize,
		SectorsPerCluster: uint8(g.sectorsPerCluster),
		ReservedSectors:   uint16(g.reservedSectors),
		NumFATs:           numFATs,
		Media:             hardDisk,
		SectorsPerTrack:   32,
		NumHeads:          4,
	}
	copy(bpb.OEMName[:], fw.opts.OEMName)
	if g.totalSectors < 65536 && g.variant != FAT32 {
		bpb.TotalSectors16 = uint16(g.totalSectors)
	} else {
		bpb.TotalSectors32 = uint32(g.totalSectors)
	}

	var label [11]byte
	for i := range label {
		label[i] = ' '
	}
	copy(label[:], fw.opts.Label)

	if g.variant == FAT32 {
		bpb.JumpCode = [3]byte{0xEB, 0x58, 0x90}
		if err := binary.Write(&buf, binary.LittleEndian, bpb); err != nil {
			return nil, err
		}
		ext := bpbExt32{
			FATSize32:        uint32(g.fatSectors),
			RootCluster:      fw.root.firstCluster,
			FSInfoSector:     1,
			BackupBootSector: 6,
			DriveNumber:      0x80,
			BootSignature:    0x29,
			VolumeID:         fw.opts.VolumeID,
			VolumeLabel:      label,
			FSType:           [8]byte{'F', 'A', 'T', '3', '2', ' ', ' ', ' '},
			Signature:        [2]byte{0x55, 0xAA},
		}
		if err := binary.Write(&buf, binary.LittleEndian, ext); err != nil {
			return nil, err
		}
	} else {
		bpb.JumpCode = [3]byte{0xEB, 0x3C, 0x90}
		bpb.RootEntryCount = rootDirEntries
		bpb.FATSize16 = uint16(g.fatSectors)
		if err := binary.Write(&buf, binary.LittleEndian, bpb); err != nil {
			return nil, err
		}
		fsType := [8]byte{'F', 'A', 'T', '1', '2', ' ', ' ', ' '}
		if g.variant == FAT16 {
			fsType[4] = '6'
		}
		ext := bpbExt16{
			DriveNumber:   0x80,
			BootSignature: 0x29,
			VolumeID:      fw.opts.VolumeID,
			VolumeLabel:   label,
			FSType:        fsType,
			Signature:     [2]byte{0x55, 0xAA},
		}
		if err := binary.Write(&buf, binary.LittleEndian, ext); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// writeReserved writes the reserved region: the boot sector on FAT12
// and FAT16; boot sector, FS information sector and their backups at
// sectors 6 and 7 on FAT32.
func (fw *Writer) writeReserved(w io.Writer, g *geometry) error {
	boot, err := fw.bootSector(g)
	if err != nil {
		return err
	}
	if g.variant != FAT32 {
		_, err := w.Write(boot)
		return err
	}

	var info bytes.Buffer
	used := len(fw.fat)
	fsi := fsInfo{
		LeadSignature:  0x41615252,
		StrucSignature: 0x61417272,
		FreeCount:      uint32(g.clusters - used),
		NextFree:       uint32(firstDataCluster + used),
		TrailSignature: 0xAA550000,
	}
	if err := binary.Write(&info, binary.LittleEndian, fsi); err != nil {
		return err
	}

	// Sectors 0+1, zeros up to the backup at 6+7, zeros up to the
	// first FAT.
	for _, part := range [][]byte{boot, info.Bytes()} {
		if _, err := w.Write(part); err != nil {
			return err
		}
	}
	if err := writeZeros(w, 4*sectorSize); err != nil {
		return err
	}
	for _, part := range [][]byte{boot, info.Bytes()} {
		if _, err := w.Write(part); err != nil {
			return err
		}
	}
	return writeZeros(w, int64(g.reservedSectors-8)*sectorSize)
}

// writeData writes the data area in allocation order and pads the
// image with free clusters up to the chosen total size.
func (fw *Writer) writeData(w io.Writer, g *geometry) error {
	cb := g.clusterBytes()
	emit := func(fill func(io.Writer) error) error {
		pw := &paddingWriter{w: w, padTo: cb}
		if err := fill(pw); err != nil {
			return err
		}
		return pw.Flush()
	}
	emitDir := func(d *directory) error {
		return emit(func(pw io.Writer) error {
			encoded, err := fw.encodeDir(d)
			if err != nil {
				return err
			}
			_, err = pw.Write(encoded)
			return err
		})
	}

	if g.variant == FAT32 {
		if err := emitDir(fw.root); err != nil {
			return err
		}
	}
	var walk func(d *directory) error
	walk = func(d *directory) error {
		for _, e := range d.entries {
			switch x := e.(type) {
			case *file:
				if x.size == 0 {
					continue
				}
				err := emit(func(pw io.Writer) error {
					sr := io.NewSectionReader(fw.dataTmp, x.dataOff, int64(x.size))
					_, err := io.Copy(pw, sr)
					return err
				})
				if err != nil {
					return err
				}
			case *directory:
				if err := emitDir(x); err != nil {
					return err
				}
				if err := walk(x); err != nil {
					return err
				}
			}
		}
		return nil
	}
	if err := walk(fw.root); err != nil {
		return err
	}

	free := g.clusters - len(fw.fat)
	return writeZeros(w, int64(free)*int64(cb))
}

// Flush writes the image. The Writer must not be used after calling
// Flush.
func (fw *Writer) Flush() error {
	defer fw.cleanup()
	if err := fw.closePending(); err != nil {
		return err
	}
	if err := assignShortNames(fw.root); err != nil {
		return err
	}

	needed := func(clusterBytes int, fat32 bool) int {
		n := 0
		if fat32 {
			n += clustersFor(fw.dirRegionBytes(fw.root), clusterBytes)
		}
		var walk func(d *directory)
		walk = func(d *directory) {
			for _, e := range d.entries {
				switch x := e.(type) {
				case *file:
					n += clustersFor(int(x.size), clusterBytes)
				case *directory:
					n += clustersFor(fw.dirRegionBytes(x), clusterBytes)
					walk(x)
				}
			}
		}
		walk(fw.root)
		return n
	}
	rootSlots := fw.dirRegionBytes(fw.root) / 32
	g, err := chooseGeometry(needed, rootSlots, fw.opts)
	if err != nil {
		return err
	}
	fw.TotalSectors = g.totalSectors

	fw.assignClusters(&g)

	cw := &countingWriter{w: fw.w}
	if err := fw.writeReserved(cw, &g); err != nil {
		return err
	}
	fatCopy := fw.encodeFAT(&g)
	for i := 0; i < numFATs; i++ {
		if _, err := cw.Write(fatCopy); err != nil {
			return err
		}
	}
	if g.variant != FAT32 {
		rootRegion := make([]byte, g.rootDirSectors*sectorSize)
		encoded, err := fw.encodeDir(fw.root)
		if err != nil {
			return err
		}
		copy(rootRegion, encoded)
		if _, err := cw.Write(rootRegion); err != nil {
			return err
		}
	}
	if err := fw.writeData(cw, &g); err != nil {
		return err
	}

	if want := g.totalSectors * sectorSize; cw.count != want {
		return fmt.Errorf("fat: internal error: wrote %d bytes, want %d", cw.count, want)
	}
	return nil
}
