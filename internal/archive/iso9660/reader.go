// Package iso9660 reads ISO 9660 images with optional Rock Ridge extensions.
//
// The primary volume descriptor locates the root directory and the
// L-type path table. Without Rock Ridge, directories are found through the
// path table; with Rock Ridge, names, modes, and symlinks come from the
// PX, NM, and SL entries of each directory record, so lookups walk the
// directory records instead.
package iso9660

import (
	"cmp"
	"encoding/binary"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"slices"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/meigma/appbundle/internal/archive"
	"github.com/meigma/appbundle/internal/sizing"
)

const (
	// SectorSize is the logical sector size used for volume descriptors.
	SectorSize = 2048

	descriptorStart = 16
	maxDescriptors  = 64

	typePrimary    = 1
	typeTerminator = 255

	maxDirectorySize = 64 << 20
	maxPathTableSize = 16 << 20

	defaultDirCacheSize = 128

	defaultDirPerm  = 0o555
	defaultFilePerm = 0o444
)

// Reader provides read access to an ISO 9660 image. It implements
// archive.Volume.
type Reader struct {
	src          io.ReaderAt
	size         uint64
	blockSize    uint32
	volumeBlocks uint32
	root         *node

	rockRidge bool
	suspSkip  int
	pathIndex map[string]uint32

	dirs   *lru.Cache[uint32, []*node]
	logger *slog.Logger
	closed bool
}

// node is one directory entry with its decoded attributes.
type node struct {
	name   string
	kind   archive.Kind
	perm   uint32
	extent uint32
	size   uint32
	target string
	mtime  time.Time
	uid    uint32
	gid    uint32
}

// Option configures a Reader.
type Option func(*config)

type config struct {
	dirCacheSize int
	logger       *slog.Logger
}

// WithCacheSize sets the number of directory listings kept in memory.
func WithCacheSize(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.dirCacheSize = n
		}
	}
}

// WithLogger sets the logger for diagnostic output.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// Open reads the volume descriptors from src, which must start at the
// image's first byte.
func Open(src io.ReaderAt, size int64, opts ...Option) (*Reader, error) {
	cfg := config{dirCacheSize: defaultDirCacheSize}
	for _, opt := range opts {
		opt(&cfg)
	}
	if size < 0 {
		return nil, fmt.Errorf("%w: negative image size", archive.ErrCorrupt)
	}
	dirs, err := lru.New[uint32, []*node](cfg.dirCacheSize)
	if err != nil {
		return nil, err
	}
	r := &Reader{src: src, size: uint64(size), blockSize: SectorSize, dirs: dirs, logger: cfg.logger}

	pvd, err := r.primaryDescriptor()
	if err != nil {
		return nil, err
	}
	if err := r.parsePrimary(pvd); err != nil {
		return nil, err
	}
	if err := r.detectRockRidge(); err != nil {
		return nil, err
	}
	if !r.rockRidge {
		if err := r.readPathTable(pvd); err != nil {
			return nil, err
		}
	}
	r.log().Debug("opened iso9660 image",
		slog.Uint64("block_size", uint64(r.blockSize)),
		slog.Uint64("blocks", uint64(r.volumeBlocks)),
		slog.Bool("rock_ridge", r.rockRidge))
	return r, nil
}

func (r *Reader) log() *slog.Logger {
	if r.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return r.logger
}

// RockRidge reports whether the image carries Rock Ridge extensions.
func (r *Reader) RockRidge() bool { return r.rockRidge }

func (r *Reader) primaryDescriptor() ([]byte, error) {
	for i := range maxDescriptors {
		buf := make([]byte, SectorSize)
		if err := r.readAt(buf, uint64(descriptorStart+i)*SectorSize); err != nil {
			return nil, err
		}
		if string(buf[1:6]) != "CD001" {
			return nil, fmt.Errorf("%w: volume descriptor %d lacks identifier", archive.ErrCorrupt, i)
		}
		switch buf[0] {
		case typePrimary:
			return buf, nil
		case typeTerminator:
			return nil, fmt.Errorf("%w: no primary volume descriptor", archive.ErrCorrupt)
		}
	}
	return nil, fmt.Errorf("%w: no primary volume descriptor", archive.ErrCorrupt)
}

func (r *Reader) parsePrimary(pvd []byte) error {
	if pvd[6] != 1 {
		return fmt.Errorf("%w: volume descriptor version %d", archive.ErrNotSupported, pvd[6])
	}
	bs := uint32(binary.LittleEndian.Uint16(pvd[128:]))
	if bs != 512 && bs != 1024 && bs != 2048 {
		return fmt.Errorf("%w: logical block size %d", archive.ErrCorrupt, bs)
	}
	r.blockSize = bs
	r.volumeBlocks = binary.LittleEndian.Uint32(pvd[80:])
	if uint64(r.volumeBlocks)*uint64(bs) > r.size {
		return fmt.Errorf("%w: volume of %d blocks exceeds image size %d", archive.ErrCorrupt, r.volumeBlocks, r.size)
	}
	rec, err := parseRecord(pvd[156:190])
	if err != nil {
		return fmt.Errorf("root record: %w", err)
	}
	if !rec.isDir() {
		return fmt.Errorf("%w: root record is not a directory", archive.ErrCorrupt)
	}
	r.root = &node{name: ".", kind: archive.KindDir, perm: defaultDirPerm, extent: rec.extent, size: rec.size, mtime: rec.mtime}
	return nil
}

// detectRockRidge looks for the SUSP "SP" indicator in the root's "." record.
func (r *Reader) detectRockRidge() error {
	buf := make([]byte, 255)
	n := min(uint64(len(buf)), uint64(r.root.size))
	if err := r.readAt(buf[:n], r.blockOffset(r.root.extent)); err != nil {
		return err
	}
	if n == 0 || int(buf[0]) > int(n) {
		return fmt.Errorf("%w: root directory too small", archive.ErrCorrupt)
	}
	self, err := parseRecord(buf[:n])
	if err != nil {
		return fmt.Errorf("root self record: %w", err)
	}
	su := self.system
	if len(su) >= 7 && string(su[:2]) == "SP" && su[4] == 0xbe && su[5] == 0xef {
		r.rockRidge = true
		r.suspSkip = int(su[6])
		attrs, err := r.parseSUSP(su)
		if err != nil {
			return err
		}
		if attrs.hasPX {
			r.root.perm = attrs.mode & 0o7777
			r.root.uid, r.root.gid = attrs.uid, attrs.gid
		}
	}
	return nil
}

// readPathTable indexes directory extents by ISO path.
func (r *Reader) readPathTable(pvd []byte) error {
	size := binary.LittleEndian.Uint32(pvd[132:])
	loc := binary.LittleEndian.Uint32(pvd[140:])
	if size == 0 {
		return nil
	}
	if size > maxPathTableSize {
		return fmt.Errorf("%w: path table of %d bytes", archive.ErrCorrupt, size)
	}
	buf := make([]byte, size)
	if err := r.readAt(buf, r.blockOffset(loc)); err != nil {
		return err
	}

	paths := []string{"."}
	r.pathIndex = map[string]uint32{}
	for pos := 0; pos+8 <= len(buf); {
		nameLen := int(buf[pos])
		if nameLen == 0 || pos+8+nameLen > len(buf) {
			return fmt.Errorf("%w: path table record at %d", archive.ErrCorrupt, pos)
		}
		extent := binary.LittleEndian.Uint32(buf[pos+2:])
		parent := int(binary.LittleEndian.Uint16(buf[pos+6:]))
		name := string(buf[pos+8 : pos+8+nameLen])
		pos += 8 + nameLen + nameLen%2

		if len(r.pathIndex) == 0 && parent == 1 && name == "\x00" {
			r.pathIndex["."] = extent
			continue
		}
		if parent < 1 || parent > len(paths) {
			return fmt.Errorf("%w: path table parent %d", archive.ErrCorrupt, parent)
		}
		p := archive.Join(paths[parent-1], isoName(name))
		paths = append(paths, p)
		r.pathIndex[p] = extent
	}
	return nil
}

func (r *Reader) blockOffset(extent uint32) uint64 {
	return uint64(extent) * uint64(r.blockSize)
}

// readAt reads exactly len(p) bytes at pos inside the image.
func (r *Reader) readAt(p []byte, pos uint64) error {
	if _, ok := sizing.End(pos, uint64(len(p)), r.size); !ok {
		return fmt.Errorf("%w: read of %d bytes at %d beyond image end", archive.ErrCorrupt, len(p), pos)
	}
	off, err := sizing.ToInt64(pos, archive.ErrCorrupt)
	if err != nil {
		return err
	}
	n, err := r.src.ReadAt(p, off)
	if n < len(p) {
		return fmt.Errorf("read image at %d: %w", pos, err)
	}
	return nil
}

// Lstat returns the entry at name without following a final symlink.
func (r *Reader) Lstat(name string) (archive.Entry, error) {
	n, err := r.lookup(name)
	if err != nil {
		return archive.Entry{}, err
	}
	return n.entry(name), nil
}

// ReadDir lists the directory at name, sorted by name.
func (r *Reader) ReadDir(name string) ([]archive.Entry, error) {
	n, err := r.lookup(name)
	if err != nil {
		return nil, err
	}
	if n.kind != archive.KindDir {
		return nil, archive.ErrNotDir
	}
	children, err := r.listing(n)
	if err != nil {
		return nil, err
	}
	out := make([]archive.Entry, 0, len(children))
	for _, c := range children {
		out = append(out, c.entry(archive.Join(name, c.name)))
	}
	return out, nil
}

// Open opens the regular file at name.
func (r *Reader) Open(name string) (io.ReadCloser, error) {
	n, err := r.lookup(name)
	if err != nil {
		return nil, err
	}
	switch n.kind {
	case archive.KindFile:
	case archive.KindDir:
		return nil, archive.ErrIsDir
	default:
		return nil, archive.ErrNotSupported
	}
	start := r.blockOffset(n.extent)
	if _, ok := sizing.End(start, uint64(n.size), r.size); !ok {
		return nil, fmt.Errorf("%w: file extent beyond image end", archive.ErrCorrupt)
	}
	off, err := sizing.ToInt64(start, archive.ErrCorrupt)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(io.NewSectionReader(r.src, off, int64(n.size))), nil
}

// Close drops the caches. Subsequent calls fail with fs.ErrClosed.
func (r *Reader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.dirs.Purge()
	return nil
}

func (n *node) entry(p string) archive.Entry {
	e := archive.Entry{
		Path:    p,
		Kind:    n.kind,
		Mode:    archive.ModeFor(n.kind, n.perm),
		ModTime: n.mtime,
		UID:     n.uid,
		GID:     n.gid,
	}
	switch n.kind {
	case archive.KindFile:
		e.Size = int64(n.size)
	case archive.KindSymlink:
		e.Target = n.target
		e.Size = int64(len(n.target))
	case archive.KindDir, archive.KindOther:
	}
	return e
}

// lookup finds the node for a clean path.
func (r *Reader) lookup(name string) (*node, error) {
	if r.closed {
		return nil, fs.ErrClosed
	}
	if name == "." || name == "" {
		return r.root, nil
	}
	parts := strings.Split(name, "/")
	cur := r.root
	start := 0

	// Without Rock Ridge the path table locates the deepest known parent.
	if r.pathIndex != nil {
		for i := len(parts) - 1; i > 0; i-- {
			if ext, ok := r.pathIndex[strings.Join(parts[:i], "/")]; ok {
				dir, err := r.dirAt(ext)
				if err != nil {
					return nil, err
				}
				cur, start = dir, i
				break
			}
		}
	}

	for _, c := range parts[start:] {
		if cur.kind != archive.KindDir {
			return nil, archive.ErrNotDir
		}
		children, err := r.listing(cur)
		if err != nil {
			return nil, err
		}
		i, ok := slices.BinarySearchFunc(children, c, func(n *node, name string) int { return cmp.Compare(n.name, name) })
		if !ok {
			return nil, fs.ErrNotExist
		}
		cur = children[i]
	}
	return cur, nil
}

// dirAt builds a directory node from the "." record at extent.
func (r *Reader) dirAt(extent uint32) (*node, error) {
	buf := make([]byte, 255)
	if err := r.readAt(buf[:minRecordSize], r.blockOffset(extent)); err != nil {
		return nil, err
	}
	n := int(buf[0])
	if n < minRecordSize {
		return nil, fmt.Errorf("%w: directory at block %d has no self record", archive.ErrCorrupt, extent)
	}
	if err := r.readAt(buf[:n], r.blockOffset(extent)); err != nil {
		return nil, err
	}
	rec, err := parseRecord(buf[:n])
	if err != nil {
		return nil, err
	}
	if !rec.isDir() || rec.extent != extent {
		return nil, fmt.Errorf("%w: directory at block %d has bad self record", archive.ErrCorrupt, extent)
	}
	return &node{kind: archive.KindDir, perm: defaultDirPerm, extent: extent, size: rec.size, mtime: rec.mtime}, nil
}

// listing returns the children of dir sorted by name, consulting the cache.
func (r *Reader) listing(dir *node) ([]*node, error) {
	if c, ok := r.dirs.Get(dir.extent); ok {
		return c, nil
	}
	if dir.size > maxDirectorySize {
		return nil, fmt.Errorf("%w: directory of %d bytes", archive.ErrCorrupt, dir.size)
	}
	buf := make([]byte, dir.size)
	if err := r.readAt(buf, r.blockOffset(dir.extent)); err != nil {
		return nil, err
	}

	var children []*node
	seen := map[string]bool{}
	bs := int(r.blockSize)
	for pos := 0; pos < len(buf); {
		if buf[pos] == 0 {
			// Records never cross a sector; the rest of this one is padding.
			pos = (pos/bs + 1) * bs
			continue
		}
		end := min((pos/bs+1)*bs, len(buf))
		rec, err := parseRecord(buf[pos:end])
		if err != nil {
			return nil, err
		}
		pos += int(buf[pos])
		if rec.isSelf() || rec.flags&flagAssociated != 0 {
			continue
		}
		if rec.flags&flagMultiExtent != 0 {
			return nil, fmt.Errorf("%w: multi-extent file %q", archive.ErrCorrupt, rec.name)
		}
		child, err := r.child(rec)
		if err != nil {
			return nil, err
		}
		if child == nil || seen[child.name] {
			continue
		}
		seen[child.name] = true
		children = append(children, child)
	}
	slices.SortFunc(children, func(a, b *node) int { return cmp.Compare(a.name, b.name) })
	r.dirs.Add(dir.extent, children)
	return children, nil
}

// child decodes one directory record into a node, or nil when the record
// should be hidden (a relocated directory).
func (r *Reader) child(rec *record) (*node, error) {
	n := &node{
		name:   isoName(rec.name),
		kind:   archive.KindFile,
		perm:   defaultFilePerm,
		extent: rec.extent,
		size:   rec.size,
		mtime:  rec.mtime,
	}
	if rec.isDir() {
		n.kind = archive.KindDir
		n.perm = defaultDirPerm
	}
	if r.rockRidge && len(rec.system) > 0 {
		attrs, err := r.parseSUSP(rec.system)
		if err != nil {
			return nil, err
		}
		if attrs.relocated {
			return nil, nil
		}
		if attrs.hasName {
			n.name = attrs.name
		}
		if attrs.hasPX {
			n.perm = attrs.mode & 0o7777
			n.uid, n.gid = attrs.uid, attrs.gid
			switch attrs.mode & sIFMT {
			case sIFDIR:
				n.kind = archive.KindDir
			case sIFREG:
				n.kind = archive.KindFile
			case sIFLNK:
				n.kind = archive.KindSymlink
			default:
				n.kind = archive.KindOther
			}
		}
		if attrs.isLink {
			n.kind = archive.KindSymlink
			n.target = attrs.link
		}
		if attrs.hasChild {
			dir, err := r.dirAt(attrs.child)
			if err != nil {
				return nil, err
			}
			n.kind = archive.KindDir
			n.extent, n.size = dir.extent, dir.size
		}
	}
	if n.name == "" || n.name == "." || n.name == ".." || strings.ContainsAny(n.name, "/\x00") {
		return nil, fmt.Errorf("%w: directory entry name %q", archive.ErrCorrupt, n.name)
	}
	return n, nil
}
