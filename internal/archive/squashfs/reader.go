// Package squashfs reads SquashFS 4.0 images.
//
// Metadata (inodes, directories, fragment and id tables) is decoded on
// demand from 8 KiB metadata blocks; decoded metadata blocks, fragment blocks,
// and directory listings are kept in bounded LRU caches. File contents are
// streamed one data block at a time.
package squashfs

import (
	"encoding/binary"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/meigma/appbundle/internal/archive"
	"github.com/meigma/appbundle/internal/sizing"
)

const (
	defaultMetaCacheSize = 256
	defaultFragCacheSize = 8
	defaultDirCacheSize  = 128
)

// Reader provides read access to a SquashFS image. It implements
// archive.Volume.
type Reader struct {
	src   io.ReaderAt
	sb    *Superblock
	codec decompressor
	root  uint64

	meta  *lru.Cache[uint64, *metaBlock]
	frags *lru.Cache[uint32, []byte]
	dirs  *lru.Cache[uint64, []dirent]

	logger *slog.Logger
	closed bool
}

// Option configures a Reader.
type Option func(*config)

type config struct {
	metaCacheSize int
	fragCacheSize int
	dirCacheSize  int
	maxMemory     uint64
	logger        *slog.Logger
}

// WithCacheSize sets the number of decoded metadata blocks kept in memory.
func WithCacheSize(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.metaCacheSize = n
		}
	}
}

// WithFragmentCacheSize sets the number of decoded fragment blocks kept in
// memory.
func WithFragmentCacheSize(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.fragCacheSize = n
		}
	}
}

// WithMaxDecoderMemory limits the memory a zstd decoder may allocate.
// Zero means no limit.
func WithMaxDecoderMemory(n uint64) Option {
	return func(c *config) {
		c.maxMemory = n
	}
}

// WithLogger sets the logger for diagnostic output.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// Open reads the superblock from src, which must start at the image's first
// byte, and prepares the image for lookups.
func Open(src io.ReaderAt, size int64, opts ...Option) (*Reader, error) {
	cfg := config{
		metaCacheSize: defaultMetaCacheSize,
		fragCacheSize: defaultFragCacheSize,
		dirCacheSize:  defaultDirCacheSize,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	sb, err := readSuperblock(src, size)
	if err != nil {
		return nil, err
	}
	codec, err := newDecompressor(sb.Compression, cfg.maxMemory)
	if err != nil {
		return nil, err
	}

	meta, err := lru.New[uint64, *metaBlock](cfg.metaCacheSize)
	if err != nil {
		return nil, err
	}
	frags, err := lru.New[uint32, []byte](cfg.fragCacheSize)
	if err != nil {
		return nil, err
	}
	dirs, err := lru.New[uint64, []dirent](cfg.dirCacheSize)
	if err != nil {
		return nil, err
	}

	r := &Reader{
		src:    src,
		sb:     sb,
		codec:  codec,
		root:   sb.RootInode,
		meta:   meta,
		frags:  frags,
		dirs:   dirs,
		logger: cfg.logger,
	}
	if sb.Flags&FlagCompressorOptions != 0 {
		r.log().Debug("squashfs compressor options present; using codec defaults")
	}

	rootIno, err := r.readInode(r.root)
	if err != nil {
		return nil, fmt.Errorf("root inode: %w", err)
	}
	if rootIno.kind() != archive.KindDir {
		return nil, fmt.Errorf("%w: root inode is not a directory", archive.ErrCorrupt)
	}
	r.log().Debug("opened squashfs image",
		slog.String("compression", sb.Compression.String()),
		slog.Uint64("block_size", uint64(sb.BlockSize)),
		slog.Uint64("inodes", uint64(sb.InodeCount)),
		slog.Uint64("bytes_used", sb.BytesUsed))
	return r, nil
}

func (r *Reader) log() *slog.Logger {
	if r.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return r.logger
}

// Superblock returns a copy of the image superblock.
func (r *Reader) Superblock() Superblock { return *r.sb }

// Lstat returns the entry at name without following a final symlink.
func (r *Reader) Lstat(name string) (archive.Entry, error) {
	_, ino, err := r.lookup(name)
	if err != nil {
		return archive.Entry{}, err
	}
	return r.entry(name, ino)
}

// ReadDir lists the directory at name, sorted by name.
func (r *Reader) ReadDir(name string) ([]archive.Entry, error) {
	ref, ino, err := r.lookup(name)
	if err != nil {
		return nil, err
	}
	if ino.kind() != archive.KindDir {
		return nil, archive.ErrNotDir
	}
	ents, err := r.listing(ref, ino)
	if err != nil {
		return nil, err
	}
	out := make([]archive.Entry, 0, len(ents))
	for _, d := range ents {
		child, err := r.readInode(d.ref)
		if err != nil {
			return nil, err
		}
		e, err := r.entry(archive.Join(name, d.name), child)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// Open opens the regular file at name.
func (r *Reader) Open(name string) (io.ReadCloser, error) {
	_, ino, err := r.lookup(name)
	if err != nil {
		return nil, err
	}
	switch ino.kind() {
	case archive.KindFile:
		return r.newFileReader(ino), nil
	case archive.KindDir:
		return nil, archive.ErrIsDir
	default:
		return nil, archive.ErrNotSupported
	}
}

// Close drops the caches. Subsequent calls fail with fs.ErrClosed.
func (r *Reader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.meta.Purge()
	r.frags.Purge()
	r.dirs.Purge()
	return nil
}

// lookup walks name from the root, one directory listing per component.
func (r *Reader) lookup(name string) (uint64, *inode, error) {
	if r.closed {
		return 0, nil, fs.ErrClosed
	}
	ref := r.root
	ino, err := r.readInode(ref)
	if err != nil {
		return 0, nil, err
	}
	if name == "." || name == "" {
		return ref, ino, nil
	}
	for _, c := range strings.Split(name, "/") {
		if ino.kind() != archive.KindDir {
			return 0, nil, archive.ErrNotDir
		}
		ents, err := r.listing(ref, ino)
		if err != nil {
			return 0, nil, err
		}
		d, ok := find(ents, c)
		if !ok {
			return 0, nil, fs.ErrNotExist
		}
		ref = d.ref
		if ino, err = r.readInode(ref); err != nil {
			return 0, nil, err
		}
	}
	return ref, ino, nil
}

func le16(b []byte) uint16 { return binary.LittleEndian.Uint16(b) }
func le32(b []byte) uint32 { return binary.LittleEndian.Uint32(b) }
func le64(b []byte) uint64 { return binary.LittleEndian.Uint64(b) }

func toSize(n uint64) (int64, error) {
	return sizing.ToInt64(n, fmt.Errorf("%w: size %d overflows", archive.ErrCorrupt, n))
}
