package testutil

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"testing"
	"time"

	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz"
	"github.com/ulikunitz/xz/lzma"
)

// SquashFS compression ids.
const (
	SquashGzip uint16 = 1
	SquashLZMA uint16 = 2
	SquashLZO  uint16 = 3
	SquashXZ   uint16 = 4
	SquashLZ4  uint16 = 5
	SquashZstd uint16 = 6
)

// SquashFSOptions controls BuildSquashFS.
type SquashFSOptions struct {
	// Compression is the codec id; defaults to SquashGzip.
	Compression uint16
	// Stored writes every block uncompressed while keeping the codec id.
	Stored bool
	// BlockSize defaults to 4096.
	BlockSize uint32
	// NoFragments writes file tails as short data blocks.
	NoFragments bool
	// SparseZeros records all-zero full blocks as sparse.
	SparseZeros bool
	// ModTime is used for entries without one; defaults to 2024-01-01.
	ModTime time.Time
}

const (
	sqMetaSize     = 8192
	sqNoFragment   = 0xffffffff
	sqUncompressed = 1 << 24
)

// BuildSquashFS assembles a SquashFS 4.0 image containing entries. Missing
// parent directories are created.
func BuildSquashFS(tb testing.TB, entries []Entry, opts SquashFSOptions) []byte {
	tb.Helper()
	img, err := SquashFSImage(entries, opts)
	if err != nil {
		tb.Fatalf("build squashfs: %v", err)
	}
	return img
}

// SquashFSImage is BuildSquashFS for callers outside tests.
func SquashFSImage(entries []Entry, opts SquashFSOptions) ([]byte, error) {
	if opts.Compression == 0 {
		opts.Compression = SquashGzip
	}
	if opts.BlockSize == 0 {
		opts.BlockSize = 4096
	}
	if opts.ModTime.IsZero() {
		opts.ModTime = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	b := &sqBuilder{opts: opts, ids: map[uint32]uint16{}}
	b.out.Write(make([]byte, 96))
	img := b.build(buildTree(entries, opts.ModTime))
	if b.err != nil {
		return nil, b.err
	}
	return img, nil
}

type sqFile struct {
	start      uint64
	sizes      []uint32
	fragIndex  uint32
	fragOffset uint32
}

type sqBuilder struct {
	opts SquashFSOptions
	out  bytes.Buffer
	// err is the first codec failure; the block is then stored raw.
	err error

	frag     []byte
	fragEnts [][2]uint64 // start, size word

	files map[*node]*sqFile
	refs  map[*node]uint64

	ids   map[uint32]uint16
	idTab []uint32
}

func (b *sqBuilder) build(root *node) []byte {
	// Inode numbers follow a pre-order walk; the root is numbered last.
	var count uint32
	walkPre(root, func(n *node) {
		if n != root {
			count++
			n.number = count
		}
	})
	count++
	root.number = count

	b.files = map[*node]*sqFile{}
	walkPre(root, func(n *node) {
		if n.entry.Kind == KindFile {
			b.files[n] = b.writeFile(n.entry.Data)
		}
	})
	b.flushFragment()

	inodes := &sqMeta{b: b}
	dirs := &sqMeta{b: b}
	b.refs = map[*node]uint64{}
	parents := map[*node]*node{}
	walkPre(root, func(n *node) {
		for _, c := range n.children {
			parents[c] = n
		}
	})
	walkPost(root, func(n *node) {
		parent := count + 1
		if p, ok := parents[n]; ok {
			parent = p.number
		}
		b.refs[n] = inodes.ref()
		inodes.write(b.inode(n, parent, dirs))
	})

	inodeTable := uint64(b.out.Len())
	inodes.flushTo(&b.out)
	dirTable := uint64(b.out.Len())
	dirs.flushTo(&b.out)

	fragTable := ^uint64(0)
	if len(b.fragEnts) > 0 {
		fm := &sqMeta{b: b}
		var ptrs []uint64
		for i, fe := range b.fragEnts {
			if i%512 == 0 {
				fm.flushTo(&b.out)
				ptrs = append(ptrs, uint64(b.out.Len()))
			}
			var e [16]byte
			binary.LittleEndian.PutUint64(e[0:], fe[0])
			binary.LittleEndian.PutUint32(e[8:], uint32(fe[1]))
			fm.write(e[:])
		}
		fm.flushTo(&b.out)
		fragTable = uint64(b.out.Len())
		for _, p := range ptrs {
			_ = binary.Write(&b.out, binary.LittleEndian, p)
		}
	}

	b.id(0)
	im := &sqMeta{b: b}
	var idPtrs []uint64
	for i, id := range b.idTab {
		if i%2048 == 0 {
			im.flushTo(&b.out)
			idPtrs = append(idPtrs, uint64(b.out.Len()))
		}
		var e [4]byte
		binary.LittleEndian.PutUint32(e[:], id)
		im.write(e[:])
	}
	im.flushTo(&b.out)
	idTable := uint64(b.out.Len())
	for _, p := range idPtrs {
		_ = binary.Write(&b.out, binary.LittleEndian, p)
	}

	bytesUsed := uint64(b.out.Len())
	if pad := bytesUsed % 4096; pad != 0 {
		b.out.Write(make([]byte, 4096-pad))
	}

	img := b.out.Bytes()
	le := binary.LittleEndian
	le.PutUint32(img[0:], 0x73717368)
	le.PutUint32(img[4:], count)
	le.PutUint32(img[8:], uint32(b.opts.ModTime.Unix())) //nolint:gosec // fixture times fit
	le.PutUint32(img[12:], b.opts.BlockSize)
	le.PutUint32(img[16:], uint32(len(b.fragEnts))) //nolint:gosec // small fixture
	le.PutUint16(img[20:], b.opts.Compression)
	le.PutUint16(img[22:], uint16(log2(b.opts.BlockSize)))
	var flags uint16
	if b.opts.NoFragments {
		flags |= 0x0010
	}
	flags |= 0x0200 // no xattrs
	le.PutUint16(img[24:], flags)
	le.PutUint16(img[26:], uint16(len(b.idTab))) //nolint:gosec // small fixture
	le.PutUint16(img[28:], 4)
	le.PutUint16(img[30:], 0)
	le.PutUint64(img[32:], b.refs[root])
	le.PutUint64(img[40:], bytesUsed)
	le.PutUint64(img[48:], idTable)
	le.PutUint64(img[56:], ^uint64(0))
	le.PutUint64(img[64:], inodeTable)
	le.PutUint64(img[72:], dirTable)
	le.PutUint64(img[80:], fragTable)
	le.PutUint64(img[88:], ^uint64(0))
	return img
}

func log2(v uint32) int {
	n := 0
	for v > 1 {
		v >>= 1
		n++
	}
	return n
}

// id returns the id table index for v, adding it when new.
func (b *sqBuilder) id(v uint32) uint16 {
	if i, ok := b.ids[v]; ok {
		return i
	}
	i := uint16(len(b.idTab)) //nolint:gosec // small fixture
	b.ids[v] = i
	b.idTab = append(b.idTab, v)
	return i
}

func (b *sqBuilder) fail(err error) {
	if b.err == nil {
		b.err = err
	}
}

// compress returns the encoded block and whether it was stored raw.
func (b *sqBuilder) compress(raw []byte) ([]byte, bool) {
	if b.opts.Stored || len(raw) == 0 {
		return raw, true
	}
	var enc []byte
	switch b.opts.Compression {
	case SquashGzip:
		var buf bytes.Buffer
		zw := zlib.NewWriter(&buf)
		_, _ = zw.Write(raw)
		_ = zw.Close()
		enc = buf.Bytes()
	case SquashZstd:
		zw, err := zstd.NewWriter(nil)
		if err != nil {
			b.fail(fmt.Errorf("zstd writer: %w", err))
			return raw, true
		}
		enc = zw.EncodeAll(raw, nil)
		_ = zw.Close()
	case SquashLZ4:
		dst := make([]byte, lz4.CompressBlockBound(len(raw)))
		n, err := lz4.CompressBlock(raw, dst, nil)
		if err != nil {
			b.fail(fmt.Errorf("lz4: %w", err))
			return raw, true
		}
		if n == 0 {
			return raw, true
		}
		enc = dst[:n]
	case SquashXZ:
		var buf bytes.Buffer
		xw, err := xz.NewWriter(&buf)
		if err != nil {
			b.fail(fmt.Errorf("xz writer: %w", err))
			return raw, true
		}
		_, _ = xw.Write(raw)
		_ = xw.Close()
		enc = buf.Bytes()
	case SquashLZMA:
		var buf bytes.Buffer
		lw, err := lzma.NewWriter(&buf)
		if err != nil {
			b.fail(fmt.Errorf("lzma writer: %w", err))
			return raw, true
		}
		_, _ = lw.Write(raw)
		_ = lw.Close()
		enc = buf.Bytes()
	default:
		return raw, true
	}
	if len(enc) >= len(raw) {
		return raw, true
	}
	return enc, false
}

// writeFile appends the file's full blocks and queues its tail.
func (b *sqBuilder) writeFile(data []byte) *sqFile {
	bs := int(b.opts.BlockSize)
	f := &sqFile{start: uint64(b.out.Len()), fragIndex: sqNoFragment}
	full := len(data) / bs
	tail := data[full*bs:]
	if b.opts.NoFragments && len(tail) > 0 {
		full++
		tail = nil
	}
	for i := range full {
		block := data[i*bs : min((i+1)*bs, len(data))]
		if b.opts.SparseZeros && len(block) == bs && allZero(block) {
			f.sizes = append(f.sizes, 0)
			continue
		}
		enc, stored := b.compress(block)
		size := uint32(len(enc)) //nolint:gosec // bounded by block size
		if stored {
			size |= sqUncompressed
		}
		b.out.Write(enc)
		f.sizes = append(f.sizes, size)
	}
	if len(tail) > 0 {
		if len(b.frag)+len(tail) > bs {
			b.flushFragment()
		}
		f.fragIndex = uint32(len(b.fragEnts)) //nolint:gosec // small fixture
		f.fragOffset = uint32(len(b.frag))    //nolint:gosec // small fixture
		b.frag = append(b.frag, tail...)
	}
	return f
}

func allZero(p []byte) bool {
	for _, c := range p {
		if c != 0 {
			return false
		}
	}
	return true
}

func (b *sqBuilder) flushFragment() {
	if len(b.frag) == 0 {
		return
	}
	enc, stored := b.compress(b.frag)
	size := uint64(len(enc))
	if stored {
		size |= sqUncompressed
	}
	b.fragEnts = append(b.fragEnts, [2]uint64{uint64(b.out.Len()), size})
	b.out.Write(enc)
	b.frag = nil
}

// inode encodes n's inode; directories also emit their listing into dirs.
func (b *sqBuilder) inode(n *node, parent uint32, dirs *sqMeta) []byte {
	e := n.entry
	le := binary.LittleEndian
	hdr := make([]byte, 16)
	le.PutUint16(hdr[2:], uint16(e.Perm&0o7777)) //nolint:gosec // permission bits
	le.PutUint16(hdr[4:], b.id(e.UID))
	le.PutUint16(hdr[6:], b.id(e.GID))
	le.PutUint32(hdr[8:], uint32(e.ModTime.Unix())) //nolint:gosec // fixture times fit
	le.PutUint32(hdr[12:], n.number)

	switch e.Kind {
	case KindDir:
		block, offset := dirs.position()
		listing := b.listing(n)
		dirs.write(listing)
		size := len(listing) + 3
		subdirs := 0
		for _, c := range n.children {
			if c.entry.Kind == KindDir {
				subdirs++
			}
		}
		if size <= 0xffff {
			le.PutUint16(hdr[0:], 1)
			body := make([]byte, 16)
			le.PutUint32(body[0:], block)
			le.PutUint32(body[4:], uint32(2+subdirs)) //nolint:gosec // small fixture
			le.PutUint16(body[8:], uint16(size))
			le.PutUint16(body[10:], offset)
			le.PutUint32(body[12:], parent)
			return append(hdr, body...)
		}
		le.PutUint16(hdr[0:], 8)
		body := make([]byte, 24)
		le.PutUint32(body[0:], uint32(2+subdirs)) //nolint:gosec // small fixture
		le.PutUint32(body[4:], uint32(size))      //nolint:gosec // small fixture
		le.PutUint32(body[8:], block)
		le.PutUint32(body[12:], parent)
		le.PutUint16(body[18:], offset)
		le.PutUint32(body[20:], 0xffffffff)
		return append(hdr, body...)
	case KindFile:
		f := b.files[n]
		if f.start > 0xffffffff || len(e.Data) > 0xffffffff || b.opts.SparseZeros {
			le.PutUint16(hdr[0:], 9)
			body := make([]byte, 40)
			le.PutUint64(body[0:], f.start)
			le.PutUint64(body[8:], uint64(len(e.Data)))
			le.PutUint32(body[24:], 1)
			le.PutUint32(body[28:], f.fragIndex)
			le.PutUint32(body[32:], f.fragOffset)
			le.PutUint32(body[36:], 0xffffffff)
			return append(append(hdr, body...), sizesBytes(f.sizes)...)
		}
		le.PutUint16(hdr[0:], 2)
		body := make([]byte, 16)
		le.PutUint32(body[0:], uint32(f.start)) //nolint:gosec // checked above
		le.PutUint32(body[4:], f.fragIndex)
		le.PutUint32(body[8:], f.fragOffset)
		le.PutUint32(body[12:], uint32(len(e.Data))) //nolint:gosec // checked above
		return append(append(hdr, body...), sizesBytes(f.sizes)...)
	case KindSymlink:
		le.PutUint16(hdr[0:], 3)
		body := make([]byte, 8)
		le.PutUint32(body[0:], 1)
		le.PutUint32(body[4:], uint32(len(e.Target))) //nolint:gosec // small fixture
		return append(append(hdr, body...), e.Target...)
	default:
		le.PutUint16(hdr[0:], 6)
		body := make([]byte, 4)
		le.PutUint32(body[0:], 1)
		return append(hdr, body...)
	}
}

func sizesBytes(sizes []uint32) []byte {
	out := make([]byte, 4*len(sizes))
	for i, s := range sizes {
		binary.LittleEndian.PutUint32(out[i*4:], s)
	}
	return out
}

// basicType is the directory-entry type code for an entry kind.
func basicType(k EntryKind) uint16 {
	switch k {
	case KindDir:
		return 1
	case KindSymlink:
		return 3
	case KindFifo:
		return 6
	default:
		return 2
	}
}

// listing encodes the directory entries of n. Children were written before
// n, so their inode references are known.
func (b *sqBuilder) listing(n *node) []byte {
	le := binary.LittleEndian
	var out []byte
	for i := 0; i < len(n.children); {
		start := b.refs[n.children[i]] >> 16
		base := n.children[i].number
		j := i
		for j < len(n.children) && j-i < 256 && b.refs[n.children[j]]>>16 == start {
			j++
		}
		hdr := make([]byte, 12)
		le.PutUint32(hdr[0:], uint32(j-i-1)) //nolint:gosec // at most 255
		le.PutUint32(hdr[4:], uint32(start)) //nolint:gosec // fixture tables are small
		le.PutUint32(hdr[8:], base)
		out = append(out, hdr...)
		for _, c := range n.children[i:j] {
			ent := make([]byte, 8)
			le.PutUint16(ent[0:], uint16(b.refs[c]&0xffff))
			le.PutUint16(ent[2:], uint16(int16(c.number-base))) //nolint:gosec // small deltas
			le.PutUint16(ent[4:], basicType(c.entry.Kind))
			le.PutUint16(ent[6:], uint16(len(c.name)-1)) //nolint:gosec // names are short
			out = append(out, ent...)
			out = append(out, c.name...)
		}
		i = j
	}
	return out
}

// sqMeta accumulates a metadata stream and emits 8 KiB blocks.
type sqMeta struct {
	b       *sqBuilder
	blocks  bytes.Buffer
	pending []byte
}

// position returns the block offset and in-block offset of the next byte.
func (m *sqMeta) position() (uint32, uint16) {
	return uint32(m.blocks.Len()), uint16(len(m.pending)) //nolint:gosec // fixture tables are small
}

// ref returns the inode reference of the next byte.
func (m *sqMeta) ref() uint64 {
	block, off := m.position()
	return uint64(block)<<16 | uint64(off)
}

func (m *sqMeta) write(p []byte) {
	for len(p) > 0 {
		n := min(sqMetaSize-len(m.pending), len(p))
		m.pending = append(m.pending, p[:n]...)
		p = p[n:]
		if len(m.pending) == sqMetaSize {
			m.emit()
		}
	}
}

func (m *sqMeta) emit() {
	if len(m.pending) == 0 {
		return
	}
	enc, stored := m.b.compress(m.pending)
	h := uint16(len(enc)) //nolint:gosec // at most 8192
	if stored {
		h |= 0x8000
	}
	_ = binary.Write(&m.blocks, binary.LittleEndian, h)
	m.blocks.Write(enc)
	m.pending = nil
}

// flushTo emits any partial block and appends the stream to out.
func (m *sqMeta) flushTo(out *bytes.Buffer) {
	m.emit()
	out.Write(m.blocks.Bytes())
	m.blocks.Reset()
}
