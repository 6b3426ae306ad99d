package squashfs

import (
	"encoding/binary"
	"fmt"

	"github.com/meigma/appbundle/internal/archive"
	"github.com/meigma/appbundle/internal/sizing"
)

const (
	blockUncompressed     = 1 << 24
	blockSizeMask         = blockUncompressed - 1
	metaUncompressed      = 0x8000
	metaSizeMask          = 0x7fff
	metaHeaderSize        = 2
	fragmentEntrySize     = 16
	fragmentsPerMetaBlock = metadataSize / fragmentEntrySize
	idsPerMetaBlock       = metadataSize / 4
)

// metaBlock is one decoded metadata block and the position of its successor.
type metaBlock struct {
	data []byte
	next uint64
}

// readMetaBlock decodes the metadata block at pos, consulting the cache.
func (r *Reader) readMetaBlock(pos uint64) (*metaBlock, error) {
	if b, ok := r.meta.Get(pos); ok {
		return b, nil
	}
	var hdr [metaHeaderSize]byte
	if err := r.readAt(hdr[:], pos); err != nil {
		return nil, err
	}
	h := binary.LittleEndian.Uint16(hdr[:])
	size := uint64(h & metaSizeMask)
	if size == 0 || size > metadataSize {
		return nil, fmt.Errorf("%w: metadata block at %d has size %d", archive.ErrCorrupt, pos, size)
	}
	raw := make([]byte, size)
	if err := r.readAt(raw, pos+metaHeaderSize); err != nil {
		return nil, err
	}
	data := raw
	if h&metaUncompressed == 0 {
		var err error
		data, err = r.codec.decompress(nil, raw, metadataSize)
		if err != nil {
			return nil, fmt.Errorf("metadata block at %d: %w", pos, err)
		}
	}
	b := &metaBlock{data: data, next: pos + metaHeaderSize + size}
	r.meta.Add(pos, b)
	return b, nil
}

// metaCursor reads a byte stream spanning consecutive metadata blocks.
type metaCursor struct {
	r     *Reader
	pos   uint64
	block *metaBlock
	off   int
}

// cursor positions a reader at offset within the metadata block at pos.
func (r *Reader) cursor(pos uint64, offset int) (*metaCursor, error) {
	b, err := r.readMetaBlock(pos)
	if err != nil {
		return nil, err
	}
	if offset > len(b.data) {
		return nil, fmt.Errorf("%w: metadata offset %d beyond block of %d bytes", archive.ErrCorrupt, offset, len(b.data))
	}
	return &metaCursor{r: r, pos: pos, block: b, off: offset}, nil
}

// read fills p, moving into following blocks as needed.
func (c *metaCursor) read(p []byte) error {
	for len(p) > 0 {
		if c.off == len(c.block.data) {
			next, err := c.r.readMetaBlock(c.block.next)
			if err != nil {
				return err
			}
			c.pos, c.block, c.off = c.block.next, next, 0
		}
		n := copy(p, c.block.data[c.off:])
		c.off += n
		p = p[n:]
	}
	return nil
}

// bytes reads n bytes into a new slice.
func (c *metaCursor) bytes(n uint64) ([]byte, error) {
	if n > c.r.sb.BytesUsed {
		return nil, fmt.Errorf("%w: metadata read of %d bytes", archive.ErrCorrupt, n)
	}
	buf := make([]byte, n)
	if err := c.read(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (c *metaCursor) skip(n uint64) error {
	for n > 0 {
		if c.off == len(c.block.data) {
			next, err := c.r.readMetaBlock(c.block.next)
			if err != nil {
				return err
			}
			c.pos, c.block, c.off = c.block.next, next, 0
		}
		step := min(n, uint64(len(c.block.data)-c.off))
		c.off += int(step) //nolint:gosec // bounded by block length
		n -= step
	}
	return nil
}

func (c *metaCursor) u16() (uint16, error) {
	var b [2]byte
	if err := c.read(b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b[:]), nil
}

func (c *metaCursor) u32() (uint32, error) {
	var b [4]byte
	if err := c.read(b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func (c *metaCursor) u64() (uint64, error) {
	var b [8]byte
	if err := c.read(b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

// readAt reads exactly len(p) bytes at an image offset inside bytes_used.
func (r *Reader) readAt(p []byte, pos uint64) error {
	if _, ok := sizing.End(pos, uint64(len(p)), r.sb.BytesUsed); !ok {
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

// lookupTable reads entry idx from a two-level table: an array of u64
// pointers at tableStart, each addressing a metadata block of perBlock
// entries of entrySize bytes.
func (r *Reader) lookupTable(tableStart uint64, idx, perBlock, entrySize uint64) (*metaCursor, error) {
	ptrPos, ok := sizing.AddUint64(tableStart, (idx/perBlock)*8)
	if !ok {
		return nil, fmt.Errorf("%w: table index %d overflows", archive.ErrCorrupt, idx)
	}
	var ptr [8]byte
	if err := r.readAt(ptr[:], ptrPos); err != nil {
		return nil, err
	}
	c, err := r.cursor(binary.LittleEndian.Uint64(ptr[:]), 0)
	if err != nil {
		return nil, err
	}
	if err := c.skip((idx % perBlock) * entrySize); err != nil {
		return nil, err
	}
	return c, nil
}

// id returns the uid/gid stored at index idx of the id table.
func (r *Reader) id(idx uint16) (uint32, error) {
	if idx >= r.sb.IDCount {
		return 0, fmt.Errorf("%w: id index %d of %d", archive.ErrCorrupt, idx, r.sb.IDCount)
	}
	c, err := r.lookupTable(r.sb.IDTable, uint64(idx), idsPerMetaBlock, 4)
	if err != nil {
		return 0, err
	}
	return c.u32()
}

// fragment describes one entry of the fragment table.
type fragment struct {
	start uint64
	size  uint32
}

func (r *Reader) fragment(idx uint32) (fragment, error) {
	if idx >= r.sb.FragCount {
		return fragment{}, fmt.Errorf("%w: fragment index %d of %d", archive.ErrCorrupt, idx, r.sb.FragCount)
	}
	c, err := r.lookupTable(r.sb.FragTable, uint64(idx), fragmentsPerMetaBlock, fragmentEntrySize)
	if err != nil {
		return fragment{}, err
	}
	start, err := c.u64()
	if err != nil {
		return fragment{}, err
	}
	size, err := c.u32()
	if err != nil {
		return fragment{}, err
	}
	return fragment{start: start, size: size}, nil
}
