package squashfs

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz"
	"github.com/ulikunitz/xz/lzma"

	"github.com/meigma/appbundle/internal/archive"
	"github.com/meigma/appbundle/internal/fileops"
)

// Compression identifies the codec recorded in the superblock.
type Compression uint16

// Compression ids.
const (
	CompressionGzip Compression = 1
	CompressionLZMA Compression = 2
	CompressionLZO  Compression = 3
	CompressionXZ   Compression = 4
	CompressionLZ4  Compression = 5
	CompressionZstd Compression = 6
)

// String returns the codec name.
func (c Compression) String() string {
	switch c {
	case CompressionGzip:
		return "gzip"
	case CompressionLZMA:
		return "lzma"
	case CompressionLZO:
		return "lzo"
	case CompressionXZ:
		return "xz"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint16(c))
	}
}

// decompressor expands one compressed block. The result must not exceed
// limit bytes; dst may be reused as the destination buffer.
type decompressor interface {
	decompress(dst, src []byte, limit int) ([]byte, error)
}

func newDecompressor(c Compression, maxMemory uint64) (decompressor, error) {
	switch c {
	case CompressionGzip:
		return streamCodec(func(r io.Reader) (io.Reader, error) { return zlib.NewReader(r) }), nil
	case CompressionLZMA:
		return streamCodec(func(r io.Reader) (io.Reader, error) { return lzma.NewReader(r) }), nil
	case CompressionXZ:
		return streamCodec(func(r io.Reader) (io.Reader, error) { return xz.NewReader(r) }), nil
	case CompressionLZ4:
		return lz4Codec{}, nil
	case CompressionZstd:
		return newZstdCodec(maxMemory), nil
	default:
		return nil, fmt.Errorf("%w: %s compression", archive.ErrNotSupported, c)
	}
}

// streamCodec adapts a streaming decoder constructor to whole blocks.
type streamCodec func(io.Reader) (io.Reader, error)

func (s streamCodec) decompress(dst, src []byte, limit int) ([]byte, error) {
	dec, err := s(bytes.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", archive.ErrCorrupt, err)
	}
	if c, ok := dec.(io.Closer); ok {
		defer c.Close()
	}
	buf := bytes.NewBuffer(dst[:0])
	if _, err := buf.ReadFrom(io.LimitReader(dec, int64(limit))); err != nil {
		return nil, fmt.Errorf("%w: %w", archive.ErrCorrupt, err)
	}
	if err := fileops.EnsureNoExtra(dec); err != nil {
		return nil, fmt.Errorf("%w: block expands beyond %d bytes: %w", archive.ErrCorrupt, limit, err)
	}
	return buf.Bytes(), nil
}

type lz4Codec struct{}

func (lz4Codec) decompress(dst, src []byte, limit int) ([]byte, error) {
	if cap(dst) < limit {
		dst = make([]byte, limit)
	}
	n, err := lz4.UncompressBlock(src, dst[:limit])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", archive.ErrCorrupt, err)
	}
	return dst[:n], nil
}

// zstdCodec keeps a pool of decoders that decode whole blocks.
type zstdCodec struct {
	pool      sync.Pool
	maxMemory uint64
}

func newZstdCodec(maxMemory uint64) *zstdCodec {
	c := &zstdCodec{maxMemory: maxMemory}
	c.pool.New = func() any {
		dec, err := c.newDecoder()
		if err != nil {
			return nil
		}
		return dec
	}
	return c
}

func (c *zstdCodec) newDecoder() (*zstd.Decoder, error) {
	opts := []zstd.DOption{
		zstd.WithDecoderConcurrency(1),
		zstd.WithDecoderLowmem(true),
	}
	if c.maxMemory != 0 {
		opts = append(opts, zstd.WithDecoderMaxMemory(c.maxMemory))
	}
	return zstd.NewReader(nil, opts...)
}

// get returns a decoder and the function that hands it back.
func (c *zstdCodec) get() (*zstd.Decoder, func(), error) {
	if dec, ok := c.pool.Get().(*zstd.Decoder); ok && dec != nil {
		return dec, func() { c.pool.Put(dec) }, nil
	}
	// Pool's New function failed; try directly.
	dec, err := c.newDecoder()
	if err != nil {
		return nil, nil, err
	}
	return dec, dec.Close, nil
}

func (c *zstdCodec) decompress(dst, src []byte, limit int) ([]byte, error) {
	dec, release, err := c.get()
	if err != nil {
		return nil, err
	}
	defer release()
	out, err := dec.DecodeAll(src, dst[:0])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", archive.ErrCorrupt, err)
	}
	if len(out) > limit {
		return nil, fmt.Errorf("%w: block expands beyond %d bytes", archive.ErrCorrupt, limit)
	}
	return out, nil
}
