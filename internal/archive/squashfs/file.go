package squashfs

import (
	"fmt"
	"io"
	"io/fs"

	"github.com/meigma/appbundle/internal/archive"
	"github.com/meigma/appbundle/internal/sizing"
)

// fileReader streams the contents of a regular file inode block by block.
type fileReader struct {
	r         *Reader
	ino       *inode
	next      int    // index of the next full block
	pos       uint64 // image offset of the next stored block
	remaining uint64 // bytes not yet returned
	buf       []byte // current decoded block
	off       int
	scratch   []byte
	closed    bool
}

func (r *Reader) newFileReader(ino *inode) *fileReader {
	return &fileReader{r: r, ino: ino, pos: ino.blocksStart, remaining: ino.fileSize}
}

// Read implements io.Reader.
func (f *fileReader) Read(p []byte) (int, error) {
	if f.closed {
		return 0, fs.ErrClosed
	}
	if f.remaining == 0 {
		return 0, io.EOF
	}
	if f.off == len(f.buf) {
		if err := f.fill(); err != nil {
			return 0, err
		}
	}
	n := copy(p, f.buf[f.off:])
	if uint64(n) > f.remaining {
		n = int(f.remaining) //nolint:gosec // remaining is smaller than n here
	}
	f.off += n
	f.remaining -= uint64(n)
	return n, nil
}

// Close releases the block buffers.
func (f *fileReader) Close() error {
	f.closed = true
	f.buf, f.scratch = nil, nil
	return nil
}

// fill decodes the next data block or the fragment tail into f.buf.
func (f *fileReader) fill() error {
	bs := uint64(f.r.sb.BlockSize)
	want := min(bs, f.remaining)

	if f.next < len(f.ino.blockSizes) {
		size := f.ino.blockSizes[f.next]
		f.next++
		data, err := f.r.dataBlock(f.pos, size, int(want), f.scratch) //nolint:gosec // want <= block size
		if err != nil {
			return err
		}
		f.pos += uint64(size & blockSizeMask)
		f.scratch = data[:cap(data)]
		f.buf, f.off = data, 0
		return nil
	}

	if f.ino.fragIndex == noFragment {
		return fmt.Errorf("%w: file data ends before its recorded size", archive.ErrCorrupt)
	}
	frag, err := f.r.fragmentBlock(f.ino.fragIndex)
	if err != nil {
		return err
	}
	end, ok := sizing.End(uint64(f.ino.fragOffset), want, uint64(len(frag)))
	if !ok {
		return fmt.Errorf("%w: fragment tail beyond fragment block", archive.ErrCorrupt)
	}
	f.buf, f.off = frag[f.ino.fragOffset:end], 0
	return nil
}

// dataBlock reads and decodes one data block whose decoded size is want.
// A zero size denotes a sparse block.
func (r *Reader) dataBlock(pos uint64, size uint32, want int, dst []byte) ([]byte, error) {
	if size == 0 {
		if cap(dst) < want {
			dst = make([]byte, want)
		}
		dst = dst[:want]
		clear(dst)
		return dst, nil
	}
	stored := size&blockUncompressed != 0
	n := size & blockSizeMask
	if n > r.sb.BlockSize {
		return nil, fmt.Errorf("%w: data block of %d bytes exceeds block size", archive.ErrCorrupt, n)
	}
	raw := make([]byte, n)
	if err := r.readAt(raw, pos); err != nil {
		return nil, err
	}
	var data []byte
	if stored {
		data = raw
	} else {
		var err error
		data, err = r.codec.decompress(dst, raw, int(r.sb.BlockSize))
		if err != nil {
			return nil, fmt.Errorf("data block at %d: %w", pos, err)
		}
	}
	if len(data) != want {
		return nil, fmt.Errorf("%w: data block at %d decodes to %d bytes, want %d", archive.ErrCorrupt, pos, len(data), want)
	}
	return data, nil
}

// fragmentBlock returns the decoded fragment block idx, consulting the cache.
func (r *Reader) fragmentBlock(idx uint32) ([]byte, error) {
	if b, ok := r.frags.Get(idx); ok {
		return b, nil
	}
	frag, err := r.fragment(idx)
	if err != nil {
		return nil, err
	}
	n := frag.size & blockSizeMask
	if n == 0 || n > r.sb.BlockSize {
		return nil, fmt.Errorf("%w: fragment %d has size %d", archive.ErrCorrupt, idx, n)
	}
	raw := make([]byte, n)
	if err := r.readAt(raw, frag.start); err != nil {
		return nil, err
	}
	data := raw
	if frag.size&blockUncompressed == 0 {
		data, err = r.codec.decompress(nil, raw, int(r.sb.BlockSize))
		if err != nil {
			return nil, fmt.Errorf("fragment %d: %w", idx, err)
		}
	}
	r.frags.Add(idx, data)
	return data, nil
}
