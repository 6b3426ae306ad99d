package fileops

import "io"

// BufferSize is the chunk size used for every streamed copy and digest.
// Memory use stays constant regardless of member or bundle size.
const BufferSize = 4096

// Copy streams src into dst through a single BufferSize buffer.
//
// Unlike io.Copy it never delegates to ReaderFrom/WriterTo, so the buffer
// bound holds for every source and destination type.
func Copy(dst io.Writer, src io.Reader) (int64, error) {
	var buf [BufferSize]byte
	var written int64
	for {
		n, rerr := src.Read(buf[:])
		if n > 0 {
			m, werr := dst.Write(buf[:n])
			written += int64(m)
			if werr != nil {
				return written, werr
			}
			if m != n {
				return written, io.ErrShortWrite
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}
