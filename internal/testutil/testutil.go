// Package testutil builds in-memory fixtures for tests: ELF stubs, SquashFS
// images, ISO 9660 images, and complete bundles assembled from them.
package testutil

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
)

// ByteSource implements a simple in-memory io.ReaderAt for tests.
type ByteSource struct {
	data []byte
}

// NewByteSource returns a byte source backed by the provided data.
func NewByteSource(data []byte) *ByteSource {
	return &ByteSource{data: data}
}

// ReadAt implements io.ReaderAt semantics over the backing slice.
func (m *ByteSource) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.New("negative offset")
	}
	if off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Size returns the total size of the backing data.
func (m *ByteSource) Size() int64 {
	return int64(len(m.data))
}

// Bytes returns the backing slice for tests that need to mutate data.
func (m *ByteSource) Bytes() []byte {
	return m.data
}

// FailingReaderAt returns Err for every read.
type FailingReaderAt struct {
	Err error
}

// ReadAt implements io.ReaderAt.
func (f FailingReaderAt) ReadAt([]byte, int64) (int, error) {
	return 0, f.Err
}

// Concat joins byte slices into a new slice.
func Concat(parts ...[]byte) []byte {
	var n int
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// WriteFile writes data to name inside a fresh temporary directory and
// returns the absolute path. Executable permissions are applied.
func WriteFile(tb testing.TB, name string, data []byte) string {
	tb.Helper()
	path := filepath.Join(tb.TempDir(), name)
	if err := os.WriteFile(path, data, 0o755); err != nil { //nolint:gosec // test fixture
		tb.Fatalf("write fixture: %v", err)
	}
	return path
}
