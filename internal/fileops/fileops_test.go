package fileops

import (
	"bytes"
	"crypto/md5" //nolint:gosec // test digest
	"encoding/hex"
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// readerOnly hides any WriterTo implementation on the wrapped reader.
type readerOnly struct{ io.Reader }

// chunkRecorder records the size of every write it receives.
type chunkRecorder struct {
	bytes.Buffer
	largest int
}

func (c *chunkRecorder) Write(p []byte) (int, error) {
	if len(p) > c.largest {
		c.largest = len(p)
	}
	return c.Buffer.Write(p)
}

func TestCopy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		size int
	}{
		{"empty", 0},
		{"one byte", 1},
		{"exact buffer", BufferSize},
		{"buffer plus one", BufferSize + 1},
		{"several buffers", 5*BufferSize + 17},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			data := bytes.Repeat([]byte("abcdefg"), tt.size/7+1)[:tt.size]
			var dst chunkRecorder
			n, err := Copy(&dst, readerOnly{bytes.NewReader(data)})
			require.NoError(t, err)
			assert.Equal(t, int64(tt.size), n)
			assert.Len(t, dst.Bytes(), tt.size)
			assert.True(t, bytes.Equal(data, dst.Bytes()))
			assert.LessOrEqual(t, dst.largest, BufferSize)
		})
	}
}

func TestCopyPropagatesReadError(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	src := io.MultiReader(strings.NewReader("abc"), iotest.ErrReader(boom))
	var dst bytes.Buffer
	n, err := Copy(&dst, src)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, int64(3), n)
}

type shortWriter struct{}

func (shortWriter) Write(p []byte) (int, error) { return len(p) / 2, nil }

func TestCopyShortWrite(t *testing.T) {
	t.Parallel()

	_, err := Copy(shortWriter{}, strings.NewReader("abcdef"))
	require.ErrorIs(t, err, io.ErrShortWrite)
}

func TestHashingReader(t *testing.T) {
	t.Parallel()

	data := []byte("hello world")
	hr := NewHashingReader(bytes.NewReader(data), md5.New()) //nolint:gosec // test digest
	got, err := io.ReadAll(hr)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, "5eb63bbbe01eeed093cb22bb8f5acdc3", hex.EncodeToString(hr.Sum()))
}

func TestEnsureNoExtra(t *testing.T) {
	t.Parallel()

	require.NoError(t, EnsureNoExtra(strings.NewReader("")))
	require.ErrorIs(t, EnsureNoExtra(strings.NewReader("x")), ErrSizeOverflow)

	boom := errors.New("boom")
	require.ErrorIs(t, EnsureNoExtra(iotest.ErrReader(boom)), boom)
}
