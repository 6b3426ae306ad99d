package elfpayload

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/appbundle/internal/testutil"
)

func TestLocateMatchesImageEnd(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		opts testutil.ELFOptions
	}{
		{"elf64 little endian", testutil.ELFOptions{Is64: true}},
		{"elf64 big endian", testutil.ELFOptions{Is64: true, BigEndian: true}},
		{"elf32 little endian", testutil.ELFOptions{}},
		{"elf32 big endian", testutil.ELFOptions{BigEndian: true}},
		{"odd text size", testutil.ELFOptions{Is64: true, TextSize: 1001}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			stub := testutil.BuildELF(tt.opts)
			payload := []byte("hsqs-and-more-payload-bytes")
			image := testutil.Concat(stub, payload)

			got, err := Locate(bytes.NewReader(image), int64(len(image)))
			require.NoError(t, err)
			assert.Equal(t, int64(len(stub)), got)

			// Cross-check against the standard library's view of the image.
			f, err := elf.NewFile(bytes.NewReader(image))
			require.NoError(t, err)
			for _, s := range f.Sections {
				if s.Type == elf.SHT_NOBITS || s.Type == elf.SHT_NULL {
					continue
				}
				assert.LessOrEqual(t, s.Offset+s.FileSize, uint64(got), "section %s", s.Name)
			}
			if tt.opts.Is64 {
				assert.Equal(t, elf.ELFCLASS64, f.Class)
			} else {
				assert.Equal(t, elf.ELFCLASS32, f.Class)
			}
		})
	}
}

func TestLocateIgnoresNoBitsSections(t *testing.T) {
	t.Parallel()

	// .bss claims a megabyte past the end of .text; it must not move the offset.
	stub := testutil.BuildELF(testutil.ELFOptions{Is64: true})
	got, err := Locate(bytes.NewReader(stub), int64(len(stub)))
	require.NoError(t, err)
	assert.Equal(t, int64(len(stub)), got)
}

func TestLocateExtendedNumbering(t *testing.T) {
	t.Parallel()

	for _, is64 := range []bool{true, false} {
		stub := testutil.BuildELF(testutil.ELFOptions{Is64: is64, ExtendedNumbering: true})
		image := testutil.Concat(stub, make([]byte, 64))
		got, err := Locate(bytes.NewReader(image), int64(len(image)))
		require.NoError(t, err)
		assert.Equal(t, int64(len(stub)), got)
	}
}

func TestLocateProgramHeaderFallback(t *testing.T) {
	t.Parallel()

	stub := testutil.BuildELF(testutil.ELFOptions{Is64: true, NoSections: true})
	image := testutil.Concat(stub, []byte("payload"))
	got, err := Locate(bytes.NewReader(image), int64(len(image)))
	require.NoError(t, err)
	assert.Equal(t, int64(len(stub)), got)
}

func TestParseHint(t *testing.T) {
	t.Parallel()

	tests := []struct {
		hint byte
		want Hint
	}{
		{0, HintNone},
		{1, HintType1},
		{2, HintType2},
		{3, HintNone},
	}
	for _, tt := range tests {
		stub := testutil.BuildELF(testutil.ELFOptions{Is64: true, Hint: tt.hint})
		info, err := Parse(bytes.NewReader(stub), int64(len(stub)))
		require.NoError(t, err)
		assert.Equal(t, tt.want, info.Hint)
		assert.True(t, info.Is64)
		assert.Equal(t, binary.LittleEndian, info.ByteOrder)
	}
}

func TestLocateRejectsInvalidIdentification(t *testing.T) {
	t.Parallel()

	valid := testutil.BuildELF(testutil.ELFOptions{Is64: true})
	mutate := func(fn func(b []byte)) []byte {
		b := bytes.Clone(valid)
		fn(b)
		return b
	}

	tests := []struct {
		name  string
		image []byte
	}{
		{"empty", nil},
		{"too short", []byte("\x7fELF")},
		{"bad magic", mutate(func(b []byte) { b[0] = 'M' })},
		{"bad class", mutate(func(b []byte) { b[4] = 3 })},
		{"bad data encoding", mutate(func(b []byte) { b[5] = 0 })},
		{"bad version", mutate(func(b []byte) { b[6] = 2 })},
		{"shell script", []byte("#!/bin/sh\necho hello world\n")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Locate(bytes.NewReader(tt.image), int64(len(tt.image)))
			require.ErrorIs(t, err, ErrInvalidFormat)
		})
	}
}

func TestLocateRejectsBadHeaders(t *testing.T) {
	t.Parallel()

	valid := testutil.BuildELF(testutil.ELFOptions{Is64: true})
	le := binary.LittleEndian
	mutate := func(fn func(b []byte)) []byte {
		b := bytes.Clone(valid)
		fn(b)
		return b
	}
	shoff := le.Uint64(valid[40:])

	tests := []struct {
		name  string
		image []byte
	}{
		{"truncated header", valid[:40]},
		{"section table beyond file", mutate(func(b []byte) { le.PutUint64(b[40:], uint64(len(b))) })},
		{"section table offset overflows", mutate(func(b []byte) { le.PutUint64(b[40:], ^uint64(0)-8) })},
		{"section entry too small", mutate(func(b []byte) { le.PutUint16(b[58:], 8) })},
		{"too many sections", mutate(func(b []byte) { le.PutUint16(b[60:], 0xfff0) })},
		{"section data beyond file", mutate(func(b []byte) {
			// .text sh_size
			le.PutUint64(b[shoff+64+32:], 1<<40)
		})},
		{"section size overflows", mutate(func(b []byte) {
			le.PutUint64(b[shoff+64+24:], ^uint64(0))
			le.PutUint64(b[shoff+64+32:], 2)
		})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Locate(bytes.NewReader(tt.image), int64(len(tt.image)))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrBadHeader)
			assert.False(t, errors.Is(err, ErrInvalidFormat))
		})
	}
}

func TestLocateTruncatedImage(t *testing.T) {
	t.Parallel()

	stub := testutil.BuildELF(testutil.ELFOptions{Is64: true})
	truncated := stub[:len(stub)-10]
	_, err := Locate(bytes.NewReader(truncated), int64(len(truncated)))
	require.ErrorIs(t, err, ErrBadHeader)
}

func TestLocateRunningExecutable(t *testing.T) {
	t.Parallel()

	path, err := os.Executable()
	require.NoError(t, err)
	f, err := os.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	fi, err := f.Stat()
	require.NoError(t, err)

	ef, err := elf.NewFile(f)
	if err != nil {
		t.Skip("test binary is not ELF")
	}

	got, err := Locate(f, fi.Size())
	require.NoError(t, err)
	assert.LessOrEqual(t, got, fi.Size())
	for _, s := range ef.Sections {
		if s.Type == elf.SHT_NOBITS || s.Type == elf.SHT_NULL {
			continue
		}
		assert.LessOrEqual(t, s.Offset+s.FileSize, uint64(got), "section %s", s.Name)
	}
}

func TestLocateReadError(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	_, err := Locate(testutil.FailingReaderAt{Err: boom}, 4096)
	require.ErrorIs(t, err, boom)
}
