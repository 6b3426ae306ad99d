package appbundle

import (
	"bytes"
	"debug/elf"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/meigma/appbundle/internal/testutil"
)

// referenceOffset computes the payload offset with debug/elf as an
// independent reference.
func referenceOffset(t *testing.T, path string) int64 {
	t.Helper()
	f, err := elf.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var hdr struct{ shoff, shentsize int64 }
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	if f.Class == elf.ELFCLASS64 {
		hdr.shoff = int64(f.ByteOrder.Uint64(raw[0x28:]))
		hdr.shentsize = int64(f.ByteOrder.Uint16(raw[0x3a:]))
	} else {
		hdr.shoff = int64(f.ByteOrder.Uint32(raw[0x20:]))
		hdr.shentsize = int64(f.ByteOrder.Uint16(raw[0x2e:]))
	}
	end := hdr.shoff + hdr.shentsize*int64(len(f.Sections))
	for _, s := range f.Sections {
		if s.Type == elf.SHT_NOBITS || s.Type == elf.SHT_NULL {
			continue
		}
		end = max(end, int64(s.Offset+s.FileSize))
	}
	return end
}

func TestOpenModern(t *testing.T) {
	t.Parallel()
	codecs := []struct {
		name string
		id   uint16
	}{
		{"gzip", testutil.SquashGzip},
		{"lzma", testutil.SquashLZMA},
		{"xz", testutil.SquashXZ},
		{"lz4", testutil.SquashLZ4},
		{"zstd", testutil.SquashZstd},
	}
	for _, tc := range codecs {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			path, offset := testutil.ModernBundle(t, testutil.AppDir(t), testutil.SquashFSOptions{Compression: tc.id})

			b, err := Open(path)
			require.NoError(t, err)
			defer b.Close()

			assert.Equal(t, FormatModern, b.Format())
			assert.Equal(t, offset, b.PayloadOffset())
			assert.Equal(t, referenceOffset(t, path), b.PayloadOffset())
			assert.Equal(t, 2, b.TypeHint())
			assert.Equal(t, path, b.Path())

			info, err := os.Stat(path)
			require.NoError(t, err)
			assert.Equal(t, info.Size(), b.Size())

			data, err := b.ReadFile("usr/bin/demo")
			require.NoError(t, err)
			assert.Equal(t, "#!/bin/sh\necho demo\n", string(data))
		})
	}
}

func TestOpenLegacy(t *testing.T) {
	t.Parallel()
	path := testutil.LegacyBundle(t, testutil.AppDir(t), testutil.ISOOptions{RockRidge: true})

	b, err := Open(path)
	require.NoError(t, err)
	defer b.Close()

	assert.Equal(t, FormatLegacy, b.Format())
	assert.Equal(t, int64(0), b.PayloadOffset())
	assert.Equal(t, 1, b.TypeHint())

	target, err := b.Readlink(".DirIcon")
	require.NoError(t, err)
	assert.Equal(t, "demo.png", target)

	data, err := b.ReadFile("demo.desktop")
	require.NoError(t, err)
	assert.Equal(t, testutil.DesktopEntry, string(data))
}

func TestOpenAppendedISO(t *testing.T) {
	t.Parallel()
	path, offset := testutil.AppendedISOBundle(t, testutil.AppDir(t), testutil.ISOOptions{RockRidge: true, Continuation: true})

	b, err := Open(path)
	require.NoError(t, err)
	defer b.Close()

	assert.Equal(t, FormatLegacy, b.Format())
	assert.Equal(t, offset, b.PayloadOffset())

	e, err := b.Stat(".DirIcon")
	require.NoError(t, err)
	assert.Equal(t, "demo.png", e.Path)
	assert.Equal(t, KindFile, e.Kind)
}

func TestOpenUnknownPayload(t *testing.T) {
	t.Parallel()
	stub := testutil.BuildELF(testutil.ELFOptions{Is64: true})
	path := testutil.WriteFile(t, "plain", testutil.Concat(stub, bytes.Repeat([]byte{0xaa}, 64<<10)))

	b, err := Open(path)
	require.NoError(t, err)
	defer b.Close()

	assert.Equal(t, FormatUnknown, b.Format())
	assert.Equal(t, int64(len(stub)), b.PayloadOffset())

	_, err = b.Stat("anything")
	require.ErrorIs(t, err, ErrNotSupported)
	assert.Equal(t, CodeNotSupported, CodeOf(err))

	sum, err := b.Fingerprint()
	require.NoError(t, err)
	assert.Len(t, sum, FingerprintLen)
}

func TestOpenErrors(t *testing.T) {
	t.Parallel()

	stub := testutil.BuildELF(testutil.ELFOptions{Is64: true})
	img := testutil.BuildSquashFS(t, testutil.AppDir(t), testutil.SquashFSOptions{})

	tests := []struct {
		name string
		path func(t *testing.T) string
		is   error
		code Code
	}{
		{
			name: "empty path",
			path: func(*testing.T) string { return "" },
			is:   ErrInvalidParameter,
			code: CodeInvalidParameter,
		},
		{
			name: "nul byte",
			path: func(*testing.T) string { return "bad\x00name" },
			is:   ErrStringConversion,
			code: CodeStringConversion,
		},
		{
			name: "missing",
			path: func(t *testing.T) string { return filepath.Join(t.TempDir(), "missing") },
			is:   fs.ErrNotExist,
			code: CodeNotFound,
		},
		{
			name: "directory",
			path: func(t *testing.T) string { return t.TempDir() },
			is:   ErrInvalidParameter,
			code: CodeInvalidParameter,
		},
		{
			name: "not an executable",
			path: func(t *testing.T) string { return testutil.WriteFile(t, "text", []byte("#!/bin/sh\necho hi\n")) },
			is:   ErrInvalidFormat,
			code: CodeInvalidFormat,
		},
		{
			name: "truncated section table",
			path: func(t *testing.T) string { return testutil.WriteFile(t, "short", stub[:len(stub)-8]) },
			is:   ErrBadHeader,
			code: CodeBinaryHeader,
		},
		{
			name: "truncated archive",
			path: func(t *testing.T) string {
				return testutil.WriteFile(t, "cut", testutil.Concat(stub, img[:200]))
			},
			is:   ErrCorrupt,
			code: CodeArchive,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			b, err := Open(tt.path(t))
			require.ErrorIs(t, err, tt.is)
			assert.Nil(t, b)
			assert.Equal(t, tt.code, CodeOf(err))
		})
	}
}

func TestBundle_Close(t *testing.T) {
	t.Parallel()
	path, _ := testutil.ModernBundle(t, testutil.AppDir(t), testutil.SquashFSOptions{})

	b, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	_, err = b.Stat("demo.desktop")
	require.ErrorIs(t, err, ErrClosed)
	_, err = b.Fingerprint()
	require.ErrorIs(t, err, ErrClosed)
	err = b.ExtractFile("demo.desktop", filepath.Join(t.TempDir(), "x"))
	require.ErrorIs(t, err, ErrClosed)
}

func TestBundle_ReadDir(t *testing.T) {
	t.Parallel()
	for name, path := range fixtures(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			b, err := Open(path)
			require.NoError(t, err)
			defer b.Close()

			entries, err := b.ReadDir(".")
			require.NoError(t, err)
			names := make([]string, 0, len(entries))
			for _, e := range entries {
				names = append(names, e.Name())
			}
			assert.Equal(t, []string{".DirIcon", "AppRun", "demo.desktop", "demo.png", "usr"}, names)

			entries, err = b.ReadDir("usr/share/icons/hicolor")
			require.NoError(t, err)
			require.Len(t, entries, 2)
			assert.Equal(t, "usr/share/icons/hicolor/256x256", entries[0].Path)
			assert.True(t, entries[0].IsDir())

			_, err = b.ReadDir("demo.desktop")
			require.ErrorIs(t, err, ErrNotDir)
		})
	}
}

func TestBundle_Open(t *testing.T) {
	t.Parallel()
	for name, path := range fixtures(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			b, err := Open(path)
			require.NoError(t, err)
			defer b.Close()

			rc, err := b.Open(".DirIcon")
			require.NoError(t, err)
			head := make([]byte, len(testutil.PNGMagic))
			_, err = io.ReadFull(rc, head)
			require.NoError(t, err)
			require.NoError(t, rc.Close())
			assert.Equal(t, testutil.PNGMagic, head)

			_, err = b.Open("usr")
			require.ErrorIs(t, err, ErrIsDir)
			assert.Equal(t, CodeInvalidParameter, CodeOf(err))

			_, err = b.Open("nope")
			require.ErrorIs(t, err, fs.ErrNotExist)
			assert.Equal(t, CodeNotFound, CodeOf(err))

			_, err = b.Open("../../etc/passwd")
			require.ErrorIs(t, err, ErrOutsideRoot)
			assert.Equal(t, CodeNotFound, CodeOf(err))
		})
	}
}

func TestBundle_ReadFileLimit(t *testing.T) {
	t.Parallel()
	path, _ := testutil.ModernBundle(t, testutil.AppDir(t), testutil.SquashFSOptions{})

	b, err := Open(path, WithMaxFileSize(16))
	require.NoError(t, err)
	defer b.Close()

	_, err = b.ReadFile("demo.png")
	require.Error(t, err)
	data, err := b.ReadFile("usr/lib/libdemo.so")
	require.NoError(t, err)
	assert.Equal(t, "ELF-ish", string(data))
}

func TestBundle_Walk(t *testing.T) {
	t.Parallel()
	for name, path := range fixtures(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			b, err := Open(path)
			require.NoError(t, err)
			defer b.Close()

			var got []string
			err = b.Walk(func(e Entry) error {
				got = append(got, e.Path)
				if e.Path == "usr/share" {
					return fs.SkipDir
				}
				return nil
			})
			require.NoError(t, err)
			assert.Equal(t, []string{
				".DirIcon",
				"AppRun",
				"demo.desktop",
				"demo.png",
				"usr",
				"usr/bin",
				"usr/bin/demo",
				"usr/lib",
				"usr/lib/libdemo.so",
				"usr/lib/libdemo.so.1",
				"usr/share",
			}, got)
		})
	}
}

func TestBundle_Options(t *testing.T) {
	t.Parallel()
	path, _ := testutil.ModernBundle(t, testutil.AppDir(t), testutil.SquashFSOptions{Compression: testutil.SquashZstd})

	b, err := Open(path,
		WithCacheSize(2),
		WithFragmentCacheSize(1),
		WithMaxDecoderMemory(64<<20),
		WithLogger(nil),
	)
	require.NoError(t, err)
	defer b.Close()

	for range 3 {
		for _, name := range []string{"demo.desktop", "usr/bin/demo", "usr/share/mime/packages/demo.xml"} {
			_, err := b.ReadFile(name)
			require.NoError(t, err)
		}
	}
}

// Distinct bundles are independent and may be used from separate goroutines.
func TestConcurrentBundles(t *testing.T) {
	t.Parallel()
	paths := make([]string, 8)
	for i := range paths {
		entries := append(testutil.AppDir(t), testutil.File("id.txt", fmt.Sprintf("bundle-%d", i)))
		paths[i], _ = testutil.ModernBundle(t, entries, testutil.SquashFSOptions{Compression: testutil.SquashZstd})
	}

	var g errgroup.Group
	for i, path := range paths {
		g.Go(func() error {
			b, err := Open(path)
			if err != nil {
				return err
			}
			defer b.Close()
			for range 20 {
				data, err := b.ReadFile("id.txt")
				if err != nil {
					return err
				}
				if want := fmt.Sprintf("bundle-%d", i); string(data) != want {
					return fmt.Errorf("bundle %d read %q", i, data)
				}
			}
			_, err = b.Fingerprint()
			return err
		})
	}
	require.NoError(t, g.Wait())
}

// fixtures returns one AppDir bundle per archive layout.
func fixtures(t *testing.T) map[string]string {
	t.Helper()
	modern, _ := testutil.ModernBundle(t, testutil.AppDir(t), testutil.SquashFSOptions{Compression: testutil.SquashXZ})
	appended, _ := testutil.AppendedISOBundle(t, testutil.AppDir(t), testutil.ISOOptions{RockRidge: true})
	return map[string]string{
		"squashfs": modern,
		"iso9660":  testutil.LegacyBundle(t, testutil.AppDir(t), testutil.ISOOptions{RockRidge: true, Continuation: true}),
		"appended": appended,
	}
}
