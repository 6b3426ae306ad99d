package appbundle

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/meigma/appbundle/internal/archive"
	"github.com/meigma/appbundle/internal/archive/iso9660"
	"github.com/meigma/appbundle/internal/archive/squashfs"
	"github.com/meigma/appbundle/internal/detect"
	"github.com/meigma/appbundle/internal/elfpayload"
	"github.com/meigma/appbundle/logging"
)

// Re-export archive types for the public API.
type (
	// Entry describes one member of a bundle's archive.
	Entry = archive.Entry

	// Kind classifies archive members.
	Kind = archive.Kind
)

// Kind values.
const (
	KindOther   = archive.KindOther
	KindFile    = archive.KindFile
	KindDir     = archive.KindDir
	KindSymlink = archive.KindSymlink
)

// Bundle is an opened application bundle: an ELF stub with an archive
// appended after its end.
//
// A Bundle owns an open file until Close. It is not safe for concurrent use;
// distinct Bundles are independent.
type Bundle struct {
	path   string
	file   *os.File
	size   int64
	format Format
	offset int64
	hint   elfpayload.Hint

	// fs is nil when no supported archive was found.
	fs          *archive.FS
	fingerprint string
	fpSize      int64
	fpModTime   time.Time

	logger           *slog.Logger
	cacheSize        int
	fragCacheSize    int
	maxDecoderMemory uint64
	maxFileSize      uint64
}

// Open opens the bundle at path, locates the appended archive, and prepares
// a reader for it.
//
// A valid ELF stub without a recognized archive opens with FormatUnknown;
// archive access then fails with ErrNotSupported. A file that is neither an
// ELF executable nor an ISO 9660 image fails with ErrInvalidFormat.
func Open(path string, opts ...Option) (*Bundle, error) {
	if path == "" {
		return nil, fmt.Errorf("open bundle: empty path: %w", ErrInvalidParameter)
	}
	if strings.IndexByte(path, 0) >= 0 {
		return nil, &fs.PathError{Op: "open", Path: path, Err: ErrStringConversion}
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("open bundle: %w", err)
	}

	b := &Bundle{
		path:        abs,
		maxFileSize: DefaultMaxFileSize,
	}
	for _, opt := range opts {
		opt(b)
	}

	f, err := os.Open(abs)
	if err != nil {
		return nil, err
	}
	success := false
	defer func() {
		if !success {
			if b.fs != nil {
				b.fs.Close()
			}
			f.Close()
		}
	}()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat bundle: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil, &fs.PathError{Op: "open", Path: abs, Err: fmt.Errorf("%w: not a regular file", ErrInvalidParameter)}
	}
	b.file = f
	b.size = info.Size()

	if err := b.locate(); err != nil {
		return nil, err
	}
	if b.format != FormatUnknown {
		if err := b.openArchive(); err != nil {
			return nil, err
		}
	}

	success = true
	b.log().Debug("opened bundle",
		"path", b.path,
		"size", humanize.IBytes(uint64(b.size)),
		"format", b.format.String(),
		"offset", b.offset)
	return b, nil
}

// locate finds the payload offset and format. Legacy images may also start
// at offset 0 with the stub in their system area.
func (b *Bundle) locate() error {
	info, elfErr := elfpayload.Parse(b.file, b.size)
	switch {
	case elfErr == nil:
		b.hint = info.Hint
		b.offset = info.PayloadOffset
		f, err := detect.Detect(b.file, b.size, b.offset)
		if err != nil {
			return &fs.PathError{Op: "detect", Path: b.path, Err: err}
		}
		if f != detect.Unsupported {
			b.format = formatOf(f)
			return nil
		}
	case errors.Is(elfErr, elfpayload.ErrInvalidFormat):
	default:
		return &fs.PathError{Op: "locate", Path: b.path, Err: elfErr}
	}

	iso, err := detect.IsISO(b.file, b.size, 0)
	if err != nil {
		return &fs.PathError{Op: "detect", Path: b.path, Err: err}
	}
	if iso {
		b.format = FormatLegacy
		b.offset = 0
		return nil
	}
	if elfErr != nil {
		return &fs.PathError{Op: "locate", Path: b.path, Err: elfErr}
	}
	b.log().Warn("no supported archive at payload offset", "path", b.path, "offset", b.offset)
	return nil
}

func (b *Bundle) openArchive() error {
	section := io.NewSectionReader(b.file, b.offset, b.size-b.offset)

	var (
		vol archive.Volume
		err error
	)
	switch b.format {
	case FormatModern:
		opts := []squashfs.Option{
			squashfs.WithLogger(b.log()),
			squashfs.WithMaxDecoderMemory(b.maxDecoderMemory),
		}
		if b.cacheSize > 0 {
			opts = append(opts, squashfs.WithCacheSize(b.cacheSize))
		}
		if b.fragCacheSize > 0 {
			opts = append(opts, squashfs.WithFragmentCacheSize(b.fragCacheSize))
		}
		vol, err = squashfs.Open(section, section.Size(), opts...)
	case FormatLegacy:
		opts := []iso9660.Option{iso9660.WithLogger(b.log())}
		if b.cacheSize > 0 {
			opts = append(opts, iso9660.WithCacheSize(b.cacheSize))
		}
		vol, err = iso9660.Open(section, section.Size(), opts...)
	default:
		return fmt.Errorf("open archive: format %d: %w", b.format, ErrNotSupported)
	}
	if err != nil {
		return &fs.PathError{Op: "open archive", Path: b.path, Err: err}
	}
	b.fs = archive.NewFS(vol)
	return nil
}

// Close releases the archive reader and the underlying file. It is safe to
// call more than once.
func (b *Bundle) Close() error {
	if b.file == nil {
		return nil
	}
	var archErr error
	if b.fs != nil {
		archErr = b.fs.Close()
		b.fs = nil
	}
	fileErr := b.file.Close()
	b.file = nil
	return errors.Join(archErr, fileErr)
}

// Path returns the absolute path of the bundle file.
func (b *Bundle) Path() string { return b.path }

// Size returns the total size of the bundle file in bytes.
func (b *Bundle) Size() int64 { return b.size }

// Format returns the detected archive format.
func (b *Bundle) Format() Format { return b.format }

// PayloadOffset returns the byte offset where the archive begins.
func (b *Bundle) PayloadOffset() int64 { return b.offset }

// TypeHint returns the bundle type recorded in the ELF identification
// padding (1 or 2), or 0 when absent.
func (b *Bundle) TypeHint() int { return int(b.hint) }

// log returns the bundle's logger, falling back to the process-wide
// logging handler.
func (b *Bundle) log() *slog.Logger {
	if b.logger == nil {
		return logging.Logger()
	}
	return b.logger
}

// archive returns the resolver for the bundle's archive.
func (b *Bundle) archive() (*archive.FS, error) {
	if b.file == nil {
		return nil, ErrClosed
	}
	if b.fs == nil {
		return nil, fmt.Errorf("bundle %s has no supported archive: %w", b.path, ErrNotSupported)
	}
	return b.fs, nil
}

// Stat returns the member at name, following symlinks.
func (b *Bundle) Stat(name string) (Entry, error) {
	afs, err := b.archive()
	if err != nil {
		return Entry{}, err
	}
	return afs.Stat(name)
}

// Lstat returns the member at name without following a final symlink.
func (b *Bundle) Lstat(name string) (Entry, error) {
	afs, err := b.archive()
	if err != nil {
		return Entry{}, err
	}
	return afs.Lstat(name)
}

// ReadDir lists the directory at name, sorted by name.
func (b *Bundle) ReadDir(name string) ([]Entry, error) {
	afs, err := b.archive()
	if err != nil {
		return nil, err
	}
	return afs.ReadDir(name)
}

// Readlink returns the target of the symlink at name.
func (b *Bundle) Readlink(name string) (string, error) {
	afs, err := b.archive()
	if err != nil {
		return "", err
	}
	return afs.Readlink(name)
}

// Open opens the regular file at name, following symlinks. The caller must
// close the returned reader.
func (b *Bundle) Open(name string) (io.ReadCloser, error) {
	afs, err := b.archive()
	if err != nil {
		return nil, err
	}
	rc, _, err := afs.Open(name)
	return rc, err
}

// ReadFile returns the contents of the file at name. Files larger than the
// configured maximum (see WithMaxFileSize) are refused.
func (b *Bundle) ReadFile(name string) ([]byte, error) {
	afs, err := b.archive()
	if err != nil {
		return nil, err
	}
	limit := int64(0)
	if b.maxFileSize > 0 {
		limit = int64(min(b.maxFileSize, uint64(1<<62)))
	}
	return afs.ReadFile(name, limit)
}

// Walk visits every member in depth-first pre-order, siblings sorted by
// name. Returning fs.SkipDir from a directory skips its children.
func (b *Bundle) Walk(fn func(Entry) error) error {
	afs, err := b.archive()
	if err != nil {
		return err
	}
	return afs.Walk(fn)
}
