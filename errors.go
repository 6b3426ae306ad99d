package appbundle

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/meigma/appbundle/internal/archive"
	"github.com/meigma/appbundle/internal/elfpayload"
)

// Errors re-exported from the payload locator.
var (
	// ErrInvalidFormat is returned when a file is neither an ELF executable
	// nor an ISO 9660 image.
	ErrInvalidFormat = elfpayload.ErrInvalidFormat

	// ErrBadHeader is returned when the ELF section or program header table
	// is inconsistent with the file.
	ErrBadHeader = elfpayload.ErrBadHeader
)

// Errors re-exported from the archive readers.
var (
	// ErrCorrupt is returned when archive metadata is inconsistent.
	ErrCorrupt = archive.ErrCorrupt

	// ErrNotSupported is returned for archive features or codecs that are
	// not implemented, and for archive access on a bundle of unknown format.
	ErrNotSupported = archive.ErrNotSupported

	// ErrLinkLoop is returned when more than MaxSymlinkHops symlinks are
	// followed in one lookup.
	ErrLinkLoop = archive.ErrLinkLoop

	// ErrLinkChain is returned when a symlink target has more than
	// MaxLinkComponents components.
	ErrLinkChain = archive.ErrLinkChain

	// ErrOutsideRoot is returned when a path climbs above the archive root.
	// It matches fs.ErrNotExist.
	ErrOutsideRoot = archive.ErrOutsideRoot

	// ErrNotDir is returned when a non-directory is used as a directory.
	ErrNotDir = archive.ErrNotDir

	// ErrIsDir is returned when a directory is opened or extracted as a file.
	ErrIsDir = archive.ErrIsDir
)

var (
	// ErrInvalidParameter is returned for unusable arguments such as an
	// empty path or a buffer that is too small.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrStringConversion is returned for strings that cannot be represented,
	// such as paths containing NUL bytes.
	ErrStringConversion = errors.New("string conversion failed")

	// ErrOperationFailed is returned when a multi-step operation fails after
	// partial progress.
	ErrOperationFailed = errors.New("operation failed")

	// ErrDanglingLink marks a symlink whose target leaves the extraction
	// root. It matches fs.ErrNotExist.
	ErrDanglingLink = fmt.Errorf("symbolic link escapes extraction root: %w", fs.ErrNotExist)

	// ErrClosed is returned by operations on a closed Bundle.
	ErrClosed = fs.ErrClosed
)

// Symlink resolution bounds shared by both archive formats.
const (
	MaxSymlinkHops    = archive.MaxSymlinkHops
	MaxLinkComponents = archive.MaxLinkComponents
)

// ExtractError reports a local filesystem failure while materializing an
// archive member.
type ExtractError struct {
	// Op is the failing step, such as "mkdir", "write", or "symlink".
	Op string
	// Path is the archive path being extracted.
	Path string
	// Dest is the local destination path.
	Dest string
	Err  error
}

func (e *ExtractError) Error() string {
	return fmt.Sprintf("extract %s: %s %s: %v", e.Path, e.Op, e.Dest, e.Err)
}

func (e *ExtractError) Unwrap() error { return e.Err }

// Code is the numeric result taxonomy used at API boundaries. Zero always
// denotes success.
type Code int

// Code values.
const (
	Success Code = iota
	CodeIO
	CodeInvalidFormat
	CodeBinaryHeader
	CodeFileSystem
	CodeArchive
	CodeNotSupported
	CodeInvalidParameter
	CodeNotFound
	CodePermissionDenied
	CodeOperationFailed
	CodeStringConversion
)

var codeNames = [...]string{
	Success:              "success",
	CodeIO:               "i/o error",
	CodeInvalidFormat:    "invalid format",
	CodeBinaryHeader:     "binary header error",
	CodeFileSystem:       "filesystem error",
	CodeArchive:          "archive error",
	CodeNotSupported:     "not supported",
	CodeInvalidParameter: "invalid parameter",
	CodeNotFound:         "not found",
	CodePermissionDenied: "permission denied",
	CodeOperationFailed:  "operation failed",
	CodeStringConversion: "string conversion error",
}

// String returns a short description of the code.
func (c Code) String() string {
	if c >= 0 && int(c) < len(codeNames) {
		return codeNames[c]
	}
	return fmt.Sprintf("code(%d)", int(c))
}

// CodeOf classifies err into the numeric taxonomy. Errors marked with
// ErrOperationFailed keep that code whatever their cause. Unrecognized
// errors are reported as CodeIO.
func CodeOf(err error) Code {
	var extractErr *ExtractError
	switch {
	case err == nil:
		return Success
	case errors.Is(err, ErrInvalidParameter):
		return CodeInvalidParameter
	case errors.Is(err, ErrStringConversion):
		return CodeStringConversion
	case errors.Is(err, ErrOperationFailed):
		return CodeOperationFailed
	case errors.Is(err, ErrInvalidFormat):
		return CodeInvalidFormat
	case errors.Is(err, ErrBadHeader):
		return CodeBinaryHeader
	case errors.Is(err, ErrLinkLoop), errors.Is(err, ErrLinkChain), errors.Is(err, ErrCorrupt):
		return CodeArchive
	case errors.Is(err, ErrNotSupported):
		return CodeNotSupported
	case errors.Is(err, fs.ErrPermission):
		return CodePermissionDenied
	case errors.As(err, &extractErr):
		return CodeFileSystem
	case errors.Is(err, ErrIsDir):
		return CodeInvalidParameter
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, ErrNotDir):
		return CodeNotFound
	default:
		return CodeIO
	}
}
