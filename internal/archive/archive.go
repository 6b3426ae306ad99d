// Package archive defines the capability set shared by the embedded archive
// readers and the path resolver layered on top of them.
//
// Format readers implement Volume over clean, symlink-free paths. FS adds
// symlink resolution with fixed bounds so both formats follow links the
// same way.
package archive

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"time"
)

var (
	// ErrCorrupt is returned when archive metadata is inconsistent.
	ErrCorrupt = errors.New("archive corrupt")

	// ErrNotSupported is returned for valid archives using features this
	// package does not implement (for example an unknown compressor).
	ErrNotSupported = errors.New("archive feature not supported")

	// ErrLinkLoop is returned when resolving a path follows more than
	// MaxSymlinkHops symbolic links.
	ErrLinkLoop = errors.New("too many levels of symbolic links")

	// ErrLinkChain is returned when a symbolic link target has more than
	// MaxLinkComponents path components.
	ErrLinkChain = errors.New("symbolic link target too long")

	// ErrOutsideRoot is returned when a path climbs above the archive root.
	// It matches fs.ErrNotExist.
	ErrOutsideRoot = fmt.Errorf("path escapes archive root: %w", fs.ErrNotExist)

	// ErrNotDir is returned when a non-directory is used as a directory.
	ErrNotDir = errors.New("not a directory")

	// ErrIsDir is returned when a directory is opened as a file.
	ErrIsDir = errors.New("is a directory")
)

const (
	// MaxSymlinkHops bounds the number of symlinks followed in one lookup.
	MaxSymlinkHops = 256

	// MaxLinkComponents bounds the number of components in one link target.
	MaxLinkComponents = 128

	// MaxDepth bounds directory nesting during walks.
	MaxDepth = 1024
)

// Kind classifies archive entries.
type Kind uint8

// Kind values.
const (
	KindOther Kind = iota
	KindFile
	KindDir
	KindSymlink
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindDir:
		return "directory"
	case KindSymlink:
		return "symlink"
	default:
		return "other"
	}
}

// Entry describes one member of an archive.
type Entry struct {
	// Path is the slash-separated path relative to the archive root.
	// The root itself is ".".
	Path string
	// Kind is the entry type.
	Kind Kind
	// Size is the content size for files and the target length for symlinks.
	Size int64
	// Mode holds the permission bits and the fs.FileMode type bits.
	Mode fs.FileMode
	// Target is the symlink target, empty for other kinds.
	Target string
	// ModTime is the modification time recorded in the archive.
	ModTime time.Time
	// UID and GID are the numeric owner ids.
	UID, GID uint32
}

// Name returns the final path element.
func (e Entry) Name() string {
	for i := len(e.Path) - 1; i >= 0; i-- {
		if e.Path[i] == '/' {
			return e.Path[i+1:]
		}
	}
	return e.Path
}

// IsDir reports whether the entry is a directory.
func (e Entry) IsDir() bool { return e.Kind == KindDir }

// Perm returns the permission bits.
func (e Entry) Perm() fs.FileMode { return e.Mode.Perm() }

// ModeFor builds an fs.FileMode from a kind and Unix permission bits,
// carrying setuid, setgid, and sticky.
func ModeFor(kind Kind, unix uint32) fs.FileMode {
	m := fs.FileMode(unix & 0o777)
	if unix&0o4000 != 0 {
		m |= fs.ModeSetuid
	}
	if unix&0o2000 != 0 {
		m |= fs.ModeSetgid
	}
	if unix&0o1000 != 0 {
		m |= fs.ModeSticky
	}
	switch kind {
	case KindDir:
		m |= fs.ModeDir
	case KindSymlink:
		m |= fs.ModeSymlink
	case KindOther:
		m |= fs.ModeIrregular
	case KindFile:
	}
	return m
}

// Volume is the capability set implemented by each archive format.
//
// Names are clean slash paths relative to the root ("." for the root) whose
// directory components are never symlinks. Lstat does not follow a final
// symlink. ReadDir returns entries sorted by name. Errors are bare sentinels
// such as fs.ErrNotExist or ErrCorrupt; FS attaches the path.
type Volume interface {
	Lstat(name string) (Entry, error)
	ReadDir(name string) ([]Entry, error)
	Open(name string) (io.ReadCloser, error)
	Close() error
}
