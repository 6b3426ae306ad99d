package archive

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strings"

	"github.com/meigma/appbundle/internal/sizing"
)

// FS resolves symbolic links on top of a Volume.
//
// Absolute link targets resolve from the archive root, ".." never climbs
// above it, and every lookup is bounded by MaxSymlinkHops and
// MaxLinkComponents.
type FS struct {
	vol Volume
}

// NewFS wraps vol with symlink resolution.
func NewFS(vol Volume) *FS {
	return &FS{vol: vol}
}

// Volume returns the underlying format reader.
func (f *FS) Volume() Volume { return f.vol }

// Close releases the underlying volume.
func (f *FS) Close() error { return f.vol.Close() }

// Resolve returns the symlink-free path name refers to, following a final
// symlink. The resolved path need not exist when only its last component is
// missing.
func (f *FS) Resolve(name string) (string, error) {
	p, err := f.resolve(name, true)
	if err != nil {
		return p, &fs.PathError{Op: "resolve", Path: name, Err: err}
	}
	return p, nil
}

// Stat returns the entry name refers to, following symlinks.
func (f *FS) Stat(name string) (Entry, error) {
	return f.stat("stat", name, true)
}

// Lstat returns the entry at name without following a final symlink.
func (f *FS) Lstat(name string) (Entry, error) {
	return f.stat("lstat", name, false)
}

func (f *FS) stat(op, name string, follow bool) (Entry, error) {
	p, err := f.resolve(name, follow)
	if err != nil {
		return Entry{}, &fs.PathError{Op: op, Path: name, Err: err}
	}
	e, err := f.vol.Lstat(p)
	if err != nil {
		return Entry{}, &fs.PathError{Op: op, Path: name, Err: err}
	}
	return e, nil
}

// Readlink returns the target of the symlink at name.
func (f *FS) Readlink(name string) (string, error) {
	e, err := f.stat("readlink", name, false)
	if err != nil {
		return "", err
	}
	if e.Kind != KindSymlink {
		return "", &fs.PathError{Op: "readlink", Path: name, Err: fs.ErrInvalid}
	}
	return e.Target, nil
}

// ReadDir lists the directory name refers to, sorted by name.
func (f *FS) ReadDir(name string) ([]Entry, error) {
	e, err := f.stat("readdir", name, true)
	if err != nil {
		return nil, err
	}
	if e.Kind != KindDir {
		return nil, &fs.PathError{Op: "readdir", Path: name, Err: ErrNotDir}
	}
	entries, err := f.vol.ReadDir(e.Path)
	if err != nil {
		return nil, &fs.PathError{Op: "readdir", Path: name, Err: err}
	}
	return entries, nil
}

// Open opens the regular file name refers to, following symlinks.
func (f *FS) Open(name string) (io.ReadCloser, Entry, error) {
	e, err := f.stat("open", name, true)
	if err != nil {
		return nil, Entry{}, err
	}
	switch e.Kind {
	case KindFile:
	case KindDir:
		return nil, Entry{}, &fs.PathError{Op: "open", Path: name, Err: ErrIsDir}
	default:
		return nil, Entry{}, &fs.PathError{Op: "open", Path: name, Err: ErrNotSupported}
	}
	rc, err := f.vol.Open(e.Path)
	if err != nil {
		return nil, Entry{}, &fs.PathError{Op: "open", Path: name, Err: err}
	}
	return rc, e, nil
}

// ReadFile returns the full contents of the file name refers to, refusing
// files larger than limit bytes when limit is positive.
func (f *FS) ReadFile(name string, limit int64) ([]byte, error) {
	rc, e, err := f.Open(name)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	if limit > 0 && e.Size > limit {
		return nil, &fs.PathError{Op: "read", Path: name, Err: fmt.Errorf("file size %d exceeds limit %d", e.Size, limit)}
	}
	if e.Size < 0 {
		return nil, &fs.PathError{Op: "read", Path: name, Err: fmt.Errorf("%w: negative size %d", ErrCorrupt, e.Size)}
	}
	data, err := sizing.ReadAllWithLimit(rc, uint64(e.Size),
		fmt.Errorf("%w: content longer than recorded size %d", ErrCorrupt, e.Size))
	if err != nil {
		return nil, &fs.PathError{Op: "read", Path: name, Err: err}
	}
	return data, nil
}

// WalkFunc is called for each entry visited by Walk. Returning fs.SkipDir
// from a directory skips its children.
type WalkFunc func(e Entry) error

// Walk visits every entry below the root in depth-first pre-order with
// siblings sorted by name. Symlinks are reported, never followed.
func (f *FS) Walk(fn WalkFunc) error {
	return f.walk(".", 0, fn)
}

func (f *FS) walk(dir string, depth int, fn WalkFunc) error {
	if depth > MaxDepth {
		return &fs.PathError{Op: "walk", Path: dir, Err: fmt.Errorf("%w: directory nesting exceeds %d", ErrCorrupt, MaxDepth)}
	}
	entries, err := f.vol.ReadDir(dir)
	if err != nil {
		return &fs.PathError{Op: "walk", Path: dir, Err: err}
	}
	for _, e := range entries {
		err := fn(e)
		if e.Kind != KindDir {
			if err != nil {
				return err
			}
			continue
		}
		if errors.Is(err, fs.SkipDir) {
			continue
		}
		if err != nil {
			return err
		}
		if err := f.walk(e.Path, depth+1, fn); err != nil {
			return err
		}
	}
	return nil
}

// Clean normalizes an archive path: leading slashes are dropped, "." and
// empty components removed, and ".." applied lexically. It reports false
// when ".." would climb above the root.
func Clean(name string) (string, bool) {
	var parts []string
	for _, c := range strings.Split(name, "/") {
		switch c {
		case "", ".":
		case "..":
			if len(parts) == 0 {
				return "", false
			}
			parts = parts[:len(parts)-1]
		default:
			parts = append(parts, c)
		}
	}
	if len(parts) == 0 {
		return ".", true
	}
	return strings.Join(parts, "/"), true
}

// Join joins a directory path and a child name into an archive path.
func Join(dir, name string) string {
	if dir == "." || dir == "" {
		return name
	}
	return dir + "/" + name
}

// splitTarget splits a link target into its non-empty components.
func splitTarget(target string) []string {
	raw := strings.Split(target, "/")
	out := raw[:0]
	for _, c := range raw {
		if c != "" {
			out = append(out, c)
		}
	}
	return out
}

// resolve walks name component by component, substituting symlink targets.
// Directory components must be directories; the final component is
// followed only when follow is set. On fs.ErrNotExist for the final
// component the would-be path is still returned.
func (f *FS) resolve(name string, follow bool) (string, error) {
	pending := splitTarget(name)
	var resolved []string
	hops := 0

	for len(pending) > 0 {
		c := pending[0]
		pending = pending[1:]
		switch c {
		case ".":
			continue
		case "..":
			if len(resolved) == 0 {
				return "", ErrOutsideRoot
			}
			resolved = resolved[:len(resolved)-1]
			continue
		}

		cur := Join(strings.Join(resolved, "/"), c)
		e, err := f.vol.Lstat(cur)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && len(pending) == 0 {
				return cur, err
			}
			return "", err
		}

		last := len(pending) == 0
		if e.Kind == KindSymlink && (!last || follow) {
			hops++
			if hops > MaxSymlinkHops {
				return "", ErrLinkLoop
			}
			target := splitTarget(e.Target)
			if len(target) > MaxLinkComponents {
				return "", ErrLinkChain
			}
			if strings.HasPrefix(e.Target, "/") {
				resolved = resolved[:0]
			}
			pending = append(target, pending...)
			continue
		}
		if !last && e.Kind != KindDir {
			return "", ErrNotDir
		}
		resolved = append(resolved, c)
	}

	if len(resolved) == 0 {
		return ".", nil
	}
	return strings.Join(resolved, "/"), nil
}
