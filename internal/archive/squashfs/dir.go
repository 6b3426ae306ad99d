package squashfs

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/meigma/appbundle/internal/archive"
)

const (
	dirHeaderSize    = 12
	dirEntrySize     = 8
	maxDirHeaderRun  = 256
	dirSizeOverhead  = 3
	maxDirNameLength = 256
)

// dirent is one decoded directory entry.
type dirent struct {
	name string
	ref  uint64
	typ  uint16
}

// listing returns the sorted entries of the directory inode, consulting the
// directory cache keyed by the directory's own inode reference.
func (r *Reader) listing(ref uint64, ino *inode) ([]dirent, error) {
	if ents, ok := r.dirs.Get(ref); ok {
		return ents, nil
	}
	ents, err := r.readListing(ino)
	if err != nil {
		return nil, err
	}
	r.dirs.Add(ref, ents)
	return ents, nil
}

func (r *Reader) readListing(ino *inode) ([]dirent, error) {
	if ino.dirSize < dirSizeOverhead {
		return nil, fmt.Errorf("%w: directory size %d", archive.ErrCorrupt, ino.dirSize)
	}
	remaining := uint64(ino.dirSize - dirSizeOverhead)
	if remaining == 0 {
		return nil, nil
	}
	pos := r.sb.DirTable + uint64(ino.dirBlock)
	if pos < r.sb.DirTable || pos >= r.sb.BytesUsed {
		return nil, fmt.Errorf("%w: directory block %d out of range", archive.ErrCorrupt, ino.dirBlock)
	}
	c, err := r.cursor(pos, int(ino.dirOffset))
	if err != nil {
		return nil, err
	}

	var ents []dirent
	for remaining > 0 {
		if remaining < dirHeaderSize {
			return nil, fmt.Errorf("%w: truncated directory header", archive.ErrCorrupt)
		}
		hdr, err := c.bytes(dirHeaderSize)
		if err != nil {
			return nil, err
		}
		remaining -= dirHeaderSize
		count := uint64(le32(hdr[0:])) + 1
		start := uint64(le32(hdr[4:]))
		if count > maxDirHeaderRun {
			return nil, fmt.Errorf("%w: directory header with %d entries", archive.ErrCorrupt, count)
		}
		for range count {
			if remaining < dirEntrySize {
				return nil, fmt.Errorf("%w: truncated directory entry", archive.ErrCorrupt)
			}
			b, err := c.bytes(dirEntrySize)
			if err != nil {
				return nil, err
			}
			remaining -= dirEntrySize
			nameLen := uint64(le16(b[6:])) + 1
			if nameLen > maxDirNameLength || nameLen > remaining {
				return nil, fmt.Errorf("%w: directory entry name length %d", archive.ErrCorrupt, nameLen)
			}
			name, err := c.bytes(nameLen)
			if err != nil {
				return nil, err
			}
			remaining -= nameLen
			if err := validName(name); err != nil {
				return nil, err
			}
			ents = append(ents, dirent{
				name: string(name),
				ref:  start<<16 | uint64(le16(b[0:])),
				typ:  le16(b[4:]),
			})
		}
	}
	slices.SortFunc(ents, func(a, b dirent) int { return cmp.Compare(a.name, b.name) })
	return ents, nil
}

// validName rejects names that would alter path structure.
func validName(name []byte) error {
	s := string(name)
	if s == "." || s == ".." {
		return fmt.Errorf("%w: directory entry named %q", archive.ErrCorrupt, s)
	}
	for _, c := range name {
		if c == '/' || c == 0 {
			return fmt.Errorf("%w: directory entry name %q", archive.ErrCorrupt, s)
		}
	}
	return nil
}

func find(ents []dirent, name string) (dirent, bool) {
	i, ok := slices.BinarySearchFunc(ents, name, func(e dirent, n string) int { return cmp.Compare(e.name, n) })
	if !ok {
		return dirent{}, false
	}
	return ents[i], true
}
