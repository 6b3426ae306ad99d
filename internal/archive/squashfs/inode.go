package squashfs

import (
	"fmt"
	"io/fs"
	"time"

	"github.com/meigma/appbundle/internal/archive"
)

// Inode types.
const (
	typeDir         = 1
	typeFile        = 2
	typeSymlink     = 3
	typeBlockDev    = 4
	typeCharDev     = 5
	typeFifo        = 6
	typeSocket      = 7
	typeExtDir      = 8
	typeExtFile     = 9
	typeExtSymlink  = 10
	typeExtBlockDev = 11
	typeExtCharDev  = 12
	typeExtFifo     = 13
	typeExtSocket   = 14
)

// maxSymlinkTarget bounds symlink targets read from inodes.
const maxSymlinkTarget = 4096

// inode is the decoded subset of an inode needed for lookup and reads.
type inode struct {
	typ    uint16
	perm   uint16
	uid    uint16
	gid    uint16
	mtime  uint32
	number uint32

	// directories
	dirBlock  uint32
	dirOffset uint16
	dirSize   uint32

	// files
	blocksStart uint64
	fileSize    uint64
	fragIndex   uint32
	fragOffset  uint32
	blockSizes  []uint32

	// symlinks
	target string
}

func (i *inode) kind() archive.Kind {
	switch i.typ {
	case typeDir, typeExtDir:
		return archive.KindDir
	case typeFile, typeExtFile:
		return archive.KindFile
	case typeSymlink, typeExtSymlink:
		return archive.KindSymlink
	default:
		return archive.KindOther
	}
}

func (i *inode) mode() fs.FileMode {
	m := archive.ModeFor(i.kind(), uint32(i.perm))
	switch i.typ {
	case typeBlockDev, typeExtBlockDev:
		m = m&^fs.ModeIrregular | fs.ModeDevice
	case typeCharDev, typeExtCharDev:
		m = m&^fs.ModeIrregular | fs.ModeDevice | fs.ModeCharDevice
	case typeFifo, typeExtFifo:
		m = m&^fs.ModeIrregular | fs.ModeNamedPipe
	case typeSocket, typeExtSocket:
		m = m&^fs.ModeIrregular | fs.ModeSocket
	}
	return m
}

// readInode decodes the inode addressed by ref.
func (r *Reader) readInode(ref uint64) (*inode, error) {
	block := ref >> 16
	offset := int(ref & 0xffff)
	pos := r.sb.InodeTable + block
	if pos < r.sb.InodeTable || pos >= r.sb.DirTable {
		return nil, fmt.Errorf("%w: inode reference %#x out of range", archive.ErrCorrupt, ref)
	}
	c, err := r.cursor(pos, offset)
	if err != nil {
		return nil, err
	}
	ino, err := r.decodeInode(c)
	if err != nil {
		return nil, fmt.Errorf("inode %#x: %w", ref, err)
	}
	return ino, nil
}

func (r *Reader) decodeInode(c *metaCursor) (*inode, error) {
	hdr, err := c.bytes(16)
	if err != nil {
		return nil, err
	}
	ino := &inode{
		typ:    le16(hdr[0:]),
		perm:   le16(hdr[2:]),
		uid:    le16(hdr[4:]),
		gid:    le16(hdr[6:]),
		mtime:  le32(hdr[8:]),
		number: le32(hdr[12:]),
	}

	switch ino.typ {
	case typeDir:
		b, err := c.bytes(16)
		if err != nil {
			return nil, err
		}
		ino.dirBlock = le32(b[0:])
		ino.dirSize = uint32(le16(b[8:]))
		ino.dirOffset = le16(b[10:])
	case typeExtDir:
		b, err := c.bytes(24)
		if err != nil {
			return nil, err
		}
		ino.dirSize = le32(b[4:])
		ino.dirBlock = le32(b[8:])
		ino.dirOffset = le16(b[18:])
	case typeFile:
		b, err := c.bytes(16)
		if err != nil {
			return nil, err
		}
		ino.blocksStart = uint64(le32(b[0:]))
		ino.fragIndex = le32(b[4:])
		ino.fragOffset = le32(b[8:])
		ino.fileSize = uint64(le32(b[12:]))
		if err := r.readBlockSizes(c, ino); err != nil {
			return nil, err
		}
	case typeExtFile:
		b, err := c.bytes(40)
		if err != nil {
			return nil, err
		}
		ino.blocksStart = le64(b[0:])
		ino.fileSize = le64(b[8:])
		ino.fragIndex = le32(b[28:])
		ino.fragOffset = le32(b[32:])
		if err := r.readBlockSizes(c, ino); err != nil {
			return nil, err
		}
	case typeSymlink, typeExtSymlink:
		b, err := c.bytes(8)
		if err != nil {
			return nil, err
		}
		n := le32(b[4:])
		if n == 0 || n > maxSymlinkTarget {
			return nil, fmt.Errorf("%w: symlink target length %d", archive.ErrCorrupt, n)
		}
		target, err := c.bytes(uint64(n))
		if err != nil {
			return nil, err
		}
		ino.target = string(target)
	case typeBlockDev, typeCharDev, typeFifo, typeSocket,
		typeExtBlockDev, typeExtCharDev, typeExtFifo, typeExtSocket:
		// Device numbers and link counts are not needed.
	default:
		return nil, fmt.Errorf("%w: unknown inode type %d", archive.ErrCorrupt, ino.typ)
	}
	return ino, nil
}

func (r *Reader) readBlockSizes(c *metaCursor, ino *inode) error {
	bs := uint64(r.sb.BlockSize)
	count := ino.fileSize / bs
	if ino.fragIndex == noFragment && ino.fileSize%bs != 0 {
		count++
	}
	// Each block needs at least its size word in the inode table.
	if count > r.sb.BytesUsed/4 {
		return fmt.Errorf("%w: file of %d bytes needs %d blocks", archive.ErrCorrupt, ino.fileSize, count)
	}
	raw, err := c.bytes(count * 4)
	if err != nil {
		return err
	}
	ino.blockSizes = make([]uint32, count)
	for i := range ino.blockSizes {
		ino.blockSizes[i] = le32(raw[i*4:])
	}
	return nil
}

// entry converts an inode into an archive entry at path p.
func (r *Reader) entry(p string, ino *inode) (archive.Entry, error) {
	uid, err := r.id(ino.uid)
	if err != nil {
		return archive.Entry{}, err
	}
	gid, err := r.id(ino.gid)
	if err != nil {
		return archive.Entry{}, err
	}
	e := archive.Entry{
		Path:    p,
		Kind:    ino.kind(),
		Mode:    ino.mode(),
		ModTime: time.Unix(int64(ino.mtime), 0).UTC(),
		UID:     uid,
		GID:     gid,
	}
	switch e.Kind {
	case archive.KindFile:
		size, err := toSize(ino.fileSize)
		if err != nil {
			return archive.Entry{}, err
		}
		e.Size = size
	case archive.KindSymlink:
		e.Target = ino.target
		e.Size = int64(len(ino.target))
	case archive.KindDir, archive.KindOther:
	}
	return e, nil
}
