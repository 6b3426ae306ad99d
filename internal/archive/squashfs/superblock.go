package squashfs

import (
	"encoding/binary"
	"fmt"
	"io"
	"math/bits"
	"time"

	"github.com/meigma/appbundle/internal/archive"
)

const (
	// Magic is the little-endian superblock magic ("hsqs").
	Magic = 0x73717368

	superblockSize = 96

	minBlockSize = 4 << 10
	maxBlockSize = 1 << 20

	metadataSize = 8192

	noFragment = 0xffffffff
	noTable    = 0xffffffffffffffff
)

// Superblock flags.
const (
	FlagUncompressedInodes    = 0x0001
	FlagUncompressedData      = 0x0002
	FlagUncompressedFragments = 0x0008
	FlagNoFragments           = 0x0010
	FlagAlwaysFragments       = 0x0020
	FlagDuplicates            = 0x0040
	FlagExportable            = 0x0080
	FlagUncompressedXattrs    = 0x0100
	FlagNoXattrs              = 0x0200
	FlagCompressorOptions     = 0x0400
	FlagUncompressedIDs       = 0x0800
)

// Superblock is the fixed header at the start of a SquashFS 4.0 image.
type Superblock struct {
	Magic        uint32
	InodeCount   uint32
	ModTime      uint32
	BlockSize    uint32
	FragCount    uint32
	Compression  Compression
	BlockLog     uint16
	Flags        uint16
	IDCount      uint16
	VersionMajor uint16
	VersionMinor uint16
	RootInode    uint64
	BytesUsed    uint64
	IDTable      uint64
	XattrTable   uint64
	InodeTable   uint64
	DirTable     uint64
	FragTable    uint64
	ExportTable  uint64
}

// MTime returns the image modification time.
func (s *Superblock) MTime() time.Time {
	return time.Unix(int64(s.ModTime), 0).UTC()
}

func readSuperblock(r io.ReaderAt, size int64) (*Superblock, error) {
	if size < superblockSize {
		return nil, fmt.Errorf("%w: image smaller than superblock", archive.ErrCorrupt)
	}
	var buf [superblockSize]byte
	if n, err := r.ReadAt(buf[:], 0); n < len(buf) {
		return nil, fmt.Errorf("read superblock: %w", err)
	}
	le := binary.LittleEndian
	sb := &Superblock{
		Magic:        le.Uint32(buf[0:]),
		InodeCount:   le.Uint32(buf[4:]),
		ModTime:      le.Uint32(buf[8:]),
		BlockSize:    le.Uint32(buf[12:]),
		FragCount:    le.Uint32(buf[16:]),
		Compression:  Compression(le.Uint16(buf[20:])),
		BlockLog:     le.Uint16(buf[22:]),
		Flags:        le.Uint16(buf[24:]),
		IDCount:      le.Uint16(buf[26:]),
		VersionMajor: le.Uint16(buf[28:]),
		VersionMinor: le.Uint16(buf[30:]),
		RootInode:    le.Uint64(buf[32:]),
		BytesUsed:    le.Uint64(buf[40:]),
		IDTable:      le.Uint64(buf[48:]),
		XattrTable:   le.Uint64(buf[56:]),
		InodeTable:   le.Uint64(buf[64:]),
		DirTable:     le.Uint64(buf[72:]),
		FragTable:    le.Uint64(buf[80:]),
		ExportTable:  le.Uint64(buf[88:]),
	}
	if err := sb.validate(uint64(size)); err != nil { //nolint:gosec // size checked above
		return nil, err
	}
	return sb, nil
}

func (s *Superblock) validate(size uint64) error {
	if s.Magic != Magic {
		return fmt.Errorf("%w: bad magic %#x", archive.ErrCorrupt, s.Magic)
	}
	if s.VersionMajor != 4 || s.VersionMinor != 0 {
		return fmt.Errorf("%w: version %d.%d", archive.ErrNotSupported, s.VersionMajor, s.VersionMinor)
	}
	if s.BlockSize < minBlockSize || s.BlockSize > maxBlockSize || bits.OnesCount32(s.BlockSize) != 1 {
		return fmt.Errorf("%w: block size %d", archive.ErrCorrupt, s.BlockSize)
	}
	if uint32(1)<<s.BlockLog != s.BlockSize {
		return fmt.Errorf("%w: block log %d does not match block size %d", archive.ErrCorrupt, s.BlockLog, s.BlockSize)
	}
	if s.BytesUsed < superblockSize || s.BytesUsed > size {
		return fmt.Errorf("%w: bytes used %d exceeds image size %d", archive.ErrCorrupt, s.BytesUsed, size)
	}
	if s.IDCount == 0 {
		return fmt.Errorf("%w: empty id table", archive.ErrCorrupt)
	}
	for _, t := range []struct {
		name string
		off  uint64
	}{
		{"inode", s.InodeTable},
		{"directory", s.DirTable},
		{"id", s.IDTable},
	} {
		if t.off < superblockSize || t.off >= s.BytesUsed {
			return fmt.Errorf("%w: %s table offset %d out of range", archive.ErrCorrupt, t.name, t.off)
		}
	}
	if s.InodeTable >= s.DirTable {
		return fmt.Errorf("%w: inode table follows directory table", archive.ErrCorrupt)
	}
	if s.FragCount > 0 && (s.FragTable == noTable || s.FragTable >= s.BytesUsed) {
		return fmt.Errorf("%w: fragment table offset %d out of range", archive.ErrCorrupt, s.FragTable)
	}
	return nil
}
