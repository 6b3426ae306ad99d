// Package detect identifies the archive format stored at a payload offset.
package detect

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Format is the archive format found at a payload offset.
type Format int

// Format values.
const (
	Unsupported Format = iota
	Legacy
	Modern
)

// String returns a short name for the format.
func (f Format) String() string {
	switch f {
	case Legacy:
		return "iso9660"
	case Modern:
		return "squashfs"
	default:
		return "unsupported"
	}
}

const (
	// SquashFSMagic is the little-endian superblock magic ("hsqs").
	SquashFSMagic = 0x73717368

	// ISOMagicOffset is where "CD001" appears relative to the start of an
	// ISO 9660 image: the identifier of the volume descriptor at sector 16.
	ISOMagicOffset = 0x8001
)

var isoMagic = []byte("CD001")

// Detect inspects r at offset and reports the archive format found there.
//
// Short reads yield Unsupported with a nil error; only genuine read failures
// are returned as errors.
func Detect(r io.ReaderAt, size, offset int64) (Format, error) {
	if offset < 0 || offset > size {
		return Unsupported, nil
	}
	var magic [4]byte
	ok, err := readExact(r, size, magic[:], offset)
	if err != nil {
		return Unsupported, err
	}
	if ok && binary.LittleEndian.Uint32(magic[:]) == SquashFSMagic {
		return Modern, nil
	}

	legacy, err := IsISO(r, size, offset)
	if err != nil {
		return Unsupported, err
	}
	if legacy {
		return Legacy, nil
	}
	return Unsupported, nil
}

// IsISO reports whether an ISO 9660 volume descriptor identifier is present
// for an image starting at offset.
func IsISO(r io.ReaderAt, size, offset int64) (bool, error) {
	if offset < 0 || offset > size-ISOMagicOffset {
		return false, nil
	}
	var id [5]byte
	ok, err := readExact(r, size, id[:], offset+ISOMagicOffset)
	if err != nil || !ok {
		return false, err
	}
	return string(id[:]) == string(isoMagic), nil
}

// readExact fills p from off, reporting false when the source ends first.
func readExact(r io.ReaderAt, size int64, p []byte, off int64) (bool, error) {
	if size-off < int64(len(p)) {
		return false, nil
	}
	n, err := r.ReadAt(p, off)
	if n == len(p) {
		return true, nil
	}
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return false, nil
	}
	return false, fmt.Errorf("read magic at %d: %w", off, err)
}
