// Package elfpayload locates the end of an ELF executable so that data
// appended after it can be read.
//
// The end of the image is the larger of the section header table's end and
// the end of the last section that occupies file space. Files without a
// section table fall back to the program header table. Appended data carries
// no alignment requirement, so the returned offset is never rounded.
package elfpayload

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/meigma/appbundle/internal/sizing"
)

var (
	// ErrInvalidFormat is returned when the file is not an ELF image this
	// package understands (magic, class, data encoding, or version).
	ErrInvalidFormat = errors.New("invalid ELF format")

	// ErrBadHeader is returned when the ELF identification is valid but the
	// header tables are inconsistent with the file.
	ErrBadHeader = errors.New("bad ELF header")
)

// Hint is the bundle type marker stored in the ELF identification padding.
type Hint uint8

// Hint values recorded at e_ident[8:11].
const (
	HintNone  Hint = 0
	HintType1 Hint = 1
	HintType2 Hint = 2
)

const (
	classELF32 = 1
	classELF64 = 2

	dataLSB = 1
	dataMSB = 2

	identSize = 16

	shtNull   = 0
	shtNoBits = 8

	pnXNum = 0xffff
)

// Info describes the parsed header fields relevant to payload location.
type Info struct {
	// Is64 reports an ELFCLASS64 image.
	Is64 bool
	// ByteOrder is the image's data encoding.
	ByteOrder binary.ByteOrder
	// Hint is the bundle type marker, or HintNone.
	Hint Hint
	// PayloadOffset is the first byte past the ELF image.
	PayloadOffset int64
}

// Locate returns the offset of the first byte after the ELF image in r.
func Locate(r io.ReaderAt, size int64) (int64, error) {
	info, err := Parse(r, size)
	if err != nil {
		return 0, err
	}
	return info.PayloadOffset, nil
}

// layout holds the per-class field positions.
type layout struct {
	ehsize    uint64
	phoff     int
	shoff     int
	phentsize int
	shentsize int
	phnum     int
	shnum     int
	shMin     uint64
	shType    int
	shOffset  int
	shSize    int
	shInfo    int
	phMin     uint64
	phOffset  int
	phFilesz  int
}

var layout32 = layout{
	ehsize: 52, phoff: 28, shoff: 32, phentsize: 42, phnum: 44, shentsize: 46, shnum: 48,
	shMin: 40, shType: 4, shOffset: 16, shSize: 20, shInfo: 28,
	phMin: 32, phOffset: 4, phFilesz: 16,
}

var layout64 = layout{
	ehsize: 64, phoff: 32, shoff: 40, phentsize: 54, phnum: 56, shentsize: 58, shnum: 60,
	shMin: 64, shType: 4, shOffset: 24, shSize: 32, shInfo: 44,
	phMin: 56, phOffset: 8, phFilesz: 32,
}

// Parse validates the ELF header in r and computes the payload offset.
func Parse(r io.ReaderAt, size int64) (*Info, error) {
	if size < identSize {
		return nil, fmt.Errorf("%w: file too small", ErrInvalidFormat)
	}
	var hdr [64]byte
	n, err := r.ReadAt(hdr[:], 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read ELF header: %w", err)
	}
	if n < identSize || string(hdr[:4]) != "\x7fELF" {
		return nil, fmt.Errorf("%w: bad magic", ErrInvalidFormat)
	}

	info := &Info{Hint: hintOf(hdr[8:11])}
	var lay layout
	switch hdr[4] {
	case classELF32:
		lay = layout32
	case classELF64:
		lay = layout64
		info.Is64 = true
	default:
		return nil, fmt.Errorf("%w: unknown class %d", ErrInvalidFormat, hdr[4])
	}
	switch hdr[5] {
	case dataLSB:
		info.ByteOrder = binary.LittleEndian
	case dataMSB:
		info.ByteOrder = binary.BigEndian
	default:
		return nil, fmt.Errorf("%w: unknown data encoding %d", ErrInvalidFormat, hdr[5])
	}
	if hdr[6] != 1 {
		return nil, fmt.Errorf("%w: unknown version %d", ErrInvalidFormat, hdr[6])
	}
	if uint64(n) < lay.ehsize { //nolint:gosec // n is non-negative
		return nil, fmt.Errorf("%w: truncated header", ErrBadHeader)
	}

	p := &parser{r: r, size: uint64(size), order: info.ByteOrder, is64: info.Is64, lay: lay} //nolint:gosec // size checked above
	end, err := p.end(hdr[:])
	if err != nil {
		return nil, err
	}
	off, err := sizing.ToInt64(end, ErrBadHeader)
	if err != nil {
		return nil, err
	}
	info.PayloadOffset = off
	return info, nil
}

func hintOf(b []byte) Hint {
	if b[0] != 'A' || b[1] != 'I' {
		return HintNone
	}
	switch b[2] {
	case 1:
		return HintType1
	case 2:
		return HintType2
	default:
		return HintNone
	}
}

type parser struct {
	r     io.ReaderAt
	size  uint64
	order binary.ByteOrder
	is64  bool
	lay   layout
}

// word reads a class-sized unsigned field.
func (p *parser) word(b []byte, off int) uint64 {
	if p.is64 {
		return p.order.Uint64(b[off:])
	}
	return uint64(p.order.Uint32(b[off:]))
}

func (p *parser) half(b []byte, off int) uint64 {
	return uint64(p.order.Uint16(b[off:]))
}

func (p *parser) end(hdr []byte) (uint64, error) {
	shoff := p.word(hdr, p.lay.shoff)
	shentsize := p.half(hdr, p.lay.shentsize)
	shnum := p.half(hdr, p.lay.shnum)
	phnum := p.half(hdr, p.lay.phnum)

	// Extended numbering keeps the real counts in section 0.
	if shoff != 0 && (shnum == 0 || phnum == pnXNum) {
		if shentsize < p.lay.shMin {
			return 0, fmt.Errorf("%w: section header entry size %d", ErrBadHeader, shentsize)
		}
		first, err := p.readEntry(shoff, shentsize)
		if err != nil {
			return 0, err
		}
		if shnum == 0 {
			shnum = p.word(first, p.lay.shSize)
		}
		if phnum == pnXNum {
			phnum = uint64(p.order.Uint32(first[p.lay.shInfo:]))
		}
	}

	end := p.lay.ehsize
	if shoff != 0 {
		tableEnd, err := p.sections(shoff, shentsize, shnum)
		if err != nil {
			return 0, err
		}
		end = max(end, tableEnd)
		return end, nil
	}

	phoff := p.word(hdr, p.lay.phoff)
	phentsize := p.half(hdr, p.lay.phentsize)
	if phoff != 0 && phnum != 0 {
		tableEnd, err := p.segments(phoff, phentsize, phnum)
		if err != nil {
			return 0, err
		}
		end = max(end, tableEnd)
	}
	return end, nil
}

// table validates a header table and returns its end offset.
func (p *parser) table(off, entsize, num, minEnt uint64, what string) (uint64, error) {
	if num == 0 {
		return off, nil
	}
	if entsize < minEnt {
		return 0, fmt.Errorf("%w: %s entry size %d", ErrBadHeader, what, entsize)
	}
	length, ok := sizing.MulUint64(entsize, num)
	if !ok {
		return 0, fmt.Errorf("%w: %s table size overflows", ErrBadHeader, what)
	}
	end, ok := sizing.End(off, length, p.size)
	if !ok {
		return 0, fmt.Errorf("%w: %s table beyond end of file", ErrBadHeader, what)
	}
	return end, nil
}

func (p *parser) sections(shoff, shentsize, shnum uint64) (uint64, error) {
	end, err := p.table(shoff, shentsize, shnum, p.lay.shMin, "section header")
	if err != nil {
		return 0, err
	}
	err = p.scan(shoff, shentsize, shnum, func(ent []byte) error {
		switch p.order.Uint32(ent[p.lay.shType:]) {
		case shtNull, shtNoBits:
			return nil
		}
		secEnd, ok := sizing.End(p.word(ent, p.lay.shOffset), p.word(ent, p.lay.shSize), p.size)
		if !ok {
			return fmt.Errorf("%w: section beyond end of file", ErrBadHeader)
		}
		end = max(end, secEnd)
		return nil
	})
	return end, err
}

func (p *parser) segments(phoff, phentsize, phnum uint64) (uint64, error) {
	end, err := p.table(phoff, phentsize, phnum, p.lay.phMin, "program header")
	if err != nil {
		return 0, err
	}
	err = p.scan(phoff, phentsize, phnum, func(ent []byte) error {
		segEnd, ok := sizing.End(p.word(ent, p.lay.phOffset), p.word(ent, p.lay.phFilesz), p.size)
		if !ok {
			return fmt.Errorf("%w: segment beyond end of file", ErrBadHeader)
		}
		end = max(end, segEnd)
		return nil
	})
	return end, err
}

// scan visits each entry of a table already validated by table.
func (p *parser) scan(off, entsize, num uint64, fn func([]byte) error) error {
	start, err := sizing.ToInt64(off, ErrBadHeader)
	if err != nil {
		return err
	}
	length, err := sizing.ToInt64(entsize*num, ErrBadHeader)
	if err != nil {
		return err
	}
	br := bufio.NewReader(io.NewSectionReader(p.r, start, length))
	ent := make([]byte, entsize)
	for range num {
		if _, err := io.ReadFull(br, ent); err != nil {
			return fmt.Errorf("read header table: %w", err)
		}
		if err := fn(ent); err != nil {
			return err
		}
	}
	return nil
}

func (p *parser) readEntry(off, entsize uint64) ([]byte, error) {
	if _, ok := sizing.End(off, entsize, p.size); !ok {
		return nil, fmt.Errorf("%w: section header table beyond end of file", ErrBadHeader)
	}
	start, err := sizing.ToInt64(off, ErrBadHeader)
	if err != nil {
		return nil, err
	}
	ent := make([]byte, entsize)
	if n, err := p.r.ReadAt(ent, start); n < len(ent) {
		return nil, fmt.Errorf("read section header: %w", err)
	}
	return ent, nil
}
