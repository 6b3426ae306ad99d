package testutil

import "encoding/binary"

// ELFOptions controls the stub produced by BuildELF.
type ELFOptions struct {
	// Is64 selects ELFCLASS64; otherwise ELFCLASS32.
	Is64 bool
	// BigEndian selects ELFDATA2MSB.
	BigEndian bool
	// ExtendedNumbering stores the section count in section 0's sh_size and
	// writes e_shnum as zero.
	ExtendedNumbering bool
	// NoSections omits the section header table so only program headers
	// describe the image.
	NoSections bool
	// Hint is written at e_ident[8:11] as "AI" followed by the value when
	// non-zero.
	Hint byte
	// TextSize is the size of the .text section; defaults to 256.
	TextSize int
}

const (
	shtProgBits = 1
	shtStrTab   = 3
	shtNoBits   = 8
	ptLoad      = 1
)

// BuildELF returns a minimal executable image whose last byte is the end of
// the image: appended data starts at len(result).
//
// The layout is header, one PT_LOAD program header, .text, .shstrtab, and the
// section header table (NULL, .text, .bss, .shstrtab). The .bss section is
// SHT_NOBITS with a large size and an offset at the end of .text.
func BuildELF(opts ELFOptions) []byte {
	var order binary.ByteOrder = binary.LittleEndian
	if opts.BigEndian {
		order = binary.BigEndian
	}
	textSize := opts.TextSize
	if textSize == 0 {
		textSize = 256
	}

	ehsize, phentsize, shentsize := 52, 32, 40
	if opts.Is64 {
		ehsize, phentsize, shentsize = 64, 56, 64
	}
	w := &elfWriter{order: order, is64: opts.Is64}

	phoff := ehsize
	textOff := phoff + phentsize
	textEnd := textOff + textSize
	strtab := []byte("\x00.text\x00.bss\x00.shstrtab\x00")
	strOff := textEnd
	shoff := strOff + len(strtab)
	// Align the section table to 8 bytes as linkers do.
	if pad := shoff % 8; pad != 0 {
		shoff += 8 - pad
	}
	const shnum = 4

	total := shoff + shnum*shentsize
	if opts.NoSections {
		total = textEnd
	}
	buf := make([]byte, total)

	copy(buf, "\x7fELF")
	buf[4] = 1
	if opts.Is64 {
		buf[4] = 2
	}
	buf[5] = 1
	if opts.BigEndian {
		buf[5] = 2
	}
	buf[6] = 1
	if opts.Hint != 0 {
		buf[8], buf[9], buf[10] = 'A', 'I', opts.Hint
	}
	order.PutUint16(buf[16:], 2) // ET_EXEC
	machine := uint16(0x3e)
	if !opts.Is64 {
		machine = 0x08
	}
	order.PutUint16(buf[18:], machine)
	order.PutUint32(buf[20:], 1)

	if opts.Is64 {
		order.PutUint64(buf[24:], 0x400000+u64(textOff))
		order.PutUint64(buf[32:], u64(phoff))
		if !opts.NoSections {
			order.PutUint64(buf[40:], u64(shoff))
		}
		w.header16(buf, 52, ehsize, phentsize, 1, shentsize)
	} else {
		order.PutUint32(buf[24:], 0x400000+uint32(u64(textOff)))
		order.PutUint32(buf[28:], uint32(u64(phoff)))
		if !opts.NoSections {
			order.PutUint32(buf[32:], uint32(u64(shoff)))
		}
		w.header16(buf, 40, ehsize, phentsize, 1, shentsize)
	}
	shnumOff, shstrndxOff := 48, 50
	if opts.Is64 {
		shnumOff, shstrndxOff = 60, 62
	}
	if opts.NoSections {
		order.PutUint16(buf[shnumOff-2:], 0)
		order.PutUint16(buf[shnumOff:], 0)
	} else {
		if opts.ExtendedNumbering {
			order.PutUint16(buf[shnumOff:], 0)
		} else {
			order.PutUint16(buf[shnumOff:], shnum)
		}
		order.PutUint16(buf[shstrndxOff:], 3)
	}

	// PT_LOAD covering the header through .text.
	w.phdr(buf[phoff:], ptLoad, 0, u64(textEnd))

	for i := textOff; i < textEnd; i++ {
		buf[i] = 0x90
	}
	if opts.NoSections {
		return buf
	}
	copy(buf[strOff:], strtab)

	sec := func(i int) []byte { return buf[shoff+i*shentsize:] }
	// Section 0 carries the count under extended numbering.
	if opts.ExtendedNumbering {
		w.shdr(sec(0), 0, 0, 0, shnum)
	}
	w.shdr(sec(1), 1, shtProgBits, u64(textOff), u64(textSize))
	w.shdr(sec(2), 7, shtNoBits, u64(textEnd), 0x100000)
	w.shdr(sec(3), 12, shtStrTab, u64(strOff), u64(len(strtab)))
	return buf
}

type elfWriter struct {
	order binary.ByteOrder
	is64  bool
}

// header16 writes e_ehsize, e_phentsize, e_phnum, and e_shentsize starting at off.
//
//nolint:gosec // small test values
func (w *elfWriter) header16(buf []byte, off, ehsize, phentsize, phnum, shentsize int) {
	w.order.PutUint16(buf[off:], uint16(ehsize))
	w.order.PutUint16(buf[off+2:], uint16(phentsize))
	w.order.PutUint16(buf[off+4:], uint16(phnum))
	w.order.PutUint16(buf[off+6:], uint16(shentsize))
}

//nolint:gosec // small test values
func (w *elfWriter) phdr(b []byte, typ uint32, off, filesz uint64) {
	w.order.PutUint32(b[0:], typ)
	if w.is64 {
		w.order.PutUint32(b[4:], 5)
		w.order.PutUint64(b[8:], off)
		w.order.PutUint64(b[16:], 0x400000)
		w.order.PutUint64(b[24:], 0x400000)
		w.order.PutUint64(b[32:], filesz)
		w.order.PutUint64(b[40:], filesz)
		w.order.PutUint64(b[48:], 0x1000)
		return
	}
	w.order.PutUint32(b[4:], uint32(off))
	w.order.PutUint32(b[8:], 0x400000)
	w.order.PutUint32(b[12:], 0x400000)
	w.order.PutUint32(b[16:], uint32(filesz))
	w.order.PutUint32(b[20:], uint32(filesz))
	w.order.PutUint32(b[24:], 5)
	w.order.PutUint32(b[28:], 0x1000)
}

//nolint:gosec // small test values
func (w *elfWriter) shdr(b []byte, name, typ uint32, off, size uint64) {
	w.order.PutUint32(b[0:], name)
	w.order.PutUint32(b[4:], typ)
	if w.is64 {
		w.order.PutUint64(b[24:], off)
		w.order.PutUint64(b[32:], size)
		w.order.PutUint64(b[48:], 1)
		return
	}
	w.order.PutUint32(b[16:], uint32(off))
	w.order.PutUint32(b[20:], uint32(size))
	w.order.PutUint32(b[32:], 1)
}

func u64(v int) uint64 {
	return uint64(v) //nolint:gosec // test offsets are non-negative
}
