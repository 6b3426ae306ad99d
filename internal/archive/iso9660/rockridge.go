package iso9660

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/meigma/appbundle/internal/archive"
)

// maxContinuations bounds the CE chain followed for one record.
const maxContinuations = 32

// Rock Ridge file type bits from PX.
const (
	sIFMT  = 0o170000
	sIFDIR = 0o040000
	sIFREG = 0o100000
	sIFLNK = 0o120000
)

// susp holds the Rock Ridge attributes found in one record's system use
// entries.
type susp struct {
	hasPX     bool
	mode      uint32
	uid       uint32
	gid       uint32
	name      string
	hasName   bool
	link      string
	isLink    bool
	child     uint32 // CL: relocated directory extent
	hasChild  bool
	relocated bool // RE: this directory lives elsewhere in the tree
}

// parseSUSP decodes the system use area of a record, following CE
// continuation areas through r.
func (r *Reader) parseSUSP(area []byte) (*susp, error) {
	s := &susp{}
	var name strings.Builder
	var link linkBuilder
	for hop := 0; len(area) > 0; hop++ {
		if hop > maxContinuations {
			return nil, fmt.Errorf("%w: too many Rock Ridge continuation areas", archive.ErrCorrupt)
		}
		if r.suspSkip > 0 && hop == 0 {
			if r.suspSkip > len(area) {
				break
			}
			area = area[r.suspSkip:]
		}
		var next []byte
		for len(area) >= 4 {
			sig := string(area[:2])
			n := int(area[2])
			if n < 4 || n > len(area) {
				// Padding or a malformed tail ends the area.
				break
			}
			body := area[4:n]
			area = area[n:]
			switch sig {
			case "PX":
				if len(body) < 32 {
					return nil, fmt.Errorf("%w: short PX entry", archive.ErrCorrupt)
				}
				s.hasPX = true
				s.mode = binary.LittleEndian.Uint32(body[0:])
				s.uid = binary.LittleEndian.Uint32(body[16:])
				s.gid = binary.LittleEndian.Uint32(body[24:])
			case "NM":
				if len(body) < 1 {
					continue
				}
				flags := body[0]
				if flags&0x06 != 0 {
					// CURRENT or PARENT alias.
					continue
				}
				name.Write(body[1:])
				s.hasName = true
			case "SL":
				if len(body) < 1 {
					continue
				}
				if err := link.add(body[1:]); err != nil {
					return nil, err
				}
				s.isLink = true
			case "CL":
				if len(body) < 8 {
					return nil, fmt.Errorf("%w: short CL entry", archive.ErrCorrupt)
				}
				s.child = binary.LittleEndian.Uint32(body[0:])
				s.hasChild = true
			case "RE":
				s.relocated = true
			case "CE":
				if len(body) < 24 {
					return nil, fmt.Errorf("%w: short CE entry", archive.ErrCorrupt)
				}
				cont, err := r.continuation(
					binary.LittleEndian.Uint32(body[0:]),
					binary.LittleEndian.Uint32(body[8:]),
					binary.LittleEndian.Uint32(body[16:]))
				if err != nil {
					return nil, err
				}
				next = cont
			case "ST":
				area = nil
			}
		}
		area = next
	}
	if s.hasName {
		s.name = name.String()
	}
	if s.isLink {
		s.link = link.String()
	}
	return s, nil
}

// continuation reads a CE continuation area.
func (r *Reader) continuation(block, offset, length uint32) ([]byte, error) {
	if offset >= r.blockSize || length > r.blockSize-offset {
		return nil, fmt.Errorf("%w: continuation area %d+%d", archive.ErrCorrupt, offset, length)
	}
	buf := make([]byte, length)
	if err := r.readAt(buf, uint64(block)*uint64(r.blockSize)+uint64(offset)); err != nil {
		return nil, err
	}
	return buf, nil
}

// linkBuilder assembles an SL target from its component records.
type linkBuilder struct {
	b       strings.Builder
	pending bool // previous component continues
	started bool
}

func (l *linkBuilder) add(comps []byte) error {
	for len(comps) > 0 {
		if len(comps) < 2 || int(comps[1])+2 > len(comps) {
			return fmt.Errorf("%w: malformed SL component", archive.ErrCorrupt)
		}
		flags := comps[0]
		content := comps[2 : 2+int(comps[1])]
		comps = comps[2+int(comps[1]):]

		if l.started && !l.pending && !l.endsWithSlash() {
			l.b.WriteByte('/')
		}
		switch {
		case flags&0x02 != 0:
			l.b.WriteString(".")
		case flags&0x04 != 0:
			l.b.WriteString("..")
		case flags&0x08 != 0:
			l.b.WriteString("/")
		default:
			l.b.Write(content)
		}
		l.started = true
		l.pending = flags&0x01 != 0
	}
	return nil
}

func (l *linkBuilder) endsWithSlash() bool {
	s := l.b.String()
	return len(s) > 0 && s[len(s)-1] == '/'
}

func (l *linkBuilder) String() string { return l.b.String() }
