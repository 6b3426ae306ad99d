package testutil

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
	"strings"
	"testing"
	"time"
)

// ISOOptions controls BuildISO.
type ISOOptions struct {
	// RockRidge adds SUSP/Rock Ridge entries (SP, PX, NM, SL).
	RockRidge bool
	// Continuation moves NM and SL entries into CE continuation areas.
	Continuation bool
	// SystemArea is copied into the first 16 sectors, where a type-1
	// bundle keeps its ELF stub.
	SystemArea []byte
	// ModTime is used for entries without one; defaults to 2024-01-01.
	ModTime time.Time
}

const isoSector = 2048

// BuildISO assembles an ISO 9660 image containing entries. Missing parent
// directories are created.
func BuildISO(tb testing.TB, entries []Entry, opts ISOOptions) []byte {
	tb.Helper()
	if opts.ModTime.IsZero() {
		opts.ModTime = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	if len(opts.SystemArea) > 16*isoSector {
		tb.Fatalf("system area of %d bytes does not fit", len(opts.SystemArea))
	}
	b := &isoBuilder{tb: tb, opts: opts, ids: map[*node]string{}, extent: map[*node]uint32{}, size: map[*node]uint32{}}
	return b.build(buildTree(entries, opts.ModTime))
}

type isoBuilder struct {
	tb   testing.TB
	opts ISOOptions

	ids    map[*node]string
	extent map[*node]uint32
	size   map[*node]uint32

	next   uint32 // next free sector
	ceBase uint32
}

func (b *isoBuilder) build(root *node) []byte {
	b.assignIDs(root)

	// Directories in breadth-first order as the path table requires.
	dirs := []*node{root}
	for i := 0; i < len(dirs); i++ {
		for _, c := range b.sortedChildren(dirs[i]) {
			if c.entry.Kind == KindDir {
				dirs = append(dirs, c)
			}
		}
	}
	parentNum := map[*node]int{}
	for i, d := range dirs {
		for _, c := range d.children {
			parentNum[c] = i + 1
		}
	}

	// Extents are not assigned yet; only the table length matters here.
	pathTable := b.pathTable(dirs, parentNum, binary.LittleEndian)
	ptSectors := sectors(len(pathTable))
	b.next = 18
	lPath := b.next
	b.next += ptSectors
	mPath := b.next
	b.next += ptSectors

	// Directory sizes depend only on record lengths, so they are fixed
	// before extents are known.
	for _, d := range dirs {
		b.size[d] = b.dirSize(d, root)
		b.extent[d] = b.next
		b.next += sectors(int(b.size[d]))
	}
	b.ceBase = b.next
	// Reserve continuation sectors: one per child record that needs one.
	if b.continued() {
		for _, d := range dirs {
			b.next += uint32(len(d.children)) //nolint:gosec // small fixture
		}
	}
	walkPre(root, func(n *node) {
		if n.entry.Kind == KindFile {
			b.extent[n] = b.next
			b.size[n] = uint32(len(n.entry.Data)) //nolint:gosec // small fixture
			b.next += sectors(len(n.entry.Data))
		}
	})

	img := make([]byte, int(b.next)*isoSector)
	copy(img, b.opts.SystemArea)
	b.writeDescriptors(img, root, uint32(len(pathTable)), lPath, mPath) //nolint:gosec // small fixture
	copy(img[int(lPath)*isoSector:], b.pathTable(dirs, parentNum, binary.LittleEndian))
	copy(img[int(mPath)*isoSector:], b.pathTable(dirs, parentNum, binary.BigEndian))

	ceNext := b.ceBase
	for _, d := range dirs {
		off := int(b.extent[d]) * isoSector
		recs := b.dirRecords(d, root, &ceNext, img)
		pos := 0
		for _, r := range recs {
			if pos%isoSector+len(r) > isoSector {
				pos = (pos/isoSector + 1) * isoSector
			}
			copy(img[off+pos:], r)
			pos += len(r)
		}
	}
	walkPre(root, func(n *node) {
		if n.entry.Kind == KindFile {
			copy(img[int(b.extent[n])*isoSector:], n.entry.Data)
		}
	})
	return img
}

func sectors(n int) uint32 {
	return uint32((n + isoSector - 1) / isoSector) //nolint:gosec // small fixture
}

// assignIDs gives every node a unique ISO identifier.
func (b *isoBuilder) assignIDs(root *node) {
	walkPre(root, func(n *node) {
		used := map[string]bool{}
		for _, c := range n.children {
			base := isoIdent(c.name)
			id := base
			for i := 1; used[id]; i++ {
				id = fmt.Sprintf("%s%d", base, i)
			}
			used[id] = true
			if c.entry.Kind != KindDir {
				id += ";1"
			}
			b.ids[c] = id
		}
	})
}

func isoIdent(name string) string {
	var sb strings.Builder
	for _, r := range strings.ToUpper(name) {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '.':
			sb.WriteRune(r)
		default:
			sb.WriteByte('_')
		}
	}
	return sb.String()
}

func (b *isoBuilder) sortedChildren(n *node) []*node {
	out := append([]*node(nil), n.children...)
	sort.Slice(out, func(i, j int) bool { return b.ids[out[i]] < b.ids[out[j]] })
	return out
}

func (b *isoBuilder) continued() bool {
	return b.opts.RockRidge && b.opts.Continuation
}

func (b *isoBuilder) pathTable(dirs []*node, parentNum map[*node]int, order binary.ByteOrder) []byte {
	var out []byte
	for i, d := range dirs {
		id := "\x00"
		parent := 1
		if i > 0 {
			id = b.ids[d]
			parent = parentNum[d]
		}
		rec := make([]byte, 8+len(id)+len(id)%2)
		rec[0] = byte(len(id))
		order.PutUint32(rec[2:], b.extent[d])
		order.PutUint16(rec[6:], uint16(parent)) //nolint:gosec // small fixture
		copy(rec[8:], id)
		out = append(out, rec...)
	}
	return out
}

func (b *isoBuilder) writeDescriptors(img []byte, root *node, ptSize, lPath, mPath uint32) {
	pvd := img[16*isoSector : 17*isoSector]
	pvd[0] = 1
	copy(pvd[1:], "CD001")
	pvd[6] = 1
	copy(pvd[8:40], bytes.Repeat([]byte(" "), 32))
	copy(pvd[40:72], fmt.Sprintf("%-32s", "APPBUNDLE"))
	put32both(pvd[80:], b.next)
	put16both(pvd[120:], 1)
	put16both(pvd[124:], 1)
	put16both(pvd[128:], isoSector)
	put32both(pvd[132:], ptSize)
	binary.LittleEndian.PutUint32(pvd[140:], lPath)
	binary.BigEndian.PutUint32(pvd[148:], mPath)
	copy(pvd[156:190], b.record("\x00", root, nil))
	pvd[881] = 1

	term := img[17*isoSector : 18*isoSector]
	term[0] = 255
	copy(term[1:], "CD001")
	term[6] = 1
}

// dirSize computes the byte length of a directory's records, honoring the
// rule that records never cross a sector boundary.
func (b *isoBuilder) dirSize(d, root *node) uint32 {
	var ce uint32
	recs := b.dirRecords(d, root, &ce, nil)
	pos := 0
	for _, r := range recs {
		if pos%isoSector+len(r) > isoSector {
			pos = (pos/isoSector + 1) * isoSector
		}
		pos += len(r)
	}
	return uint32(pos) //nolint:gosec // small fixture
}

// dirRecords encodes "." and ".." followed by the children of d. When img
// is non-nil continuation areas are written into it.
func (b *isoBuilder) dirRecords(d, root *node, ceNext *uint32, img []byte) [][]byte {
	parent := root
	walkPre(root, func(n *node) {
		for _, c := range n.children {
			if c == d {
				parent = n
			}
		}
	})

	var selfSU []byte
	if b.opts.RockRidge {
		if d == root {
			selfSU = append(selfSU, "SP\x07\x01\xbe\xef\x00"...)
		}
		selfSU = append(selfSU, b.px(d.entry)...)
	}
	recs := [][]byte{b.record("\x00", d, selfSU), b.record("\x01", parent, nil)}

	for _, c := range b.sortedChildren(d) {
		var su []byte
		if b.opts.RockRidge {
			su = append(su, b.px(c.entry)...)
			rr := append(nm(c.name), sl(c.entry)...)
			if b.continued() {
				blk := *ceNext
				*ceNext++
				if img != nil {
					copy(img[int(blk)*isoSector:], rr)
				}
				ce := make([]byte, 28)
				copy(ce, "CE\x1c\x01")
				put32both(ce[4:], blk)
				put32both(ce[12:], 0)
				put32both(ce[20:], uint32(len(rr))) //nolint:gosec // small fixture
				su = append(su, ce...)
			} else {
				su = append(su, rr...)
			}
		}
		recs = append(recs, b.record(b.ids[c], c, su))
	}
	return recs
}

func (b *isoBuilder) record(id string, n *node, su []byte) []byte {
	length := 33 + len(id)
	if len(id)%2 == 0 {
		length++
	}
	length += len(su)
	if length > 255 {
		b.tb.Fatalf("directory record for %q is %d bytes", n.path, length)
	}
	rec := make([]byte, length)
	rec[0] = byte(length)
	put32both(rec[2:], b.extent[n])
	put32both(rec[10:], b.size[n])
	t := n.entry.ModTime.UTC()
	rec[18] = byte(t.Year() - 1900)
	rec[19] = byte(t.Month())
	rec[20] = byte(t.Day())
	rec[21] = byte(t.Hour())
	rec[22] = byte(t.Minute())
	rec[23] = byte(t.Second())
	if n.entry.Kind == KindDir {
		rec[25] = 0x02
	}
	put16both(rec[28:], 1)
	rec[32] = byte(len(id))
	copy(rec[33:], id)
	copy(rec[length-len(su):], su)
	return rec
}

func (b *isoBuilder) px(e Entry) []byte {
	mode := uint32(e.Perm & 0o7777)
	switch e.Kind {
	case KindDir:
		mode |= 0o040000
	case KindSymlink:
		mode |= 0o120000
	case KindFifo:
		mode |= 0o010000
	default:
		mode |= 0o100000
	}
	out := make([]byte, 44)
	copy(out, "PX\x2c\x01")
	put32both(out[4:], mode)
	put32both(out[12:], 1)
	put32both(out[20:], e.UID)
	put32both(out[28:], e.GID)
	return out
}

func nm(name string) []byte {
	out := []byte{'N', 'M', byte(5 + len(name)), 1, 0}
	return append(out, name...)
}

func sl(e Entry) []byte {
	if e.Kind != KindSymlink {
		return nil
	}
	var comps []byte
	if strings.HasPrefix(e.Target, "/") {
		comps = append(comps, 0x08, 0)
	}
	for _, part := range strings.Split(e.Target, "/") {
		switch part {
		case "":
		case ".":
			comps = append(comps, 0x02, 0)
		case "..":
			comps = append(comps, 0x04, 0)
		default:
			comps = append(comps, 0, byte(len(part)))
			comps = append(comps, part...)
		}
	}
	out := []byte{'S', 'L', byte(5 + len(comps)), 1, 0}
	return append(out, comps...)
}

func put16both(b []byte, v uint16) {
	binary.LittleEndian.PutUint16(b[0:], v)
	binary.BigEndian.PutUint16(b[2:], v)
}

func put32both(b []byte, v uint32) {
	binary.LittleEndian.PutUint32(b[0:], v)
	binary.BigEndian.PutUint32(b[4:], v)
}
