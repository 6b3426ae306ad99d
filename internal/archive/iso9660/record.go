package iso9660

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/meigma/appbundle/internal/archive"
)

// Directory record flags.
const (
	flagHidden      = 0x01
	flagDirectory   = 0x02
	flagAssociated  = 0x04
	flagMultiExtent = 0x80
)

const minRecordSize = 34

// record is a decoded directory record.
type record struct {
	extent uint32
	size   uint32
	flags  uint8
	name   string // raw identifier
	mtime  time.Time
	system []byte // system use area
}

// parseRecord decodes the directory record at the start of b, which must
// hold at least b[0] bytes.
func parseRecord(b []byte) (*record, error) {
	n := int(b[0])
	if n < minRecordSize || n > len(b) {
		return nil, fmt.Errorf("%w: directory record length %d", archive.ErrCorrupt, n)
	}
	nameLen := int(b[32])
	if 33+nameLen > n {
		return nil, fmt.Errorf("%w: directory record name length %d", archive.ErrCorrupt, nameLen)
	}
	rec := &record{
		extent: binary.LittleEndian.Uint32(b[2:]),
		size:   binary.LittleEndian.Uint32(b[10:]),
		flags:  b[25],
		name:   string(b[33 : 33+nameLen]),
		mtime:  recordTime(b[18:25]),
	}
	sysStart := 33 + nameLen
	if nameLen%2 == 0 {
		sysStart++
	}
	if sysStart < n {
		rec.system = b[sysStart:n]
	}
	return rec, nil
}

func (r *record) isDir() bool { return r.flags&flagDirectory != 0 }

// isSelf reports the "." and ".." records.
func (r *record) isSelf() bool {
	return r.name == "\x00" || r.name == "\x01"
}

// recordTime decodes the seven-byte directory record timestamp.
func recordTime(b []byte) time.Time {
	if b[0] == 0 && b[1] == 0 && b[2] == 0 {
		return time.Time{}
	}
	offset := int(int8(b[6])) * 15 * 60
	zone := time.UTC
	if offset != 0 {
		zone = time.FixedZone("", offset)
	}
	return time.Date(1900+int(b[0]), time.Month(b[1]), int(b[2]), int(b[3]), int(b[4]), int(b[5]), 0, zone).UTC()
}

// isoName converts an ISO 9660 identifier to a plain file name: the
// version suffix and a trailing dot are removed.
func isoName(id string) string {
	if i := strings.LastIndexByte(id, ';'); i >= 0 {
		id = id[:i]
	}
	return strings.TrimSuffix(id, ".")
}
