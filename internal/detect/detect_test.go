package detect

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/appbundle/internal/testutil"
)

func isoHeader() []byte {
	b := make([]byte, ISOMagicOffset+2048)
	b[ISOMagicOffset-1] = 1
	copy(b[ISOMagicOffset:], "CD001")
	return b
}

func TestDetect(t *testing.T) {
	t.Parallel()

	stub := bytes.Repeat([]byte{0xaa}, 100)

	tests := []struct {
		name   string
		data   []byte
		offset int64
		want   Format
	}{
		{"squashfs at offset", testutil.Concat(stub, []byte("hsqs"), make([]byte, 92)), 100, Modern},
		{"squashfs at zero", testutil.Concat([]byte("hsqs"), make([]byte, 92)), 0, Modern},
		{"big endian squashfs", testutil.Concat(stub, []byte("sqsh"), make([]byte, 92)), 100, Unsupported},
		{"iso at offset", testutil.Concat(stub, isoHeader()), 100, Legacy},
		{"iso at zero", isoHeader(), 0, Legacy},
		{"magic at wrong offset", testutil.Concat(stub, []byte("xhsqs")), 100, Unsupported},
		{"empty payload", stub, 100, Unsupported},
		{"short payload", testutil.Concat(stub, []byte("hs")), 100, Unsupported},
		{"iso truncated before magic", testutil.Concat(stub, isoHeader()[:ISOMagicOffset+3]), 100, Unsupported},
		{"offset beyond size", stub, 200, Unsupported},
		{"random bytes", testutil.Concat(stub, bytes.Repeat([]byte{0x5a}, 40000)), 100, Unsupported},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := Detect(testutil.NewByteSource(tt.data), int64(len(tt.data)), tt.offset)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDetectReadError(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	_, err := Detect(testutil.FailingReaderAt{Err: boom}, 1<<20, 100)
	require.ErrorIs(t, err, boom)
}

func TestIsISO(t *testing.T) {
	t.Parallel()

	ok, err := IsISO(testutil.NewByteSource(isoHeader()), int64(len(isoHeader())), 0)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = IsISO(testutil.NewByteSource([]byte("short")), 5, 0)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFormatString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "squashfs", Modern.String())
	assert.Equal(t, "iso9660", Legacy.String())
	assert.Equal(t, "unsupported", Unsupported.String())
}
