package sizing

import (
	"bytes"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errOverflow = errors.New("overflow")

func TestAddUint64(t *testing.T) {
	t.Parallel()

	sum, ok := AddUint64(1, 2)
	assert.True(t, ok)
	assert.Equal(t, uint64(3), sum)

	_, ok = AddUint64(math.MaxUint64, 1)
	assert.False(t, ok)
}

func TestMulUint64(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		a, b uint64
		want uint64
		ok   bool
	}{
		{"zero", 0, math.MaxUint64, 0, true},
		{"small", 64, 29, 1856, true},
		{"max", math.MaxUint64, 1, math.MaxUint64, true},
		{"overflow", math.MaxUint64/2 + 1, 2, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := MulUint64(tt.a, tt.b)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEnd(t *testing.T) {
	t.Parallel()

	end, ok := End(10, 20, 30)
	assert.True(t, ok)
	assert.Equal(t, uint64(30), end)

	_, ok = End(10, 21, 30)
	assert.False(t, ok)

	_, ok = End(math.MaxUint64, 1, math.MaxUint64)
	assert.False(t, ok)
}

func TestToInt64(t *testing.T) {
	t.Parallel()

	v, err := ToInt64(42, errOverflow)
	require.NoError(t, err)
	assert.Equal(t, int64(42), v)

	_, err = ToInt64(math.MaxUint64, errOverflow)
	assert.ErrorIs(t, err, errOverflow)
}

func TestReadAllWithLimit(t *testing.T) {
	t.Parallel()

	data, err := ReadAllWithLimit(bytes.NewReader([]byte("abc")), 3, errOverflow)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), data)

	_, err = ReadAllWithLimit(bytes.NewReader([]byte("abcd")), 3, errOverflow)
	assert.ErrorIs(t, err, errOverflow)
}
