package appbundle

import (
	"crypto/md5" //nolint:gosec // reference digest
	"encoding/hex"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/appbundle/internal/testutil"
)

func md5File(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	sum := md5.Sum(data) //nolint:gosec // reference digest
	return hex.EncodeToString(sum[:])
}

func TestBundle_Fingerprint(t *testing.T) {
	t.Parallel()
	for name, path := range fixtures(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			b, err := Open(path)
			require.NoError(t, err)
			defer b.Close()

			sum, err := b.Fingerprint()
			require.NoError(t, err)
			assert.Len(t, sum, FingerprintLen)
			assert.Equal(t, md5File(t, path), sum)

			direct, err := FingerprintFile(path)
			require.NoError(t, err)
			assert.Equal(t, sum, direct)
		})
	}
}

func TestBundle_FingerprintTracksFileChanges(t *testing.T) {
	t.Parallel()
	path, _ := testutil.ModernBundle(t, testutil.AppDir(t), testutil.SquashFSOptions{})
	b, err := Open(path)
	require.NoError(t, err)
	defer b.Close()

	first, err := b.Fingerprint()
	require.NoError(t, err)
	again, err := b.Fingerprint()
	require.NoError(t, err)
	assert.Equal(t, first, again)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
	require.NoError(t, err)
	_, err = f.Write([]byte("trailer"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	changed, err := b.Fingerprint()
	require.NoError(t, err)
	assert.NotEqual(t, first, changed)
	assert.Equal(t, md5File(t, path), changed)
}

func TestFingerprintContentSensitive(t *testing.T) {
	t.Parallel()
	a, _ := testutil.ModernBundle(t, []testutil.Entry{testutil.File("f", "one")}, testutil.SquashFSOptions{})
	b, _ := testutil.ModernBundle(t, []testutil.Entry{testutil.File("f", "two")}, testutil.SquashFSOptions{})

	sumA, err := FingerprintFile(a)
	require.NoError(t, err)
	sumB, err := FingerprintFile(b)
	require.NoError(t, err)
	assert.NotEqual(t, sumA, sumB)
}

func TestFingerprintEmptyAndLarge(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	empty := filepath.Join(dir, "empty")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))
	sum, err := FingerprintFile(empty)
	require.NoError(t, err)
	assert.Equal(t, "d41d8cd98f00b204e9800998ecf8427e", sum)

	large := filepath.Join(dir, "large")
	data := make([]byte, 3*4096+17)
	for i := range data {
		data[i] = byte(i * 31)
	}
	require.NoError(t, os.WriteFile(large, data, 0o644))
	sum, err = FingerprintFile(large)
	require.NoError(t, err)
	assert.Equal(t, md5File(t, large), sum)

	_, err = FingerprintFile(filepath.Join(dir, "missing"))
	require.ErrorIs(t, err, fs.ErrNotExist)
}
