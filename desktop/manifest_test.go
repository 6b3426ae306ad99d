package desktop

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/appbundle"
)

func sampleManifest() *Manifest {
	return &Manifest{
		Version:     ManifestVersion,
		BundlePath:  "/opt/app.AppImage",
		Fingerprint: fingerprintDigest("d41d8cd98f00b204e9800998ecf8427e"),
		Resources: []Resource{
			{Kind: ResourceIcon, Path: "/data/icons/hicolor/48x48/apps/a.png"},
			{Kind: ResourceDesktopEntry, Path: "/data/applications/a.desktop"},
		},
		Obsolete:    []Resource{{Kind: ResourceIcon, Path: "/data/icons/old.png"}},
		InstalledAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestManifest_EncodeDecode(t *testing.T) {
	t.Parallel()

	m := sampleManifest()
	data, err := encodeManifest(m)
	require.NoError(t, err)

	again, err := encodeManifest(m)
	require.NoError(t, err)
	assert.Equal(t, data, again, "encoding is deterministic")

	got, err := decodeManifest(data)
	require.NoError(t, err)
	assert.Equal(t, m.BundlePath, got.BundlePath)
	assert.Equal(t, m.Fingerprint, got.Fingerprint)
	assert.Equal(t, m.Resources, got.Resources)
	assert.Equal(t, m.Obsolete, got.Obsolete)
	assert.False(t, got.Pending)
	assert.True(t, m.InstalledAt.Equal(got.InstalledAt))
	assert.Equal(t, "md5:d41d8cd98f00b204e9800998ecf8427e", got.Fingerprint.String())
}

func TestManifest_DecodeErrors(t *testing.T) {
	t.Parallel()

	wrongVersion := sampleManifest()
	wrongVersion.Version = 99
	v99, err := encodeManifest(wrongVersion)
	require.NoError(t, err)

	wrongDigest := sampleManifest()
	wrongDigest.Fingerprint = "sha256:abcd"
	sha, err := encodeManifest(wrongDigest)
	require.NoError(t, err)

	notMap, err := cbor.Marshal([]int{1, 2, 3})
	require.NoError(t, err)

	tests := []struct {
		name string
		data []byte
	}{
		{"garbage", []byte{0xff, 0x00, 0x13}},
		{"empty", nil},
		{"not a map", notMap},
		{"unknown version", v99},
		{"foreign digest", sha},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := decodeManifest(tt.data)
			require.ErrorIs(t, err, ErrManifest)
			assert.Equal(t, appbundle.CodeInvalidFormat, appbundle.CodeOf(err))
		})
	}
}

func TestUnionSubtract(t *testing.T) {
	t.Parallel()

	a := []Resource{{Kind: ResourceIcon, Path: "/x"}, {Kind: ResourceIcon, Path: "/y"}}
	b := []Resource{{Kind: ResourceIcon, Path: "/y"}, {Kind: ResourceDesktopEntry, Path: "/z"}}

	assert.Equal(t, []Resource{a[0], a[1], b[1]}, union(a, b))
	assert.Equal(t, []Resource{a[0]}, subtract(a, b))
	assert.Nil(t, subtract(a, a))
	assert.Nil(t, union())
}

func TestManager_CorruptManifest(t *testing.T) {
	t.Parallel()

	m := newManager(t)
	path := filepath.Join(t.TempDir(), "gone.AppImage")
	id, err := Identifier(path)
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(filepath.Dir(m.manifestPath(id)), 0o755))
	require.NoError(t, os.WriteFile(m.manifestPath(id), []byte("not cbor"), 0o644))

	_, err = m.Manifest(path)
	require.ErrorIs(t, err, ErrManifest)
	require.ErrorIs(t, m.UnintegratePath(path), ErrManifest)
}
