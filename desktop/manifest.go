package desktop

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/opencontainers/go-digest"
)

// ManifestVersion is the schema version written by this package.
const ManifestVersion = 1

// fingerprintAlgorithm qualifies bundle fingerprints stored in manifests.
const fingerprintAlgorithm digest.Algorithm = "md5"

// ResourceKind classifies installed files.
type ResourceKind string

// ResourceKind values.
const (
	ResourceDesktopEntry ResourceKind = "desktop-entry"
	ResourceIcon         ResourceKind = "icon"
	ResourceMimePackage  ResourceKind = "mime-package"
	ResourceThumbnail    ResourceKind = "thumbnail"
)

// Resource is one file installed for a bundle.
type Resource struct {
	Kind ResourceKind `cbor:"kind"`
	Path string       `cbor:"path"`
}

// Manifest records the files installed for one bundle identity.
//
// While Pending is set, Resources lists every file that may exist on disk:
// the previous set, the set being written and anything still obsolete.
// Obsolete holds files of a superseded integration awaiting removal.
type Manifest struct {
	Version     int           `cbor:"version"`
	BundlePath  string        `cbor:"bundle_path"`
	Fingerprint digest.Digest `cbor:"fingerprint"`
	Resources   []Resource    `cbor:"resources"`
	Obsolete    []Resource    `cbor:"obsolete,omitempty"`
	Pending     bool          `cbor:"pending,omitempty"`
	InstalledAt time.Time     `cbor:"installed_at"`
}

var (
	manifestEnc cbor.EncMode
	manifestDec cbor.DecMode
)

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeUnix
	manifestEnc, err = encOptions.EncMode()
	if err != nil {
		panic("desktop: CBOR encoder initialization failed: " + err.Error())
	}

	manifestDec, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("desktop: CBOR decoder initialization failed: " + err.Error())
	}
}

// fingerprintDigest qualifies a hex MD5 fingerprint.
func fingerprintDigest(hex string) digest.Digest {
	return digest.NewDigestFromEncoded(fingerprintAlgorithm, hex)
}

// all returns Resources followed by Obsolete.
func (m *Manifest) all() []Resource {
	return union(m.Resources, m.Obsolete)
}

// union returns the resources of every set in order, without duplicate
// paths.
func union(sets ...[]Resource) []Resource {
	seen := make(map[string]bool)
	var out []Resource
	for _, set := range sets {
		for _, r := range set {
			if seen[r.Path] {
				continue
			}
			seen[r.Path] = true
			out = append(out, r)
		}
	}
	return out
}

// subtract returns the resources of a whose paths are not in b.
func subtract(a, b []Resource) []Resource {
	var out []Resource
	for _, r := range a {
		if !slices.ContainsFunc(b, func(o Resource) bool { return o.Path == r.Path }) {
			out = append(out, r)
		}
	}
	return out
}

func encodeManifest(m *Manifest) ([]byte, error) {
	return manifestEnc.Marshal(m)
}

func decodeManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := manifestDec.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrManifest, err)
	}
	if m.Version != ManifestVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrManifest, m.Version)
	}
	if m.Fingerprint.Algorithm() != fingerprintAlgorithm {
		return nil, fmt.Errorf("%w: unexpected fingerprint %q", ErrManifest, m.Fingerprint)
	}
	return &m, nil
}

func (m *Manager) manifestPath(id string) string {
	return filepath.Join(m.dataHome, "appbundle", "manifests", id+".cbor")
}

// loadManifest returns the stored manifest for id, or nil if there is none.
func (m *Manager) loadManifest(id string) (*Manifest, error) {
	data, err := os.ReadFile(m.manifestPath(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeManifest(data)
}

func (m *Manager) storeManifest(id string, man *Manifest) error {
	data, err := encodeManifest(man)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	return writeFile(m.manifestPath(id), data, 0o644)
}

// Manifest returns the stored manifest for the bundle at path, or nil if
// the bundle is not integrated.
func (m *Manager) Manifest(path string) (*Manifest, error) {
	id, err := Identifier(path)
	if err != nil {
		return nil, err
	}
	unlock, err := m.lock(id, false)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return m.loadManifest(id)
}
