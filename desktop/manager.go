// Package desktop installs and removes the desktop metadata of application
// bundles: menu entries, icons, MIME packages and thumbnails under the XDG
// data and cache directories.
//
// Every file written for a bundle is recorded in a CBOR manifest before it
// is created, so Unintegrate can remove a partial integration left behind
// by a crash or a failed call. Operations on one bundle identity are
// serialized by an advisory lock on the manifest.
package desktop

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/meigma/appbundle"
	"github.com/meigma/appbundle/logging"
)

// State is the integration state of a bundle.
type State int

// State values.
const (
	// NotIntegrated means no manifest exists for the bundle.
	NotIntegrated State = iota
	// Integrated means the manifest matches the bundle's current content.
	Integrated
	// StaleIntegrated means a manifest exists but the bundle changed since,
	// or a previous integration did not complete.
	StaleIntegrated
)

func (s State) String() string {
	switch s {
	case NotIntegrated:
		return "not integrated"
	case Integrated:
		return "integrated"
	case StaleIntegrated:
		return "stale"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Fault points between the phases of Integrate.
const (
	faultResourcesWritten = "resources-written"
	faultManifestWritten  = "manifest-written"
)

// Manager integrates bundles into one pair of XDG directories.
// A Manager is safe for concurrent use.
type Manager struct {
	dataHome   string
	cacheHome  string
	vendor     string
	thumbnails bool
	logger     *slog.Logger

	now func() time.Time
	// fault, when set, is called at each fault point; a non-nil result
	// aborts Integrate there.
	fault func(point string) error
}

// New creates a Manager.
func New(opts ...Option) (*Manager, error) {
	m := &Manager{
		vendor:     DefaultVendorPrefix,
		thumbnails: true,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}

	var err error
	if m.dataHome == "" {
		if m.dataHome, err = xdgDir("XDG_DATA_HOME", ".local/share"); err != nil {
			return nil, err
		}
	}
	if m.cacheHome == "" {
		if m.cacheHome, err = xdgDir("XDG_CACHE_HOME", ".cache"); err != nil {
			return nil, err
		}
	}
	if m.dataHome, err = filepath.Abs(m.dataHome); err != nil {
		return nil, err
	}
	if m.cacheHome, err = filepath.Abs(m.cacheHome); err != nil {
		return nil, err
	}
	if m.vendor == "" || Sanitize(m.vendor) != m.vendor {
		return nil, fmt.Errorf("vendor prefix %q: %w", m.vendor, appbundle.ErrInvalidParameter)
	}
	for _, dir := range []string{m.dataHome, m.cacheHome} {
		if info, err := os.Stat(dir); err == nil && !info.IsDir() {
			return nil, &fs.PathError{Op: "desktop", Path: dir, Err: fmt.Errorf("not a directory: %w", appbundle.ErrInvalidParameter)}
		}
	}
	return m, nil
}

// xdgDir returns the directory named by env, or fallback below $HOME when
// env is unset or relative.
func xdgDir(env, fallback string) (string, error) {
	if v := os.Getenv(env); v != "" && filepath.IsAbs(v) {
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", env, err)
	}
	return filepath.Join(home, filepath.FromSlash(fallback)), nil
}

// DataHome returns the data directory the Manager writes to.
func (m *Manager) DataHome() string { return m.dataHome }

// CacheHome returns the cache directory thumbnails are written to.
func (m *Manager) CacheHome() string { return m.cacheHome }

func (m *Manager) log() *slog.Logger {
	if m.logger != nil {
		return m.logger
	}
	return logging.Logger()
}

func (m *Manager) inject(point string) error {
	if m.fault == nil {
		return nil
	}
	return m.fault(point)
}

// Identifier returns the identity of the bundle at path: the hex MD5 of
// its file URI, as used for freedesktop thumbnails.
func Identifier(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("bundle identity: empty path: %w", appbundle.ErrInvalidParameter)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	sum := md5.Sum([]byte("file://" + abs))
	return hex.EncodeToString(sum[:]), nil
}

func (m *Manager) lock(id string, exclusive bool) (func(), error) {
	return lockFile(filepath.Join(m.dataHome, "appbundle", "manifests", id+".lock"), exclusive)
}

// Status reports the integration state of b.
func (m *Manager) Status(b *appbundle.Bundle) (State, error) {
	if b == nil {
		return NotIntegrated, fmt.Errorf("status: nil bundle: %w", appbundle.ErrInvalidParameter)
	}
	id, err := Identifier(b.Path())
	if err != nil {
		return NotIntegrated, err
	}
	unlock, err := m.lock(id, false)
	if err != nil {
		return NotIntegrated, err
	}
	defer unlock()

	man, err := m.loadManifest(id)
	if err != nil || man == nil {
		return NotIntegrated, err
	}
	fp, err := b.Fingerprint()
	if err != nil {
		return NotIntegrated, err
	}
	if man.Pending || man.Fingerprint != fingerprintDigest(fp) {
		return StaleIntegrated, nil
	}
	return Integrated, nil
}

// IsIntegrated reports whether b is integrated at its current content.
func (m *Manager) IsIntegrated(b *appbundle.Bundle) (bool, error) {
	s, err := m.Status(b)
	return s == Integrated, err
}

// Integrate installs the desktop metadata of b.
//
// Integrating an unchanged bundle writes nothing. When the bundle changed
// since it was integrated, the new resource set is written first and the
// files it no longer includes are removed afterwards. A failure after
// files were written returns an error matching appbundle.ErrOperationFailed
// and leaves a manifest from which Unintegrate removes everything.
func (m *Manager) Integrate(b *appbundle.Bundle) error {
	if b == nil {
		return fmt.Errorf("integrate: nil bundle: %w", appbundle.ErrInvalidParameter)
	}
	id, err := Identifier(b.Path())
	if err != nil {
		return err
	}
	unlock, err := m.lock(id, true)
	if err != nil {
		return err
	}
	defer unlock()

	old, err := m.loadManifest(id)
	if err != nil {
		return err
	}
	fp, err := b.Fingerprint()
	if err != nil {
		return err
	}
	want := fingerprintDigest(fp)
	if old != nil && !old.Pending && old.Fingerprint == want {
		if len(old.Obsolete) == 0 {
			m.log().Debug("bundle already integrated", "path", b.Path(), "id", id)
			return nil
		}
		return m.dropObsolete(id, old)
	}

	staging, err := os.MkdirTemp("", "appbundle-integrate-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(staging)

	c := &collector{
		m:       m,
		b:       b,
		ed:      editor{bundlePath: b.Path(), vendor: m.vendor, id: id},
		staging: staging,
	}
	set, err := c.collect()
	if err != nil {
		return fmt.Errorf("integrate %s: %w", b.Path(), err)
	}
	fresh := resourcesOf(set)

	var prev []Resource
	if old != nil {
		prev = old.all()
	}
	man := &Manifest{
		Version:     ManifestVersion,
		BundlePath:  b.Path(),
		Fingerprint: want,
		Resources:   union(prev, fresh),
		Pending:     true,
		InstalledAt: m.now().UTC().Truncate(time.Second),
	}
	if err := m.storeManifest(id, man); err != nil {
		return fmt.Errorf("integrate %s: write manifest: %w", b.Path(), err)
	}

	failed := func(err error) error {
		return fmt.Errorf("integrate %s: %w: %w", b.Path(), appbundle.ErrOperationFailed, err)
	}
	for _, s := range set {
		if err := s.write(); err != nil {
			return failed(&fs.PathError{Op: "write", Path: s.Path, Err: err})
		}
		m.log().Debug("installed resource", "kind", string(s.Kind), "path", s.Path)
	}
	if err := m.inject(faultResourcesWritten); err != nil {
		return failed(err)
	}

	man.Resources = fresh
	man.Obsolete = subtract(prev, fresh)
	man.Pending = false
	if err := m.storeManifest(id, man); err != nil {
		return failed(err)
	}
	if err := m.inject(faultManifestWritten); err != nil {
		return failed(err)
	}
	if err := m.dropObsolete(id, man); err != nil {
		return err
	}

	m.log().Info("integrated bundle", "path", b.Path(), "id", id, "resources", len(fresh))
	return nil
}

// dropObsolete removes the manifest's obsolete resources and records the
// result.
func (m *Manager) dropObsolete(id string, man *Manifest) error {
	if len(man.Obsolete) == 0 {
		return nil
	}
	remaining, rmErr := m.remove(man.Obsolete)
	man.Obsolete = remaining
	if err := m.storeManifest(id, man); err != nil {
		rmErr = errors.Join(rmErr, err)
	}
	if rmErr != nil {
		return fmt.Errorf("remove obsolete resources: %w: %w", appbundle.ErrOperationFailed, rmErr)
	}
	return nil
}

// remove deletes the given resources, treating absent files as removed.
// It returns the resources that could not be removed.
func (m *Manager) remove(rs []Resource) ([]Resource, error) {
	var (
		remaining []Resource
		errs      []error
	)
	for _, r := range rs {
		if !m.owns(r.Path) {
			m.log().Warn("ignoring resource outside managed directories", "path", r.Path)
			continue
		}
		err := os.Remove(r.Path)
		if err == nil || errors.Is(err, fs.ErrNotExist) {
			m.log().Debug("removed resource", "kind", string(r.Kind), "path", r.Path)
			continue
		}
		remaining = append(remaining, r)
		errs = append(errs, err)
	}
	return remaining, errors.Join(errs...)
}

// owns reports whether p lies below the data or cache directory.
func (m *Manager) owns(p string) bool {
	for _, root := range []string{m.dataHome, m.cacheHome} {
		rel, err := filepath.Rel(root, p)
		if err != nil || filepath.IsAbs(rel) {
			continue
		}
		if rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// Unintegrate removes every resource installed for b and then its
// manifest. Unintegrating a bundle that is not integrated succeeds.
func (m *Manager) Unintegrate(b *appbundle.Bundle) error {
	if b == nil {
		return fmt.Errorf("unintegrate: nil bundle: %w", appbundle.ErrInvalidParameter)
	}
	return m.UnintegratePath(b.Path())
}

// UnintegratePath is Unintegrate for a bundle path, which need not exist
// anymore.
func (m *Manager) UnintegratePath(path string) error {
	id, err := Identifier(path)
	if err != nil {
		return err
	}
	unlock, err := m.lock(id, true)
	if err != nil {
		return err
	}
	defer unlock()

	man, err := m.loadManifest(id)
	if err != nil {
		return err
	}
	if man == nil {
		m.log().Debug("bundle not integrated", "path", path, "id", id)
		return nil
	}

	remaining, rmErr := m.remove(man.all())
	if rmErr != nil {
		man.Resources = remaining
		man.Obsolete = nil
		man.Pending = true
		if err := m.storeManifest(id, man); err != nil {
			rmErr = errors.Join(rmErr, err)
		}
		return fmt.Errorf("unintegrate %s: %w: %w", path, appbundle.ErrOperationFailed, rmErr)
	}
	if err := os.Remove(m.manifestPath(id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("unintegrate %s: %w: %w", path, appbundle.ErrOperationFailed, err)
	}

	m.log().Info("unintegrated bundle", "path", path, "id", id)
	return nil
}
