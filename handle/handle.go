// Package handle exposes bundles through opaque numeric handles and numeric
// result codes, for callers that cannot hold Go values across calls, such
// as a cgo export layer.
//
// Every function is safe for concurrent use. Calls on the same handle are
// serialized. A failing call stores its error in a process-wide slot read
// by LastError; successful calls leave the slot untouched.
package handle

import (
	"fmt"
	"sync"

	"github.com/meigma/appbundle"
	"github.com/meigma/appbundle/desktop"
	"github.com/meigma/appbundle/logging"
)

// ID identifies an open bundle. Zero is never a valid handle.
type ID uint64

// Code is a numeric result code.
type Code = appbundle.Code

// ErrInvalidHandle is recorded for calls on unknown or freed handles.
var ErrInvalidHandle = fmt.Errorf("invalid handle: %w", appbundle.ErrInvalidParameter)

type slot struct {
	mu sync.Mutex
	b  *appbundle.Bundle
}

var handles = struct {
	mu    sync.Mutex
	next  ID
	slots map[ID]*slot
}{slots: make(map[ID]*slot)}

var last = struct {
	mu  sync.Mutex
	err error
}{}

var integration = struct {
	mu sync.Mutex
	m  *desktop.Manager
}{}

// fail records err as the last error and returns its code.
func fail(err error) Code {
	last.mu.Lock()
	last.err = err
	last.mu.Unlock()
	return appbundle.CodeOf(err)
}

// LastError returns the message of the most recent failure, or "".
func LastError() string {
	last.mu.Lock()
	defer last.mu.Unlock()
	if last.err == nil {
		return ""
	}
	return last.err.Error()
}

// LastCode returns the code of the most recent failure, or Success.
func LastCode() Code {
	last.mu.Lock()
	defer last.mu.Unlock()
	return appbundle.CodeOf(last.err)
}

// ClearError empties the last-error slot.
func ClearError() {
	last.mu.Lock()
	last.err = nil
	last.mu.Unlock()
}

// Open opens the bundle at path and returns its handle, or 0 on failure.
func Open(path string) ID {
	b, err := appbundle.Open(path)
	if err != nil {
		fail(err)
		return 0
	}
	handles.mu.Lock()
	defer handles.mu.Unlock()
	handles.next++
	id := handles.next
	handles.slots[id] = &slot{b: b}
	return id
}

// Free closes the bundle and releases the handle.
func Free(id ID) Code {
	handles.mu.Lock()
	s, ok := handles.slots[id]
	delete(handles.slots, id)
	handles.mu.Unlock()
	if !ok {
		return fail(fmt.Errorf("free %d: %w", id, ErrInvalidHandle))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.b.Close(); err != nil {
		return fail(err)
	}
	return appbundle.Success
}

// with runs fn on the bundle behind id while holding the handle's lock.
func with(id ID, op string, fn func(b *appbundle.Bundle) error) Code {
	handles.mu.Lock()
	s, ok := handles.slots[id]
	handles.mu.Unlock()
	if !ok {
		return fail(fmt.Errorf("%s %d: %w", op, id, ErrInvalidHandle))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := fn(s.b); err != nil {
		return fail(err)
	}
	return appbundle.Success
}

// Format returns 0 (unknown), 1 (legacy) or 2 (modern), or -1 for an
// invalid handle.
func Format(id ID) int {
	format := -1
	with(id, "format", func(b *appbundle.Bundle) error {
		format = int(b.Format())
		return nil
	})
	return format
}

// Size returns the bundle size in bytes, or -1 for an invalid handle.
func Size(id ID) int64 {
	size := int64(-1)
	with(id, "size", func(b *appbundle.Bundle) error {
		size = b.Size()
		return nil
	})
	return size
}

// PayloadOffset returns the offset of the appended archive, or -1 for an
// invalid handle.
func PayloadOffset(id ID) int64 {
	off := int64(-1)
	with(id, "payload offset", func(b *appbundle.Bundle) error {
		off = b.PayloadOffset()
		return nil
	})
	return off
}

// Path returns the absolute bundle path, or "" for an invalid handle.
func Path(id ID) string {
	var p string
	with(id, "path", func(b *appbundle.Bundle) error {
		p = b.Path()
		return nil
	})
	return p
}

// Fingerprint writes the bundle's hex fingerprint followed by a NUL byte
// into buf, which must hold at least appbundle.FingerprintLen+1 bytes.
func Fingerprint(id ID, buf []byte) Code {
	if len(buf) < appbundle.FingerprintLen+1 {
		return fail(fmt.Errorf("fingerprint buffer of %d bytes, need %d: %w",
			len(buf), appbundle.FingerprintLen+1, appbundle.ErrInvalidParameter))
	}
	return with(id, "fingerprint", func(b *appbundle.Bundle) error {
		fp, err := b.Fingerprint()
		if err != nil {
			return err
		}
		n := copy(buf, fp)
		buf[n] = 0
		return nil
	})
}

// Files returns the paths of every archive member in walk order.
func Files(id ID) ([]string, Code) {
	var files []string
	code := with(id, "files", func(b *appbundle.Bundle) error {
		return b.Walk(func(e appbundle.Entry) error {
			files = append(files, e.Path)
			return nil
		})
	})
	if code != appbundle.Success {
		return nil, code
	}
	return files, code
}

// ExtractFile extracts the archive member src, following symlinks, to the
// local path dst.
func ExtractFile(id ID, src, dst string) Code {
	return with(id, "extract", func(b *appbundle.Bundle) error {
		return b.ExtractFile(src, dst)
	})
}

// ReadFile returns the contents of the archive member name, following
// symlinks.
func ReadFile(id ID, name string) ([]byte, Code) {
	var data []byte
	code := with(id, "read", func(b *appbundle.Bundle) error {
		var err error
		data, err = b.ReadFile(name)
		return err
	})
	return data, code
}

// IsTerminalApp reports whether the bundle's desktop entry asks for a
// terminal.
func IsTerminalApp(id ID) (bool, Code) {
	var term bool
	code := with(id, "terminal", func(b *appbundle.Bundle) error {
		var err error
		term, err = desktop.IsTerminalApp(b)
		return err
	})
	return term, code
}

// SetIntegrationManager sets the manager used by Integrate, Unintegrate
// and IsIntegrated. A nil m restores the default manager built from the
// XDG environment on first use.
func SetIntegrationManager(m *desktop.Manager) {
	integration.mu.Lock()
	integration.m = m
	integration.mu.Unlock()
}

func integrationManager() (*desktop.Manager, error) {
	integration.mu.Lock()
	defer integration.mu.Unlock()
	if integration.m == nil {
		m, err := desktop.New()
		if err != nil {
			return nil, err
		}
		integration.m = m
	}
	return integration.m, nil
}

func withManager(id ID, op string, fn func(m *desktop.Manager, b *appbundle.Bundle) error) Code {
	m, err := integrationManager()
	if err != nil {
		return fail(err)
	}
	return with(id, op, func(b *appbundle.Bundle) error {
		return fn(m, b)
	})
}

// Integrate installs the bundle's desktop metadata.
func Integrate(id ID) Code {
	return withManager(id, "integrate", func(m *desktop.Manager, b *appbundle.Bundle) error {
		return m.Integrate(b)
	})
}

// Unintegrate removes the bundle's desktop metadata.
func Unintegrate(id ID) Code {
	return withManager(id, "unintegrate", func(m *desktop.Manager, b *appbundle.Bundle) error {
		return m.Unintegrate(b)
	})
}

// IsIntegrated reports whether the bundle is integrated at its current
// content.
func IsIntegrated(id ID) (bool, Code) {
	var ok bool
	code := withManager(id, "is integrated", func(m *desktop.Manager, b *appbundle.Bundle) error {
		var err error
		ok, err = m.IsIntegrated(b)
		return err
	})
	return ok, code
}

// SetLogLevel sets the process-wide log level.
func SetLogLevel(level logging.Level) Code {
	if err := logging.SetLevel(level); err != nil {
		return fail(fmt.Errorf("%w: %w", appbundle.ErrInvalidParameter, err))
	}
	return appbundle.Success
}

// SetLogCallback registers the process-wide log callback. A nil fn
// unregisters it.
func SetLogCallback(fn logging.Callback) Code {
	logging.SetCallback(fn)
	return appbundle.Success
}
