package desktop

import (
	"fmt"

	"github.com/meigma/appbundle"
)

// ReadEntry parses the desktop entry at the root of b's archive without
// editing it.
func ReadEntry(b *appbundle.Bundle) (*Entry, error) {
	if b == nil {
		return nil, fmt.Errorf("read entry: nil bundle: %w", appbundle.ErrInvalidParameter)
	}
	p, err := findDesktopEntry(b)
	if err != nil {
		return nil, err
	}
	data, err := b.ReadFile(p)
	if err != nil {
		return nil, err
	}
	e, err := ParseEntry(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p, err)
	}
	return e, nil
}

// IsTerminalApp reports whether b's desktop entry sets Terminal=true.
func IsTerminalApp(b *appbundle.Bundle) (bool, error) {
	e, err := ReadEntry(b)
	if err != nil {
		return false, err
	}
	v, ok := e.Bool("Terminal")
	return ok && v, nil
}

// ShouldIntegrate reports whether b's desktop entry allows integration.
func ShouldIntegrate(b *appbundle.Bundle) (bool, error) {
	e, err := ReadEntry(b)
	if err != nil {
		return false, err
	}
	return !disabled(e), nil
}

// disabled reports whether the entry opts out of integration.
func disabled(e *Entry) bool {
	if v, ok := e.Bool("X-AppImage-Integrate"); ok && !v {
		return true
	}
	v, ok := e.Bool("NoDisplay")
	return ok && v
}
