package desktop

import (
	"fmt"
	"io/fs"

	"github.com/meigma/appbundle"
)

var (
	// ErrIntegrationDisabled is returned by Integrate when the bundle's
	// desktop entry sets X-AppImage-Integrate=false or NoDisplay=true.
	// It matches appbundle.ErrNotSupported.
	ErrIntegrationDisabled = fmt.Errorf("desktop integration disabled by entry: %w", appbundle.ErrNotSupported)

	// ErrNoDesktopEntry is returned when the archive root holds no
	// *.desktop file. It matches fs.ErrNotExist.
	ErrNoDesktopEntry = fmt.Errorf("no desktop entry in bundle root: %w", fs.ErrNotExist)

	// ErrEntrySyntax is returned for malformed desktop entries.
	ErrEntrySyntax = fmt.Errorf("desktop entry syntax: %w", appbundle.ErrInvalidFormat)

	// ErrManifest is returned when a stored integration manifest cannot be
	// decoded or has an unknown schema version.
	ErrManifest = fmt.Errorf("integration manifest: %w", appbundle.ErrInvalidFormat)
)
