package desktop

import "log/slog"

// DefaultVendorPrefix namespaces every installed file name.
const DefaultVendorPrefix = "appimagekit"

// Option configures a Manager.
type Option func(*Manager)

// WithDataHome sets the XDG data directory that receives desktop entries,
// icons, MIME packages and manifests. Defaults to $XDG_DATA_HOME or
// $HOME/.local/share.
func WithDataHome(dir string) Option {
	return func(m *Manager) {
		m.dataHome = dir
	}
}

// WithCacheHome sets the XDG cache directory that receives thumbnails.
// Defaults to $XDG_CACHE_HOME or $HOME/.cache.
func WithCacheHome(dir string) Option {
	return func(m *Manager) {
		m.cacheHome = dir
	}
}

// WithVendorPrefix sets the prefix used for installed file names and icon
// identifiers.
func WithVendorPrefix(prefix string) Option {
	return func(m *Manager) {
		m.vendor = prefix
	}
}

// WithThumbnails enables or disables thumbnail generation. Enabled by
// default.
func WithThumbnails(enabled bool) Option {
	return func(m *Manager) {
		m.thumbnails = enabled
	}
}

// WithLogger sets the logger for integration operations.
// By default records go to the process-wide logging handler.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}
