package appbundle

import "log/slog"

// DefaultMaxFileSize is the ReadFile limit used when WithMaxFileSize is not
// given.
const DefaultMaxFileSize = 64 << 20

// Option configures a Bundle.
type Option func(*Bundle)

// WithLogger sets the logger used by the bundle and its archive reader.
// By default records go to the process-wide logging handler.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bundle) {
		b.logger = logger
	}
}

// WithCacheSize sets the number of decompressed metadata blocks (SquashFS)
// or parsed directories (ISO 9660) kept in memory.
func WithCacheSize(n int) Option {
	return func(b *Bundle) {
		b.cacheSize = n
	}
}

// WithFragmentCacheSize sets the number of decompressed SquashFS fragment
// blocks kept in memory.
func WithFragmentCacheSize(n int) Option {
	return func(b *Bundle) {
		b.fragCacheSize = n
	}
}

// WithMaxDecoderMemory limits the memory used by the zstd decoder.
// Set limit to 0 to disable the limit.
func WithMaxDecoderMemory(limit uint64) Option {
	return func(b *Bundle) {
		b.maxDecoderMemory = limit
	}
}

// WithMaxFileSize limits the size of files returned by ReadFile.
// Set limit to 0 to disable the limit.
func WithMaxFileSize(limit uint64) Option {
	return func(b *Bundle) {
		b.maxFileSize = limit
	}
}

// ExtractOption configures ExtractFile and ExtractTree.
type ExtractOption func(*extractConfig)

type extractConfig struct {
	overwrite     bool
	preserveMode  bool
	preserveTimes bool
	progress      func(ExtractProgress)
}

func newExtractConfig(opts []ExtractOption) extractConfig {
	cfg := extractConfig{
		overwrite:    true,
		preserveMode: true,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// ExtractWithOverwrite controls whether existing destination files and
// symlinks are replaced. By default they are, so repeated extraction
// converges on the same output. When disabled, existing paths are skipped.
func ExtractWithOverwrite(overwrite bool) ExtractOption {
	return func(c *extractConfig) {
		c.overwrite = overwrite
	}
}

// ExtractWithPreserveMode applies archive permission bits to extracted
// files and directories (default: true).
func ExtractWithPreserveMode(preserve bool) ExtractOption {
	return func(c *extractConfig) {
		c.preserveMode = preserve
	}
}

// ExtractWithPreserveTimes applies archive modification times to extracted
// files (default: false).
func ExtractWithPreserveTimes(preserve bool) ExtractOption {
	return func(c *extractConfig) {
		c.preserveTimes = preserve
	}
}

// ExtractWithProgress registers fn to be called after each member is
// handled. fn runs on the extracting goroutine.
func ExtractWithProgress(fn func(ExtractProgress)) ExtractOption {
	return func(c *extractConfig) {
		c.progress = fn
	}
}
