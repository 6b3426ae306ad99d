package appbundle

import "github.com/meigma/appbundle/internal/detect"

// Format identifies the archive format appended to a bundle.
type Format int

// Format values. The numeric values are part of the public contract.
const (
	FormatUnknown Format = 0
	FormatLegacy  Format = 1
	FormatModern  Format = 2
)

// String returns the format name.
func (f Format) String() string {
	switch f {
	case FormatLegacy:
		return "legacy (iso9660)"
	case FormatModern:
		return "modern (squashfs)"
	default:
		return "unknown"
	}
}

func formatOf(f detect.Format) Format {
	switch f {
	case detect.Legacy:
		return FormatLegacy
	case detect.Modern:
		return FormatModern
	default:
		return FormatUnknown
	}
}
