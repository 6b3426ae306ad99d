package testutil

import (
	"bytes"
	"image/color"
	"testing"

	"github.com/disintegration/imaging"
)

// ModernBundle writes a 64-bit type-2 ELF stub followed by a SquashFS image
// of entries and returns the file path and the payload offset.
func ModernBundle(tb testing.TB, entries []Entry, opts SquashFSOptions) (string, int64) {
	tb.Helper()
	stub := BuildELF(ELFOptions{Is64: true, Hint: 2})
	img := BuildSquashFS(tb, entries, opts)
	return WriteFile(tb, "app.AppImage", Concat(stub, img)), int64(len(stub))
}

// LegacyBundle writes an ISO 9660 image whose system area holds a type-1
// ELF stub, the layout where the payload starts at offset 0.
func LegacyBundle(tb testing.TB, entries []Entry, opts ISOOptions) string {
	tb.Helper()
	opts.SystemArea = BuildELF(ELFOptions{Is64: true, Hint: 1})
	return WriteFile(tb, "legacy.AppImage", BuildISO(tb, entries, opts))
}

// AppendedISOBundle writes an ELF stub followed by an ISO 9660 image and
// returns the file path and the payload offset.
func AppendedISOBundle(tb testing.TB, entries []Entry, opts ISOOptions) (string, int64) {
	tb.Helper()
	stub := BuildELF(ELFOptions{Is64: false, Hint: 1})
	img := BuildISO(tb, entries, opts)
	return WriteFile(tb, "appended.AppImage", Concat(stub, img)), int64(len(stub))
}

// PNG returns a size x size PNG image filled with c.
func PNG(tb testing.TB, size int, c color.Color) []byte {
	tb.Helper()
	img := imaging.New(size, size, c)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		tb.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

// PNGMagic is the signature at the start of every PNG file.
var PNGMagic = []byte("\x89PNG\r\n\x1a\n")

// DesktopEntry is the menu entry used by AppDir.
const DesktopEntry = `[Desktop Entry]
Type=Application
Name=Demo
Exec=demo %F
TryExec=demo
Icon=demo
Categories=Utility;
MimeType=application/x-demo;
X-AppImage-Version=1.2.3
Actions=Window;

[Desktop Action Window]
Name=New Window
Exec=demo --new-window
`

// MimePackage is the shared-mime-info package used by AppDir.
const MimePackage = `<?xml version="1.0" encoding="UTF-8"?>
<mime-info xmlns="http://www.freedesktop.org/standards/shared-mime-info">
  <mime-type type="application/x-demo">
    <comment>Demo document</comment>
    <glob pattern="*.demo"/>
  </mime-type>
</mime-info>
`

// AppDir returns the members of a typical application directory: a root
// desktop entry, .DirIcon, hicolor icons at two sizes, a MIME package, and
// the executable.
func AppDir(tb testing.TB) []Entry {
	tb.Helper()
	icon256 := PNG(tb, 256, color.NRGBA{R: 0x20, G: 0x80, B: 0xc0, A: 0xff})
	icon48 := PNG(tb, 48, color.NRGBA{R: 0x20, G: 0x80, B: 0xc0, A: 0xff})
	return []Entry{
		File("demo.desktop", DesktopEntry),
		Symlink(".DirIcon", "demo.png"),
		Blob("demo.png", icon256),
		Exec("AppRun", "#!/bin/sh\nexec \"$APPDIR/usr/bin/demo\" \"$@\"\n"),
		Exec("usr/bin/demo", "#!/bin/sh\necho demo\n"),
		Blob("usr/share/icons/hicolor/256x256/apps/demo.png", icon256),
		Blob("usr/share/icons/hicolor/48x48/apps/demo.png", icon48),
		File("usr/share/mime/packages/demo.xml", MimePackage),
		Symlink("usr/lib/libdemo.so", "libdemo.so.1"),
		File("usr/lib/libdemo.so.1", "ELF-ish"),
	}
}
