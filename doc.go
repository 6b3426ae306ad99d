// Package appbundle reads self-contained application bundles: an ELF
// executable stub with a filesystem image appended after its last section.
//
// The appended image is either a legacy ISO 9660 image (with Rock Ridge
// extensions) or a modern SquashFS 4.0 image. Open locates and identifies
// it; the returned Bundle exposes the members through Stat, ReadDir, Open,
// and ReadFile, and extracts them with ExtractFile and ExtractTree.
//
// # Quick Start
//
//	b, err := appbundle.Open("./Tool-x86_64.AppImage")
//	if err != nil {
//	    return err
//	}
//	defer b.Close()
//
//	sum, err := b.Fingerprint()
//	if err != nil {
//	    return err
//	}
//	err = b.ExtractFile(".DirIcon", "/tmp/tool.png")
//
// # Symlinks
//
// Members are addressed by slash paths relative to the archive root.
// Symbolic links resolve inside the archive: absolute targets start at the
// archive root and ".." never climbs above it. A lookup follows at most
// MaxSymlinkHops links (ErrLinkLoop) and rejects targets with more than
// MaxLinkComponents components (ErrLinkChain).
//
// # Errors
//
// Errors wrap the sentinels declared in this package, fs.ErrNotExist, and
// fs.ErrPermission. CodeOf maps any error to the numeric Code taxonomy used
// by the handle package.
//
// Desktop integration lives in the desktop subpackage; process-wide log
// configuration in the logging subpackage.
package appbundle
