package desktop

import (
	"bytes"
	"fmt"
	"image"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/disintegration/imaging"

	"github.com/meigma/appbundle"
)

const (
	iconPattern = "usr/share/icons/**/*.{png,svg,svgz,xpm}"
	mimePattern = "usr/share/mime/packages/*.xml"
	dirIcon     = ".DirIcon"
)

// thumbnailSizes maps freedesktop thumbnail directories to their edge size.
var thumbnailSizes = []struct {
	dir  string
	size int
}{
	{"normal", 128},
	{"large", 256},
}

var pngMagic = []byte("\x89PNG\r\n\x1a\n")

// staged is a resource ready to be written: either a file extracted into
// the staging directory or generated content.
type staged struct {
	Resource
	src  string
	data []byte
	mode fs.FileMode
}

func (s staged) write() error {
	if s.data != nil {
		return writeFile(s.Path, s.data, s.mode)
	}
	f, err := os.Open(s.src)
	if err != nil {
		return err
	}
	defer f.Close()
	return writeFrom(s.Path, f, s.mode)
}

func resourcesOf(set []staged) []Resource {
	out := make([]Resource, len(set))
	for i, s := range set {
		out[i] = s.Resource
	}
	return out
}

// collector gathers the resources of one bundle into a staging directory.
type collector struct {
	m       *Manager
	b       *appbundle.Bundle
	ed      editor
	staging string
	n       int

	// best is the largest raster icon seen, used for thumbnails.
	best image.Image
}

// stage extracts src from the bundle into the staging directory.
func (c *collector) stage(src string) (string, error) {
	c.n++
	local := filepath.Join(c.staging, strconv.Itoa(c.n))
	if err := c.b.ExtractFile(src, local, appbundle.ExtractWithPreserveMode(false)); err != nil {
		return "", err
	}
	return local, nil
}

// collect builds the full resource set for the bundle. Icons and MIME
// packages come first and the desktop entry last, so a menu entry never
// appears before its icon.
func (c *collector) collect() ([]staged, error) {
	entryPath, err := findDesktopEntry(c.b)
	if err != nil {
		return nil, err
	}
	local, err := c.stage(entryPath)
	if err != nil {
		return nil, fmt.Errorf("extract desktop entry: %w", err)
	}
	data, err := os.ReadFile(local)
	if err != nil {
		return nil, err
	}
	e, err := ParseEntry(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", entryPath, err)
	}

	if disabled(e) {
		return nil, ErrIntegrationDisabled
	}
	name := e.Value("Name")
	if name == "" {
		return nil, fmt.Errorf("%s: missing Name key: %w", entryPath, ErrEntrySyntax)
	}
	icon := e.Value("Icon")
	if strings.Contains(icon, "/") {
		return nil, fmt.Errorf("%s: Icon %q is a path: %w", entryPath, icon, appbundle.ErrInvalidParameter)
	}

	var set []staged
	icons, mimes, err := c.scan(icon)
	if err != nil {
		return nil, err
	}
	for _, p := range icons {
		s, ok := c.themeIcon(p)
		if ok {
			set = append(set, s)
		}
	}
	if len(icons) == 0 && icon != "" {
		if s, ok := c.dirIcon(icon); ok {
			set = append(set, s)
		}
	}
	for _, p := range mimes {
		local, err := c.stage(p)
		if err != nil {
			c.m.log().Warn("skipping MIME package", "path", p, "error", err)
			continue
		}
		set = append(set, staged{
			Resource: Resource{Kind: ResourceMimePackage, Path: filepath.Join(c.m.dataHome, "mime", "packages", c.ed.namespaced(path.Base(p)))},
			src:      local,
			mode:     0o644,
		})
	}
	if c.m.thumbnails {
		thumbs, err := c.thumbnails()
		if err != nil {
			return nil, err
		}
		set = append(set, thumbs...)
	}

	if err := c.ed.edit(e); err != nil {
		return nil, fmt.Errorf("%s: %w", entryPath, err)
	}
	file := fmt.Sprintf("%s_%s-%s.desktop", c.m.vendor, c.ed.id, Sanitize(name))
	set = append(set, staged{
		Resource: Resource{Kind: ResourceDesktopEntry, Path: filepath.Join(c.m.dataHome, "applications", file)},
		data:     e.Bytes(),
		mode:     0o755,
	})
	return set, nil
}

// findDesktopEntry returns the first *.desktop member of the archive root.
func findDesktopEntry(b *appbundle.Bundle) (string, error) {
	entries, err := b.ReadDir(".")
	if err != nil {
		return "", err
	}
	for _, e := range entries {
		if e.Kind != appbundle.KindFile && e.Kind != appbundle.KindSymlink {
			continue
		}
		if strings.HasSuffix(e.Path, ".desktop") {
			return e.Path, nil
		}
	}
	return "", ErrNoDesktopEntry
}

// scan lists theme icons named icon and MIME packages in the archive.
func (c *collector) scan(icon string) (icons, mimes []string, err error) {
	err = c.b.Walk(func(e appbundle.Entry) error {
		if e.Kind != appbundle.KindFile && e.Kind != appbundle.KindSymlink {
			return nil
		}
		if icon != "" && strings.TrimSuffix(e.Name(), path.Ext(e.Name())) == icon {
			if ok, _ := doublestar.Match(iconPattern, e.Path); ok {
				icons = append(icons, e.Path)
				return nil
			}
		}
		if ok, _ := doublestar.Match(mimePattern, e.Path); ok {
			mimes = append(mimes, e.Path)
		}
		return nil
	})
	return icons, mimes, err
}

// themeIcon stages an icon from usr/share/icons, keeping its place in the
// theme hierarchy.
func (c *collector) themeIcon(p string) (staged, bool) {
	local, err := c.stage(p)
	if err != nil {
		c.m.log().Warn("skipping icon", "path", p, "error", err)
		return staged{}, false
	}
	if path.Ext(p) == ".png" {
		if img, err := imaging.Open(local); err == nil {
			c.consider(img)
		}
	}
	dir := path.Dir(strings.TrimPrefix(p, "usr/share/"))
	return staged{
		Resource: Resource{Kind: ResourceIcon, Path: filepath.Join(c.m.dataHome, filepath.FromSlash(dir), c.ed.namespaced(path.Base(p)))},
		src:      local,
		mode:     0o644,
	}, true
}

// dirIcon installs .DirIcon as the application icon when the theme
// directories hold none.
func (c *collector) dirIcon(icon string) (staged, bool) {
	c.m.log().Warn("no theme icons found, using " + dirIcon)
	local, err := c.stage(dirIcon)
	if err != nil {
		c.m.log().Warn("no icon installed", "bundle", c.b.Path(), "error", err)
		return staged{}, false
	}
	data, err := os.ReadFile(local)
	if err != nil {
		c.m.log().Warn("no icon installed", "bundle", c.b.Path(), "error", err)
		return staged{}, false
	}

	name := c.ed.namespaced(icon)
	if isSVG(data) {
		return staged{
			Resource: Resource{Kind: ResourceIcon, Path: filepath.Join(c.m.dataHome, "icons", "hicolor", "scalable", "apps", name+".svg")},
			data:     data,
			mode:     0o644,
		}, true
	}
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		c.m.log().Warn("unreadable "+dirIcon, "bundle", c.b.Path(), "error", err)
		return staged{}, false
	}
	c.consider(img)
	if !bytes.HasPrefix(data, pngMagic) {
		var buf bytes.Buffer
		if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
			c.m.log().Warn("re-encode "+dirIcon, "bundle", c.b.Path(), "error", err)
			return staged{}, false
		}
		data = buf.Bytes()
	}
	size := img.Bounds().Dx()
	return staged{
		Resource: Resource{Kind: ResourceIcon, Path: filepath.Join(c.m.dataHome, "icons", "hicolor", fmt.Sprintf("%dx%d", size, size), "apps", name+".png")},
		data:     data,
		mode:     0o644,
	}, true
}

func (c *collector) consider(img image.Image) {
	if c.best == nil || img.Bounds().Dx() > c.best.Bounds().Dx() {
		c.best = img
	}
}

// thumbnails renders the largest raster icon at each freedesktop
// thumbnail size. Icons smaller than a size are not scaled up.
func (c *collector) thumbnails() ([]staged, error) {
	if c.best == nil {
		return nil, nil
	}
	var out []staged
	for _, ts := range thumbnailSizes {
		thumb := imaging.Fit(c.best, ts.size, ts.size, imaging.Lanczos)
		var buf bytes.Buffer
		if err := imaging.Encode(&buf, thumb, imaging.PNG); err != nil {
			return nil, fmt.Errorf("encode thumbnail: %w", err)
		}
		out = append(out, staged{
			Resource: Resource{Kind: ResourceThumbnail, Path: filepath.Join(c.m.cacheHome, "thumbnails", ts.dir, c.ed.id+".png")},
			data:     buf.Bytes(),
			mode:     0o600,
		})
	}
	return out, nil
}

func isSVG(data []byte) bool {
	head := data
	if len(head) > 512 {
		head = head[:512]
	}
	return bytes.Contains(bytes.ToLower(head), []byte("<svg"))
}
