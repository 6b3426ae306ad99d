package appbundle

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/dustin/go-humanize"

	"github.com/meigma/appbundle/internal/archive"
	"github.com/meigma/appbundle/internal/fileops"
)

// Predicate selects archive members for ExtractTree.
type Predicate func(e Entry) bool

// MatchAll selects every member.
func MatchAll(Entry) bool { return true }

// MatchGlob returns a Predicate selecting members whose path matches any of
// the doublestar patterns (for example "usr/share/icons/**/*.png").
func MatchGlob(patterns ...string) (Predicate, error) {
	for _, p := range patterns {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("glob %q: %w", p, ErrInvalidParameter)
		}
	}
	return func(e Entry) bool {
		for _, p := range patterns {
			if ok, _ := doublestar.Match(p, e.Path); ok {
				return true
			}
		}
		return false
	}, nil
}

// ExtractProgress is reported after each member ExtractTree handles.
type ExtractProgress struct {
	// Path is the archive path of the member.
	Path string
	// Kind is the member type.
	Kind Kind
	// Bytes is the number of content bytes written for this member.
	Bytes int64
	// Skipped reports that the member was not written.
	Skipped bool
}

// DanglingLink is a symlink that ExtractTree skipped because its target
// resolves outside the extraction root.
type DanglingLink struct {
	Path   string
	Target string
}

// Err returns the link as an error matching ErrDanglingLink.
func (d DanglingLink) Err() error {
	return &fs.PathError{Op: "symlink", Path: d.Path, Err: ErrDanglingLink}
}

// ExtractStats summarizes an ExtractTree call.
type ExtractStats struct {
	Files    int
	Dirs     int
	Symlinks int
	// Skipped counts members that were not written: rejected by the
	// predicate, already present, special files, or dangling links.
	Skipped int
	// Bytes is the total file content written.
	Bytes    int64
	Dangling []DanglingLink
}

// ExtractFile copies the regular file at src, following symlinks, to the
// local path dst.
//
// Content streams through a fixed 4 KiB buffer into a temporary file in
// dst's directory, which is renamed into place once complete. Repeating the
// call produces byte-identical output.
func (b *Bundle) ExtractFile(src, dst string, opts ...ExtractOption) error {
	if dst == "" {
		return fmt.Errorf("extract %s: empty destination: %w", src, ErrInvalidParameter)
	}
	if strings.IndexByte(dst, 0) >= 0 {
		return &fs.PathError{Op: "extract", Path: dst, Err: ErrStringConversion}
	}
	afs, err := b.archive()
	if err != nil {
		return err
	}
	cfg := newExtractConfig(opts)

	if !cfg.overwrite {
		if _, err := os.Lstat(dst); err == nil {
			b.log().Debug("destination exists, skipping", "path", src, "dest", dst)
			return nil
		}
	}

	rc, e, err := afs.Open(src)
	if err != nil {
		return err
	}
	defer rc.Close()

	n, err := writeFileAtomic(rc, dst, e, &cfg)
	if err != nil {
		return err
	}
	b.log().Debug("extracted file", "path", e.Path, "dest", dst, "size", humanize.IBytes(uint64(n)))
	return nil
}

// sourceReader records read failures so they can be told apart from write
// failures after a copy.
type sourceReader struct {
	r   io.Reader
	err error
}

func (s *sourceReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if err != nil && err != io.EOF {
		s.err = err
	}
	return n, err
}

// writeFileAtomic writes src to dest through a temporary file in dest's
// directory and renames it into place.
func writeFileAtomic(src io.Reader, dest string, e Entry, cfg *extractConfig) (int64, error) {
	fail := func(op string, err error) error {
		return &ExtractError{Op: op, Path: e.Path, Dest: dest, Err: err}
	}

	if info, err := os.Lstat(dest); err == nil && info.IsDir() {
		return 0, fail("write", archive.ErrIsDir)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".appbundle-")
	if err != nil {
		return 0, fail("create", err)
	}
	tmpPath := tmp.Name()
	success := false
	defer func() {
		if !success {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	sr := &sourceReader{r: src}
	n, err := fileops.Copy(tmp, sr)
	if err != nil {
		if sr.err != nil {
			return n, fmt.Errorf("read %s: %w", e.Path, err)
		}
		return n, fail("write", err)
	}
	if n != e.Size {
		return n, fmt.Errorf("read %s: got %d of %d bytes: %w", e.Path, n, e.Size, ErrCorrupt)
	}
	if err := tmp.Close(); err != nil {
		return n, fail("close", err)
	}
	if err := applyMetadata(tmpPath, e, cfg); err != nil {
		return n, fail("chmod", err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return n, fail("rename", err)
	}
	success = true
	return n, nil
}

// applyMetadata applies mode and time metadata to the file at p.
func applyMetadata(p string, e Entry, cfg *extractConfig) error {
	if cfg.preserveMode {
		if err := os.Chmod(p, e.Perm()); err != nil {
			return err
		}
	}
	if cfg.preserveTimes && !e.ModTime.IsZero() {
		if err := os.Chtimes(p, e.ModTime, e.ModTime); err != nil {
			return err
		}
	}
	return nil
}

// ExtractTree materializes the members selected by pred below destDir.
//
// The archive is walked depth-first, directories before their children and
// siblings sorted by name. A rejected directory is not created itself but
// its children are still visited; parents are created on demand. Symlinks
// are checked against the extraction root: a link whose target would leave
// it is recorded in ExtractStats.Dangling and skipped, and a chain longer
// than MaxSymlinkHops fails with ErrLinkLoop. Absolute targets are rewritten
// relative to the link so they stay inside destDir.
//
// Extraction is not transactional. Files written before an error remain.
func (b *Bundle) ExtractTree(destDir string, pred Predicate, opts ...ExtractOption) (ExtractStats, error) {
	var stats ExtractStats
	if destDir == "" {
		return stats, fmt.Errorf("extract tree: empty destination: %w", ErrInvalidParameter)
	}
	afs, err := b.archive()
	if err != nil {
		return stats, err
	}
	if pred == nil {
		pred = MatchAll
	}
	root, err := filepath.Abs(destDir)
	if err != nil {
		return stats, fmt.Errorf("extract tree: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return stats, &ExtractError{Op: "mkdir", Path: ".", Dest: root, Err: err}
	}

	x := &treeExtractor{
		b:     b,
		fs:    afs,
		root:  root,
		pred:  pred,
		cfg:   newExtractConfig(opts),
		stats: &stats,
		made:  map[string]bool{root: true},
	}
	err = afs.Walk(x.visit)
	if dirErr := x.finishDirs(); err == nil {
		err = dirErr
	}
	b.log().Info("extracted tree",
		"dest", root,
		"files", stats.Files,
		"dirs", stats.Dirs,
		"symlinks", stats.Symlinks,
		"skipped", stats.Skipped,
		"dangling", len(stats.Dangling),
		"bytes", humanize.IBytes(uint64(stats.Bytes)))
	return stats, err
}

type treeExtractor struct {
	b     *Bundle
	fs    *archive.FS
	root  string
	pred  Predicate
	cfg   extractConfig
	stats *ExtractStats
	// made records local directories known to exist.
	made map[string]bool
	dirs []Entry
}

func (x *treeExtractor) visit(e Entry) error {
	if !x.pred(e) {
		x.skip(e)
		return nil
	}
	var (
		n       int64
		skipped bool
		err     error
	)
	switch e.Kind {
	case KindDir:
		err = x.dir(e)
	case KindFile:
		n, skipped, err = x.file(e)
	case KindSymlink:
		skipped, err = x.symlink(e)
	default:
		x.b.log().Debug("skipping special file", "path", e.Path, "mode", e.Mode.String())
		skipped = true
	}
	if err != nil {
		return err
	}
	if skipped {
		x.skip(e)
		return nil
	}
	x.report(ExtractProgress{Path: e.Path, Kind: e.Kind, Bytes: n})
	return nil
}

func (x *treeExtractor) skip(e Entry) {
	x.stats.Skipped++
	x.report(ExtractProgress{Path: e.Path, Kind: e.Kind, Skipped: true})
}

func (x *treeExtractor) report(p ExtractProgress) {
	if x.cfg.progress != nil {
		x.cfg.progress(p)
	}
}

// local maps an archive path to its destination below the root.
func (x *treeExtractor) local(rel string) string {
	return filepath.Join(x.root, filepath.FromSlash(rel))
}

// mkdirs creates the archive directory rel below the root one component at
// a time, refusing to traverse anything that is not a real directory.
func (x *treeExtractor) mkdirs(rel string) error {
	if rel == "." || rel == "" {
		return nil
	}
	cur := x.root
	for _, c := range strings.Split(rel, "/") {
		cur = filepath.Join(cur, c)
		if x.made[cur] {
			continue
		}
		info, err := os.Lstat(cur)
		switch {
		case err == nil && info.IsDir():
		case err == nil:
			return &ExtractError{Op: "mkdir", Path: rel, Dest: cur, Err: archive.ErrNotDir}
		case errors.Is(err, fs.ErrNotExist):
			if err := os.Mkdir(cur, 0o755); err != nil && !errors.Is(err, fs.ErrExist) {
				return &ExtractError{Op: "mkdir", Path: rel, Dest: cur, Err: err}
			}
		default:
			return &ExtractError{Op: "mkdir", Path: rel, Dest: cur, Err: err}
		}
		x.made[cur] = true
	}
	return nil
}

func (x *treeExtractor) dir(e Entry) error {
	if err := x.mkdirs(e.Path); err != nil {
		return err
	}
	x.dirs = append(x.dirs, e)
	x.stats.Dirs++
	return nil
}

// finishDirs applies directory metadata deepest first, after all children
// are written, so read-only directories do not block extraction.
func (x *treeExtractor) finishDirs() error {
	for i := len(x.dirs) - 1; i >= 0; i-- {
		e := x.dirs[i]
		dest := x.local(e.Path)
		if err := applyMetadata(dest, e, &x.cfg); err != nil {
			return &ExtractError{Op: "chmod", Path: e.Path, Dest: dest, Err: err}
		}
	}
	return nil
}

func (x *treeExtractor) file(e Entry) (int64, bool, error) {
	if err := x.mkdirs(path.Dir(e.Path)); err != nil {
		return 0, false, err
	}
	dest := x.local(e.Path)
	if !x.cfg.overwrite {
		if _, err := os.Lstat(dest); err == nil {
			return 0, true, nil
		}
	}
	rc, _, err := x.fs.Open(e.Path)
	if err != nil {
		return 0, false, err
	}
	defer rc.Close()
	n, err := writeFileAtomic(rc, dest, e, &x.cfg)
	if err != nil {
		return n, false, err
	}
	x.stats.Files++
	x.stats.Bytes += n
	return n, false, nil
}

func (x *treeExtractor) symlink(e Entry) (bool, error) {
	target, err := x.linkTarget(e)
	if errors.Is(err, ErrDanglingLink) {
		x.stats.Dangling = append(x.stats.Dangling, DanglingLink{Path: e.Path, Target: e.Target})
		x.b.log().Warn("skipping symlink outside extraction root", "path", e.Path, "target", e.Target)
		return true, nil
	}
	if err != nil {
		return false, err
	}
	if err := x.mkdirs(path.Dir(e.Path)); err != nil {
		return false, err
	}

	dest := x.local(e.Path)
	if info, err := os.Lstat(dest); err == nil {
		switch {
		case !x.cfg.overwrite:
			return true, nil
		case info.IsDir():
			return false, &ExtractError{Op: "symlink", Path: e.Path, Dest: dest, Err: archive.ErrIsDir}
		}
		if err := os.Remove(dest); err != nil {
			return false, &ExtractError{Op: "symlink", Path: e.Path, Dest: dest, Err: err}
		}
	}
	if err := os.Symlink(target, dest); err != nil {
		return false, &ExtractError{Op: "symlink", Path: e.Path, Dest: dest, Err: err}
	}
	x.stats.Symlinks++
	return false, nil
}

// linkTarget validates a symlink against the extraction root and returns
// the target to write on disk.
//
// The target is checked twice: lexically from the link's directory, and by
// resolving the chain inside the archive, which follows intermediate links
// and bounds the number of hops. Either escape makes the link dangling.
func (x *treeExtractor) linkTarget(e Entry) (string, error) {
	base := path.Dir(e.Path)
	abs := strings.HasPrefix(e.Target, "/")

	joined := e.Target
	if !abs {
		joined = base + "/" + e.Target
	}
	if _, ok := archive.Clean(joined); !ok {
		return "", ErrDanglingLink
	}

	if _, err := x.fs.Resolve(e.Path); err != nil {
		switch {
		case errors.Is(err, ErrOutsideRoot):
			return "", ErrDanglingLink
		case errors.Is(err, ErrLinkLoop), errors.Is(err, ErrLinkChain):
			return "", err
		case errors.Is(err, fs.ErrNotExist), errors.Is(err, archive.ErrNotDir):
			// The target is missing but cannot leave the root.
		default:
			return "", err
		}
	}

	if !abs {
		return e.Target, nil
	}
	return relativeTarget(base, e.Target), nil
}

// relativeTarget rewrites an absolute target, interpreted from the archive
// root, relative to the link's directory base.
func relativeTarget(base, target string) string {
	depth := 0
	if base != "." {
		depth = strings.Count(base, "/") + 1
	}
	rest := strings.TrimLeft(target, "/")
	rel := strings.Repeat("../", depth) + rest
	switch {
	case rel == "":
		return "."
	case strings.HasSuffix(rel, "/") && rest == "":
		return strings.TrimSuffix(rel, "/")
	default:
		return rel
	}
}
