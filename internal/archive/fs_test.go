package archive

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"slices"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memVolume is a map-backed Volume keyed by clean path.
type memVolume struct {
	entries map[string]Entry
	data    map[string]string
	closed  bool
}

func newMemVolume() *memVolume {
	v := &memVolume{entries: map[string]Entry{}, data: map[string]string{}}
	v.entries["."] = Entry{Path: ".", Kind: KindDir, Mode: ModeFor(KindDir, 0o755)}
	return v
}

func (v *memVolume) dir(p string) *memVolume {
	v.entries[p] = Entry{Path: p, Kind: KindDir, Mode: ModeFor(KindDir, 0o755)}
	return v
}

func (v *memVolume) file(p, content string) *memVolume {
	v.entries[p] = Entry{Path: p, Kind: KindFile, Size: int64(len(content)), Mode: ModeFor(KindFile, 0o644)}
	v.data[p] = content
	return v
}

func (v *memVolume) link(p, target string) *memVolume {
	v.entries[p] = Entry{Path: p, Kind: KindSymlink, Size: int64(len(target)), Target: target, Mode: ModeFor(KindSymlink, 0o777)}
	return v
}

func (v *memVolume) Lstat(name string) (Entry, error) {
	e, ok := v.entries[name]
	if !ok {
		return Entry{}, fs.ErrNotExist
	}
	return e, nil
}

func (v *memVolume) ReadDir(name string) ([]Entry, error) {
	var out []Entry
	for p, e := range v.entries {
		if p == "." {
			continue
		}
		parent := "."
		if i := strings.LastIndex(p, "/"); i >= 0 {
			parent = p[:i]
		}
		if parent == name {
			out = append(out, e)
		}
	}
	slices.SortFunc(out, func(a, b Entry) int { return strings.Compare(a.Name(), b.Name()) })
	return out, nil
}

func (v *memVolume) Open(name string) (io.ReadCloser, error) {
	d, ok := v.data[name]
	if !ok {
		return nil, fs.ErrNotExist
	}
	return io.NopCloser(strings.NewReader(d)), nil
}

func (v *memVolume) Close() error {
	v.closed = true
	return nil
}

func sampleVolume() *memVolume {
	return newMemVolume().
		dir("usr").
		dir("usr/bin").
		file("usr/bin/app", "binary").
		dir("usr/share").
		file("usr/share/readme", "hello").
		link("usr/bin/rel", "app").
		link("usr/bin/up", "../share/readme").
		link("abs", "/usr/share/readme").
		link("share", "usr/share").
		link("escape", "../../etc/passwd").
		link("dangling", "usr/missing").
		link("self", "self").
		link("dirlink", "usr/bin")
}

func TestFSStatFollowsLinks(t *testing.T) {
	t.Parallel()

	fsys := NewFS(sampleVolume())

	tests := []struct {
		name string
		want string
	}{
		{"usr/bin/rel", "usr/bin/app"},
		{"usr/bin/up", "usr/share/readme"},
		{"abs", "usr/share/readme"},
		{"/abs", "usr/share/readme"},
		{"share/readme", "usr/share/readme"},
		{"dirlink/../share/readme", "usr/share/readme"},
		{"usr/./bin//app", "usr/bin/app"},
		{"", "."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			e, err := fsys.Stat(tt.name)
			require.NoError(t, err)
			assert.Equal(t, tt.want, e.Path)
		})
	}
}

func TestFSLstatDoesNotFollowFinalLink(t *testing.T) {
	t.Parallel()

	fsys := NewFS(sampleVolume())
	e, err := fsys.Lstat("share")
	require.NoError(t, err)
	assert.Equal(t, KindSymlink, e.Kind)
	assert.Equal(t, "usr/share", e.Target)

	// Parent components are still resolved.
	e, err = fsys.Lstat("dirlink/rel")
	require.NoError(t, err)
	assert.Equal(t, "usr/bin/rel", e.Path)
	assert.Equal(t, KindSymlink, e.Kind)
}

func TestFSErrors(t *testing.T) {
	t.Parallel()

	fsys := NewFS(sampleVolume())

	tests := []struct {
		name    string
		wantErr error
	}{
		{"missing", fs.ErrNotExist},
		{"dangling", fs.ErrNotExist},
		{"escape", ErrOutsideRoot},
		{"..", ErrOutsideRoot},
		{"usr/../../x", ErrOutsideRoot},
		{"self", ErrLinkLoop},
		{"usr/bin/app/x", ErrNotDir},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := fsys.Stat(tt.name)
			require.ErrorIs(t, err, tt.wantErr)
			var pe *fs.PathError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tt.name, pe.Path)
		})
	}
}

func TestFSOutsideRootIsNotExist(t *testing.T) {
	t.Parallel()

	_, err := NewFS(sampleVolume()).Stat("escape")
	require.ErrorIs(t, err, fs.ErrNotExist)
}

func TestFSResolveMissingFinalComponent(t *testing.T) {
	t.Parallel()

	p, err := NewFS(sampleVolume()).Resolve("dangling")
	require.ErrorIs(t, err, fs.ErrNotExist)
	assert.Equal(t, "usr/missing", p)
}

func TestFSSymlinkHopBound(t *testing.T) {
	t.Parallel()

	// chain builds l0 -> l1 -> ... -> l(n-1) -> target.
	chain := func(n int) *memVolume {
		v := newMemVolume().file("target", "x")
		for i := range n {
			next := "target"
			if i < n-1 {
				next = fmt.Sprintf("l%d", i+1)
			}
			v.link(fmt.Sprintf("l%d", i), next)
		}
		return v
	}

	e, err := NewFS(chain(MaxSymlinkHops)).Stat("l0")
	require.NoError(t, err)
	assert.Equal(t, "target", e.Path)

	_, err = NewFS(chain(MaxSymlinkHops + 1)).Stat("l0")
	require.ErrorIs(t, err, ErrLinkLoop)
}

func TestFSSymlinkComponentBound(t *testing.T) {
	t.Parallel()

	// Each "d/.." pair contributes two components and resolves to the root.
	target := func(components int) string {
		parts := make([]string, 0, components)
		for len(parts) < components-2 {
			parts = append(parts, "d", "..")
		}
		for len(parts) < components-1 {
			parts = append(parts, ".")
		}
		parts = append(parts, "f")
		return strings.Join(parts, "/")
	}

	okTarget := target(MaxLinkComponents)
	require.Len(t, strings.Split(okTarget, "/"), MaxLinkComponents)
	v := newMemVolume().dir("d").file("f", "x").link("ok", okTarget)
	e, err := NewFS(v).Stat("ok")
	require.NoError(t, err)
	assert.Equal(t, "f", e.Path)

	longTarget := target(MaxLinkComponents + 1)
	require.Len(t, strings.Split(longTarget, "/"), MaxLinkComponents+1)
	v = newMemVolume().dir("d").file("f", "x").link("long", longTarget)
	_, err = NewFS(v).Stat("long")
	require.ErrorIs(t, err, ErrLinkChain)
}

func TestFSReadDir(t *testing.T) {
	t.Parallel()

	fsys := NewFS(sampleVolume())
	entries, err := fsys.ReadDir("dirlink")
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.Equal(t, []string{"app", "rel", "up"}, names)

	_, err = fsys.ReadDir("usr/bin/app")
	require.ErrorIs(t, err, ErrNotDir)
}

func TestFSOpenAndReadFile(t *testing.T) {
	t.Parallel()

	fsys := NewFS(sampleVolume())
	data, err := fsys.ReadFile("usr/bin/up", 0)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	_, err = fsys.ReadFile("usr/bin/up", 2)
	require.Error(t, err)

	_, _, err = fsys.Open("usr")
	require.ErrorIs(t, err, ErrIsDir)
}

func TestFSReadFileLongerThanRecorded(t *testing.T) {
	t.Parallel()

	v := newMemVolume().file("f", "abc")
	v.data["f"] = "abcdef"
	_, err := NewFS(v).ReadFile("f", 0)
	require.ErrorIs(t, err, ErrCorrupt)

	var pe *fs.PathError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "f", pe.Path)
}

func TestFSReadlink(t *testing.T) {
	t.Parallel()

	fsys := NewFS(sampleVolume())
	target, err := fsys.Readlink("abs")
	require.NoError(t, err)
	assert.Equal(t, "/usr/share/readme", target)

	_, err = fsys.Readlink("usr")
	require.ErrorIs(t, err, fs.ErrInvalid)
}

func TestFSWalkPreOrderSorted(t *testing.T) {
	t.Parallel()

	fsys := NewFS(sampleVolume())
	var visited []string
	require.NoError(t, fsys.Walk(func(e Entry) error {
		visited = append(visited, e.Path)
		return nil
	}))
	assert.Equal(t, []string{
		"abs", "dangling", "dirlink", "escape", "self", "share",
		"usr", "usr/bin", "usr/bin/app", "usr/bin/rel", "usr/bin/up",
		"usr/share", "usr/share/readme",
	}, visited)
}

func TestFSWalkSkipDir(t *testing.T) {
	t.Parallel()

	fsys := NewFS(sampleVolume())
	var visited []string
	require.NoError(t, fsys.Walk(func(e Entry) error {
		visited = append(visited, e.Path)
		if e.Path == "usr/bin" {
			return fs.SkipDir
		}
		return nil
	}))
	assert.NotContains(t, visited, "usr/bin/app")
	assert.Contains(t, visited, "usr/share/readme")

	boom := errors.New("boom")
	err := fsys.Walk(func(Entry) error { return boom })
	require.ErrorIs(t, err, boom)
}

func TestFSClose(t *testing.T) {
	t.Parallel()

	v := sampleVolume()
	require.NoError(t, NewFS(v).Close())
	assert.True(t, v.closed)
}

func TestClean(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"", ".", true},
		{"/", ".", true},
		{"a/b", "a/b", true},
		{"/a//b/./c/", "a/b/c", true},
		{"a/../b", "b", true},
		{"..", "", false},
		{"a/../../b", "", false},
	}
	for _, tt := range tests {
		got, ok := Clean(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestModeFor(t *testing.T) {
	t.Parallel()

	assert.Equal(t, fs.ModeDir|0o755, ModeFor(KindDir, 0o40755))
	assert.Equal(t, fs.ModeSymlink|0o777, ModeFor(KindSymlink, 0o777))
	assert.Equal(t, fs.ModeSetuid|0o755, ModeFor(KindFile, 0o4755))
	assert.Equal(t, fs.FileMode(0o644), ModeFor(KindFile, 0o644))
}
