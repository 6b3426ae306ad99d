package testutil

import (
	"cmp"
	"io/fs"
	"slices"
	"strings"
	"time"
)

// EntryKind selects the type of an Entry.
type EntryKind int

// EntryKind values.
const (
	KindFile EntryKind = iota
	KindDir
	KindSymlink
	KindFifo
)

// Entry describes one member of a fixture archive.
type Entry struct {
	Path    string
	Kind    EntryKind
	Data    []byte
	Target  string
	Perm    fs.FileMode
	UID     uint32
	GID     uint32
	ModTime time.Time
}

// File returns a regular file entry with mode 0644.
func File(path, data string) Entry {
	return Entry{Path: path, Kind: KindFile, Data: []byte(data), Perm: 0o644}
}

// Exec returns a regular file entry with mode 0755.
func Exec(path, data string) Entry {
	return Entry{Path: path, Kind: KindFile, Data: []byte(data), Perm: 0o755}
}

// Blob returns a regular file entry with binary contents.
func Blob(path string, data []byte) Entry {
	return Entry{Path: path, Kind: KindFile, Data: data, Perm: 0o644}
}

// Dir returns a directory entry with mode 0755.
func Dir(path string) Entry {
	return Entry{Path: path, Kind: KindDir, Perm: 0o755}
}

// Symlink returns a symbolic link entry.
func Symlink(path, target string) Entry {
	return Entry{Path: path, Kind: KindSymlink, Target: target, Perm: 0o777}
}

// node is one vertex of the tree assembled from entries.
type node struct {
	name     string
	path     string
	entry    Entry
	children []*node
	number   uint32
}

// buildTree arranges entries into a tree rooted at ".", creating missing
// parent directories. Children are sorted by name.
func buildTree(entries []Entry, mtime time.Time) *node {
	root := &node{name: "", path: ".", entry: Entry{Path: ".", Kind: KindDir, Perm: 0o755, ModTime: mtime}}
	index := map[string]*node{".": root}

	var ensure func(p string) *node
	ensure = func(p string) *node {
		if n, ok := index[p]; ok {
			return n
		}
		parent := "."
		name := p
		if i := strings.LastIndex(p, "/"); i >= 0 {
			parent, name = p[:i], p[i+1:]
		}
		pn := ensure(parent)
		n := &node{name: name, path: p, entry: Entry{Path: p, Kind: KindDir, Perm: 0o755, ModTime: mtime}}
		pn.children = append(pn.children, n)
		index[p] = n
		return n
	}

	for _, e := range entries {
		p := strings.Trim(e.Path, "/")
		if e.ModTime.IsZero() {
			e.ModTime = mtime
		}
		n := ensure(p)
		e.Path = p
		n.entry = e
	}

	var sortTree func(n *node)
	sortTree = func(n *node) {
		slices.SortFunc(n.children, func(a, b *node) int { return cmp.Compare(a.name, b.name) })
		for _, c := range n.children {
			sortTree(c)
		}
	}
	sortTree(root)
	return root
}

// walkPost visits n's subtree children-first.
func walkPost(n *node, fn func(*node)) {
	for _, c := range n.children {
		walkPost(c, fn)
	}
	fn(n)
}

// walkPre visits n's subtree parents-first.
func walkPre(n *node, fn func(*node)) {
	fn(n)
	for _, c := range n.children {
		walkPre(c, fn)
	}
}
