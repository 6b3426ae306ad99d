package desktop

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"
)

// Group names used by the integration editor.
const (
	MainGroup    = "Desktop Entry"
	actionPrefix = "Desktop Action "
)

// Entry is a parsed desktop entry file. Group and key order, comments and
// blank lines are kept so an edited entry differs from its source only in
// the values that were changed.
type Entry struct {
	// header holds comments and blank lines before the first group.
	header []string
	groups []*group
}

type group struct {
	name  string
	lines []line
}

// line is either a key/value pair or, when key is empty, a raw comment or
// blank line.
type line struct {
	key   string
	value string
	raw   string
}

// ParseEntry parses the contents of a desktop entry file.
func ParseEntry(data []byte) (*Entry, error) {
	e := &Entry{}
	var cur *group
	seen := make(map[string]bool)

	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 4096), 1<<20)
	n := 0
	for sc.Scan() {
		n++
		text := strings.TrimRight(sc.Text(), "\r")
		trimmed := strings.TrimSpace(text)

		switch {
		case trimmed == "" || strings.HasPrefix(trimmed, "#"):
			if cur == nil {
				e.header = append(e.header, text)
			} else {
				cur.lines = append(cur.lines, line{raw: text})
			}

		case strings.HasPrefix(trimmed, "["):
			if !strings.HasSuffix(trimmed, "]") || len(trimmed) < 3 {
				return nil, fmt.Errorf("line %d: malformed group header: %w", n, ErrEntrySyntax)
			}
			name := trimmed[1 : len(trimmed)-1]
			if seen[name] {
				return nil, fmt.Errorf("line %d: duplicate group %q: %w", n, name, ErrEntrySyntax)
			}
			seen[name] = true
			cur = &group{name: name}
			e.groups = append(e.groups, cur)

		default:
			if cur == nil {
				return nil, fmt.Errorf("line %d: key outside of a group: %w", n, ErrEntrySyntax)
			}
			k, v, ok := strings.Cut(text, "=")
			if !ok {
				return nil, fmt.Errorf("line %d: expected key=value: %w", n, ErrEntrySyntax)
			}
			k = strings.TrimSpace(k)
			if k == "" {
				return nil, fmt.Errorf("line %d: empty key: %w", n, ErrEntrySyntax)
			}
			cur.lines = append(cur.lines, line{key: k, value: strings.TrimSpace(v)})
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read desktop entry: %w", err)
	}
	if e.group(MainGroup) == nil {
		return nil, fmt.Errorf("missing [%s] group: %w", MainGroup, ErrEntrySyntax)
	}
	return e, nil
}

func (e *Entry) group(name string) *group {
	for _, g := range e.groups {
		if g.name == name {
			return g
		}
	}
	return nil
}

// Groups returns the group names in file order.
func (e *Entry) Groups() []string {
	names := make([]string, len(e.groups))
	for i, g := range e.groups {
		names[i] = g.name
	}
	return names
}

// Keys returns the keys of a group in file order.
func (e *Entry) Keys(groupName string) []string {
	g := e.group(groupName)
	if g == nil {
		return nil
	}
	var keys []string
	for _, l := range g.lines {
		if l.key != "" {
			keys = append(keys, l.key)
		}
	}
	return keys
}

// Get returns the raw value of key in the named group.
func (e *Entry) Get(groupName, key string) (string, bool) {
	g := e.group(groupName)
	if g == nil {
		return "", false
	}
	for _, l := range g.lines {
		if l.key == key {
			return l.value, true
		}
	}
	return "", false
}

// Value returns the value of key in the main group, or "".
func (e *Entry) Value(key string) string {
	v, _ := e.Get(MainGroup, key)
	return v
}

// Set stores value under key, replacing an existing value in place or
// appending the key to the group. A missing group is created at the end.
func (e *Entry) Set(groupName, key, value string) {
	g := e.group(groupName)
	if g == nil {
		g = &group{name: groupName}
		e.groups = append(e.groups, g)
	}
	for i := range g.lines {
		if g.lines[i].key == key {
			g.lines[i].value = value
			return
		}
	}
	// Keep trailing blank lines after the new key.
	at := len(g.lines)
	for at > 0 && g.lines[at-1].key == "" && strings.TrimSpace(g.lines[at-1].raw) == "" {
		at--
	}
	g.lines = append(g.lines, line{})
	copy(g.lines[at+1:], g.lines[at:])
	g.lines[at] = line{key: key, value: value}
}

// Bool reports the boolean value of key in the main group. ok is false
// when the key is absent or not "true"/"false".
func (e *Entry) Bool(key string) (value, ok bool) {
	switch strings.ToLower(e.Value(key)) {
	case "true":
		return true, true
	case "false":
		return false, true
	default:
		return false, false
	}
}

// Bytes serializes the entry.
func (e *Entry) Bytes() []byte {
	var buf bytes.Buffer
	for _, h := range e.header {
		buf.WriteString(h)
		buf.WriteByte('\n')
	}
	for _, g := range e.groups {
		fmt.Fprintf(&buf, "[%s]\n", g.name)
		for _, l := range g.lines {
			if l.key == "" {
				buf.WriteString(l.raw)
			} else {
				buf.WriteString(l.key)
				buf.WriteByte('=')
				buf.WriteString(l.value)
			}
			buf.WriteByte('\n')
		}
	}
	return buf.Bytes()
}

// SplitList splits a ';'-separated list value, dropping empty items.
func SplitList(v string) []string {
	var items []string
	for _, s := range strings.Split(v, ";") {
		if s = strings.TrimSpace(s); s != "" {
			items = append(items, s)
		}
	}
	return items
}

// Sanitize replaces every byte outside [A-Za-z0-9._-] with '_' so the
// result can be used as a file name component.
func Sanitize(s string) string {
	b := []byte(s)
	for i, c := range b {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-', c == '_', c == '.':
		default:
			b[i] = '_'
		}
	}
	return string(b)
}
