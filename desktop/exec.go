package desktop

import (
	"fmt"
	"strings"
)

// ParseExec splits an Exec value into arguments. Double-quoted arguments
// may contain spaces and backslash escapes.
func ParseExec(v string) ([]string, error) {
	var (
		args    []string
		cur     strings.Builder
		inArg   bool
		quoted  bool
		escaped bool
	)
	for _, r := range v {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case r == '\\' && quoted:
			escaped = true
		case r == '"':
			quoted = !quoted
			inArg = true
		case (r == ' ' || r == '\t') && !quoted:
			if inArg {
				args = append(args, cur.String())
				cur.Reset()
				inArg = false
			}
		default:
			cur.WriteRune(r)
			inArg = true
		}
	}
	if quoted || escaped {
		return nil, fmt.Errorf("exec %q: unterminated quote: %w", v, ErrEntrySyntax)
	}
	if inArg {
		args = append(args, cur.String())
	}
	return args, nil
}

// execReserved are the characters that force an argument to be quoted.
const execReserved = " \t\n\"'\\><~|&;$*?#()`"

// FormatExec joins arguments into an Exec value, quoting those that
// contain reserved characters.
func FormatExec(args []string) string {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = quoteExecArg(a)
	}
	return strings.Join(parts, " ")
}

// escapeFieldCodes doubles every '%' so launchers read s literally instead
// of expanding field codes.
func escapeFieldCodes(s string) string {
	return strings.ReplaceAll(s, "%", "%%")
}

func quoteExecArg(a string) string {
	if a != "" && !strings.ContainsAny(a, execReserved) {
		return a
	}
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range a {
		switch r {
		case '"', '`', '$', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	b.WriteByte('"')
	return b.String()
}
