package desktop

import (
	"fmt"
	"strings"
)

// editor rewrites a bundle's desktop entry so that it launches the bundle
// and refers to the namespaced icons installed alongside it.
type editor struct {
	bundlePath string
	vendor     string
	id         string
}

// namespaced prefixes a file or icon name with the vendor and bundle
// identity so resources of different bundles never collide.
func (ed *editor) namespaced(name string) string {
	return ed.vendor + "_" + ed.id + "_" + Sanitize(name)
}

func (ed *editor) edit(e *Entry) error {
	if _, ok := e.Get(MainGroup, "Exec"); !ok {
		return fmt.Errorf("missing Exec key: %w", ErrEntrySyntax)
	}
	if err := ed.setExec(e, MainGroup); err != nil {
		return err
	}
	e.Set(MainGroup, "TryExec", ed.bundlePath)

	for _, action := range SplitList(e.Value("Actions")) {
		g := actionPrefix + action
		if _, ok := e.Get(g, "Exec"); !ok {
			continue
		}
		if err := ed.setExec(e, g); err != nil {
			return err
		}
	}

	for _, g := range e.Groups() {
		for _, k := range e.Keys(g) {
			if !isLocalized(k, "Icon") {
				continue
			}
			old, _ := e.Get(g, k)
			if old == "" {
				continue
			}
			e.Set(g, "X-AppImage-Old-"+k, old)
			e.Set(g, k, ed.namespaced(old))
		}
	}

	if version := e.Value("X-AppImage-Version"); version != "" {
		for _, k := range e.Keys(MainGroup) {
			if !isLocalized(k, "Name") {
				continue
			}
			name, _ := e.Get(MainGroup, k)
			if strings.Contains(name, version) {
				continue
			}
			e.Set(MainGroup, "X-AppImage-Old-"+k, name)
			e.Set(MainGroup, k, name+" ("+version+")")
		}
	}

	e.Set(MainGroup, "X-AppImage-Identifier", ed.id)
	return nil
}

// setExec points the first argument of the group's Exec value at the bundle.
// Field codes in the remaining arguments are kept as written.
func (ed *editor) setExec(e *Entry, g string) error {
	v, _ := e.Get(g, "Exec")
	args, err := ParseExec(v)
	if err != nil {
		return fmt.Errorf("[%s] Exec: %w", g, err)
	}
	if len(args) == 0 {
		return fmt.Errorf("[%s] Exec is empty: %w", g, ErrEntrySyntax)
	}
	args[0] = escapeFieldCodes(ed.bundlePath)
	e.Set(g, "Exec", FormatExec(args))
	return nil
}

// isLocalized reports whether key is base or a localized variant base[xx].
func isLocalized(key, base string) bool {
	if key == base {
		return true
	}
	return strings.HasPrefix(key, base+"[") && strings.HasSuffix(key, "]")
}
