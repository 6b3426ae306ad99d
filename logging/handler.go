package logging

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
)

// Handler returns a slog.Handler that renders each record as
// "message key=value ..." and forwards it to the registered callback.
//
// The level and callback are read at emission time, so loggers built before
// SetLevel or SetCallback observe later changes.
func Handler() slog.Handler {
	return &handler{}
}

type handler struct {
	// attrs holds pre-rendered " key=value" pairs from WithAttrs.
	attrs  string
	prefix string
}

func (h *handler) Enabled(_ context.Context, l slog.Level) bool {
	return enabled(fromSlog(l)) != nil
}

func (h *handler) Handle(_ context.Context, r slog.Record) error {
	l := fromSlog(r.Level)
	cb := enabled(l)
	if cb == nil {
		return nil
	}
	var b strings.Builder
	b.WriteString(r.Message)
	b.WriteString(h.attrs)
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(&b, h.prefix, a)
		return true
	})
	cb(l, b.String())
	return nil
}

func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	var b strings.Builder
	b.WriteString(h.attrs)
	for _, a := range attrs {
		writeAttr(&b, h.prefix, a)
	}
	return &handler{attrs: b.String(), prefix: h.prefix}
}

func (h *handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &handler{attrs: h.attrs, prefix: h.prefix + name + "."}
}

func writeAttr(b *strings.Builder, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	if a.Value.Kind() == slog.KindGroup {
		group := a.Value.Group()
		if a.Key != "" {
			prefix += a.Key + "."
		}
		for _, ga := range group {
			writeAttr(b, prefix, ga)
		}
		return
	}
	b.WriteByte(' ')
	b.WriteString(prefix)
	b.WriteString(a.Key)
	b.WriteByte('=')
	s := a.Value.String()
	if s == "" || strings.ContainsAny(s, " \t\n\"=") {
		s = strconv.Quote(s)
	}
	b.WriteString(s)
}
