package logging

import (
	"log/slog"
	"slices"
)

// scope holds what a handler accumulated through WithAttrs and WithGroup.
// Groups prefix every attribute, including ones added before the group.
type scope struct {
	attrs  []slog.Attr
	groups []string
}

func (s scope) withAttrs(attrs []slog.Attr) scope {
	return scope{attrs: append(slices.Clip(s.attrs), attrs...), groups: s.groups}
}

func (s scope) withGroup(name string) scope {
	return scope{attrs: s.attrs, groups: append(slices.Clip(s.groups), name)}
}

// each calls fn with the scope's attributes, then the record's.
func (s scope) each(r slog.Record, fn func(slog.Attr)) {
	for _, a := range s.attrs {
		fn(a)
	}
	r.Attrs(func(a slog.Attr) bool {
		fn(a)
		return true
	})
}
