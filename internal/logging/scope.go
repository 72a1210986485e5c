package logging

import (
	"log/slog"
	"slices"
)

// scope is the attrs and groups a handler collected through WithAttrs and
// WithGroup. Groups prefix every attr, including ones added before them.
type scope struct {
	attrs  []slog.Attr
	groups []string
}

func (s scope) withAttrs(attrs []slog.Attr) scope {
	return scope{attrs: append(slices.Clip(s.attrs), attrs...), groups: s.groups}
}

func (s scope) withGroup(name string) scope {
	if name == "" {
		return s
	}
	return scope{attrs: s.attrs, groups: append(slices.Clip(s.groups), name)}
}

// visit calls fn for the scope attrs and then the record attrs, pulling the
// module attr out instead of visiting it.
func (s scope) visit(r slog.Record, fn func(slog.Attr)) (module string) {
	module = "app"
	each := func(a slog.Attr) bool {
		if a.Key == "module" {
			module = a.Value.String()
			return true
		}
		if !a.Equal(slog.Attr{}) {
			fn(a)
		}
		return true
	}
	for _, a := range s.attrs {
		each(a)
	}
	r.Attrs(each)
	return module
}
