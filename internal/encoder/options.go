package encoder

import (
	"fmt"

	"github.com/lumenhost/lumen/internal/video"
)

// OptInt is an optional integer option value; unset values are omitted
// from the resolved set.
type OptInt struct {
	Set bool
	Val int
}

// Option is one named encoder option. The value is one of: int, *int,
// *OptInt, func() int, string, *string, or func(video.Config) string.
// Pointer and function forms are evaluated at resolve time so descriptors
// can reference tunables that change between sessions.
type Option struct {
	Name  string
	Value any
}

// ResolvedOption is a concrete key/value pair handed to the backend
// verbatim. Value is an int or a string.
type ResolvedOption struct {
	Name  string
	Value any
}

// ResolveOptions flattens an option set against the session config.
// Unset OptInt values are dropped; unknown value types are an error so a
// malformed descriptor fails loudly at probe time rather than silently
// misconfiguring the backend.
func ResolveOptions(opts []Option, cfg video.Config) ([]ResolvedOption, error) {
	out := make([]ResolvedOption, 0, len(opts))
	for _, o := range opts {
		switch v := o.Value.(type) {
		case int:
			out = append(out, ResolvedOption{o.Name, v})
		case *int:
			out = append(out, ResolvedOption{o.Name, *v})
		case *OptInt:
			if v != nil && v.Set {
				out = append(out, ResolvedOption{o.Name, v.Val})
			}
		case func() int:
			out = append(out, ResolvedOption{o.Name, v()})
		case string:
			out = append(out, ResolvedOption{o.Name, v})
		case *string:
			out = append(out, ResolvedOption{o.Name, *v})
		case func(video.Config) string:
			out = append(out, ResolvedOption{o.Name, v(cfg)})
		default:
			return nil, fmt.Errorf("option %q: unsupported value type %T", o.Name, o.Value)
		}
	}
	return out, nil
}
