// Package template resolves single-brace {key} placeholders in prompts and
// action payloads against an execution's context map. Resolution is total:
// unknown keys are left literally in place and no input can produce an
// error.
package template

import (
	"fmt"
	"regexp"
)

// placeholder matches {key} where key contains no nested braces.
var placeholder = regexp.MustCompile(`\{([^{}]+)\}`)

// Resolver substitutes context values into templates. The zero value is
// usable; New exists for symmetry with the other runtime constructors.
type Resolver struct{}

// New returns a Resolver.
func New() *Resolver {
	return &Resolver{}
}

// Resolve replaces every {key} whose key is present in vars with the
// value's string form. Unknown keys keep their literal {key} text.
func (r *Resolver) Resolve(s string, vars map[string]any) string {
	if s == "" || len(vars) == 0 {
		return s
	}
	return placeholder.ReplaceAllStringFunc(s, func(match string) string {
		key := match[1 : len(match)-1]
		v, ok := vars[key]
		if !ok {
			return match
		}
		return stringify(v)
	})
}

// ResolveValue resolves templates recursively through strings, maps, and
// slices. Other value types pass through unchanged. The input is not
// mutated.
func (r *Resolver) ResolveValue(v any, vars map[string]any) any {
	switch tv := v.(type) {
	case string:
		return r.Resolve(tv, vars)
	case map[string]any:
		out := make(map[string]any, len(tv))
		for k, elem := range tv {
			out[k] = r.ResolveValue(elem, vars)
		}
		return out
	case []any:
		out := make([]any, len(tv))
		for i, elem := range tv {
			out[i] = r.ResolveValue(elem, vars)
		}
		return out
	default:
		return v
	}
}

// ResolveMap resolves templates in every value of m, returning a new map.
func (r *Resolver) ResolveMap(m map[string]any, vars map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = r.ResolveValue(v, vars)
	}
	return out
}

func stringify(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
