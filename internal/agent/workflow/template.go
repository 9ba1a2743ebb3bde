package workflow

import (
	"fmt"
	"strings"
)

// substitute walks value (typically a step's config map) and replaces any
// string of the form "{{dotted.key}}" with the corresponding dotted lookup
// in ctx. Non-string values, and strings with no template markers, pass
// through unchanged. A dotted key missing from ctx renders as "".
func substitute(value any, ctx map[string]any) any {
	switch v := value.(type) {
	case string:
		return substituteString(v, ctx)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = substitute(item, ctx)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = substitute(item, ctx)
		}
		return out
	default:
		return value
	}
}

func substituteString(s string, ctx map[string]any) any {
	if !strings.Contains(s, "{{") {
		return s
	}
	// A template that is exactly one placeholder preserves the looked-up
	// value's own type (numbers, booleans, arrays); anything mixed with
	// surrounding text renders as a string.
	if strings.HasPrefix(s, "{{") && strings.HasSuffix(s, "}}") && strings.Count(s, "{{") == 1 {
		key := strings.TrimSpace(s[2 : len(s)-2])
		return lookup(key, ctx)
	}

	var b strings.Builder
	rest := s
	for {
		start := strings.Index(rest, "{{")
		if start == -1 {
			b.WriteString(rest)
			break
		}
		end := strings.Index(rest[start:], "}}")
		if end == -1 {
			b.WriteString(rest)
			break
		}
		end += start
		b.WriteString(rest[:start])
		key := strings.TrimSpace(rest[start+2 : end])
		b.WriteString(stringify(lookup(key, ctx)))
		rest = rest[end+2:]
	}
	return b.String()
}

func lookup(dotted string, ctx map[string]any) any {
	// Templates are written with a leading dot ("{{.fileName}}"), mirroring
	// Go templates' root-scope dot. Strip it before splitting on ".".
	dotted = strings.TrimPrefix(dotted, ".")
	parts := strings.Split(dotted, ".")
	var cur any = ctx
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return ""
		}
		v, ok := m[p]
		if !ok {
			return ""
		}
		cur = v
	}
	return cur
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}
