// Package jsontree implements the generic fallback tree walk spec.md §4.1
// and §9 call for: upstream payloads are modeled as tagged sum types for
// the known continuation/action paths, and only fall back to an untyped
// tree when hunting for a field by name anywhere in the document.
package jsontree

import "encoding/json"

// Decode parses raw into the generic any representation used by FindFirstString.
func Decode(raw json.RawMessage) (any, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// FindFirstString performs a depth-first scan of a decoded JSON value for
// the first object field named key whose value is a string.
func FindFirstString(v any, key string) (string, bool) {
	switch t := v.(type) {
	case map[string]any:
		if raw, ok := t[key]; ok {
			if s, ok := raw.(string); ok {
				return s, true
			}
		}
		for _, child := range t {
			if s, ok := FindFirstString(child, key); ok {
				return s, true
			}
		}
	case []any:
		for _, child := range t {
			if s, ok := FindFirstString(child, key); ok {
				return s, true
			}
		}
	}
	return "", false
}
