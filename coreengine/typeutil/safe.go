// Package typeutil reads loosely typed JSON-shaped values (tool results,
// brief inputs) with the comma-ok idiom instead of panicking casts.
package typeutil

import "strings"

// Map asserts value to map[string]any.
func Map(value any) (map[string]any, bool) {
	m, ok := value.(map[string]any)
	return m, ok && m != nil
}

// String asserts value to string.
func String(value any) (string, bool) {
	s, ok := value.(string)
	return s, ok
}

// StringDefault returns value as a string, or defaultVal when it is not a
// non-empty string.
func StringDefault(value any, defaultVal string) string {
	if s, ok := String(value); ok && s != "" {
		return s
	}
	return defaultVal
}

// Bool asserts value to bool.
func Bool(value any) (bool, bool) {
	b, ok := value.(bool)
	return b, ok
}

// Int converts value to int. JSON numbers decode as float64; fractional
// values are rejected.
func Int(value any) (int, bool) {
	switch v := value.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case int32:
		return int(v), true
	case float64:
		if v != float64(int(v)) {
			return 0, false
		}
		return int(v), true
	}
	return 0, false
}

// Strings returns the string elements of a []string or []any. Non-string
// elements of a []any are skipped. The result never aliases value.
func Strings(value any) []string {
	switch items := value.(type) {
	case []string:
		return append([]string(nil), items...)
	case []any:
		out := make([]string, 0, len(items))
		for _, item := range items {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Nested returns the value at a dot-separated path, e.g. "error.message".
func Nested(data map[string]any, path string) (any, bool) {
	if data == nil || path == "" {
		return nil, false
	}
	var current any = data
	for _, key := range strings.Split(path, ".") {
		if key == "" {
			continue
		}
		m, ok := Map(current)
		if !ok {
			return nil, false
		}
		if current, ok = m[key]; !ok {
			return nil, false
		}
	}
	return current, true
}

// NestedString is Nested followed by String.
func NestedString(data map[string]any, path string) (string, bool) {
	v, ok := Nested(data, path)
	if !ok {
		return "", false
	}
	return String(v)
}
