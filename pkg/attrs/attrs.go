// Package attrs works with slog-style key/value attribute lists.
package attrs

import "time"

// ExtractString returns the string value stored under key in a
// [key1, value1, key2, value2, ...] list, or "" when absent or not a string.
func ExtractString(attrs []any, key string) string {
	for i := 0; i < len(attrs)-1; i += 2 {
		if k, ok := attrs[i].(string); ok && k == key {
			v, _ := attrs[i+1].(string)
			return v
		}
	}
	return ""
}

// ToMap converts a key/value list into event details. Non-string keys are
// skipped and durations become seconds so they serialise as numbers.
func ToMap(attrs []any) map[string]any {
	out := make(map[string]any, len(attrs)/2)
	for i := 0; i < len(attrs)-1; i += 2 {
		key, ok := attrs[i].(string)
		if !ok {
			continue
		}
		switch v := attrs[i+1].(type) {
		case time.Duration:
			out[key] = v.Seconds()
		default:
			out[key] = v
		}
	}
	return out
}
