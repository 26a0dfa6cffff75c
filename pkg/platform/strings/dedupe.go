// Package strings provides string manipulation utilities.
package strings

import (
	"strings"
)

// SplitList splits a comma separated setting into its entries, trimming
// whitespace and dropping empty and repeated entries. Order is preserved.
//
// Example:
//
//	SplitList(" kafka-1:9092, kafka-2:9092,,kafka-1:9092")
//	// Returns: []string{"kafka-1:9092", "kafka-2:9092"}
func SplitList(raw string) []string {
	return split(raw, strings.TrimSpace)
}

// SplitListLower is like SplitList but lowercases each entry, for settings
// naming backends case-insensitively.
func SplitListLower(raw string) []string {
	return split(raw, func(s string) string { return strings.ToLower(strings.TrimSpace(s)) })
}

func split(raw string, normalize func(string) string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	seen := make(map[string]struct{}, len(parts))
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		v := normalize(p)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; !ok {
			seen[v] = struct{}{}
			result = append(result, v)
		}
	}
	return result
}
