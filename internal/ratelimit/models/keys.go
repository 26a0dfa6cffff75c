package models

import "strings"

const keyPrefix = "rl"

// SanitizeKeySegment escapes delimiter characters in rate limit key segments
// to prevent key collision attacks where user-controlled identifiers containing
// ':' could manipulate adjacent rate limit buckets.
//
// Example: An identifier "user:admin" would become "user_admin", preventing
// it from being interpreted as a separate key segment.
func SanitizeKeySegment(s string) string {
	return strings.ReplaceAll(s, ":", "_")
}

// WindowKey builds the store key for a client ip and route class.
// IPv6 addresses contain ':' and are sanitized like any other segment.
func WindowKey(ip, class string) string {
	return keyPrefix + ":" + SanitizeKeySegment(class) + ":" + SanitizeKeySegment(ip)
}
