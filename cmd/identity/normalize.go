package identity

import "strings"

// NormalizeUserID trims surrounding whitespace. User IDs are opaque and case-sensitive.
func NormalizeUserID(s string) string {
	return strings.TrimSpace(s)
}

// NormalizeEmail performs case-insensitive canonicalization.
func NormalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
