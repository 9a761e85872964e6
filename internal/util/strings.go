package util

import (
	"slices"
	"strings"
)

// SafeTruncate returns at most maxLen bytes of s. Used to log a recognizable
// prefix of a credential without logging the credential. A negative maxLen
// yields "".
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// NormalizeURL strips trailing slashes so issuer and endpoint URLs compare
// equal regardless of how the client wrote them.
func NormalizeURL(url string) string {
	return strings.TrimRight(url, "/")
}

// SplitScope splits a space separated scope string, dropping duplicates
// while keeping first-seen order.
func SplitScope(scope string) []string {
	var out []string
	for _, s := range strings.Fields(scope) {
		if !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}

// IsScopeSubset reports whether every scope in requested is also in granted
func IsScopeSubset(requested, granted string) bool {
	g := strings.Fields(granted)
	for _, s := range strings.Fields(requested) {
		if !slices.Contains(g, s) {
			return false
		}
	}
	return true
}

// IntersectScope keeps the scopes of requested that appear in allowed, in
// requested order.
func IntersectScope(requested, allowed string) string {
	a := strings.Fields(allowed)
	var out []string
	for _, s := range SplitScope(requested) {
		if slices.Contains(a, s) {
			out = append(out, s)
		}
	}
	return strings.Join(out, " ")
}
