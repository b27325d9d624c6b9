package util

import "strings"

// Truncate trims s and keeps at most n runes of it, marking a cut with "..."
func Truncate(s string, n int) string {
	r := []rune(strings.TrimSpace(s))
	if n < 0 {
		n = 0
	}
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n]) + "..."
}
