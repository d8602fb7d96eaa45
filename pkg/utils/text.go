// Package utils provides shared helpers for logging, text, and vector math.
package utils

// Truncate returns s cut to maxLen runes with "..." appended when it was cut.
// If maxLen is 0 or negative, s is returned unchanged.
func Truncate(s string, maxLen int) string {
	if maxLen <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen]) + "..."
}
