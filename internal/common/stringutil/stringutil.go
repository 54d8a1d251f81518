// Package stringutil provides common string utility functions.
package stringutil

import "strings"

// TruncateString truncates a string to a maximum number of runes.
// If the string is shorter than maxLen, it returns the original string.
func TruncateString(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen])
}

// TruncateStringWithEllipsis truncates a string to a maximum length and adds
// an "..." suffix. If the string is shorter than maxLen, it returns the
// original string unchanged.
func TruncateStringWithEllipsis(s string, maxLen int) string {
	if maxLen < 4 {
		return TruncateString(s, maxLen)
	}
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen-3]) + "..."
}

// FirstLine returns the first non-empty line of s with surrounding
// whitespace trimmed. Used to derive display titles from message text.
func FirstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}
