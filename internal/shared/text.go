package shared

import (
	"strings"
	"unicode/utf8"
)

// Clip truncates s to at most max runes, appending "…" when it cut anything.
func Clip(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	if max == 1 {
		return "…"
	}
	return string(r[:max-1]) + "…"
}

// Summarize collapses whitespace and clips to max runes. Used for task names
// and one-line previews.
func Summarize(s string, max int) string {
	return Clip(strings.Join(strings.Fields(s), " "), max)
}

// FirstNonEmpty returns the first argument that is not blank after trimming.
func FirstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
