// Package parser turns crawled pages into chunked, classified documents.
package parser

import (
	"strings"
	"unicode"
)

// Clean drops control characters, collapses whitespace runs to a single space
// and trims the result.
func Clean(text string) string {
	var b strings.Builder
	b.Grow(len(text))

	space := false
	for _, r := range text {
		switch {
		case unicode.IsSpace(r):
			space = true
		case unicode.IsControl(r), r == '\uFEFF', r == '\uFFFD':
			continue
		default:
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		}
	}
	return b.String()
}
