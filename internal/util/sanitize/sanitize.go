// Package sanitize cleans untrusted text before it is persisted or
// broadcast: session titles derived from user messages, and memory
// content echoed back on room channels.
package sanitize

import (
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
)

var strict = bluemonday.StrictPolicy()

// Title derives a display title from raw message content: HTML is
// stripped, control characters removed, whitespace collapsed to single
// spaces, and the result truncated to maxLen runes.
func Title(s string, maxLen int) string {
	s = strict.Sanitize(s)

	var b strings.Builder
	b.Grow(len(s))
	space := false
	n := 0
	for _, r := range s {
		if unicode.IsControl(r) {
			continue
		}
		if unicode.IsSpace(r) {
			space = true
			continue
		}
		if n >= maxLen {
			break
		}
		if space && b.Len() > 0 {
			b.WriteByte(' ')
			n++
			if n >= maxLen {
				break
			}
		}
		space = false
		b.WriteRune(r)
		n++
	}
	return strings.TrimSpace(b.String())
}

// Text strips HTML and control characters but preserves newlines, tabs
// and length. Used for memory content and room replies.
func Text(s string) string {
	s = strict.Sanitize(s)
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
