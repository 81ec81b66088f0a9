// Package markdown holds the text safety rules for chat-network payloads:
// markdown escaping, mention neutralization and length limits.
//
// Every function here is idempotent: applying it to its own output is a no-op.
// Lengths are counted in runes, which is how Discord counts its 2000 limit.
package markdown

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// ZWSP is inserted after '@' to break mention tokens.
const ZWSP = "​"

const specials = "\\*_~`|>"

func isSpecial(r rune) bool { return strings.ContainsRune(specials, r) }

// Escape backslash-escapes markdown delimiters. Characters that are already
// escaped are left alone. A lone backslash is doubled so it cannot escape a
// delimiter that follows it in a template.
func Escape(s string) string {
	if !strings.ContainsAny(s, specials) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 8)
	rs := []rune(s)
	for i := 0; i < len(rs); i++ {
		r := rs[i]
		if r == '\\' {
			if i+1 < len(rs) && isSpecial(rs[i+1]) {
				b.WriteRune(r)
				b.WriteRune(rs[i+1])
				i++
				continue
			}
			b.WriteString(`\\`)
			continue
		}
		if isSpecial(r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// NeutralizeMentions inserts a zero-width space after every '@' that would
// otherwise start a mention: @everyone, @here, @name, <@id>, <@!id>, <@&id>.
func NeutralizeMentions(s string) string {
	if !strings.Contains(s, "@") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 6)
	for i, r := range s {
		b.WriteRune(r)
		if r != '@' {
			continue
		}
		next, _ := utf8.DecodeRuneInString(s[i+1:])
		if mentionStart(next) {
			b.WriteString(ZWSP)
		}
	}
	return b.String()
}

func mentionStart(r rune) bool {
	if r == utf8.RuneError {
		return false
	}
	return r == '_' || r == '!' || r == '&' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

// Len is the payload length as the remote counts it.
func Len(s string) int { return utf8.RuneCountInString(s) }

// Truncate shortens s to at most max runes, ending with an ellipsis when cut.
func Truncate(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	rs := []rune(s)
	if max == 1 {
		return "…"
	}
	keep := rs[:max-1]
	// Never end on half of an escape pair.
	n := 0
	for i := len(keep) - 1; i >= 0 && keep[i] == '\\'; i-- {
		n++
	}
	if n%2 == 1 {
		keep = keep[:len(keep)-1]
	}
	return string(keep) + "…"
}

// Sanitize makes untrusted text safe to post: mentions neutralized, markdown
// escaped, length capped.
func Sanitize(s string, max int) string {
	return Truncate(Escape(NeutralizeMentions(s)), max)
}

// SafeInCodeBlock keeps a line from closing a fenced code block early.
func SafeInCodeBlock(s string) string {
	for strings.Contains(s, "```") {
		s = strings.ReplaceAll(s, "```", "`"+ZWSP+"``")
	}
	return s
}
