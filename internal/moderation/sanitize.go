package moderation

import (
	"regexp"
	"strings"
	"unicode"
)

// Field length limits, in runes, applied by Sanitize.
const (
	MaxMessageChars     = 2000
	MaxDisplayNameChars = 50
	MaxReasonChars      = 500
	MaxConfigNameChars  = 100
)

// tagPattern matches anything shaped like a markup tag, including comments
// and tags with attributes.
var tagPattern = regexp.MustCompile(`<[^<>]*>`)

// Sanitize strips markup-like tags and control characters, collapses runs
// of non-newline whitespace to a single space, trims, and truncates the
// result to maxLength runes. It never fails; invalid UTF-8 is dropped.
func Sanitize(raw string, maxLength int) string {
	if maxLength <= 0 || raw == "" {
		return ""
	}

	s := strings.ToValidUTF8(raw, "")
	s = tagPattern.ReplaceAllString(s, "")
	s = strings.NewReplacer("<", "", ">", "", "\r\n", "\n", "\r", "\n").Replace(s)

	var b strings.Builder
	b.Grow(len(s))
	pendingSpace := false
	for _, r := range s {
		switch {
		case r == '\n':
			pendingSpace = false
			b.WriteRune(r)
		case unicode.IsSpace(r):
			pendingSpace = true
		case unicode.IsControl(r), r == '\u200b', r == '\ufeff':
			// dropped
		default:
			if pendingSpace {
				b.WriteByte(' ')
				pendingSpace = false
			}
			b.WriteRune(r)
		}
	}

	s = strings.TrimSpace(b.String())
	s = trimSpaceAroundNewlines(s)

	runes := []rune(s)
	if len(runes) > maxLength {
		s = strings.TrimSpace(string(runes[:maxLength]))
	}
	return s
}

// SanitizeValue sanitizes v when it is a string and returns "" for any
// other type, so JSON payload fields of the wrong shape read as empty.
func SanitizeValue(v any, maxLength int) string {
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return Sanitize(s, maxLength)
}

// trimSpaceAroundNewlines removes the single spaces left at line edges.
func trimSpaceAroundNewlines(s string) string {
	if !strings.Contains(s, "\n") {
		return s
	}
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	return strings.Join(lines, "\n")
}
