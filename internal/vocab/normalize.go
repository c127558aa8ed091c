package vocab

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Normalize returns the comparison key for a label: trimmed, lower-cased,
// with underscores and dashes read as spaces, runs of whitespace collapsed
// and diacritics removed, so "Stĺp_verejného  osvetlenia" and
// "stlp verejneho osvetlenia" compare equal.
func Normalize(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(s))
	space := false
	for _, r := range norm.NFD.String(strings.ToLower(s)) {
		if unicode.In(r, unicode.Mn) {
			continue
		}
		if r == '_' || r == '-' || unicode.IsSpace(r) {
			space = true
			continue
		}
		if space && b.Len() > 0 {
			b.WriteByte(' ')
		}
		space = false
		b.WriteRune(r)
	}
	return b.String()
}

// EqualLabels reports whether two labels name the same value.
// Empty labels never match.
func EqualLabels(a, b string) bool {
	na, nb := Normalize(a), Normalize(b)
	return na != "" && na == nb
}
