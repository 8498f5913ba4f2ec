package runner

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const maxSlugRunes = 64

// Slug turns free text into a single filesystem-safe path segment: accents
// are stripped, letters lowercased, and every run of other characters
// collapsed to "-". Letters outside ASCII (CJK subjects) are kept.
func Slug(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}

	var b strings.Builder
	n := 0
	dash := false
	for _, r := range strings.ToLower(folded) {
		if n >= maxSlugRunes {
			break
		}
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			n++
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			n++
			dash = true
		}
	}

	out := strings.Trim(b.String(), "-")
	if out == "" {
		return "untitled"
	}
	return out
}
