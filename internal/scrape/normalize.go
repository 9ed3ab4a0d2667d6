package scrape

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/unicode/norm"
)

var (
	htmlTags   = regexp.MustCompile(`<[^>]*>`)
	whitespace = regexp.MustCompile(`\s+`)
)

// CanonicalDescription cleans portal text for line-item descriptions: strips
// markup and diacritics, drops control characters, and collapses whitespace.
// Adapters run every scraped description through this before building items.
func CanonicalDescription(s string) string {
	s = htmlTags.ReplaceAllString(s, " ")

	t := norm.NFD.String(s)
	t = runes.Remove(runes.In(unicode.Mn)).String(t)
	t = norm.NFC.String(t)

	t = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, t)

	return strings.TrimSpace(whitespace.ReplaceAllString(t, " "))
}
