package referrers

import (
	"regexp"
	"strings"
	"unicode"
)

var searchDirective = regexp.MustCompile(`^(cache|related):\S*`)

// CleanQuery strips a leading cache: or related: directive, collapses
// whitespace and trims. An empty result means no usable query.
func CleanQuery(raw string) string {
	query := searchDirective.ReplaceAllString(strings.TrimSpace(raw), "")
	return strings.Join(strings.Fields(query), " ")
}

// SearchWords splits a query into the words stored for the search words
// report. Punctuation other than . _ - : * separates words.
func SearchWords(query string) []string {
	stripped := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || strings.ContainsRune("._-:*", r) {
			return r
		}
		return ' '
	}, query)
	return strings.Fields(stripped)
}
