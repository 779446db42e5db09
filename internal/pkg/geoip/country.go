package geoip

import (
	"strings"

	"github.com/pariz/gountries"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var countries = gountries.New()

// CountryName returns the common English name for an ISO alpha-2 code.
// Unknown codes come back upper-cased.
func CountryName(code string) string {
	if code == "" {
		return "Unknown"
	}
	country, err := countries.FindCountryByAlpha(strings.ToUpper(code))
	if err != nil {
		return cases.Upper(language.AmericanEnglish).String(code)
	}
	return country.Name.Common
}
