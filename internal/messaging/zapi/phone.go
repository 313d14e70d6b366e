package zapi

import (
	"strings"
	"unicode"
)

// Digits keeps only the decimal digits of raw.
func Digits(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if unicode.IsDigit(r) && r < 128 {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// CleanPhone normalizes a Brazilian number to the 55-prefixed form Z-API and
// the CRM expect. Numbers that already carry the country code are kept.
func CleanPhone(raw string) string {
	p := Digits(raw)
	switch {
	case p == "":
		return ""
	case len(p) > 11 && strings.HasPrefix(p, "55"):
		return p
	case !strings.HasPrefix(p, "55"):
		return "55" + p
	default:
		return p
	}
}
