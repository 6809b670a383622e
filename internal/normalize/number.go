// Package normalize turns vendor-specific card strings (numbers, finishes,
// conditions, languages, set names) into canonical comparable tokens. Every
// function here is pure and total: any input, including garbage, yields a
// defined token.
package normalize

import (
	"strings"
	"unicode"
)

// Number canonicalizes a display card number. A leading '#' is stripped,
// "004/130" collapses to "4" (denominator dropped, leading zeros stripped),
// and alphanumeric promo codes like "SWSH001" pass through unchanged.
func Number(raw string) string {
	n := strings.TrimSpace(raw)
	n = strings.TrimPrefix(n, "#")

	if i := strings.IndexByte(n, '/'); i >= 0 {
		n = n[:i]
	}
	n = strings.TrimSpace(n)

	if isDigits(n) {
		return stripLeadingZeros(n)
	}
	return n
}

// MatchNumber is the stricter matching form of Number: after the Number
// rules it splits an alpha prefix from a numeric suffix and rejoins them as
// PREFIX<int>, uppercased, so "BW04" and "bw004" compare equal. Idempotent:
// MatchNumber(MatchNumber(x)) == MatchNumber(x).
func MatchNumber(raw string) string {
	n := strings.ToUpper(Number(raw))

	// Locate a trailing run of digits preceded by letters.
	i := len(n)
	for i > 0 && unicode.IsDigit(rune(n[i-1])) {
		i--
	}
	if i == 0 || i == len(n) {
		return n
	}
	prefix, digits := n[:i], n[i:]
	for _, r := range prefix {
		if !unicode.IsLetter(r) {
			return n
		}
	}
	return prefix + stripLeadingZeros(digits)
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func stripLeadingZeros(s string) string {
	t := strings.TrimLeft(s, "0")
	if t == "" {
		return "0"
	}
	return t
}
