// Package phone normalizes phone numbers and matches them against lead records.
//
// Matching uses the trailing ten digits of each number. Numbers that share a
// local suffix under different country codes will match; everything that
// compares numbers goes through Matches so the rule can be tightened in one place.
package phone

import (
	"path/filepath"
	"strings"
)

// MatchDigits is the number of trailing digits used as the match key.
const MatchDigits = 10

// Digits strips everything except ASCII digits.
func Digits(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Normalize returns the digits of raw, keeping a leading '+' if present.
// Blank or digit-free input normalizes to "".
func Normalize(raw string) string {
	raw = strings.TrimSpace(raw)
	d := Digits(raw)
	if d == "" {
		return ""
	}
	if strings.HasPrefix(raw, "+") {
		return "+" + d
	}
	return d
}

// Key returns the match key for raw: the last MatchDigits digits, or all
// digits when the number is shorter.
func Key(raw string) string {
	d := Digits(raw)
	if len(d) > MatchDigits {
		return d[len(d)-MatchDigits:]
	}
	return d
}

// Matches reports whether a and b refer to the same subscriber.
func Matches(a, b string) bool {
	ka, kb := Key(a), Key(b)
	if ka == "" || kb == "" {
		return false
	}
	return ka == kb
}

// FromFileName extracts a candidate number from a recording file name.
// It returns the last MatchDigits digits when the base name (without
// extension) carries at least that many, otherwise "".
func FromFileName(name string) string {
	base := filepath.Base(name)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	d := Digits(base)
	if len(d) < MatchDigits {
		return ""
	}
	return d[len(d)-MatchDigits:]
}

// IsBlank reports whether raw carries no digits.
func IsBlank(raw string) bool {
	return Digits(raw) == ""
}
