package linking

import (
	"strings"
	"unicode"
)

// suffixDigits is how many trailing digits two phones must share to be
// considered the same number. It tolerates differing country-code and
// formatting conventions at the cost of occasionally over-matching.
const suffixDigits = 9

// NormalizePhone strips '+' signs and whitespace.
func NormalizePhone(raw string) string {
	return strings.Map(func(r rune) rune {
		if r == '+' || unicode.IsSpace(r) {
			return -1
		}
		return r
	}, raw)
}

// PhoneSuffix returns the last nine characters of a normalized phone, or the
// whole value when it is shorter.
func PhoneSuffix(normalized string) string {
	if len(normalized) <= suffixDigits {
		return normalized
	}
	return normalized[len(normalized)-suffixDigits:]
}

// PhonesMatch reports whether two phones are equal after normalization or
// share their final nine digits.
func PhonesMatch(a, b string) bool {
	a, b = NormalizePhone(a), NormalizePhone(b)
	if a == "" || b == "" {
		return false
	}
	if a == b {
		return true
	}
	if len(a) < suffixDigits || len(b) < suffixDigits {
		return false
	}
	return PhoneSuffix(a) == PhoneSuffix(b)
}
