package utils

import "strings"

const Digits = "0123456789"

// Crockford is the base32 alphabet used by ULIDs (no I, L, O, U).
const Crockford = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

// LuhnCheckChar computes the Luhn mod-N check character for payload over the
// given alphabet. ok is false if payload contains a character outside it.
func LuhnCheckChar(alphabet, payload string) (byte, bool) {
	n := len(alphabet)
	sum := 0
	factor := 2
	for i := len(payload) - 1; i >= 0; i-- {
		code := strings.IndexByte(alphabet, payload[i])
		if code < 0 {
			return 0, false
		}
		addend := factor * code
		addend = addend/n + addend%n
		sum += addend
		if factor == 2 {
			factor = 1
		} else {
			factor = 2
		}
	}
	return alphabet[(n-sum%n)%n], true
}

// IsValidLuhn reports whether the last character of number is the Luhn mod-N
// check character of the rest.
func IsValidLuhn(alphabet, number string) bool {
	if len(number) < 2 {
		return false
	}
	check, ok := LuhnCheckChar(alphabet, number[:len(number)-1])
	return ok && check == number[len(number)-1]
}
