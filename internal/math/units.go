package math

import (
	"fmt"
	"strings"

	"github.com/holiman/uint256"
)

// FormatUnits renders v as a decimal with the given number of fractional
// digits, trimming trailing zeros. FormatUnits(1500, 3) == "1.5".
func FormatUnits(v *uint256.Int, decimals int) string {
	s := v.Dec()
	if decimals <= 0 {
		return s
	}
	if len(s) <= decimals {
		s = strings.Repeat("0", decimals-len(s)+1) + s
	}
	whole, frac := s[:len(s)-decimals], strings.TrimRight(s[len(s)-decimals:], "0")
	if frac == "" {
		return whole
	}
	return whole + "." + frac
}

// ParseUnits is the inverse of FormatUnits. Extra fractional digits are
// rejected rather than rounded.
func ParseUnits(s string, decimals int) (*uint256.Int, error) {
	whole, frac, _ := strings.Cut(strings.TrimSpace(s), ".")
	if len(frac) > decimals {
		return nil, fmt.Errorf("%q has more than %d fractional digits", s, decimals)
	}
	if whole == "" {
		whole = "0"
	}
	digits := strings.TrimLeft(whole+frac+strings.Repeat("0", decimals-len(frac)), "0")
	if digits == "" {
		digits = "0"
	}
	v, err := uint256.FromDecimal(digits)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", s, err)
	}
	return v, nil
}
