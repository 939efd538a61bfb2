// Package money provides fixed-point rupee parsing and formatting.
//
// Amounts use 2 decimal places and are held as big.Int in paise
// (1 rupee = 100 paise). All arithmetic in the scoring and learning
// paths happens on paise to avoid float drift.
package money

import (
	"math/big"
	"strings"
)

const Decimals = 2

// Parse converts a decimal string (e.g. "1500.50") to its paise
// big.Int representation (150050). Returns (nil, false) on invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - Multiple decimal points are rejected
//   - More than 2 fractional digits are rejected, fewer are padded
func Parse(s string) (*big.Int, bool) {
	if s == "" {
		return big.NewInt(0), true
	}

	if strings.HasPrefix(s, "-") {
		return nil, false
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return nil, false
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}

	if len(frac) > Decimals {
		return nil, false
	}
	for len(frac) < Decimals {
		frac += "0"
	}

	combined := whole + frac
	result, ok := new(big.Int).SetString(combined, 10)
	return result, ok
}

// MustParse parses a whole-rupee string into paise, panicking on invalid
// input. Intended for compile-time rule constants only.
func MustParse(s string) *big.Int {
	v, ok := Parse(s)
	if !ok {
		panic("money: invalid amount: " + s)
	}
	return v
}

// Format converts paise to a decimal string with exactly 2 decimal
// places (e.g. "1500.50").
func Format(amount *big.Int) string {
	if amount == nil {
		return "0.00"
	}
	neg := amount.Sign() < 0
	abs := new(big.Int).Abs(amount)
	s := abs.String()
	for len(s) < Decimals+1 {
		s = "0" + s
	}
	decimal := len(s) - Decimals
	result := s[:decimal] + "." + s[decimal:]
	if neg {
		result = "-" + result
	}
	return result
}

// FormatDelimited renders the whole-rupee part with thousands separators
// and no fractional digits (e.g. 15000000 paise -> "150,000"). Used in
// user-facing notification messages.
func FormatDelimited(amount *big.Int) string {
	if amount == nil {
		return "0"
	}
	whole := new(big.Int).Quo(new(big.Int).Abs(amount), big.NewInt(100)).String()

	var b strings.Builder
	if amount.Sign() < 0 {
		b.WriteByte('-')
	}
	lead := len(whole) % 3
	if lead > 0 {
		b.WriteString(whole[:lead])
		if len(whole) > lead {
			b.WriteByte(',')
		}
	}
	for i := lead; i < len(whole); i += 3 {
		b.WriteString(whole[i : i+3])
		if i+3 < len(whole) {
			b.WriteByte(',')
		}
	}
	return b.String()
}
