// Package money provides shared amount parsing, rounding and currency helpers.
//
// Amounts are decimal values in major units (e.g. "100.50" USD). Each currency
// is rounded to its ISO 4217 minor-unit exponent before it touches the ledger.
package money

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidAmount   = errors.New("invalid amount")
	ErrInvalidCurrency = errors.New("invalid currency")
)

// zeroDecimal lists currencies without minor units.
var zeroDecimal = map[string]bool{
	"BIF": true, "CLP": true, "DJF": true, "GNF": true, "JPY": true,
	"KMF": true, "KRW": true, "PYG": true, "RWF": true, "UGX": true,
	"VND": true, "VUV": true, "XAF": true, "XOF": true, "XPF": true,
}

// threeDecimal lists currencies with three minor digits.
var threeDecimal = map[string]bool{
	"BHD": true, "IQD": true, "JOD": true, "KWD": true, "LYD": true, "OMR": true, "TND": true,
}

// Exponent returns the number of minor-unit digits for a currency.
func Exponent(currency string) int32 {
	c := strings.ToUpper(currency)
	switch {
	case zeroDecimal[c]:
		return 0
	case threeDecimal[c]:
		return 3
	default:
		return 2
	}
}

// NormalizeCurrency upper-cases and validates a three-letter ISO code.
func NormalizeCurrency(currency string) (string, error) {
	c := strings.ToUpper(strings.TrimSpace(currency))
	if len(c) != 3 {
		return "", ErrInvalidCurrency
	}
	for _, r := range c {
		if r < 'A' || r > 'Z' {
			return "", ErrInvalidCurrency
		}
	}
	return c, nil
}

// Parse converts a decimal string into an amount rounded to the currency's
// minor units.
//
// Rules:
//   - Empty, negative or zero amounts are rejected
//   - Amounts with more precision than the currency allows are rejected
//     rather than silently rounded
func Parse(s, currency string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, ErrInvalidAmount
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, ErrInvalidAmount
	}
	if !d.IsPositive() {
		return decimal.Zero, ErrInvalidAmount
	}
	if !d.Equal(d.Truncate(Exponent(currency))) {
		return decimal.Zero, ErrInvalidAmount
	}
	return d, nil
}

// Round rounds an amount half-even to the currency's minor units.
func Round(amount decimal.Decimal, currency string) decimal.Decimal {
	return amount.RoundBank(Exponent(currency))
}

// ToMinor converts a major-unit amount into integer minor units (cents).
func ToMinor(amount decimal.Decimal, currency string) int64 {
	return Round(amount, currency).Shift(Exponent(currency)).IntPart()
}

// FromMinor converts integer minor units into a major-unit amount.
func FromMinor(minor int64, currency string) decimal.Decimal {
	return decimal.New(minor, -Exponent(currency))
}

// Format renders an amount with exactly the currency's minor digits.
func Format(amount decimal.Decimal, currency string) string {
	return amount.StringFixed(Exponent(currency))
}
