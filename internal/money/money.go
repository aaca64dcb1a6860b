// Package money provides currency-aware decimal parsing, rounding and
// minor-unit conversion for escrow amounts.
//
// Amounts are carried as decimal.Decimal everywhere so that sums of
// milestone payouts and refunds compare exactly against the funded amount.
package money

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidAmount   = errors.New("money: invalid amount")
	ErrInvalidCurrency = errors.New("money: invalid currency code")
)

// zeroDecimalCurrencies have no minor unit.
var zeroDecimalCurrencies = map[string]bool{
	"JPY": true, "KRW": true, "VND": true, "CLP": true, "ISK": true, "UGX": true,
}

// threeDecimalCurrencies use thousandths as the minor unit.
var threeDecimalCurrencies = map[string]bool{
	"BHD": true, "KWD": true, "OMR": true, "JOD": true, "TND": true,
}

// NormalizeCurrency upper-cases and validates an ISO 4217 alpha code.
func NormalizeCurrency(code string) (string, error) {
	c := strings.ToUpper(strings.TrimSpace(code))
	if len(c) != 3 {
		return "", fmt.Errorf("%w: %q", ErrInvalidCurrency, code)
	}
	for _, r := range c {
		if r < 'A' || r > 'Z' {
			return "", fmt.Errorf("%w: %q", ErrInvalidCurrency, code)
		}
	}
	return c, nil
}

// Scale returns the number of minor-unit digits for a currency.
func Scale(currency string) int32 {
	c := strings.ToUpper(currency)
	switch {
	case zeroDecimalCurrencies[c]:
		return 0
	case threeDecimalCurrencies[c]:
		return 3
	default:
		return 2
	}
}

// Parse converts a decimal string into an amount. Negative values and
// values with more precision than the currency allows are rejected.
func Parse(s, currency string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, fmt.Errorf("%w: empty", ErrInvalidAmount)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: negative", ErrInvalidAmount)
	}
	if !d.Equal(Round(d, currency)) {
		return decimal.Zero, fmt.Errorf("%w: %q has more than %d decimal places", ErrInvalidAmount, s, Scale(currency))
	}
	return d, nil
}

// Round rounds an amount to the currency's minor unit (half away from zero).
func Round(d decimal.Decimal, currency string) decimal.Decimal {
	return d.Round(Scale(currency))
}

// Format renders an amount with exactly the currency's minor-unit digits.
func Format(d decimal.Decimal, currency string) string {
	return d.StringFixed(Scale(currency))
}

// ToMinorUnits converts an amount into integer minor units (cents for PHP,
// yen for JPY) as expected by card processors.
func ToMinorUnits(d decimal.Decimal, currency string) (int64, error) {
	scaled := d.Shift(Scale(currency))
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, fmt.Errorf("%w: %s is not representable in %s minor units", ErrInvalidAmount, d.String(), currency)
	}
	return scaled.IntPart(), nil
}

// FromMinorUnits is the inverse of ToMinorUnits.
func FromMinorUnits(units int64, currency string) decimal.Decimal {
	return decimal.New(units, -Scale(currency))
}

// Sum adds amounts.
func Sum(amounts ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}

// Split divides total into n parts that are each rounded to the currency's
// minor unit. The last part absorbs the rounding remainder so the parts
// always sum to total exactly.
func Split(total decimal.Decimal, n int, currency string) []decimal.Decimal {
	if n <= 0 {
		return nil
	}
	parts := make([]decimal.Decimal, n)
	share := total.Div(decimal.NewFromInt(int64(n))).RoundDown(Scale(currency))
	allocated := decimal.Zero
	for i := 0; i < n-1; i++ {
		parts[i] = share
		allocated = allocated.Add(share)
	}
	parts[n-1] = total.Sub(allocated)
	return parts
}
