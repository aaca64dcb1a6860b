package escrow

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/mbd888/taskescrow/internal/money"
)

// FeeRates are fractions of the escrowed amount (0.05 = 5%).
type FeeRates struct {
	Platform   decimal.Decimal `json:"platform" toml:"platform"`
	Processing decimal.Decimal `json:"processing" toml:"processing"`
}

// FeeSchedule holds the default rates and per-currency overrides.
type FeeSchedule struct {
	Default     FeeRates            `json:"default"`
	PerCurrency map[string]FeeRates `json:"perCurrency,omitempty"`
}

// DefaultFeeSchedule charges 5% platform and 2.9% processing.
func DefaultFeeSchedule() FeeSchedule {
	return FeeSchedule{
		Default: FeeRates{
			Platform:   decimal.RequireFromString("0.05"),
			Processing: decimal.RequireFromString("0.029"),
		},
	}
}

// RatesFor returns the override for currency, or the default rates.
func (s FeeSchedule) RatesFor(currency string) FeeRates {
	if r, ok := s.PerCurrency[strings.ToUpper(currency)]; ok {
		return r
	}
	return s.Default
}

// CalculateFees computes fees for amount. Each component is rounded to the
// currency's minor unit so the client is charged an exact amount.
func CalculateFees(amount decimal.Decimal, currency string, schedule FeeSchedule) Fees {
	rates := schedule.RatesFor(currency)
	platform := money.Round(amount.Mul(rates.Platform), currency)
	processing := money.Round(amount.Mul(rates.Processing), currency)
	return Fees{
		Platform:   platform,
		Processing: processing,
		Total:      platform.Add(processing),
	}
}

// refundableFees returns the fee amount returned to the client on cancellation.
func refundableFees(f Fees, policy RefundPolicy) decimal.Decimal {
	switch policy {
	case RefundFull:
		return f.Total
	case RefundPartial:
		return f.Platform
	default:
		return decimal.Zero
	}
}
