package money

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestParse_ValidAmounts(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		currency string
		expected string
	}{
		{"whole", "1000", "PHP", "1000"},
		{"two decimals", "12.34", "PHP", "12.34"},
		{"one decimal", "12.5", "USD", "12.5"},
		{"yen whole", "500", "JPY", "500"},
		{"dinar three decimals", "1.234", "KWD", "1.234"},
		{"trailing zeros beyond scale", "10.500", "PHP", "10.5"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.input, tt.currency)
			if err != nil {
				t.Fatalf("Parse(%q) error: %v", tt.input, err)
			}
			want := decimal.RequireFromString(tt.expected)
			if !got.Equal(want) {
				t.Errorf("Parse(%q) = %s, want %s", tt.input, got, want)
			}
		})
	}
}

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		currency string
	}{
		{"empty", "", "PHP"},
		{"negative", "-1", "PHP"},
		{"garbage", "abc", "PHP"},
		{"too precise", "1.001", "PHP"},
		{"fractional yen", "1.5", "JPY"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.input, tt.currency)
			if !errors.Is(err, ErrInvalidAmount) {
				t.Errorf("Parse(%q) error = %v, want ErrInvalidAmount", tt.input, err)
			}
		})
	}
}

func TestNormalizeCurrency(t *testing.T) {
	got, err := NormalizeCurrency(" php ")
	if err != nil || got != "PHP" {
		t.Fatalf("NormalizeCurrency = %q, %v", got, err)
	}
	for _, bad := range []string{"", "PH", "PHPX", "P1P"} {
		if _, err := NormalizeCurrency(bad); !errors.Is(err, ErrInvalidCurrency) {
			t.Errorf("NormalizeCurrency(%q) error = %v, want ErrInvalidCurrency", bad, err)
		}
	}
}

func TestMinorUnits_RoundTrip(t *testing.T) {
	d := decimal.RequireFromString("1029.00")
	units, err := ToMinorUnits(d, "PHP")
	if err != nil {
		t.Fatal(err)
	}
	if units != 102900 {
		t.Errorf("ToMinorUnits = %d, want 102900", units)
	}
	if back := FromMinorUnits(units, "PHP"); !back.Equal(d) {
		t.Errorf("FromMinorUnits = %s, want %s", back, d)
	}

	if _, err := ToMinorUnits(decimal.RequireFromString("0.001"), "PHP"); err == nil {
		t.Error("expected error for sub-cent amount")
	}
}

func TestSplit_SumsExactly(t *testing.T) {
	total := decimal.RequireFromString("1000")
	parts := Split(total, 3, "PHP")
	if len(parts) != 3 {
		t.Fatalf("got %d parts", len(parts))
	}
	if !parts[0].Equal(decimal.RequireFromString("333.33")) {
		t.Errorf("first part = %s", parts[0])
	}
	if !parts[2].Equal(decimal.RequireFromString("333.34")) {
		t.Errorf("last part = %s", parts[2])
	}
	if !Sum(parts...).Equal(total) {
		t.Errorf("parts sum to %s, want %s", Sum(parts...), total)
	}
}

func TestFormat(t *testing.T) {
	if got := Format(decimal.NewFromInt(5), "PHP"); got != "5.00" {
		t.Errorf("Format = %q", got)
	}
	if got := Format(decimal.NewFromInt(5), "JPY"); got != "5" {
		t.Errorf("Format JPY = %q", got)
	}
}
