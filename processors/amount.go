package processors

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Minor-unit exponents that differ from the default of two decimals.
var currencyExponent = map[string]int32{
	"BIF": 0, "CLP": 0, "DJF": 0, "GNF": 0, "JPY": 0, "KMF": 0, "KRW": 0,
	"MGA": 0, "PYG": 0, "RWF": 0, "UGX": 0, "VND": 0, "VUV": 0, "XAF": 0,
	"XOF": 0, "XPF": 0,
	"BHD": 3, "JOD": 3, "KWD": 3, "OMR": 3, "TND": 3,
}

func NormalizeCurrency(c string) string {
	return strings.ToUpper(strings.TrimSpace(c))
}

// MinorUnitMultiplier returns 10^exponent for the currency (100 by default).
func MinorUnitMultiplier(currency string) decimal.Decimal {
	exp, ok := currencyExponent[NormalizeCurrency(currency)]
	if !ok {
		exp = 2
	}
	return decimal.New(1, exp)
}

// ToMinorUnits converts a major-unit amount, rounding half away from zero.
func ToMinorUnits(amount decimal.Decimal, currency string) int64 {
	return amount.Mul(MinorUnitMultiplier(currency)).Round(0).IntPart()
}

// FromMinorUnits converts minor units back to a major-unit amount.
func FromMinorUnits(minor int64, currency string) decimal.Decimal {
	return decimal.NewFromInt(minor).Div(MinorUnitMultiplier(currency))
}
