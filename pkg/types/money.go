package types

import "github.com/shopspring/decimal"

// CurrencyPlaces is the number of decimal places amounts are rounded to
const CurrencyPlaces = 2

var hundred = decimal.NewFromInt(100)

// RoundMoney rounds an amount to currency precision (half away from zero)
func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(CurrencyPlaces)
}

// Money builds a decimal amount from a float literal, rounded to currency precision
func Money(f float64) decimal.Decimal {
	return RoundMoney(decimal.NewFromFloat(f))
}

// Percent converts a percentage (8 for 8%) into a rate (0.08)
func Percent(p decimal.Decimal) decimal.Decimal {
	return p.Div(hundred)
}
