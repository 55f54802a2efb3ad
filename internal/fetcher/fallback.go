package fetcher

import (
	"github.com/shopspring/decimal"

	"fxwatch/internal/currency"
)

// FallbackTable is the static last-resort lookup, keyed base -> quote.
type FallbackTable map[string]map[string]decimal.Decimal

// DefaultFallbackTable returns approximate 2025 rates for the default currency set.
func DefaultFallbackTable() FallbackTable {
	return FallbackTableFromFloats(map[string]map[string]float64{
		"USD": {"INR": 88, "EUR": 0.92, "GBP": 0.79, "JPY": 146},
		"INR": {"USD": 0.011, "EUR": 0.010, "GBP": 0.0090, "JPY": 1.65},
		"EUR": {"USD": 1.09, "INR": 96, "GBP": 0.86, "JPY": 159},
		"GBP": {"USD": 1.27, "INR": 112, "EUR": 1.16, "JPY": 185},
		"JPY": {"USD": 0.0068, "INR": 0.61, "EUR": 0.0063, "GBP": 0.0054},
	})
}

// FallbackTableFromFloats converts a config-shaped table.
func FallbackTableFromFloats(raw map[string]map[string]float64) FallbackTable {
	table := make(FallbackTable, len(raw))
	for base, quotes := range raw {
		row := make(map[string]decimal.Decimal, len(quotes))
		for quote, rate := range quotes {
			row[quote] = decimal.NewFromFloat(rate)
		}
		table[base] = row
	}
	return table
}

// Lookup returns the table rate when present and positive.
func (t FallbackTable) Lookup(pair currency.Pair) (decimal.Decimal, bool) {
	row, ok := t[pair.Base]
	if !ok {
		return decimal.Decimal{}, false
	}
	rate, ok := row[pair.Quote]
	if !ok || !rate.IsPositive() {
		return decimal.Decimal{}, false
	}
	return rate, true
}

// Resolve returns the table rate, or 1 when the pair is absent.
func (t FallbackTable) Resolve(pair currency.Pair) decimal.Decimal {
	if rate, ok := t.Lookup(pair); ok {
		return rate
	}
	return decimal.NewFromInt(1)
}
