// Package money holds currency metadata and integer minor-unit arithmetic.
// Balances are never represented as floats.
package money

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// Currency represents an ISO 4217 currency code
type Currency string

const (
	USD Currency = "USD"
	EUR Currency = "EUR"
	GBP Currency = "GBP"
	CAD Currency = "CAD"
	AUD Currency = "AUD"
	JPY Currency = "JPY"
)

// CurrencyInfo contains metadata about a currency
type CurrencyInfo struct {
	Code        Currency
	MinorUnits  int
	Symbol      string
	SymbolFirst bool
}

var currencies = map[Currency]CurrencyInfo{
	USD: {Code: USD, MinorUnits: 2, Symbol: "$", SymbolFirst: true},
	EUR: {Code: EUR, MinorUnits: 2, Symbol: "€", SymbolFirst: true},
	GBP: {Code: GBP, MinorUnits: 2, Symbol: "£", SymbolFirst: true},
	CAD: {Code: CAD, MinorUnits: 2, Symbol: "CA$", SymbolFirst: true},
	AUD: {Code: AUD, MinorUnits: 2, Symbol: "A$", SymbolFirst: true},
	JPY: {Code: JPY, MinorUnits: 0, Symbol: "¥", SymbolFirst: true},
}

var (
	ErrUnknownCurrency = errors.New("unknown currency")
	ErrOverflow        = errors.New("amount overflow")
)

// GetCurrencyInfo returns info about a currency
func GetCurrencyInfo(c Currency) (CurrencyInfo, bool) {
	info, ok := currencies[c]
	return info, ok
}

// ParseCurrency normalizes and validates a currency code.
func ParseCurrency(s string) (Currency, error) {
	c := Currency(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := currencies[c]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownCurrency, s)
	}
	return c, nil
}

// Add returns a+b, failing instead of wrapping on overflow.
func Add(a, b int64) (int64, error) {
	if (b > 0 && a > math.MaxInt64-b) || (b < 0 && a < math.MinInt64-b) {
		return 0, ErrOverflow
	}
	return a + b, nil
}

// Sub returns a-b, failing instead of wrapping on overflow.
func Sub(a, b int64) (int64, error) {
	if b == math.MinInt64 {
		return 0, ErrOverflow
	}
	return Add(a, -b)
}

// Format renders minor units for humans, e.g. Format(2550, USD) == "$25.50".
func Format(amountMinor int64, currency Currency) string {
	info, ok := currencies[currency]
	if !ok {
		return fmt.Sprintf("%d %s (minor)", amountMinor, currency)
	}

	sign := ""
	if amountMinor < 0 {
		sign = "-"
		amountMinor = -amountMinor
	}

	var body string
	if info.MinorUnits == 0 {
		body = fmt.Sprintf("%d", amountMinor)
	} else {
		divisor := int64(math.Pow10(info.MinorUnits))
		body = fmt.Sprintf("%d.%0*d", amountMinor/divisor, info.MinorUnits, amountMinor%divisor)
	}

	if info.SymbolFirst {
		return sign + info.Symbol + body
	}
	return sign + body + info.Symbol
}
