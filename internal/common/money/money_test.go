package money

import (
	"errors"
	"math"
	"testing"
)

func TestFormat(t *testing.T) {
	cases := []struct {
		amount   int64
		currency Currency
		want     string
	}{
		{2550, USD, "$25.50"},
		{5, EUR, "€0.05"},
		{-1000, GBP, "-£10.00"},
		{1200, JPY, "¥1200"},
		{42, Currency("XXX"), "42 XXX (minor)"},
	}
	for _, tc := range cases {
		if got := Format(tc.amount, tc.currency); got != tc.want {
			t.Errorf("Format(%d, %s) = %q, want %q", tc.amount, tc.currency, got, tc.want)
		}
	}
}

func TestParseCurrency(t *testing.T) {
	c, err := ParseCurrency(" usd ")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if c != USD {
		t.Fatalf("expected USD, got %s", c)
	}
	if _, err := ParseCurrency("ZZZ"); !errors.Is(err, ErrUnknownCurrency) {
		t.Fatalf("expected ErrUnknownCurrency, got %v", err)
	}
}

func TestAddOverflow(t *testing.T) {
	if _, err := Add(math.MaxInt64, 1); !errors.Is(err, ErrOverflow) {
		t.Fatalf("expected overflow, got %v", err)
	}
	if v, err := Sub(10, 3); err != nil || v != 7 {
		t.Fatalf("Sub(10, 3) = %d, %v", v, err)
	}
}
