// Package types provides common type aliases and utilities.
package types

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Money represents a monetary value with full precision.
// Uses decimal.Decimal to avoid floating-point errors.
type Money = decimal.Decimal

// Quantity is an exact decimal amount of stock units.
// Stored as NUMERIC(18,4); never converted through float64.
type Quantity = decimal.Decimal

// QuantityPlaces is the number of fractional digits a quantity may carry.
const QuantityPlaces = 4

// MoneyPlaces is the number of fractional digits of prices and valuation rates.
const MoneyPlaces = 4

// ValuePlaces is the scale of ledger stock values. A quantity times a rate
// never needs more, so stock values are stored unrounded.
const ValuePlaces = QuantityPlaces + MoneyPlaces

// MustMoney creates a Money value from a string, panics on error.
// Use only for constants and tests.
func MustMoney(s string) Money {
	return decimal.RequireFromString(s)
}

// MustQuantity creates a Quantity from a string, panics on error.
// Use only for constants and tests.
func MustQuantity(s string) Quantity {
	return decimal.RequireFromString(s)
}

// Zero returns the zero decimal.
func Zero() decimal.Decimal {
	return decimal.Zero
}

// ParseQuantity parses a plain decimal string. Exponent notation and more
// than QuantityPlaces fractional digits are rejected rather than rounded.
func ParseQuantity(s string) (Quantity, error) {
	return parsePlain("quantity", s, QuantityPlaces)
}

// ParseMoney parses a price or rate with at most MoneyPlaces fractional digits.
func ParseMoney(s string) (Money, error) {
	return parsePlain("amount", s, MoneyPlaces)
}

// FitsPlaces reports whether d has no more than places fractional digits.
// Trailing zeros do not count: 1.2300 fits two places.
func FitsPlaces(d decimal.Decimal, places int32) bool {
	return d.Equal(d.Truncate(places))
}

func parsePlain(kind, s string, places int32) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, fmt.Errorf("empty %s", kind)
	}
	if strings.ContainsAny(s, "eE") {
		return decimal.Zero, fmt.Errorf("%s %q: exponent notation not allowed", kind, s)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse %s: %w", kind, err)
	}
	if !FitsPlaces(d, places) {
		return decimal.Zero, fmt.Errorf("%s %q: more than %d fractional digits", kind, s, places)
	}
	return d, nil
}

// Min returns the smaller of a and b.
func Min(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

// Sum adds all values.
func Sum(values ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, v := range values {
		total = total.Add(v)
	}
	return total
}
