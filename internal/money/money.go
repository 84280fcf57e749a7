// Package money converts between decimal major-unit amounts, as entered by
// people, and the int64 minor units the ledger stores.
package money

import (
	"errors"
	"math"

	"github.com/shopspring/decimal"
)

// DefaultScale is the number of decimal places of the wallet currency.
const DefaultScale int32 = 2

var (
	ErrTooPrecise = errors.New("amount is more precise than the smallest currency unit")
	ErrOutOfRange = errors.New("amount is out of range")
)

var (
	maxMinor = decimal.NewFromInt(math.MaxInt64)
	minMinor = decimal.NewFromInt(math.MinInt64)
)

// Converter translates amounts for a currency with a fixed number of
// decimal places (2 for cents).
type Converter struct {
	scale int32
}

func NewConverter(scale int32) Converter {
	if scale < 0 {
		scale = 0
	}
	return Converter{scale: scale}
}

// Default returns a converter for two decimal places.
func Default() Converter { return Converter{scale: DefaultScale} }

func (c Converter) Scale() int32 { return c.scale }

// ToMinor converts a major-unit amount to minor units. It never rounds:
// 1.005 with a scale of 2 is rejected with ErrTooPrecise.
func (c Converter) ToMinor(amount decimal.Decimal) (int64, error) {
	shifted := amount.Shift(c.scale)
	if !shifted.Equal(shifted.Truncate(0)) {
		return 0, ErrTooPrecise
	}
	if shifted.GreaterThan(maxMinor) || shifted.LessThan(minMinor) {
		return 0, ErrOutOfRange
	}
	return shifted.IntPart(), nil
}

// ToMajor converts minor units back to a decimal amount for display.
func (c Converter) ToMajor(minor int64) decimal.Decimal {
	return decimal.New(minor, -c.scale)
}

// Format renders minor units with exactly Scale decimal places.
func (c Converter) Format(minor int64) string {
	return c.ToMajor(minor).StringFixed(c.scale)
}
