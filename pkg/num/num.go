// Package num provides decimal rounding helpers for venue tick/step grids.
// All internal prices and quantities are decimal.Decimal; float64 is only
// accepted at the process boundary.
package num

import (
	"github.com/shopspring/decimal"
)

// FloorToStep rounds v down to the nearest multiple of step.
// A zero or negative step returns v unchanged.
func FloorToStep(v, step decimal.Decimal) decimal.Decimal {
	if step.Sign() <= 0 {
		return v
	}
	return v.Div(step).Floor().Mul(step)
}

// CeilToStep rounds v up to the nearest multiple of step.
func CeilToStep(v, step decimal.Decimal) decimal.Decimal {
	if step.Sign() <= 0 {
		return v
	}
	return v.Div(step).Ceil().Mul(step)
}

// RoundToStep rounds v to the nearest multiple of step, ties away from zero.
func RoundToStep(v, step decimal.Decimal) decimal.Decimal {
	if step.Sign() <= 0 {
		return v
	}
	return v.Div(step).Round(0).Mul(step)
}

// IsAligned reports whether v sits exactly on the step grid.
func IsAligned(v, step decimal.Decimal) bool {
	if step.Sign() <= 0 {
		return true
	}
	return v.Mod(step).IsZero()
}

// MustParse converts a numeric literal into a Decimal and panics on bad
// input. Only for constants and tests.
func MustParse(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}
