package core

import (
	"github.com/shopspring/decimal"
)

const monetaryPrecision int32 = 6 // 6 decimal places, matching the digest formatting

func toDecimal(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v).Round(monetaryPrecision)
}

// PriceAtLeast returns true if price meets or exceeds floor.
// Uses decimal arithmetic with monetaryPrecision to avoid floating-point errors.
func PriceAtLeast(price, floor float64) bool {
	return toDecimal(price).GreaterThanOrEqual(toDecimal(floor))
}

// PriceGreater returns true if price strictly exceeds other.
func PriceGreater(price, other float64) bool {
	return toDecimal(price).GreaterThan(toDecimal(other))
}

// PriceEqual reports whether two prices are equal at monetaryPrecision.
func PriceEqual(a, b float64) bool {
	return toDecimal(a).Equal(toDecimal(b))
}

// PriceWithin reports whether price lies inside the optional [min, max] bounds.
func PriceWithin(price float64, min, max *float64) bool {
	if min != nil && !PriceAtLeast(price, *min) {
		return false
	}
	if max != nil && !PriceAtLeast(*max, price) {
		return false
	}
	return true
}

// ClampPrice limits price to the optional [min, max] bounds.
func ClampPrice(price float64, min, max *float64) float64 {
	if min != nil && !PriceAtLeast(price, *min) {
		price = *min
	}
	if max != nil && !PriceAtLeast(*max, price) {
		price = *max
	}
	return RoundPrice(price)
}

// Midpoint returns the arithmetic midpoint of two prices.
func Midpoint(a, b float64) float64 {
	mid := toDecimal(a).Add(toDecimal(b)).Div(decimal.NewFromInt(2)).Round(monetaryPrecision)
	return mid.InexactFloat64()
}

// DecrementPrice lowers price by step without going below floor.
// The bool result reports whether the floor was reached.
func DecrementPrice(price, step, floor float64) (float64, bool) {
	next := toDecimal(price).Sub(toDecimal(step))
	f := toDecimal(floor)
	if next.LessThanOrEqual(f) {
		return f.InexactFloat64(), true
	}
	return next.InexactFloat64(), false
}

// AddPrice returns a + b at monetaryPrecision.
func AddPrice(a, b float64) float64 {
	return toDecimal(a).Add(toDecimal(b)).InexactFloat64()
}

// MultiplyPrice returns price * factor at monetaryPrecision.
func MultiplyPrice(price, factor float64) float64 {
	return decimal.NewFromFloat(price).Mul(decimal.NewFromFloat(factor)).Round(monetaryPrecision).InexactFloat64()
}

// RoundPrice rounds price to monetaryPrecision.
func RoundPrice(price float64) float64 {
	return toDecimal(price).InexactFloat64()
}

// QuantitySufficient reports whether available covers requested.
func QuantitySufficient(available, requested float64) bool {
	return toDecimal(available).GreaterThanOrEqual(toDecimal(requested))
}
