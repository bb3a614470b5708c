// Package primitives implements the fixed-precision math that every other
// grid-engine component builds on: blockchain-integer/decimal conversion,
// geometric weight allocation, and fee computation (spec §4.1).
package primitives

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// FloatToBlockchainInt converts a decimal amount to its atomic-unit
// representation at the given precision (size = amount * 10^precision,
// rounded half away from zero to an integer). Blockchain integers are atomic units: the
// chain never sees fractional units.
func FloatToBlockchainInt(amount decimal.Decimal, precision int32) int64 {
	scaled := amount.Shift(precision)
	return scaled.Round(0).IntPart()
}

// BlockchainIntToFloat is the inverse of FloatToBlockchainInt. Round-trip
// exactness (spec §8) holds for every amount representable exactly at
// precision: amount already has at most `precision` decimal places.
func BlockchainIntToFloat(raw int64, precision int32) decimal.Decimal {
	return decimal.New(raw, -precision).Truncate(precision)
}

// CompareAtPrecision compares two decimal sizes as integers at the given
// precision, per spec §4.1 ("float comparisons are forbidden for
// equality"). Returns -1, 0, or 1 like decimal.Decimal.Cmp.
func CompareAtPrecision(a, b decimal.Decimal, precision int32) int {
	ai := FloatToBlockchainInt(a, precision)
	bi := FloatToBlockchainInt(b, precision)
	switch {
	case ai < bi:
		return -1
	case ai > bi:
		return 1
	default:
		return 0
	}
}

// EqualAtPrecision reports whether a and b are equal once rounded to
// integer units at precision.
func EqualAtPrecision(a, b decimal.Decimal, precision int32) bool {
	return CompareAtPrecision(a, b, precision) == 0
}

// Tolerance computes the invariant-4-style tolerance:
// max(2 * 10^-precision, 0.1% * total).
func Tolerance(total decimal.Decimal, precision int32) decimal.Decimal {
	minTol := decimal.New(2, -precision)
	pctTol := total.Abs().Mul(decimal.NewFromFloat(0.001))
	if pctTol.GreaterThan(minTol) {
		return pctTol
	}
	return minTol
}

// ValidatePrecision rejects precisions outside the supported range,
// matching spec §8's round-trip property domain p ∈ [0,12].
func ValidatePrecision(precision int32) error {
	if precision < 0 || precision > 12 {
		return fmt.Errorf("primitives: precision %d out of range [0,12]", precision)
	}
	return nil
}
