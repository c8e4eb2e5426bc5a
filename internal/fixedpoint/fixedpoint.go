// Package fixedpoint provides integer fixed-point arithmetic for vault
// accounting. Amounts are int64 at each asset's native decimal scale;
// intermediate products go through big.Int so a*b/c never overflows.
package fixedpoint

import (
	"math/big"
	"sync"
)

// RoundingMode selects how a division result is rounded.
//
// Share and asset conversions pick the mode that never favors the caller:
// assets-to-shares on deposit and shares-to-assets on withdraw round down,
// shares burned for a given asset amount round up.
type RoundingMode int

const (
	RoundDown RoundingMode = iota // truncate toward zero
	RoundUp                       // away from zero on any remainder
	RoundHalfEven                 // banker's rounding
)

// BoundScale is the fixed-point scale used for ratios (deviation bounds,
// collateral factors): 1e18 represents 1.0.
const BoundScale = 1_000_000_000_000_000_000

var intPool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt() *big.Int {
	return intPool.Get().(*big.Int)
}

func putInt(v *big.Int) {
	v.SetInt64(0)
	intPool.Put(v)
}

// Mul returns a*b as a pooled big.Int. The caller owns the result until it
// is passed to Div, which recycles it.
func Mul(a, b int64) *big.Int {
	result := getInt()
	result.Mul(big.NewInt(a), big.NewInt(b))
	return result
}

// Div divides numerator by denominator with the given rounding and recycles
// numerator back into the pool. denominator must be non-zero and positive.
func Div(numerator *big.Int, denominator int64, mode RoundingMode) int64 {
	denom := big.NewInt(denominator)
	quotient := getInt()
	remainder := getInt()

	quotient.QuoRem(numerator, denom, remainder)
	result := quotient.Int64()
	negative := numerator.Sign() < 0

	switch mode {
	case RoundUp:
		if remainder.Sign() != 0 {
			if negative {
				result--
			} else {
				result++
			}
		}
	case RoundHalfEven:
		rem := getInt()
		rem.Abs(remainder)
		rem.Lsh(rem, 1) // 2*|remainder| vs denominator
		cmp := rem.Cmp(denom)
		if cmp > 0 || (cmp == 0 && result%2 != 0) {
			if negative {
				result--
			} else {
				result++
			}
		}
		putInt(rem)
	}

	putInt(numerator)
	putInt(quotient)
	putInt(remainder)

	return result
}

// MulDiv computes a*b/denom in one step with the given rounding.
func MulDiv(a, b, denom int64, mode RoundingMode) int64 {
	return Div(Mul(a, b), denom, mode)
}

// Rescale converts an amount between decimal scales. Scaling down rounds
// with the given mode; scaling up is exact.
func Rescale(amount int64, fromDecimals, toDecimals uint8, mode RoundingMode) int64 {
	if fromDecimals == toDecimals {
		return amount
	}
	if toDecimals > fromDecimals {
		return MulDiv(amount, pow10(toDecimals-fromDecimals), 1, mode)
	}
	return Div(Mul(amount, 1), pow10(fromDecimals-toDecimals), mode)
}

// Ratio returns numerator/denominator at BoundScale precision, rounded down.
// Used for the rebalance deviation check: round-down means a deviation that
// lands exactly on the bound still passes.
func Ratio(numerator, denominator int64) int64 {
	if denominator == 0 {
		return 0
	}
	return MulDiv(numerator, BoundScale, denominator, RoundDown)
}

// ApplyRatio scales amount by a BoundScale ratio with the given rounding.
func ApplyRatio(amount, ratio int64, mode RoundingMode) int64 {
	return MulDiv(amount, ratio, BoundScale, mode)
}

func pow10(n uint8) int64 {
	p := int64(1)
	for i := uint8(0); i < n; i++ {
		p *= 10
	}
	return p
}
