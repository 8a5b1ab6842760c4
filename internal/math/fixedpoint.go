package math

import (
	"errors"
	"math"
	"math/big"
	"sync"
)

// Fixed-point scale: 18 decimals (WAD). All rates, fees, LLTVs, and prices
// are expressed at this scale.
const (
	One int64 = 1_000_000_000_000_000_000

	// OraclePriceScale is the scale of collateral prices: price is the value
	// of one unit of collateral expressed in loan-asset units, times this.
	OraclePriceScale int64 = One
)

// ErrOverflow is returned when a result does not fit in int64, or when an
// operand or denominator is invalid. Arithmetic failures are never silently
// truncated.
var ErrOverflow = errors.New("fixedpoint: arithmetic overflow")

type RoundingMode int

const (
	RoundDown RoundingMode = iota
	RoundUp
)

// Intermediate products are 128-bit; big.Ints are pooled to keep the hot
// path allocation-free.
var int128Pool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt128() *big.Int {
	return int128Pool.Get().(*big.Int)
}

func putInt128(v *big.Int) {
	v.SetInt64(0)
	int128Pool.Put(v)
}

var maxInt64 = big.NewInt(math.MaxInt64)

// MulDiv computes x * y / d with a 128-bit intermediate and explicit rounding.
// Operands must be non-negative and d positive; results that exceed int64
// return ErrOverflow.
func MulDiv(x, y, d int64, rounding RoundingMode) (int64, error) {
	if x < 0 || y < 0 || d <= 0 {
		return 0, ErrOverflow
	}

	product := getInt128()
	quotient := getInt128()
	remainder := getInt128()
	defer putInt128(product)
	defer putInt128(quotient)
	defer putInt128(remainder)

	product.Mul(big.NewInt(x), big.NewInt(y))
	quotient.QuoRem(product, big.NewInt(d), remainder)

	if rounding == RoundUp && remainder.Sign() != 0 {
		quotient.Add(quotient, big.NewInt(1))
	}

	if quotient.Cmp(maxInt64) > 0 {
		return 0, ErrOverflow
	}
	return quotient.Int64(), nil
}

// WMulDown computes x * y / One, rounding down.
func WMulDown(x, y int64) (int64, error) {
	return MulDiv(x, y, One, RoundDown)
}

// WDivDown computes x * One / y, rounding down.
func WDivDown(x, y int64) (int64, error) {
	return MulDiv(x, One, y, RoundDown)
}

// WDivUp computes x * One / y, rounding up.
func WDivUp(x, y int64) (int64, error) {
	return MulDiv(x, One, y, RoundUp)
}

// AddChecked returns a + b or ErrOverflow.
func AddChecked(a, b int64) (int64, error) {
	sum := a + b
	if (b > 0 && sum < a) || (b < 0 && sum > a) {
		return 0, ErrOverflow
	}
	return sum, nil
}

// SubChecked returns a - b, failing loudly if the result would be negative.
// Balances, shares, and pool totals are never negative; an underflow here
// means a caller violated a precondition.
func SubChecked(a, b int64) (int64, error) {
	if b > a {
		return 0, ErrOverflow
	}
	return a - b, nil
}

// ZeroFloorSub returns max(a - b, 0). Used where the minuend is a rounded
// aggregate that may lag the exact sum of its parts (e.g. total borrow
// assets on the final repay).
func ZeroFloorSub(a, b int64) int64 {
	if b > a {
		return 0
	}
	return a - b
}

// Min returns the smaller of a and b.
func Min(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// TaylorCompounded approximates continuous compounding of a per-second rate
// over elapsed seconds using the first three terms of the Taylor expansion:
//
//	e^(r*t) - 1  ~=  x + x^2/2 + x^3/6,  x = r*t
//
// Every term rounds down, so the approximation slightly undershoots the true
// exponential. The result is a WAD-scaled growth factor to apply to the
// principal.
func TaylorCompounded(ratePerSecond, elapsed int64) (int64, error) {
	if ratePerSecond < 0 || elapsed < 0 {
		return 0, ErrOverflow
	}

	first, err := MulDiv(ratePerSecond, elapsed, 1, RoundDown)
	if err != nil {
		return 0, err
	}

	second, err := MulDiv(first, first, 2*One, RoundDown)
	if err != nil {
		return 0, err
	}

	third, err := MulDiv(second, first, 3*One, RoundDown)
	if err != nil {
		return 0, err
	}

	sum, err := AddChecked(first, second)
	if err != nil {
		return 0, err
	}
	return AddChecked(sum, third)
}
