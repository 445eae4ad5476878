package math

import (
	"errors"
	"math/big"
	"sync"
)

// DecimalConfig defines fixed-point precision
type DecimalConfig struct {
	DecimalPrecision int   // Number of decimal places
	Scale            int64 // 10^DecimalPrecision
}

// Scalar7 is the 7-decimal scale used for token amounts, weights and ratios.
const Scalar7 int64 = 1_0000000

var (
	// TokenConfig covers every amount handled by the bootstrapper (0.0000001)
	TokenConfig = DecimalConfig{DecimalPrecision: 7, Scale: Scalar7}
)

// ErrOverflow is returned when a result does not fit in int64 or a
// denominator is zero.
var ErrOverflow = errors.New("fixed-point overflow")

// Int128 is a pooled big.Int for intermediate calculations
var int128Pool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt128() *big.Int {
	return int128Pool.Get().(*big.Int)
}

func putInt128(v *big.Int) {
	v.SetInt64(0) // Clear before returning to pool
	int128Pool.Put(v)
}

type RoundingMode int

const (
	RoundDown RoundingMode = iota // floor (toward -inf)
	RoundUp                       // ceil (toward +inf)
)

// MulDiv computes a * b / denominator with the product held in an int128
// intermediate and the quotient rounded per mode.
func MulDiv(a, b, denominator int64, mode RoundingMode) (int64, error) {
	if denominator == 0 {
		return 0, ErrOverflow
	}

	num := getInt128()
	defer putInt128(num)
	num.SetInt64(a)

	tmp := getInt128()
	defer putInt128(tmp)
	tmp.SetInt64(b)
	num.Mul(num, tmp)

	den := getInt128()
	defer putInt128(den)
	den.SetInt64(denominator)

	// Keep the denominator positive so Euclidean division equals floor.
	if den.Sign() < 0 {
		den.Neg(den)
		num.Neg(num)
	}

	quotient := getInt128()
	defer putInt128(quotient)
	remainder := getInt128()
	defer putInt128(remainder)
	quotient.DivMod(num, den, remainder)

	if mode == RoundUp && remainder.Sign() != 0 {
		quotient.Add(quotient, big.NewInt(1))
	}

	if !quotient.IsInt64() {
		return 0, ErrOverflow
	}
	return quotient.Int64(), nil
}

// FixedMulFloor computes floor(x * y / denominator).
func FixedMulFloor(x, y, denominator int64) (int64, error) {
	return MulDiv(x, y, denominator, RoundDown)
}

// FixedMulCeil computes ceil(x * y / denominator).
func FixedMulCeil(x, y, denominator int64) (int64, error) {
	return MulDiv(x, y, denominator, RoundUp)
}

// FixedDivFloor computes floor(x * denominator / y).
func FixedDivFloor(x, y, denominator int64) (int64, error) {
	return MulDiv(x, denominator, y, RoundDown)
}

// FixedDivCeil computes ceil(x * denominator / y).
func FixedDivCeil(x, y, denominator int64) (int64, error) {
	return MulDiv(x, denominator, y, RoundUp)
}

// MinInt64 returns the smaller of a and b.
func MinInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
