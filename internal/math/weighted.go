package math

import (
	gomath "math"
)

// Weighted-pool curve helpers for the sandbox comet pool. Weights and the
// swap fee are Scalar7 fractions. The power function runs in float64 and the
// result is floored back to stroops, so outputs always favour the pool.

// PoolOutGivenSingleIn returns the LP shares minted when amountIn of a token
// with balance tokenBalance and normalized weight is deposited alone.
//
//	shares = supply * ((1 + amountIn*(1-(1-w)*fee)/balance)^w - 1)
func PoolOutGivenSingleIn(tokenBalance, weight, supply, amountIn, fee int64) (int64, error) {
	if tokenBalance <= 0 || supply <= 0 {
		return 0, ErrOverflow
	}
	if amountIn <= 0 {
		return 0, nil
	}
	w := float64(weight) / float64(Scalar7)
	f := float64(fee) / float64(Scalar7)
	effectiveIn := float64(amountIn) * (1 - (1-w)*f)
	ratio := 1 + effectiveIn/float64(tokenBalance)
	out := float64(supply) * (gomath.Pow(ratio, w) - 1)
	return floorToInt64(out)
}

// AmountOutGivenIn returns the output of a swap of amountIn against the
// (balanceIn, weightIn) / (balanceOut, weightOut) pair.
//
//	out = balanceOut * (1 - (balanceIn/(balanceIn + amountIn*(1-fee)))^(wIn/wOut))
func AmountOutGivenIn(balanceIn, weightIn, balanceOut, weightOut, amountIn, fee int64) (int64, error) {
	if balanceIn <= 0 || balanceOut <= 0 || weightOut <= 0 {
		return 0, ErrOverflow
	}
	if amountIn <= 0 {
		return 0, nil
	}
	f := float64(fee) / float64(Scalar7)
	adjustedIn := float64(amountIn) * (1 - f)
	base := float64(balanceIn) / (float64(balanceIn) + adjustedIn)
	exp := float64(weightIn) / float64(weightOut)
	out := float64(balanceOut) * (1 - gomath.Pow(base, exp))
	return floorToInt64(out)
}

// ProRata returns floor(part * amount / whole), the share of amount owed to
// a holder of part out of whole. Floor rounding leaves the residual with the
// payer.
func ProRata(amount, part, whole int64) (int64, error) {
	if whole <= 0 {
		return 0, ErrOverflow
	}
	return MulDiv(amount, part, whole, RoundDown)
}

func floorToInt64(v float64) (int64, error) {
	if gomath.IsNaN(v) || gomath.IsInf(v, 0) || v >= gomath.MaxInt64 || v <= gomath.MinInt64 {
		return 0, ErrOverflow
	}
	if v < 0 {
		return 0, nil
	}
	return int64(gomath.Floor(v)), nil
}
