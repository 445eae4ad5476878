package math_test

import (
	fpmath "BackstopBootstrapper/internal/math"
	"errors"
	gomath "math"
	"testing"
)

// ============================================================================
// Test: MulDiv
// ============================================================================

func TestMulDiv_Rounding(t *testing.T) {
	tests := []struct {
		name        string
		a, b, denom int64
		mode        fpmath.RoundingMode
		want        int64
	}{
		{"exact", 10, 10, 4, fpmath.RoundDown, 25},
		{"floor positive", 7, 1, 2, fpmath.RoundDown, 3},
		{"ceil positive", 7, 1, 2, fpmath.RoundUp, 4},
		{"floor negative", -7, 1, 2, fpmath.RoundDown, -4},
		{"ceil negative", -7, 1, 2, fpmath.RoundUp, -3},
		{"negative denominator", 7, 1, -2, fpmath.RoundDown, -4},
		{"wide intermediate", gomath.MaxInt64, 2, 4, fpmath.RoundDown, gomath.MaxInt64 / 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := fpmath.MulDiv(tt.a, tt.b, tt.denom, tt.mode)
			if err != nil {
				t.Fatalf("MulDiv: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %d, want %d", got, tt.want)
			}
		})
	}
}

func TestMulDiv_Overflow(t *testing.T) {
	if _, err := fpmath.MulDiv(gomath.MaxInt64, 2, 1, fpmath.RoundDown); !errors.Is(err, fpmath.ErrOverflow) {
		t.Errorf("expected overflow, got %v", err)
	}
	if _, err := fpmath.MulDiv(1, 1, 0, fpmath.RoundDown); !errors.Is(err, fpmath.ErrOverflow) {
		t.Errorf("expected overflow on zero denominator, got %v", err)
	}
}

func TestFixedHelpers(t *testing.T) {
	// 0.3 of 12.3456789
	got, _ := fpmath.FixedMulFloor(12_3456789, 3_000_000, fpmath.Scalar7)
	if got != 3_7037036 {
		t.Errorf("FixedMulFloor: got %d", got)
	}
	got, _ = fpmath.FixedMulCeil(12_3456789, 3_000_000, fpmath.Scalar7)
	if got != 3_7037037 {
		t.Errorf("FixedMulCeil: got %d", got)
	}
	got, _ = fpmath.FixedDivFloor(1, 3, fpmath.Scalar7)
	if got != 3333333 {
		t.Errorf("FixedDivFloor: got %d", got)
	}
	got, _ = fpmath.FixedDivCeil(1, 3, fpmath.Scalar7)
	if got != 3333334 {
		t.Errorf("FixedDivCeil: got %d", got)
	}
}

// ============================================================================
// Test: Weighted pool curve
// ============================================================================

func TestProRata_FloorsShares(t *testing.T) {
	var paid int64
	for _, part := range []int64{1, 1, 1} {
		share, err := fpmath.ProRata(100, part, 3)
		if err != nil {
			t.Fatal(err)
		}
		paid += share
	}
	if paid != 99 {
		t.Errorf("shares should floor to 33 each, paid %d", paid)
	}
	if _, err := fpmath.ProRata(1, 1, 0); err == nil {
		t.Error("expected error for zero whole")
	}
}

func TestPoolOutGivenSingleIn_Monotonic(t *testing.T) {
	const (
		balance = 1_000_000_0000000
		supply  = 100_000_0000000
		weight  = 8_000_000
		fee     = 30_000
	)
	small, err := fpmath.PoolOutGivenSingleIn(balance, weight, supply, 1_000_0000000, fee)
	if err != nil {
		t.Fatal(err)
	}
	large, err := fpmath.PoolOutGivenSingleIn(balance, weight, supply, 10_000_0000000, fee)
	if err != nil {
		t.Fatal(err)
	}
	if small <= 0 || large <= small {
		t.Errorf("expected 0 < %d < %d", small, large)
	}
	// a proportional join of 0.1% would mint 100 LP; the single-sided
	// deposit pays the weight and fee so it mints less
	if small >= 100_0000000 {
		t.Errorf("single-sided deposit minted %d, want < 100 LP", small)
	}
	zero, _ := fpmath.PoolOutGivenSingleIn(balance, weight, supply, 0, fee)
	if zero != 0 {
		t.Errorf("zero in should mint nothing, got %d", zero)
	}
}

func TestAmountOutGivenIn_BoundedByBalance(t *testing.T) {
	out, err := fpmath.AmountOutGivenIn(1_000_000_0000000, 8_000_000, 25_000_0000000, 2_000_000, 10_0000000, 0)
	if err != nil {
		t.Fatal(err)
	}
	// spot price is 10 BLND per USDC
	if out <= 9_900_000 || out > 1_0000000 {
		t.Errorf("10 BLND should buy just under 1 USDC, got %d", out)
	}
}
