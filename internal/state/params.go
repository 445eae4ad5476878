package state

import fpmath "BackstopBootstrapper/internal/math"

// Ledger timing. Ledgers close roughly every 5 seconds.
const (
	OneDayLedgers uint32 = 17280

	// MinDurationLedgers and MaxDurationLedgers bound close_ledger - now at creation.
	MinDurationLedgers = OneDayLedgers
	MaxDurationLedgers = 14 * OneDayLedgers

	// GraceWindowLedgers is how long after close_ledger conversion may still run
	// before the bootstrap is abandoned.
	GraceWindowLedgers = 14 * OneDayLedgers

	// ApprovalWindowLedgers rounds allowance expiry up to the next boundary.
	ApprovalWindowLedgers uint32 = 100000
)

// Amount thresholds and ratios, all at 7 decimals.
const (
	// MaxDustAmount is the residual treated as rounding noise (0.01 token).
	MaxDustAmount int64 = 100_000

	// MaxInRatio caps a single-sided deposit to a third of the pool's balance.
	MaxInRatio int64 = fpmath.Scalar7 / 3

	// JoinSafetyFactor discounts two-sided join shares (99.99%) to leave room
	// for the pool's rounding.
	JoinSafetyFactor int64 = 9_999_000
)

// ApprovalExpiry returns the ledger an AMM allowance granted at seq expires at.
func ApprovalExpiry(seq uint32) uint32 {
	return (seq/ApprovalWindowLedgers + 1) * ApprovalWindowLedgers
}
