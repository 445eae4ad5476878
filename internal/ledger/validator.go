package ledger

import (
	"fmt"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies batch is balanced
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateBatchAccounts checks that no holder touched by batch went negative.
func (v *InvariantValidator) ValidateBatchAccounts(batch *Batch) error {
	for _, j := range batch.Journals {
		if err := v.tracker.ValidateNonNegative(j.CreditAccount); err != nil {
			return err
		}
	}
	return nil
}

// ValidateGlobalBalance verifies every token is zero-sum
func (v *InvariantValidator) ValidateGlobalBalance() error {
	totals := v.tracker.ComputeGlobalBalance()

	for token, total := range totals {
		if total != 0 {
			return fmt.Errorf("global balance for %s is non-zero: %d", token, total)
		}
	}

	return nil
}
