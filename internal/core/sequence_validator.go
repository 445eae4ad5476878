package core

import (
	"fmt"
)

// LedgerValidator enforces that commands arrive with non-decreasing ledger
// sequences. Status derivation depends on the ledger, so applying a command
// stamped earlier than one already applied would reorder history.
// Not thread-safe; only touched from the core goroutine.
type LedgerValidator struct {
	lastLedger uint32
	metrics    *SequenceMetrics
}

func NewLedgerValidator() *LedgerValidator {
	return &LedgerValidator{metrics: NewSequenceMetrics()}
}

// Check validates ledger against the last applied one. Stale duplicates are
// accepted since they will be skipped anyway.
func (lv *LedgerValidator) Check(ledger uint32, isDuplicate bool) error {
	if ledger >= lv.lastLedger {
		return nil
	}
	if isDuplicate {
		return nil
	}
	lv.metrics.RecordOutOfOrder()
	return fmt.Errorf("out-of-order command: last ledger=%d, got=%d", lv.lastLedger, ledger)
}

// Advance records ledger as applied.
func (lv *LedgerValidator) Advance(ledger uint32) {
	if ledger > lv.lastLedger {
		if lv.lastLedger != 0 && ledger > lv.lastLedger+1 {
			lv.metrics.RecordGap(ledger - lv.lastLedger)
		}
		lv.lastLedger = ledger
	}
}

// LastLedger returns the highest applied ledger
func (lv *LedgerValidator) LastLedger() uint32 {
	return lv.lastLedger
}

// SetLastLedger initializes the validator (used during recovery)
func (lv *LedgerValidator) SetLastLedger(ledger uint32) {
	lv.lastLedger = ledger
}

func (lv *LedgerValidator) Metrics() *SequenceMetrics {
	return lv.metrics
}

// --- Metrics ---

// SequenceMetrics tracks ledger ordering stats.
type SequenceMetrics struct {
	outOfOrder    int64
	gaps          int64
	skippedLedger int64
}

func NewSequenceMetrics() *SequenceMetrics {
	return &SequenceMetrics{}
}

func (m *SequenceMetrics) RecordOutOfOrder() {
	m.outOfOrder++
}

// RecordGap counts ledgers that passed with no command.
func (m *SequenceMetrics) RecordGap(span uint32) {
	m.gaps++
	m.skippedLedger += int64(span - 1)
}

func (m *SequenceMetrics) GetOutOfOrder() int64 {
	return m.outOfOrder
}

func (m *SequenceMetrics) GetGaps() int64 {
	return m.gaps
}
