package ledger

import (
	"BackstopBootstrapper/internal/state"
	"fmt"
	"sort"
)

// BalanceTracker maintains in-memory account balances
type BalanceTracker struct {
	balances map[AccountKey]int64
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]int64),
	}
}

// ApplyJournal applies a single journal entry to balances
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	bt.balances[j.DebitAccount] += j.Amount
	bt.balances[j.CreditAccount] -= j.Amount
}

// ApplyBatch applies all journals in a batch
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	for _, j := range batch.Journals {
		bt.ApplyJournal(j)
	}

	return nil
}

// GetBalance returns the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) int64 {
	return bt.balances[key]
}

// HolderBalance returns holder's balance of token.
func (bt *BalanceTracker) HolderBalance(token, holder state.Address) int64 {
	return bt.balances[NewHolderAccountKey(token, holder)]
}

// CirculatingSupply returns the amount of token minted and not burned.
func (bt *BalanceTracker) CirculatingSupply(token state.Address) int64 {
	return -bt.balances[NewIssuerAccountKey(token)]
}

// === Invariant Checks ===

// ValidateSufficient checks that holder can send amount of token.
func (bt *BalanceTracker) ValidateSufficient(token, holder state.Address, amount int64) error {
	have := bt.HolderBalance(token, holder)
	if have < amount {
		return fmt.Errorf("insufficient %s balance for %s: have=%d, need=%d", token, holder, have, amount)
	}
	return nil
}

// ValidateNonNegative checks that a specific account balance is >= 0
func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	if key.Scope == AccountScopeIssuer {
		return nil
	}
	balance := bt.GetBalance(key)
	if balance < 0 {
		return fmt.Errorf("account %s has negative balance: %d", key.AccountPath(), balance)
	}
	return nil
}

// ComputeGlobalBalance sums all account balances per token (0 for a zero-sum ledger)
func (bt *BalanceTracker) ComputeGlobalBalance() map[state.Address]int64 {
	totals := make(map[state.Address]int64)

	for key, balance := range bt.balances {
		totals[key.Token] += balance
	}

	return totals
}

// Snapshot returns a copy of all balances (for state hashing)
func (bt *BalanceTracker) Snapshot() map[AccountKey]int64 {
	snapshot := make(map[AccountKey]int64, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = v
	}
	return snapshot
}

// Restore replaces all balances.
func (bt *BalanceTracker) Restore(balances map[AccountKey]int64) {
	bt.balances = make(map[AccountKey]int64, len(balances))
	for k, v := range balances {
		bt.balances[k] = v
	}
}

// ExportPaths returns balances keyed by account path, sorted paths first.
func (bt *BalanceTracker) ExportPaths() ([]string, map[string]int64) {
	out := make(map[string]int64, len(bt.balances))
	paths := make([]string, 0, len(bt.balances))
	for k, v := range bt.balances {
		if v == 0 {
			continue
		}
		p := k.AccountPath()
		out[p] = v
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths, out
}

// ImportPaths restores balances exported by ExportPaths.
func (bt *BalanceTracker) ImportPaths(balances map[string]int64) error {
	restored := make(map[AccountKey]int64, len(balances))
	for path, v := range balances {
		key, err := ParseAccountPath(path)
		if err != nil {
			return err
		}
		restored[key] = v
	}
	bt.balances = restored
	return nil
}
