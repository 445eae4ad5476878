package sandbox

import (
	"BackstopBootstrapper/internal/ledger"
	"BackstopBootstrapper/internal/state"
	"context"
	"errors"
	"fmt"
	"sync"
)

// Comet pool failures. They carry no contract code and surface as Internal.
var (
	ErrUnknownPool     = errors.New("comet: unknown pool")
	ErrUnknownToken    = errors.New("comet: token not bound to pool")
	ErrLimitIn         = errors.New("comet: amount in exceeds limit")
	ErrLimitOut        = errors.New("comet: amount out below limit")
	ErrMaxInRatio      = errors.New("comet: amount in exceeds max in ratio")
	ErrEmptyPool       = errors.New("comet: pool has no supply")
	ErrUnknownBackstop = errors.New("backstop: unknown backstop")
)

// Chain is an in-process ledger hosting the contracts the bootstrapper talks
// to: fungible tokens, comet weighted pools, the backstop and the pool
// factory. Token balances live in a double-entry BalanceTracker and every
// movement is journaled.
type Chain struct {
	mu       sync.Mutex
	clock    *LedgerClock
	balances *ledger.BalanceTracker
	journals *ledger.JournalGenerator

	allowances map[allowanceKey]Allowance
	pools      map[state.Address]*cometPool
	backstops  map[state.Address]*backstopState
	factories  map[state.Address]map[state.Address]bool
}

type allowanceKey struct {
	Token   state.Address
	From    state.Address
	Spender state.Address
}

// Allowance is an approval valid through ledger Expiration.
type Allowance struct {
	Amount     int64  `json:"amount"`
	Expiration uint32 `json:"expiration"`
}

type cometPool struct {
	Tokens  []state.Address
	Weights []int64
	Fee     int64
}

type backstopState struct {
	Token  state.Address
	Shares map[state.Address]map[state.Address]int64
}

func NewChain(clock *LedgerClock) *Chain {
	return &Chain{
		clock:      clock,
		balances:   ledger.NewBalanceTracker(),
		journals:   ledger.NewJournalGenerator(),
		allowances: make(map[allowanceKey]Allowance),
		pools:      make(map[state.Address]*cometPool),
		backstops:  make(map[state.Address]*backstopState),
		factories:  make(map[state.Address]map[state.Address]bool),
	}
}

// Clock returns the chain's ledger clock.
func (c *Chain) Clock() *LedgerClock {
	return c.clock
}

// === Invocation bookkeeping ===

// BeginInvocation starts journaling movements for one command.
func (c *Chain) BeginInvocation(eventRef string, sequence int64, ledgerSeq uint32) {
	c.mu.Lock()
	c.journals.Begin(eventRef, sequence, ledgerSeq)
	c.mu.Unlock()
}

// InvocationBatch returns the movements journaled since BeginInvocation.
func (c *Chain) InvocationBatch() *ledger.Batch {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.journals.Batch()
}

// Checkpoint captures the chain state. The returned function restores it
// and drops journals recorded since.
func (c *Chain) Checkpoint() func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	balances := c.balances.Snapshot()
	allowances := make(map[allowanceKey]Allowance, len(c.allowances))
	for k, v := range c.allowances {
		allowances[k] = v
	}
	pools := make(map[state.Address]*cometPool, len(c.pools))
	for k, v := range c.pools {
		pools[k] = v
	}
	backstops := make(map[state.Address]*backstopState, len(c.backstops))
	for k, v := range c.backstops {
		backstops[k] = v.clone()
	}
	factories := make(map[state.Address]map[state.Address]bool, len(c.factories))
	for f, deployed := range c.factories {
		cp := make(map[state.Address]bool, len(deployed))
		for p := range deployed {
			cp[p] = true
		}
		factories[f] = cp
	}

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.balances.Restore(balances)
		c.allowances = allowances
		c.pools = pools
		c.backstops = backstops
		c.factories = factories
		c.journals.Reset()
	}
}

func (b *backstopState) clone() *backstopState {
	cp := &backstopState{Token: b.Token, Shares: make(map[state.Address]map[state.Address]int64, len(b.Shares))}
	for pool, users := range b.Shares {
		u := make(map[state.Address]int64, len(users))
		for k, v := range users {
			u[k] = v
		}
		cp.Shares[pool] = u
	}
	return cp
}

// === Token ledger ===

// move transfers amount of token between holders. Zero is a no-op.
func (c *Chain) move(token, from, to state.Address, amount int64, jt ledger.JournalType) error {
	if amount < 0 {
		return state.Errorf(state.CodeNegativeAmount, "transfer of %d %s", amount, token)
	}
	if amount == 0 || from == to {
		return nil
	}
	if err := c.balances.ValidateSufficient(token, from, amount); err != nil {
		return state.Errorf(state.CodeBalance, "%v", err)
	}
	c.balances.ApplyJournal(c.journals.Transfer(token, from, to, amount, jt))
	return nil
}

func (c *Chain) mint(token, to state.Address, amount int64) error {
	if amount < 0 {
		return state.Errorf(state.CodeNegativeAmount, "mint of %d %s", amount, token)
	}
	if amount == 0 {
		return nil
	}
	c.balances.ApplyJournal(c.journals.Mint(token, to, amount))
	return nil
}

// spendAllowance consumes amount of the approval from -> spender.
func (c *Chain) spendAllowance(token, from, spender state.Address, amount int64) error {
	if amount == 0 {
		return nil
	}
	key := allowanceKey{Token: token, From: from, Spender: spender}
	a, ok := c.allowances[key]
	if !ok || a.Expiration < c.clock.Sequence() || a.Amount < amount {
		have := int64(0)
		if ok && a.Expiration >= c.clock.Sequence() {
			have = a.Amount
		}
		return state.Errorf(state.CodeAllowance, "%s allowance %s->%s: have=%d, need=%d", token, from, spender, have, amount)
	}
	a.Amount -= amount
	c.allowances[key] = a
	return nil
}

// Transfer moves amount of token from one address to another.
func (c *Chain) Transfer(_ context.Context, token, from, to state.Address, amount int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.move(token, from, to, amount, ledger.JournalTypeTransfer)
}

// TransferFrom moves amount on behalf of from against spender's allowance.
func (c *Chain) TransferFrom(_ context.Context, token, spender, from, to state.Address, amount int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.spendAllowance(token, from, spender, amount); err != nil {
		return err
	}
	return c.move(token, from, to, amount, ledger.JournalTypeTransferFrom)
}

// Balance returns holder's balance of token.
func (c *Chain) Balance(_ context.Context, token, holder state.Address) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.balances.HolderBalance(token, holder), nil
}

// Approve sets spender's allowance over from's token, replacing any prior
// approval.
func (c *Chain) Approve(_ context.Context, token, from, spender state.Address, amount int64, expiration uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if amount < 0 {
		return state.Errorf(state.CodeNegativeAmount, "approve %d %s", amount, token)
	}
	if amount > 0 && expiration < c.clock.Sequence() {
		return state.Errorf(state.CodeAllowance, "expiration %d is in the past", expiration)
	}
	c.allowances[allowanceKey{Token: token, From: from, Spender: spender}] = Allowance{Amount: amount, Expiration: expiration}
	return nil
}

// Allowance returns the live approval from -> spender, zero once expired.
func (c *Chain) Allowance(token, from, spender state.Address) Allowance {
	c.mu.Lock()
	defer c.mu.Unlock()
	a := c.allowances[allowanceKey{Token: token, From: from, Spender: spender}]
	if a.Expiration < c.clock.Sequence() {
		return Allowance{}
	}
	return a
}

// Mint creates amount of token for to. Genesis and test setup only.
func (c *Chain) Mint(token, to state.Address, amount int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mint(token, to, amount)
}

// Supply returns the circulating supply of token.
func (c *Chain) Supply(token state.Address) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.balances.CirculatingSupply(token)
}

// ValidateLedger checks that no holder is negative and every token nets to
// zero across holders and its issuer.
func (c *Chain) ValidateLedger() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := ledger.NewInvariantValidator(c.balances)
	if err := v.ValidateGlobalBalance(); err != nil {
		return err
	}
	for key := range c.balances.Snapshot() {
		if err := c.balances.ValidateNonNegative(key); err != nil {
			return err
		}
	}
	return nil
}

func (c *Chain) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fmt.Sprintf("chain{pools=%d backstops=%d factories=%d allowances=%d}",
		len(c.pools), len(c.backstops), len(c.factories), len(c.allowances))
}
