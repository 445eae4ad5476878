package core

import (
	"BackstopBootstrapper/internal/ledger"
	"BackstopBootstrapper/internal/state"
	"context"
)

// TokenClient is the fungible token interface the contract transfers and
// approves through.
type TokenClient interface {
	Transfer(ctx context.Context, token, from, to state.Address, amount int64) error
	Balance(ctx context.Context, token, holder state.Address) (int64, error)
	Approve(ctx context.Context, token, from, spender state.Address, amount int64, expirationLedger uint32) error
}

// CometClient is the weighted AMM whose LP token is the backstop token.
type CometClient interface {
	GetTotalSupply(ctx context.Context, pool state.Address) (int64, error)
	GetTokens(ctx context.Context, pool state.Address) ([]state.Address, error)
	GetNormalizedWeight(ctx context.Context, pool, token state.Address) (int64, error)
	JoinPool(ctx context.Context, pool state.Address, poolAmountOut int64, maxAmountsIn []int64, user state.Address) error
	DepositTokenInGetLPOut(ctx context.Context, pool, tokenIn state.Address, amountIn, minPoolAmountOut int64, user state.Address) (int64, error)
}

// BackstopClient accepts LP token deposits on behalf of a lending pool.
type BackstopClient interface {
	Deposit(ctx context.Context, backstop, from, pool state.Address, amount int64) (int64, error)
}

// PoolFactory answers whether a lending pool is legitimate.
type PoolFactory interface {
	IsPool(ctx context.Context, factory, pool state.Address) (bool, error)
}

// LedgerClock reports the current ledger sequence.
type LedgerClock interface {
	Sequence() uint32
}

// Authorizer verifies that addr approved the current invocation.
type Authorizer interface {
	RequireAuth(ctx context.Context, addr state.Address) error
}

// Pinner is implemented by clocks that can be frozen at a command's
// stamped ledger while it executes.
type Pinner interface {
	Pin(seq uint32)
	Unpin()
}

// Checkpointer is implemented by collaborators holding state that must roll
// back with a failed invocation. Checkpoint returns the restore function.
type Checkpointer interface {
	Checkpoint() func()
}

// Recorder is implemented by collaborators that journal the token
// movements of an invocation.
type Recorder interface {
	BeginInvocation(eventRef string, sequence int64, ledger uint32)
	InvocationBatch() *ledger.Batch
}

// ChainImager is implemented by collaborators whose state is persisted in
// the store next to the accounting ledger.
type ChainImager interface {
	Export() ([]byte, error)
}

// Env wires the contract to its collaborators. Self is the contract's own
// address; tokens it holds are held under it.
type Env struct {
	Self     state.Address
	Tokens   TokenClient
	Comet    CometClient
	Backstop BackstopClient
	Factory  PoolFactory
	Clock    LedgerClock
	Auth     Authorizer
}

func (e *Env) validate() error {
	switch {
	case e.Self == "":
		return state.Errorf(state.CodeInternal, "env: contract address unset")
	case e.Tokens == nil, e.Comet == nil, e.Backstop == nil, e.Factory == nil:
		return state.Errorf(state.CodeInternal, "env: collaborator unset")
	case e.Clock == nil, e.Auth == nil:
		return state.Errorf(state.CodeInternal, "env: clock or authorizer unset")
	}
	return nil
}

// collaborators returns every distinct collaborator, for checkpointing.
func (e *Env) collaborators() []interface{} {
	all := []interface{}{e.Tokens, e.Comet, e.Backstop, e.Factory, e.Clock, e.Auth}
	seen := make(map[interface{}]bool, len(all))
	out := make([]interface{}, 0, len(all))
	for _, c := range all {
		if seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}
