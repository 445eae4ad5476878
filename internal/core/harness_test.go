package core_test

import (
	"BackstopBootstrapper/internal/core"
	"BackstopBootstrapper/internal/sandbox"
	"BackstopBootstrapper/internal/state"
	"BackstopBootstrapper/internal/store"
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

const (
	self      state.Address = "CBOOTSTRAPPER"
	blnd      state.Address = "CBLND"
	usdc      state.Address = "CUSDC"
	comet     state.Address = "CCOMET"
	backstop  state.Address = "CBACKSTOP"
	factory   state.Address = "CFACTORY"
	pool      state.Address = "CPOOL"
	bootOwner state.Address = "GBOOTSTRAPPER"
	frodo     state.Address = "GFRODO"
	samwise   state.Address = "GSAMWISE"
	merry     state.Address = "GMERRY"
	whale     state.Address = "GWHALE"

	genesisLedger uint32 = 250_000
	startBalance  int64  = 100_000_0000000
)

type harness struct {
	t     *testing.T
	ctx   context.Context
	chain *sandbox.Chain
	clock *sandbox.LedgerClock
	auth  *sandbox.Authorizer
	st    store.Store
	env   core.Env
	boot  *core.Bootstrapper
}

type harnessOption func(g *sandbox.Genesis, env *core.Env)

// withComet replaces the default comet balances and supply.
func withComet(blndBalance, usdcBalance, supply int64) harnessOption {
	return func(g *sandbox.Genesis, _ *core.Env) {
		g.Comet.Balances = []int64{blndBalance, usdcBalance}
		g.Comet.Supply = supply
	}
}

func withEnv(mutate func(env *core.Env)) harnessOption {
	return func(_ *sandbox.Genesis, env *core.Env) { mutate(env) }
}

// newHarness builds an initialized contract over a fresh sandbox chain. The
// default comet pool is 80/20 BLND/USDC with 1M BLND and 25k USDC, which
// prices 1 USDC at 10 BLND.
func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	clock := sandbox.NewLedgerClock(clockwork.NewFakeClock(), genesisLedger, 5*time.Second)
	chain := sandbox.NewChain(clock)
	auth := sandbox.NewAuthorizer()

	g := sandbox.Genesis{
		Factory:  factory,
		Backstop: backstop,
		Comet: sandbox.PoolSpec{
			Address:  comet,
			Tokens:   []state.Address{blnd, usdc},
			Weights:  []int64{8, 2},
			Balances: []int64{1_000_000_0000000, 25_000_0000000},
			Supply:   100_000_0000000,
			LPHolder: whale,
		},
		LendingPools: []state.Address{pool},
		Holdings: map[state.Address]map[state.Address]int64{
			blnd: {bootOwner: startBalance, whale: startBalance, frodo: startBalance},
			usdc: {bootOwner: startBalance, frodo: startBalance, samwise: startBalance, merry: startBalance, whale: startBalance},
		},
	}
	env := core.Env{
		Self:     self,
		Tokens:   chain,
		Comet:    chain,
		Backstop: chain,
		Factory:  chain,
		Clock:    clock,
		Auth:     auth,
	}
	for _, opt := range opts {
		opt(&g, &env)
	}
	require.NoError(t, chain.Apply(g))

	st := store.NewMemoryStore()
	boot, err := core.NewBootstrapper(env, st)
	require.NoError(t, err)

	h := &harness{t: t, ctx: context.Background(), chain: chain, clock: clock, auth: auth, st: st, env: env, boot: boot}
	require.NoError(t, boot.Initialize(h.ctx, backstop, comet, factory))
	return h
}

func (h *harness) config(amount, pairMin int64, tokenIndex uint32) state.BootstrapConfig {
	return state.BootstrapConfig{
		Bootstrapper: bootOwner,
		Pool:         pool,
		Amount:       amount,
		PairMin:      pairMin,
		TokenIndex:   tokenIndex,
		CloseLedger:  h.clock.Sequence() + 2*state.OneDayLedgers,
	}
}

// open creates a BLND bootstrap that closes in two days.
func (h *harness) open(amount, pairMin int64) uint32 {
	h.t.Helper()
	id, err := h.boot.Bootstrap(h.ctx, h.config(amount, pairMin, 0))
	require.NoError(h.t, err)
	return id
}

func (h *harness) join(from state.Address, id uint32, amount int64) {
	h.t.Helper()
	_, err := h.boot.Join(h.ctx, from, id, amount)
	require.NoError(h.t, err)
}

func (h *harness) get(id uint32) *state.Bootstrap {
	h.t.Helper()
	bs, err := h.boot.GetBootstrap(h.ctx, id)
	require.NoError(h.t, err)
	return bs
}

// toCloseLedger moves the chain to the bootstrap's close ledger.
func (h *harness) toCloseLedger(id uint32) {
	h.clock.Set(h.get(id).Config.CloseLedger)
}

// pastGrace moves the chain beyond the conversion grace window.
func (h *harness) pastGrace(id uint32) {
	h.clock.Set(h.get(id).Config.CloseLedger + state.GraceWindowLedgers + 1)
}

func (h *harness) balance(token, holder state.Address) int64 {
	h.t.Helper()
	bal, err := h.chain.Balance(h.ctx, token, holder)
	require.NoError(h.t, err)
	return bal
}

func requireCode(t *testing.T, err error, code state.ErrorCode) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, code, state.CodeOf(err), "error: %v", err)
}
