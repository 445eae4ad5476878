package core_test

import (
	"BackstopBootstrapper/internal/core"
	"BackstopBootstrapper/internal/event"
	"BackstopBootstrapper/internal/sandbox"
	"BackstopBootstrapper/internal/state"
	"BackstopBootstrapper/internal/store"
	"context"
	"errors"
	gomath "math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test: Initialize
// ============================================================================

func TestInitialize_ReadsCometTokensAndWeights(t *testing.T) {
	h := newHarness(t)

	inst, err := h.boot.GetInstance(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, comet, inst.BackstopToken)
	require.Len(t, inst.Tokens, 2)
	assert.Equal(t, state.TokenInfo{Address: blnd, Weight: 8_000_000}, inst.Tokens[0])
	assert.Equal(t, state.TokenInfo{Address: usdc, Weight: 2_000_000}, inst.Tokens[1])
}

func TestInitialize_Twice(t *testing.T) {
	h := newHarness(t)
	err := h.boot.Initialize(h.ctx, backstop, comet, factory)
	requireCode(t, err, state.CodeAlreadyInitialized)
}

func TestBootstrap_BeforeInitialize(t *testing.T) {
	h := newHarness(t)
	fresh, err := core.NewBootstrapper(h.env, store.NewMemoryStore())
	require.NoError(t, err)

	_, err = fresh.Bootstrap(h.ctx, h.config(10_0000000, 0, 0))
	requireCode(t, err, state.CodeBadRequest)
}

// ============================================================================
// Test: Bootstrap validation
// ============================================================================

func TestBootstrap_ConfigValidation(t *testing.T) {
	h := newHarness(t)
	now := h.clock.Sequence()

	cases := []struct {
		name   string
		mutate func(c *state.BootstrapConfig)
		code   state.ErrorCode
	}{
		{"token index out of range", func(c *state.BootstrapConfig) { c.TokenIndex = 2 }, state.CodeInvalidBootstrapToken},
		{"zero amount", func(c *state.BootstrapConfig) { c.Amount = 0 }, state.CodeInvalidBootstrapAmount},
		{"negative amount", func(c *state.BootstrapConfig) { c.Amount = -1 }, state.CodeInvalidBootstrapAmount},
		{"negative pair min", func(c *state.BootstrapConfig) { c.PairMin = -1 }, state.CodeNegativeAmount},
		{"close too soon", func(c *state.BootstrapConfig) { c.CloseLedger = now + state.OneDayLedgers - 1 }, state.CodeInvalidCloseLedger},
		{"close too far", func(c *state.BootstrapConfig) { c.CloseLedger = now + 14*state.OneDayLedgers + 1 }, state.CodeInvalidCloseLedger},
		{"close in the past", func(c *state.BootstrapConfig) { c.CloseLedger = now - 1 }, state.CodeInvalidCloseLedger},
		{"unknown pool", func(c *state.BootstrapConfig) { c.Pool = "CROGUE" }, state.CodeInvalidPoolAddress},
		{"insufficient balance", func(c *state.BootstrapConfig) { c.Amount = startBalance + 1 }, state.CodeBalance},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := h.config(1000_0000000, 10_0000000, 0)
			tc.mutate(&cfg)
			_, err := h.boot.Bootstrap(h.ctx, cfg)
			requireCode(t, err, tc.code)
		})
	}

	next, err := h.boot.GetNextID(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), next, "rejected bootstraps must not consume ids")
	assert.Equal(t, startBalance, h.balance(blnd, bootOwner))
}

func TestBootstrap_DurationBoundsInclusive(t *testing.T) {
	h := newHarness(t)
	now := h.clock.Sequence()

	for i, closeLedger := range []uint32{now + state.OneDayLedgers, now + 14*state.OneDayLedgers} {
		cfg := h.config(10_0000000, 0, 0)
		cfg.CloseLedger = closeLedger
		id, err := h.boot.Bootstrap(h.ctx, cfg)
		require.NoError(t, err)
		assert.Equal(t, uint32(i), id)
	}
}

func TestBootstrap_TransfersAmountAndEmitsEvent(t *testing.T) {
	h := newHarness(t)
	cfg := h.config(1000_0000000, 10_0000000, 0)

	receipt, err := h.boot.Exec(h.ctx, &event.OpenBootstrap{Meta: event.NewMeta(), Config: cfg})
	require.NoError(t, err)

	assert.Equal(t, int64(0), receipt.Result)
	assert.Equal(t, uint32(1), receipt.NextID)
	require.NotNil(t, receipt.Bootstrap)
	assert.Equal(t, state.StatusActive, receipt.Bootstrap.Status)
	assert.Equal(t, cfg.Amount, receipt.Bootstrap.Data.BootstrapAmount)
	require.Len(t, receipt.Events, 1)
	assert.Equal(t, event.ContractEvent{
		Name:    event.ContractEventBootstrap,
		Topics:  []string{string(bootOwner), "0"},
		Payload: []int64{0, cfg.Amount, int64(cfg.CloseLedger)},
	}, receipt.Events[0])

	assert.Equal(t, startBalance-cfg.Amount, h.balance(blnd, bootOwner))
	assert.Equal(t, cfg.Amount, h.balance(blnd, self))
	require.NotNil(t, receipt.Batch)
	assert.NoError(t, receipt.Batch.Validate())
}

func TestBootstrap_PairTokenFollowsIndex(t *testing.T) {
	h := newHarness(t)
	id, err := h.boot.Bootstrap(h.ctx, h.config(50_0000000, 0, 1))
	require.NoError(t, err)
	assert.Equal(t, int64(50_0000000), h.balance(usdc, self))

	// joiners of a USDC bootstrap bring BLND
	h.join(frodo, id, 500_0000000)
	assert.Equal(t, int64(500_0000000), h.balance(blnd, self))
}

// ============================================================================
// Test: Join / Exit
// ============================================================================

func TestJoinExit_TracksDeposits(t *testing.T) {
	h := newHarness(t)
	id := h.open(1000_0000000, 10_0000000)

	dep, err := h.boot.Join(h.ctx, frodo, id, 50_0000000)
	require.NoError(t, err)
	assert.Equal(t, int64(50_0000000), dep)

	dep, err = h.boot.Exit(h.ctx, frodo, id, 20_0000000)
	require.NoError(t, err)
	assert.Equal(t, int64(30_0000000), dep)

	bs := h.get(id)
	assert.Equal(t, int64(30_0000000), bs.Data.PairAmount)
	assert.Equal(t, int64(30_0000000), bs.Data.TotalPair)
	assert.Equal(t, startBalance-30_0000000, h.balance(usdc, frodo))
	assert.Equal(t, int64(30_0000000), h.balance(usdc, self))
}

func TestJoin_ZeroAmountIsAllowed(t *testing.T) {
	h := newHarness(t)
	id := h.open(1000_0000000, 0)
	dep, err := h.boot.Join(h.ctx, frodo, id, 0)
	require.NoError(t, err)
	assert.Zero(t, dep)
}

func TestJoinExit_Errors(t *testing.T) {
	h := newHarness(t)
	id := h.open(1000_0000000, 10_0000000)
	h.join(frodo, id, 10_0000000)

	_, err := h.boot.Join(h.ctx, frodo, id, -1)
	requireCode(t, err, state.CodeNegativeAmount)

	_, err = h.boot.Exit(h.ctx, frodo, id, -1)
	requireCode(t, err, state.CodeNegativeAmount)

	_, err = h.boot.Exit(h.ctx, frodo, id, 10_0000001)
	requireCode(t, err, state.CodeInsufficientDeposit)

	_, err = h.boot.Exit(h.ctx, samwise, id, 1)
	requireCode(t, err, state.CodeInsufficientDeposit)

	_, err = h.boot.Join(h.ctx, frodo, 9, 1)
	requireCode(t, err, state.CodeBadRequest)

	_, err = h.boot.Join(h.ctx, frodo, id, startBalance)
	requireCode(t, err, state.CodeBalance)

	h.toCloseLedger(id)
	_, err = h.boot.Join(h.ctx, samwise, id, 1)
	requireCode(t, err, state.CodeInvalidBootstrapStatus)
	_, err = h.boot.Exit(h.ctx, frodo, id, 1)
	requireCode(t, err, state.CodeInvalidBootstrapStatus)

	assert.Equal(t, int64(10_0000000), h.get(id).Data.TotalPair)
}

func TestJoin_TotalPairOverflow(t *testing.T) {
	h := newHarness(t)
	id := h.open(1000_0000000, 10_0000000)
	h.join(frodo, id, 10_0000000)

	_, err := h.boot.Join(h.ctx, samwise, id, gomath.MaxInt64)
	requireCode(t, err, state.CodeOverflow)

	assert.Equal(t, int64(10_0000000), h.get(id).Data.TotalPair)
	dep, err := h.boot.GetDeposit(h.ctx, id, samwise)
	require.NoError(t, err)
	assert.Zero(t, dep)
	assert.Equal(t, startBalance, h.balance(usdc, samwise))
}

func TestJoin_Unauthorized(t *testing.T) {
	h := newHarness(t)
	id := h.open(1000_0000000, 0)
	h.auth.Deny(frodo)

	_, err := h.boot.Join(h.ctx, frodo, id, 1_0000000)
	requireCode(t, err, state.CodeUnauthorized)

	_, err = h.boot.Bootstrap(h.ctx, state.BootstrapConfig{Bootstrapper: frodo, Pool: pool, Amount: 1, CloseLedger: h.clock.Sequence() + 2*state.OneDayLedgers})
	requireCode(t, err, state.CodeUnauthorized)
}

// ============================================================================
// Test: Close and claim
// ============================================================================

func TestLifecycle_HappyPath(t *testing.T) {
	h := newHarness(t)
	id := h.open(1000_0000000, 10_0000000)

	h.join(frodo, id, 50_0000000)
	_, err := h.boot.Exit(h.ctx, frodo, id, 20_0000000)
	require.NoError(t, err)
	h.join(samwise, id, 70_0000000)

	h.toCloseLedger(id)
	assert.Equal(t, state.StatusClosing, h.get(id).Status)

	receipt, err := h.boot.Exec(h.ctx, &event.CloseBootstrap{Meta: event.NewMeta(), ID: id})
	require.NoError(t, err)
	total := receipt.Result
	assert.Greater(t, total, int64(99_9900000), "two-sided join alone mints 99.99 LP")
	assert.Equal(t, total, receipt.Minted)
	require.Len(t, receipt.Events, 1)
	assert.Equal(t, event.ContractEventBootstrapClose, receipt.Events[0].Name)

	bs := h.get(id)
	assert.Equal(t, state.StatusCompleted, bs.Status)
	assert.LessOrEqual(t, bs.Data.BootstrapAmount, state.MaxDustAmount)
	assert.LessOrEqual(t, bs.Data.PairAmount, state.MaxDustAmount)
	assert.Equal(t, int64(100_0000000), bs.Data.TotalPair, "total pair is frozen at close")
	assert.Equal(t, total, h.balance(comet, self))

	// bootstrapper: total * 0.8
	shares, err := h.boot.Claim(h.ctx, bootOwner, id)
	require.NoError(t, err)
	assert.Equal(t, total*8/10, shares)

	// frodo: 30/100 of the pair side
	shares, err = h.boot.Claim(h.ctx, frodo, id)
	require.NoError(t, err)
	assert.Equal(t, (total*3/10)/5, shares)
	assert.Equal(t, shares, h.chain.BackstopShares(backstop, pool, frodo))

	shares, err = h.boot.Claim(h.ctx, samwise, id)
	require.NoError(t, err)
	assert.Equal(t, (total*7/10)/5, shares)

	dep, err := h.boot.GetDeposit(h.ctx, id, frodo)
	require.NoError(t, err)
	assert.Zero(t, dep, "claim moves the deposit into the settlement basis")
	s, err := h.boot.GetSettlement(h.ctx, id, frodo)
	require.NoError(t, err)
	assert.Equal(t, state.Settlement{Basis: 30_0000000, Claimed: true}, s)

	left := h.balance(comet, self)
	assert.GreaterOrEqual(t, left, int64(0))
	assert.Less(t, left, int64(10), "only rounding dust stays behind")
	require.NoError(t, h.chain.ValidateLedger())
}

func TestClaim_MultipleJoinersProRata(t *testing.T) {
	h := newHarness(t)
	id := h.open(1000_0000000, 10_0000000)
	h.join(frodo, id, 60_0000000)
	h.join(samwise, id, 30_0000000)
	h.join(merry, id, 10_0000000)

	h.toCloseLedger(id)
	total, err := h.boot.Close(h.ctx, id)
	require.NoError(t, err)

	var paid int64
	for _, c := range []struct {
		who    state.Address
		tenths int64
	}{{frodo, 6}, {samwise, 3}, {merry, 1}} {
		shares, err := h.boot.Claim(h.ctx, c.who, id)
		require.NoError(t, err)
		assert.Equal(t, (total*c.tenths/10)/5, shares, "claim of %s", c.who)
		paid += shares
	}
	shares, err := h.boot.Claim(h.ctx, bootOwner, id)
	require.NoError(t, err)
	paid += shares

	assert.LessOrEqual(t, paid, total)
	assert.Equal(t, total-paid, h.balance(comet, self))
}

func TestClaim_Errors(t *testing.T) {
	h := newHarness(t)
	id := h.open(1000_0000000, 10_0000000)
	h.join(frodo, id, 50_0000000)

	_, err := h.boot.Claim(h.ctx, frodo, id)
	requireCode(t, err, state.CodeInvalidBootstrapStatus)

	h.toCloseLedger(id)
	_, err = h.boot.Claim(h.ctx, frodo, id)
	requireCode(t, err, state.CodeInvalidBootstrapStatus)

	_, err = h.boot.Close(h.ctx, id)
	require.NoError(t, err)

	_, err = h.boot.Claim(h.ctx, frodo, id)
	require.NoError(t, err)
	_, err = h.boot.Claim(h.ctx, frodo, id)
	requireCode(t, err, state.CodeAlreadyClaimed)

	_, err = h.boot.Claim(h.ctx, bootOwner, id)
	require.NoError(t, err)
	_, err = h.boot.Claim(h.ctx, bootOwner, id)
	requireCode(t, err, state.CodeAlreadyClaimed)

	_, err = h.boot.Claim(h.ctx, samwise, id)
	requireCode(t, err, state.CodeAlreadyClaimed)

	_, err = h.boot.Refund(h.ctx, frodo, id)
	requireCode(t, err, state.CodeInvalidBootstrapStatus)

	_, err = h.boot.Close(h.ctx, id)
	requireCode(t, err, state.CodeInvalidBootstrapStatus)
}

func TestClaim_GrantsBackstopThePayout(t *testing.T) {
	h := newHarness(t)
	id := h.open(1000_0000000, 10_0000000)
	h.join(frodo, id, 50_0000000)
	h.toCloseLedger(id)
	_, err := h.boot.Close(h.ctx, id)
	require.NoError(t, err)

	shares, err := h.boot.Claim(h.ctx, frodo, id)
	require.NoError(t, err)
	assert.Equal(t, shares, h.chain.BackstopShares(backstop, pool, frodo))
	assert.Zero(t, h.balance(comet, frodo), "payout went through to the backstop")
	assert.Zero(t, h.chain.Allowance(comet, frodo, backstop).Amount, "grant fully spent")
}

// ungrantedTokens drops approvals made to the backstop.
type ungrantedTokens struct {
	*sandbox.Chain
}

func (u ungrantedTokens) Approve(ctx context.Context, token, from, spender state.Address, amount int64, expiration uint32) error {
	if spender == backstop {
		return nil
	}
	return u.Chain.Approve(ctx, token, from, spender, amount, expiration)
}

func TestClaim_BackstopDepositNeedsGrant(t *testing.T) {
	h := newHarness(t, withEnv(func(env *core.Env) {
		env.Tokens = ungrantedTokens{Chain: env.Tokens.(*sandbox.Chain)}
	}))
	id := h.open(1000_0000000, 10_0000000)
	h.join(frodo, id, 50_0000000)
	h.toCloseLedger(id)
	total, err := h.boot.Close(h.ctx, id)
	require.NoError(t, err)

	_, err = h.boot.Claim(h.ctx, frodo, id)
	requireCode(t, err, state.CodeAllowance)
	assert.Zero(t, h.chain.BackstopShares(backstop, pool, frodo))
	assert.Zero(t, h.balance(comet, frodo), "transfer to the claimant was reverted")
	assert.Equal(t, total, h.balance(comet, self))
}

func TestClose_RequiresNoAuthorization(t *testing.T) {
	h := newHarness(t)
	id := h.open(1000_0000000, 10_0000000)
	h.join(frodo, id, 100_0000000)
	h.toCloseLedger(id)
	h.auth.Recorded()

	h.auth.Deny(bootOwner)
	h.auth.Deny(frodo)
	_, err := h.boot.Close(h.ctx, id)
	require.NoError(t, err)
	assert.Empty(t, h.auth.Recorded())
}

func TestClose_WhileActive(t *testing.T) {
	h := newHarness(t)
	id := h.open(1000_0000000, 0)
	_, err := h.boot.Close(h.ctx, id)
	requireCode(t, err, state.CodeInvalidBootstrapStatus)
}

func TestClose_SurvivesFrontRunningSwap(t *testing.T) {
	h := newHarness(t)
	id := h.open(1000_0000000, 10_0000000)
	h.join(frodo, id, 100_0000000)
	h.toCloseLedger(id)

	// skew the pool towards BLND before the close lands
	_, err := h.chain.SwapExactAmountIn(h.ctx, comet, blnd, 50_000_0000000, usdc, 0, whale)
	require.NoError(t, err)

	total, err := h.boot.Close(h.ctx, id)
	require.NoError(t, err)
	assert.Greater(t, total, int64(0))
	assert.Equal(t, state.StatusCompleted, h.get(id).Status)
}

func TestClose_ConvertsOverSeveralPasses(t *testing.T) {
	// a shallow pool caps every single-sided deposit at a third of its
	// balance, so a large bootstrap needs more than one pass
	h := newHarness(t, withComet(3_000_0000000, 75_0000000, 1_000_0000000))
	id := h.open(10_000_0000000, 1_0000000)
	h.join(frodo, id, 10_0000000)
	h.toCloseLedger(id)

	var prev int64
	for pass := 0; pass < 12 && h.get(id).Status == state.StatusClosing; pass++ {
		total, err := h.boot.Close(h.ctx, id)
		require.NoError(t, err)
		assert.Greater(t, total, prev, "pass %d must mint", pass)
		prev = total
	}
	bs := h.get(id)
	assert.Equal(t, state.StatusCompleted, bs.Status)
	assert.Equal(t, prev, bs.Data.TotalBackstopTokens)
}

type zeroMintComet struct {
	*sandbox.Chain
}

func (zeroMintComet) DepositTokenInGetLPOut(context.Context, state.Address, state.Address, int64, int64, state.Address) (int64, error) {
	return 0, nil
}

func TestClose_ReceivedNoBackstopTokens(t *testing.T) {
	h := newHarness(t, withEnv(func(env *core.Env) {
		env.Comet = zeroMintComet{Chain: env.Tokens.(*sandbox.Chain)}
	}))
	id := h.open(1000_0000000, 0)
	h.toCloseLedger(id)

	_, err := h.boot.Close(h.ctx, id)
	requireCode(t, err, state.CodeReceivedNoBackstopTokens)

	bs := h.get(id)
	assert.Equal(t, state.StatusClosing, bs.Status)
	assert.Equal(t, int64(1000_0000000), bs.Data.BootstrapAmount)
	assert.Zero(t, h.chain.Allowance(blnd, self, comet).Amount, "approval rolled back")
}

// ============================================================================
// Test: Refund
// ============================================================================

func TestRefund_BelowPairMinimum(t *testing.T) {
	h := newHarness(t)
	id := h.open(1000_0000000, 100_0000000)
	h.join(frodo, id, 10_0000000)
	h.join(samwise, id, 20_0000000)
	h.join(merry, id, 30_0000000)

	_, err := h.boot.Refund(h.ctx, frodo, id)
	requireCode(t, err, state.CodeInvalidBootstrapStatus)

	h.toCloseLedger(id)
	assert.Equal(t, state.StatusCancelled, h.get(id).Status)

	_, err = h.boot.Close(h.ctx, id)
	requireCode(t, err, state.CodeInvalidBootstrapStatus)
	_, err = h.boot.Claim(h.ctx, frodo, id)
	requireCode(t, err, state.CodeInvalidBootstrapStatus)

	for _, who := range []state.Address{frodo, samwise, merry} {
		_, err := h.boot.Refund(h.ctx, who, id)
		require.NoError(t, err)
		assert.Equal(t, startBalance, h.balance(usdc, who))
	}
	amount, err := h.boot.Refund(h.ctx, bootOwner, id)
	require.NoError(t, err)
	assert.Equal(t, int64(1000_0000000), amount)
	assert.Equal(t, startBalance, h.balance(blnd, bootOwner))

	_, err = h.boot.Refund(h.ctx, frodo, id)
	requireCode(t, err, state.CodeAlreadyRefunded)
	_, err = h.boot.Refund(h.ctx, bootOwner, id)
	requireCode(t, err, state.CodeAlreadyRefunded)
	_, err = h.boot.Refund(h.ctx, whale, id)
	requireCode(t, err, state.CodeAlreadyRefunded)

	bs := h.get(id)
	assert.Zero(t, bs.Data.BootstrapAmount)
	assert.Zero(t, bs.Data.PairAmount)
	assert.Zero(t, h.balance(usdc, self))
	assert.Zero(t, h.balance(blnd, self))
}

func TestRefund_AbandonedAfterGraceWindow(t *testing.T) {
	h := newHarness(t)
	id := h.open(1000_0000000, 10_0000000)
	h.join(frodo, id, 40_0000000)

	h.toCloseLedger(id)
	assert.Equal(t, state.StatusClosing, h.get(id).Status)
	h.pastGrace(id)
	assert.Equal(t, state.StatusCancelled, h.get(id).Status)

	amount, err := h.boot.Refund(h.ctx, frodo, id)
	require.NoError(t, err)
	assert.Equal(t, int64(40_0000000), amount)
}

func TestRefund_PartialCloseThenCancel(t *testing.T) {
	h := newHarness(t, withComet(3_000_0000000, 75_0000000, 1_000_0000000))
	id := h.open(10_000_0000000, 1_0000000)
	h.join(frodo, id, 10_0000000)
	h.toCloseLedger(id)

	total, err := h.boot.Close(h.ctx, id)
	require.NoError(t, err)
	afterClose := h.get(id)
	require.Equal(t, state.StatusClosing, afterClose.Status)
	require.Greater(t, afterClose.Data.BootstrapAmount, state.MaxDustAmount)

	h.pastGrace(id)
	require.Equal(t, state.StatusCancelled, h.get(id).Status)

	// minted tokens remain claimable
	shares, err := h.boot.Claim(h.ctx, bootOwner, id)
	require.NoError(t, err)
	assert.Equal(t, total*8/10, shares)
	_, err = h.boot.Claim(h.ctx, frodo, id)
	require.NoError(t, err)

	// and unconverted principal is refunded
	amount, err := h.boot.Refund(h.ctx, bootOwner, id)
	require.NoError(t, err)
	assert.Equal(t, afterClose.Data.BootstrapAmount, amount)
	assert.Equal(t, state.StatusCancelled, h.get(id).Status, "drained principal stays cancelled")

	amount, err = h.boot.Refund(h.ctx, frodo, id)
	require.NoError(t, err)
	assert.Equal(t, afterClose.Data.PairAmount, amount)

	s, err := h.boot.GetSettlement(h.ctx, id, frodo)
	require.NoError(t, err)
	assert.Equal(t, state.Settlement{Basis: 10_0000000, Claimed: true, Refunded: true}, s)
}

func TestRefund_JoinerFirstAfterPartialClose(t *testing.T) {
	h := newHarness(t, withComet(3_000_0000000, 75_0000000, 1_000_0000000))
	id := h.open(10_000_0000000, 1_0000000)
	h.join(frodo, id, 10_0000000)
	h.toCloseLedger(id)
	_, err := h.boot.Close(h.ctx, id)
	require.NoError(t, err)
	afterClose := h.get(id)
	h.pastGrace(id)

	amount, err := h.boot.Refund(h.ctx, frodo, id)
	require.NoError(t, err)
	assert.Equal(t, afterClose.Data.PairAmount, amount)

	bs := h.get(id)
	assert.Equal(t, state.StatusCancelled, bs.Status)
	assert.True(t, bs.Data.Cancelled)

	amount, err = h.boot.Refund(h.ctx, bootOwner, id)
	require.NoError(t, err)
	assert.Equal(t, afterClose.Data.BootstrapAmount, amount)
	assert.Equal(t, state.StatusCancelled, h.get(id).Status)

	// claims stay open for the minted tokens
	_, err = h.boot.Claim(h.ctx, frodo, id)
	require.NoError(t, err)
	_, err = h.boot.Claim(h.ctx, bootOwner, id)
	require.NoError(t, err)
}

// partialCloseRefunds opens a bootstrap that converts only part of its pair
// principal, lets it lapse, and refunds everyone in order. It returns the
// pair amount left after close and each refund.
func partialCloseRefunds(t *testing.T, order []state.Address) (int64, map[state.Address]int64) {
	t.Helper()
	h := newHarness(t, withComet(1_000_000_0000000, 30_0000000, 100_000_0000000))
	id := h.open(10_000_0000000, 1_0000000)
	h.join(frodo, id, 60_0000000)
	h.join(samwise, id, 30_0000000)
	h.toCloseLedger(id)
	_, err := h.boot.Close(h.ctx, id)
	require.NoError(t, err)
	left := h.get(id).Data.PairAmount
	require.Greater(t, left, state.MaxDustAmount, "close converts only part of the pair principal")

	h.pastGrace(id)
	require.Equal(t, state.StatusCancelled, h.get(id).Status)

	paid := make(map[state.Address]int64, len(order))
	for _, who := range order {
		amount, err := h.boot.Refund(h.ctx, who, id)
		require.NoError(t, err, "refund of %s", who)
		paid[who] = amount
		require.Equal(t, state.StatusCancelled, h.get(id).Status)
	}
	return left, paid
}

func TestRefund_UnevenJoinersProRataAfterPartialClose(t *testing.T) {
	left, paid := partialCloseRefunds(t, []state.Address{frodo, bootOwner, samwise})

	assert.Equal(t, left*60/90, paid[frodo])
	assert.Equal(t, left*30/90, paid[samwise])
	assert.LessOrEqual(t, paid[frodo]+paid[samwise], left)
	assert.InDelta(t, left, paid[frodo]+paid[samwise], 2)

	leftRev, paidRev := partialCloseRefunds(t, []state.Address{samwise, frodo, bootOwner})
	assert.Equal(t, left, leftRev)
	assert.Equal(t, paid, paidRev, "refunds do not depend on order")
}

func TestRefund_SharesFrozenAtFirstRefund(t *testing.T) {
	h := newHarness(t)
	id := h.open(1000_0000000, 1000_0000000)
	h.join(frodo, id, 1)
	h.join(samwise, id, 1)
	h.join(merry, id, 1)
	h.toCloseLedger(id)

	var paid int64
	for _, who := range []state.Address{frodo, samwise, merry} {
		amount, err := h.boot.Refund(h.ctx, who, id)
		require.NoError(t, err)
		assert.Equal(t, int64(1), amount)
		paid += amount
	}
	assert.Equal(t, int64(3), paid)
}

// ============================================================================
// Test: Atomicity
// ============================================================================

type failingBackstop struct{}

func (failingBackstop) Deposit(context.Context, state.Address, state.Address, state.Address, int64) (int64, error) {
	return 0, errors.New("backstop paused")
}

func TestExec_FailedInvocationRollsBack(t *testing.T) {
	h := newHarness(t, withEnv(func(env *core.Env) { env.Backstop = failingBackstop{} }))
	id := h.open(1000_0000000, 10_0000000)
	h.join(frodo, id, 100_0000000)
	h.toCloseLedger(id)
	total, err := h.boot.Close(h.ctx, id)
	require.NoError(t, err)

	seq := h.boot.Sequence()
	_, err = h.boot.Claim(h.ctx, frodo, id)
	require.Error(t, err)
	assert.Equal(t, state.CodeInternal, state.CodeOf(err))

	assert.Equal(t, seq, h.boot.Sequence(), "failed invocations take no sequence")
	assert.Equal(t, total, h.balance(comet, self), "transfer to the claimant was reverted")
	assert.Zero(t, h.balance(comet, frodo))
	s, err := h.boot.GetSettlement(h.ctx, id, frodo)
	require.NoError(t, err)
	assert.True(t, s.Empty(), "settlement not written: %+v", s)
	dep, err := h.boot.GetDeposit(h.ctx, id, frodo)
	require.NoError(t, err)
	assert.Equal(t, int64(100_0000000), dep)
}

func TestExec_PinsClockToStampedLedger(t *testing.T) {
	h := newHarness(t)
	id := h.open(1000_0000000, 0)
	closeLedger := h.get(id).Config.CloseLedger

	join := &event.JoinBootstrap{Meta: event.NewMeta(), From: frodo, ID: id, Amount: 1}
	join.Stamp(closeLedger, time.Now())
	_, err := h.boot.Exec(h.ctx, join)
	requireCode(t, err, state.CodeInvalidBootstrapStatus)

	// the live clock is untouched
	assert.Less(t, h.clock.Sequence(), closeLedger)
	h.join(frodo, id, 1)
}

func TestViews_UnknownBootstrap(t *testing.T) {
	h := newHarness(t)
	_, err := h.boot.GetBootstrap(h.ctx, 3)
	requireCode(t, err, state.CodeBadRequest)
}
