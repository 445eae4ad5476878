package sandbox_test

import (
	"BackstopBootstrapper/internal/sandbox"
	"BackstopBootstrapper/internal/state"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	blnd   state.Address = "CBLND"
	usdc   state.Address = "CUSDC"
	comet  state.Address = "CCOMET"
	frodo  state.Address = "GFRODO"
	samwis state.Address = "GSAMWISE"
)

func newChain(t *testing.T) (*sandbox.Chain, *clockwork.FakeClock) {
	t.Helper()
	fake := clockwork.NewFakeClock()
	chain := sandbox.NewChain(sandbox.NewLedgerClock(fake, 100, 5*time.Second))
	require.NoError(t, chain.CreatePool(sandbox.PoolSpec{
		Address:  comet,
		Tokens:   []state.Address{blnd, usdc},
		Weights:  []int64{8, 2},
		Balances: []int64{1_000_000_0000000, 25_000_0000000},
		Supply:   100_000_0000000,
		LPHolder: frodo,
	}))
	return chain, fake
}

// ============================================================================
// Test: Ledger Clock
// ============================================================================

func TestLedgerClock_AdvancesWithTime(t *testing.T) {
	fake := clockwork.NewFakeClock()
	clock := sandbox.NewLedgerClock(fake, 1000, 5*time.Second)
	assert.Equal(t, uint32(1000), clock.Sequence())

	fake.Advance(12 * time.Second)
	assert.Equal(t, uint32(1002), clock.Sequence())

	clock.Jump(10)
	assert.Equal(t, uint32(1012), clock.Sequence())

	clock.Pin(5)
	assert.Equal(t, uint32(5), clock.Sequence())
	clock.Unpin()

	clock.Set(2000)
	assert.Equal(t, uint32(2000), clock.Sequence())

	clock.AdvanceTo(1500)
	assert.Equal(t, uint32(2000), clock.Sequence())
	clock.AdvanceTo(2500)
	assert.Equal(t, uint32(2500), clock.Sequence())
}

// ============================================================================
// Test: Tokens
// ============================================================================

func TestChain_TransferRequiresBalance(t *testing.T) {
	chain, _ := newChain(t)
	ctx := context.Background()
	require.NoError(t, chain.Mint(usdc, frodo, 10))

	err := chain.Transfer(ctx, usdc, frodo, samwis, 11)
	assert.True(t, errors.Is(err, state.ErrBalance))

	require.NoError(t, chain.Transfer(ctx, usdc, frodo, samwis, 4))
	bal, _ := chain.Balance(ctx, usdc, samwis)
	assert.Equal(t, int64(4), bal)
	require.NoError(t, chain.ValidateLedger())
}

func TestChain_AllowanceExpires(t *testing.T) {
	chain, _ := newChain(t)
	ctx := context.Background()
	require.NoError(t, chain.Mint(usdc, frodo, 100))

	require.NoError(t, chain.Approve(ctx, usdc, frodo, samwis, 50, 110))
	require.NoError(t, chain.TransferFrom(ctx, usdc, samwis, frodo, samwis, 20))
	assert.Equal(t, int64(30), chain.Allowance(usdc, frodo, samwis).Amount)

	err := chain.TransferFrom(ctx, usdc, samwis, frodo, samwis, 31)
	assert.True(t, errors.Is(err, state.ErrAllowance))

	chain.Clock().Jump(11)
	err = chain.TransferFrom(ctx, usdc, samwis, frodo, samwis, 1)
	assert.True(t, errors.Is(err, state.ErrAllowance))
	assert.Zero(t, chain.Allowance(usdc, frodo, samwis).Amount)
}

// ============================================================================
// Test: Comet Pool
// ============================================================================

func TestComet_NormalizesWeights(t *testing.T) {
	chain, _ := newChain(t)
	ctx := context.Background()

	w, err := chain.GetNormalizedWeight(ctx, comet, blnd)
	require.NoError(t, err)
	assert.Equal(t, int64(8_000_000), w)

	tokens, err := chain.GetTokens(ctx, comet)
	require.NoError(t, err)
	assert.Equal(t, []state.Address{blnd, usdc}, tokens)
}

func TestComet_JoinPoolPullsProportionalAmounts(t *testing.T) {
	chain, _ := newChain(t)
	ctx := context.Background()
	require.NoError(t, chain.Mint(blnd, samwis, 20_000_0000000))
	require.NoError(t, chain.Mint(usdc, samwis, 1_000_0000000))
	require.NoError(t, chain.Approve(ctx, blnd, samwis, comet, 20_000_0000000, 1000))
	require.NoError(t, chain.Approve(ctx, usdc, samwis, comet, 1_000_0000000, 1000))

	// 1% of supply needs 1% of each balance
	err := chain.JoinPool(ctx, comet, 1_000_0000000, []int64{20_000_0000000, 1_000_0000000}, samwis)
	require.NoError(t, err)

	lp, _ := chain.Balance(ctx, comet, samwis)
	assert.Equal(t, int64(1_000_0000000), lp)
	blndLeft, _ := chain.Balance(ctx, blnd, samwis)
	assert.Equal(t, int64(10_000_0000000), blndLeft)
	usdcLeft, _ := chain.Balance(ctx, usdc, samwis)
	assert.Equal(t, int64(750_0000000), usdcLeft)

	supply, _ := chain.GetTotalSupply(ctx, comet)
	assert.Equal(t, int64(101_000_0000000), supply)
	require.NoError(t, chain.ValidateLedger())
}

func TestComet_JoinPoolRespectsMaxIn(t *testing.T) {
	chain, _ := newChain(t)
	ctx := context.Background()
	require.NoError(t, chain.Mint(blnd, samwis, 20_000_0000000))
	require.NoError(t, chain.Mint(usdc, samwis, 1_000_0000000))

	err := chain.JoinPool(ctx, comet, 1_000_0000000, []int64{20_000_0000000, 100_0000000}, samwis)
	assert.True(t, errors.Is(err, sandbox.ErrLimitIn))
}

func TestComet_SingleSidedDeposit(t *testing.T) {
	chain, _ := newChain(t)
	ctx := context.Background()
	require.NoError(t, chain.Mint(usdc, samwis, 1_000_0000000))
	require.NoError(t, chain.Approve(ctx, usdc, samwis, comet, 1_000_0000000, 1000))

	shares, err := chain.DepositTokenInGetLPOut(ctx, comet, usdc, 1_000_0000000, 0, samwis)
	require.NoError(t, err)
	// 4% more USDC at 20% weight mints a bit under 0.8% of supply
	assert.Greater(t, shares, int64(700_0000000))
	assert.Less(t, shares, int64(800_0000000))

	lp, _ := chain.Balance(ctx, comet, samwis)
	assert.Equal(t, shares, lp)
}

func TestComet_SingleSidedDepositCappedByMaxInRatio(t *testing.T) {
	chain, _ := newChain(t)
	ctx := context.Background()
	require.NoError(t, chain.Mint(usdc, samwis, 10_000_0000000))
	require.NoError(t, chain.Approve(ctx, usdc, samwis, comet, 10_000_0000000, 1000))

	_, err := chain.DepositTokenInGetLPOut(ctx, comet, usdc, 10_000_0000000, 0, samwis)
	assert.True(t, errors.Is(err, sandbox.ErrMaxInRatio))
}

func TestComet_SwapMovesPrice(t *testing.T) {
	chain, _ := newChain(t)
	ctx := context.Background()
	require.NoError(t, chain.Mint(usdc, samwis, 1_000_0000000))

	out, err := chain.SwapExactAmountIn(ctx, comet, usdc, 1_000_0000000, blnd, 0, samwis)
	require.NoError(t, err)
	assert.Greater(t, out, int64(0))

	bal, _ := chain.Balance(ctx, blnd, samwis)
	assert.Equal(t, out, bal)
	require.NoError(t, chain.ValidateLedger())
}

// ============================================================================
// Test: Backstop and Factory
// ============================================================================

func TestBackstop_DepositIssuesShares(t *testing.T) {
	chain, _ := newChain(t)
	ctx := context.Background()
	require.NoError(t, chain.CreateBackstop("CBACKSTOP", comet))
	require.NoError(t, chain.Approve(ctx, comet, frodo, "CBACKSTOP", 50_0000000, state.ApprovalExpiry(100)))

	shares, err := chain.Deposit(ctx, "CBACKSTOP", frodo, "CPOOL", 50_0000000)
	require.NoError(t, err)
	assert.Equal(t, int64(50_0000000), shares)
	assert.Equal(t, int64(50_0000000), chain.BackstopShares("CBACKSTOP", "CPOOL", frodo))
	assert.Zero(t, chain.Allowance(comet, frodo, "CBACKSTOP").Amount)
}

func TestBackstop_DepositRequiresAllowance(t *testing.T) {
	chain, _ := newChain(t)
	ctx := context.Background()
	require.NoError(t, chain.CreateBackstop("CBACKSTOP", comet))
	before, _ := chain.Balance(ctx, comet, frodo)

	_, err := chain.Deposit(ctx, "CBACKSTOP", frodo, "CPOOL", 50_0000000)
	assert.True(t, errors.Is(err, state.ErrAllowance))
	assert.Equal(t, state.CodeAllowance, state.CodeOf(err))

	// a grant short of the deposit is not enough either
	require.NoError(t, chain.Approve(ctx, comet, frodo, "CBACKSTOP", 49_9999999, state.ApprovalExpiry(100)))
	_, err = chain.Deposit(ctx, "CBACKSTOP", frodo, "CPOOL", 50_0000000)
	assert.True(t, errors.Is(err, state.ErrAllowance))

	after, _ := chain.Balance(ctx, comet, frodo)
	assert.Equal(t, before, after)
	assert.Zero(t, chain.BackstopShares("CBACKSTOP", "CPOOL", frodo))
}

func TestFactory_IsPool(t *testing.T) {
	chain, _ := newChain(t)
	ctx := context.Background()
	chain.CreateFactory("CFACTORY")
	require.NoError(t, chain.DeployPool("CFACTORY", "CPOOL"))

	ok, err := chain.IsPool(ctx, "CFACTORY", "CPOOL")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = chain.IsPool(ctx, "CFACTORY", "CROGUE")
	require.NoError(t, err)
	assert.False(t, ok)
}

// ============================================================================
// Test: Checkpoint / Image
// ============================================================================

func TestChain_CheckpointRevert(t *testing.T) {
	chain, _ := newChain(t)
	ctx := context.Background()
	require.NoError(t, chain.Mint(usdc, samwis, 100))

	chain.BeginInvocation("cmd-1", 0, 100)
	revert := chain.Checkpoint()
	require.NoError(t, chain.Transfer(ctx, usdc, samwis, frodo, 60))
	require.NoError(t, chain.Approve(ctx, usdc, samwis, frodo, 5, 200))
	require.NotNil(t, chain.InvocationBatch())

	revert()

	bal, _ := chain.Balance(ctx, usdc, samwis)
	assert.Equal(t, int64(100), bal)
	assert.Zero(t, chain.Allowance(usdc, samwis, frodo).Amount)
	assert.Nil(t, chain.InvocationBatch())
}

func TestChain_ExportImport(t *testing.T) {
	chain, fake := newChain(t)
	ctx := context.Background()
	require.NoError(t, chain.CreateBackstop("CBACKSTOP", comet))
	chain.CreateFactory("CFACTORY")
	require.NoError(t, chain.DeployPool("CFACTORY", "CPOOL"))
	require.NoError(t, chain.Approve(ctx, blnd, frodo, comet, 7, 500))
	require.NoError(t, chain.Approve(ctx, comet, frodo, "CBACKSTOP", 3, 500))
	_, err := chain.Deposit(ctx, "CBACKSTOP", frodo, "CPOOL", 3)
	require.NoError(t, err)
	chain.Clock().Jump(40)

	blob, err := chain.Export()
	require.NoError(t, err)

	restored := sandbox.NewChain(sandbox.NewLedgerClock(fake, 100, 5*time.Second))
	require.NoError(t, restored.Import(blob))

	assert.Equal(t, chain.Clock().Sequence(), restored.Clock().Sequence())
	assert.Equal(t, int64(3), restored.BackstopShares("CBACKSTOP", "CPOOL", frodo))
	assert.Equal(t, int64(7), restored.Allowance(blnd, frodo, comet).Amount)
	ok, err := restored.IsPool(ctx, "CFACTORY", "CPOOL")
	require.NoError(t, err)
	assert.True(t, ok)
	supply, err := restored.GetTotalSupply(ctx, comet)
	require.NoError(t, err)
	assert.Equal(t, int64(100_000_0000000), supply)
	w, err := restored.GetNormalizedWeight(ctx, comet, usdc)
	require.NoError(t, err)
	assert.Equal(t, int64(2_000_000), w)
}
