package sandbox

import (
	"BackstopBootstrapper/internal/ledger"
	fpmath "BackstopBootstrapper/internal/math"
	"BackstopBootstrapper/internal/state"
	"context"
	"fmt"
)

// DefaultSwapFee is the comet swap fee (0.3%).
const DefaultSwapFee int64 = 30_000

// PoolSpec seeds a comet pool at genesis.
type PoolSpec struct {
	Address  state.Address
	Tokens   []state.Address
	Weights  []int64 // any positive scale; normalized to Scalar7
	Balances []int64
	Supply   int64
	Fee      int64
	// LPHolder receives the initial Supply.
	LPHolder state.Address
}

// CreatePool registers a comet pool and funds it. The pool address doubles
// as its LP token.
func (c *Chain) CreatePool(spec PoolSpec) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.pools[spec.Address]; ok {
		return fmt.Errorf("pool %s already exists", spec.Address)
	}
	if len(spec.Tokens) < 2 || len(spec.Tokens) != len(spec.Weights) || len(spec.Tokens) != len(spec.Balances) {
		return fmt.Errorf("pool %s: tokens, weights and balances must align", spec.Address)
	}
	if spec.Supply <= 0 {
		return ErrEmptyPool
	}

	var total int64
	for _, w := range spec.Weights {
		if w <= 0 {
			return fmt.Errorf("pool %s: weights must be positive", spec.Address)
		}
		total += w
	}
	weights := make([]int64, len(spec.Weights))
	for i, w := range spec.Weights {
		n, err := fpmath.MulDiv(w, fpmath.Scalar7, total, fpmath.RoundDown)
		if err != nil {
			return err
		}
		weights[i] = n
	}

	fee := spec.Fee
	if fee == 0 {
		fee = DefaultSwapFee
	}

	for i, token := range spec.Tokens {
		if err := c.mint(token, spec.Address, spec.Balances[i]); err != nil {
			return err
		}
	}
	if err := c.mint(spec.Address, spec.LPHolder, spec.Supply); err != nil {
		return err
	}
	c.pools[spec.Address] = &cometPool{
		Tokens:  append([]state.Address(nil), spec.Tokens...),
		Weights: weights,
		Fee:     fee,
	}
	return nil
}

func (c *Chain) pool(addr state.Address) (*cometPool, error) {
	p, ok := c.pools[addr]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPool, addr)
	}
	return p, nil
}

func (p *cometPool) weightOf(token state.Address) (int64, error) {
	for i, t := range p.Tokens {
		if t == token {
			return p.Weights[i], nil
		}
	}
	return 0, fmt.Errorf("%w: %s", ErrUnknownToken, token)
}

// GetTotalSupply returns the pool's LP token supply.
func (c *Chain) GetTotalSupply(_ context.Context, pool state.Address) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.pool(pool); err != nil {
		return 0, err
	}
	return c.balances.CirculatingSupply(pool), nil
}

// GetTokens returns the pool's tokens in index order.
func (c *Chain) GetTokens(_ context.Context, pool state.Address) ([]state.Address, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, err := c.pool(pool)
	if err != nil {
		return nil, err
	}
	return append([]state.Address(nil), p.Tokens...), nil
}

// GetNormalizedWeight returns token's weight as a Scalar7 fraction.
func (c *Chain) GetNormalizedWeight(_ context.Context, pool, token state.Address) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, err := c.pool(pool)
	if err != nil {
		return 0, err
	}
	return p.weightOf(token)
}

// JoinPool mints exactly poolAmountOut LP tokens to user, pulling each
// token in proportion to the pool's balances. Inputs round up and must not
// exceed maxAmountsIn; the pool spends user's allowances.
func (c *Chain) JoinPool(_ context.Context, pool state.Address, poolAmountOut int64, maxAmountsIn []int64, user state.Address) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, err := c.pool(pool)
	if err != nil {
		return err
	}
	if len(maxAmountsIn) != len(p.Tokens) {
		return fmt.Errorf("comet: want %d max amounts, got %d", len(p.Tokens), len(maxAmountsIn))
	}
	supply := c.balances.CirculatingSupply(pool)
	if supply <= 0 {
		return ErrEmptyPool
	}
	if poolAmountOut <= 0 {
		return fmt.Errorf("%w: pool amount out %d", ErrLimitOut, poolAmountOut)
	}

	amountsIn := make([]int64, len(p.Tokens))
	for i, token := range p.Tokens {
		bal := c.balances.HolderBalance(token, pool)
		in, err := fpmath.MulDiv(bal, poolAmountOut, supply, fpmath.RoundUp)
		if err != nil {
			return state.Errorf(state.CodeOverflow, "join amount in: %v", err)
		}
		if in > maxAmountsIn[i] {
			return fmt.Errorf("%w: %s needs %d, max %d", ErrLimitIn, token, in, maxAmountsIn[i])
		}
		amountsIn[i] = in
	}
	for i, token := range p.Tokens {
		if err := c.spendAllowance(token, user, pool, amountsIn[i]); err != nil {
			return err
		}
		if err := c.move(token, user, pool, amountsIn[i], ledger.JournalTypePoolJoin); err != nil {
			return err
		}
	}
	return c.mint(pool, user, poolAmountOut)
}

// DepositTokenInGetLPOut deposits amountIn of one token and mints the LP
// tokens the weighted curve gives for it.
func (c *Chain) DepositTokenInGetLPOut(_ context.Context, pool, tokenIn state.Address, amountIn, minPoolAmountOut int64, user state.Address) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, err := c.pool(pool)
	if err != nil {
		return 0, err
	}
	weight, err := p.weightOf(tokenIn)
	if err != nil {
		return 0, err
	}
	if amountIn < 0 {
		return 0, state.Errorf(state.CodeNegativeAmount, "deposit %d", amountIn)
	}
	bal := c.balances.HolderBalance(tokenIn, pool)
	maxIn, err := fpmath.FixedMulFloor(bal, state.MaxInRatio, fpmath.Scalar7)
	if err != nil {
		return 0, state.Errorf(state.CodeOverflow, "max in: %v", err)
	}
	if amountIn > maxIn {
		return 0, fmt.Errorf("%w: %d > %d", ErrMaxInRatio, amountIn, maxIn)
	}

	shares, err := fpmath.PoolOutGivenSingleIn(bal, weight, c.balances.CirculatingSupply(pool), amountIn, p.Fee)
	if err != nil {
		return 0, state.Errorf(state.CodeOverflow, "pool out: %v", err)
	}
	if shares < minPoolAmountOut {
		return 0, fmt.Errorf("%w: %d < %d", ErrLimitOut, shares, minPoolAmountOut)
	}

	if err := c.spendAllowance(tokenIn, user, pool, amountIn); err != nil {
		return 0, err
	}
	if err := c.move(tokenIn, user, pool, amountIn, ledger.JournalTypePoolDeposit); err != nil {
		return 0, err
	}
	if err := c.mint(pool, user, shares); err != nil {
		return 0, err
	}
	return shares, nil
}

// SwapExactAmountIn trades amountIn of tokenIn for tokenOut on behalf of
// user, who must hold the input.
func (c *Chain) SwapExactAmountIn(_ context.Context, pool, tokenIn state.Address, amountIn int64, tokenOut state.Address, minAmountOut int64, user state.Address) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, err := c.pool(pool)
	if err != nil {
		return 0, err
	}
	wIn, err := p.weightOf(tokenIn)
	if err != nil {
		return 0, err
	}
	wOut, err := p.weightOf(tokenOut)
	if err != nil {
		return 0, err
	}
	balIn := c.balances.HolderBalance(tokenIn, pool)
	balOut := c.balances.HolderBalance(tokenOut, pool)

	maxIn, err := fpmath.FixedMulFloor(balIn, state.MaxInRatio, fpmath.Scalar7)
	if err != nil {
		return 0, state.Errorf(state.CodeOverflow, "max in: %v", err)
	}
	if amountIn > maxIn {
		return 0, fmt.Errorf("%w: %d > %d", ErrMaxInRatio, amountIn, maxIn)
	}

	out, err := fpmath.AmountOutGivenIn(balIn, wIn, balOut, wOut, amountIn, p.Fee)
	if err != nil {
		return 0, state.Errorf(state.CodeOverflow, "swap out: %v", err)
	}
	if out < minAmountOut {
		return 0, fmt.Errorf("%w: %d < %d", ErrLimitOut, out, minAmountOut)
	}
	if err := c.move(tokenIn, user, pool, amountIn, ledger.JournalTypePoolSwap); err != nil {
		return 0, err
	}
	if err := c.move(tokenOut, pool, user, out, ledger.JournalTypePoolSwap); err != nil {
		return 0, err
	}
	return out, nil
}
