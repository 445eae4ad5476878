package core

import (
	"BackstopBootstrapper/internal/event"
	fpmath "BackstopBootstrapper/internal/math"
	"BackstopBootstrapper/internal/state"
	"fmt"
)

// cometSnapshot is the comet pool as seen at the start of a close pass.
// Balances are advanced locally as tokens are spent so later steps size
// against the post-join pool.
type cometSnapshot struct {
	supply      int64
	bootBalance int64
	pairBalance int64
}

// close converts the remaining principal into LP tokens. It may run
// repeatedly until the bootstrap is Completed or abandoned.
func (inv *invocation) close(id uint32) error {
	inst, err := inv.instance()
	if err != nil {
		return err
	}
	bs, err := inv.load(id)
	if err != nil {
		return err
	}
	if err := bs.RequireStatus(state.StatusClosing); err != nil {
		return err
	}

	mintedBefore := bs.Data.TotalBackstopTokens
	bootToken := inst.Tokens[bs.Config.TokenIndex].Address
	pairToken := inst.Tokens[bs.Config.PairIndex()].Address
	comet := inst.BackstopToken

	snap := cometSnapshot{}
	if snap.supply, err = inv.env.Comet.GetTotalSupply(inv.ctx, comet); err != nil {
		return fmt.Errorf("comet get_total_supply: %w", err)
	}
	if snap.bootBalance, err = inv.env.Tokens.Balance(inv.ctx, bootToken, comet); err != nil {
		return fmt.Errorf("comet %s balance: %w", bootToken, err)
	}
	if snap.pairBalance, err = inv.env.Tokens.Balance(inv.ctx, pairToken, comet); err != nil {
		return fmt.Errorf("comet %s balance: %w", pairToken, err)
	}

	// Two-sided join first: it mints at the pool's current ratio without
	// moving the price.
	if bs.Data.BootstrapAmount > state.MaxDustAmount && bs.Data.PairAmount > state.MaxDustAmount {
		bootSpent, pairSpent, minted, err := inv.joinPool(bs, bootToken, pairToken, &snap)
		if err != nil {
			return err
		}
		bs.Convert(bootSpent, pairSpent, minted)
		snap.bootBalance += bootSpent
		snap.pairBalance += pairSpent
	}

	// Single-sided deposits absorb whatever the join left, capped per pass
	// by the pool's max in ratio.
	if bs.Data.BootstrapAmount > state.MaxDustAmount {
		spent, minted, err := inv.depositSingle(bootToken, bs.Data.BootstrapAmount, snap.bootBalance)
		if err != nil {
			return err
		}
		bs.Convert(spent, 0, minted)
	}
	if bs.Data.PairAmount > 0 {
		spent, minted, err := inv.depositSingle(pairToken, bs.Data.PairAmount, snap.pairBalance)
		if err != nil {
			return err
		}
		bs.Convert(0, spent, minted)
	}

	if bs.Data.TotalBackstopTokens <= 0 {
		return state.Errorf(state.CodeReceivedNoBackstopTokens, "bootstrap %d", id)
	}
	if err := inv.save(bs); err != nil {
		return err
	}

	inv.receipt.Result = bs.Data.TotalBackstopTokens
	inv.receipt.Minted = bs.Data.TotalBackstopTokens - mintedBefore
	inv.receipt.Events = append(inv.receipt.Events, event.NewBootstrapCloseEvent(id, bs.Data.TotalBackstopTokens))
	return nil
}

// joinPool mints LP shares with both tokens at the pool ratio. Shares are
// sized to the scarcer side and discounted by the join safety factor; the
// amounts actually spent are measured from the contract's balances.
func (inv *invocation) joinPool(bs *state.Bootstrap, bootToken, pairToken state.Address, snap *cometSnapshot) (bootSpent, pairSpent, minted int64, err error) {
	bootShares, err := sharesFor(bs.Data.BootstrapAmount, snap.bootBalance, snap.supply)
	if err != nil {
		return 0, 0, 0, err
	}
	pairShares, err := sharesFor(bs.Data.PairAmount, snap.pairBalance, snap.supply)
	if err != nil {
		return 0, 0, 0, err
	}
	shares, err := fpmath.FixedMulFloor(fpmath.MinInt64(bootShares, pairShares), state.JoinSafetyFactor, fpmath.Scalar7)
	if err != nil {
		return 0, 0, 0, state.Errorf(state.CodeOverflow, "join shares: %v", err)
	}
	if shares <= 0 {
		return 0, 0, 0, nil
	}

	bootBefore, err := inv.env.Tokens.Balance(inv.ctx, bootToken, inv.env.Self)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("%s balance: %w", bootToken, err)
	}
	pairBefore, err := inv.env.Tokens.Balance(inv.ctx, pairToken, inv.env.Self)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("%s balance: %w", pairToken, err)
	}

	comet := inv.inst.BackstopToken
	expiry := state.ApprovalExpiry(inv.ledger)
	if err := inv.env.Tokens.Approve(inv.ctx, bootToken, inv.env.Self, comet, bs.Data.BootstrapAmount, expiry); err != nil {
		return 0, 0, 0, fmt.Errorf("approve %s: %w", bootToken, err)
	}
	if err := inv.env.Tokens.Approve(inv.ctx, pairToken, inv.env.Self, comet, bs.Data.PairAmount, expiry); err != nil {
		return 0, 0, 0, fmt.Errorf("approve %s: %w", pairToken, err)
	}

	maxIn := make([]int64, 2)
	maxIn[bs.Config.TokenIndex] = bs.Data.BootstrapAmount
	maxIn[bs.Config.PairIndex()] = bs.Data.PairAmount
	if err := inv.env.Comet.JoinPool(inv.ctx, comet, shares, maxIn, inv.env.Self); err != nil {
		return 0, 0, 0, fmt.Errorf("comet join_pool: %w", err)
	}

	bootAfter, err := inv.env.Tokens.Balance(inv.ctx, bootToken, inv.env.Self)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("%s balance: %w", bootToken, err)
	}
	pairAfter, err := inv.env.Tokens.Balance(inv.ctx, pairToken, inv.env.Self)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("%s balance: %w", pairToken, err)
	}
	return bootBefore - bootAfter, pairBefore - pairAfter, shares, nil
}

// sharesFor returns amount / poolBalance * supply, floored.
func sharesFor(amount, poolBalance, supply int64) (int64, error) {
	ratio, err := fpmath.FixedDivFloor(amount, poolBalance, fpmath.Scalar7)
	if err != nil {
		return 0, state.Errorf(state.CodeOverflow, "share ratio: %v", err)
	}
	shares, err := fpmath.FixedMulFloor(ratio, supply, fpmath.Scalar7)
	if err != nil {
		return 0, state.Errorf(state.CodeOverflow, "shares: %v", err)
	}
	return shares, nil
}

// depositSingle deposits up to amount of token alone, capped at the pool's
// max in ratio, and returns what was spent and minted.
func (inv *invocation) depositSingle(token state.Address, amount, poolBalance int64) (spent, minted int64, err error) {
	maxIn, err := fpmath.FixedMulFloor(poolBalance, state.MaxInRatio, fpmath.Scalar7)
	if err != nil {
		return 0, 0, state.Errorf(state.CodeOverflow, "max in: %v", err)
	}
	deposit := fpmath.MinInt64(amount, maxIn)
	if deposit <= 0 {
		return 0, 0, nil
	}

	comet := inv.inst.BackstopToken
	if err := inv.env.Tokens.Approve(inv.ctx, token, inv.env.Self, comet, deposit, state.ApprovalExpiry(inv.ledger)); err != nil {
		return 0, 0, fmt.Errorf("approve %s: %w", token, err)
	}
	minted, err = inv.env.Comet.DepositTokenInGetLPOut(inv.ctx, comet, token, deposit, 0, inv.env.Self)
	if err != nil {
		return 0, 0, fmt.Errorf("comet dep_tokn_amt_in_get_lp_tokns_out: %w", err)
	}
	return deposit, minted, nil
}
