package core

import (
	fpmath "BackstopBootstrapper/internal/math"
	"BackstopBootstrapper/internal/state"
	"fmt"
)

// settlement loads from's settlement record. A joiner's deposit is moved
// into the basis the first time they settle, so the deposit record reads
// zero afterwards.
func (inv *invocation) settlement(bs *state.Bootstrap, from state.Address) (state.Settlement, error) {
	s, err := inv.tx.Settlement(bs.ID, from)
	if err != nil {
		return s, err
	}
	if from == bs.Config.Bootstrapper || !s.Empty() {
		return s, nil
	}
	deposit, err := inv.tx.Deposit(bs.ID, from)
	if err != nil {
		return s, err
	}
	if deposit > 0 {
		s.Basis = deposit
		if err := inv.tx.SetDeposit(bs.ID, from, 0); err != nil {
			return s, err
		}
	}
	return s, nil
}

func (inv *invocation) recordSettlement(bs *state.Bootstrap, from state.Address, s state.Settlement) error {
	if err := inv.tx.SetSettlement(bs.ID, from, s); err != nil {
		return err
	}
	inv.receipt.Principal = from
	inv.receipt.Settlement = s
	return nil
}

// claim pays from their share of the minted LP tokens and deposits it into
// the backstop on behalf of the target pool.
//
// The bootstrapper is owed total * bootstrap weight; a joiner is owed
// deposit / total_pair * total * pair weight.
func (inv *invocation) claim(from state.Address, id uint32) error {
	if err := inv.requireAuth(from); err != nil {
		return err
	}
	inst, err := inv.instance()
	if err != nil {
		return err
	}
	bs, err := inv.load(id)
	if err != nil {
		return err
	}
	partial := bs.Status == state.StatusCancelled && bs.Data.TotalBackstopTokens > 0
	if bs.Status != state.StatusCompleted && !partial {
		return bs.RequireStatus(state.StatusCompleted)
	}

	s, err := inv.settlement(bs, from)
	if err != nil {
		return err
	}
	if s.Claimed {
		return state.Errorf(state.CodeAlreadyClaimed, "%s on bootstrap %d", from, id)
	}

	total := bs.Data.TotalBackstopTokens
	var payout int64
	if from == bs.Config.Bootstrapper {
		payout, err = fpmath.FixedMulFloor(total, inst.Tokens[bs.Config.TokenIndex].Weight, fpmath.Scalar7)
		if err != nil {
			return state.Errorf(state.CodeOverflow, "bootstrapper claim: %v", err)
		}
	} else {
		if s.Basis <= 0 {
			return state.Errorf(state.CodeAlreadyClaimed, "%s has no deposit in bootstrap %d", from, id)
		}
		payout, err = joinerClaim(s.Basis, bs.Data.TotalPair, total, inst.Tokens[bs.Config.PairIndex()].Weight)
		if err != nil {
			return err
		}
	}

	s.Claimed = true
	if err := inv.recordSettlement(bs, from, s); err != nil {
		return err
	}

	if err := inv.env.Tokens.Transfer(inv.ctx, inst.BackstopToken, inv.env.Self, from, payout); err != nil {
		return fmt.Errorf("transfer backstop tokens: %w", err)
	}
	// The backstop pulls the deposit against this allowance.
	if err := inv.env.Tokens.Approve(inv.ctx, inst.BackstopToken, from, inst.Backstop, payout, state.ApprovalExpiry(inv.ledger)); err != nil {
		return fmt.Errorf("approve backstop deposit: %w", err)
	}
	shares, err := inv.env.Backstop.Deposit(inv.ctx, inst.Backstop, from, bs.Config.Pool, payout)
	if err != nil {
		return fmt.Errorf("backstop deposit: %w", err)
	}

	inv.receipt.Bootstrap = bs
	inv.receipt.Result = shares
	return nil
}

// joinerClaim computes basis.fixedDivFloor(totalPair).fixedMulFloor(total).fixedMulFloor(weight).
func joinerClaim(basis, totalPair, total, pairWeight int64) (int64, error) {
	share, err := fpmath.FixedDivFloor(basis, totalPair, fpmath.Scalar7)
	if err != nil {
		return 0, state.Errorf(state.CodeOverflow, "claim share: %v", err)
	}
	lp, err := fpmath.FixedMulFloor(share, total, fpmath.Scalar7)
	if err != nil {
		return 0, state.Errorf(state.CodeOverflow, "claim lp: %v", err)
	}
	out, err := fpmath.FixedMulFloor(lp, pairWeight, fpmath.Scalar7)
	if err != nil {
		return 0, state.Errorf(state.CodeOverflow, "claim weighted: %v", err)
	}
	return out, nil
}

// refund returns unconverted principal of a cancelled bootstrap. The
// bootstrapper takes the remaining bootstrap amount; joiners split the pair
// amount left at the first refund pro rata to their deposits.
func (inv *invocation) refund(from state.Address, id uint32) error {
	if err := inv.requireAuth(from); err != nil {
		return err
	}
	inst, err := inv.instance()
	if err != nil {
		return err
	}
	bs, err := inv.load(id)
	if err != nil {
		return err
	}
	if err := bs.RequireStatus(state.StatusCancelled); err != nil {
		return err
	}

	s, err := inv.settlement(bs, from)
	if err != nil {
		return err
	}
	if s.Refunded {
		return state.Errorf(state.CodeAlreadyRefunded, "%s on bootstrap %d", from, id)
	}

	var (
		token  state.Address
		amount int64
	)
	if from == bs.Config.Bootstrapper {
		token = inst.Tokens[bs.Config.TokenIndex].Address
		amount = bs.Data.BootstrapAmount
		bs.Data.BootstrapAmount = 0
	} else {
		if s.Basis <= 0 {
			return state.Errorf(state.CodeAlreadyRefunded, "%s has no deposit in bootstrap %d", from, id)
		}
		pool, err := inv.refundPool(bs)
		if err != nil {
			return err
		}
		amount, err = fpmath.ProRata(pool, s.Basis, bs.Data.TotalPair)
		if err != nil {
			return state.Errorf(state.CodeOverflow, "refund share: %v", err)
		}
		// Floor rounding keeps the sum of shares within the pool.
		amount = fpmath.MinInt64(amount, bs.Data.PairAmount)
		token = inst.Tokens[bs.Config.PairIndex()].Address
		bs.Data.PairAmount -= amount
	}

	bs.Data.Cancelled = true
	s.Refunded = true
	if err := inv.recordSettlement(bs, from, s); err != nil {
		return err
	}
	if err := inv.env.Tokens.Transfer(inv.ctx, token, inv.env.Self, from, amount); err != nil {
		return fmt.Errorf("transfer refund: %w", err)
	}
	if err := inv.save(bs); err != nil {
		return err
	}

	inv.receipt.Result = amount
	return nil
}

// refundPool returns the pair amount snapshotted at the first joiner
// refund, taking the snapshot if this is the first.
func (inv *invocation) refundPool(bs *state.Bootstrap) (int64, error) {
	p, ok, err := inv.tx.RefundPool(bs.ID)
	if err != nil {
		return 0, err
	}
	if ok {
		return p.PairAmount, nil
	}
	snap := state.RefundPool{PairAmount: bs.Data.PairAmount}
	if err := inv.tx.SetRefundPool(bs.ID, snap); err != nil {
		return 0, err
	}
	return snap.PairAmount, nil
}
