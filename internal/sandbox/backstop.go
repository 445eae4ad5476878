package sandbox

import (
	"BackstopBootstrapper/internal/ledger"
	"BackstopBootstrapper/internal/state"
	"context"
	"fmt"
)

// CreateBackstop registers a backstop accepting lpToken deposits.
func (c *Chain) CreateBackstop(addr, lpToken state.Address) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.backstops[addr]; ok {
		return fmt.Errorf("backstop %s already exists", addr)
	}
	c.backstops[addr] = &backstopState{Token: lpToken, Shares: make(map[state.Address]map[state.Address]int64)}
	return nil
}

// Deposit pulls amount of LP tokens from `from` into the backstop on behalf
// of pool and returns the shares issued. Shares are issued 1:1. The pull
// spends from's allowance to the backstop.
func (c *Chain) Deposit(_ context.Context, backstop, from, pool state.Address, amount int64) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	b, ok := c.backstops[backstop]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownBackstop, backstop)
	}
	if amount < 0 {
		return 0, state.Errorf(state.CodeNegativeAmount, "backstop deposit %d", amount)
	}
	if err := c.spendAllowance(b.Token, from, backstop, amount); err != nil {
		return 0, err
	}
	if err := c.move(b.Token, from, backstop, amount, ledger.JournalTypeBackstopDeposit); err != nil {
		return 0, err
	}
	users, ok := b.Shares[pool]
	if !ok {
		users = make(map[state.Address]int64)
		b.Shares[pool] = users
	}
	users[from] += amount
	return amount, nil
}

// BackstopShares returns user's shares in the backstop for pool.
func (c *Chain) BackstopShares(backstop, pool, user state.Address) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.backstops[backstop]
	if !ok {
		return 0
	}
	return b.Shares[pool][user]
}

// CreateFactory registers an empty pool factory.
func (c *Chain) CreateFactory(addr state.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.factories[addr]; !ok {
		c.factories[addr] = make(map[state.Address]bool)
	}
}

// DeployPool records pool as deployed by factory.
func (c *Chain) DeployPool(factory, pool state.Address) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	deployed, ok := c.factories[factory]
	if !ok {
		return fmt.Errorf("unknown pool factory %s", factory)
	}
	deployed[pool] = true
	return nil
}

// IsPool reports whether factory deployed pool.
func (c *Chain) IsPool(_ context.Context, factory, pool state.Address) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	deployed, ok := c.factories[factory]
	if !ok {
		return false, fmt.Errorf("unknown pool factory %s", factory)
	}
	return deployed[pool], nil
}
