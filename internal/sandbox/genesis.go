package sandbox

import (
	"BackstopBootstrapper/internal/state"
	"fmt"
)

// Genesis describes the contracts and balances a fresh chain starts with.
type Genesis struct {
	Factory  state.Address
	Backstop state.Address
	Comet    PoolSpec
	// LendingPools are registered with Factory and are valid bootstrap targets.
	LendingPools []state.Address
	// Holdings mints token balances: Holdings[token][holder] = amount.
	Holdings map[state.Address]map[state.Address]int64
}

// Apply creates every contract and balance in g on an empty chain.
func (c *Chain) Apply(g Genesis) error {
	if err := c.CreatePool(g.Comet); err != nil {
		return fmt.Errorf("genesis comet: %w", err)
	}
	if err := c.CreateBackstop(g.Backstop, g.Comet.Address); err != nil {
		return fmt.Errorf("genesis backstop: %w", err)
	}
	c.CreateFactory(g.Factory)
	for _, p := range g.LendingPools {
		if err := c.DeployPool(g.Factory, p); err != nil {
			return fmt.Errorf("genesis pool %s: %w", p, err)
		}
	}
	for token, holders := range g.Holdings {
		for holder, amount := range holders {
			if err := c.Mint(token, holder, amount); err != nil {
				return fmt.Errorf("genesis mint %s to %s: %w", token, holder, err)
			}
		}
	}
	return nil
}
