package sandbox

import (
	"BackstopBootstrapper/internal/core"
	"BackstopBootstrapper/internal/state"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
)

// DevnetConfig describes a local chain with one 80/20 BLND/USDC comet pool,
// a backstop over its LP token and a factory with registered lending pools.
type DevnetConfig struct {
	Genesis        uint32
	LedgerDuration time.Duration

	Factory  state.Address
	Backstop state.Address
	Comet    state.Address
	BLND     state.Address
	USDC     state.Address

	CometBLND   int64
	CometUSDC   int64
	CometSupply int64
	CometFee    int64
	LPHolder    state.Address

	LendingPools []state.Address
	// Holders each receive HolderBalance of both tokens.
	Holders       []state.Address
	HolderBalance int64
}

// Devnet is a seeded chain and the clock and authorizer it runs on.
type Devnet struct {
	Chain *Chain
	Clock *LedgerClock
	Auth  *Authorizer
}

// NewDevnet builds and seeds a chain from cfg.
func NewDevnet(clock clockwork.Clock, cfg DevnetConfig) (*Devnet, error) {
	if cfg.LPHolder == "" {
		return nil, fmt.Errorf("devnet: LP holder unset")
	}
	lc := NewLedgerClock(clock, cfg.Genesis, cfg.LedgerDuration)
	chain := NewChain(lc)

	holdings := map[state.Address]map[state.Address]int64{
		cfg.BLND: {},
		cfg.USDC: {},
	}
	for _, h := range cfg.Holders {
		holdings[cfg.BLND][h] = cfg.HolderBalance
		holdings[cfg.USDC][h] = cfg.HolderBalance
	}
	err := chain.Apply(Genesis{
		Factory:  cfg.Factory,
		Backstop: cfg.Backstop,
		Comet: PoolSpec{
			Address:  cfg.Comet,
			Tokens:   []state.Address{cfg.BLND, cfg.USDC},
			Weights:  []int64{8, 2},
			Balances: []int64{cfg.CometBLND, cfg.CometUSDC},
			Supply:   cfg.CometSupply,
			Fee:      cfg.CometFee,
			LPHolder: cfg.LPHolder,
		},
		LendingPools: cfg.LendingPools,
		Holdings:     holdings,
	})
	if err != nil {
		return nil, err
	}
	return &Devnet{Chain: chain, Clock: lc, Auth: NewAuthorizer()}, nil
}

// Env wires a contract deployed at self to the devnet.
func (d *Devnet) Env(self state.Address) core.Env {
	return core.Env{
		Self:     self,
		Tokens:   d.Chain,
		Comet:    d.Chain,
		Backstop: d.Chain,
		Factory:  d.Chain,
		Clock:    d.Clock,
		Auth:     d.Auth,
	}
}
