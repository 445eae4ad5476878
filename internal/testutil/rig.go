package testutil

import (
	"BackstopBootstrapper/internal/core"
	"BackstopBootstrapper/internal/ingestion"
	"BackstopBootstrapper/internal/sandbox"
	"BackstopBootstrapper/internal/state"
	"BackstopBootstrapper/internal/store"
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

// RigGenesisLedger is the ledger a Rig's chain starts at.
const RigGenesisLedger uint32 = 1_000_000

// RigBalance is what every rig holder starts with, in both tokens.
const RigBalance int64 = 100_000_0000000

// Rig is an initialized contract on a devnet with a running core, for tests
// that drive the service surface end to end without Postgres or NATS.
type Rig struct {
	Clock   *clockwork.FakeClock
	Devnet  *sandbox.Devnet
	Store   store.Store
	Boot    *core.Bootstrapper
	Core    *core.DeterministicCore
	Gateway *ingestion.CommandGateway
	// Outcomes receives every outcome the core produces.
	Outcomes chan *core.Outcome

	Self, BLND, USDC, Comet, Backstop, Factory, Pool state.Address
	Owner, Frodo, Sam, Whale                         state.Address
}

// RigOption adjusts how NewRig wires the core.
type RigOption func(*rigOptions)

type rigOptions struct {
	persist    chan<- core.CoreOutput
	projection chan<- core.CoreOutput
	skipInit   bool
}

// WithPersistChan routes applied commands to ch, as the service's
// persistence bridge would receive them.
func WithPersistChan(ch chan<- core.CoreOutput) RigOption {
	return func(o *rigOptions) { o.persist = ch }
}

// WithProjectionChan routes applied commands to ch for projection tests.
func WithProjectionChan(ch chan<- core.CoreOutput) RigOption {
	return func(o *rigOptions) { o.projection = ch }
}

// Uninitialized leaves the contract uninitialized, for replay targets.
func Uninitialized() RigOption {
	return func(o *rigOptions) { o.skipInit = true }
}

// NewRig builds a Rig. The core loop stops when the test ends.
func NewRig(t testing.TB, opts ...RigOption) *Rig {
	t.Helper()
	var o rigOptions
	for _, opt := range opts {
		opt(&o)
	}
	addr := func(name string) state.Address { return state.Address(ContractAddress(t, name)) }
	acct := func(name string) state.Address { return state.Address(AccountAddress(t, name)) }

	r := &Rig{
		Clock:    clockwork.NewFakeClock(),
		Store:    store.NewMemoryStore(),
		Outcomes: make(chan *core.Outcome, 256),
		Self:     addr("bootstrapper"),
		BLND:     addr("blnd"),
		USDC:     addr("usdc"),
		Comet:    addr("comet"),
		Backstop: addr("backstop"),
		Factory:  addr("factory"),
		Pool:     addr("pool"),
		Owner:    acct("owner"),
		Frodo:    acct("frodo"),
		Sam:      acct("samwise"),
		Whale:    acct("whale"),
	}

	devnet, err := sandbox.NewDevnet(r.Clock, sandbox.DevnetConfig{
		Genesis:        RigGenesisLedger,
		LedgerDuration: 5 * time.Second,
		Factory:        r.Factory,
		Backstop:       r.Backstop,
		Comet:          r.Comet,
		BLND:           r.BLND,
		USDC:           r.USDC,
		CometBLND:      1_000_000_0000000,
		CometUSDC:      25_000_0000000,
		CometSupply:    100_000_0000000,
		LPHolder:       r.Whale,
		LendingPools:   []state.Address{r.Pool},
		Holders:        []state.Address{r.Owner, r.Frodo, r.Sam, r.Whale},
		HolderBalance:  RigBalance,
	})
	if err != nil {
		t.Fatalf("devnet: %v", err)
	}
	r.Devnet = devnet

	r.Boot, err = core.NewBootstrapper(devnet.Env(r.Self), r.Store, core.WithChainImage(devnet.Chain))
	if err != nil {
		t.Fatalf("bootstrapper: %v", err)
	}
	r.Core = core.NewDeterministicCore(core.CoreConfig{
		Bootstrapper:   r.Boot,
		Store:          r.Store,
		PersistChan:    o.persist,
		ProjectionChan: o.projection,
		OutcomeChan:    r.Outcomes,
		LRUCapacity:    1024,
	})

	ctx, cancel := context.WithCancel(context.Background())
	submit := make(chan core.Submission)
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Core.Run(ctx, submit)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	r.Gateway = ingestion.NewCommandGateway(submit, devnet.Clock, r.Clock).WithDone(ctx.Done())

	if o.skipInit {
		return r
	}
	if _, err := r.Gateway.Initialize(ctx, r.Backstop, r.Comet, r.Factory); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return r
}

// Ledger is the devnet's current ledger.
func (r *Rig) Ledger() uint32 {
	return r.Devnet.Clock.Sequence()
}

// AdvanceLedgers moves the devnet forward by n ledgers.
func (r *Rig) AdvanceLedgers(n uint32) {
	r.Devnet.Clock.Jump(int64(n))
}

// OpenConfig is a BLND bootstrap by Owner that closes in two days.
func (r *Rig) OpenConfig(amount, pairMin int64) state.BootstrapConfig {
	return state.BootstrapConfig{
		Bootstrapper: r.Owner,
		Pool:         r.Pool,
		Amount:       amount,
		PairMin:      pairMin,
		TokenIndex:   0,
		CloseLedger:  r.Ledger() + 2*state.OneDayLedgers,
	}
}
