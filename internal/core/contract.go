package core

import (
	"BackstopBootstrapper/internal/event"
	"BackstopBootstrapper/internal/ledger"
	"BackstopBootstrapper/internal/state"
	"BackstopBootstrapper/internal/store"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// ChainBlobName is the store blob holding the collaborators' image when
// chain persistence is enabled.
const ChainBlobName = "sandbox/chain"

// Receipt describes a successful invocation.
type Receipt struct {
	Sequence int64
	Ledger   uint32
	// Result is the entry point's return value (new id, deposit, minted
	// total, amount paid).
	Result int64
	// Minted is the LP tokens a close pass added.
	Minted int64
	Events []event.ContractEvent

	// Post-invocation state of what the command touched.
	Bootstrap  *state.Bootstrap
	Principal  state.Address
	Deposit    int64
	Settlement state.Settlement
	NextID     uint32
	Instance   *store.Instance

	// Token movements the invocation caused, if the collaborators record them.
	Batch *ledger.Batch
}

// Bootstrapper is the contract: it owns the accounting ledger and drives
// the collaborators. Mutating calls are serialized and atomic; either every
// store write and collaborator effect of an invocation lands, or none does.
type Bootstrapper struct {
	mu       sync.Mutex
	env      Env
	store    store.Store
	sequence int64
	imager   ChainImager
	logger   zerolog.Logger
}

// Option configures a Bootstrapper.
type Option func(*Bootstrapper)

// WithLogger sets the invocation logger.
func WithLogger(l zerolog.Logger) Option {
	return func(b *Bootstrapper) { b.logger = l }
}

// WithChainImage stores imager's export in the same transaction as every
// invocation, so a durable store always matches the chain it drove.
func WithChainImage(imager ChainImager) Option {
	return func(b *Bootstrapper) { b.imager = imager }
}

// NewBootstrapper binds the contract to its store and collaborators. The
// next sequence continues from the store's applied sequence.
func NewBootstrapper(env Env, st store.Store, opts ...Option) (*Bootstrapper, error) {
	if err := env.validate(); err != nil {
		return nil, err
	}
	applied, err := st.AppliedSequence()
	if err != nil {
		return nil, fmt.Errorf("read applied sequence: %w", err)
	}
	b := &Bootstrapper{
		env:      env,
		store:    st,
		sequence: applied + 1,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Sequence returns the sequence the next successful invocation commits at.
func (b *Bootstrapper) Sequence() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sequence
}

// Resync re-reads the applied sequence after the store was restored.
func (b *Bootstrapper) Resync() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	applied, err := b.store.AppliedSequence()
	if err != nil {
		return err
	}
	b.sequence = applied + 1
	return nil
}

// Self returns the contract's address.
func (b *Bootstrapper) Self() state.Address {
	return b.env.Self
}

// === Entry points ===

// Initialize records the backstop, its comet LP token and the pool factory.
func (b *Bootstrapper) Initialize(ctx context.Context, backstop, backstopToken, poolFactory state.Address) error {
	_, err := b.Exec(ctx, &event.InitializeContract{
		Meta:          event.NewMeta(),
		Backstop:      backstop,
		BackstopToken: backstopToken,
		PoolFactory:   poolFactory,
	})
	return err
}

// Bootstrap creates a bootstrap and returns its id.
func (b *Bootstrapper) Bootstrap(ctx context.Context, cfg state.BootstrapConfig) (uint32, error) {
	r, err := b.Exec(ctx, &event.OpenBootstrap{Meta: event.NewMeta(), Config: cfg})
	if err != nil {
		return 0, err
	}
	return uint32(r.Result), nil
}

// Join deposits amount of pair token and returns from's total deposit.
func (b *Bootstrapper) Join(ctx context.Context, from state.Address, id uint32, amount int64) (int64, error) {
	r, err := b.Exec(ctx, &event.JoinBootstrap{Meta: event.NewMeta(), From: from, ID: id, Amount: amount})
	if err != nil {
		return 0, err
	}
	return r.Result, nil
}

// Exit withdraws amount of pair token and returns from's remaining deposit.
func (b *Bootstrapper) Exit(ctx context.Context, from state.Address, id uint32, amount int64) (int64, error) {
	r, err := b.Exec(ctx, &event.ExitBootstrap{Meta: event.NewMeta(), From: from, ID: id, Amount: amount})
	if err != nil {
		return 0, err
	}
	return r.Result, nil
}

// Close runs one conversion pass and returns the cumulative LP tokens minted.
func (b *Bootstrapper) Close(ctx context.Context, id uint32) (int64, error) {
	r, err := b.Exec(ctx, &event.CloseBootstrap{Meta: event.NewMeta(), ID: id})
	if err != nil {
		return 0, err
	}
	return r.Result, nil
}

// Claim deposits from's LP share into the backstop and returns the backstop
// shares issued.
func (b *Bootstrapper) Claim(ctx context.Context, from state.Address, id uint32) (int64, error) {
	r, err := b.Exec(ctx, &event.ClaimBootstrap{Meta: event.NewMeta(), From: from, ID: id})
	if err != nil {
		return 0, err
	}
	return r.Result, nil
}

// Refund returns from's unconverted principal of a cancelled bootstrap.
func (b *Bootstrapper) Refund(ctx context.Context, from state.Address, id uint32) (int64, error) {
	r, err := b.Exec(ctx, &event.RefundBootstrap{Meta: event.NewMeta(), From: from, ID: id})
	if err != nil {
		return 0, err
	}
	return r.Result, nil
}

// === Views ===

// GetBootstrap loads a bootstrap with its status at the current ledger.
func (b *Bootstrapper) GetBootstrap(_ context.Context, id uint32) (*state.Bootstrap, error) {
	tx := b.store.Begin()
	defer tx.Discard()
	return loadBootstrap(tx, id, b.env.Clock.Sequence())
}

// GetNextID returns the id the next bootstrap will get.
func (b *Bootstrapper) GetNextID(_ context.Context) (uint32, error) {
	tx := b.store.Begin()
	defer tx.Discard()
	return tx.NextID()
}

// GetDeposit returns user's live pair deposit, zero once moved into a settlement.
func (b *Bootstrapper) GetDeposit(_ context.Context, id uint32, user state.Address) (int64, error) {
	tx := b.store.Begin()
	defer tx.Discard()
	return tx.Deposit(id, user)
}

// GetSettlement returns user's claim and refund record.
func (b *Bootstrapper) GetSettlement(_ context.Context, id uint32, user state.Address) (state.Settlement, error) {
	tx := b.store.Begin()
	defer tx.Discard()
	return tx.Settlement(id, user)
}

// GetInstance returns the contract-wide configuration.
func (b *Bootstrapper) GetInstance(_ context.Context) (*store.Instance, error) {
	tx := b.store.Begin()
	defer tx.Discard()
	inst, ok, err := tx.Instance()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errNotInitialized
	}
	return inst, nil
}

// === Invocation ===

var errNotInitialized = state.Errorf(state.CodeBadRequest, "contract not initialized")

// invocation is the context of one entry point call.
type invocation struct {
	ctx     context.Context
	env     *Env
	tx      store.Tx
	ledger  uint32
	receipt *Receipt
	inst    *store.Instance
}

// Exec applies cmd atomically. On error nothing is committed and every
// collaborator that supports it is rolled back.
func (b *Bootstrapper) Exec(ctx context.Context, cmd event.Event) (*Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if p, ok := b.env.Clock.(Pinner); ok && cmd.LedgerSequence() != 0 {
		p.Pin(cmd.LedgerSequence())
		defer p.Unpin()
	}
	ledgerSeq := b.env.Clock.Sequence()

	var reverts []func()
	for _, c := range b.env.collaborators() {
		if cp, ok := c.(Checkpointer); ok {
			reverts = append(reverts, cp.Checkpoint())
		}
		if r, ok := c.(Recorder); ok {
			r.BeginInvocation(cmd.IdempotencyKey(), b.sequence, ledgerSeq)
		}
	}

	inv := &invocation{
		ctx:     ctx,
		env:     &b.env,
		tx:      b.store.Begin(),
		ledger:  ledgerSeq,
		receipt: &Receipt{Sequence: b.sequence, Ledger: ledgerSeq},
	}

	err := inv.dispatch(cmd)
	if err == nil {
		err = inv.finish(b.imager)
	}
	if err == nil {
		err = inv.tx.Commit(b.sequence)
	}
	if err != nil {
		inv.tx.Discard()
		for i := len(reverts) - 1; i >= 0; i-- {
			reverts[i]()
		}
		b.logger.Debug().
			Str("type", cmd.EventType().String()).
			Uint32("ledger", ledgerSeq).
			Uint32("code", uint32(state.CodeOf(err))).
			Err(err).
			Msg("invocation failed")
		return nil, err
	}

	for _, c := range b.env.collaborators() {
		if r, ok := c.(Recorder); ok {
			inv.receipt.Batch = r.InvocationBatch()
			break
		}
	}
	b.sequence++
	return inv.receipt, nil
}

func (inv *invocation) dispatch(cmd event.Event) error {
	switch e := cmd.(type) {
	case *event.InitializeContract:
		return inv.initialize(e.Backstop, e.BackstopToken, e.PoolFactory)
	case *event.OpenBootstrap:
		return inv.bootstrap(e.Config)
	case *event.JoinBootstrap:
		return inv.join(e.From, e.ID, e.Amount)
	case *event.ExitBootstrap:
		return inv.exit(e.From, e.ID, e.Amount)
	case *event.CloseBootstrap:
		return inv.close(e.ID)
	case *event.ClaimBootstrap:
		return inv.claim(e.From, e.ID)
	case *event.RefundBootstrap:
		return inv.refund(e.From, e.ID)
	default:
		return state.Errorf(state.CodeBadRequest, "unsupported command %T", cmd)
	}
}

// finish fills the receipt's post-state and writes the chain image.
func (inv *invocation) finish(imager ChainImager) error {
	next, err := inv.tx.NextID()
	if err != nil {
		return err
	}
	inv.receipt.NextID = next
	if imager != nil {
		blob, err := imager.Export()
		if err != nil {
			return fmt.Errorf("export chain: %w", err)
		}
		if err := inv.tx.PutBlob(ChainBlobName, blob); err != nil {
			return err
		}
	}
	return nil
}

func (inv *invocation) instance() (*store.Instance, error) {
	if inv.inst != nil {
		return inv.inst, nil
	}
	inst, ok, err := inv.tx.Instance()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errNotInitialized
	}
	inv.inst = inst
	return inst, nil
}

func loadBootstrap(tx store.Tx, id uint32, ledgerSeq uint32) (*state.Bootstrap, error) {
	cfg, err := tx.Config(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, state.Errorf(state.CodeBadRequest, "bootstrap %d not found", id)
		}
		return nil, err
	}
	data, err := tx.Data(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, state.Errorf(state.CodeBadRequest, "bootstrap %d data not found", id)
		}
		return nil, err
	}
	return state.LoadBootstrap(id, *cfg, *data, ledgerSeq), nil
}

func (inv *invocation) load(id uint32) (*state.Bootstrap, error) {
	return loadBootstrap(inv.tx, id, inv.ledger)
}

// save writes the running totals and records the post-state on the receipt.
func (inv *invocation) save(bs *state.Bootstrap) error {
	if err := inv.tx.SetData(bs.ID, &bs.Data); err != nil {
		return err
	}
	bs.Status = state.DeriveStatus(&bs.Config, &bs.Data, inv.ledger)
	inv.receipt.Bootstrap = bs
	return nil
}

func (inv *invocation) requireAuth(addr state.Address) error {
	return inv.env.Auth.RequireAuth(inv.ctx, addr)
}

// initialize records the contract-wide configuration and reads the comet
// pool's tokens and weights.
func (inv *invocation) initialize(backstop, backstopToken, poolFactory state.Address) error {
	if _, ok, err := inv.tx.Instance(); err != nil {
		return err
	} else if ok {
		return state.ErrAlreadyInitialized
	}

	tokens, err := inv.env.Comet.GetTokens(inv.ctx, backstopToken)
	if err != nil {
		return fmt.Errorf("comet get_tokens: %w", err)
	}
	if len(tokens) != 2 {
		return state.Errorf(state.CodeBadRequest, "backstop token must have 2 underlying tokens, has %d", len(tokens))
	}
	inst := &store.Instance{
		Backstop:      backstop,
		BackstopToken: backstopToken,
		PoolFactory:   poolFactory,
	}
	for _, token := range tokens {
		w, err := inv.env.Comet.GetNormalizedWeight(inv.ctx, backstopToken, token)
		if err != nil {
			return fmt.Errorf("comet get_normalized_weight %s: %w", token, err)
		}
		inst.Tokens = append(inst.Tokens, state.TokenInfo{Address: token, Weight: w})
	}
	if err := inv.tx.SetInstance(inst); err != nil {
		return err
	}
	inv.inst = inst
	inv.receipt.Instance = inst
	return nil
}

// bootstrap validates cfg, pulls the bootstrap amount and stores the new
// bootstrap under the next id.
func (inv *invocation) bootstrap(cfg state.BootstrapConfig) error {
	if err := inv.requireAuth(cfg.Bootstrapper); err != nil {
		return err
	}
	inst, err := inv.instance()
	if err != nil {
		return err
	}

	if cfg.TokenIndex > 1 {
		return state.Errorf(state.CodeInvalidBootstrapToken, "token index %d", cfg.TokenIndex)
	}
	if cfg.Amount <= 0 {
		return state.Errorf(state.CodeInvalidBootstrapAmount, "amount %d", cfg.Amount)
	}
	if cfg.PairMin < 0 {
		return state.Errorf(state.CodeNegativeAmount, "pair_min %d", cfg.PairMin)
	}
	var duration uint32
	if cfg.CloseLedger > inv.ledger {
		duration = cfg.CloseLedger - inv.ledger
	}
	if duration < state.MinDurationLedgers || duration > state.MaxDurationLedgers {
		return state.Errorf(state.CodeInvalidCloseLedger, "close ledger %d is %d ledgers away", cfg.CloseLedger, duration)
	}
	isPool, err := inv.env.Factory.IsPool(inv.ctx, inst.PoolFactory, cfg.Pool)
	if err != nil {
		return fmt.Errorf("pool factory is_pool: %w", err)
	}
	if !isPool {
		return state.Errorf(state.CodeInvalidPoolAddress, "%s", cfg.Pool)
	}

	token := inst.Tokens[cfg.TokenIndex].Address
	if err := inv.env.Tokens.Transfer(inv.ctx, token, cfg.Bootstrapper, inv.env.Self, cfg.Amount); err != nil {
		return fmt.Errorf("transfer bootstrap amount: %w", err)
	}

	id, err := inv.tx.AllocateID()
	if err != nil {
		return err
	}
	if err := inv.tx.SetConfig(id, &cfg); err != nil {
		return err
	}
	bs := state.LoadBootstrap(id, cfg, state.BootstrapData{BootstrapAmount: cfg.Amount}, inv.ledger)
	if err := inv.save(bs); err != nil {
		return err
	}

	inv.receipt.Result = int64(id)
	inv.receipt.Principal = cfg.Bootstrapper
	inv.receipt.Events = append(inv.receipt.Events, event.NewBootstrapEvent(cfg.Bootstrapper, id, &cfg))
	return nil
}

// join credits amount of pair token to from's deposit.
func (inv *invocation) join(from state.Address, id uint32, amount int64) error {
	if err := inv.requireAuth(from); err != nil {
		return err
	}
	if amount < 0 {
		return state.Errorf(state.CodeNegativeAmount, "join amount %d", amount)
	}
	inst, err := inv.instance()
	if err != nil {
		return err
	}
	bs, err := inv.load(id)
	if err != nil {
		return err
	}
	if err := bs.RequireStatus(state.StatusActive); err != nil {
		return err
	}
	if bs.Data.TotalPair > maxInt64-amount {
		return state.Errorf(state.CodeOverflow, "total pair overflow")
	}

	pairToken := inst.Tokens[bs.Config.PairIndex()].Address
	if err := inv.env.Tokens.Transfer(inv.ctx, pairToken, from, inv.env.Self, amount); err != nil {
		return fmt.Errorf("transfer pair deposit: %w", err)
	}

	deposit, err := inv.tx.Deposit(id, from)
	if err != nil {
		return err
	}
	deposit += amount
	if err := inv.tx.SetDeposit(id, from, deposit); err != nil {
		return err
	}
	bs.Join(amount)
	if err := inv.save(bs); err != nil {
		return err
	}

	inv.receipt.Result = deposit
	inv.receipt.Principal = from
	inv.receipt.Deposit = deposit
	return nil
}

// exit debits amount from from's deposit and returns it.
func (inv *invocation) exit(from state.Address, id uint32, amount int64) error {
	if err := inv.requireAuth(from); err != nil {
		return err
	}
	if amount < 0 {
		return state.Errorf(state.CodeNegativeAmount, "exit amount %d", amount)
	}
	inst, err := inv.instance()
	if err != nil {
		return err
	}
	bs, err := inv.load(id)
	if err != nil {
		return err
	}
	if err := bs.RequireStatus(state.StatusActive); err != nil {
		return err
	}

	deposit, err := inv.tx.Deposit(id, from)
	if err != nil {
		return err
	}
	deposit -= amount
	bs.Exit(amount)
	if deposit < 0 || bs.Data.PairAmount < 0 || bs.Data.TotalPair < 0 {
		return state.Errorf(state.CodeInsufficientDeposit, "exit %d exceeds deposit", amount)
	}

	pairToken := inst.Tokens[bs.Config.PairIndex()].Address
	if err := inv.env.Tokens.Transfer(inv.ctx, pairToken, inv.env.Self, from, amount); err != nil {
		return fmt.Errorf("transfer pair withdrawal: %w", err)
	}
	if err := inv.tx.SetDeposit(id, from, deposit); err != nil {
		return err
	}
	if err := inv.save(bs); err != nil {
		return err
	}

	inv.receipt.Result = deposit
	inv.receipt.Principal = from
	inv.receipt.Deposit = deposit
	return nil
}

const maxInt64 = int64(^uint64(0) >> 1)
