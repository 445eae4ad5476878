package core

import (
	"BackstopBootstrapper/internal/event"
	"BackstopBootstrapper/internal/ledger"
	"BackstopBootstrapper/internal/observability"
	"BackstopBootstrapper/internal/state"
	"BackstopBootstrapper/internal/store"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DeterministicCore applies commands to the contract one at a time, chains
// their state hashes and fans the results out to persistence, projections
// and the outbound publisher.
type DeterministicCore struct {
	mu              sync.Mutex
	boot            *Bootstrapper
	st              store.Store
	hasher          *StateHasher
	idempotency     *IdempotencyChecker
	ledgerValidator *LedgerValidator
	metrics         *observability.Metrics
	logger          zerolog.Logger

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
	outcomeChan    chan<- *Outcome
}

// CoreOutput is one applied command.
type CoreOutput struct {
	Envelope *event.EventEnvelope
	Batch    *ledger.Batch
	Outcome  *Outcome
}

// Outcome reports what happened to a command, applied or not.
type Outcome struct {
	CommandID  string                `json:"command_id"`
	EventType  string                `json:"event_type"`
	Sequence   int64                 `json:"sequence"`
	Ledger     uint32                `json:"ledger"`
	Applied    bool                  `json:"applied"`
	Duplicate  bool                  `json:"duplicate,omitempty"`
	Code       uint32                `json:"code,omitempty"`
	Error      string                `json:"error,omitempty"`
	Result     int64                 `json:"result"`
	Minted     int64                 `json:"minted,omitempty"`
	Events     []event.ContractEvent `json:"events,omitempty"`
	Bootstrap  *state.Bootstrap      `json:"bootstrap,omitempty"`
	Principal  state.Address         `json:"principal,omitempty"`
	Deposit    int64                 `json:"deposit"`
	Settlement state.Settlement      `json:"settlement"`
	NextID     uint32                `json:"next_id"`
	StateHash  string                `json:"state_hash,omitempty"`
	Timestamp  time.Time             `json:"timestamp"`
}

// CoreConfig wires the core.
type CoreConfig struct {
	Bootstrapper   *Bootstrapper
	Store          store.Store
	PersistChan    chan<- CoreOutput
	ProjectionChan chan<- CoreOutput
	// OutcomeChan receives every outcome, rejections included. Optional.
	OutcomeChan chan<- *Outcome
	DBChecker   DBIdempotencyChecker
	LRUCapacity int
	Metrics     *observability.Metrics
	Logger      *zerolog.Logger
}

func NewDeterministicCore(cfg CoreConfig) *DeterministicCore {
	capacity := cfg.LRUCapacity
	if capacity <= 0 {
		capacity = 1_000_000
	}
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &DeterministicCore{
		boot:            cfg.Bootstrapper,
		st:              cfg.Store,
		hasher:          NewStateHasher(),
		idempotency:     NewIdempotencyChecker(capacity, cfg.DBChecker),
		ledgerValidator: NewLedgerValidator(),
		metrics:         cfg.Metrics,
		logger:          logger,
		persistChan:     cfg.PersistChan,
		projectionChan:  cfg.ProjectionChan,
		outcomeChan:     cfg.OutcomeChan,
	}
}

// ProcessEvent is the main processing pipeline. A contract rejection is
// returned as the error alongside an outcome carrying its code; duplicates
// return a Duplicate outcome and no error.
func (c *DeterministicCore) ProcessEvent(ctx context.Context, evt event.Event) (*Outcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	start := time.Now()
	eventType := evt.EventType().String()
	key := evt.IdempotencyKey()
	outcome := &Outcome{
		CommandID: key,
		EventType: eventType,
		Sequence:  -1,
		Ledger:    evt.LedgerSequence(),
		Timestamp: evt.Time(),
	}

	// Step 1: unstamped commands never reach the contract
	if evt.LedgerSequence() == 0 {
		return c.reject(outcome, "unstamped", state.Errorf(state.CodeBadRequest, "command %s has no ledger", key))
	}

	// Step 2: idempotency (two-tier)
	isDuplicate := c.idempotency.IsDuplicate(eventType, key)

	// Step 3: ledger ordering
	if err := c.ledgerValidator.Check(evt.LedgerSequence(), isDuplicate); err != nil {
		if c.metrics != nil {
			c.metrics.EventOutOfOrder.Inc()
		}
		return c.reject(outcome, "out_of_order", state.Errorf(state.CodeBadRequest, "%v", err))
	}

	if isDuplicate {
		if c.metrics != nil {
			c.metrics.CoreEventsRejected.WithLabelValues(eventType, "duplicate").Inc()
			c.metrics.IdempotencyDuplicates.WithLabelValues(eventType).Inc()
		}
		outcome.Duplicate = true
		return outcome, nil
	}

	// Step 4: apply
	receipt, err := c.boot.Exec(ctx, evt)
	if err != nil {
		return c.reject(outcome, "contract", err)
	}

	// Step 5: validate and hash
	if receipt.Batch != nil {
		if err := receipt.Batch.Validate(); err != nil {
			panic(fmt.Sprintf("FATAL: invalid token batch at sequence %d: %v", receipt.Sequence, err))
		}
	}
	prevHash := c.hasher.GetPrevHash()
	stateHash := c.hasher.ComputeHash(receipt.Sequence, computeStateDigest(receipt))

	payload, err := json.Marshal(evt)
	if err != nil {
		panic(fmt.Sprintf("FATAL: marshal applied command %s: %v", key, err))
	}

	envelope := &event.EventEnvelope{
		Sequence:       receipt.Sequence,
		IdempotencyKey: key,
		EventType:      evt.EventType(),
		BootstrapID:    envelopeBootstrapID(evt, receipt),
		Ledger:         receipt.Ledger,
		Timestamp:      evt.Time(),
		Payload:        payload,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}
	fillOutcome(outcome, receipt)
	outcome.StateHash = hex.EncodeToString(stateHash[:])

	c.ledgerValidator.Advance(receipt.Ledger)

	// Step 6: emit. Persistence blocks (backpressure); projections and
	// outcomes drop when full and rebuild from the event log.
	output := CoreOutput{Envelope: envelope, Batch: receipt.Batch, Outcome: outcome}
	if c.persistChan != nil {
		select {
		case c.persistChan <- output:
		default:
			if c.metrics != nil {
				c.metrics.PersistBackpressure.Inc()
			}
			c.persistChan <- output
		}
	}
	if c.projectionChan != nil {
		select {
		case c.projectionChan <- output:
		default:
			if c.metrics != nil {
				c.metrics.ProjectionDrops.WithLabelValues("core").Inc()
			}
		}
	}
	c.publishOutcome(outcome)

	// Step 7: mark as processed
	c.idempotency.MarkProcessed(eventType, key)

	c.logger.Info().
		Int64("sequence", receipt.Sequence).
		Str("type", eventType).
		Interface("bootstrap_id", envelope.BootstrapID).
		Int64("result", receipt.Result).
		Msg("command applied")

	if c.metrics != nil {
		c.recordApplied(evt, receipt, time.Since(start))
	}
	return outcome, nil
}

func (c *DeterministicCore) reject(outcome *Outcome, reason string, err error) (*Outcome, error) {
	outcome.Code = uint32(state.CodeOf(err))
	outcome.Error = err.Error()
	c.publishOutcome(outcome)
	if c.metrics != nil {
		c.metrics.CoreEventsRejected.WithLabelValues(outcome.EventType, reason).Inc()
	}
	c.logger.Warn().
		Str("type", outcome.EventType).
		Str("command_id", outcome.CommandID).
		Uint32("code", outcome.Code).
		Str("reason", reason).
		Err(err).
		Msg("command rejected")
	return outcome, err
}

func (c *DeterministicCore) publishOutcome(o *Outcome) {
	if c.outcomeChan == nil {
		return
	}
	select {
	case c.outcomeChan <- o:
	default:
		if c.metrics != nil {
			c.metrics.PublishDrops.Inc()
		}
	}
}

func (c *DeterministicCore) recordApplied(evt event.Event, r *Receipt, elapsed time.Duration) {
	eventType := evt.EventType().String()
	c.metrics.CoreEventsApplied.WithLabelValues(eventType).Inc()
	c.metrics.CoreEventDuration.WithLabelValues(eventType).Observe(elapsed.Seconds())
	c.metrics.CoreSequence.Set(float64(r.Sequence + 1))
	c.metrics.CoreLedger.Set(float64(r.Ledger))
	c.metrics.DedupLRUSize.Set(float64(c.idempotency.Size()))
	if r.Batch != nil {
		for _, j := range r.Batch.Journals {
			c.metrics.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
		}
	}

	role := "joiner"
	if r.Bootstrap != nil && r.Principal == r.Bootstrap.Config.Bootstrapper {
		role = "bootstrapper"
	}
	switch e := evt.(type) {
	case *event.OpenBootstrap:
		c.metrics.BootstrapsOpened.Inc()
	case *event.JoinBootstrap:
		c.metrics.PairDeposited.Add(float64(e.Amount))
	case *event.ExitBootstrap:
		c.metrics.PairWithdrawn.Add(float64(e.Amount))
	case *event.CloseBootstrap:
		c.metrics.BackstopTokensMint.Add(float64(r.Minted))
	case *event.ClaimBootstrap:
		c.metrics.Claims.WithLabelValues(role).Inc()
	case *event.RefundBootstrap:
		c.metrics.Refunds.WithLabelValues(role).Inc()
	}
}

func envelopeBootstrapID(evt event.Event, r *Receipt) *uint32 {
	if id := evt.BootstrapID(); id != nil {
		return id
	}
	if r.Bootstrap != nil {
		id := r.Bootstrap.ID
		return &id
	}
	return nil
}

func fillOutcome(o *Outcome, r *Receipt) {
	o.Applied = true
	o.Sequence = r.Sequence
	o.Ledger = r.Ledger
	o.Result = r.Result
	o.Minted = r.Minted
	o.Events = r.Events
	o.Bootstrap = r.Bootstrap
	o.Principal = r.Principal
	o.Deposit = r.Deposit
	o.Settlement = r.Settlement
	o.NextID = r.NextID
}

// computeStateDigest creates canonical bytes for the state hash: the
// touched bootstrap, the principal's records, the id counter, the contract
// instance when it changed, and the token movements.
func computeStateDigest(r *Receipt) []byte {
	digest := make([]byte, 0, 256)

	if r.Bootstrap != nil {
		digest = append(digest, 'B')
		digest = append(digest, r.Bootstrap.CanonicalBytes()...)
	}
	if r.Principal != "" {
		digest = append(digest, 'P')
		digest = appendString(digest, string(r.Principal))
		digest = appendInt64LE(digest, r.Deposit)
		digest = append(digest, r.Settlement.CanonicalBytes()...)
	}
	digest = append(digest, 'N')
	digest = appendInt64LE(digest, int64(r.NextID))
	digest = appendInt64LE(digest, r.Result)

	if r.Instance != nil {
		digest = append(digest, 'I')
		digest = appendString(digest, string(r.Instance.Backstop))
		digest = appendString(digest, string(r.Instance.BackstopToken))
		digest = appendString(digest, string(r.Instance.PoolFactory))
		for _, t := range r.Instance.Tokens {
			digest = appendString(digest, string(t.Address))
			digest = appendInt64LE(digest, t.Weight)
		}
	}

	if r.Batch != nil {
		journals := append([]ledger.Journal(nil), r.Batch.Journals...)
		sort.SliceStable(journals, func(i, j int) bool {
			return journals[i].JournalID.String() < journals[j].JournalID.String()
		})
		for _, j := range journals {
			digest = append(digest, 'J')
			digest = appendString(digest, j.DebitAccount.AccountPath())
			digest = appendString(digest, j.CreditAccount.AccountPath())
			digest = appendInt64LE(digest, j.Amount)
		}
	}
	return digest
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}

func appendString(buf []byte, s string) []byte {
	buf = append(buf, byte(len(s)), byte(len(s)>>8))
	return append(buf, s...)
}

// === Submission loop ===

// Submission is a command waiting for the core, with an optional reply.
type Submission struct {
	Event event.Event
	Reply chan<- SubmitResult
}

type SubmitResult struct {
	Outcome *Outcome
	Err     error
}

// Run applies submissions until ctx is done or in is closed.
func (c *DeterministicCore) Run(ctx context.Context, in <-chan Submission) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case sub, ok := <-in:
			if !ok {
				return nil
			}
			outcome, err := c.ProcessEvent(ctx, sub.Event)
			if sub.Reply != nil {
				sub.Reply <- SubmitResult{Outcome: outcome, Err: err}
			}
		}
	}
}

// === Recovery ===

// Replay re-applies a command read back from the event log. Entries the
// store already reflects only advance the hash chain; others must reproduce
// the logged sequence and state hash exactly.
func (c *DeterministicCore) Replay(ctx context.Context, env *event.EventEnvelope, evt event.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := c.boot.Sequence()
	eventType := evt.EventType().String()

	if env.Sequence < next {
		c.hasher.SetPrevHash(env.StateHash)
		c.ledgerValidator.Advance(env.Ledger)
		c.idempotency.MarkProcessed(eventType, env.IdempotencyKey)
		return nil
	}
	if env.Sequence != next {
		return fmt.Errorf("replay gap: expected sequence %d, log has %d", next, env.Sequence)
	}
	if c.hasher.GetPrevHash() != env.PrevHash {
		return fmt.Errorf("replay chain break at sequence %d: prev hash %x, log has %x",
			env.Sequence, c.hasher.GetPrevHash(), env.PrevHash)
	}

	receipt, err := c.boot.Exec(ctx, evt)
	if err != nil {
		return fmt.Errorf("replay sequence %d: %w", env.Sequence, err)
	}
	hash := c.hasher.ComputeHash(receipt.Sequence, computeStateDigest(receipt))
	if hash != env.StateHash {
		return fmt.Errorf("state hash mismatch at sequence %d: computed %x, log has %x", env.Sequence, hash, env.StateHash)
	}
	c.ledgerValidator.Advance(receipt.Ledger)
	c.idempotency.MarkProcessed(eventType, env.IdempotencyKey)
	if c.metrics != nil {
		c.metrics.ReplayEventsTotal.Inc()
	}
	return nil
}

// SnapshotState is the core's recoverable state.
type SnapshotState struct {
	// Sequence is the last applied sequence (-1 when empty)
	Sequence        int64
	StateHash       [32]byte
	LastLedger      uint32
	Store           *store.Dump
	Chain           []byte
	IdempotencyKeys []string
}

// CreateSnapshotState captures the store, the chain image and the hash tip
// between commands.
func (c *DeterministicCore) CreateSnapshotState(chain ChainImager) (*SnapshotState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	dump, err := c.st.Dump()
	if err != nil {
		return nil, fmt.Errorf("dump store: %w", err)
	}
	snap := &SnapshotState{
		Sequence:        c.boot.Sequence() - 1,
		StateHash:       c.hasher.GetPrevHash(),
		LastLedger:      c.ledgerValidator.LastLedger(),
		Store:           dump,
		IdempotencyKeys: c.idempotency.Keys(),
	}
	if chain != nil {
		if snap.Chain, err = chain.Export(); err != nil {
			return nil, fmt.Errorf("export chain: %w", err)
		}
	}
	return snap, nil
}

// ChainImporter restores collaborator state from an image.
type ChainImporter interface {
	Import(blob []byte) error
}

// RestoreFromSnapshot loads snap into the store, the chain and the core.
func (c *DeterministicCore) RestoreFromSnapshot(snap *SnapshotState, chain ChainImporter) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if snap.Store != nil {
		if err := c.st.Restore(snap.Store); err != nil {
			return fmt.Errorf("restore store: %w", err)
		}
	}
	if chain != nil && len(snap.Chain) > 0 {
		if err := chain.Import(snap.Chain); err != nil {
			return fmt.Errorf("restore chain: %w", err)
		}
	}
	if err := c.boot.Resync(); err != nil {
		return err
	}
	c.hasher.SetPrevHash(snap.StateHash)
	c.ledgerValidator.SetLastLedger(snap.LastLedger)
	c.idempotency.WarmFromKeys(snap.IdempotencyKeys)
	return nil
}

// WarmLRU loads recent idempotency keys into the LRU cache.
func (c *DeterministicCore) WarmLRU(keys []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.idempotency.WarmFromKeys(keys)
}

// GetSequence returns the next global sequence number.
func (c *DeterministicCore) GetSequence() int64 {
	return c.boot.Sequence()
}

// GetStateHash returns the current state hash (chain tip).
func (c *DeterministicCore) GetStateHash() [32]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasher.GetPrevHash()
}

// LastLedger returns the ledger of the last applied command.
func (c *DeterministicCore) LastLedger() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ledgerValidator.LastLedger()
}

// Bootstrapper returns the contract the core drives, for read-only views.
func (c *DeterministicCore) Bootstrapper() *Bootstrapper {
	return c.boot
}
