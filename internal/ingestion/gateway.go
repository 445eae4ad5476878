package ingestion

import (
	"BackstopBootstrapper/internal/core"
	"BackstopBootstrapper/internal/event"
	"BackstopBootstrapper/internal/state"
	"context"
	"errors"
	"fmt"

	"github.com/jonboulle/clockwork"
)

// ErrGatewayClosed is returned once the core stops accepting submissions.
var ErrGatewayClosed = errors.New("command gateway closed")

// CommandGateway is the single path from the shell into the core. It stamps
// commands with the current ledger and wall time, so every command in the
// log carries the ledger it executed at.
// NATS ingestion, the gRPC and HTTP APIs and the keeper all submit here.
type CommandGateway struct {
	submitChan chan<- core.Submission
	ledger     core.LedgerClock
	clock      clockwork.Clock
	done       <-chan struct{}
}

func NewCommandGateway(submitChan chan<- core.Submission, ledger core.LedgerClock, clock clockwork.Clock) *CommandGateway {
	return &CommandGateway{submitChan: submitChan, ledger: ledger, clock: clock}
}

// WithDone makes submissions fail fast once done is closed.
func (g *CommandGateway) WithDone(done <-chan struct{}) *CommandGateway {
	g.done = done
	return g
}

func (g *CommandGateway) stamp(evt event.Event) {
	evt.Stamp(g.ledger.Sequence(), g.clock.Now().UTC())
}

// Submit stamps evt, hands it to the core and waits for the outcome.
func (g *CommandGateway) Submit(ctx context.Context, evt event.Event) (*core.Outcome, error) {
	g.stamp(evt)
	reply := make(chan core.SubmitResult, 1)

	select {
	case g.submitChan <- core.Submission{Event: evt, Reply: reply}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-g.done:
		return nil, ErrGatewayClosed
	}

	select {
	case res := <-reply:
		return res.Outcome, res.Err
	case <-ctx.Done():
		// The core still applies the command; the caller just stops waiting.
		return nil, ctx.Err()
	}
}

// Enqueue stamps evt and hands it to the core without waiting.
func (g *CommandGateway) Enqueue(ctx context.Context, evt event.Event) error {
	g.stamp(evt)
	select {
	case g.submitChan <- core.Submission{Event: evt}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-g.done:
		return ErrGatewayClosed
	}
}

// --- Typed helpers (fresh command ids) ---

func (g *CommandGateway) Initialize(ctx context.Context, backstop, backstopToken, poolFactory state.Address) (*core.Outcome, error) {
	return g.Submit(ctx, &event.InitializeContract{
		Meta:          event.NewMeta(),
		Backstop:      backstop,
		BackstopToken: backstopToken,
		PoolFactory:   poolFactory,
	})
}

func (g *CommandGateway) Open(ctx context.Context, cfg state.BootstrapConfig) (*core.Outcome, error) {
	return g.Submit(ctx, &event.OpenBootstrap{Meta: event.NewMeta(), Config: cfg})
}

func (g *CommandGateway) Join(ctx context.Context, from state.Address, id uint32, amount int64) (*core.Outcome, error) {
	if amount < 0 {
		return nil, state.Errorf(state.CodeNegativeAmount, "join amount %d", amount)
	}
	return g.Submit(ctx, &event.JoinBootstrap{Meta: event.NewMeta(), From: from, ID: id, Amount: amount})
}

func (g *CommandGateway) Exit(ctx context.Context, from state.Address, id uint32, amount int64) (*core.Outcome, error) {
	if amount < 0 {
		return nil, state.Errorf(state.CodeNegativeAmount, "exit amount %d", amount)
	}
	return g.Submit(ctx, &event.ExitBootstrap{Meta: event.NewMeta(), From: from, ID: id, Amount: amount})
}

func (g *CommandGateway) Close(ctx context.Context, id uint32) (*core.Outcome, error) {
	return g.Submit(ctx, &event.CloseBootstrap{Meta: event.NewMeta(), ID: id})
}

func (g *CommandGateway) Claim(ctx context.Context, from state.Address, id uint32) (*core.Outcome, error) {
	return g.Submit(ctx, &event.ClaimBootstrap{Meta: event.NewMeta(), From: from, ID: id})
}

func (g *CommandGateway) Refund(ctx context.Context, from state.Address, id uint32) (*core.Outcome, error) {
	return g.Submit(ctx, &event.RefundBootstrap{Meta: event.NewMeta(), From: from, ID: id})
}

// Ingest parses a raw command and submits it. Parse failures are returned
// wrapped in ErrMalformed so callers can drop the message instead of
// redelivering it.
func (g *CommandGateway) Ingest(ctx context.Context, raw RawEvent) (*core.Outcome, error) {
	evt, err := ParseRawEvent(raw, raw.EventType)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return g.Submit(ctx, evt)
}

// ErrMalformed marks a command that can never be parsed.
var ErrMalformed = errors.New("malformed command")
