package core_test

import (
	"BackstopBootstrapper/internal/core"
	"BackstopBootstrapper/internal/event"
	"BackstopBootstrapper/internal/observability"
	"BackstopBootstrapper/internal/state"
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type coreRig struct {
	*harness
	core       *core.DeterministicCore
	persist    chan core.CoreOutput
	projection chan core.CoreOutput
	outcomes   chan *core.Outcome
	metrics    *observability.Metrics
}

func newCoreRig(t *testing.T, projectionCap int) *coreRig {
	t.Helper()
	h := newHarness(t)
	r := &coreRig{
		harness:    h,
		persist:    make(chan core.CoreOutput, 64),
		projection: make(chan core.CoreOutput, projectionCap),
		outcomes:   make(chan *core.Outcome, 64),
		metrics:    observability.NewMetrics(prometheus.NewRegistry()),
	}
	r.core = core.NewDeterministicCore(core.CoreConfig{
		Bootstrapper:   h.boot,
		Store:          h.st,
		PersistChan:    r.persist,
		ProjectionChan: r.projection,
		OutcomeChan:    r.outcomes,
		LRUCapacity:    128,
		Metrics:        r.metrics,
	})
	return r
}

// meta returns a stamped Meta whose command id is derived from name, so two
// rigs fed the same script see identical commands.
func meta(name string, ledger uint32) event.Meta {
	return event.Meta{
		CommandID: uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)),
		Ledger:    ledger,
		Timestamp: time.Unix(1_700_000_000, 0).UTC().Add(time.Duration(ledger) * 5 * time.Second),
	}
}

const closeAt = genesisLedger + 2*state.OneDayLedgers

// script opens a bootstrap, takes two deposits, closes and claims.
func script() []event.Event {
	cfg := state.BootstrapConfig{
		Bootstrapper: bootOwner,
		Pool:         pool,
		Amount:       1000_0000000,
		PairMin:      10_0000000,
		CloseLedger:  closeAt,
	}
	return []event.Event{
		&event.OpenBootstrap{Meta: meta("open", genesisLedger), Config: cfg},
		&event.JoinBootstrap{Meta: meta("join-frodo", genesisLedger+10), From: frodo, ID: 0, Amount: 60_0000000},
		&event.JoinBootstrap{Meta: meta("join-sam", genesisLedger+20), From: samwise, ID: 0, Amount: 40_0000000},
		&event.ExitBootstrap{Meta: meta("exit-sam", genesisLedger+30), From: samwise, ID: 0, Amount: 10_0000000},
		&event.CloseBootstrap{Meta: meta("close", closeAt), ID: 0},
		&event.ClaimBootstrap{Meta: meta("claim-boot", closeAt+1), From: bootOwner, ID: 0},
		&event.ClaimBootstrap{Meta: meta("claim-frodo", closeAt+2), From: frodo, ID: 0},
	}
}

func (r *coreRig) run(t *testing.T, cmds []event.Event) []core.CoreOutput {
	t.Helper()
	var out []core.CoreOutput
	for _, cmd := range cmds {
		o, err := r.core.ProcessEvent(context.Background(), cmd)
		require.NoError(t, err, "%s", cmd.EventType())
		require.True(t, o.Applied)
		out = append(out, <-r.persist)
	}
	return out
}

// ============================================================================
// Test: Processing
// ============================================================================

func TestCore_AppliesAndChainsHashes(t *testing.T) {
	r := newCoreRig(t, 64)
	outputs := r.run(t, script())

	prev := core.GenesisHash()
	for i, o := range outputs {
		assert.Equal(t, int64(i+1), o.Envelope.Sequence, "initialize took sequence 0")
		assert.Equal(t, prev, o.Envelope.PrevHash, "envelope %d", i)
		assert.NotEqual(t, o.Envelope.PrevHash, o.Envelope.StateHash)
		prev = o.Envelope.StateHash
		require.NotNil(t, o.Envelope.BootstrapID)
		assert.Equal(t, uint32(0), *o.Envelope.BootstrapID)
	}
	assert.Equal(t, prev, r.core.GetStateHash())
	assert.Equal(t, closeAt+2, r.core.LastLedger())
	assert.Len(t, r.projection, len(outputs))
	assert.Len(t, r.outcomes, len(outputs))

	closeOut := outputs[4]
	assert.Equal(t, event.EventTypeCloseBootstrap, closeOut.Envelope.EventType)
	assert.Equal(t, state.StatusCompleted, closeOut.Outcome.Bootstrap.Status)
	assert.Greater(t, closeOut.Outcome.Minted, int64(0))
	require.NotNil(t, closeOut.Batch)
	assert.NoError(t, closeOut.Batch.Validate())

	assert.Equal(t, float64(1), promtest.ToFloat64(r.metrics.BootstrapsOpened))
	assert.Equal(t, float64(100_0000000), promtest.ToFloat64(r.metrics.PairDeposited))
	assert.Equal(t, float64(2), promtest.ToFloat64(r.metrics.Claims.WithLabelValues("joiner"))+promtest.ToFloat64(r.metrics.Claims.WithLabelValues("bootstrapper")))
}

func TestCore_DuplicateIsSkipped(t *testing.T) {
	r := newCoreRig(t, 64)
	cmds := script()[:2]
	r.run(t, cmds)
	seq := r.core.GetSequence()

	o, err := r.core.ProcessEvent(context.Background(), cmds[1])
	require.NoError(t, err)
	assert.True(t, o.Duplicate)
	assert.False(t, o.Applied)
	assert.Equal(t, seq, r.core.GetSequence())
	assert.Empty(t, r.persist)

	dep, err := r.boot.GetDeposit(r.ctx, 0, frodo)
	require.NoError(t, err)
	assert.Equal(t, int64(60_0000000), dep)
}

func TestCore_RejectsUnstampedCommand(t *testing.T) {
	r := newCoreRig(t, 64)
	o, err := r.core.ProcessEvent(context.Background(), &event.CloseBootstrap{Meta: event.NewMeta(), ID: 0})
	requireCode(t, err, state.CodeBadRequest)
	assert.False(t, o.Applied)
	assert.Equal(t, uint32(state.CodeBadRequest), o.Code)
	assert.Equal(t, o, <-r.outcomes)
}

func TestCore_RejectsOutOfOrderLedger(t *testing.T) {
	r := newCoreRig(t, 64)
	cmds := script()
	r.run(t, cmds[:3])

	late := &event.JoinBootstrap{Meta: meta("late", genesisLedger+5), From: merry, ID: 0, Amount: 1}
	_, err := r.core.ProcessEvent(context.Background(), late)
	requireCode(t, err, state.CodeBadRequest)
	assert.Equal(t, float64(1), promtest.ToFloat64(r.metrics.EventOutOfOrder))

	// a replayed duplicate with an old ledger is not an ordering error
	o, err := r.core.ProcessEvent(context.Background(), cmds[1])
	require.NoError(t, err)
	assert.True(t, o.Duplicate)
}

func TestCore_ContractRejectionIsPublishedNotPersisted(t *testing.T) {
	r := newCoreRig(t, 64)
	r.run(t, script()[:1])
	<-r.outcomes

	seq := r.core.GetSequence()
	hash := r.core.GetStateHash()
	bad := &event.ExitBootstrap{Meta: meta("bad-exit", genesisLedger+1), From: frodo, ID: 0, Amount: 5}
	o, err := r.core.ProcessEvent(context.Background(), bad)
	requireCode(t, err, state.CodeInsufficientDeposit)

	assert.Equal(t, uint32(state.CodeInsufficientDeposit), o.Code)
	assert.Equal(t, int64(-1), o.Sequence)
	assert.Equal(t, o, <-r.outcomes)
	assert.Empty(t, r.persist)
	assert.Equal(t, seq, r.core.GetSequence())
	assert.Equal(t, hash, r.core.GetStateHash())

	// rejected commands are not remembered; a corrected retry with the same id applies
	h := r.harness
	h.join(frodo, 0, 5)
	o, err = r.core.ProcessEvent(context.Background(), bad)
	require.NoError(t, err)
	assert.True(t, o.Applied)
}

func TestCore_ProjectionDropsWhenFull(t *testing.T) {
	r := newCoreRig(t, 0)
	r.run(t, script()[:2])
	assert.Equal(t, float64(2), promtest.ToFloat64(r.metrics.ProjectionDrops.WithLabelValues("core")))
}

func TestCore_IdenticalScriptsHashIdentically(t *testing.T) {
	a := newCoreRig(t, 64)
	b := newCoreRig(t, 64)
	outA := a.run(t, script())
	outB := b.run(t, script())

	require.Equal(t, len(outA), len(outB))
	for i := range outA {
		assert.Equal(t, outA[i].Envelope.StateHash, outB[i].Envelope.StateHash, "sequence %d", outA[i].Envelope.Sequence)
		assert.Equal(t, outA[i].Envelope.Payload, outB[i].Envelope.Payload)
	}
}

func TestCore_Run(t *testing.T) {
	r := newCoreRig(t, 64)
	ctx, cancel := context.WithCancel(context.Background())
	in := make(chan core.Submission)
	done := make(chan error, 1)
	go func() { done <- r.core.Run(ctx, in) }()

	reply := make(chan core.SubmitResult, 1)
	in <- core.Submission{Event: script()[0], Reply: reply}
	res := <-reply
	require.NoError(t, res.Err)
	assert.Equal(t, int64(0), res.Outcome.Result)

	cancel()
	require.NoError(t, <-done)
}

// ============================================================================
// Test: Recovery
// ============================================================================

func TestCore_ReplayReproducesHashes(t *testing.T) {
	live := newCoreRig(t, 64)
	cmds := script()
	outputs := live.run(t, cmds)

	replica := newCoreRig(t, 64)
	for i, o := range outputs {
		require.NoError(t, replica.core.Replay(context.Background(), o.Envelope, cmds[i]))
	}
	assert.Equal(t, live.core.GetStateHash(), replica.core.GetStateHash())
	assert.Equal(t, live.core.GetSequence(), replica.core.GetSequence())
	assert.Empty(t, replica.persist, "replay emits nothing")

	// replayed commands are known duplicates afterwards
	o, err := replica.core.ProcessEvent(context.Background(), cmds[2])
	require.NoError(t, err)
	assert.True(t, o.Duplicate)

	live.clock.Set(closeAt + 5)
	replica.clock.Set(closeAt + 5)
	next := &event.ClaimBootstrap{Meta: meta("claim-sam", closeAt+5), From: samwise, ID: 0}
	_, err = live.core.ProcessEvent(context.Background(), next)
	require.NoError(t, err)
	_, err = replica.core.ProcessEvent(context.Background(), next)
	require.NoError(t, err)
	assert.Equal(t, live.core.GetStateHash(), replica.core.GetStateHash())
}

func TestCore_ReplayDetectsDivergence(t *testing.T) {
	live := newCoreRig(t, 64)
	cmds := script()[:2]
	outputs := live.run(t, cmds)

	replica := newCoreRig(t, 64)
	require.NoError(t, replica.core.Replay(context.Background(), outputs[0].Envelope, cmds[0]))

	tampered := *outputs[1].Envelope
	tampered.StateHash[0] ^= 0xff
	err := replica.core.Replay(context.Background(), &tampered, cmds[1])
	require.Error(t, err)
	assert.Contains(t, err.Error(), "state hash mismatch")

	gap := *outputs[1].Envelope
	gap.Sequence += 5
	err = replica.core.Replay(context.Background(), &gap, cmds[1])
	require.Error(t, err)
	assert.Contains(t, err.Error(), "replay gap")
}

func TestCore_SnapshotRestore(t *testing.T) {
	live := newCoreRig(t, 64)
	cmds := script()
	live.run(t, cmds[:5])

	snap, err := live.core.CreateSnapshotState(live.chain)
	require.NoError(t, err)
	assert.Equal(t, int64(5), snap.Sequence)
	assert.NotEmpty(t, snap.Chain)
	assert.Len(t, snap.IdempotencyKeys, 5)

	restored := newCoreRig(t, 64)
	require.NoError(t, restored.core.RestoreFromSnapshot(snap, restored.chain))
	assert.Equal(t, live.core.GetStateHash(), restored.core.GetStateHash())
	assert.Equal(t, live.core.GetSequence(), restored.core.GetSequence())
	assert.Equal(t, live.core.LastLedger(), restored.core.LastLedger())
	assert.Equal(t, live.balance(comet, self), restored.balance(comet, self))

	outLive := live.run(t, cmds[5:])
	outRestored := restored.run(t, cmds[5:])
	for i := range outLive {
		assert.Equal(t, outLive[i].Envelope.StateHash, outRestored[i].Envelope.StateHash)
	}
}
