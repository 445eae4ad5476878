package main

import (
	"BackstopBootstrapper/internal/core"
	"BackstopBootstrapper/internal/ingestion"
	"BackstopBootstrapper/internal/observability"
	"BackstopBootstrapper/internal/persistence"
	"BackstopBootstrapper/internal/projection"
	"BackstopBootstrapper/internal/state"
	"context"
	"errors"
	"fmt"
	"log"
	"time"
)

// bridgeCoreOutputs converts core outputs into persistence rows and
// projection updates. Persistence is never dropped; projections are. Each
// output channel is closed once its input is closed and drained.
func bridgeCoreOutputs(
	ctx context.Context,
	persistIn <-chan core.CoreOutput,
	projectionIn <-chan core.CoreOutput,
	persistOut chan<- persistence.CoreOutput,
	projectionOut chan<- projection.ProjectionOutput,
	metrics *observability.Metrics,
) {
	for persistIn != nil || projectionIn != nil {
		select {
		case out, ok := <-persistIn:
			if !ok {
				persistIn = nil
				close(persistOut)
				continue
			}
			select {
			case persistOut <- persistence.RowsFromEnvelope(out.Envelope, out.Batch):
			case <-ctx.Done():
				return
			}

		case out, ok := <-projectionIn:
			if !ok {
				projectionIn = nil
				close(projectionOut)
				continue
			}
			if out.Outcome == nil {
				continue
			}
			select {
			case projectionOut <- projection.OutputFromOutcome(out.Outcome):
			default:
				metrics.ProjectionDrops.WithLabelValues("bridge").Inc()
			}
		}
	}
}

// runIngestionLoop feeds NATS commands into the core. Applied commands and
// contract rejections are acked; unparseable ones are terminated so they are
// never redelivered; anything else is nak'd for redelivery.
func runIngestionLoop(ctx context.Context, rawChan <-chan ingestion.RawEvent, gateway *ingestion.CommandGateway) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case raw := <-rawChan:
			_, err := gateway.Ingest(ctx, raw)
			var ce *state.ContractError
			switch {
			case err == nil, errors.As(err, &ce):
				settle(raw.AckFunc)
			case errors.Is(err, ingestion.ErrMalformed):
				log.Printf("WARN: Dropping malformed command on %s: %v", raw.Subject, err)
				settle(raw.TermFunc)
			default:
				settle(raw.NakFunc)
				if ctx.Err() != nil || errors.Is(err, ingestion.ErrGatewayClosed) {
					return nil
				}
				log.Printf("ERROR: Ingest %s: %v", raw.Subject, err)
			}
		}
	}
}

func settle(f func()) {
	if f != nil {
		f()
	}
}

// runPeriodicSnapshots snapshots whenever interval commands were applied
// since the last one.
func runPeriodicSnapshots(ctx context.Context, c *core.DeterministicCore, take func(context.Context) (*persistence.SnapshotData, error), interval int64) error {
	if interval <= 0 {
		interval = 100_000
	}

	lastSnapshotSeq := c.GetSequence()
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			currentSeq := c.GetSequence()
			if currentSeq-lastSnapshotSeq < interval {
				continue
			}
			if _, err := take(ctx); err != nil {
				log.Printf("WARN: Periodic snapshot failed: %v", err)
				continue
			}
			lastSnapshotSeq = currentSeq
			log.Printf("INFO: Periodic snapshot at sequence %d", currentSeq-1)
		}
	}
}

// takeSnapshot captures the core, store and chain and persists them.
func takeSnapshot(
	ctx context.Context,
	c *core.DeterministicCore,
	chain core.ChainImager,
	snapMgr *persistence.SnapshotManager,
	metrics *observability.Metrics,
) (*persistence.SnapshotData, error) {
	start := time.Now()

	coreSnap, err := c.CreateSnapshotState(chain)
	if err != nil {
		return nil, err
	}
	snapData := &persistence.SnapshotData{
		Sequence:        coreSnap.Sequence,
		StateHash:       append([]byte(nil), coreSnap.StateHash[:]...),
		LastLedger:      coreSnap.LastLedger,
		Store:           coreSnap.Store,
		Chain:           coreSnap.Chain,
		IdempotencyKeys: coreSnap.IdempotencyKeys,
		CreatedAt:       time.Now(),
	}
	if snapData.Sequence < 0 {
		return nil, errors.New("nothing applied yet")
	}

	if err := snapMgr.SaveSnapshot(ctx, snapData); err != nil {
		return nil, fmt.Errorf("save snapshot: %w", err)
	}
	// Built from live state; restore still checks it against the log.
	if err := snapMgr.MarkVerified(ctx, snapData.Sequence); err != nil {
		log.Printf("WARN: Mark snapshot verified failed: %v", err)
	}

	metrics.SnapshotTaken.Inc()
	metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
	metrics.SnapshotLastSeq.Set(float64(snapData.Sequence))
	return snapData, nil
}

// runChannelMetrics samples channel depths.
func runChannelMetrics(ctx context.Context, metrics *observability.Metrics, chans map[string]func() (int, int)) error {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for name, depth := range chans {
				size, capacity := depth()
				metrics.SetChannelMetrics(name, size, capacity)
			}
		}
	}
}
