package main

import (
	"BackstopBootstrapper/internal/core"
	"BackstopBootstrapper/internal/persistence"
	"BackstopBootstrapper/internal/sandbox"
	"BackstopBootstrapper/internal/store"
	"context"
	"fmt"
	"log"
)

const replayBatchSize = 1000

// recoverState brings the core back to the tip of the event log.
//
// A durable (pebble) store that survived the restart is preferred: its chain
// blob is imported and only the log tail is re-executed. Otherwise the latest
// verified snapshot is restored, and with neither the whole log is replayed
// from sequence 0.
func recoverState(
	ctx context.Context,
	c *core.DeterministicCore,
	st store.Store,
	chain *sandbox.Chain,
	snapMgr *persistence.SnapshotManager,
	idem *persistence.PostgresIdempotencyChecker,
	lruWarm int,
) error {
	applied, err := st.AppliedSequence()
	if err != nil {
		return fmt.Errorf("read applied sequence: %w", err)
	}

	snap, err := snapMgr.LoadLatestSnapshot(ctx)
	if err != nil {
		log.Printf("WARN: Failed to load snapshot: %v (will replay from log)", err)
		snap = nil
	}

	from := int64(0)
	switch {
	case applied >= 0 && (snap == nil || applied >= snap.Sequence):
		tx := st.Begin()
		blob, ok, err := tx.Blob(core.ChainBlobName)
		tx.Discard()
		if err != nil {
			return fmt.Errorf("read chain image: %w", err)
		}
		if ok {
			if err := chain.Import(blob); err != nil {
				return fmt.Errorf("import chain image: %w", err)
			}
		}
		// Entries the store already holds only re-link the hash chain.
		if snap != nil && snap.Sequence <= applied {
			if err := restoreHashTip(c, st, chain, snap, false); err != nil {
				return err
			}
			from = snap.Sequence + 1
		}
		log.Printf("INFO: Store holds sequence %d, replaying log from %d", applied, from)

	case snap != nil:
		if err := snapMgr.VerifyAgainstLog(ctx, snap); err != nil {
			return fmt.Errorf("snapshot %d: %w", snap.Sequence, err)
		}
		if err := restoreHashTip(c, st, chain, snap, true); err != nil {
			return err
		}
		from = snap.Sequence + 1
		log.Printf("INFO: Restored snapshot at sequence %d, replaying log from %d", snap.Sequence, from)

	default:
		log.Println("INFO: No snapshot or durable store, replaying full event log")
	}

	replayed, err := replayEventsFromLog(ctx, c, snapMgr, from)
	if err != nil {
		return err
	}
	if replayed > 0 {
		log.Printf("INFO: Replayed %d events from log", replayed)
	}

	tip, err := snapMgr.GetLatestSequence(ctx)
	if err != nil {
		return fmt.Errorf("event log tip: %w", err)
	}
	if last := c.GetSequence() - 1; tip < last {
		log.Printf("WARN: Store is ahead of the event log (store=%d, log=%d); outcomes in between were never persisted", last, tip)
	}

	keys, err := idem.RecentKeys(ctx, lruWarm)
	if err != nil {
		log.Printf("WARN: Failed to load recent idempotency keys: %v", err)
	} else {
		c.WarmLRU(keys)
	}

	chain.Clock().AdvanceTo(c.LastLedger())
	return nil
}

// restoreHashTip loads snap into the core. With full unset only the hash tip,
// ledger watermark and keys are taken and the store and chain are left alone.
func restoreHashTip(c *core.DeterministicCore, st store.Store, chain *sandbox.Chain, snap *persistence.SnapshotData, full bool) error {
	if len(snap.StateHash) != 32 {
		return fmt.Errorf("snapshot %d: state hash has %d bytes", snap.Sequence, len(snap.StateHash))
	}
	state := &core.SnapshotState{
		Sequence:        snap.Sequence,
		LastLedger:      snap.LastLedger,
		IdempotencyKeys: snap.IdempotencyKeys,
	}
	copy(state.StateHash[:], snap.StateHash)

	if !full {
		// The store is newer than the snapshot; replay re-links from the
		// snapshot tip onward.
		return c.RestoreFromSnapshot(state, nil)
	}
	state.Store = snap.Store
	state.Chain = snap.Chain
	return c.RestoreFromSnapshot(state, chain)
}

// replayEventsFromLog re-applies every logged command from sequence from.
func replayEventsFromLog(ctx context.Context, c *core.DeterministicCore, snapMgr *persistence.SnapshotManager, from int64) (int64, error) {
	var count int64
	for {
		rows, err := snapMgr.LoadEventsFrom(ctx, from, replayBatchSize)
		if err != nil {
			return count, fmt.Errorf("load events from %d: %w", from, err)
		}
		if len(rows) == 0 {
			return count, nil
		}
		for _, row := range rows {
			env, evt, err := row.Envelope()
			if err != nil {
				return count, fmt.Errorf("decode event %d: %w", row.Sequence, err)
			}
			if err := c.Replay(ctx, env, evt); err != nil {
				return count, err
			}
			count++
			from = row.Sequence + 1
		}
	}
}
