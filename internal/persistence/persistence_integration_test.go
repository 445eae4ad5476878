package persistence_test

import (
	"BackstopBootstrapper/internal/core"
	"BackstopBootstrapper/internal/persistence"
	"BackstopBootstrapper/internal/testutil"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runCommands drives a short lifecycle on a rig and writes every applied
// command through a PersistenceWorker. Returns the rig.
func runCommands(t *testing.T, ctx context.Context, worker func(<-chan persistence.CoreOutput) *persistence.PersistenceWorker) *testutil.Rig {
	t.Helper()
	out := make(chan core.CoreOutput, 64)
	r := testutil.NewRig(t, testutil.WithPersistChan(out))

	_, err := r.Gateway.Open(ctx, r.OpenConfig(1000_0000000, 10_0000000))
	require.NoError(t, err)
	_, err = r.Gateway.Join(ctx, r.Frodo, 0, 60_0000000)
	require.NoError(t, err)
	_, err = r.Gateway.Join(ctx, r.Sam, 0, 15_0000000)
	require.NoError(t, err)

	rows := make(chan persistence.CoreOutput, len(out))
	for len(out) > 0 {
		o := <-out
		rows <- persistence.RowsFromEnvelope(o.Envelope, o.Batch)
	}
	close(rows)
	require.NoError(t, worker(rows).Run(ctx))
	return r
}

// ============================================================================
// Test: Event log
// ============================================================================

func TestPersistence_WorkerWritesEventLog(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	runCommands(t, ctx, func(in <-chan persistence.CoreOutput) *persistence.PersistenceWorker {
		return persistence.NewPersistenceWorker(db, in, 2, 5*time.Millisecond, nil)
	})

	snapMgr := persistence.NewSnapshotManager(db)
	tip, err := snapMgr.GetLatestSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), tip, "initialize, open and two joins")

	rows, err := snapMgr.LoadEventsFrom(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, rows, 4)
	for i := 1; i < len(rows); i++ {
		assert.Equal(t, rows[i-1].StateHash, rows[i].PrevHash, "hash chain link at %d", rows[i].Sequence)
	}
	require.NotNil(t, rows[2].BootstrapID)
	assert.Equal(t, int64(0), *rows[2].BootstrapID)

	var journals int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM event_log.journal WHERE sequence = $1`, rows[2].Sequence).Scan(&journals))
	assert.Positive(t, journals, "a join moves tokens")
}

func TestPersistence_IdempotencyTier(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	runCommands(t, ctx, func(in <-chan persistence.CoreOutput) *persistence.PersistenceWorker {
		return persistence.NewPersistenceWorker(db, in, 16, 5*time.Millisecond, nil)
	})

	snapMgr := persistence.NewSnapshotManager(db)
	rows, err := snapMgr.LoadEventsFrom(ctx, 0, 10)
	require.NoError(t, err)

	checker := persistence.NewPostgresIdempotencyChecker(db)
	dup, err := checker.IsDuplicate(rows[3].EventType, rows[3].IdempotencyKey)
	require.NoError(t, err)
	assert.True(t, dup)

	dup, err = checker.IsDuplicate(rows[3].EventType, "never-seen")
	require.NoError(t, err)
	assert.False(t, dup)

	keys, err := checker.RecentKeys(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{
		rows[2].EventType + ":" + rows[2].IdempotencyKey,
		rows[3].EventType + ":" + rows[3].IdempotencyKey,
	}, keys, "oldest first")
}

// ============================================================================
// Test: Snapshots and replay
// ============================================================================

func TestPersistence_SnapshotLifecycle(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	r := runCommands(t, ctx, func(in <-chan persistence.CoreOutput) *persistence.PersistenceWorker {
		return persistence.NewPersistenceWorker(db, in, 16, 5*time.Millisecond, nil)
	})

	state, err := r.Core.CreateSnapshotState(r.Devnet.Chain)
	require.NoError(t, err)
	snap := &persistence.SnapshotData{
		Sequence:        state.Sequence,
		StateHash:       state.StateHash[:],
		LastLedger:      state.LastLedger,
		Store:           state.Store,
		Chain:           state.Chain,
		IdempotencyKeys: state.IdempotencyKeys,
		CreatedAt:       time.Now(),
	}

	snapMgr := persistence.NewSnapshotManager(db)
	require.NoError(t, snapMgr.SaveSnapshot(ctx, snap))

	loaded, err := snapMgr.LoadLatestSnapshot(ctx)
	require.NoError(t, err)
	assert.Nil(t, loaded, "unverified snapshots are not loaded")

	require.NoError(t, snapMgr.MarkVerified(ctx, snap.Sequence))
	loaded, err = snapMgr.LoadLatestSnapshot(ctx)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, int64(3), loaded.Sequence)
	assert.Equal(t, snap.StateHash, loaded.StateHash)
	assert.Equal(t, state.Store.BootstrapIDs(), loaded.Store.BootstrapIDs())
	require.NoError(t, snapMgr.VerifyAgainstLog(ctx, loaded))

	loaded.StateHash[0] ^= 0xff
	assert.Error(t, snapMgr.VerifyAgainstLog(ctx, loaded))
}

func TestPersistence_ReplayReproducesStateHash(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	src := runCommands(t, ctx, func(in <-chan persistence.CoreOutput) *persistence.PersistenceWorker {
		return persistence.NewPersistenceWorker(db, in, 16, 5*time.Millisecond, nil)
	})

	dst := testutil.NewRig(t, testutil.Uninitialized())
	rows, err := persistence.NewSnapshotManager(db).LoadEventsFrom(ctx, 0, 100)
	require.NoError(t, err)
	for _, row := range rows {
		env, evt, err := row.Envelope()
		require.NoError(t, err)
		require.NoError(t, dst.Core.Replay(ctx, env, evt))
	}

	assert.Equal(t, src.Core.GetSequence(), dst.Core.GetSequence())
	assert.Equal(t, src.Core.GetStateHash(), dst.Core.GetStateHash())

	want, err := src.Boot.GetBootstrap(ctx, 0)
	require.NoError(t, err)
	got, err := dst.Boot.GetBootstrap(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}
