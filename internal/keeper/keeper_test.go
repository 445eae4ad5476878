package keeper_test

import (
	"BackstopBootstrapper/internal/core"
	"BackstopBootstrapper/internal/keeper"
	"BackstopBootstrapper/internal/observability"
	"BackstopBootstrapper/internal/state"
	"BackstopBootstrapper/internal/testutil"
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeeper_ClosesOnlyClosingBootstraps(t *testing.T) {
	rig := testutil.NewRig(t)
	ctx := context.Background()
	metrics := observability.NewMetrics(prometheus.NewRegistry())

	cfg := rig.OpenConfig(1000_0000000, 10_0000000)
	_, err := rig.Gateway.Open(ctx, cfg)
	require.NoError(t, err)
	_, err = rig.Gateway.Join(ctx, rig.Frodo, 0, 60_0000000)
	require.NoError(t, err)

	k, err := keeper.New(keeper.Config{Reader: rig.Boot, Closer: rig.Gateway, Metrics: metrics})
	require.NoError(t, err)

	closed, err := k.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, closed, "active bootstraps are left alone")

	rig.AdvanceLedgers(2 * state.OneDayLedgers)
	closed, err = k.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, closed)

	bs, err := rig.Boot.GetBootstrap(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, state.StatusCompleted, bs.Status)

	closed, err = k.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, closed)

	assert.Equal(t, float64(3), promtest.ToFloat64(metrics.KeeperRuns))
	assert.Equal(t, float64(1), promtest.ToFloat64(metrics.KeeperCloses.WithLabelValues("applied")))
}

// ============================================================================
// Test: fakes
// ============================================================================

type fakeReader struct {
	statuses []state.Status
	reads    []uint32
}

func (f *fakeReader) GetNextID(context.Context) (uint32, error) {
	return uint32(len(f.statuses)), nil
}

func (f *fakeReader) GetBootstrap(_ context.Context, id uint32) (*state.Bootstrap, error) {
	f.reads = append(f.reads, id)
	return &state.Bootstrap{ID: id, Status: f.statuses[id]}, nil
}

type fakeCloser struct {
	err   error
	calls []uint32
}

func (f *fakeCloser) Close(_ context.Context, id uint32) (*core.Outcome, error) {
	f.calls = append(f.calls, id)
	if f.err != nil {
		return nil, f.err
	}
	return &core.Outcome{Applied: true, Sequence: int64(id)}, nil
}

func TestKeeper_SkipsTerminalPrefix(t *testing.T) {
	r := &fakeReader{statuses: []state.Status{
		state.StatusCompleted,
		state.StatusCancelled,
		state.StatusActive,
		state.StatusCompleted,
		state.StatusClosing,
	}}
	c := &fakeCloser{}
	k, err := keeper.New(keeper.Config{Reader: r, Closer: c})
	require.NoError(t, err)

	closed, err := k.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, closed)
	assert.Equal(t, []uint32{4}, c.calls)

	r.reads = nil
	_, err = k.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []uint32{2, 3, 4}, r.reads, "ids 0 and 1 are terminal")
}

func TestKeeper_RejectionIsRetriedNextRun(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	r := &fakeReader{statuses: []state.Status{state.StatusClosing}}
	c := &fakeCloser{err: state.Errorf(state.CodeReceivedNoBackstopTokens, "nothing minted")}
	k, err := keeper.New(keeper.Config{Reader: r, Closer: c, Metrics: metrics})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		closed, err := k.RunOnce(context.Background())
		require.NoError(t, err)
		assert.Zero(t, closed)
	}
	assert.Equal(t, []uint32{0, 0}, c.calls)
	assert.Equal(t, float64(2), promtest.ToFloat64(metrics.KeeperCloses.WithLabelValues("rejected")))
}

func TestKeeper_InfrastructureErrorStopsScan(t *testing.T) {
	r := &fakeReader{statuses: []state.Status{state.StatusClosing, state.StatusClosing}}
	c := &fakeCloser{err: errors.New("gateway closed")}
	k, err := keeper.New(keeper.Config{Reader: r, Closer: c})
	require.NoError(t, err)

	_, err = k.RunOnce(context.Background())
	require.Error(t, err)
	assert.Equal(t, []uint32{0}, c.calls)
}

func TestKeeper_Config(t *testing.T) {
	_, err := keeper.New(keeper.Config{})
	assert.Error(t, err)

	k, err := keeper.New(keeper.Config{Reader: &fakeReader{}, Closer: &fakeCloser{}, Schedule: "not a schedule"})
	require.NoError(t, err)
	assert.Error(t, k.Run(context.Background()))

	k, err = keeper.New(keeper.Config{Reader: &fakeReader{}, Closer: &fakeCloser{}})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, k.Run(ctx))
}
