// Package keeper calls close on bootstraps that are waiting for it. Close is
// permissionless; the keeper is just a caller that never forgets to.
package keeper

import (
	"BackstopBootstrapper/internal/core"
	"BackstopBootstrapper/internal/observability"
	"BackstopBootstrapper/internal/state"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// DefaultSchedule runs every 30 seconds (seconds field enabled).
const DefaultSchedule = "*/30 * * * * *"

// Reader is the contract read side the keeper scans.
type Reader interface {
	GetNextID(ctx context.Context) (uint32, error)
	GetBootstrap(ctx context.Context, id uint32) (*state.Bootstrap, error)
}

// Closer submits close commands, normally the command gateway.
type Closer interface {
	Close(ctx context.Context, id uint32) (*core.Outcome, error)
}

type Config struct {
	Reader   Reader
	Closer   Closer
	Schedule string
	// RunTimeout bounds one scan.
	RunTimeout time.Duration
	Metrics    *observability.Metrics
	Logger     *zerolog.Logger
}

// Keeper scans bootstraps on a cron schedule and closes the Closing ones.
type Keeper struct {
	reader   Reader
	closer   Closer
	schedule string
	timeout  time.Duration
	metrics  *observability.Metrics
	logger   zerolog.Logger

	mu sync.Mutex
	// floor is the lowest id that may still need a close. Completed and
	// Cancelled are terminal, so ids below it are never scanned again.
	floor uint32
}

func New(cfg Config) (*Keeper, error) {
	if cfg.Reader == nil || cfg.Closer == nil {
		return nil, errors.New("keeper: reader and closer are required")
	}
	schedule := cfg.Schedule
	if schedule == "" {
		schedule = DefaultSchedule
	}
	timeout := cfg.RunTimeout
	if timeout <= 0 {
		timeout = 25 * time.Second
	}
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Keeper{
		reader:   cfg.Reader,
		closer:   cfg.Closer,
		schedule: schedule,
		timeout:  timeout,
		metrics:  cfg.Metrics,
		logger:   logger,
	}, nil
}

// Run starts the schedule and blocks until ctx is done, then waits for a
// scan in flight to finish.
func (k *Keeper) Run(ctx context.Context) error {
	c := cron.New(cron.WithSeconds(), cron.WithChain(
		cron.Recover(cron.PrintfLogger(&k.logger)),
		cron.SkipIfStillRunning(cron.DiscardLogger),
	))
	_, err := c.AddFunc(k.schedule, func() {
		// keep each run bounded
		rctx, cancel := context.WithTimeout(ctx, k.timeout)
		defer cancel()
		if _, err := k.RunOnce(rctx); err != nil && ctx.Err() == nil {
			k.logger.Warn().Err(err).Msg("keeper scan failed")
		}
	})
	if err != nil {
		return fmt.Errorf("keeper schedule %q: %w", k.schedule, err)
	}

	c.Start()
	k.logger.Info().Str("schedule", k.schedule).Msg("keeper started")
	<-ctx.Done()
	<-c.Stop().Done()
	k.logger.Info().Msg("keeper stopped")
	return nil
}

// RunOnce scans every bootstrap from the floor up and submits close for
// each one in Closing. It returns the number of closes that applied.
// A rejected close is logged and retried on the next scan.
func (k *Keeper) RunOnce(ctx context.Context) (int, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.metrics != nil {
		k.metrics.KeeperRuns.Inc()
	}
	next, err := k.reader.GetNextID(ctx)
	if err != nil {
		return 0, fmt.Errorf("next id: %w", err)
	}

	closed := 0
	advancing := true
	for id := k.floor; id < next; id++ {
		if err := ctx.Err(); err != nil {
			return closed, err
		}
		bs, err := k.reader.GetBootstrap(ctx, id)
		if err != nil {
			return closed, fmt.Errorf("bootstrap %d: %w", id, err)
		}

		switch bs.Status {
		case state.StatusCompleted, state.StatusCancelled:
			if advancing {
				k.floor = id + 1
			}
			continue
		case state.StatusActive:
			advancing = false
			continue
		}
		advancing = false

		outcome, err := k.closer.Close(ctx, id)
		var ce *state.ContractError
		switch {
		case err == nil && outcome != nil && outcome.Applied:
			closed++
			k.count("applied")
			k.logger.Info().
				Uint32("bootstrap_id", id).
				Int64("sequence", outcome.Sequence).
				Int64("minted", outcome.Minted).
				Msg("keeper closed bootstrap")
		case err == nil:
			k.count("duplicate")
		case errors.As(err, &ce):
			k.count("rejected")
			k.logger.Warn().
				Uint32("bootstrap_id", id).
				Uint32("code", uint32(ce.Code)).
				Err(err).
				Msg("keeper close rejected")
		default:
			k.count("error")
			return closed, fmt.Errorf("close %d: %w", id, err)
		}
	}
	return closed, nil
}

func (k *Keeper) count(outcome string) {
	if k.metrics != nil {
		k.metrics.KeeperCloses.WithLabelValues(outcome).Inc()
	}
}
