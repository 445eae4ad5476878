package projection

import (
	"BackstopBootstrapper/internal/core"
	"BackstopBootstrapper/internal/observability"
	"BackstopBootstrapper/internal/state"
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"
)

// WatermarkName is the projections.watermark row this worker maintains.
const WatermarkName = "bootstraps"

// ProjectionOutput is the read-model slice of one applied command.
// The orchestrator bridges core.CoreOutput into this.
type ProjectionOutput struct {
	Sequence   int64
	EventType  string
	Ledger     uint32
	Bootstrap  *state.Bootstrap
	Principal  state.Address
	Deposit    int64
	Settlement state.Settlement
}

// OutputFromOutcome builds the projection update for an applied outcome.
func OutputFromOutcome(o *core.Outcome) ProjectionOutput {
	out := ProjectionOutput{
		Sequence:   o.Sequence,
		EventType:  o.EventType,
		Ledger:     o.Ledger,
		Bootstrap:  o.Bootstrap,
		Deposit:    o.Deposit,
		Settlement: o.Settlement,
	}
	// The bootstrapper of a new bootstrap holds no deposit yet.
	if o.EventType != "OpenBootstrap" {
		out.Principal = o.Principal
	}
	return out
}

// ProjectionWorker updates projection tables from applied commands.
// The projection channel is non-blocking with drop; rows carry the full
// latest state, so a later update repairs a dropped one and a full
// rebuild restores everything.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan ProjectionOutput
	metrics   *observability.Metrics
	lastSeq   int64
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan ProjectionOutput, metrics *observability.Metrics) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		metrics:   metrics,
		lastSeq:   -1,
	}
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}

			start := time.Now()
			if err := pw.processOutput(ctx, output); err != nil {
				log.Printf("WARN: projection update failed at seq=%d: %v", output.Sequence, err)
				if pw.metrics != nil {
					pw.metrics.ProjectionDrops.WithLabelValues("worker").Inc()
				}
				continue
			}
			if pw.metrics != nil {
				pw.metrics.ProjectionUpdateDur.WithLabelValues(WatermarkName).Observe(time.Since(start).Seconds())
			}
			pw.lastSeq = output.Sequence
		}
	}
}

// LastSequence returns the sequence of the last projected command.
func (pw *ProjectionWorker) LastSequence() int64 {
	return pw.lastSeq
}

func (pw *ProjectionWorker) processOutput(ctx context.Context, output ProjectionOutput) error {
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if output.Bootstrap != nil {
		if err := upsertBootstrap(ctx, tx, output.Bootstrap, output.Ledger, output.Sequence); err != nil {
			return fmt.Errorf("bootstrap projection: %w", err)
		}
		if output.Principal != "" {
			if err := upsertDeposit(ctx, tx, output.Bootstrap.ID, output.Principal, output.Deposit, output.Settlement, output.Sequence); err != nil {
				return fmt.Errorf("deposit projection: %w", err)
			}
		}
	}

	if err := setWatermark(ctx, tx, output.Sequence); err != nil {
		return err
	}
	return tx.Commit()
}

func upsertBootstrap(ctx context.Context, tx *sql.Tx, bs *state.Bootstrap, ledger uint32, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.bootstraps
			(bootstrap_id, bootstrapper, pool, amount, pair_min, token_index, close_ledger,
			 status, total_pair, total_backstop_tokens, bootstrap_amount, pair_amount,
			 as_of_ledger, last_sequence)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (bootstrap_id) DO UPDATE SET
			status = EXCLUDED.status,
			total_pair = EXCLUDED.total_pair,
			total_backstop_tokens = EXCLUDED.total_backstop_tokens,
			bootstrap_amount = EXCLUDED.bootstrap_amount,
			pair_amount = EXCLUDED.pair_amount,
			as_of_ledger = EXCLUDED.as_of_ledger,
			last_sequence = EXCLUDED.last_sequence
		WHERE projections.bootstraps.last_sequence < EXCLUDED.last_sequence
	`, bs.ID, string(bs.Config.Bootstrapper), string(bs.Config.Pool), bs.Config.Amount,
		bs.Config.PairMin, bs.Config.TokenIndex, bs.Config.CloseLedger,
		bs.Status.String(), bs.Data.TotalPair, bs.Data.TotalBackstopTokens,
		bs.Data.BootstrapAmount, bs.Data.PairAmount, ledger, seq)
	return err
}

func upsertDeposit(ctx context.Context, tx *sql.Tx, id uint32, addr state.Address, deposit int64, s state.Settlement, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.deposits
			(bootstrap_id, address, deposit, basis, claimed, refunded, last_sequence)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (bootstrap_id, address) DO UPDATE SET
			deposit = EXCLUDED.deposit,
			basis = EXCLUDED.basis,
			claimed = EXCLUDED.claimed,
			refunded = EXCLUDED.refunded,
			last_sequence = EXCLUDED.last_sequence
		WHERE projections.deposits.last_sequence < EXCLUDED.last_sequence
	`, id, string(addr), deposit, s.Basis, s.Claimed, s.Refunded, seq)
	return err
}

func setWatermark(ctx context.Context, tx *sql.Tx, seq int64) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (projection_name, last_sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (projection_name) DO UPDATE SET last_sequence = $2, updated_at = NOW()
		WHERE projections.watermark.last_sequence < $2
	`, WatermarkName, seq); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}
	return nil
}

// Reader is the contract state a rebuild reads from.
type Reader interface {
	GetNextID(ctx context.Context) (uint32, error)
	GetBootstrap(ctx context.Context, id uint32) (*state.Bootstrap, error)
	GetDeposit(ctx context.Context, id uint32, user state.Address) (int64, error)
	GetSettlement(ctx context.Context, id uint32, user state.Address) (state.Settlement, error)
}

// RebuildProjections rewrites every projection row from the contract state
// as of sequence seq. principals lists the addresses with records in a
// bootstrap.
func RebuildProjections(ctx context.Context, db *sql.DB, r Reader, principals func(id uint32) []state.Address, ledger uint32, seq int64) error {
	next, err := r.GetNextID(ctx)
	if err != nil {
		return fmt.Errorf("read next id: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`TRUNCATE projections.bootstraps`,
		`TRUNCATE projections.deposits`,
		`DELETE FROM projections.watermark WHERE projection_name = 'bootstraps'`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	for id := uint32(0); id < next; id++ {
		bs, err := r.GetBootstrap(ctx, id)
		if err != nil {
			return fmt.Errorf("read bootstrap %d: %w", id, err)
		}
		if err := upsertBootstrap(ctx, tx, bs, ledger, seq); err != nil {
			return fmt.Errorf("rebuild bootstrap %d: %w", id, err)
		}
		for _, addr := range principals(id) {
			deposit, err := r.GetDeposit(ctx, id, addr)
			if err != nil {
				return err
			}
			s, err := r.GetSettlement(ctx, id, addr)
			if err != nil {
				return err
			}
			if err := upsertDeposit(ctx, tx, id, addr, deposit, s, seq); err != nil {
				return fmt.Errorf("rebuild deposit %d/%s: %w", id, addr, err)
			}
		}
	}

	if seq >= 0 {
		if err := setWatermark(ctx, tx, seq); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	log.Printf("INFO: projection rebuild complete (%d bootstraps, seq=%d)", next, seq)
	return nil
}
