package query

import (
	"BackstopBootstrapper/internal/core"
	"BackstopBootstrapper/internal/observability"
	"BackstopBootstrapper/internal/state"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned for a bootstrap the read model has never seen.
var ErrNotFound = errors.New("not found")

const (
	DefaultLimit = 50
	MaxLimit     = 500
)

// QueryService provides read-only access to projection tables and the
// event log. All responses include as_of_sequence for freshness semantics.
type QueryService struct {
	db      *sql.DB
	ledger  core.LedgerClock
	metrics *observability.Metrics
}

func NewQueryService(db *sql.DB, ledger core.LedgerClock, metrics *observability.Metrics) *QueryService {
	return &QueryService{db: db, ledger: ledger, metrics: metrics}
}

func (qs *QueryService) observe(endpoint string, start time.Time, err error) {
	if qs.metrics == nil {
		return
	}
	status := "ok"
	switch {
	case errors.Is(err, ErrNotFound):
		status = "not_found"
	case err != nil:
		status = "error"
	}
	qs.metrics.QueryRequests.WithLabelValues(endpoint, status).Inc()
	qs.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

const bootstrapColumns = `bootstrap_id, bootstrapper, pool, amount, pair_min, token_index, close_ledger,
	total_pair, total_backstop_tokens, bootstrap_amount, pair_amount, as_of_ledger, last_sequence, status`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (qs *QueryService) scanBootstrap(row rowScanner, asOf int64) (*BootstrapResponse, error) {
	var (
		b         BootstrapResponse
		projected string
	)
	if err := row.Scan(
		&b.ID, &b.Bootstrapper, &b.Pool, &b.Amount, &b.PairMin, &b.TokenIndex, &b.CloseLedger,
		&b.TotalPair, &b.TotalBackstopTokens, &b.BootstrapAmount, &b.PairAmount, &b.AsOfLedger, &b.LastSequence,
		&projected,
	); err != nil {
		return nil, err
	}
	b.AsOfSequence = asOf
	b.Status = qs.deriveStatus(&b, projected).String()
	return &b, nil
}

// deriveStatus re-evaluates b at the live ledger. Cancelled is terminal, so
// a projected Cancelled is kept even when refunds have since drained the
// principal.
func (qs *QueryService) deriveStatus(b *BootstrapResponse, projected string) state.Status {
	cfg := state.BootstrapConfig{PairMin: b.PairMin, CloseLedger: b.CloseLedger}
	data := state.BootstrapData{
		BootstrapAmount:     b.BootstrapAmount,
		PairAmount:          b.PairAmount,
		TotalPair:           b.TotalPair,
		TotalBackstopTokens: b.TotalBackstopTokens,
		Cancelled:           projected == state.StatusCancelled.String(),
	}
	ledger := b.AsOfLedger
	if qs.ledger != nil {
		if live := qs.ledger.Sequence(); live > ledger {
			ledger = live
		}
	}
	return state.DeriveStatus(&cfg, &data, ledger)
}

// GetBootstrap returns one bootstrap with its current status.
func (qs *QueryService) GetBootstrap(ctx context.Context, id uint32) (resp *BootstrapResponse, err error) {
	defer func(start time.Time) { qs.observe("get_bootstrap", start, err) }(time.Now())

	asOf, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}
	row := qs.db.QueryRowContext(ctx, `SELECT `+bootstrapColumns+`
		FROM projections.bootstraps WHERE bootstrap_id = $1`, id)
	resp, err = qs.scanBootstrap(row, asOf)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("bootstrap %d: %w", id, ErrNotFound)
	}
	return resp, err
}

// ListBootstraps pages through bootstraps by id. When status is set only
// bootstraps currently in that status are returned.
func (qs *QueryService) ListBootstraps(
	ctx context.Context,
	status *state.Status,
	afterID *uint32,
	limit int,
) (list *BootstrapList, err error) {
	defer func(start time.Time) { qs.observe("list_bootstraps", start, err) }(time.Now())

	limit = clampLimit(limit)
	asOf, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}
	list = &BootstrapList{AsOfSequence: asOf, Bootstraps: []BootstrapResponse{}}

	// Status depends on the live ledger, so filtering happens here and
	// the table is scanned in pages until the result page is full.
	cursor := int64(-1)
	if afterID != nil {
		cursor = int64(*afterID)
	}
	for {
		rows, err := qs.db.QueryContext(ctx, `SELECT `+bootstrapColumns+`
			FROM projections.bootstraps
			WHERE bootstrap_id > $1
			ORDER BY bootstrap_id ASC
			LIMIT $2`, cursor, MaxLimit)
		if err != nil {
			return nil, err
		}

		scanned := 0
		for rows.Next() {
			b, err := qs.scanBootstrap(rows, asOf)
			if err != nil {
				rows.Close()
				return nil, err
			}
			scanned++
			cursor = int64(b.ID)
			if status != nil && b.Status != status.String() {
				continue
			}
			list.Bootstraps = append(list.Bootstraps, *b)
			if len(list.Bootstraps) == limit {
				break
			}
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}

		if len(list.Bootstraps) == limit {
			last := list.Bootstraps[limit-1].ID
			list.NextAfterID = &last
			return list, nil
		}
		if scanned < MaxLimit {
			return list, nil
		}
	}
}

// GetDeposit returns a principal's deposit and settlement record. A
// principal that never joined reads as zero.
func (qs *QueryService) GetDeposit(ctx context.Context, id uint32, addr state.Address) (resp *DepositResponse, err error) {
	defer func(start time.Time) { qs.observe("get_deposit", start, err) }(time.Now())

	asOf, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}
	resp = &DepositResponse{BootstrapID: id, Address: string(addr), AsOfSequence: asOf}
	err = qs.db.QueryRowContext(ctx, `
		SELECT deposit, basis, claimed, refunded
		FROM projections.deposits
		WHERE bootstrap_id = $1 AND address = $2
	`, id, string(addr)).Scan(&resp.Deposit, &resp.Basis, &resp.Claimed, &resp.Refunded)
	if errors.Is(err, sql.ErrNoRows) {
		return resp, nil
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// GetNextID returns the id the next bootstrap will get.
func (qs *QueryService) GetNextID(ctx context.Context) (resp *NextIDResponse, err error) {
	defer func(start time.Time) { qs.observe("get_next_id", start, err) }(time.Now())

	asOf, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}
	var next int64
	if err := qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(bootstrap_id) + 1, 0) FROM projections.bootstraps
	`).Scan(&next); err != nil {
		return nil, err
	}
	return &NextIDResponse{NextID: uint32(next), AsOfSequence: asOf}, nil
}

// GetHistory returns the applied commands of a bootstrap, newest first,
// with cursor-based pagination on sequence.
func (qs *QueryService) GetHistory(
	ctx context.Context,
	id uint32,
	limit int,
	beforeSequence *int64,
) (resp *HistoryResponse, err error) {
	defer func(start time.Time) { qs.observe("get_history", start, err) }(time.Now())

	asOf, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	query := `
		SELECT sequence, event_type, idempotency_key, ledger, payload, state_hash, timestamp
		FROM event_log.events
		WHERE bootstrap_id = $1
	`
	args := []interface{}{int64(id)}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, clampLimit(limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	resp = &HistoryResponse{BootstrapID: id, AsOfSequence: asOf, Entries: []HistoryEntry{}}
	for rows.Next() {
		var h HistoryEntry
		if err := rows.Scan(
			&h.Sequence, &h.EventType, &h.IdempotencyKey, &h.Ledger,
			&h.Payload, &h.StateHash, &h.Timestamp,
		); err != nil {
			return nil, err
		}
		resp.Entries = append(resp.Entries, h)
	}

	return resp, rows.Err()
}

// GetJournal returns the token movements of one applied command.
func (qs *QueryService) GetJournal(ctx context.Context, sequence int64) (entries []JournalEntry, err error) {
	defer func(start time.Time) { qs.observe("get_journal", start, err) }(time.Now())

	rows, err := qs.db.QueryContext(ctx, `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, token, amount, journal_type, ledger
		FROM event_log.journal
		WHERE sequence = $1
		ORDER BY journal_id
	`, sequence)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries = []JournalEntry{}
	for rows.Next() {
		var e JournalEntry
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.Token, &e.Amount,
			&e.JournalType, &e.Ledger,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks hash chain continuity and sequence density of the
// event log, and how far the projections trail it.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.prev_hash != e2.state_hash
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	gapRows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence + 1
		FROM event_log.events e1
		LEFT JOIN event_log.events e2 ON e2.sequence = e1.sequence + 1
		WHERE e2.sequence IS NULL
		  AND e1.sequence < (SELECT MAX(sequence) FROM event_log.events)
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer gapRows.Close()
	for gapRows.Next() {
		var seq int64
		if err := gapRows.Scan(&seq); err != nil {
			return nil, err
		}
		report.SequenceGaps = append(report.SequenceGaps, seq)
	}
	if err := gapRows.Err(); err != nil {
		return nil, err
	}

	var maxSeq sql.NullInt64
	if err := qs.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM event_log.events`).Scan(&maxSeq); err != nil {
		return nil, err
	}
	watermark, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}
	if maxSeq.Valid {
		report.ProjectionLag = maxSeq.Int64 - watermark
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.SequenceGaps) == 0
	return report, nil
}

// --- helpers ---

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermark WHERE projection_name = 'bootstraps'
	`).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return -1, nil
	}
	return seq, err
}
