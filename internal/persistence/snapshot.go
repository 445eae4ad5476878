package persistence

import (
	"BackstopBootstrapper/internal/event"
	"BackstopBootstrapper/internal/store"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SnapshotManager handles creating and loading state snapshots for recovery.
// A snapshot holds the accounting store, the sandbox chain image, the hash
// chain tip and recent idempotency keys.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotData contains the full recoverable state at a point in time.
type SnapshotData struct {
	Sequence        int64       `json:"sequence"` // last applied sequence
	StateHash       []byte      `json:"state_hash"`
	LastLedger      uint32      `json:"last_ledger"`
	Store           *store.Dump `json:"store"`
	Chain           []byte      `json:"chain,omitempty"`
	IdempotencyKeys []string    `json:"idempotency_keys"`
	CreatedAt       time.Time   `json:"created_at"`
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists a snapshot to Postgres. It stays unverified until
// MarkVerified.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	snapshotID := uuid.New()
	sizeBytes := len(data)
	formatVersion := int32(1) // v1: JSON-encoded SnapshotData

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, snapshotID, snap.Sequence, data, snap.StateHash, formatVersion, sizeBytes, snap.CreatedAt)

	return err
}

// LoadLatestSnapshot loads the most recent verified snapshot, or nil on a
// cold start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM event_log.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}

	return &snap, nil
}

// MarkVerified marks a snapshot as verified once its tip matches the log.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// VerifyAgainstLog checks that the snapshot tip equals the state hash the
// event log recorded at the same sequence. An empty snapshot (sequence -1)
// always verifies.
func (sm *SnapshotManager) VerifyAgainstLog(ctx context.Context, snap *SnapshotData) error {
	if snap.Sequence < 0 {
		return nil
	}
	var logged []byte
	err := sm.db.QueryRowContext(ctx, `
		SELECT state_hash FROM event_log.events WHERE sequence = $1
	`, snap.Sequence).Scan(&logged)
	if err != nil {
		return fmt.Errorf("load logged hash for sequence %d: %w", snap.Sequence, err)
	}
	if string(logged) != string(snap.StateHash) {
		return fmt.Errorf("snapshot hash %x does not match log %x at sequence %d", snap.StateHash, logged, snap.Sequence)
	}
	return nil
}

// LoadEventsFrom loads events from a given sequence for replay.
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, event_type, idempotency_key, bootstrap_id, ledger, payload,
		       state_hash, prev_hash, timestamp
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		var bootstrapID sql.NullInt64
		if err := rows.Scan(
			&e.Sequence, &e.EventType, &e.IdempotencyKey, &bootstrapID, &e.Ledger,
			&e.Payload, &e.StateHash, &e.PrevHash, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		if bootstrapID.Valid {
			id := bootstrapID.Int64
			e.BootstrapID = &id
		}
		events = append(events, e)
	}

	return events, rows.Err()
}

// GetLatestSequence returns the highest sequence in the event log, or -1
// when the log is empty.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM event_log.events
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return -1, nil
	}
	return seq.Int64, nil
}

// Envelope rebuilds the envelope and typed command of a logged event.
func (e EventRow) Envelope() (*event.EventEnvelope, event.Event, error) {
	et := event.ParseEventType(e.EventType)
	evt, err := event.DecodePayload(et, e.Payload)
	if err != nil {
		return nil, nil, fmt.Errorf("sequence %d: %w", e.Sequence, err)
	}
	if len(e.StateHash) != 32 || len(e.PrevHash) != 32 {
		return nil, nil, fmt.Errorf("sequence %d: malformed hashes", e.Sequence)
	}
	env := &event.EventEnvelope{
		Sequence:       e.Sequence,
		IdempotencyKey: e.IdempotencyKey,
		EventType:      et,
		Ledger:         uint32(e.Ledger),
		Timestamp:      e.Timestamp,
		Payload:        e.Payload,
	}
	if e.BootstrapID != nil {
		id := uint32(*e.BootstrapID)
		env.BootstrapID = &id
	}
	copy(env.StateHash[:], e.StateHash)
	copy(env.PrevHash[:], e.PrevHash)
	return env, evt, nil
}
