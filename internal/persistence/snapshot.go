package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mthdroid/moltpredict-skill/internal/core"
	"github.com/mthdroid/moltpredict-skill/internal/event"
)

// snapshotFormatVersion 1: JSON-encoded core.SnapshotState.
const snapshotFormatVersion = 1

// SnapshotManager stores engine snapshots and reads the event log back for
// recovery. A warm restart loads the latest verified snapshot and replays
// events from its sequence forward.
type SnapshotManager struct {
	db *sql.DB
}

// StoredSnapshot is a snapshot row with its decoded state.
type StoredSnapshot struct {
	ID         uuid.UUID
	State      *core.SnapshotState
	SizeBytes  int
	Verified   bool
	ArchiveKey string
	CreatedAt  time.Time
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// EncodeSnapshot serializes a snapshot in the stored format.
func EncodeSnapshot(snap *core.SnapshotState) ([]byte, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	return data, nil
}

// DecodeSnapshot is the inverse of EncodeSnapshot.
func DecodeSnapshot(data []byte) (*core.SnapshotState, error) {
	var snap core.SnapshotState
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// Save persists a snapshot unverified and returns its encoded form, which
// callers may archive.
func (sm *SnapshotManager) Save(ctx context.Context, snap *core.SnapshotState) ([]byte, error) {
	data, err := EncodeSnapshot(snap)
	if err != nil {
		return nil, err
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, state_hash, format_version, data, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, NOW())
		ON CONFLICT (sequence) DO UPDATE
			SET data = EXCLUDED.data, state_hash = EXCLUDED.state_hash, size_bytes = EXCLUDED.size_bytes
	`, uuid.New(), snap.Sequence, snap.StateHash[:], snapshotFormatVersion, data, len(data))
	if err != nil {
		return nil, fmt.Errorf("insert snapshot at %d: %w", snap.Sequence, err)
	}
	return data, nil
}

// LoadLatestSnapshot loads the most recent verified snapshot. It returns
// nil, nil when there is none (cold start).
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*StoredSnapshot, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT snapshot_id, data, size_bytes, verified, COALESCE(archive_key, ''), created_at
		FROM event_log.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var (
		s    StoredSnapshot
		data []byte
	)
	if err := row.Scan(&s.ID, &data, &s.SizeBytes, &s.Verified, &s.ArchiveKey, &s.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	state, err := DecodeSnapshot(data)
	if err != nil {
		return nil, err
	}
	s.State = state
	return &s, nil
}

// MarkVerified marks a snapshot as verified after it restored cleanly.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// SetArchiveKey records where a snapshot was archived.
func (sm *SnapshotManager) SetArchiveKey(ctx context.Context, sequence int64, key string) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots SET archive_key = $2 WHERE sequence = $1
	`, sequence, key)
	return err
}

// LoadEventsFrom loads up to limit events with sequence >= fromSequence.
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, market_sequence, event_type, idempotency_key, market_id,
		       payload, state_hash, prev_hash, timestamp
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
		var (
			e        EventRow
			marketID int64
		)
		if err := rows.Scan(
			&e.Sequence, &e.MarketSequence, &e.EventType, &e.IdempotencyKey, &marketID,
			&e.Payload, &e.StateHash, &e.PrevHash, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		e.MarketID = uint64(marketID)
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetLatestSequence returns the highest sequence in the event log.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM event_log.events
	`).Scan(&seq); err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}

// Replayer is the part of the engine recovery drives.
type Replayer interface {
	Replay(env *event.EventEnvelope) error
	GetSequence() int64
}

// ReplayFrom feeds every logged event after the engine's current sequence
// into it, in pages. Returns the number of events applied.
func (sm *SnapshotManager) ReplayFrom(ctx context.Context, r Replayer, pageSize int) (int, error) {
	if pageSize <= 0 {
		pageSize = 1000
	}
	applied := 0
	next := r.GetSequence() + 1
	for {
		page, err := sm.LoadEventsFrom(ctx, next, pageSize)
		if err != nil {
			return applied, fmt.Errorf("load events from %d: %w", next, err)
		}
		for _, row := range page {
			env, err := row.Envelope()
			if err != nil {
				return applied, err
			}
			if err := r.Replay(env); err != nil {
				return applied, fmt.Errorf("replay sequence %d: %w", row.Sequence, err)
			}
			applied++
			next = row.Sequence + 1
		}
		if len(page) < pageSize {
			return applied, nil
		}
		if err := ctx.Err(); err != nil {
			return applied, err
		}
	}
}
