package persistence

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// BatchWriter durably writes a batch of events with their journals.
type BatchWriter interface {
	WriteBatch(ctx context.Context, events []EventRow, journals []JournalRow) error
}

var eventColumns = []string{
	"sequence", "market_sequence", "event_type", "idempotency_key", "market_id",
	"payload", "state_hash", "prev_hash", "timestamp",
}

var journalColumns = []string{
	"journal_id", "batch_id", "event_ref", "sequence", "debit_account", "credit_account",
	"asset_id", "amount", "journal_type", "participant", "timestamp",
}

// EventLogWriter writes events and journals with the COPY protocol. Rows
// are copied into transaction-scoped staging tables, then moved into the
// log with ON CONFLICT DO NOTHING so a retried batch is idempotent.
type EventLogWriter struct {
	pool *pgxpool.Pool
}

func NewEventLogWriter(pool *pgxpool.Pool) *EventLogWriter {
	return &EventLogWriter{pool: pool}
}

// NewPool opens a pgx pool and pings it.
func NewPool(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}
	if maxConns > 0 {
		poolCfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// WriteBatch writes events and journals in one transaction.
func (w *EventLogWriter) WriteBatch(ctx context.Context, events []EventRow, journals []JournalRow) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := w.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := copyEvents(ctx, tx, events); err != nil {
		return err
	}
	if err := copyJournals(ctx, tx, journals); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func copyEvents(ctx context.Context, tx pgx.Tx, events []EventRow) error {
	if _, err := tx.Exec(ctx, `
		CREATE TEMP TABLE events_stage (LIKE event_log.events INCLUDING DEFAULTS) ON COMMIT DROP
	`); err != nil {
		return fmt.Errorf("create events stage: %w", err)
	}

	rows := make([][]any, 0, len(events))
	for _, e := range events {
		rows = append(rows, []any{
			e.Sequence, e.MarketSequence, e.EventType, e.IdempotencyKey, int64(e.MarketID),
			string(e.Payload), e.StateHash, e.PrevHash, e.Timestamp,
		})
	}
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{"events_stage"}, eventColumns, pgx.CopyFromRows(rows)); err != nil {
		return fmt.Errorf("copy events: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO event_log.events
		SELECT * FROM events_stage
		ON CONFLICT (sequence) DO NOTHING
	`); err != nil {
		return fmt.Errorf("insert events: %w", err)
	}
	return nil
}

func copyJournals(ctx context.Context, tx pgx.Tx, journals []JournalRow) error {
	if len(journals) == 0 {
		return nil
	}
	if _, err := tx.Exec(ctx, `
		CREATE TEMP TABLE journal_stage (LIKE event_log.journal INCLUDING DEFAULTS) ON COMMIT DROP
	`); err != nil {
		return fmt.Errorf("create journal stage: %w", err)
	}

	rows := make([][]any, 0, len(journals))
	for _, j := range journals {
		rows = append(rows, []any{
			j.JournalID, j.BatchID, j.EventRef, j.Sequence, j.DebitAccount, j.CreditAccount,
			int32(j.AssetID), j.Amount, j.JournalType, j.Participant, j.Timestamp,
		})
	}
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{"journal_stage"}, journalColumns, pgx.CopyFromRows(rows)); err != nil {
		return fmt.Errorf("copy journals: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO event_log.journal
		SELECT * FROM journal_stage
		ON CONFLICT (journal_id) DO NOTHING
	`); err != nil {
		return fmt.Errorf("insert journals: %w", err)
	}
	return nil
}
