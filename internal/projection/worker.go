package projection

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/mthdroid/moltpredict-skill/internal/cache"
	"github.com/mthdroid/moltpredict-skill/internal/core"
	"github.com/mthdroid/moltpredict-skill/internal/event"
	"github.com/mthdroid/moltpredict-skill/internal/observability"
	"github.com/mthdroid/moltpredict-skill/internal/query"
	"github.com/mthdroid/moltpredict-skill/internal/state"
)

// Store applies outputs to the projection tables.
type Store interface {
	Apply(ctx context.Context, out core.CoreOutput) error
}

// Worker folds engine outputs into the read side: Postgres projection
// rows, the market view cache and the live event bus. The engine sends
// to it without blocking and drops on a full channel; rows carry full
// market and bet state, so the next event for a market heals a drop and
// Resync rebuilds everything from engine state.
type Worker struct {
	store     Store
	viewCache query.ViewCache // optional
	bus       cache.Bus       // optional
	clock     query.Clock
	inputChan <-chan core.CoreOutput
	metrics   *observability.Metrics
	log       zerolog.Logger
	lastSeq   int64
}

type Options struct {
	Store     Store
	ViewCache query.ViewCache
	Bus       cache.Bus
	Clock     query.Clock
	Input     <-chan core.CoreOutput
	Metrics   *observability.Metrics
	Logger    zerolog.Logger
}

func NewWorker(opts Options) *Worker {
	return &Worker{
		store:     opts.Store,
		viewCache: opts.ViewCache,
		bus:       opts.Bus,
		clock:     opts.Clock,
		inputChan: opts.Input,
		metrics:   opts.Metrics,
		log:       opts.Logger,
	}
}

// Run consumes outputs until ctx is done or the input closes.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-w.inputChan:
			if !ok {
				return nil
			}
			w.process(ctx, out)
		}
	}
}

func (w *Worker) process(ctx context.Context, out core.CoreOutput) {
	start := time.Now()
	seq := out.Envelope.Sequence

	if w.store != nil {
		if err := w.store.Apply(ctx, out); err != nil {
			// Eventually consistent: a later event or Resync repairs it.
			w.log.Warn().Err(err).Int64("sequence", seq).Msg("projection update failed")
		}
	}
	if w.metrics != nil {
		w.metrics.ProjectionUpdateDur.WithLabelValues("postgres").Observe(time.Since(start).Seconds())
	}

	if w.viewCache != nil {
		view := query.NewMarketView(out.Market, w.clock.Now(), seq)
		if err := w.viewCache.Set(ctx, out.Market.ID, seq, view); err != nil {
			w.cacheError("set", err, seq)
		}
	}

	if w.bus != nil {
		payload, err := event.MarshalMessage(out.Envelope)
		if err == nil {
			err = w.bus.Publish(ctx, payload)
		}
		if err != nil {
			w.cacheError("publish", err, seq)
		}
	}

	w.lastSeq = seq
}

func (w *Worker) cacheError(op string, err error, seq int64) {
	if w.metrics != nil {
		w.metrics.CacheErrors.WithLabelValues(op).Inc()
	}
	w.log.Warn().Err(err).Str("op", op).Int64("sequence", seq).Msg("read-side fan-out failed")
}

// LastSequence is the last sequence processed. Only meaningful after Run
// returned.
func (w *Worker) LastSequence() int64 { return w.lastSeq }

// ============================================================================
// Postgres store
// ============================================================================

// PostgresStore writes projections.markets, projections.bets and the
// watermark. Updates are guarded by last_sequence so replays and
// reordering never move a row backwards.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Apply(ctx context.Context, out core.CoreOutput) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	seq := out.Envelope.Sequence
	if err := upsertMarket(ctx, tx, out.Market, seq); err != nil {
		return fmt.Errorf("market projection: %w", err)
	}

	if out.Bet != nil {
		var payout int64
		if wc, ok := out.Event.(*event.WinningsClaimed); ok {
			payout = wc.Payout
		}
		if err := upsertBet(ctx, tx, *out.Bet, payout, seq); err != nil {
			return fmt.Errorf("bet projection: %w", err)
		}
	}

	if err := setWatermark(ctx, tx, seq); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}
	return tx.Commit()
}

// Resync rewrites every projection row from an engine snapshot. Used at
// startup, after replay, to repair anything the drop policy lost.
func (s *PostgresStore) Resync(ctx context.Context, snap *core.SnapshotState) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	markets := make(map[uint64]state.Market, len(snap.Markets))
	for _, m := range snap.Markets {
		markets[m.ID] = m
		if err := upsertMarket(ctx, tx, m, snap.Sequence); err != nil {
			return fmt.Errorf("resync market %d: %w", m.ID, err)
		}
	}
	for _, b := range snap.Bets {
		var payout int64
		if m, ok := markets[b.MarketID]; ok && b.Claimed {
			payout = query.ClaimableAmount(m.Resolved, m.Outcome, false,
				b.YesAmount, b.NoAmount, m.YesPool, m.NoPool)
		}
		if err := upsertBet(ctx, tx, b, payout, snap.Sequence); err != nil {
			return fmt.Errorf("resync bet %d/%s: %w", b.MarketID, b.Participant.Hex(), err)
		}
	}
	if err := setWatermark(ctx, tx, snap.Sequence); err != nil {
		return err
	}
	return tx.Commit()
}

func upsertMarket(ctx context.Context, tx *sql.Tx, m state.Market, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.markets
			(market_id, question, creator, created_at, end_time, yes_pool, no_pool,
			 paid_out, resolved, outcome, resolved_at, last_sequence, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW())
		ON CONFLICT (market_id) DO UPDATE SET
			yes_pool = EXCLUDED.yes_pool,
			no_pool = EXCLUDED.no_pool,
			paid_out = EXCLUDED.paid_out,
			resolved = EXCLUDED.resolved,
			outcome = EXCLUDED.outcome,
			resolved_at = EXCLUDED.resolved_at,
			last_sequence = EXCLUDED.last_sequence,
			updated_at = NOW()
		WHERE projections.markets.last_sequence <= EXCLUDED.last_sequence
	`, int64(m.ID), m.Question, m.Creator.Hex(), m.CreatedAt, m.EndTime, m.YesPool, m.NoPool,
		m.PaidOut, m.Resolved, m.Outcome, m.ResolvedAt, seq)
	return err
}

func upsertBet(ctx context.Context, tx *sql.Tx, b state.Bet, payout, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.bets
			(market_id, participant, yes_amount, no_amount, claimed, claimed_at, payout, last_sequence)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (market_id, participant) DO UPDATE SET
			yes_amount = EXCLUDED.yes_amount,
			no_amount = EXCLUDED.no_amount,
			claimed = EXCLUDED.claimed,
			claimed_at = EXCLUDED.claimed_at,
			payout = GREATEST(projections.bets.payout, EXCLUDED.payout),
			last_sequence = EXCLUDED.last_sequence
		WHERE projections.bets.last_sequence <= EXCLUDED.last_sequence
	`, int64(b.MarketID), b.Participant.Hex(), b.YesAmount, b.NoAmount, b.Claimed, b.ClaimedAt, payout, seq)
	return err
}

func setWatermark(ctx context.Context, tx *sql.Tx, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (projection, last_sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (projection) DO UPDATE
			SET last_sequence = GREATEST(projections.watermark.last_sequence, EXCLUDED.last_sequence),
			    updated_at = NOW()
	`, query.ProjectionName, seq)
	return err
}
