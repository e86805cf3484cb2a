package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"github.com/mthdroid/moltpredict-skill/internal/cache"
	"github.com/mthdroid/moltpredict-skill/internal/state"
)

// ProjectionName keys the watermark row of the market projection.
const ProjectionName = "markets"

// ViewCache is the market view cache consulted before Postgres.
type ViewCache interface {
	Get(ctx context.Context, id uint64, dst any) error
	Set(ctx context.Context, id uint64, sequence int64, view any) error
}

// Clock supplies "now" for time-dependent statuses.
type Clock interface {
	Now() int64
}

// QueryService provides read-only access to projection tables. Every
// response carries as_of_sequence: the last event folded into the
// projection it was read from.
type QueryService struct {
	db    *sql.DB
	cache ViewCache // optional
	clock Clock
	log   zerolog.Logger
}

func NewQueryService(db *sql.DB, viewCache ViewCache, clk Clock, log zerolog.Logger) *QueryService {
	return &QueryService{db: db, cache: viewCache, clock: clk, log: log}
}

// MarketPage is one page of the market listing.
type MarketPage struct {
	Markets      []MarketView `json:"markets"`
	Total        int64        `json:"total"`
	Limit        int          `json:"limit"`
	Offset       int          `json:"offset"`
	AsOfSequence int64        `json:"as_of_sequence"`
}

// ListMarkets returns markets in id order with their status at now.
func (qs *QueryService) ListMarkets(ctx context.Context, limit, offset int, now int64) (*MarketPage, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	asOf, err := qs.Watermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	page := &MarketPage{Limit: limit, Offset: offset, AsOfSequence: asOf, Markets: []MarketView{}}
	if err := qs.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM projections.markets`).Scan(&page.Total); err != nil {
		return nil, fmt.Errorf("count markets: %w", err)
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT market_id, question, creator, created_at, end_time, yes_pool, no_pool,
		       paid_out, resolved, outcome, resolved_at, last_sequence
		FROM projections.markets
		ORDER BY market_id
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list markets: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		m, seq, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		page.Markets = append(page.Markets, NewMarketView(m, now, seq))
	}
	return page, rows.Err()
}

// GetMarketView returns the projected view of one market, from the cache
// when possible. Returns state.ErrNotFound for unknown markets.
func (qs *QueryService) GetMarketView(ctx context.Context, id uint64) (*MarketView, error) {
	now := qs.clock.Now()

	if qs.cache != nil {
		var v MarketView
		err := qs.cache.Get(ctx, id, &v)
		if err == nil {
			v.Refresh(now)
			return &v, nil
		}
		if !errors.Is(err, cache.ErrMiss) {
			qs.log.Warn().Err(err).Uint64("market_id", id).Msg("market cache read")
		}
	}

	row := qs.db.QueryRowContext(ctx, `
		SELECT market_id, question, creator, created_at, end_time, yes_pool, no_pool,
		       paid_out, resolved, outcome, resolved_at, last_sequence
		FROM projections.markets
		WHERE market_id = $1
	`, int64(id))
	m, seq, err := scanMarket(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("market %d: %w", id, state.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	v := NewMarketView(m, now, seq)
	if qs.cache != nil {
		if err := qs.cache.Set(ctx, id, seq, v); err != nil {
			qs.log.Warn().Err(err).Uint64("market_id", id).Msg("market cache fill")
		}
	}
	return &v, nil
}

// ParticipantPositions lists every market the participant has staked in.
func (qs *QueryService) ParticipantPositions(ctx context.Context, participant common.Address) ([]Position, error) {
	asOf, err := qs.Watermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}
	now := qs.clock.Now()

	rows, err := qs.db.QueryContext(ctx, `
		SELECT b.market_id, m.question, m.end_time, m.resolved, m.outcome,
		       m.yes_pool, m.no_pool, b.yes_amount, b.no_amount, b.claimed, b.payout
		FROM projections.bets b
		JOIN projections.markets m ON m.market_id = b.market_id
		WHERE b.participant = $1
		ORDER BY b.market_id
	`, participant.Hex())
	if err != nil {
		return nil, fmt.Errorf("positions: %w", err)
	}
	defer rows.Close()

	positions := []Position{}
	for rows.Next() {
		var (
			p                 Position
			marketID          int64
			endTime           int64
			resolved, outcome bool
			yesPool, noPool   int64
			yes, no, payout   int64
		)
		if err := rows.Scan(&marketID, &p.Question, &endTime, &resolved, &outcome,
			&yesPool, &noPool, &yes, &no, &p.Claimed, &payout); err != nil {
			return nil, err
		}
		p.MarketID = uint64(marketID)
		p.MarketStatus = MarketStatus(resolved, outcome, endTime, now)
		p.Yes = NewAmount(yes)
		p.No = NewAmount(no)
		p.Payout = NewAmount(payout)
		p.Claimable = NewAmount(ClaimableAmount(resolved, outcome, p.Claimed, yes, no, yesPool, noPool))
		p.AsOfSequence = asOf
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// Watermark returns the last sequence folded into the projections.
func (qs *QueryService) Watermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermark WHERE projection = $1
	`, ProjectionName).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return seq, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMarket(r rowScanner) (state.Market, int64, error) {
	var (
		m       state.Market
		id      int64
		creator string
		seq     int64
	)
	if err := r.Scan(&id, &m.Question, &creator, &m.CreatedAt, &m.EndTime, &m.YesPool, &m.NoPool,
		&m.PaidOut, &m.Resolved, &m.Outcome, &m.ResolvedAt, &seq); err != nil {
		return state.Market{}, 0, err
	}
	m.ID = uint64(id)
	m.Creator = common.HexToAddress(creator)
	return m, seq, nil
}
