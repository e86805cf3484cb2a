package server

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/mthdroid/moltpredict-skill/internal/core"
	"github.com/mthdroid/moltpredict-skill/internal/ingestion"
	"github.com/mthdroid/moltpredict-skill/internal/query"
)

// Request and response bodies shared by the HTTP and gRPC surfaces. The
// caller never travels in the body: HTTP takes it from X-Molt-Caller,
// gRPC from the x-molt-caller metadata key. Market ids in HTTP bodies are
// ignored in favour of the path.

type MarketCountRequest struct{}

type MarketCountResponse struct {
	Count        uint64 `json:"count"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

type GetMarketRequest struct {
	MarketID uint64 `json:"market_id"`
}

type MarketResponse struct {
	Market query.MarketView `json:"market"`
}

type GetUserBetsRequest struct {
	MarketID    uint64 `json:"market_id"`
	Participant string `json:"participant"`
}

type UserBetsResponse struct {
	Bet          query.BetView `json:"bet"`
	AsOfSequence int64         `json:"as_of_sequence"`
}

type CreateMarketRequest struct {
	RequestID       string `json:"request_id"`
	Question        string `json:"question"`
	DurationSeconds int64  `json:"duration_seconds"`
	DurationHours   int64  `json:"duration_hours,omitempty"`
	ExpiresAt       int64  `json:"expires_at,omitempty"`
}

type BetRequest struct {
	RequestID   string `json:"request_id"`
	MarketID    uint64 `json:"market_id,omitempty"`
	Side        string `json:"side"`
	Amount      string `json:"amount,omitempty"`
	AmountUnits int64  `json:"amount_units,omitempty"`
	ExpiresAt   int64  `json:"expires_at,omitempty"`
}

type BetResponse struct {
	RequestID string        `json:"request_id"`
	Bet       query.BetView `json:"bet"`
}

type ResolveRequest struct {
	RequestID string `json:"request_id"`
	MarketID  uint64 `json:"market_id,omitempty"`
	Outcome   string `json:"outcome"`
	ExpiresAt int64  `json:"expires_at,omitempty"`
}

type ClaimRequest struct {
	RequestID string `json:"request_id"`
	MarketID  uint64 `json:"market_id,omitempty"`
	ExpiresAt int64  `json:"expires_at,omitempty"`
}

type ClaimResponse struct {
	RequestID string       `json:"request_id"`
	MarketID  uint64       `json:"market_id"`
	Payout    query.Amount `json:"payout"`
}

func (r *CreateMarketRequest) command(caller common.Address) (*core.CreateMarketCmd, error) {
	duration, err := ingestion.DurationSeconds(r.DurationSeconds, r.DurationHours)
	if err != nil {
		return nil, err
	}
	return &core.CreateMarketCmd{
		RequestID:       r.RequestID,
		Caller:          caller,
		Question:        r.Question,
		DurationSeconds: duration,
		ExpiresAt:       r.ExpiresAt,
	}, nil
}

func (r *BetRequest) command(caller common.Address) (*core.BetCmd, error) {
	side, err := ingestion.ParseSide(r.Side)
	if err != nil {
		return nil, err
	}
	amount, err := ingestion.ParseAmount(r.Amount, r.AmountUnits)
	if err != nil {
		return nil, err
	}
	return &core.BetCmd{
		RequestID: r.RequestID,
		Caller:    caller,
		MarketID:  r.MarketID,
		Side:      side,
		Amount:    amount,
		ExpiresAt: r.ExpiresAt,
	}, nil
}

func (r *ResolveRequest) command(caller common.Address) (*core.ResolveCmd, error) {
	outcome, err := ingestion.ParseSide(r.Outcome)
	if err != nil {
		return nil, err
	}
	return &core.ResolveCmd{
		RequestID: r.RequestID,
		Caller:    caller,
		MarketID:  r.MarketID,
		Outcome:   outcome,
		ExpiresAt: r.ExpiresAt,
	}, nil
}

func (r *ClaimRequest) command(caller common.Address) *core.ClaimCmd {
	return &core.ClaimCmd{RequestID: r.RequestID, Caller: caller, MarketID: r.MarketID, ExpiresAt: r.ExpiresAt}
}
