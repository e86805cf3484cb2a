// internal/event/market.go
package event

import "github.com/ethereum/go-ethereum/common"

type MarketCreated struct {
	RequestID       string         `json:"request_id"`
	Market          uint64         `json:"market_id"`
	Question        string         `json:"question"`
	Creator         common.Address `json:"creator"`
	DurationSeconds int64          `json:"duration_seconds"`
	CreatedAt       int64          `json:"created_at"`
	EndTime         int64          `json:"end_time"`
}

func (e *MarketCreated) IdempotencyKey() string { return e.RequestID }

func (e *MarketCreated) EventType() EventType { return EventTypeMarketCreated }

func (e *MarketCreated) MarketID() uint64 { return e.Market }

func (e *MarketCreated) OccurredAt() int64 { return e.CreatedAt }

type MarketResolved struct {
	RequestID  string         `json:"request_id"`
	Market     uint64         `json:"market_id"`
	Outcome    bool           `json:"outcome"`
	ResolvedBy common.Address `json:"resolved_by"`
	ResolvedAt int64          `json:"resolved_at"`
	// Pools are frozen at resolution; recorded for auditors.
	YesPool int64 `json:"yes_pool"`
	NoPool  int64 `json:"no_pool"`
}

func (e *MarketResolved) IdempotencyKey() string { return e.RequestID }

func (e *MarketResolved) EventType() EventType { return EventTypeMarketResolved }

func (e *MarketResolved) MarketID() uint64 { return e.Market }

func (e *MarketResolved) OccurredAt() int64 { return e.ResolvedAt }
