package event

import "github.com/ethereum/go-ethereum/common"

type BetPlaced struct {
	RequestID   string         `json:"request_id"`
	Market      uint64         `json:"market_id"`
	Participant common.Address `json:"participant"`
	Side        bool           `json:"side"` // true = YES
	Amount      int64          `json:"amount"`
	PlacedAt    int64          `json:"placed_at"`
}

func (e *BetPlaced) IdempotencyKey() string { return e.RequestID }

func (e *BetPlaced) EventType() EventType { return EventTypeBetPlaced }

func (e *BetPlaced) MarketID() uint64 { return e.Market }

func (e *BetPlaced) OccurredAt() int64 { return e.PlacedAt }

// WinningsClaimed is emitted for every claim that changes state, including
// the zero-payout case where the participant held no winning stake.
type WinningsClaimed struct {
	RequestID    string         `json:"request_id"`
	Market       uint64         `json:"market_id"`
	Participant  common.Address `json:"participant"`
	Payout       int64          `json:"payout"`
	WinningStake int64          `json:"winning_stake"`
	WinningPool  int64          `json:"winning_pool"`
	TotalPool    int64          `json:"total_pool"`
	ClaimedAt    int64          `json:"claimed_at"`
}

func (e *WinningsClaimed) IdempotencyKey() string { return e.RequestID }

func (e *WinningsClaimed) EventType() EventType { return EventTypeWinningsClaimed }

func (e *WinningsClaimed) MarketID() uint64 { return e.Market }

func (e *WinningsClaimed) OccurredAt() int64 { return e.ClaimedAt }
