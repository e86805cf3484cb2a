package query

import (
	fpmath "github.com/mthdroid/moltpredict-skill/internal/math"
	"github.com/mthdroid/moltpredict-skill/internal/state"
)

// Market listing statuses.
const (
	StatusActive      = "active"
	StatusEnded       = "ended"
	StatusResolvedYes = "resolved_yes"
	StatusResolvedNo  = "resolved_no"
)

// Amount carries a unit amount both raw and as a decimal string.
type Amount struct {
	Units   int64  `json:"units"`
	Decimal string `json:"decimal"`
}

func NewAmount(units int64) Amount {
	return Amount{Units: units, Decimal: fpmath.FormatUnits(units)}
}

// MarketView is the read model of a market.
type MarketView struct {
	ID           uint64 `json:"id"`
	Question     string `json:"question"`
	Creator      string `json:"creator"`
	CreatedAt    int64  `json:"created_at"`
	EndTime      int64  `json:"end_time"`
	YesPool      Amount `json:"yes_pool"`
	NoPool       Amount `json:"no_pool"`
	TotalPool    Amount `json:"total_pool"`
	PaidOut      Amount `json:"paid_out"`
	Resolved     bool   `json:"resolved"`
	Outcome      *bool  `json:"outcome,omitempty"`
	ResolvedAt   int64  `json:"resolved_at,omitempty"`
	Active       bool   `json:"active"`
	Status       string `json:"status"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// NewMarketView builds the view of m at time now.
func NewMarketView(m state.Market, now, asOf int64) MarketView {
	v := MarketView{
		ID:           m.ID,
		Question:     m.Question,
		Creator:      m.Creator.Hex(),
		CreatedAt:    m.CreatedAt,
		EndTime:      m.EndTime,
		YesPool:      NewAmount(m.YesPool),
		NoPool:       NewAmount(m.NoPool),
		TotalPool:    NewAmount(m.YesPool + m.NoPool),
		PaidOut:      NewAmount(m.PaidOut),
		Resolved:     m.Resolved,
		ResolvedAt:   m.ResolvedAt,
		AsOfSequence: asOf,
	}
	if m.Resolved {
		outcome := m.Outcome
		v.Outcome = &outcome
	}
	v.Refresh(now)
	return v
}

// Refresh recomputes the time-dependent fields. Cached views go through
// it on read since a market ends without any event.
func (v *MarketView) Refresh(now int64) {
	v.Active = !v.Resolved && now < v.EndTime
	v.Status = MarketStatus(v.Resolved, v.Outcome != nil && *v.Outcome, v.EndTime, now)
}

// MarketStatus classifies a market for listings.
func MarketStatus(resolved, outcome bool, endTime, now int64) string {
	switch {
	case resolved && outcome:
		return StatusResolvedYes
	case resolved:
		return StatusResolvedNo
	case now < endTime:
		return StatusActive
	default:
		return StatusEnded
	}
}

// BetView is the read model of one participant's stake in one market.
type BetView struct {
	MarketID    uint64 `json:"market_id"`
	Participant string `json:"participant"`
	Yes         Amount `json:"yes"`
	No          Amount `json:"no"`
	Claimed     bool   `json:"claimed"`
	ClaimedAt   int64  `json:"claimed_at,omitempty"`
}

func NewBetView(b state.Bet) BetView {
	return BetView{
		MarketID:    b.MarketID,
		Participant: b.Participant.Hex(),
		Yes:         NewAmount(b.YesAmount),
		No:          NewAmount(b.NoAmount),
		Claimed:     b.Claimed,
		ClaimedAt:   b.ClaimedAt,
	}
}

// Position is a participant's stake joined with its market.
type Position struct {
	MarketID     uint64 `json:"market_id"`
	Question     string `json:"question"`
	MarketStatus string `json:"market_status"`
	Yes          Amount `json:"yes"`
	No           Amount `json:"no"`
	Claimed      bool   `json:"claimed"`
	Payout       Amount `json:"payout"`
	// Claimable is the payout a claim would release now; zero when
	// nothing can be claimed.
	Claimable    Amount `json:"claimable"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// ClaimableAmount is the pari-mutuel payout of an unclaimed stake in a
// resolved market, or zero.
func ClaimableAmount(resolved, outcome, claimed bool, yes, no, yesPool, noPool int64) int64 {
	if !resolved || claimed {
		return 0
	}
	stake, winPool := no, noPool
	if outcome {
		stake, winPool = yes, yesPool
	}
	if stake == 0 || winPool == 0 {
		return 0
	}
	p, err := fpmath.ProRataShare(stake, yesPool+noPool, winPool)
	if err != nil {
		return 0
	}
	return p
}

