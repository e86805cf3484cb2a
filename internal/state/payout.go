package state

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	fpmath "github.com/mthdroid/moltpredict-skill/internal/math"
)

// PayoutCalculator computes pari-mutuel payouts and enforces claim-once.
type PayoutCalculator struct {
	markets *MarketStore
	bets    *BetLedger
}

func NewPayoutCalculator(markets *MarketStore, bets *BetLedger) *PayoutCalculator {
	return &PayoutCalculator{markets: markets, bets: bets}
}

// ClaimResult describes a completed claim.
type ClaimResult struct {
	Payout       int64
	WinningStake int64
	WinningPool  int64
	TotalPool    int64
	Market       Market
	Bet          Bet
}

// Quote runs every claim check and computes the payout without marking the
// record. ErrNothingToClaim is returned with a zero payout.
func (p *PayoutCalculator) Quote(marketID uint64, participant common.Address) (ClaimResult, error) {
	sl, err := p.markets.slot(marketID)
	if err != nil {
		return ClaimResult{}, err
	}
	sl.mu.RLock()
	defer sl.mu.RUnlock()

	p.bets.mu.RLock()
	defer p.bets.mu.RUnlock()

	res, _, err := p.quoteLocked(sl, participant)
	return res, err
}

func (p *PayoutCalculator) quoteLocked(sl *marketSlot, participant common.Address) (ClaimResult, *Bet, error) {
	m := sl.m
	if !m.Resolved {
		return ClaimResult{}, nil, fmt.Errorf("market %d: %w", m.ID, ErrMarketNotResolved)
	}
	rec := p.bets.lookupLocked(m.ID, participant)
	if rec == nil {
		return ClaimResult{}, nil, fmt.Errorf("bet %d/%s: %w", m.ID, participant.Hex(), ErrNotFound)
	}
	if rec.Claimed {
		return ClaimResult{}, rec, fmt.Errorf("bet %d/%s: %w", m.ID, participant.Hex(), ErrAlreadyClaimed)
	}

	res := ClaimResult{
		WinningStake: rec.Stake(Side(m.Outcome)),
		WinningPool:  m.WinningPool(),
		TotalPool:    m.TotalPool(),
		Market:       m,
		Bet:          *rec,
	}
	if res.WinningPool == 0 {
		return res, rec, fmt.Errorf("market %d: %w", m.ID, ErrNoWinningStake)
	}
	if res.WinningStake == 0 {
		return res, rec, ErrNothingToClaim
	}

	payout, err := fpmath.ProRataShare(res.WinningStake, res.TotalPool, res.WinningPool)
	if err != nil {
		return res, rec, fmt.Errorf("compute payout: %w", err)
	}
	if m.PaidOut+payout > res.TotalPool {
		return res, rec, fmt.Errorf("market %d paid %d, payout %d, pool %d: %w",
			m.ID, m.PaidOut, payout, res.TotalPool, ErrInsolvent)
	}
	res.Payout = payout
	return res, rec, nil
}

// Claim computes the payout and marks the record claimed. On
// ErrNothingToClaim the record is still marked claimed so the negative
// result is permanent. Every other error leaves state untouched.
func (p *PayoutCalculator) Claim(marketID uint64, participant common.Address, now int64) (ClaimResult, error) {
	sl, err := p.markets.slot(marketID)
	if err != nil {
		return ClaimResult{}, err
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()

	p.bets.mu.Lock()
	defer p.bets.mu.Unlock()

	res, rec, err := p.quoteLocked(sl, participant)
	switch {
	case err == nil:
	case rec != nil && err == ErrNothingToClaim:
		rec.Claimed = true
		rec.ClaimedAt = now
		res.Bet = *rec
		return res, err
	default:
		return res, err
	}

	rec.Claimed = true
	rec.ClaimedAt = now
	sl.m.PaidOut += res.Payout

	res.Bet = *rec
	res.Market = sl.m
	return res, nil
}
