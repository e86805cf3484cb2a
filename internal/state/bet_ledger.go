package state

import (
	"bytes"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	fpmath "github.com/mthdroid/moltpredict-skill/internal/math"
)

// BetLedger owns the per-(market, participant) stake records. It holds a
// market id back-reference only; pool accumulators stay in MarketStore.
//
// Lock order: market slot, then ledger map.
type BetLedger struct {
	markets *MarketStore

	mu    sync.RWMutex
	books map[uint64]map[common.Address]*Bet
}

func NewBetLedger(markets *MarketStore) *BetLedger {
	return &BetLedger{
		markets: markets,
		books:   make(map[uint64]map[common.Address]*Bet),
	}
}

// CheckBet runs the RecordBet preconditions without mutating anything.
func (l *BetLedger) CheckBet(marketID uint64, amount int64, now int64) error {
	sl, err := l.markets.slot(marketID)
	if err != nil {
		return err
	}
	sl.mu.RLock()
	defer sl.mu.RUnlock()
	return checkBetLocked(sl, amount, now)
}

// checkBetLocked validates a bet against the market. A participant's stake
// is bounded by the pool, so a pool that does not overflow covers it too.
func checkBetLocked(sl *marketSlot, amount int64, now int64) error {
	if !sl.m.IsOpen(now) {
		return fmt.Errorf("market %d: %w", sl.m.ID, ErrMarketNotOpen)
	}
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if _, err := fpmath.CheckedAdd(sl.m.TotalPool(), amount); err != nil {
		return fmt.Errorf("pool overflow: %w", ErrInvalidAmount)
	}
	return nil
}

// RecordBet adds amount to the participant's stake on side and to the
// matching pool as one unit. Returns the updated record.
func (l *BetLedger) RecordBet(marketID uint64, participant common.Address, side Side, amount int64, now int64) (Bet, error) {
	sl, err := l.markets.slot(marketID)
	if err != nil {
		return Bet{}, err
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()

	if err := checkBetLocked(sl, amount, now); err != nil {
		return Bet{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	book := l.books[marketID]
	if book == nil {
		book = make(map[common.Address]*Bet)
		l.books[marketID] = book
	}
	b := book[participant]
	if b == nil {
		b = &Bet{MarketID: marketID, Participant: participant}
		book[participant] = b
	}
	if side == SideYes {
		b.YesAmount += amount
	} else {
		b.NoAmount += amount
	}
	sl.applyPoolDeltaLocked(side, amount)

	return *b, nil
}

// StakeOf returns the participant's record. A missing record is ErrNotFound,
// which payout callers treat as zero stake.
func (l *BetLedger) StakeOf(marketID uint64, participant common.Address) (Bet, error) {
	sl, err := l.markets.slot(marketID)
	if err != nil {
		return Bet{}, err
	}
	sl.mu.RLock()
	defer sl.mu.RUnlock()

	l.mu.RLock()
	defer l.mu.RUnlock()
	if b := l.lookupLocked(marketID, participant); b != nil {
		return *b, nil
	}
	return Bet{}, fmt.Errorf("bet %d/%s: %w", marketID, participant.Hex(), ErrNotFound)
}

// View returns the market and the participant's record read under one lock.
// ok is false when no record exists.
func (l *BetLedger) View(marketID uint64, participant common.Address) (m Market, b Bet, ok bool, err error) {
	sl, err := l.markets.slot(marketID)
	if err != nil {
		return Market{}, Bet{}, false, err
	}
	sl.mu.RLock()
	defer sl.mu.RUnlock()

	l.mu.RLock()
	defer l.mu.RUnlock()
	if rec := l.lookupLocked(marketID, participant); rec != nil {
		return sl.m, *rec, true, nil
	}
	return sl.m, Bet{MarketID: marketID, Participant: participant}, false, nil
}

// BetsFor returns copies of every record in a market ordered by address.
func (l *BetLedger) BetsFor(marketID uint64) []Bet {
	l.mu.RLock()
	defer l.mu.RUnlock()
	book := l.books[marketID]
	out := make([]Bet, 0, len(book))
	for _, b := range book {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Participant[:], out[j].Participant[:]) < 0
	})
	return out
}

// SumStakes totals the records of one market per side.
func (l *BetLedger) SumStakes(marketID uint64) (yes, no int64) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, b := range l.books[marketID] {
		yes += b.YesAmount
		no += b.NoAmount
	}
	return yes, no
}

func (l *BetLedger) lookupLocked(marketID uint64, participant common.Address) *Bet {
	if book := l.books[marketID]; book != nil {
		return book[participant]
	}
	return nil
}

// Snapshot returns every record ordered by market then address.
func (l *BetLedger) Snapshot() []Bet {
	l.mu.RLock()
	ids := make([]uint64, 0, len(l.books))
	for id := range l.books {
		ids = append(ids, id)
	}
	l.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var out []Bet
	for _, id := range ids {
		out = append(out, l.BetsFor(id)...)
	}
	return out
}

// Restore replaces all records. Markets must already be restored.
func (l *BetLedger) Restore(bets []Bet) error {
	books := make(map[uint64]map[common.Address]*Bet)
	count := l.markets.Count()
	for i := range bets {
		b := bets[i]
		if b.MarketID == 0 || b.MarketID > count {
			return fmt.Errorf("restore: bet for unknown market %d", b.MarketID)
		}
		book := books[b.MarketID]
		if book == nil {
			book = make(map[common.Address]*Bet)
			books[b.MarketID] = book
		}
		if _, dup := book[b.Participant]; dup {
			return fmt.Errorf("restore: duplicate bet %d/%s", b.MarketID, b.Participant.Hex())
		}
		book[b.Participant] = &b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.books = books
	return nil
}
