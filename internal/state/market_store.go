package state

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	fpmath "github.com/mthdroid/moltpredict-skill/internal/math"
)

// MarketStore owns every Market. Ids are sequential from 1 and never reused;
// the number of markets ever created is the length of the store.
//
// Each market lives in its own slot with its own lock so that readers of one
// market never wait on writers of another. Pool updates and the matching bet
// record update happen under the same slot lock.
type MarketStore struct {
	mu      sync.RWMutex
	markets []*marketSlot
}

type marketSlot struct {
	mu sync.RWMutex
	m  Market
}

func NewMarketStore() *MarketStore {
	return &MarketStore{}
}

// Create allocates the next id and opens a market that ends at
// now + durationSeconds.
func (s *MarketStore) Create(question string, durationSeconds int64, creator common.Address, now int64) (uint64, error) {
	if durationSeconds <= 0 {
		return 0, ErrInvalidDuration
	}
	endTime, err := fpmath.CheckedAdd(now, durationSeconds)
	if err != nil {
		return 0, ErrInvalidDuration
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := uint64(len(s.markets)) + 1
	s.markets = append(s.markets, &marketSlot{m: Market{
		ID:        id,
		Question:  question,
		Creator:   creator,
		CreatedAt: now,
		EndTime:   endTime,
	}})
	return id, nil
}

// Count is the number of markets ever created.
func (s *MarketStore) Count() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint64(len(s.markets))
}

func (s *MarketStore) slot(id uint64) (*marketSlot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if id == 0 || id > uint64(len(s.markets)) {
		return nil, fmt.Errorf("market %d: %w", id, ErrNotFound)
	}
	return s.markets[id-1], nil
}

// Get returns a copy of the market.
func (s *MarketStore) Get(id uint64) (Market, error) {
	sl, err := s.slot(id)
	if err != nil {
		return Market{}, err
	}
	sl.mu.RLock()
	defer sl.mu.RUnlock()
	return sl.m, nil
}

// IsOpen is true iff the market exists, is unresolved and now < endTime.
func (s *MarketStore) IsOpen(id uint64, now int64) bool {
	m, err := s.Get(id)
	if err != nil {
		return false
	}
	return m.IsOpen(now)
}

// MarkResolved performs the open -> resolved transition. A second call is
// always an error.
func (s *MarketStore) MarkResolved(id uint64, outcome bool, now int64) error {
	sl, err := s.slot(id)
	if err != nil {
		return err
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.markResolvedLocked(outcome, now)
}

func (sl *marketSlot) markResolvedLocked(outcome bool, now int64) error {
	if sl.m.Resolved {
		return fmt.Errorf("market %d: %w", sl.m.ID, ErrAlreadyResolved)
	}
	sl.m.Resolved = true
	sl.m.Outcome = outcome
	sl.m.ResolvedAt = now
	return nil
}

// applyPoolDeltaLocked adds amount to one pool. Only BetLedger calls it,
// with the slot lock held.
func (sl *marketSlot) applyPoolDeltaLocked(side Side, amount int64) {
	if side == SideYes {
		sl.m.YesPool += amount
	} else {
		sl.m.NoPool += amount
	}
}

// Snapshot returns copies of all markets in id order.
func (s *MarketStore) Snapshot() []Market {
	s.mu.RLock()
	slots := make([]*marketSlot, len(s.markets))
	copy(slots, s.markets)
	s.mu.RUnlock()

	out := make([]Market, 0, len(slots))
	for _, sl := range slots {
		sl.mu.RLock()
		out = append(out, sl.m)
		sl.mu.RUnlock()
	}
	return out
}

// Restore replaces the store contents. Markets must be dense and in id order.
func (s *MarketStore) Restore(markets []Market) error {
	slots := make([]*marketSlot, 0, len(markets))
	for i, m := range markets {
		if m.ID != uint64(i)+1 {
			return fmt.Errorf("restore: market at index %d has id %d", i, m.ID)
		}
		slots = append(slots, &marketSlot{m: m})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.markets = slots
	return nil
}
