package core

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mthdroid/moltpredict-skill/internal/event"
	"github.com/mthdroid/moltpredict-skill/internal/ledger"
	"github.com/mthdroid/moltpredict-skill/internal/state"
)

// --- Replay ---

// Replay re-applies a logged event at its recorded timestamp. Events at or
// below the current sequence are skipped. The escrow collaborator is not
// called: funds moved when the event was first applied.
func (e *Engine) Replay(env *event.EventEnvelope) error {
	if env.Sequence <= e.sequence.Load() {
		return nil
	}

	evt, err := event.Decode(env.EventType, env.Payload)
	if err != nil {
		return fmt.Errorf("replay sequence %d: %w", env.Sequence, err)
	}
	if evt.MarketID() != env.MarketID {
		return fmt.Errorf("replay sequence %d: payload market %d, envelope market %d",
			env.Sequence, evt.MarketID(), env.MarketID)
	}

	if env.EventType == event.EventTypeMarketCreated {
		e.createMu.Lock()
		defer e.createMu.Unlock()
	}
	p := e.partition(env.MarketID)
	p.Lock()
	defer p.Unlock()

	err = e.sequenceValidator.ValidateSequence(
		marketPartition(env.MarketID), env.MarketSequence, env.IdempotencyKey, true)
	if errors.Is(err, ErrStaleSequence) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("replay sequence %d: %w", env.Sequence, err)
	}

	participant, err := e.reapply(evt)
	if err != nil {
		return fmt.Errorf("replay sequence %d (%s): %w", env.Sequence, env.EventType, err)
	}

	if _, err := e.commit(evt, participant, env); err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.ReplayEventsTotal.Inc()
	}
	return nil
}

// reapply performs the state mutation of a logged event, bypassing the
// resolution policy which was enforced when the event was first accepted.
func (e *Engine) reapply(evt event.Event) (*common.Address, error) {
	switch ev := evt.(type) {
	case *event.MarketCreated:
		id, err := e.markets.Create(ev.Question, ev.DurationSeconds, ev.Creator, ev.CreatedAt)
		if err != nil {
			return nil, err
		}
		if id != ev.Market {
			return nil, fmt.Errorf("market id %d allocated, log has %d", id, ev.Market)
		}
		return nil, nil

	case *event.BetPlaced:
		if _, err := e.bets.RecordBet(ev.Market, ev.Participant, state.Side(ev.Side), ev.Amount, ev.PlacedAt); err != nil {
			return nil, err
		}
		return &ev.Participant, nil

	case *event.MarketResolved:
		return nil, e.markets.MarkResolved(ev.Market, ev.Outcome, ev.ResolvedAt)

	case *event.WinningsClaimed:
		res, err := e.payouts.Claim(ev.Market, ev.Participant, ev.ClaimedAt)
		if err != nil && !(errors.Is(err, state.ErrNothingToClaim) && ev.Payout == 0) {
			return nil, err
		}
		if res.Payout != ev.Payout {
			return nil, fmt.Errorf("payout %d, log has %d", res.Payout, ev.Payout)
		}
		return &ev.Participant, nil

	default:
		return nil, fmt.Errorf("unhandled event type %T", evt)
	}
}

// --- Snapshots ---

// ChainTip is the head of one market's hash chain.
type ChainTip struct {
	MarketID       uint64   `json:"market_id"`
	MarketSequence int64    `json:"market_sequence"` // last applied
	Hash           [32]byte `json:"hash"`
}

// SnapshotState is the full in-memory state at one global sequence.
type SnapshotState struct {
	Sequence        int64                 `json:"sequence"`
	StateHash       [32]byte              `json:"state_hash"`
	Markets         []state.Market        `json:"markets"`
	Bets            []state.Bet           `json:"bets"`
	Balances        []ledger.BalanceEntry `json:"balances"`
	Chains          []ChainTip            `json:"chains"`
	IdempotencyKeys []string              `json:"idempotency_keys"`
}

// lockAll takes the creation lock and every market partition in id order.
func (e *Engine) lockAll() func() {
	e.createMu.Lock()
	n := e.markets.Count()
	held := make([]*sync.Mutex, 0, n)
	for id := uint64(1); id <= n; id++ {
		p := e.partition(id)
		p.Lock()
		held = append(held, p)
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
		e.createMu.Unlock()
	}
}

// CreateSnapshotState captures a consistent view of the engine. Commands
// wait while the capture runs.
func (e *Engine) CreateSnapshotState() *SnapshotState {
	unlock := e.lockAll()
	defer unlock()

	snap := &SnapshotState{
		Sequence:        e.sequence.Load(),
		StateHash:       e.hasher.Aggregate(),
		Markets:         e.markets.Snapshot(),
		Bets:            e.bets.Snapshot(),
		Balances:        e.balanceTracker.Snapshot(),
		IdempotencyKeys: e.idempotency.lru.GetAllKeys(),
	}
	for _, m := range snap.Markets {
		part := marketPartition(m.ID)
		snap.Chains = append(snap.Chains, ChainTip{
			MarketID:       m.ID,
			MarketSequence: e.sequenceValidator.GetExpectedSequence(part) - 1,
			Hash:           e.hasher.GetPrevHash(m.ID),
		})
	}
	return snap
}

// RestoreFromSnapshot replaces the engine state. It must run before any
// command is accepted. The restored chains must fold to the recorded
// aggregate hash and every market must pass the invariant checks.
func (e *Engine) RestoreFromSnapshot(snap *SnapshotState) error {
	unlock := e.lockAll()
	defer unlock()

	if err := e.markets.Restore(snap.Markets); err != nil {
		return err
	}
	if err := e.bets.Restore(snap.Bets); err != nil {
		return err
	}
	e.balanceTracker.Restore(snap.Balances)

	for _, tip := range snap.Chains {
		e.hasher.SetPrevHash(tip.MarketID, tip.Hash)
		e.sequenceValidator.SetExpectedSequence(marketPartition(tip.MarketID), tip.MarketSequence+1)
	}
	if got := e.hasher.Aggregate(); got != snap.StateHash {
		return fmt.Errorf("snapshot at sequence %d: %w", snap.Sequence, ErrHashMismatch)
	}

	for _, m := range snap.Markets {
		if err := e.postCheckInvariants(m.ID); err != nil {
			return fmt.Errorf("snapshot at sequence %d: %w", snap.Sequence, err)
		}
	}

	e.sequence.Store(snap.Sequence)
	e.idempotency.lru.WarmFromKeys(snap.IdempotencyKeys)

	e.log.Info().
		Int64("sequence", snap.Sequence).
		Int("markets", len(snap.Markets)).
		Int("bets", len(snap.Bets)).
		Msg("state restored from snapshot")
	return nil
}
