package main

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/mthdroid/moltpredict-skill/internal/clock"
	"github.com/mthdroid/moltpredict-skill/internal/core"
	"github.com/mthdroid/moltpredict-skill/internal/observability"
	"github.com/mthdroid/moltpredict-skill/internal/persistence"
)

// laggingStore is an event log whose head advances by step on every read,
// the way the persistence worker catches up batch by batch.
type laggingStore struct {
	mu        sync.Mutex
	persisted int64
	step      int64
	reads     int
	saved     []*core.SnapshotState
	verified  []int64
	onRead    func(reads int)
}

func (s *laggingStore) GetLatestSequence(context.Context) (int64, error) {
	s.mu.Lock()
	s.reads++
	reads, head := s.reads, s.persisted
	s.persisted += s.step
	s.mu.Unlock()

	if s.onRead != nil {
		s.onRead(reads)
	}
	return head, nil
}

func (s *laggingStore) Save(_ context.Context, snap *core.SnapshotState) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, snap)
	return []byte("{}"), nil
}

func (s *laggingStore) MarkVerified(_ context.Context, seq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verified = append(s.verified, seq)
	return nil
}

func (s *laggingStore) SetArchiveKey(context.Context, int64, string) error { return nil }

func (s *laggingStore) LoadLatestSnapshot(context.Context) (*persistence.StoredSnapshot, error) {
	return nil, nil
}

func (s *laggingStore) ReplayFrom(context.Context, persistence.Replayer, int) (int, error) {
	return 0, nil
}

func newSnapshotApp(t *testing.T, store *laggingStore) *app {
	t.Helper()
	e := core.NewEngine(core.Options{Clock: clock.NewManual(0), Logger: zerolog.Nop()})

	create := core.DemoMarket
	create.Caller = common.HexToAddress("0xc1")
	id, err := e.CreateMarket(context.Background(), &create)
	if err != nil {
		t.Fatalf("CreateMarket: %v", err)
	}
	for i, who := range []string{"0xa1", "0xb1"} {
		if _, err := e.Bet(context.Background(), &core.BetCmd{
			Caller: common.HexToAddress(who), MarketID: id, Side: i == 0, Amount: 10,
		}); err != nil {
			t.Fatalf("Bet: %v", err)
		}
	}

	return &app{
		log:       zerolog.Nop(),
		metrics:   observability.NewMetrics(prometheus.NewRegistry()),
		snapshots: store,
		engine:    e,
	}
}

func shortenCatchUp(t *testing.T, poll, timeout time.Duration) {
	t.Helper()
	oldPoll, oldTimeout := snapshotCatchUpPoll, snapshotCatchUpTimeout
	snapshotCatchUpPoll, snapshotCatchUpTimeout = poll, timeout
	t.Cleanup(func() {
		snapshotCatchUpPoll, snapshotCatchUpTimeout = oldPoll, oldTimeout
	})
}

// ============================================================================
// Snapshot scheduling
// ============================================================================

func TestTakeSnapshot_WaitsForLaggingLog(t *testing.T) {
	shortenCatchUp(t, time.Millisecond, 5*time.Second)
	store := &laggingStore{step: 1}
	a := newSnapshotApp(t, store)

	seq, err := a.takeSnapshot(context.Background())
	if err != nil {
		t.Fatalf("takeSnapshot: %v", err)
	}
	if seq != 3 {
		t.Errorf("sequence = %d, want 3", seq)
	}
	if store.reads < 4 {
		t.Errorf("log head read %d times, want at least 4 while it caught up", store.reads)
	}
	if len(store.saved) != 1 || store.saved[0].Sequence != 3 {
		t.Fatalf("saved = %v, want one snapshot at 3", store.saved)
	}
	if len(store.verified) != 1 || store.verified[0] != 3 {
		t.Errorf("verified = %v", store.verified)
	}
}

func TestTakeSnapshot_KeepsCapturedState(t *testing.T) {
	shortenCatchUp(t, time.Millisecond, 5*time.Second)
	store := &laggingStore{step: 1}
	a := newSnapshotApp(t, store)
	want := a.engine.CreateSnapshotState().StateHash

	// A bet lands while the snapshot waits on the log.
	store.onRead = func(reads int) {
		if reads != 1 {
			return
		}
		if _, err := a.engine.Bet(context.Background(), &core.BetCmd{
			Caller: common.HexToAddress("0xd1"), MarketID: 1, Side: true, Amount: 5,
		}); err != nil {
			t.Errorf("Bet during wait: %v", err)
		}
	}

	seq, err := a.takeSnapshot(context.Background())
	if err != nil {
		t.Fatalf("takeSnapshot: %v", err)
	}
	if seq != 3 || a.engine.GetSequence() != 4 {
		t.Errorf("snapshot at %d with engine at %d, want 3 and 4", seq, a.engine.GetSequence())
	}
	if store.saved[0].StateHash != want {
		t.Error("stored snapshot differs from the state captured before waiting")
	}
}

func TestTakeSnapshot_GivesUpOnStalledLog(t *testing.T) {
	shortenCatchUp(t, time.Millisecond, 20*time.Millisecond)
	store := &laggingStore{step: 0}
	a := newSnapshotApp(t, store)

	_, err := a.takeSnapshot(context.Background())
	if !errors.Is(err, errSnapshotAhead) {
		t.Fatalf("err = %v, want errSnapshotAhead", err)
	}
	if len(store.saved) != 0 {
		t.Error("snapshot stored ahead of the event log")
	}
}

func TestTakeSnapshot_StopsOnCancel(t *testing.T) {
	shortenCatchUp(t, time.Millisecond, time.Minute)
	store := &laggingStore{step: 0}
	a := newSnapshotApp(t, store)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := a.takeSnapshot(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want context.DeadlineExceeded", err)
	}
	if len(store.saved) != 0 {
		t.Error("snapshot stored after cancel")
	}
}
