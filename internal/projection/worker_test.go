package projection_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/mthdroid/moltpredict-skill/internal/cache"
	"github.com/mthdroid/moltpredict-skill/internal/core"
	"github.com/mthdroid/moltpredict-skill/internal/event"
	"github.com/mthdroid/moltpredict-skill/internal/projection"
	"github.com/mthdroid/moltpredict-skill/internal/query"
	"github.com/mthdroid/moltpredict-skill/internal/testutil"
)

type fakeStore struct {
	mu      sync.Mutex
	applied []int64
	fail    bool
}

func (s *fakeStore) Apply(_ context.Context, out core.CoreOutput) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("db down")
	}
	s.applied = append(s.applied, out.Envelope.Sequence)
	return nil
}

type mapCache struct {
	mu    sync.Mutex
	views map[uint64][]byte
	seqs  map[uint64]int64
}

func newMapCache() *mapCache {
	return &mapCache{views: map[uint64][]byte{}, seqs: map[uint64]int64{}}
}

func (c *mapCache) Get(_ context.Context, id uint64, dst any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, ok := c.views[id]
	if !ok {
		return cache.ErrMiss
	}
	return json.Unmarshal(data, dst)
}

func (c *mapCache) Set(_ context.Context, id uint64, seq int64, view any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if seq < c.seqs[id] {
		return nil
	}
	data, err := json.Marshal(view)
	if err != nil {
		return err
	}
	c.views[id], c.seqs[id] = data, seq
	return nil
}

func runWorker(t *testing.T, opts projection.Options, outputs []core.CoreOutput) *projection.Worker {
	t.Helper()
	in := make(chan core.CoreOutput, len(outputs))
	for _, o := range outputs {
		in <- o
	}
	close(in)
	opts.Input = in
	opts.Logger = zerolog.Nop()
	w := projection.NewWorker(opts)
	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	return w
}

// ============================================================================
// Fan-out
// ============================================================================

func TestWorker_FansOutEveryOutput(t *testing.T) {
	_, clk, outputs := testutil.Settled(t)

	store := &fakeStore{}
	views := newMapCache()
	bus := cache.NewLocalBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub, _ := bus.Subscribe(ctx)

	w := runWorker(t, projection.Options{Store: store, ViewCache: views, Bus: bus, Clock: clk}, outputs)

	if len(store.applied) != len(outputs) {
		t.Fatalf("store applied %d outputs, want %d", len(store.applied), len(outputs))
	}
	if w.LastSequence() != outputs[len(outputs)-1].Envelope.Sequence {
		t.Errorf("last sequence %d", w.LastSequence())
	}

	var v query.MarketView
	if err := views.Get(context.Background(), 1, &v); err != nil {
		t.Fatalf("cached view: %v", err)
	}
	if v.Status != query.StatusResolvedYes || v.TotalPool.Units != 150 || v.PaidOut.Units != 150 {
		t.Errorf("cached view = %+v", v)
	}
	if v.TotalPool.Decimal != "0.000150" {
		t.Errorf("decimal rendering = %q", v.TotalPool.Decimal)
	}

	for i := range outputs {
		select {
		case raw := <-sub:
			var msg event.Message
			if err := json.Unmarshal(raw, &msg); err != nil {
				t.Fatalf("bus message: %v", err)
			}
			if msg.Sequence != int64(i+1) {
				t.Errorf("bus message %d has sequence %d", i, msg.Sequence)
			}
		default:
			t.Fatalf("bus delivered %d of %d messages", i, len(outputs))
		}
	}
}

func TestWorker_StoreFailureDoesNotStopFanOut(t *testing.T) {
	_, clk, outputs := testutil.Settled(t)

	views := newMapCache()
	runWorker(t, projection.Options{Store: &fakeStore{fail: true}, ViewCache: views, Clock: clk}, outputs)

	var v query.MarketView
	if err := views.Get(context.Background(), 1, &v); err != nil {
		t.Fatalf("cache should still be written: %v", err)
	}
}

func TestWorker_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w := projection.NewWorker(projection.Options{Input: make(chan core.CoreOutput), Logger: zerolog.Nop()})
	if err := w.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Run = %v, want context.Canceled", err)
	}
}

// ============================================================================
// Postgres integration
// ============================================================================

func TestPostgresStore_ProjectsSettlement(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	live, clk, outputs := testutil.Settled(t)
	store := projection.NewPostgresStore(db)
	ctx := context.Background()

	// Apply out of order: the final state must still win.
	for i := len(outputs) - 1; i >= 0; i-- {
		if err := store.Apply(ctx, outputs[i]); err != nil {
			t.Fatalf("Apply %d: %v", i, err)
		}
	}

	qs := query.NewQueryService(db, nil, clk, zerolog.Nop())
	v, err := qs.GetMarketView(ctx, 1)
	if err != nil {
		t.Fatalf("GetMarketView: %v", err)
	}
	if !v.Resolved || v.PaidOut.Units != 150 {
		t.Errorf("view = %+v", v)
	}

	positions, err := qs.ParticipantPositions(ctx, testutil.Alice)
	if err != nil {
		t.Fatalf("ParticipantPositions: %v", err)
	}
	if len(positions) != 1 || !positions[0].Claimed || positions[0].Payout.Units != 150 {
		t.Errorf("alice positions = %+v", positions)
	}

	if err := store.Resync(ctx, live.CreateSnapshotState()); err != nil {
		t.Fatalf("Resync: %v", err)
	}
	wm, err := qs.Watermark(ctx)
	if err != nil || wm != live.GetSequence() {
		t.Errorf("watermark = %d, %v; want %d", wm, err, live.GetSequence())
	}
}
