package persistence_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/mthdroid/moltpredict-skill/internal/core"
	"github.com/mthdroid/moltpredict-skill/internal/persistence"
	"github.com/mthdroid/moltpredict-skill/internal/testutil"
)

// ============================================================================
// Row conversion
// ============================================================================

func TestRows_EventAndJournals(t *testing.T) {
	_, _, outputs := testutil.Settled(t)
	if len(outputs) != 5 {
		t.Fatalf("expected 5 outputs, got %d", len(outputs))
	}

	wantJournals := []int{0, 1, 1, 0, 1}
	for i, out := range outputs {
		row, journals := persistence.Rows(out)
		if row.Sequence != out.Envelope.Sequence {
			t.Errorf("output %d: sequence %d, want %d", i, row.Sequence, out.Envelope.Sequence)
		}
		if row.EventType != out.Envelope.EventType.String() {
			t.Errorf("output %d: event type %q", i, row.EventType)
		}
		if len(journals) != wantJournals[i] {
			t.Errorf("output %d (%s): %d journals, want %d", i, row.EventType, len(journals), wantJournals[i])
		}
		for _, j := range journals {
			if j.Sequence != row.Sequence {
				t.Errorf("journal sequence %d, event sequence %d", j.Sequence, row.Sequence)
			}
		}
	}

	_, bet := persistence.Rows(outputs[1])
	if bet[0].DebitAccount != "system:escrow:1:USDC" || bet[0].CreditAccount != "external:deposits:USDC" {
		t.Errorf("bet journal accounts: %s <- %s", bet[0].DebitAccount, bet[0].CreditAccount)
	}
	if bet[0].Participant != testutil.Alice.Hex() {
		t.Errorf("bet journal participant %s", bet[0].Participant)
	}

	_, claim := persistence.Rows(outputs[4])
	if claim[0].Amount != 150 || claim[0].DebitAccount != "external:payouts:USDC" {
		t.Errorf("claim journal: %+v", claim[0])
	}
}

func TestEventRow_EnvelopeRoundTrip(t *testing.T) {
	_, _, outputs := testutil.Settled(t)

	for _, out := range outputs {
		row, _ := persistence.Rows(out)
		env, err := row.Envelope()
		if err != nil {
			t.Fatalf("Envelope: %v", err)
		}
		if !reflect.DeepEqual(*env, *out.Envelope) {
			t.Errorf("sequence %d: rebuilt envelope differs\n got %+v\nwant %+v", row.Sequence, *env, *out.Envelope)
		}
	}
}

func TestEventRow_EnvelopeRejectsBadRows(t *testing.T) {
	_, _, outputs := testutil.Settled(t)
	row, _ := persistence.Rows(outputs[0])

	bad := row
	bad.EventType = "TradeFill"
	if _, err := bad.Envelope(); err == nil {
		t.Error("expected error for unknown event type")
	}

	bad = row
	bad.StateHash = bad.StateHash[:16]
	if _, err := bad.Envelope(); err == nil {
		t.Error("expected error for short hash")
	}
}

// ============================================================================
// Replay from stored rows
// ============================================================================

func TestRowsReplayIntoFreshEngine(t *testing.T) {
	live, _, outputs := testutil.Settled(t)

	replica := core.NewEngine(core.Options{Logger: zerolog.Nop(), PostChecks: true})
	for _, out := range outputs {
		row, _ := persistence.Rows(out)
		env, err := row.Envelope()
		if err != nil {
			t.Fatalf("Envelope: %v", err)
		}
		if err := replica.Replay(env); err != nil {
			t.Fatalf("Replay %d: %v", row.Sequence, err)
		}
	}
	if replica.GetStateHash() != live.GetStateHash() {
		t.Error("replica state hash differs from live engine")
	}
}

// ============================================================================
// Snapshot encoding
// ============================================================================

func TestSnapshotEncoding(t *testing.T) {
	live, _, _ := testutil.Settled(t)
	snap := live.CreateSnapshotState()

	data, err := persistence.EncodeSnapshot(snap)
	if err != nil {
		t.Fatalf("EncodeSnapshot: %v", err)
	}
	decoded, err := persistence.DecodeSnapshot(data)
	if err != nil {
		t.Fatalf("DecodeSnapshot: %v", err)
	}

	restored := core.NewEngine(core.Options{Logger: zerolog.Nop(), PostChecks: true})
	if err := restored.RestoreFromSnapshot(decoded); err != nil {
		t.Fatalf("RestoreFromSnapshot: %v", err)
	}
	if restored.GetStateHash() != live.GetStateHash() {
		t.Error("restored state hash differs")
	}

	if _, err := persistence.DecodeSnapshot([]byte("{not json")); err == nil {
		t.Error("expected decode error")
	}
}

// ============================================================================
// Persistence worker
// ============================================================================

type fakeWriter struct {
	mu       sync.Mutex
	failures int // fail this many calls first
	calls    int
	events   []persistence.EventRow
	journals []persistence.JournalRow
}

func (f *fakeWriter) WriteBatch(_ context.Context, events []persistence.EventRow, journals []persistence.JournalRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		return errors.New("connection refused")
	}
	f.events = append(f.events, events...)
	f.journals = append(f.journals, journals...)
	return nil
}

func (f *fakeWriter) written() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events), len(f.journals)
}

type fakePublisher struct {
	mu   sync.Mutex
	seqs []int64
	w    *fakeWriter
	// events durable at the time each publish happened
	durable []int
}

func (p *fakePublisher) Publish(_ context.Context, out core.CoreOutput) error {
	n, _ := p.w.written()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seqs = append(p.seqs, out.Envelope.Sequence)
	p.durable = append(p.durable, n)
	return nil
}

func TestWorker_FlushesOnCloseAndPublishesAfterWrite(t *testing.T) {
	_, _, outputs := testutil.Settled(t)

	in := make(chan core.CoreOutput, len(outputs))
	for _, o := range outputs {
		in <- o
	}
	close(in)

	w := &fakeWriter{}
	pub := &fakePublisher{w: w}
	worker := persistence.NewPersistenceWorker(persistence.WorkerOptions{
		Writer:       w,
		Input:        in,
		Publisher:    pub,
		BatchSize:    2,
		FlushTimeout: time.Hour,
		Logger:       zerolog.Nop(),
	})

	if err := worker.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	events, journals := w.written()
	if events != 5 || journals != 3 {
		t.Fatalf("written events=%d journals=%d, want 5 and 3", events, journals)
	}
	for i, e := range w.events {
		if e.Sequence != int64(i+1) {
			t.Errorf("event %d has sequence %d", i, e.Sequence)
		}
	}

	if len(pub.seqs) != 5 {
		t.Fatalf("published %d, want 5", len(pub.seqs))
	}
	for i, seq := range pub.seqs {
		if int64(pub.durable[i]) < seq {
			t.Errorf("sequence %d published with only %d events durable", seq, pub.durable[i])
		}
	}
}

func TestWorker_RetriesUntilWritten(t *testing.T) {
	_, _, outputs := testutil.Settled(t)

	in := make(chan core.CoreOutput, len(outputs))
	for _, o := range outputs {
		in <- o
	}
	close(in)

	w := &fakeWriter{failures: 3}
	worker := persistence.NewPersistenceWorker(persistence.WorkerOptions{
		Writer:       w,
		Input:        in,
		BatchSize:    len(outputs),
		FlushTimeout: time.Hour,
		MaxBackoff:   200 * time.Millisecond,
		Logger:       zerolog.Nop(),
	})

	if err := worker.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if w.calls != 4 {
		t.Errorf("writer called %d times, want 4", w.calls)
	}
	if events, _ := w.written(); events != len(outputs) {
		t.Errorf("events written %d, want %d", events, len(outputs))
	}
}

func TestWorker_TimerFlush(t *testing.T) {
	_, _, outputs := testutil.Settled(t)

	in := make(chan core.CoreOutput)
	w := &fakeWriter{}
	worker := persistence.NewPersistenceWorker(persistence.WorkerOptions{
		Writer:       w,
		Input:        in,
		BatchSize:    100,
		FlushTimeout: 5 * time.Millisecond,
		Logger:       zerolog.Nop(),
	})

	done := make(chan error, 1)
	go func() { done <- worker.Run(context.Background()) }()

	in <- outputs[0]
	deadline := time.Now().Add(2 * time.Second)
	for {
		if n, _ := w.written(); n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timer flush did not happen")
		}
		time.Sleep(5 * time.Millisecond)
	}

	close(in)
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
}

// ============================================================================
// Migration files
// ============================================================================

func TestListMigrationFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{
		"000002_projections.up.sql",
		"000001_event_log.up.sql",
		"000001_event_log.down.sql",
		"README.md",
	} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("SELECT 1;"), 0o600); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}

	ups, err := persistence.ListMigrationFiles(dir, ".up.sql")
	if err != nil {
		t.Fatalf("ListMigrationFiles: %v", err)
	}
	want := []string{"000001_event_log.up.sql", "000002_projections.up.sql"}
	if !reflect.DeepEqual(ups, want) {
		t.Errorf("up files = %v, want %v", ups, want)
	}

	if v := persistence.ExtractVersion(ups[1]); v != "000002" {
		t.Errorf("version = %q, want 000002", v)
	}
}

func TestRepositoryMigrationsArePaired(t *testing.T) {
	dir := testutil.MigrationsDir()
	ups, err := persistence.ListMigrationFiles(dir, ".up.sql")
	if err != nil {
		t.Fatalf("ListMigrationFiles: %v", err)
	}
	downs, err := persistence.ListMigrationFiles(dir, ".down.sql")
	if err != nil {
		t.Fatalf("ListMigrationFiles: %v", err)
	}
	if len(ups) == 0 || len(ups) != len(downs) {
		t.Fatalf("ups=%v downs=%v", ups, downs)
	}
	for i := range ups {
		if persistence.ExtractVersion(ups[i]) != persistence.ExtractVersion(downs[i]) {
			t.Errorf("unpaired migration %s / %s", ups[i], downs[i])
		}
	}
}

// ============================================================================
// Postgres integration
// ============================================================================

func TestSnapshotManager_Postgres(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	live, _, _ := testutil.Settled(t)
	snap := live.CreateSnapshotState()

	sm := persistence.NewSnapshotManager(db)
	if _, err := sm.Save(ctx, snap); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := sm.LoadLatestSnapshot(ctx)
	if err != nil {
		t.Fatalf("LoadLatestSnapshot: %v", err)
	}
	if got != nil {
		t.Fatal("unverified snapshot should not load")
	}

	if err := sm.MarkVerified(ctx, snap.Sequence); err != nil {
		t.Fatalf("MarkVerified: %v", err)
	}
	got, err = sm.LoadLatestSnapshot(ctx)
	if err != nil || got == nil {
		t.Fatalf("LoadLatestSnapshot: %v %v", got, err)
	}
	if got.State.StateHash != snap.StateHash {
		t.Error("loaded snapshot hash differs")
	}
}
