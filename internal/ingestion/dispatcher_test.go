package ingestion_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/mthdroid/moltpredict-skill/internal/clock"
	"github.com/mthdroid/moltpredict-skill/internal/core"
	"github.com/mthdroid/moltpredict-skill/internal/event"
	"github.com/mthdroid/moltpredict-skill/internal/identity"
	"github.com/mthdroid/moltpredict-skill/internal/ingestion"
	"github.com/mthdroid/moltpredict-skill/internal/state"
	"github.com/mthdroid/moltpredict-skill/internal/testutil"
)

func newDispatcher(t *testing.T, requireSigs bool) (*ingestion.Dispatcher, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(1_700_000_000)
	e := core.NewEngine(core.Options{Clock: clk, Logger: zerolog.Nop(), PostChecks: true})
	return ingestion.NewDispatcher(e, requireSigs, nil, zerolog.Nop()), clk
}

func sign(t *testing.T, s *identity.Signer, cmd core.Command) string {
	t.Helper()
	sig, err := s.Sign(cmd.SigningPayload())
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return sig
}

// ============================================================================
// Authentication
// ============================================================================

func TestDispatch_SignedCommand(t *testing.T) {
	d, clk := newDispatcher(t, true)
	creator, _ := identity.GenerateSigner()

	cmd := core.DemoMarket
	cmd.Caller = creator.Address()
	cmd.RequestID = "create-1"
	cmd.ExpiresAt = clk.Now() + 60

	res, err := d.Dispatch(context.Background(), &cmd, sign(t, creator, &cmd), "test")
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.MarketID != 1 || res.Market == nil || res.Market.Creator != creator.Address() {
		t.Errorf("result = %+v", res)
	}
}

func TestDispatch_MissingSignature(t *testing.T) {
	d, _ := newDispatcher(t, true)
	cmd := core.DemoMarket
	cmd.Caller = testutil.Creator

	_, err := d.Dispatch(context.Background(), &cmd, "", "test")
	if !errors.Is(err, ingestion.ErrSignatureRequired) {
		t.Errorf("got %v, want ErrSignatureRequired", err)
	}
}

func TestDispatch_SignatureFromSomeoneElse(t *testing.T) {
	d, clk := newDispatcher(t, true)
	creator, _ := identity.GenerateSigner()
	mallory, _ := identity.GenerateSigner()

	cmd := core.DemoMarket
	cmd.Caller = creator.Address()
	cmd.RequestID = "create-1"
	cmd.ExpiresAt = clk.Now() + 60

	_, err := d.Dispatch(context.Background(), &cmd, sign(t, mallory, &cmd), "test")
	if !errors.Is(err, identity.ErrSignerMismatch) {
		t.Errorf("got %v, want ErrSignerMismatch", err)
	}
}

func TestDispatch_SignedWithoutRequestID(t *testing.T) {
	d, _ := newDispatcher(t, true)
	creator, _ := identity.GenerateSigner()

	cmd := core.DemoMarket
	cmd.Caller = creator.Address()

	_, err := d.Dispatch(context.Background(), &cmd, sign(t, creator, &cmd), "test")
	if !errors.Is(err, ingestion.ErrMalformed) {
		t.Errorf("got %v, want ErrMalformed", err)
	}
}

func TestDispatch_SignedExpiryBounds(t *testing.T) {
	d, clk := newDispatcher(t, true)
	creator, _ := identity.GenerateSigner()

	tests := []struct {
		name    string
		expires int64
		want    error
	}{
		{"no expiry", 0, ingestion.ErrMalformed},
		{"already expired", clk.Now() - 1, ingestion.ErrSignatureExpired},
		{"too far ahead", clk.Now() + ingestion.MaxSignatureLifetime + 1, ingestion.ErrMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := core.DemoMarket
			cmd.Caller = creator.Address()
			cmd.RequestID = "create-" + tt.name
			cmd.ExpiresAt = tt.expires
			if _, err := d.Dispatch(context.Background(), &cmd, sign(t, creator, &cmd), "test"); !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestDispatch_RejectedSignedCommandNotReplayableAfterExpiry(t *testing.T) {
	clk := clock.NewManual(1_700_000_000)
	e := core.NewEngine(core.Options{Clock: clk, Logger: zerolog.Nop()})
	d := ingestion.NewDispatcher(e, true, nil, zerolog.Nop())
	ctx := context.Background()
	creator, _ := identity.GenerateSigner()
	bettor, _ := identity.GenerateSigner()

	// Signed for a market that does not exist yet, so it never commits.
	bet := core.BetCmd{
		RequestID: "bet-1", Caller: bettor.Address(), MarketID: 1,
		Side: true, Amount: 100, ExpiresAt: clk.Now() + 60,
	}
	betSig := sign(t, bettor, &bet)
	if _, err := d.Dispatch(ctx, &bet, betSig, "test"); !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("first attempt err = %v, want ErrNotFound", err)
	}

	clk.Advance(61)
	create := core.DemoMarket
	create.Caller = creator.Address()
	create.RequestID = "create-1"
	create.ExpiresAt = clk.Now() + 60
	if _, err := d.Dispatch(ctx, &create, sign(t, creator, &create), "test"); err != nil {
		t.Fatalf("create: %v", err)
	}

	replay := bet
	if _, err := d.Dispatch(ctx, &replay, betSig, "test"); !errors.Is(err, ingestion.ErrSignatureExpired) {
		t.Fatalf("replay err = %v, want ErrSignatureExpired", err)
	}
	if yes, no, err := e.GetUserBets(1, bettor.Address()); err != nil || yes != 0 || no != 0 {
		t.Errorf("stakes after replay = %d/%d, %v; want none", yes, no, err)
	}
}

func TestDispatch_UnsignedAllowedWhenNotRequired(t *testing.T) {
	d, clk := newDispatcher(t, false)
	ctx := context.Background()

	create := core.DemoMarket
	create.Caller = testutil.Creator
	if _, err := d.Dispatch(ctx, &create, "", "test"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := d.Dispatch(ctx, &core.BetCmd{Caller: testutil.Alice, MarketID: 1, Side: true, Amount: 100}, "", "test"); err != nil {
		t.Fatalf("bet: %v", err)
	}
	clk.Advance(create.DurationSeconds)
	if _, err := d.Dispatch(ctx, &core.ResolveCmd{Caller: testutil.Creator, MarketID: 1, Outcome: true}, "", "test"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	res, err := d.Dispatch(ctx, &core.ClaimCmd{Caller: testutil.Alice, MarketID: 1}, "", "test")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if res.Payout != 100 {
		t.Errorf("payout = %d, want 100", res.Payout)
	}
}

// ============================================================================
// Stream handling
// ============================================================================

type ackRecorder struct{ acks, naks int }

func (r *ackRecorder) raw(subject, data string) ingestion.RawCommand {
	return ingestion.RawCommand{
		Subject: subject,
		Data:    []byte(data),
		AckFunc: func() { r.acks++ },
		NakFunc: func() { r.naks++ },
	}
}

func TestHandle_AcksTerminalOutcomes(t *testing.T) {
	d, _ := newDispatcher(t, false)
	ctx := context.Background()
	rec := &ackRecorder{}

	create := `{"request_id":"c-1","caller":"` + testutil.Creator.Hex() + `","question":"q","duration_seconds":60}`
	d.Handle(ctx, rec.raw(ingestion.SubjectCreate, create))
	// Duplicate, unknown market, then malformed.
	d.Handle(ctx, rec.raw(ingestion.SubjectCreate, create))
	d.Handle(ctx, rec.raw("molt.commands.bet.9", `{"caller":"`+alice+`","side":"yes","amount":"1"}`))
	d.Handle(ctx, rec.raw("molt.commands.bet.1", `garbage`))

	if rec.acks != 4 || rec.naks != 0 {
		t.Errorf("acks=%d naks=%d, want 4 and 0", rec.acks, rec.naks)
	}
}

func TestHandle_DomainErrorIsNotRetried(t *testing.T) {
	d, _ := newDispatcher(t, false)
	rec := &ackRecorder{}
	d.Handle(context.Background(), rec.raw("molt.commands.resolve.1", `{"caller":"`+alice+`","outcome":"yes"}`))
	if rec.acks != 1 || rec.naks != 0 {
		t.Errorf("acks=%d naks=%d: a NotFound resolve must not be redelivered", rec.acks, rec.naks)
	}
}

func TestHandle_ClosedEngineRedelivers(t *testing.T) {
	e := core.NewEngine(core.Options{Clock: clock.NewManual(1_700_000_000), Logger: zerolog.Nop()})
	d := ingestion.NewDispatcher(e, false, nil, zerolog.Nop())
	e.Close()

	rec := &ackRecorder{}
	d.Handle(context.Background(), rec.raw(ingestion.SubjectCreate, `{"caller":"`+alice+`","question":"q","duration_seconds":60}`))
	if rec.acks != 0 || rec.naks != 1 {
		t.Errorf("acks=%d naks=%d: a command refused at shutdown must be redelivered", rec.acks, rec.naks)
	}
	if e.MarketCount() != 0 {
		t.Error("market created after Close")
	}
}

func TestRun_DrainsUntilClosed(t *testing.T) {
	d, _ := newDispatcher(t, false)
	rec := &ackRecorder{}
	in := make(chan ingestion.RawCommand, 2)
	in <- rec.raw(ingestion.SubjectCreate, `{"caller":"`+alice+`","question":"a","duration_seconds":60}`)
	in <- rec.raw(ingestion.SubjectCreate, `{"caller":"`+alice+`","question":"b","duration_seconds":60}`)
	close(in)

	if err := d.Run(context.Background(), in); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rec.acks != 2 {
		t.Errorf("acks = %d, want 2", rec.acks)
	}
}

// ============================================================================
// Outbound publishing
// ============================================================================

type fakeStream struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
	done     chan struct{}
	want     int
}

func (f *fakeStream) Publish(_ context.Context, subject string, data []byte, _ ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subjects = append(f.subjects, subject)
	f.payloads = append(f.payloads, data)
	if len(f.subjects) == f.want {
		close(f.done)
	}
	return &jetstream.PubAck{Stream: ingestion.SettlementStream}, nil
}

func TestOutboundPublisher_Subjects(t *testing.T) {
	_, _, outputs := testutil.Settled(t)
	js := &fakeStream{done: make(chan struct{}), want: len(outputs)}
	pub := ingestion.NewOutboundPublisher(js, 16, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for _, o := range outputs {
		if err := pub.Publish(ctx, o); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}
	go pub.Run(ctx)
	<-js.done

	js.mu.Lock()
	defer js.mu.Unlock()
	want := []string{
		"molt.settlement.MarketCreated.1",
		"molt.settlement.BetPlaced.1",
		"molt.settlement.BetPlaced.1",
		"molt.settlement.MarketResolved.1",
		"molt.settlement.WinningsClaimed.1",
	}
	for i, s := range want {
		if js.subjects[i] != s {
			t.Errorf("subject %d = %s, want %s", i, js.subjects[i], s)
		}
	}
	var msg event.Message
	if err := json.Unmarshal(js.payloads[4], &msg); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if msg.Sequence != 5 || msg.EventType != "WinningsClaimed" {
		t.Errorf("message = %+v", msg)
	}
}

func TestOutboundPublisher_FullQueue(t *testing.T) {
	_, _, outputs := testutil.Settled(t)
	pub := ingestion.NewOutboundPublisher(&fakeStream{}, 1, zerolog.Nop())
	ctx := context.Background()

	if err := pub.Publish(ctx, outputs[0]); err != nil {
		t.Fatalf("first publish: %v", err)
	}
	if err := pub.Publish(ctx, outputs[1]); !errors.Is(err, ingestion.ErrPublishQueueFull) {
		t.Errorf("got %v, want ErrPublishQueueFull", err)
	}
}
