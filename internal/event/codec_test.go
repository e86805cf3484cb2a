package event_test

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mthdroid/moltpredict-skill/internal/event"
)

func TestDecode_BetPlaced(t *testing.T) {
	in := &event.BetPlaced{
		RequestID:   "req-1",
		Market:      7,
		Participant: common.HexToAddress("0x00000000000000000000000000000000000000a1"),
		Side:        true,
		Amount:      1_000_000,
		PlacedAt:    1700000000,
	}
	payload, err := event.Encode(in)
	if err != nil {
		t.Fatal(err)
	}

	out, err := event.Decode(event.ParseEventType(in.EventType().String()), payload)
	if err != nil {
		t.Fatal(err)
	}
	bet, ok := out.(*event.BetPlaced)
	if !ok {
		t.Fatalf("decoded %T, want *event.BetPlaced", out)
	}
	if *bet != *in {
		t.Errorf("got %+v, want %+v", bet, in)
	}
	if out.MarketID() != 7 || out.OccurredAt() != 1700000000 || out.IdempotencyKey() != "req-1" {
		t.Error("interface accessors do not match payload")
	}
}

func TestDecode_UnknownType(t *testing.T) {
	if _, err := event.Decode(event.EventTypeUnknown, []byte("{}")); err == nil {
		t.Fatal("expected error for unknown event type")
	}
}

func TestParseEventType_RoundTrip(t *testing.T) {
	for _, et := range []event.EventType{
		event.EventTypeMarketCreated,
		event.EventTypeBetPlaced,
		event.EventTypeMarketResolved,
		event.EventTypeWinningsClaimed,
	} {
		if got := event.ParseEventType(et.String()); got != et {
			t.Errorf("%s: round trip gave %s", et, got)
		}
	}
	if event.ParseEventType("TradeFill") != event.EventTypeUnknown {
		t.Error("unrelated names must parse as Unknown")
	}
}
