package ingestion_test

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mthdroid/moltpredict-skill/internal/core"
	"github.com/mthdroid/moltpredict-skill/internal/ingestion"
	"github.com/mthdroid/moltpredict-skill/internal/state"
)

const alice = "0x00000000000000000000000000000000000000a1"

func TestParseCreate(t *testing.T) {
	data := []byte(`{"request_id":"r-1","caller":"` + alice + `","question":"Will it rain?","duration_hours":24}`)
	cmd, err := ingestion.ParseCommand(ingestion.SubjectCreate, data)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	c, ok := cmd.(*core.CreateMarketCmd)
	if !ok {
		t.Fatalf("expected *core.CreateMarketCmd, got %T", cmd)
	}
	if c.Question != "Will it rain?" {
		t.Errorf("question: got %q", c.Question)
	}
	if c.DurationSeconds != 86400 {
		t.Errorf("duration: got %d, want 86400", c.DurationSeconds)
	}
	if c.RequestID != "r-1" || c.Caller != common.HexToAddress(alice) {
		t.Errorf("request %q caller %s", c.RequestID, c.Caller.Hex())
	}
}

func TestParseCreate_HoursOverflow(t *testing.T) {
	// 5124095576030432 * 3600 wraps to 3584 in int64.
	data := []byte(`{"caller":"` + alice + `","question":"q","duration_hours":5124095576030432}`)
	_, err := ingestion.ParseCommand(ingestion.SubjectCreate, data)
	if !errors.Is(err, state.ErrInvalidDuration) {
		t.Fatalf("err = %v, want ErrInvalidDuration", err)
	}
	if state.Code(err) != "INVALID_DURATION" {
		t.Errorf("code = %s", state.Code(err))
	}
}

func TestDurationSeconds(t *testing.T) {
	tests := []struct {
		seconds, hours int64
		want           int64
	}{
		{60, 0, 60},
		{0, 24, 86400},
		{120, 24, 120},
		{0, 0, 0},
		{0, -2, -7200},
	}
	for _, tt := range tests {
		got, err := ingestion.DurationSeconds(tt.seconds, tt.hours)
		if err != nil || got != tt.want {
			t.Errorf("DurationSeconds(%d, %d) = %d, %v; want %d", tt.seconds, tt.hours, got, err, tt.want)
		}
	}
}

func TestParseBet_DecimalAmount(t *testing.T) {
	data := []byte(`{"caller":"` + alice + `","side":"YES","amount":"1.5"}`)
	cmd, err := ingestion.ParseCommand(ingestion.MarketSubject("bet", 7), data)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	b := cmd.(*core.BetCmd)
	if b.MarketID != 7 {
		t.Errorf("market: got %d, want 7", b.MarketID)
	}
	if !b.Side {
		t.Error("side: got NO, want YES")
	}
	if b.Amount != 1_500_000 {
		t.Errorf("amount: got %d, want 1_500_000", b.Amount)
	}
}

func TestParseBet_UnitAmount(t *testing.T) {
	data := []byte(`{"caller":"` + alice + `","side":"no","amount_units":250}`)
	cmd, err := ingestion.ParseCommand("molt.commands.bet.3", data)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	b := cmd.(*core.BetCmd)
	if b.Side || b.Amount != 250 {
		t.Errorf("bet = %+v", b)
	}
}

func TestParseResolveAndClaim(t *testing.T) {
	cmd, err := ingestion.ParseCommand("molt.commands.resolve.2",
		[]byte(`{"caller":"`+alice+`","outcome":"no"}`))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if r := cmd.(*core.ResolveCmd); r.MarketID != 2 || r.Outcome {
		t.Errorf("resolve = %+v", r)
	}

	cmd, err = ingestion.ParseCommand("molt.commands.claim.2", []byte(`{"caller":"`+alice+`"}`))
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if c := cmd.(*core.ClaimCmd); c.MarketID != 2 {
		t.Errorf("claim = %+v", c)
	}
}

func TestParse_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		subject string
		data    string
	}{
		{"foreign subject", "perp.trades.x", `{}`},
		{"unknown verb", "molt.commands.refund.1", `{"caller":"` + alice + `"}`},
		{"missing market id", "molt.commands.bet", `{}`},
		{"zero market id", "molt.commands.claim.0", `{"caller":"` + alice + `"}`},
		{"create with id", "molt.commands.create.1", `{}`},
		{"bad caller", "molt.commands.claim.1", `{"caller":"bob"}`},
		{"unknown field", "molt.commands.claim.1", `{"caller":"` + alice + `","extra":1}`},
		{"bad side", "molt.commands.bet.1", `{"caller":"` + alice + `","side":"maybe","amount":"1"}`},
		{"both amounts", "molt.commands.bet.1", `{"caller":"` + alice + `","side":"yes","amount":"1","amount_units":5}`},
		{"too precise", "molt.commands.bet.1", `{"caller":"` + alice + `","side":"yes","amount":"0.0000001"}`},
		{"not json", "molt.commands.claim.1", `caller=` + alice},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ingestion.ParseCommand(tt.subject, []byte(tt.data))
			if err == nil {
				t.Fatal("expected an error")
			}
		})
	}
}

func TestParse_MalformedIsTyped(t *testing.T) {
	_, err := ingestion.ParseCommand("molt.commands.bet.1", []byte(`{"caller":"`+alice+`","side":"up"}`))
	if !errors.Is(err, ingestion.ErrMalformed) {
		t.Errorf("got %v, want ErrMalformed", err)
	}
}

func TestParseSide(t *testing.T) {
	for _, s := range []string{"yes", "YES", " y ", "true"} {
		if v, err := ingestion.ParseSide(s); err != nil || !v {
			t.Errorf("ParseSide(%q) = %t, %v", s, v, err)
		}
	}
	for _, s := range []string{"no", "No", "n", "false"} {
		if v, err := ingestion.ParseSide(s); err != nil || v {
			t.Errorf("ParseSide(%q) = %t, %v", s, v, err)
		}
	}
}
