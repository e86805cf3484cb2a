package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"github.com/mthdroid/moltpredict-skill/internal/clock"
	"github.com/mthdroid/moltpredict-skill/internal/core"
	"github.com/mthdroid/moltpredict-skill/internal/identity"
	"github.com/mthdroid/moltpredict-skill/internal/ingestion"
	"github.com/mthdroid/moltpredict-skill/internal/observability"
	"github.com/mthdroid/moltpredict-skill/internal/query"
	"github.com/mthdroid/moltpredict-skill/internal/server"
	"github.com/mthdroid/moltpredict-skill/internal/testutil"
)

func newDeps(t *testing.T, requireSigs bool) (server.Deps, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(1_700_000_000)
	e := core.NewEngine(core.Options{Clock: clk, Logger: zerolog.Nop(), PostChecks: true})
	return server.Deps{
		Engine:     e,
		Dispatcher: ingestion.NewDispatcher(e, requireSigs, nil, zerolog.Nop()),
		Health:     observability.NewHealthChecker(),
		Logger:     zerolog.Nop(),
	}, clk
}

func newTestServer(t *testing.T, requireSigs bool) (*httptest.Server, *clock.Manual) {
	t.Helper()
	deps, clk := newDeps(t, requireSigs)
	srv := httptest.NewServer(server.NewRouter(deps))
	t.Cleanup(srv.Close)
	return srv, clk
}

type problem struct {
	Title  string `json:"title"`
	Status int    `json:"status"`
	Code   string `json:"code"`
}

func do(t *testing.T, srv *httptest.Server, method, path string, caller common.Address, sig string, body, out any) int {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, srv.URL+path, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if caller != (common.Address{}) {
		req.Header.Set(server.CallerHeader, caller.Hex())
	}
	if sig != "" {
		req.Header.Set(server.SignatureHeader, sig)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("%s %s: decode: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

// ============================================================================
// Settlement flow
// ============================================================================

func TestHTTP_SettlementFlow(t *testing.T) {
	srv, clk := newTestServer(t, false)
	none := common.Address{}

	var created server.MarketResponse
	if code := do(t, srv, "POST", "/v1/markets", testutil.Creator, "",
		server.CreateMarketRequest{Question: core.DemoMarket.Question, DurationHours: 24}, &created); code != http.StatusCreated {
		t.Fatalf("create: status %d", code)
	}
	if created.Market.ID != 1 || created.Market.EndTime != 1_700_000_000+86400 || created.Market.Status != query.StatusActive {
		t.Fatalf("created = %+v", created.Market)
	}

	var placed server.BetResponse
	if code := do(t, srv, "POST", "/v1/markets/1/bets", testutil.Alice, "",
		server.BetRequest{Side: "yes", Amount: "0.0001"}, &placed); code != http.StatusCreated {
		t.Fatalf("bet alice: status %d", code)
	}
	if placed.Bet.Yes.Units != 100 {
		t.Errorf("alice yes = %+v", placed.Bet.Yes)
	}
	if code := do(t, srv, "POST", "/v1/markets/1/bets", testutil.Bob, "",
		server.BetRequest{Side: "no", AmountUnits: 50}, nil); code != http.StatusCreated {
		t.Fatalf("bet bob: status %d", code)
	}

	var bets server.UserBetsResponse
	do(t, srv, "GET", fmt.Sprintf("/v1/markets/1/bets/%s", testutil.Bob.Hex()), none, "", nil, &bets)
	if bets.Bet.No.Units != 50 || bets.Bet.Yes.Units != 0 {
		t.Errorf("bob bets = %+v", bets.Bet)
	}

	clk.Advance(86400)

	var resolved server.MarketResponse
	if code := do(t, srv, "POST", "/v1/markets/1/resolve", testutil.Creator, "",
		server.ResolveRequest{Outcome: "yes"}, &resolved); code != http.StatusOK {
		t.Fatalf("resolve: status %d", code)
	}
	if resolved.Market.Status != query.StatusResolvedYes || resolved.Market.TotalPool.Units != 150 {
		t.Errorf("resolved = %+v", resolved.Market)
	}

	var escrow query.EscrowView
	do(t, srv, "GET", "/v1/markets/1/escrow", none, "", nil, &escrow)
	if !escrow.Balanced || escrow.Ledger.Units != 150 {
		t.Errorf("escrow before claim = %+v", escrow)
	}

	var claim server.ClaimResponse
	if code := do(t, srv, "POST", "/v1/markets/1/claim", testutil.Alice, "", server.ClaimRequest{}, &claim); code != http.StatusOK {
		t.Fatalf("claim: status %d", code)
	}
	if claim.Payout.Units != 150 || claim.Payout.Decimal != "0.000150" {
		t.Errorf("payout = %+v", claim.Payout)
	}

	var p problem
	if code := do(t, srv, "POST", "/v1/markets/1/claim", testutil.Bob, "", server.ClaimRequest{}, &p); code != http.StatusUnprocessableEntity {
		t.Errorf("bob claim: status %d", code)
	}
	if p.Code != "NOTHING_TO_CLAIM" {
		t.Errorf("bob claim code = %q", p.Code)
	}

	do(t, srv, "GET", "/v1/markets/1/escrow", none, "", nil, &escrow)
	if !escrow.Balanced || escrow.Expected.Units != 0 || escrow.Ledger.Units != 0 {
		t.Errorf("escrow after claim = %+v", escrow)
	}

	var count server.MarketCountResponse
	do(t, srv, "GET", "/v1/markets/count", none, "", nil, &count)
	if count.Count != 1 || count.AsOfSequence != 5 {
		t.Errorf("count = %+v", count)
	}

	var page query.MarketPage
	do(t, srv, "GET", "/v1/markets?limit=10", none, "", nil, &page)
	if page.Total != 1 || len(page.Markets) != 1 || page.Markets[0].PaidOut.Units != 150 {
		t.Errorf("page = %+v", page)
	}
}

// ============================================================================
// Errors
// ============================================================================

func TestHTTP_ErrorMapping(t *testing.T) {
	srv, _ := newTestServer(t, false)
	do(t, srv, "POST", "/v1/markets", testutil.Creator, "",
		server.CreateMarketRequest{Question: "q", DurationSeconds: 60}, nil)

	tests := []struct {
		name   string
		method string
		path   string
		caller common.Address
		body   any
		status int
		code   string
	}{
		{"unknown market", "POST", "/v1/markets/9/bets", testutil.Alice,
			server.BetRequest{Side: "yes", AmountUnits: 1}, http.StatusNotFound, "NOT_FOUND"},
		{"bad market id", "GET", "/v1/markets/abc", common.Address{}, nil, http.StatusNotFound, "NOT_FOUND"},
		{"zero amount", "POST", "/v1/markets/1/bets", testutil.Alice,
			server.BetRequest{Side: "yes"}, http.StatusBadRequest, "INVALID_AMOUNT"},
		{"zero duration", "POST", "/v1/markets", testutil.Alice,
			server.CreateMarketRequest{Question: "q"}, http.StatusBadRequest, "INVALID_DURATION"},
		{"hours overflow seconds", "POST", "/v1/markets", testutil.Alice,
			server.CreateMarketRequest{Question: "q", DurationHours: 5124095576030432}, http.StatusBadRequest, "INVALID_DURATION"},
		{"resolve before end", "POST", "/v1/markets/1/resolve", testutil.Creator,
			server.ResolveRequest{Outcome: "no"}, http.StatusConflict, "MARKET_STILL_OPEN"},
		{"claim unresolved", "POST", "/v1/markets/1/claim", testutil.Alice,
			server.ClaimRequest{}, http.StatusConflict, "MARKET_NOT_RESOLVED"},
		{"missing caller", "POST", "/v1/markets/1/claim", common.Address{},
			server.ClaimRequest{}, http.StatusBadRequest, "INVALID_REQUEST"},
		{"bad side", "POST", "/v1/markets/1/bets", testutil.Alice,
			server.BetRequest{Side: "sideways", AmountUnits: 1}, http.StatusBadRequest, "INVALID_REQUEST"},
		{"unknown field", "POST", "/v1/markets/1/claim", testutil.Alice,
			map[string]any{"amount": 5}, http.StatusBadRequest, "INVALID_REQUEST"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var p problem
			code := do(t, srv, tt.method, tt.path, tt.caller, "", tt.body, &p)
			if code != tt.status || p.Code != tt.code {
				t.Errorf("got %d %s, want %d %s", code, p.Code, tt.status, tt.code)
			}
		})
	}
}

func TestHTTP_ResolveAuthorization(t *testing.T) {
	srv, clk := newTestServer(t, false)
	do(t, srv, "POST", "/v1/markets", testutil.Creator, "",
		server.CreateMarketRequest{Question: "q", DurationSeconds: 60}, nil)
	clk.Advance(60)

	var p problem
	if code := do(t, srv, "POST", "/v1/markets/1/resolve", testutil.Bob, "",
		server.ResolveRequest{Outcome: "yes"}, &p); code != http.StatusForbidden || p.Code != "UNAUTHORIZED" {
		t.Errorf("non-creator resolve: %d %s", code, p.Code)
	}
	do(t, srv, "POST", "/v1/markets/1/resolve", testutil.Creator, "", server.ResolveRequest{Outcome: "yes"}, nil)
	if code := do(t, srv, "POST", "/v1/markets/1/resolve", testutil.Creator, "",
		server.ResolveRequest{Outcome: "no"}, &p); code != http.StatusConflict || p.Code != "ALREADY_RESOLVED" {
		t.Errorf("second resolve: %d %s", code, p.Code)
	}
}

func TestHTTP_DuplicateRequest(t *testing.T) {
	srv, _ := newTestServer(t, false)
	req := server.CreateMarketRequest{RequestID: "same", Question: "q", DurationSeconds: 60}
	do(t, srv, "POST", "/v1/markets", testutil.Creator, "", req, nil)

	var p problem
	if code := do(t, srv, "POST", "/v1/markets", testutil.Creator, "", req, &p); code != http.StatusConflict || p.Code != "DUPLICATE_REQUEST" {
		t.Errorf("replayed create: %d %s", code, p.Code)
	}
}

// ============================================================================
// Signatures
// ============================================================================

func TestHTTP_Signatures(t *testing.T) {
	srv, _ := newTestServer(t, true)
	signer, err := identity.GenerateSigner()
	if err != nil {
		t.Fatalf("GenerateSigner: %v", err)
	}
	req := server.CreateMarketRequest{RequestID: "signed-1", Question: "q", DurationSeconds: 60, ExpiresAt: 1_700_000_060}

	var p problem
	if code := do(t, srv, "POST", "/v1/markets", signer.Address(), "", req, &p); code != http.StatusUnauthorized {
		t.Errorf("unsigned: status %d", code)
	}

	cmd := core.CreateMarketCmd{RequestID: req.RequestID, Question: req.Question, DurationSeconds: req.DurationSeconds, ExpiresAt: req.ExpiresAt}
	sig, err := signer.Sign(cmd.SigningPayload())
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if code := do(t, srv, "POST", "/v1/markets", testutil.Alice, sig, req, &p); code != http.StatusUnauthorized {
		t.Errorf("signature for another caller: status %d", code)
	}

	var created server.MarketResponse
	if code := do(t, srv, "POST", "/v1/markets", signer.Address(), sig, req, &created); code != http.StatusCreated {
		t.Fatalf("signed: status %d", code)
	}
	if created.Market.Creator != signer.Address().Hex() {
		t.Errorf("creator = %s", created.Market.Creator)
	}
}

func TestHTTP_ExpiredSignature(t *testing.T) {
	srv, clk := newTestServer(t, true)
	signer, err := identity.GenerateSigner()
	if err != nil {
		t.Fatalf("GenerateSigner: %v", err)
	}
	req := server.CreateMarketRequest{RequestID: "signed-2", Question: "q", DurationSeconds: 60, ExpiresAt: clk.Now() + 30}
	cmd := core.CreateMarketCmd{RequestID: req.RequestID, Question: req.Question, DurationSeconds: req.DurationSeconds, ExpiresAt: req.ExpiresAt}
	sig, err := signer.Sign(cmd.SigningPayload())
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	clk.Advance(31)
	var p problem
	if code := do(t, srv, "POST", "/v1/markets", signer.Address(), sig, req, &p); code != http.StatusUnauthorized || p.Code != "UNAUTHENTICATED" {
		t.Errorf("expired signature = %d %s, want 401 UNAUTHENTICATED", code, p.Code)
	}
}

// ============================================================================
// Misc endpoints
// ============================================================================

func TestHTTP_PositionsNeedProjection(t *testing.T) {
	srv, _ := newTestServer(t, false)
	var p problem
	code := do(t, srv, "GET", "/v1/participants/"+testutil.Alice.Hex()+"/positions", common.Address{}, "", nil, &p)
	if code != http.StatusServiceUnavailable {
		t.Errorf("status %d", code)
	}
}

func TestHTTP_Health(t *testing.T) {
	deps, _ := newDeps(t, false)
	srv := httptest.NewServer(server.NewRouter(deps))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("readyz before recovery: %d", resp.StatusCode)
	}

	deps.Health.SetReady(true)
	resp, err = http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("readyz after recovery: %d", resp.StatusCode)
	}
}

// ============================================================================
// Shutdown
// ============================================================================

func TestHTTP_ClosedEngineUnavailable(t *testing.T) {
	deps, _ := newDeps(t, false)
	srv := httptest.NewServer(server.NewRouter(deps))
	t.Cleanup(srv.Close)

	deps.Engine.Close()

	var p problem
	code := do(t, srv, "POST", "/v1/markets", testutil.Creator, "",
		server.CreateMarketRequest{Question: "q", DurationSeconds: 60}, &p)
	if code != http.StatusServiceUnavailable || p.Code != "SHUTTING_DOWN" {
		t.Errorf("create after Close = %d %s, want 503 SHUTTING_DOWN", code, p.Code)
	}
	if deps.Engine.MarketCount() != 0 {
		t.Error("market created after Close")
	}
}

func TestHTTPServer_ServeWaitsForInFlightRequests(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
		w.WriteHeader(http.StatusOK)
	})

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	served := make(chan error, 1)
	go func() {
		served <- server.NewHTTPServer("test", "", h, zerolog.Nop()).Serve(ctx, lis)
	}()

	status := make(chan int, 1)
	go func() {
		resp, err := http.Get("http://" + lis.Addr().String() + "/")
		if err != nil {
			status <- 0
			return
		}
		resp.Body.Close()
		status <- resp.StatusCode
	}()

	<-entered
	cancel()

	select {
	case err := <-served:
		t.Fatalf("Serve returned with a request in flight: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	if code := <-status; code != http.StatusOK {
		t.Errorf("in-flight request status = %d, want 200", code)
	}
	if err := <-served; err != nil {
		t.Errorf("Serve: %v", err)
	}
}
