package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/mthdroid/moltpredict-skill/internal/core"
	"github.com/mthdroid/moltpredict-skill/internal/identity"
	"github.com/mthdroid/moltpredict-skill/internal/ingestion"
	"github.com/mthdroid/moltpredict-skill/internal/observability"
	"github.com/mthdroid/moltpredict-skill/internal/query"
	"github.com/mthdroid/moltpredict-skill/internal/state"
)

const (
	CallerHeader    = "X-Molt-Caller"
	SignatureHeader = "X-Molt-Signature"

	maxBodyBytes = 1 << 20

	httpDrainTimeout = 10 * time.Second
)

// Deps holds what the transports need.
type Deps struct {
	Engine         *core.Engine
	Dispatcher     *ingestion.Dispatcher
	Queries        *query.QueryService // optional; listings fall back to the engine
	Hub            *Hub                // optional
	Health         *observability.HealthChecker
	Metrics        *observability.Metrics
	Logger         zerolog.Logger
	RequestTimeout time.Duration
}

type api struct {
	Deps
}

// NewRouter builds the HTTP/JSON API.
func NewRouter(d Deps) http.Handler {
	if d.RequestTimeout <= 0 {
		d.RequestTimeout = 10 * time.Second
	}
	a := &api{Deps: d}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(a.logRequests)
	r.Use(middleware.Recoverer)

	if d.Health != nil {
		r.Get("/healthz", d.Health.LivenessHandler)
		r.Get("/readyz", d.Health.ReadinessHandler)
	}
	if d.Hub != nil {
		r.Get("/ws", d.Hub.HandleWS)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(d.RequestTimeout))

		r.Get("/markets", a.listMarkets)
		r.Post("/markets", a.createMarket)
		r.Get("/markets/count", a.marketCount)
		r.Route("/markets/{id}", func(r chi.Router) {
			r.Get("/", a.getMarket)
			r.Get("/view", a.marketView)
			r.Get("/escrow", a.escrow)
			r.Get("/bets/{participant}", a.userBets)
			r.Post("/bets", a.bet)
			r.Post("/resolve", a.resolve)
			r.Post("/claim", a.claim)
		})
		r.Get("/participants/{participant}/positions", a.positions)
	})
	return r
}

// ============================================================================
// Reads
// ============================================================================

func (a *api) listMarkets(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r)
	now := a.Engine.Now()

	if a.Queries != nil {
		page, err := a.Queries.ListMarkets(r.Context(), limit, offset, now)
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, page)
		return
	}

	seq := a.Engine.GetSequence()
	page := query.MarketPage{
		Markets:      []query.MarketView{},
		Total:        int64(a.Engine.MarketCount()),
		Limit:        limit,
		Offset:       offset,
		AsOfSequence: seq,
	}
	for _, m := range a.Engine.Markets(offset, limit) {
		page.Markets = append(page.Markets, query.NewMarketView(m, now, seq))
	}
	writeJSON(w, http.StatusOK, page)
}

func (a *api) marketCount(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, MarketCountResponse{
		Count:        a.Engine.MarketCount(),
		AsOfSequence: a.Engine.GetSequence(),
	})
}

func (a *api) getMarket(w http.ResponseWriter, r *http.Request) {
	id, ok := a.marketID(w, r)
	if !ok {
		return
	}
	m, err := a.Engine.GetMarket(id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, MarketResponse{
		Market: query.NewMarketView(m, a.Engine.Now(), a.Engine.GetSequence()),
	})
}

// marketView serves the projected (possibly cached) view. It may trail
// getMarket by the projection lag reported in as_of_sequence.
func (a *api) marketView(w http.ResponseWriter, r *http.Request) {
	if a.Queries == nil {
		a.getMarket(w, r)
		return
	}
	id, ok := a.marketID(w, r)
	if !ok {
		return
	}
	v, err := a.Queries.GetMarketView(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, MarketResponse{Market: *v})
}

// escrow reports whether the market's ledger escrow account matches its
// pools net of payouts.
func (a *api) escrow(w http.ResponseWriter, r *http.Request) {
	id, ok := a.marketID(w, r)
	if !ok {
		return
	}
	m, err := a.Engine.GetMarket(id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, query.NewEscrowView(m, a.Engine.EscrowBalance(id), a.Engine.GetSequence()))
}

func (a *api) userBets(w http.ResponseWriter, r *http.Request) {
	id, ok := a.marketID(w, r)
	if !ok {
		return
	}
	participant, err := identity.ParseAddress(chi.URLParam(r, "participant"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	bet, _, err := a.Engine.GetBet(id, participant)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	bet.MarketID, bet.Participant = id, participant
	writeJSON(w, http.StatusOK, UserBetsResponse{
		Bet:          query.NewBetView(bet),
		AsOfSequence: a.Engine.GetSequence(),
	})
}

func (a *api) positions(w http.ResponseWriter, r *http.Request) {
	participant, err := identity.ParseAddress(chi.URLParam(r, "participant"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if a.Queries == nil {
		writeProblem(w, r, http.StatusServiceUnavailable, "projection_unavailable",
			"PROJECTION_UNAVAILABLE", "positions are served from the projection store, which is not configured")
		return
	}
	positions, err := a.Queries.ParticipantPositions(r.Context(), participant)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": positions})
}

// ============================================================================
// Commands
// ============================================================================

func (a *api) createMarket(w http.ResponseWriter, r *http.Request) {
	caller, ok := a.caller(w, r)
	if !ok {
		return
	}
	var req CreateMarketRequest
	if !a.decode(w, r, &req) {
		return
	}
	cmd, err := req.command(caller)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	res, err := a.Dispatcher.Dispatch(r.Context(), cmd, r.Header.Get(SignatureHeader), "http")
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/v1/markets/%d", res.MarketID))
	writeJSON(w, http.StatusCreated, MarketResponse{
		Market: query.NewMarketView(*res.Market, a.Engine.Now(), a.Engine.GetSequence()),
	})
}

func (a *api) bet(w http.ResponseWriter, r *http.Request) {
	caller, ok := a.caller(w, r)
	if !ok {
		return
	}
	id, ok := a.marketID(w, r)
	if !ok {
		return
	}
	var req BetRequest
	if !a.decode(w, r, &req) {
		return
	}
	req.MarketID = id
	cmd, err := req.command(caller)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	res, err := a.Dispatcher.Dispatch(r.Context(), cmd, r.Header.Get(SignatureHeader), "http")
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, BetResponse{RequestID: res.RequestID, Bet: query.NewBetView(*res.Bet)})
}

func (a *api) resolve(w http.ResponseWriter, r *http.Request) {
	caller, ok := a.caller(w, r)
	if !ok {
		return
	}
	id, ok := a.marketID(w, r)
	if !ok {
		return
	}
	var req ResolveRequest
	if !a.decode(w, r, &req) {
		return
	}
	req.MarketID = id
	cmd, err := req.command(caller)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	res, err := a.Dispatcher.Dispatch(r.Context(), cmd, r.Header.Get(SignatureHeader), "http")
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, MarketResponse{
		Market: query.NewMarketView(*res.Market, a.Engine.Now(), a.Engine.GetSequence()),
	})
}

func (a *api) claim(w http.ResponseWriter, r *http.Request) {
	caller, ok := a.caller(w, r)
	if !ok {
		return
	}
	id, ok := a.marketID(w, r)
	if !ok {
		return
	}
	var req ClaimRequest
	if !a.decode(w, r, &req) {
		return
	}
	req.MarketID = id
	res, err := a.Dispatcher.Dispatch(r.Context(), req.command(caller), r.Header.Get(SignatureHeader), "http")
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ClaimResponse{
		RequestID: res.RequestID,
		MarketID:  res.MarketID,
		Payout:    query.NewAmount(res.Payout),
	})
}

// ============================================================================
// Helpers
// ============================================================================

func (a *api) caller(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	caller, err := identity.ParseAddress(r.Header.Get(CallerHeader))
	if err != nil {
		a.writeError(w, r, fmt.Errorf("%s header: %w", CallerHeader, err))
		return common.Address{}, false
	}
	return caller, true
}

func (a *api) marketID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id == 0 {
		a.writeError(w, r, fmt.Errorf("market id %q: %w", chi.URLParam(r, "id"), state.ErrNotFound))
		return 0, false
	}
	return id, true
}

func (a *api) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		a.writeError(w, r, fmt.Errorf("%w: %v", ingestion.ErrMalformed, err))
		return false
	}
	return true
}

func pageParams(r *http.Request) (limit, offset int) {
	limit, offset = 50, 0
	q := r.URL.Query()
	if n, err := strconv.Atoi(q.Get("limit")); err == nil && n > 0 {
		limit = min(n, 500)
	}
	if n, err := strconv.Atoi(q.Get("offset")); err == nil && n >= 0 {
		offset = n
	}
	return limit, offset
}

func (a *api) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := classify(err)
	if kind.httpStatus >= 500 {
		a.Logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	if errors.Is(err, context.DeadlineExceeded) {
		kind = errorKind{code: "TIMEOUT", httpStatus: http.StatusGatewayTimeout}
	}
	writeProblem(w, r, kind.httpStatus, kind.title(), kind.code, err.Error())
}

func writeProblem(w http.ResponseWriter, r *http.Request, status int, title, code, detail string) {
	reqID := middleware.GetReqID(r.Context())
	w.Header().Set("Content-Type", "application/problem+json")
	w.Header().Set("X-Request-ID", reqID)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"title":      title,
		"status":     status,
		"code":       code,
		"detail":     detail,
		"instance":   r.URL.Path,
		"request_id": reqID,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// logRequests logs each request and records the query metrics under the
// matched route pattern.
func (a *api) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		elapsed := time.Since(start)
		if a.Metrics != nil {
			a.Metrics.QueryRequests.WithLabelValues(r.Method+" "+route, strconv.Itoa(ww.Status())).Inc()
			a.Metrics.QueryDuration.WithLabelValues(r.Method + " " + route).Observe(elapsed.Seconds())
		}
		a.Logger.Debug().
			Str("method", r.Method).
			Str("route", route).
			Int("status", ww.Status()).
			Dur("elapsed", elapsed).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}

// ============================================================================
// Listeners
// ============================================================================

// HTTPServer runs one HTTP listener until its context ends.
type HTTPServer struct {
	srv  *http.Server
	name string
	log  zerolog.Logger
}

func NewHTTPServer(name, addr string, h http.Handler, log zerolog.Logger) *HTTPServer {
	return &HTTPServer{
		name: name,
		log:  log,
		srv: &http.Server{
			Addr:              addr,
			Handler:           h,
			ReadHeaderTimeout: 5 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
	}
}

// NewMetricsServer serves /metrics from g on its own listener.
func NewMetricsServer(addr string, g prometheus.Gatherer, log zerolog.Logger) *HTTPServer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	return NewHTTPServer("metrics", addr, mux, log)
}

// Start serves until ctx is done, then shuts down gracefully. It returns
// once in-flight requests have finished or the drain timeout expired.
func (s *HTTPServer) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("%s listen: %w", s.name, err)
	}
	return s.Serve(ctx, lis)
}

// Serve is Start on an existing listener.
func (s *HTTPServer) Serve(ctx context.Context, lis net.Listener) error {
	drained := make(chan error, 1)
	go func() {
		<-ctx.Done()
		s.log.Info().Str("server", s.name).Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), httpDrainTimeout)
		defer cancel()
		drained <- s.srv.Shutdown(shutdownCtx)
	}()

	s.log.Info().Str("server", s.name).Str("addr", lis.Addr().String()).Msg("listening")
	if err := s.srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s server: %w", s.name, err)
	}
	// Serve returns as soon as Shutdown closes the listener; handlers may
	// still be running.
	if err := <-drained; err != nil {
		return fmt.Errorf("%s drain: %w", s.name, err)
	}
	return nil
}
