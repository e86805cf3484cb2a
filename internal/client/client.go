// Package client is a Go client for the settlement HTTP API. When built
// with a signer it signs every command the way the server verifies them.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/mthdroid/moltpredict-skill/internal/core"
	"github.com/mthdroid/moltpredict-skill/internal/identity"
	"github.com/mthdroid/moltpredict-skill/internal/ingestion"
	"github.com/mthdroid/moltpredict-skill/internal/query"
	"github.com/mthdroid/moltpredict-skill/internal/server"
)

// APIError is a problem+json response.
type APIError struct {
	Status    int    `json:"status"`
	Code      string `json:"code"`
	Detail    string `json:"detail"`
	RequestID string `json:"request_id"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Detail)
}

// signatureTTL is how long a signed command stays valid.
const signatureTTL = 5 * time.Minute

type Client struct {
	baseURL string
	http    *http.Client
	signer  *identity.Signer
	caller  common.Address
	now     func() time.Time
}

type Option func(*Client)

// WithSigner signs commands with s and acts as its address.
func WithSigner(s *identity.Signer) Option {
	return func(c *Client) {
		c.signer = s
		c.caller = s.Address()
	}
}

// WithCaller sends unsigned commands as addr. Only useful against servers
// that do not require signatures.
func WithCaller(addr common.Address) Option {
	return func(c *Client) { c.caller = addr }
}

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithClock sets the clock signed commands take their expiry from.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 15 * time.Second},
		now:     time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Caller is the address commands are sent as.
func (c *Client) Caller() common.Address { return c.caller }

// ============================================================================
// Reads
// ============================================================================

func (c *Client) Markets(ctx context.Context, limit, offset int) (*query.MarketPage, error) {
	q := url.Values{}
	q.Set("limit", fmt.Sprint(limit))
	q.Set("offset", fmt.Sprint(offset))
	var page query.MarketPage
	if err := c.do(ctx, http.MethodGet, "/v1/markets?"+q.Encode(), "", nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

func (c *Client) MarketCount(ctx context.Context) (uint64, error) {
	var resp server.MarketCountResponse
	if err := c.do(ctx, http.MethodGet, "/v1/markets/count", "", nil, &resp); err != nil {
		return 0, err
	}
	return resp.Count, nil
}

func (c *Client) Market(ctx context.Context, id uint64) (*query.MarketView, error) {
	var resp server.MarketResponse
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/v1/markets/%d", id), "", nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Market, nil
}

func (c *Client) UserBets(ctx context.Context, id uint64, participant common.Address) (*query.BetView, error) {
	var resp server.UserBetsResponse
	path := fmt.Sprintf("/v1/markets/%d/bets/%s", id, participant.Hex())
	if err := c.do(ctx, http.MethodGet, path, "", nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Bet, nil
}

// ============================================================================
// Commands
// ============================================================================

func (c *Client) CreateMarket(ctx context.Context, question string, durationSeconds int64) (*query.MarketView, error) {
	req := server.CreateMarketRequest{RequestID: uuid.NewString(), Question: question, DurationSeconds: durationSeconds, ExpiresAt: c.expiry()}
	cmd := core.CreateMarketCmd{RequestID: req.RequestID, Question: question, DurationSeconds: durationSeconds, ExpiresAt: req.ExpiresAt}
	sig, err := c.sign(cmd.SigningPayload())
	if err != nil {
		return nil, err
	}
	var resp server.MarketResponse
	if err := c.do(ctx, http.MethodPost, "/v1/markets", sig, req, &resp); err != nil {
		return nil, err
	}
	return &resp.Market, nil
}

// Bet stakes amount, a decimal string such as "2.5", on side "yes" or "no".
func (c *Client) Bet(ctx context.Context, id uint64, side, amount string) (*query.BetView, error) {
	yes, err := ingestion.ParseSide(side)
	if err != nil {
		return nil, err
	}
	units, err := ingestion.ParseAmount(amount, 0)
	if err != nil {
		return nil, err
	}
	req := server.BetRequest{RequestID: uuid.NewString(), Side: side, AmountUnits: units, ExpiresAt: c.expiry()}
	cmd := core.BetCmd{RequestID: req.RequestID, MarketID: id, Side: yes, Amount: units, ExpiresAt: req.ExpiresAt}
	sig, err := c.sign(cmd.SigningPayload())
	if err != nil {
		return nil, err
	}
	var resp server.BetResponse
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/markets/%d/bets", id), sig, req, &resp); err != nil {
		return nil, err
	}
	return &resp.Bet, nil
}

func (c *Client) Resolve(ctx context.Context, id uint64, outcome string) (*query.MarketView, error) {
	yes, err := ingestion.ParseSide(outcome)
	if err != nil {
		return nil, err
	}
	req := server.ResolveRequest{RequestID: uuid.NewString(), Outcome: outcome, ExpiresAt: c.expiry()}
	cmd := core.ResolveCmd{RequestID: req.RequestID, MarketID: id, Outcome: yes, ExpiresAt: req.ExpiresAt}
	sig, err := c.sign(cmd.SigningPayload())
	if err != nil {
		return nil, err
	}
	var resp server.MarketResponse
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/markets/%d/resolve", id), sig, req, &resp); err != nil {
		return nil, err
	}
	return &resp.Market, nil
}

// Claim collects winnings and returns the payout.
func (c *Client) Claim(ctx context.Context, id uint64) (query.Amount, error) {
	req := server.ClaimRequest{RequestID: uuid.NewString(), ExpiresAt: c.expiry()}
	cmd := core.ClaimCmd{RequestID: req.RequestID, MarketID: id, ExpiresAt: req.ExpiresAt}
	sig, err := c.sign(cmd.SigningPayload())
	if err != nil {
		return query.Amount{}, err
	}
	var resp server.ClaimResponse
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/markets/%d/claim", id), sig, req, &resp); err != nil {
		return query.Amount{}, err
	}
	return resp.Payout, nil
}

// expiry is zero for unsigned clients so their bodies stay unchanged.
func (c *Client) expiry() int64 {
	if c.signer == nil {
		return 0
	}
	return c.now().Add(signatureTTL).Unix()
}

func (c *Client) sign(payload string) (string, error) {
	if c.signer == nil {
		return "", nil
	}
	return c.signer.Sign(payload)
}

func (c *Client) do(ctx context.Context, method, path, sig string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.caller != (common.Address{}) {
		req.Header.Set(server.CallerHeader, c.caller.Hex())
	}
	if sig != "" {
		req.Header.Set(server.SignatureHeader, sig)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(apiErr); err != nil {
			apiErr.Detail = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
