package core

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mthdroid/moltpredict-skill/internal/event"
)

// SigningDomain prefixes every signing payload.
const SigningDomain = "moltpredict/v1"

var (
	// ErrDuplicateRequest is returned when a request id was already applied.
	ErrDuplicateRequest = errors.New("duplicate request")
	// ErrEscrow wraps failures of the escrow collaborator.
	ErrEscrow = errors.New("escrow transfer failed")
	// ErrEngineClosed is returned for commands arriving after Close.
	ErrEngineClosed = errors.New("engine closed")
)

// Command is a state-changing request against the settlement core.
type Command interface {
	// Name is the command verb: create, bet, resolve, claim.
	Name() string
	// EventType is the type of the event the command produces.
	EventType() event.EventType
	// CallerAddress is the identity the command acts as.
	CallerAddress() common.Address
	// SigningPayload is the canonical text the caller signs.
	SigningPayload() string
	// Key is the request id used for deduplication.
	Key() string
	// Expiry is the unix time after which a signature over the command is
	// no longer accepted. Zero on unsigned commands.
	Expiry() int64
	setKey(string)
}

type CreateMarketCmd struct {
	RequestID       string         `json:"request_id"`
	Caller          common.Address `json:"caller"`
	Question        string         `json:"question"`
	DurationSeconds int64          `json:"duration_seconds"`
	ExpiresAt       int64          `json:"expires_at,omitempty"`
}

func (c *CreateMarketCmd) Name() string                  { return "create" }
func (c *CreateMarketCmd) EventType() event.EventType    { return event.EventTypeMarketCreated }
func (c *CreateMarketCmd) CallerAddress() common.Address { return c.Caller }
func (c *CreateMarketCmd) Key() string                   { return c.RequestID }
func (c *CreateMarketCmd) setKey(k string)               { c.RequestID = k }
func (c *CreateMarketCmd) Expiry() int64                 { return c.ExpiresAt }

func (c *CreateMarketCmd) SigningPayload() string {
	return fmt.Sprintf("%s create question=%q duration=%d request=%s expires=%d",
		SigningDomain, c.Question, c.DurationSeconds, c.RequestID, c.ExpiresAt)
}

type BetCmd struct {
	RequestID string         `json:"request_id"`
	Caller    common.Address `json:"caller"`
	MarketID  uint64         `json:"market_id"`
	Side      bool           `json:"side"` // true = YES
	Amount    int64          `json:"amount"`
	ExpiresAt int64          `json:"expires_at,omitempty"`
}

func (c *BetCmd) Name() string                  { return "bet" }
func (c *BetCmd) EventType() event.EventType    { return event.EventTypeBetPlaced }
func (c *BetCmd) CallerAddress() common.Address { return c.Caller }
func (c *BetCmd) Key() string                   { return c.RequestID }
func (c *BetCmd) setKey(k string)               { c.RequestID = k }
func (c *BetCmd) Expiry() int64                 { return c.ExpiresAt }

func (c *BetCmd) SigningPayload() string {
	return fmt.Sprintf("%s bet market=%d side=%t amount=%d request=%s expires=%d",
		SigningDomain, c.MarketID, c.Side, c.Amount, c.RequestID, c.ExpiresAt)
}

type ResolveCmd struct {
	RequestID string         `json:"request_id"`
	Caller    common.Address `json:"caller"`
	MarketID  uint64         `json:"market_id"`
	Outcome   bool           `json:"outcome"`
	ExpiresAt int64          `json:"expires_at,omitempty"`
}

func (c *ResolveCmd) Name() string                  { return "resolve" }
func (c *ResolveCmd) EventType() event.EventType    { return event.EventTypeMarketResolved }
func (c *ResolveCmd) CallerAddress() common.Address { return c.Caller }
func (c *ResolveCmd) Key() string                   { return c.RequestID }
func (c *ResolveCmd) setKey(k string)               { c.RequestID = k }
func (c *ResolveCmd) Expiry() int64                 { return c.ExpiresAt }

func (c *ResolveCmd) SigningPayload() string {
	return fmt.Sprintf("%s resolve market=%d outcome=%t request=%s expires=%d",
		SigningDomain, c.MarketID, c.Outcome, c.RequestID, c.ExpiresAt)
}

type ClaimCmd struct {
	RequestID string         `json:"request_id"`
	Caller    common.Address `json:"caller"`
	MarketID  uint64         `json:"market_id"`
	ExpiresAt int64          `json:"expires_at,omitempty"`
}

func (c *ClaimCmd) Name() string                  { return "claim" }
func (c *ClaimCmd) EventType() event.EventType    { return event.EventTypeWinningsClaimed }
func (c *ClaimCmd) CallerAddress() common.Address { return c.Caller }
func (c *ClaimCmd) Key() string                   { return c.RequestID }
func (c *ClaimCmd) setKey(k string)               { c.RequestID = k }
func (c *ClaimCmd) Expiry() int64                 { return c.ExpiresAt }

func (c *ClaimCmd) SigningPayload() string {
	return fmt.Sprintf("%s claim market=%d request=%s expires=%d",
		SigningDomain, c.MarketID, c.RequestID, c.ExpiresAt)
}

// DemoMarket is the seed market used by local demos and tests.
var DemoMarket = CreateMarketCmd{
	Question:        "Will AI agents govern 10+ DAOs by March 2026?",
	DurationSeconds: 86400,
}
