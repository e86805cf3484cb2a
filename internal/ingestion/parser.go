package ingestion

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mthdroid/moltpredict-skill/internal/core"
	"github.com/mthdroid/moltpredict-skill/internal/identity"
	fpmath "github.com/mthdroid/moltpredict-skill/internal/math"
	"github.com/mthdroid/moltpredict-skill/internal/state"
)

// Command subjects. Market-scoped commands carry the market id as the last
// token so a consumer can be filtered to one market.
const (
	SubjectPrefix  = "molt.commands"
	SubjectCreate  = SubjectPrefix + ".create"
	SubjectBet     = SubjectPrefix + ".bet"
	SubjectResolve = SubjectPrefix + ".resolve"
	SubjectClaim   = SubjectPrefix + ".claim"

	// SignatureHeader carries the caller's signature of the command's
	// signing payload.
	SignatureHeader = "Molt-Signature"
)

var ErrMalformed = errors.New("malformed command")

// RawCommand is an inbound message before parsing.
type RawCommand struct {
	Subject   string
	Data      []byte
	Signature string
	Received  time.Time
	AckFunc   func() // call after the command was handled
	NakFunc   func() // call to have it redelivered
}

// --- JSON wire formats ---
// Field names use snake_case. Amounts are USDC decimal strings ("1.5")
// or integer smallest units.

type createJSON struct {
	RequestID       string `json:"request_id"`
	Caller          string `json:"caller"`
	Question        string `json:"question"`
	DurationSeconds int64  `json:"duration_seconds"`
	DurationHours   int64  `json:"duration_hours"`
	ExpiresAt       int64  `json:"expires_at"`
}

type betJSON struct {
	RequestID   string `json:"request_id"`
	Caller      string `json:"caller"`
	Side        string `json:"side"` // "yes" or "no"
	Amount      string `json:"amount"`
	AmountUnits int64  `json:"amount_units"`
	ExpiresAt   int64  `json:"expires_at"`
}

type resolveJSON struct {
	RequestID string `json:"request_id"`
	Caller    string `json:"caller"`
	Outcome   string `json:"outcome"` // "yes" or "no"
	ExpiresAt int64  `json:"expires_at"`
}

type claimJSON struct {
	RequestID string `json:"request_id"`
	Caller    string `json:"caller"`
	ExpiresAt int64  `json:"expires_at"`
}

// ParseCommand converts a subject and JSON body into a typed command.
func ParseCommand(subject string, data []byte) (core.Command, error) {
	verb, marketID, err := parseSubject(subject)
	if err != nil {
		return nil, err
	}

	switch verb {
	case "create":
		return parseCreate(data)
	case "bet":
		return parseBet(marketID, data)
	case "resolve":
		return parseResolve(marketID, data)
	case "claim":
		return parseClaim(marketID, data)
	default:
		return nil, fmt.Errorf("%w: unknown subject %s", ErrMalformed, subject)
	}
}

func parseSubject(subject string) (string, uint64, error) {
	rest, ok := strings.CutPrefix(subject, SubjectPrefix+".")
	if !ok {
		return "", 0, fmt.Errorf("%w: subject %s outside %s", ErrMalformed, subject, SubjectPrefix)
	}
	parts := strings.Split(rest, ".")
	if parts[0] == "create" {
		if len(parts) != 1 {
			return "", 0, fmt.Errorf("%w: subject %s", ErrMalformed, subject)
		}
		return "create", 0, nil
	}
	if len(parts) != 2 {
		return "", 0, fmt.Errorf("%w: subject %s needs a market id", ErrMalformed, subject)
	}
	id, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil || id == 0 {
		return "", 0, fmt.Errorf("%w: market id %q", ErrMalformed, parts[1])
	}
	return parts[0], id, nil
}

// MarketSubject builds the subject of a market-scoped command.
func MarketSubject(verb string, marketID uint64) string {
	return fmt.Sprintf("%s.%s.%d", SubjectPrefix, verb, marketID)
}

func parseCreate(data []byte) (*core.CreateMarketCmd, error) {
	var j createJSON
	if err := decodeStrict(data, &j); err != nil {
		return nil, fmt.Errorf("parse create: %w", err)
	}
	caller, err := identity.ParseAddress(j.Caller)
	if err != nil {
		return nil, fmt.Errorf("parse create caller: %w", err)
	}
	duration, err := DurationSeconds(j.DurationSeconds, j.DurationHours)
	if err != nil {
		return nil, fmt.Errorf("parse create: %w", err)
	}
	return &core.CreateMarketCmd{
		RequestID:       j.RequestID,
		Caller:          caller,
		Question:        j.Question,
		DurationSeconds: duration,
		ExpiresAt:       j.ExpiresAt,
	}, nil
}

func parseBet(marketID uint64, data []byte) (*core.BetCmd, error) {
	var j betJSON
	if err := decodeStrict(data, &j); err != nil {
		return nil, fmt.Errorf("parse bet: %w", err)
	}
	caller, err := identity.ParseAddress(j.Caller)
	if err != nil {
		return nil, fmt.Errorf("parse bet caller: %w", err)
	}
	side, err := ParseSide(j.Side)
	if err != nil {
		return nil, fmt.Errorf("parse bet: %w", err)
	}
	amount, err := ParseAmount(j.Amount, j.AmountUnits)
	if err != nil {
		return nil, fmt.Errorf("parse bet: %w", err)
	}
	return &core.BetCmd{
		RequestID: j.RequestID,
		Caller:    caller,
		MarketID:  marketID,
		Side:      side,
		Amount:    amount,
		ExpiresAt: j.ExpiresAt,
	}, nil
}

func parseResolve(marketID uint64, data []byte) (*core.ResolveCmd, error) {
	var j resolveJSON
	if err := decodeStrict(data, &j); err != nil {
		return nil, fmt.Errorf("parse resolve: %w", err)
	}
	caller, err := identity.ParseAddress(j.Caller)
	if err != nil {
		return nil, fmt.Errorf("parse resolve caller: %w", err)
	}
	outcome, err := ParseSide(j.Outcome)
	if err != nil {
		return nil, fmt.Errorf("parse resolve: %w", err)
	}
	return &core.ResolveCmd{
		RequestID: j.RequestID,
		Caller:    caller,
		MarketID:  marketID,
		Outcome:   outcome,
		ExpiresAt: j.ExpiresAt,
	}, nil
}

func parseClaim(marketID uint64, data []byte) (*core.ClaimCmd, error) {
	var j claimJSON
	if err := decodeStrict(data, &j); err != nil {
		return nil, fmt.Errorf("parse claim: %w", err)
	}
	caller, err := identity.ParseAddress(j.Caller)
	if err != nil {
		return nil, fmt.Errorf("parse claim caller: %w", err)
	}
	return &core.ClaimCmd{RequestID: j.RequestID, Caller: caller, MarketID: marketID, ExpiresAt: j.ExpiresAt}, nil
}

// DurationSeconds picks a market duration given in seconds or in hours.
// Seconds win when both are set. An hour count whose seconds do not fit in
// int64 is an invalid duration.
func DurationSeconds(seconds, hours int64) (int64, error) {
	if seconds != 0 || hours == 0 {
		return seconds, nil
	}
	d, err := fpmath.CheckedMul(hours, 3600)
	if err != nil {
		return 0, fmt.Errorf("%w: %d hours", state.ErrInvalidDuration, hours)
	}
	return d, nil
}

// ParseSide maps "yes"/"no" (any case) to true/false.
func ParseSide(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "yes", "y", "true":
		return true, nil
	case "no", "n", "false":
		return false, nil
	default:
		return false, fmt.Errorf("%w: side %q, want yes or no", ErrMalformed, s)
	}
}

// ParseAmount takes exactly one of a decimal string or integer units.
// Sign and zero checks are left to the engine so they surface as
// InvalidAmount.
func ParseAmount(decimal string, units int64) (int64, error) {
	switch {
	case decimal != "" && units != 0:
		return 0, fmt.Errorf("%w: both amount and amount_units set", ErrMalformed)
	case decimal != "":
		v, err := fpmath.ParseUnits(decimal)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return v, nil
	default:
		return units, nil
	}
}

func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}
