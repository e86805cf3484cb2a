package ingestion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/mthdroid/moltpredict-skill/internal/core"
	"github.com/mthdroid/moltpredict-skill/internal/identity"
	"github.com/mthdroid/moltpredict-skill/internal/observability"
	"github.com/mthdroid/moltpredict-skill/internal/state"
)

// MaxSignatureLifetime bounds how far ahead of now a signed command may
// set expires_at, in seconds.
const MaxSignatureLifetime = 15 * 60

var (
	ErrSignatureRequired = errors.New("signature required")
	ErrSignatureExpired  = errors.New("signature expired")
	ErrUnknownCommand    = errors.New("unknown command")
)

// Result is what a dispatched command produced. Only the fields relevant
// to the command are set.
type Result struct {
	Command   string        `json:"command"`
	RequestID string        `json:"request_id"`
	MarketID  uint64        `json:"market_id"`
	Market    *state.Market `json:"-"`
	Bet       *state.Bet    `json:"-"`
	Payout    int64         `json:"payout"`
}

// Dispatcher authenticates commands and applies them to the engine. Every
// transport (NATS, HTTP, gRPC) goes through it.
type Dispatcher struct {
	engine            *core.Engine
	requireSignatures bool
	metrics           *observability.Metrics
	log               zerolog.Logger
}

func NewDispatcher(engine *core.Engine, requireSignatures bool, metrics *observability.Metrics, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		engine:            engine,
		requireSignatures: requireSignatures,
		metrics:           metrics,
		log:               log,
	}
}

// Authenticate checks the caller's signature over the command's signing
// payload. transport labels the failure metric. Signed commands must carry
// a request id and an expiry, both part of the signed text. A command
// rejected before it commits leaves its request id unused, so the expiry is
// what stops its signature from being replayed later.
func (d *Dispatcher) Authenticate(cmd core.Command, signature, transport string) error {
	if signature == "" {
		if d.requireSignatures {
			d.signatureFailed(transport)
			return fmt.Errorf("%s: %w", cmd.Name(), ErrSignatureRequired)
		}
		return nil
	}
	if cmd.Key() == "" {
		return fmt.Errorf("%s: signed commands need a request_id: %w", cmd.Name(), ErrMalformed)
	}
	now, exp := d.engine.Now(), cmd.Expiry()
	switch {
	case exp == 0:
		return fmt.Errorf("%s: signed commands need expires_at: %w", cmd.Name(), ErrMalformed)
	case exp < now:
		d.signatureFailed(transport)
		return fmt.Errorf("%s: expired at %d, now %d: %w", cmd.Name(), exp, now, ErrSignatureExpired)
	case exp-now > MaxSignatureLifetime:
		return fmt.Errorf("%s: expires_at more than %ds ahead: %w", cmd.Name(), MaxSignatureLifetime, ErrMalformed)
	}
	if err := identity.Verify(cmd.CallerAddress(), cmd.SigningPayload(), signature); err != nil {
		d.signatureFailed(transport)
		return fmt.Errorf("%s: %w", cmd.Name(), err)
	}
	return nil
}

func (d *Dispatcher) signatureFailed(transport string) {
	if d.metrics != nil {
		d.metrics.SignatureFailures.WithLabelValues(transport).Inc()
	}
}

// Dispatch authenticates cmd and applies it.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd core.Command, signature, transport string) (Result, error) {
	if err := d.Authenticate(cmd, signature, transport); err != nil {
		return Result{Command: cmd.Name()}, err
	}
	return d.apply(ctx, cmd)
}

func (d *Dispatcher) apply(ctx context.Context, cmd core.Command) (Result, error) {
	res := Result{Command: cmd.Name()}

	switch c := cmd.(type) {
	case *core.CreateMarketCmd:
		id, err := d.engine.CreateMarket(ctx, c)
		res.RequestID, res.MarketID = c.RequestID, id
		if err != nil {
			return res, err
		}
		m, err := d.engine.GetMarket(id)
		if err == nil {
			res.Market = &m
		}
		return res, nil

	case *core.BetCmd:
		bet, err := d.engine.Bet(ctx, c)
		res.RequestID, res.MarketID = c.RequestID, c.MarketID
		if err != nil {
			return res, err
		}
		res.Bet = &bet
		return res, nil

	case *core.ResolveCmd:
		m, err := d.engine.ResolveMarket(ctx, c)
		res.RequestID, res.MarketID = c.RequestID, c.MarketID
		if err != nil {
			return res, err
		}
		res.Market = &m
		return res, nil

	case *core.ClaimCmd:
		payout, err := d.engine.ClaimWinnings(ctx, c)
		res.RequestID, res.MarketID, res.Payout = c.RequestID, c.MarketID, payout
		return res, err

	default:
		return res, fmt.Errorf("%w: %T", ErrUnknownCommand, cmd)
	}
}

// Handle processes one message from the command stream. Rejections that
// redelivery cannot fix (malformed input, bad signatures, domain errors,
// duplicates) are acked and counted; anything else is nakked.
func (d *Dispatcher) Handle(ctx context.Context, raw RawCommand) {
	cmd, err := ParseCommand(raw.Subject, raw.Data)
	if err != nil {
		d.rejected("malformed", raw, err)
		ack(raw)
		return
	}

	res, err := d.Dispatch(ctx, cmd, raw.Signature, "nats")
	if d.metrics != nil && !raw.Received.IsZero() {
		d.metrics.IngestToApply.WithLabelValues(cmd.Name()).Observe(time.Since(raw.Received).Seconds())
	}

	switch {
	case err == nil:
		d.log.Debug().
			Str("command", res.Command).
			Str("request_id", res.RequestID).
			Uint64("market_id", res.MarketID).
			Msg("command applied")
		ack(raw)
	case errors.Is(err, core.ErrDuplicateRequest):
		d.rejected("duplicate", raw, err)
		ack(raw)
	case errors.Is(err, ErrSignatureRequired),
		errors.Is(err, ErrSignatureExpired),
		errors.Is(err, identity.ErrInvalidSignature),
		errors.Is(err, identity.ErrSignerMismatch),
		errors.Is(err, ErrMalformed):
		d.rejected("signature", raw, err)
		ack(raw)
	case errors.Is(err, core.ErrEngineClosed):
		// Left unacked so the next writer applies it.
		d.log.Info().Str("subject", raw.Subject).Msg("engine closed, requesting redelivery")
		if raw.NakFunc != nil {
			raw.NakFunc()
		}
	case state.Classify(err) != state.CategoryUnknown:
		d.rejected(state.Classify(err).String(), raw, err)
		ack(raw)
	default:
		d.log.Warn().Err(err).Str("subject", raw.Subject).Msg("command failed, requesting redelivery")
		if raw.NakFunc != nil {
			raw.NakFunc()
		}
	}
}

func (d *Dispatcher) rejected(reason string, raw RawCommand, err error) {
	if d.metrics != nil {
		d.metrics.IngestRejected.WithLabelValues(reason).Inc()
	}
	d.log.Info().Err(err).Str("subject", raw.Subject).Str("reason", reason).Msg("command rejected")
}

func ack(raw RawCommand) {
	if raw.AckFunc != nil {
		raw.AckFunc()
	}
}

// Run drains the command channel until ctx is done or it closes.
func (d *Dispatcher) Run(ctx context.Context, in <-chan RawCommand) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-in:
			if !ok {
				return nil
			}
			d.Handle(ctx, raw)
		}
	}
}
