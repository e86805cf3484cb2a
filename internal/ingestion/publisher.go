package ingestion

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/mthdroid/moltpredict-skill/internal/core"
	"github.com/mthdroid/moltpredict-skill/internal/event"
)

// SettlementPrefix roots the outbound subjects:
// molt.settlement.{event_type}.{market_id}
const SettlementPrefix = "molt.settlement"

var ErrPublishQueueFull = errors.New("publish queue full")

// StreamPublisher is the part of jetstream.JetStream the publisher uses.
type StreamPublisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutboundPublisher announces settled events on NATS. The persistence
// worker hands it outputs only after they are durable; Publish queues
// without blocking and Run does the network I/O.
type OutboundPublisher struct {
	js    StreamPublisher
	queue chan *event.EventEnvelope
	log   zerolog.Logger
}

func NewOutboundPublisher(js StreamPublisher, queueSize int, log zerolog.Logger) *OutboundPublisher {
	if queueSize <= 0 {
		queueSize = 4096
	}
	return &OutboundPublisher{
		js:    js,
		queue: make(chan *event.EventEnvelope, queueSize),
		log:   log,
	}
}

// Publish queues out for announcement. A full queue is reported to the
// caller, which counts it as a drop; downstream consumers can read the
// event log directly.
func (op *OutboundPublisher) Publish(_ context.Context, out core.CoreOutput) error {
	select {
	case op.queue <- out.Envelope:
		return nil
	default:
		return fmt.Errorf("sequence %d: %w", out.Envelope.Sequence, ErrPublishQueueFull)
	}
}

// Run drains the queue until ctx is done.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case env := <-op.queue:
			if err := op.publish(ctx, env); err != nil {
				// Non-fatal: the event log is the source of truth.
				op.log.Warn().Err(err).Int64("sequence", env.Sequence).Msg("outbound publish failed")
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, env *event.EventEnvelope) error {
	data, err := event.MarshalMessage(env)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	// The message id lets JetStream drop a republish after a restart.
	_, err = op.js.Publish(ctx, SettlementSubject(env), data,
		jetstream.WithMsgID(strconv.FormatInt(env.Sequence, 10)))
	return err
}

// SettlementSubject is the outbound subject of env.
func SettlementSubject(env *event.EventEnvelope) string {
	return fmt.Sprintf("%s.%s.%d", SettlementPrefix, env.EventType.String(), env.MarketID)
}
