package cache

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// EventsChannel carries every settled event as JSON.
const EventsChannel = "molt:events"

// Bus fans settled events out to live subscribers.
type Bus interface {
	Publish(ctx context.Context, payload []byte) error
	// Subscribe returns a channel that is closed when ctx is done.
	Subscribe(ctx context.Context) (<-chan []byte, error)
}

// EventBus is a Bus over Redis pub/sub, so every API replica sees every
// event regardless of which process applied it.
type EventBus struct {
	rdb     *redis.Client
	channel string
}

func NewEventBus(c *Client) *EventBus {
	return &EventBus{rdb: c.rdb, channel: EventsChannel}
}

func (b *EventBus) Publish(ctx context.Context, payload []byte) error {
	if err := b.rdb.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", b.channel, err)
	}
	return nil
}

func (b *EventBus) Subscribe(ctx context.Context) (<-chan []byte, error) {
	pubsub := b.rdb.Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", b.channel, err)
	}

	out := make(chan []byte, 128)
	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// LocalBus is an in-process Bus for single-node runs without Redis.
// Slow subscribers miss messages rather than block the publisher.
type LocalBus struct {
	mu   sync.Mutex
	subs map[chan []byte]struct{}
}

func NewLocalBus() *LocalBus {
	return &LocalBus{subs: make(map[chan []byte]struct{})}
}

func (b *LocalBus) Publish(_ context.Context, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- payload:
		default:
		}
	}
	return nil
}

func (b *LocalBus) Subscribe(ctx context.Context) (<-chan []byte, error) {
	ch := make(chan []byte, 128)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, ch)
		close(ch)
		b.mu.Unlock()
	}()
	return ch, nil
}

var (
	_ Bus = (*EventBus)(nil)
	_ Bus = (*LocalBus)(nil)
)
