package event

import (
	"time"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeMarketCreated
	EventTypeBetPlaced
	EventTypeMarketResolved
	EventTypeWinningsClaimed
)

// EventEnvelope wraps every event in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Per-market sequence, starts at 1 with MarketCreated
	MarketSequence int64

	// Request id of the command that produced the event
	IdempotencyKey string

	// Event type discriminator
	EventType EventType

	MarketID uint64

	// Logical time the command was applied at (NOT wall-clock at write)
	Timestamp time.Time

	// JSON-encoded event-specific data
	Payload []byte

	// SHA-256 of market state AFTER applying this event
	StateHash [32]byte

	// Previous state hash of the same market (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all event payloads must implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// MarketID returns the market the event belongs to
	MarketID() uint64

	// OccurredAt is the logical Unix time the event was applied at
	OccurredAt() int64
}

func (et EventType) String() string {
	switch et {
	case EventTypeMarketCreated:
		return "MarketCreated"
	case EventTypeBetPlaced:
		return "BetPlaced"
	case EventTypeMarketResolved:
		return "MarketResolved"
	case EventTypeWinningsClaimed:
		return "WinningsClaimed"
	default:
		return "Unknown"
	}
}

// ParseEventType is the inverse of String.
func ParseEventType(s string) EventType {
	switch s {
	case "MarketCreated":
		return EventTypeMarketCreated
	case "BetPlaced":
		return EventTypeBetPlaced
	case "MarketResolved":
		return EventTypeMarketResolved
	case "WinningsClaimed":
		return EventTypeWinningsClaimed
	default:
		return EventTypeUnknown
	}
}
