package event

import (
	"encoding/hex"
	"encoding/json"
)

// Message is the public form of a settled event, as published on NATS,
// the event bus and websocket streams.
type Message struct {
	Sequence       int64           `json:"sequence"`
	MarketSequence int64           `json:"market_sequence"`
	EventType      string          `json:"event_type"`
	MarketID       uint64          `json:"market_id"`
	Timestamp      int64           `json:"timestamp"`
	StateHash      string          `json:"state_hash"`
	PrevHash       string          `json:"prev_hash"`
	Payload        json.RawMessage `json:"payload"`
}

func NewMessage(env *EventEnvelope) Message {
	return Message{
		Sequence:       env.Sequence,
		MarketSequence: env.MarketSequence,
		EventType:      env.EventType.String(),
		MarketID:       env.MarketID,
		Timestamp:      env.Timestamp.Unix(),
		StateHash:      hex.EncodeToString(env.StateHash[:]),
		PrevHash:       hex.EncodeToString(env.PrevHash[:]),
		Payload:        json.RawMessage(env.Payload),
	}
}

// MarshalMessage encodes the public form of env.
func MarshalMessage(env *EventEnvelope) ([]byte, error) {
	return json.Marshal(NewMessage(env))
}
