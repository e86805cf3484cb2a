package event

import (
	"encoding/json"
	"fmt"
)

// Encode serializes an event payload for the log.
func Encode(evt Event) ([]byte, error) {
	return json.Marshal(evt)
}

// Decode rebuilds a typed event from its stored payload.
func Decode(et EventType, payload []byte) (Event, error) {
	var evt Event
	switch et {
	case EventTypeMarketCreated:
		evt = &MarketCreated{}
	case EventTypeBetPlaced:
		evt = &BetPlaced{}
	case EventTypeMarketResolved:
		evt = &MarketResolved{}
	case EventTypeWinningsClaimed:
		evt = &WinningsClaimed{}
	default:
		return nil, fmt.Errorf("decode: unknown event type %d", et)
	}
	if err := json.Unmarshal(payload, evt); err != nil {
		return nil, fmt.Errorf("decode %s: %w", et, err)
	}
	return evt, nil
}
