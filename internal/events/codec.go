package events

import (
	"fmt"

	json "github.com/json-iterator/go"
)

// wireEvent defers payload decoding until the concrete type is known.
type wireEvent struct {
	Event
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Marshal encodes an event for transport outside the process.
func Marshal(evt Event) ([]byte, error) {
	data, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event %s: %w", evt.ID, err)
	}
	return data, nil
}

// Unmarshal decodes an event and restores its typed payload from the event type.
func Unmarshal(data []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return Event{}, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	evt := w.Event
	if len(w.Payload) == 0 || string(w.Payload) == "null" {
		evt.Payload = nil
		return evt, nil
	}

	payload, err := decodePayload(evt.Type, w.Payload)
	if err != nil {
		return Event{}, fmt.Errorf("event %s (%s): %w", evt.ID, evt.Type, err)
	}
	evt.Payload = payload
	return evt, nil
}

func decodePayload(t Type, raw json.RawMessage) (interface{}, error) {
	switch t {
	case TypeUserTurn:
		return decodeAs[ConversationInput](raw)
	case TypeTurnComplete:
		return decodeAs[TurnOutcome](raw)
	case TypeAtomGap:
		return decodeAs[AtomGap](raw)
	case TypeToolCall:
		return decodeAs[ToolCall](raw)
	case TypeToolResult:
		return decodeAs[ToolResult](raw)
	case TypeToolGenerated, TypeSchemaValidated, TypeSchemaInvalid, TypeGenerationFailed:
		return decodeAs[PlanningOutcome](raw)
	default:
		return nil, fmt.Errorf("unknown event type %q", t)
	}
}

func decodeAs[T any](raw json.RawMessage) (interface{}, error) {
	var p T
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return p, nil
}
