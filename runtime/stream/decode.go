package stream

import (
	"encoding/json"
	"fmt"
)

// Decode rehydrates a persisted event from its wire JSON. Stores use this to
// load the serialized event log of terminal runs.
func Decode(data []byte) (Event, error) {
	var tag struct {
		Type EventType `json:"type"`
	}
	if err := json.Unmarshal(data, &tag); err != nil {
		return nil, fmt.Errorf("decode event type: %w", err)
	}
	switch tag.Type {
	case EventContent:
		var e Content
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		return e, nil
	case EventToolStatus:
		var e ToolStatus
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		return e, nil
	case EventToolResult:
		var e ToolResult
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		return e, nil
	case EventFinish:
		var e Finish
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		return e, nil
	case EventError:
		var e Error
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		return e, nil
	case EventRunStatus:
		var e RunStatus
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		return e, nil
	default:
		return nil, fmt.Errorf("unknown event type %q", tag.Type)
	}
}

// DecodeList rehydrates a persisted event log.
func DecodeList(raw []json.RawMessage) ([]Event, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make([]Event, 0, len(raw))
	for i, data := range raw {
		ev, err := Decode(data)
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", i, err)
		}
		out = append(out, ev)
	}
	return out, nil
}

// EncodeList serializes an event log for persistence.
func EncodeList(events []Event) ([]json.RawMessage, error) {
	if len(events) == 0 {
		return nil, nil
	}
	out := make([]json.RawMessage, 0, len(events))
	for i, ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", i, err)
		}
		out = append(out, json.RawMessage(data))
	}
	return out, nil
}
