// Package publisher holds the message encoding shared by notification publishers.
package publisher

import (
	"encoding/json"
	"fmt"
)

// EventAttribute is the message attribute carrying the notification type.
const EventAttribute = "event"

// Encode marshals payload to JSON and lifts a string "event" field into the
// attributes so subscribers can filter without decoding the body.
func Encode(payload any) ([]byte, map[string]string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal payload: %w", err)
	}
	attrs := map[string]string{}
	if m, ok := payload.(map[string]any); ok {
		if event, ok := m[EventAttribute].(string); ok && event != "" {
			attrs[EventAttribute] = event
		}
	}
	return data, attrs, nil
}
