package feed

import (
	"encoding/json"
	"fmt"

	"study-portal/pkg/invalidation"
)

// Message is one change notification as it travels on the wire.
type Message struct {
	Table     string         `json:"table"`
	EventType string         `json:"eventType"`
	New       map[string]any `json:"new,omitempty"`
	Old       map[string]any `json:"old,omitempty"`
}

// DecodeMessage parses a JSON change notification.
func DecodeMessage(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("failed to decode change message: %w", err)
	}
	if msg.Table == "" {
		return Message{}, fmt.Errorf("change message has no table")
	}
	return msg, nil
}

// ChangeEvent converts the message for the invalidation router.
func (m Message) ChangeEvent() (invalidation.ChangeEvent, error) {
	kind, err := invalidation.ParseChangeKind(m.EventType)
	if err != nil {
		return invalidation.ChangeEvent{}, err
	}
	return invalidation.NewChangeEvent(m.Table, kind, m.Old, m.New), nil
}
