package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType enumerates the daemon's push notification kinds.
type EventType string

const (
	EventOutputAvailable EventType = "output_available"
	EventStatusChanged   EventType = "status_changed"
	EventSessionAdded    EventType = "session_added"
	EventSessionRemoved  EventType = "session_removed"
)

// Event is the envelope carried over the websocket feed and written as
// single-event JSON files into the event-drop directory.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
	OldStatus Status    `json:"old_status,omitempty"` // status_changed only
	NewStatus Status    `json:"new_status,omitempty"` // status_changed only
	Time      time.Time `json:"time,omitempty"`
}

// ParseEvent decodes and validates one event envelope.
func ParseEvent(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("parse event: %w", err)
	}
	if err := ev.Validate(); err != nil {
		return Event{}, err
	}
	return ev, nil
}

// Validate checks the envelope for required fields.
func (ev Event) Validate() error {
	switch ev.Type {
	case EventOutputAvailable, EventSessionAdded, EventSessionRemoved:
	case EventStatusChanged:
		if ev.NewStatus != "" && !ev.NewStatus.Valid() {
			return fmt.Errorf("event %s: unknown new_status %q", ev.Type, ev.NewStatus)
		}
		if ev.OldStatus != "" && !ev.OldStatus.Valid() {
			return fmt.Errorf("event %s: unknown old_status %q", ev.Type, ev.OldStatus)
		}
	default:
		return fmt.Errorf("unknown event type %q", ev.Type)
	}
	if ev.SessionID == "" {
		return fmt.Errorf("event %s: missing session_id", ev.Type)
	}
	return nil
}
