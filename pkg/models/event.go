package models

import "time"

// SystemEvent is the envelope carried by the event bus. EventType is an
// opaque string to the bus; typed payloads are the contract between
// publisher and subscriber (see pkg/events/payloads.go).
type SystemEvent struct {
	ID         int64          `json:"id,omitempty"`
	EventType  string         `json:"event_type"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Payload    map[string]any `json:"payload"`
	OccurredAt time.Time      `json:"occurred_at"`
}
