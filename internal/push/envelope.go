package push

import "time"

// EventType labels what happened to the entity an envelope describes.
type EventType string

const (
	EventCreate  EventType = "create"
	EventUpdate  EventType = "update"
	EventDelete  EventType = "delete"
	EventReplace EventType = "replace"
)

// Envelope is the unit of delivery pushed to subscribers. Version increases
// monotonically per entity; receivers must discard any envelope whose version
// is not strictly greater than the last one they applied for that entity.
type Envelope struct {
	Type      EventType      `json:"type"`
	Entity    string         `json:"entity"`
	ID        string         `json:"id"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Version   uint64         `json:"version"`
}

// Key is the composite identifier used to index subscriptions and timers.
type Key struct {
	Entity string
	ID     string
}

func (k Key) String() string {
	return k.Entity + ":" + k.ID
}
