// Package event defines the immutable unit of delivery flowing through the
// dispatch core: Event, its addressing Target, and delivery metadata.
package event

import (
	"time"

	"github.com/google/uuid"
)

// Priority controls backpressure and ACK-worthiness decisions downstream.
type Priority int32

const (
	PriorityLow Priority = iota + 1
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "Low"
	case PriorityNormal:
		return "Normal"
	case PriorityHigh:
		return "High"
	case PriorityCritical:
		return "Critical"
	default:
		return "Unknown"
	}
}

// ParsePriority maps the wire string used by the HTTP/pub-sub envelopes onto
// a Priority, defaulting to Normal for an empty string.
func ParsePriority(s string) Priority {
	switch s {
	case "Low":
		return PriorityLow
	case "High":
		return PriorityHigh
	case "Critical":
		return PriorityCritical
	case "", "Normal":
		return PriorityNormal
	default:
		return PriorityNormal
	}
}

// Metadata carries the out-of-band attributes attached to an Event.
type Metadata struct {
	Source        string
	Priority      Priority
	TTLSeconds    int64
	CorrelationID string
	// Audience, when non-empty, restricts Broadcast delivery to connections
	// whose roles intersect this set.
	Audience []string
}

// Event is the immutable unit of delivery. Once constructed, none of its
// fields are mutated; the dispatcher may attach a pre-serialized byte form
// alongside it (see OutboundMessage) but never rewrites Event
// itself.
type Event struct {
	ID         uuid.UUID
	OccurredAt time.Time
	Type       string
	Payload    map[string]any
	Metadata   Metadata
}

// New stamps OccurredAt and mints an id; callers never set these directly,
// preserving the "timestamp assigned at creation, never rewritten" invariant.
func New(eventType string, payload map[string]any, meta Metadata) *Event {
	if meta.Priority == 0 {
		meta.Priority = PriorityNormal
	}
	return &Event{
		ID:         uuid.New(),
		OccurredAt: time.Now(),
		Type:       eventType,
		Payload:    payload,
		Metadata:   meta,
	}
}

// ExpiresAt returns the wall-clock expiry derived from Metadata.TTLSeconds
// relative to OccurredAt. ok is false when no TTL was set.
func (e *Event) ExpiresAt() (t time.Time, ok bool) {
	if e.Metadata.TTLSeconds <= 0 {
		return time.Time{}, false
	}
	return e.OccurredAt.Add(time.Duration(e.Metadata.TTLSeconds) * time.Second), true
}
