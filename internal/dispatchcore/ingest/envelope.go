// Package ingest implements the consuming half of pub/sub ingest (spec
// §4.6): parsing the wire envelope published by upstream services and
// handing the resulting (Target, Event) pair to the Dispatcher.
package ingest

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/webitel/notifyhub/internal/dispatchcore/event"
)

// Envelope is the wire grammar carried on the AMQP topic exchange. TargetKind
// mirrors event.TargetKind's five values so an upstream publisher can
// address a notification the same five ways the HTTP API allows.
type Envelope struct {
	TargetKind string   `json:"target_kind"`
	TenantID   string   `json:"tenant_id,omitempty"`
	UserID     string   `json:"user_id,omitempty"`
	UserIDs    []string `json:"user_ids,omitempty"`
	Channel    string   `json:"channel,omitempty"`
	Channels   []string `json:"channels,omitempty"`

	EventType string         `json:"event_type"`
	Payload   map[string]any `json:"payload"`

	Priority      string `json:"priority,omitempty"`
	TTLSeconds    int64  `json:"ttl_seconds,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
	Source        string `json:"source,omitempty"`
}

// ErrMalformedEnvelope wraps every reason an envelope fails validation, so
// the ingest loop can log-and-skip without ever terminating (spec §4.6
// "a malformed message must never stop the consume loop").
type ErrMalformedEnvelope struct {
	Reason string
}

func (e *ErrMalformedEnvelope) Error() string {
	return fmt.Sprintf("ingest: malformed envelope: %s", e.Reason)
}

// Parse decodes and validates raw into a (Target, Event) pair ready for
// Dispatcher.Dispatch.
func Parse(raw []byte) (event.Target, *event.Event, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return event.Target{}, nil, &ErrMalformedEnvelope{Reason: err.Error()}
	}

	target, err := env.target()
	if err != nil {
		return event.Target{}, nil, err
	}
	if env.EventType == "" {
		return event.Target{}, nil, &ErrMalformedEnvelope{Reason: "event_type is required"}
	}

	ev := event.New(env.EventType, env.Payload, event.Metadata{
		Source:        env.Source,
		Priority:      event.ParsePriority(env.Priority),
		TTLSeconds:    env.TTLSeconds,
		CorrelationID: env.CorrelationID,
	})
	return target, ev, nil
}

func (env Envelope) target() (event.Target, error) {
	switch env.TargetKind {
	case "user":
		id, err := uuid.Parse(env.UserID)
		if err != nil {
			return event.Target{}, &ErrMalformedEnvelope{Reason: "invalid user_id: " + err.Error()}
		}
		return event.ForUser(env.TenantID, id), nil
	case "users":
		ids := make([]uuid.UUID, 0, len(env.UserIDs))
		for _, raw := range env.UserIDs {
			id, err := uuid.Parse(raw)
			if err != nil {
				return event.Target{}, &ErrMalformedEnvelope{Reason: "invalid user_ids entry: " + err.Error()}
			}
			ids = append(ids, id)
		}
		return event.ForUsers(env.TenantID, ids), nil
	case "broadcast":
		return event.ForBroadcast(env.TenantID), nil
	case "channel":
		if env.Channel == "" {
			return event.Target{}, &ErrMalformedEnvelope{Reason: "channel is required"}
		}
		return event.ForChannel(env.TenantID, env.Channel), nil
	case "channels":
		if len(env.Channels) == 0 {
			return event.Target{}, &ErrMalformedEnvelope{Reason: "channels must be non-empty"}
		}
		return event.ForChannels(env.TenantID, env.Channels), nil
	default:
		return event.Target{}, &ErrMalformedEnvelope{Reason: "unknown target_kind: " + env.TargetKind}
	}
}

// Marshal renders target/ev back into the wire envelope, used by the ingest
// re-publish path to produce the same grammar Parse consumes.
func Marshal(target event.Target, ev *event.Event) ([]byte, error) {
	env := Envelope{
		TargetKind:    target.Kind.String(),
		TenantID:      target.TenantID,
		EventType:     ev.Type,
		Payload:       ev.Payload,
		Priority:      ev.Metadata.Priority.String(),
		TTLSeconds:    ev.Metadata.TTLSeconds,
		CorrelationID: ev.Metadata.CorrelationID,
		Source:        ev.Metadata.Source,
	}
	switch target.Kind {
	case event.TargetUser:
		env.UserID = target.UserID.String()
	case event.TargetUsers:
		for _, id := range target.UserIDs {
			env.UserIDs = append(env.UserIDs, id.String())
		}
	case event.TargetChannel:
		env.Channel = target.Channel
	case event.TargetChannels:
		env.Channels = target.Channels
	}
	return json.Marshal(env)
}

// sentAtLagThreshold flags to callers (logging/metrics) when an ingested
// event's OccurredAt lags its receipt by more than this, hinting at broker
// backlog rather than a malformed message.
const sentAtLagThreshold = 10 * time.Second
