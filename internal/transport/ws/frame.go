// Package ws implements the WebSocket transport (spec §4.10), grounded on
// the teacher's internal/handler/ws/delivery.go, generalized from a single
// fixed demo user id and one pump loop into per-connection auth and an
// independent reader/writer goroutine pair.
package ws

import (
	"encoding/json"

	"github.com/webitel/notifyhub/internal/dispatchcore/event"
)

// Error codes for the "error" frame (spec §6, minimum set).
const (
	CodeInvalidMessage    = "INVALID_MESSAGE"
	CodeUnsupportedFormat = "UNSUPPORTED_FORMAT"
	CodeConnectionLimit   = "CONNECTION_LIMIT"
	CodeSubscriptionError = "SUBSCRIPTION_ERROR"
	CodeInvalidAck        = "INVALID_ACK"
)

// notificationFrame is the "notification" outbound frame (spec §6):
// `{type:"notification", id, occurred_at, event_type, payload,
// metadata:{source, priority, ttl, audience, correlation_id}}`.
type notificationFrame struct {
	Type       string           `json:"type"`
	ID         string           `json:"id"`
	OccurredAt string           `json:"occurred_at"`
	EventType  string           `json:"event_type"`
	Payload    map[string]any   `json:"payload"`
	Metadata   notificationMeta `json:"metadata"`
}

type notificationMeta struct {
	Source        string   `json:"source,omitempty"`
	Priority      string   `json:"priority"`
	TTL           int64    `json:"ttl,omitempty"`
	Audience      []string `json:"audience,omitempty"`
	CorrelationID string   `json:"correlation_id,omitempty"`
}

// EncodeNotification renders ev as the "notification" frame. It is the
// Dispatcher's single dispatch.Encoder, so its bytes go to every recipient
// of a pre-serialized fan-out whatever the transport; the WS writer also
// uses it for Raw messages.
func EncodeNotification(ev *event.Event) ([]byte, error) {
	return json.Marshal(notificationFrame{
		Type:       "notification",
		ID:         ev.ID.String(),
		OccurredAt: ev.OccurredAt.Format(rfc3339Nano),
		EventType:  ev.Type,
		Payload:    ev.Payload,
		Metadata: notificationMeta{
			Source:        ev.Metadata.Source,
			Priority:      ev.Metadata.Priority.String(),
			TTL:           ev.Metadata.TTLSeconds,
			Audience:      ev.Metadata.Audience,
			CorrelationID: ev.Metadata.CorrelationID,
		},
	})
}

const rfc3339Nano = "2006-01-02T15:04:05.999999999Z07:00"

// controlFrame covers every simple outbound control frame that carries at
// most a bare payload value: subscribed/unsubscribed (payload is a channel
// name array), pong/heartbeat (no payload).
type controlFrame struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

func encodeControl(frameType string, payload any) []byte {
	out, _ := json.Marshal(controlFrame{Type: frameType, Payload: payload})
	return out
}

// ackedFrame is the "acked" outbound frame (spec §6: `{type:"acked",
// notification_id}` — notification_id is top-level, not nested in payload).
type ackedFrame struct {
	Type           string `json:"type"`
	NotificationID string `json:"notification_id"`
}

func EncodeAcked(notificationID string) []byte {
	out, _ := json.Marshal(ackedFrame{Type: "acked", NotificationID: notificationID})
	return out
}

func EncodeSubscribed(channels []string) []byte {
	return encodeControl("subscribed", channels)
}

func EncodeUnsubscribed(channels []string) []byte {
	return encodeControl("unsubscribed", channels)
}

// errorFrame is the "error" outbound frame (spec §6/§7: `{type:"error",
// code, message}`).
type errorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func EncodeError(code, message string) []byte {
	out, _ := json.Marshal(errorFrame{Type: "error", Code: code, Message: message})
	return out
}

func EncodePong() []byte {
	out, _ := json.Marshal(controlFrame{Type: "pong"})
	return out
}

func EncodeHeartbeat() []byte {
	out, _ := json.Marshal(controlFrame{Type: "heartbeat"})
	return out
}

// shutdownFrame is emitted during graceful shutdown (spec §5/§6:
// `{type:"shutdown", reason, reconnect_after_seconds}`).
type shutdownFrame struct {
	Type                  string `json:"type"`
	Reason                string `json:"reason"`
	ReconnectAfterSeconds int    `json:"reconnect_after_seconds"`
}

func EncodeShutdown(reason string, reconnectAfterSeconds int) []byte {
	out, _ := json.Marshal(shutdownFrame{
		Type:                  "shutdown",
		Reason:                reason,
		ReconnectAfterSeconds: reconnectAfterSeconds,
	})
	return out
}

// inboundFrame is what the client may send: Subscribe/Unsubscribe/Ping/Ack,
// using the capitalized type tags and nested payload grammar of spec §6.
type inboundFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type channelsPayload struct {
	Channels []string `json:"channels"`
}

type ackPayload struct {
	NotificationID string `json:"notification_id"`
}
