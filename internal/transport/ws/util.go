package ws

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/webitel/notifyhub/internal/dispatchcore/event"
)

func decodeInbound(raw []byte, frame *inboundFrame) error {
	return json.Unmarshal(raw, frame)
}

// wrapControl lifts an already-encoded control/error/ack frame into an
// event.OutboundMessage so it can be pushed through the same TrySend path
// as a notification.
func wrapControl(bytes []byte) event.OutboundMessage {
	return event.NewControlFrame("control", bytes)
}

func parseUUID(s string) (uuid.UUID, error) {
	return uuid.Parse(s)
}
