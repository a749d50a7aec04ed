// Package sse implements the Server-Sent Events transport (spec §4.10) for
// clients that cannot hold a full-duplex socket: a one-way push stream fed
// by the same registry connection abstraction as the WebSocket transport.
package sse

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/webitel/notifyhub/internal/authstub"
	"github.com/webitel/notifyhub/internal/dispatchcore/dispatch"
	"github.com/webitel/notifyhub/internal/dispatchcore/event"
	"github.com/webitel/notifyhub/internal/dispatchcore/registry"
)

// Handler serves one long-lived GET per connection; subscriptions are
// established up front via query parameters since SSE offers no inbound
// channel for the client to send subscribe/unsubscribe frames later.
type Handler struct {
	reg        *registry.Registry
	dispatcher *dispatch.Dispatcher
	auth       authstub.Authenticator
	log        *slog.Logger

	flushLimit int
}

func NewHandler(reg *registry.Registry, dispatcher *dispatch.Dispatcher, auth authstub.Authenticator, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{reg: reg, dispatcher: dispatcher, auth: auth, log: logger, flushLimit: 100}
}

// EncodeNotification renders ev as a bare JSON payload; the SSE "data:"
// prefix and blank-line terminator are applied by writeEvent, not baked
// into the encoded bytes, so the same bytes would also work unmodified over
// long-poll.
func EncodeNotification(ev *event.Event) ([]byte, error) {
	return json.Marshal(ev)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity, err := h.auth.Authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	conn, err := h.reg.Register(identity.UserID, identity.TenantID, identity.Roles)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	defer h.reg.Unregister(conn.ID())

	for _, channel := range r.URL.Query()["channel"] {
		_ = h.reg.Subscribe(conn.ID(), channel)
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if n, err := h.dispatcher.FlushOffline(r.Context(), conn, h.flushLimit); err != nil {
		h.log.Warn("sse: offline flush failed", "user_id", identity.UserID, "error", err)
	} else if n > 0 {
		h.log.Info("sse: flushed offline backlog", "user_id", identity.UserID, "count", n)
	}

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-conn.Recv():
			if !ok {
				return
			}
			conn.Touch()
			if err := writeEvent(w, msg); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, msg event.OutboundMessage) error {
	payload := msg.Bytes
	if payload == nil {
		encoded, err := EncodeNotification(msg.Event)
		if err != nil {
			return err
		}
		payload = encoded
	}
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", frameTypeOf(msg), payload)
	return err
}

func frameTypeOf(msg event.OutboundMessage) string {
	if msg.FrameType != "" {
		return msg.FrameType
	}
	return "notification"
}

// keepAliveInterval is informational for callers wiring a proxy timeout in
// front of this handler; the heartbeat task's own control frames are what
// actually keep the stream alive end to end.
const keepAliveInterval = 15 * time.Second
