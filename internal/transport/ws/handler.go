package ws

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/webitel/notifyhub/internal/authstub"
	"github.com/webitel/notifyhub/internal/dispatchcore/acktracker"
	"github.com/webitel/notifyhub/internal/dispatchcore/dispatch"
	"github.com/webitel/notifyhub/internal/dispatchcore/registry"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	maxMessageSize = 32 * 1024
)

// upgrader accepts every origin, matching the teacher's handler — CORS
// policy is an explicit ambient-stack Non-goal collaborator (see
// SPEC_FULL.md), left to a reverse proxy in front of this service.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handler upgrades HTTP connections to WebSocket, registers them with the
// connection registry, and runs the reader/writer goroutine pair for each.
type Handler struct {
	reg        *registry.Registry
	dispatcher *dispatch.Dispatcher
	acks       *acktracker.Tracker
	auth       authstub.Authenticator
	log        *slog.Logger

	flushLimit int
}

func NewHandler(reg *registry.Registry, dispatcher *dispatch.Dispatcher, acks *acktracker.Tracker, auth authstub.Authenticator, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{reg: reg, dispatcher: dispatcher, acks: acks, auth: auth, log: logger, flushLimit: 100}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity, err := h.auth.Authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.reg.Register(identity.UserID, identity.TenantID, identity.Roles)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	socket, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.reg.Unregister(conn.ID())
		h.log.Warn("ws: upgrade failed", "error", err)
		return
	}

	if n, err := h.dispatcher.FlushOffline(r.Context(), conn, h.flushLimit); err != nil {
		h.log.Warn("ws: offline flush failed", "user_id", identity.UserID, "error", err)
	} else if n > 0 {
		h.log.Info("ws: flushed offline backlog", "user_id", identity.UserID, "count", n)
	}

	done := make(chan struct{})
	go h.writePump(socket, conn, done)
	h.readPump(socket, conn, done)
}

// writePump is the sole goroutine allowed to call socket.Write*; it drains
// conn's outbound channel until the channel closes (registry.Unregister)
// or the reader signals done.
func (h *Handler) writePump(socket *websocket.Conn, conn *registry.Connection, done chan struct{}) {
	defer socket.Close()
	for {
		select {
		case <-done:
			return
		case msg, ok := <-conn.Recv():
			if !ok {
				_ = socket.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			payload := msg.Bytes
			if payload == nil {
				encoded, err := EncodeNotification(msg.Event)
				if err != nil {
					h.log.Error("ws: encode failed", "error", err)
					continue
				}
				payload = encoded
			}
			_ = socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := socket.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		}
	}
}

// readPump is the sole goroutine allowed to call socket.Read*; it
// interprets inbound frames (subscribe/unsubscribe/ack/ping) and tears the
// connection down on any read error, unregistering it and signalling
// writePump to exit.
func (h *Handler) readPump(socket *websocket.Conn, conn *registry.Connection, done chan struct{}) {
	defer func() {
		close(done)
		h.reg.Unregister(conn.ID())
	}()

	socket.SetReadLimit(maxMessageSize)
	_ = socket.SetReadDeadline(time.Now().Add(pongWait))
	socket.SetPongHandler(func(string) error {
		conn.Touch()
		return socket.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := socket.ReadMessage()
		if err != nil {
			return
		}
		conn.Touch()
		h.handleInbound(conn, raw)
	}
}

func (h *Handler) handleInbound(conn *registry.Connection, raw []byte) {
	var frame inboundFrame
	if err := decodeInbound(raw, &frame); err != nil {
		conn.TrySend(wrapControl(EncodeError(CodeInvalidMessage, "malformed frame")))
		return
	}

	switch frame.Type {
	case "Subscribe":
		h.handleSubscribe(conn, frame.Payload)
	case "Unsubscribe":
		h.handleUnsubscribe(conn, frame.Payload)
	case "Ack":
		h.handleAck(conn, frame.Payload)
	case "Ping":
		conn.TrySend(wrapControl(EncodePong()))
	default:
		conn.TrySend(wrapControl(EncodeError(CodeUnsupportedFormat, "unknown frame type: "+frame.Type)))
	}
}

func (h *Handler) handleSubscribe(conn *registry.Connection, payload []byte) {
	var body channelsPayload
	if err := json.Unmarshal(payload, &body); err != nil || len(body.Channels) == 0 {
		conn.TrySend(wrapControl(EncodeError(CodeInvalidMessage, "subscribe requires a non-empty channels list")))
		return
	}
	var ok []string
	for _, name := range body.Channels {
		if err := h.reg.Subscribe(conn.ID(), name); err != nil {
			conn.TrySend(wrapControl(EncodeError(CodeSubscriptionError, err.Error())))
			continue
		}
		ok = append(ok, name)
	}
	if len(ok) > 0 {
		conn.TrySend(wrapControl(EncodeSubscribed(ok)))
	}
}

func (h *Handler) handleUnsubscribe(conn *registry.Connection, payload []byte) {
	var body channelsPayload
	if err := json.Unmarshal(payload, &body); err != nil || len(body.Channels) == 0 {
		conn.TrySend(wrapControl(EncodeError(CodeInvalidMessage, "unsubscribe requires a non-empty channels list")))
		return
	}
	var ok []string
	for _, name := range body.Channels {
		if err := h.reg.Unsubscribe(conn.ID(), name); err != nil {
			conn.TrySend(wrapControl(EncodeError(CodeSubscriptionError, err.Error())))
			continue
		}
		ok = append(ok, name)
	}
	if len(ok) > 0 {
		conn.TrySend(wrapControl(EncodeUnsubscribed(ok)))
	}
}

// handleAck resolves a client's acknowledgement against the ACK tracker,
// binding it to the acknowledging connection's own user id so one client
// can never acknowledge another user's delivery (spec §4.5/§7/§8 invariant
// 7 "user mismatch is a security boundary").
func (h *Handler) handleAck(conn *registry.Connection, payload []byte) {
	var body ackPayload
	if err := json.Unmarshal(payload, &body); err != nil {
		conn.TrySend(wrapControl(EncodeError(CodeInvalidAck, "malformed ack payload")))
		return
	}
	id, err := parseUUID(body.NotificationID)
	if err != nil {
		conn.TrySend(wrapControl(EncodeError(CodeInvalidAck, "invalid notification_id")))
		return
	}
	result := h.acks.Acknowledge(id, conn.UserID())
	switch result.Outcome {
	case acktracker.AckAcked:
		conn.TrySend(wrapControl(EncodeAcked(body.NotificationID)))
	default:
		conn.TrySend(wrapControl(EncodeError(CodeInvalidAck, "ack "+result.Outcome.String())))
	}
}
