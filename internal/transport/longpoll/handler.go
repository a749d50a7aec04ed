// Package longpoll implements the long-polling transport (spec §4.10),
// adapted from the teacher's internal/handler/lp/delivery.go batched-drain
// handler: wait up to a timeout for the first message, then drain a bounded
// number of additional already-queued messages before responding.
package longpoll

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/webitel/notifyhub/internal/authstub"
	"github.com/webitel/notifyhub/internal/dispatchcore/dispatch"
	"github.com/webitel/notifyhub/internal/dispatchcore/event"
	"github.com/webitel/notifyhub/internal/dispatchcore/registry"
)

const (
	defaultTimeout  = 30 * time.Second
	maxExtraDrained = 15
)

// Handler registers a short-lived connection per poll: the client connects,
// waits (up to Timeout) for a message, and disconnects — there is no
// standing socket, so every call is a fresh Register/Unregister pair.
type Handler struct {
	reg        *registry.Registry
	dispatcher *dispatch.Dispatcher
	auth       authstub.Authenticator
	log        *slog.Logger

	Timeout    time.Duration
	flushLimit int
}

func NewHandler(reg *registry.Registry, dispatcher *dispatch.Dispatcher, auth authstub.Authenticator, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{reg: reg, dispatcher: dispatcher, auth: auth, log: logger, Timeout: defaultTimeout, flushLimit: 100}
}

type pollResponse struct {
	Events []*event.Event `json:"events"`
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
	defer h.reg.Unregister(conn.ID())

	for _, channel := range r.URL.Query()["channel"] {
		_ = h.reg.Subscribe(conn.ID(), channel)
	}

	var events []*event.Event
	if backlog, err := h.dispatcher.FlushOffline(r.Context(), conn, h.flushLimit); err == nil && backlog > 0 {
		h.log.Info("longpoll: flushed offline backlog", "user_id", identity.UserID, "count", backlog)
	}

	timer := time.NewTimer(h.Timeout)
	defer timer.Stop()

	select {
	case <-r.Context().Done():
		writeJSON(w, pollResponse{Events: nil})
		return
	case <-timer.C:
		writeJSON(w, pollResponse{Events: nil})
		return
	case msg, ok := <-conn.Recv():
		if ok && msg.Event != nil {
			events = append(events, msg.Event)
		}
	}

	events = append(events, drainExtra(conn)...)
	conn.Touch()
	writeJSON(w, pollResponse{Events: events})
}

// drainExtra makes a best-effort, strictly non-blocking attempt to batch up
// additional already-queued messages onto the same response, bounded by
// maxExtraDrained (spec §4.10, grounded on the teacher's lp handler's
// post-first-event drain loop).
func drainExtra(conn *registry.Connection) []*event.Event {
	var extra []*event.Event
	for i := 0; i < maxExtraDrained; i++ {
		select {
		case msg, ok := <-conn.Recv():
			if !ok || msg.Event == nil {
				return extra
			}
			extra = append(extra, msg.Event)
		default:
			return extra
		}
	}
	return extra
}

func writeJSON(w http.ResponseWriter, resp pollResponse) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
