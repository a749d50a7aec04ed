// Package httpapi implements the REST surface of spec §6 using go-chi/chi,
// translating each endpoint into a (Target, Event) pair dispatched through
// the core.
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/webitel/notifyhub/internal/dispatchcore/acktracker"
	"github.com/webitel/notifyhub/internal/dispatchcore/dispatch"
	"github.com/webitel/notifyhub/internal/dispatchcore/event"
	"github.com/webitel/notifyhub/internal/dispatchcore/heartbeat"
	"github.com/webitel/notifyhub/internal/dispatchcore/registry"
)

// version is surfaced by GET /health; bumped manually alongside releases,
// matching the teacher's static build-info constant (no VCS-embedded build
// stamping in this retrieved slice).
const version = "0.1.0"

// Server wires the dispatcher, registry, and ACK tracker into an
// http.Handler. Built with chi.Router, matching the teacher's stack choice.
type Server struct {
	dispatcher *dispatch.Dispatcher
	registry   *registry.Registry
	acks       *acktracker.Tracker
	heartbeat  *heartbeat.Task
	router     chi.Router
	startedAt  time.Time
}

func NewServer(dispatcher *dispatch.Dispatcher, reg *registry.Registry, acks *acktracker.Tracker, hb *heartbeat.Task) *Server {
	s := &Server{dispatcher: dispatcher, registry: reg, acks: acks, heartbeat: hb, startedAt: time.Now()}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/stats", s.handleStats)

	r.Route("/api/v1/notifications", func(r chi.Router) {
		r.Post("/send", s.handleSend)
		r.Post("/send-to-users", s.handleSendToUsers)
		r.Post("/broadcast", s.handleBroadcast)
		r.Post("/channel", s.handleSendToChannel)
		r.Post("/channels", s.handleSendToChannels)
		r.Post("/batch", s.handleBatch)
	})

	r.Route("/api/v1/channels", func(r chi.Router) {
		r.Get("/", s.handleListChannels)
		r.Get("/{name}", s.handleChannelDetail)
	})

	r.Get("/api/v1/users/{user_id}/subscriptions", s.handleUserSubscriptions)

	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

// tenantFromRequest reads the caller's tenant from the same header the WS
// dev authenticator uses (internal/authstub), so the HTTP surface and the
// push transports agree on tenant scoping without requiring full auth
// wiring into this package (spec Non-goal: JWT validation).
func tenantFromRequest(r *http.Request) string {
	return r.Header.Get("X-Tenant-Id")
}

// notificationBody is the event-describing portion shared by every
// single-target send endpoint (spec §6 request bodies).
type notificationBody struct {
	EventType     string         `json:"event_type"`
	Payload       map[string]any `json:"payload"`
	Priority      string         `json:"priority,omitempty"`
	TTL           int64          `json:"ttl,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Audience      []string       `json:"audience,omitempty"`
}

func (b notificationBody) toEvent() *event.Event {
	return event.New(b.EventType, b.Payload, event.Metadata{
		Priority:      event.ParsePriority(b.Priority),
		TTLSeconds:    b.TTL,
		CorrelationID: b.CorrelationID,
		Audience:      b.Audience,
	})
}

// sendResponse is the success shape of every single-target send endpoint
// (spec §6 "{success, notification_id, delivered_to, failed, timestamp}").
type sendResponse struct {
	Success        bool      `json:"success"`
	NotificationID uuid.UUID `json:"notification_id"`
	DeliveredTo    int       `json:"delivered_to"`
	Failed         int       `json:"failed"`
	Queued         int       `json:"queued"`
	Timestamp      time.Time `json:"timestamp"`
}

func (s *Server) dispatchAndRespond(w http.ResponseWriter, r *http.Request, target event.Target, ev *event.Event) {
	result, err := s.dispatcher.Dispatch(r.Context(), target, ev)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, sendResponse{
		Success:        true,
		NotificationID: ev.ID,
		DeliveredTo:    result.Delivered,
		Failed:         result.Dropped,
		Queued:         result.Queued,
		Timestamp:      time.Now().UTC(),
	})
}

type sendRequest struct {
	TargetUserID string `json:"target_user_id"`
	notificationBody
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	userID, err := uuid.Parse(req.TargetUserID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid target_user_id")
		return
	}
	s.dispatchAndRespond(w, r, event.ForUser(tenantFromRequest(r), userID), req.notificationBody.toEvent())
}

type sendToUsersRequest struct {
	TargetUserIDs []string `json:"target_user_ids"`
	notificationBody
}

func (s *Server) handleSendToUsers(w http.ResponseWriter, r *http.Request) {
	var req sendToUsersRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	ids := make([]uuid.UUID, 0, len(req.TargetUserIDs))
	for _, raw := range req.TargetUserIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid target_user_ids entry: "+raw)
			return
		}
		ids = append(ids, id)
	}
	s.dispatchAndRespond(w, r, event.ForUsers(tenantFromRequest(r), ids), req.notificationBody.toEvent())
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var req notificationBody
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.dispatchAndRespond(w, r, event.ForBroadcast(tenantFromRequest(r)), req.toEvent())
}

type sendToChannelRequest struct {
	Channel string `json:"channel"`
	notificationBody
}

func (s *Server) handleSendToChannel(w http.ResponseWriter, r *http.Request) {
	var req sendToChannelRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !registry.ValidChannelName(req.Channel) {
		writeError(w, http.StatusBadRequest, "invalid channel name")
		return
	}
	s.dispatchAndRespond(w, r, event.ForChannel(tenantFromRequest(r), req.Channel), req.notificationBody.toEvent())
}

type sendToChannelsRequest struct {
	Channels []string `json:"channels"`
	notificationBody
}

func (s *Server) handleSendToChannels(w http.ResponseWriter, r *http.Request) {
	var req sendToChannelsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	for _, ch := range req.Channels {
		if !registry.ValidChannelName(ch) {
			writeError(w, http.StatusBadRequest, "invalid channel name: "+ch)
			return
		}
	}
	s.dispatchAndRespond(w, r, event.ForChannels(tenantFromRequest(r), req.Channels), req.notificationBody.toEvent())
}

func decodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
