package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/webitel/notifyhub/internal/dispatchcore/event"
)

// maxBatchItems and maxBatchBytes bound the batch endpoint per spec §6
// ("≤ 100 items, ≤ 1 MB").
const (
	maxBatchItems = 100
	maxBatchBytes = 1 << 20
)

type batchRequest struct {
	Notifications []batchItem  `json:"notifications"`
	Options       batchOptions `json:"options"`
}

type batchOptions struct {
	StopOnError bool `json:"stop_on_error"`
	Deduplicate bool `json:"deduplicate"`
}

type batchItem struct {
	TargetKind    string   `json:"target_kind"`
	TargetUserID  string   `json:"target_user_id,omitempty"`
	TargetUserIDs []string `json:"target_user_ids,omitempty"`
	Channel       string   `json:"channel,omitempty"`
	Channels      []string `json:"channels,omitempty"`
	notificationBody
}

type batchResultItem struct {
	NotificationID uuid.UUID `json:"notification_id,omitempty"`
	Success        bool      `json:"success"`
	DeliveredTo    int       `json:"delivered_to"`
	Failed         int       `json:"failed"`
	Duplicate      bool      `json:"duplicate,omitempty"`
	Error          string    `json:"error,omitempty"`
}

type batchSummary struct {
	Total      int `json:"total"`
	Succeeded  int `json:"succeeded"`
	Failed     int `json:"failed"`
	Duplicates int `json:"duplicates"`
}

// handleBatch dispatches a set of independently-targeted notifications in
// one request (spec §6 `POST /api/v1/notifications/batch`). `deduplicate`
// skips items whose (target, event_type, payload) key repeats earlier in
// the same batch; `stop_on_error` switches from the default
// all-items-in-parallel mode to a sequential pass that halts at the first
// per-item error instead of reporting every item's outcome.
func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBatchBytes)

	var req batchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body or body exceeds 1MB")
		return
	}
	if len(req.Notifications) > maxBatchItems {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("batch exceeds %d items", maxBatchItems))
		return
	}

	tenantID := tenantFromRequest(r)
	results := make([]batchResultItem, len(req.Notifications))
	duplicate := make([]bool, len(req.Notifications))
	if req.Options.Deduplicate {
		seen := make(map[string]struct{})
		for i, item := range req.Notifications {
			key := dedupeKey(item)
			if _, dup := seen[key]; dup {
				duplicate[i] = true
				continue
			}
			seen[key] = struct{}{}
		}
	}

	dispatchOne := func(ctx context.Context, i int, item batchItem) {
		if duplicate[i] {
			results[i] = batchResultItem{Duplicate: true, Error: "duplicate within batch"}
			return
		}

		target, err := item.toTarget(tenantID)
		if err != nil {
			results[i] = batchResultItem{Error: err.Error()}
			return
		}
		ev := item.notificationBody.toEvent()
		result, err := s.dispatcher.Dispatch(ctx, target, ev)
		if err != nil {
			results[i] = batchResultItem{NotificationID: ev.ID, Error: err.Error()}
			return
		}
		results[i] = batchResultItem{
			NotificationID: ev.ID,
			Success:        true,
			DeliveredTo:    result.Delivered,
			Failed:         result.Dropped,
		}
	}

	if req.Options.StopOnError {
		processed := 0
		for i, item := range req.Notifications {
			dispatchOne(r.Context(), i, item)
			processed++
			if !results[i].Success && !results[i].Duplicate {
				break
			}
		}
		results = results[:processed]
	} else {
		group, ctx := errgroup.WithContext(r.Context())
		for i, item := range req.Notifications {
			i, item := i, item
			group.Go(func() error {
				dispatchOne(ctx, i, item)
				return nil
			})
		}
		_ = group.Wait()
	}

	summary := batchSummary{Total: len(req.Notifications)}
	for _, res := range results {
		switch {
		case res.Duplicate:
			summary.Duplicates++
		case res.Success:
			summary.Succeeded++
		default:
			summary.Failed++
		}
	}

	writeJSON(w, http.StatusMultiStatus, map[string]any{
		"batch_id": uuid.New(),
		"results":  results,
		"summary":  summary,
	})
}

func dedupeKey(item batchItem) string {
	return fmt.Sprintf("%s|%s|%v|%s|%v|%s|%v",
		item.TargetKind, item.TargetUserID, item.TargetUserIDs,
		item.Channel, item.Channels, item.EventType, item.Payload)
}

func (item batchItem) toTarget(tenantID string) (event.Target, error) {
	switch item.TargetKind {
	case "user":
		id, err := uuid.Parse(item.TargetUserID)
		if err != nil {
			return event.Target{}, errInvalidField("target_user_id")
		}
		return event.ForUser(tenantID, id), nil
	case "users":
		ids := make([]uuid.UUID, 0, len(item.TargetUserIDs))
		for _, raw := range item.TargetUserIDs {
			id, err := uuid.Parse(raw)
			if err != nil {
				return event.Target{}, errInvalidField("target_user_ids")
			}
			ids = append(ids, id)
		}
		return event.ForUsers(tenantID, ids), nil
	case "broadcast":
		return event.ForBroadcast(tenantID), nil
	case "channel":
		return event.ForChannel(tenantID, item.Channel), nil
	case "channels":
		return event.ForChannels(tenantID, item.Channels), nil
	default:
		return event.Target{}, errInvalidField("target_kind")
	}
}

// channelListEntry mirrors spec §6 `GET /api/v1/channels` ("list of
// {name, subscriber_count}").
type channelListEntry struct {
	Name            string `json:"name"`
	SubscriberCount int    `json:"subscriber_count"`
}

func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request) {
	infos := s.registry.Channels(tenantFromRequest(r))
	out := make([]channelListEntry, 0, len(infos))
	for _, info := range infos {
		out = append(out, channelListEntry{Name: info.Name, SubscriberCount: info.SubscriberCount})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleChannelDetail(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	tenantID := tenantFromRequest(r)
	conns := s.registry.ConnectionsForChannel(tenantID, name)
	if len(conns) == 0 {
		writeError(w, http.StatusNotFound, "channel not found")
		return
	}
	writeJSON(w, http.StatusOK, channelListEntry{Name: name, SubscriberCount: len(conns)})
}

// userSubscriptionsResponse mirrors spec §6
// `GET /api/v1/users/{user_id}/subscriptions`.
type userSubscriptionsResponse struct {
	UserID          uuid.UUID `json:"user_id"`
	ConnectionCount int       `json:"connection_count"`
	Subscriptions   []string  `json:"subscriptions"`
}

func (s *Server) handleUserSubscriptions(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "user_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	conns := s.registry.ConnectionsForUser(userID)
	if len(conns) == 0 {
		writeError(w, http.StatusNotFound, "user not connected")
		return
	}
	seen := make(map[string]struct{})
	var all []string
	for _, conn := range conns {
		subs, err := s.registry.Subscriptions(conn.ID())
		if err != nil {
			continue
		}
		for _, name := range subs {
			if _, ok := seen[name]; !ok {
				seen[name] = struct{}{}
				all = append(all, name)
			}
		}
	}
	sort.Strings(all)
	writeJSON(w, http.StatusOK, userSubscriptionsResponse{
		UserID:          userID,
		ConnectionCount: len(conns),
		Subscriptions:   all,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": version,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]any{
		"registry":   s.registry.Stats(),
		"dispatcher": s.dispatcher.Stats(),
		"acks":       s.acks.Stats(),
		"uptime":     time.Since(s.startedAt).String(),
	}
	if s.heartbeat != nil {
		stats["reaped_total"] = s.heartbeat.ReapedTotal()
	}
	writeJSON(w, http.StatusOK, stats)
}

func errInvalidField(name string) error {
	return &invalidFieldError{field: name}
}

type invalidFieldError struct{ field string }

func (e *invalidFieldError) Error() string { return "invalid field: " + e.field }
