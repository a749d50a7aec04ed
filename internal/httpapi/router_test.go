package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webitel/notifyhub/internal/dispatchcore/acktracker"
	"github.com/webitel/notifyhub/internal/dispatchcore/dispatch"
	"github.com/webitel/notifyhub/internal/dispatchcore/heartbeat"
	"github.com/webitel/notifyhub/internal/dispatchcore/registry"
	"github.com/webitel/notifyhub/internal/offlinequeue"
)

func newTestServer() (*Server, *registry.Registry) {
	reg := registry.New(registry.DefaultLimits())
	queue := offlinequeue.NewMemoryBackend(offlinequeue.DefaultConfig())
	acks := acktracker.New()
	d := dispatch.New(reg, queue, acks, dispatch.JSONEncoder, nil)
	hb := heartbeat.New(reg, queue, acks, heartbeat.DefaultConfig(), func() []byte { return nil }, nil)
	return NewServer(d, reg, acks, hb), reg
}

func TestHandleSend_QueuesWhenOffline(t *testing.T) {
	s, _ := newTestServer()
	userID := uuid.New()

	body, _ := json.Marshal(map[string]any{
		"target_user_id": userID.String(),
		"event_type":     "ping",
		"payload":        map[string]any{},
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/notifications/send", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp sendResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Queued)
	assert.True(t, resp.Success)
}

func TestHandleSend_InvalidUUID(t *testing.T) {
	s, _ := newTestServer()
	body, _ := json.Marshal(map[string]any{"target_user_id": "not-a-uuid", "event_type": "ping", "payload": map[string]any{}})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/notifications/send", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleSendToChannel_RejectsInvalidName(t *testing.T) {
	s, _ := newTestServer()
	body, _ := json.Marshal(map[string]any{"channel": "bad name", "event_type": "x", "payload": map[string]any{}})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/notifications/channel", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleBroadcast_Succeeds(t *testing.T) {
	s, _ := newTestServer()
	body, _ := json.Marshal(map[string]any{"event_type": "a", "payload": map[string]any{}})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/notifications/broadcast", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestHandleBatch_ReportsPerItemResults(t *testing.T) {
	s, _ := newTestServer()
	body, _ := json.Marshal(map[string]any{
		"notifications": []map[string]any{
			{"target_kind": "broadcast", "event_type": "a", "payload": map[string]any{}},
			{"target_kind": "bogus", "event_type": "b", "payload": map[string]any{}},
		},
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/notifications/batch", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusMultiStatus, rec.Code)
	var resp struct {
		Results []batchResultItem `json:"results"`
		Summary batchSummary      `json:"summary"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Results, 2)
	assert.Empty(t, resp.Results[0].Error)
	assert.NotEmpty(t, resp.Results[1].Error)
	assert.Equal(t, 1, resp.Summary.Succeeded)
	assert.Equal(t, 1, resp.Summary.Failed)
}

func TestHandleBatch_StopOnErrorHaltsAtFirstFailure(t *testing.T) {
	s, _ := newTestServer()
	body, _ := json.Marshal(map[string]any{
		"notifications": []map[string]any{
			{"target_kind": "bogus", "event_type": "a", "payload": map[string]any{}},
			{"target_kind": "broadcast", "event_type": "b", "payload": map[string]any{}},
		},
		"options": map[string]any{"stop_on_error": true},
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/notifications/batch", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusMultiStatus, rec.Code)
	var resp struct {
		Results []batchResultItem `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Results, 1, "must stop after the first failing item")
}

func TestHandleHealth_ReturnsOK(t *testing.T) {
	s, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleListChannels_ReturnsBareArray(t *testing.T) {
	s, reg := newTestServer()
	conn, err := reg.Register(uuid.New(), "", nil)
	require.NoError(t, err)
	require.NoError(t, reg.Subscribe(conn.ID(), "alerts"))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/channels", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var entries []channelListEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "alerts", entries[0].Name)
	assert.Equal(t, 1, entries[0].SubscriberCount)
}

func TestHandleChannelDetail_UnknownChannel_Returns404(t *testing.T) {
	s, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/channels/nonexistent", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleUserSubscriptions_ListsAcrossConnections(t *testing.T) {
	s, reg := newTestServer()
	userID := uuid.New()
	conn, err := reg.Register(userID, "", nil)
	require.NoError(t, err)
	require.NoError(t, reg.Subscribe(conn.ID(), "alerts"))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/users/"+userID.String()+"/subscriptions", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp userSubscriptionsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, []string{"alerts"}, resp.Subscriptions)
	assert.Equal(t, 1, resp.ConnectionCount)
}

func TestHandleUserSubscriptions_UnknownUser_Returns404(t *testing.T) {
	s, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/users/"+uuid.New().String()+"/subscriptions", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
