package dispatch

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webitel/notifyhub/internal/dispatchcore/acktracker"
	"github.com/webitel/notifyhub/internal/dispatchcore/event"
	"github.com/webitel/notifyhub/internal/dispatchcore/registry"
	"github.com/webitel/notifyhub/internal/offlinequeue"
)

const testTenant = "tenant-a"

func newTestDispatcher() (*Dispatcher, *registry.Registry, offlinequeue.Backend) {
	reg := registry.New(registry.DefaultLimits())
	queue := offlinequeue.NewMemoryBackend(offlinequeue.DefaultConfig())
	acks := acktracker.New()
	d := New(reg, queue, acks, JSONEncoder, nil)
	return d, reg, queue
}

func TestDispatch_ToUser_DeliversToLiveConnection(t *testing.T) {
	d, reg, _ := newTestDispatcher()
	userID := uuid.New()
	conn, err := reg.Register(userID, testTenant, nil)
	require.NoError(t, err)

	ev := event.New("test", nil, event.Metadata{})
	result, err := d.Dispatch(context.Background(), event.ForUser(testTenant, userID), ev)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Delivered)
	assert.Equal(t, 0, result.Queued)

	received := <-conn.Recv()
	assert.Equal(t, ev.ID, received.Event.ID)
}

func TestDispatch_ToUser_QueuesWhenOffline(t *testing.T) {
	d, _, queue := newTestDispatcher()
	userID := uuid.New()

	ev := event.New("test", nil, event.Metadata{})
	result, err := d.DispatchToUser(context.Background(), userID, testTenant, ev)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Delivered)
	assert.Equal(t, 1, result.Queued)

	depth, err := queue.Depth(context.Background(), testTenant, userID)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

func TestDispatch_Broadcast_DoesNotQueueUnreachable(t *testing.T) {
	d, reg, queue := newTestDispatcher()
	userID := uuid.New()
	_, err := reg.Register(userID, testTenant, nil)
	require.NoError(t, err)

	ev := event.New("test", nil, event.Metadata{})
	result, err := d.Dispatch(context.Background(), event.ForBroadcast(testTenant), ev)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Delivered)
	assert.Equal(t, 0, result.Queued)

	depth, _ := queue.Depth(context.Background(), testTenant, userID)
	assert.Equal(t, 0, depth)
}

func TestDispatch_Broadcast_FiltersByAudience(t *testing.T) {
	d, reg, _ := newTestDispatcher()
	agent, err := reg.Register(uuid.New(), testTenant, []string{"agent"})
	require.NoError(t, err)
	supervisor, err := reg.Register(uuid.New(), testTenant, []string{"supervisor"})
	require.NoError(t, err)

	ev := event.New("test", nil, event.Metadata{Audience: []string{"supervisor"}})
	result, err := d.Dispatch(context.Background(), event.ForBroadcast(testTenant), ev)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Delivered)

	received := <-supervisor.Recv()
	assert.Equal(t, ev.ID, received.Event.ID)

	select {
	case <-agent.Recv():
		t.Fatal("agent connection should not have received an audience-restricted broadcast")
	default:
	}
}

func TestDispatch_ToChannel_FansOutToSubscribers(t *testing.T) {
	d, reg, _ := newTestDispatcher()
	connA, err := reg.Register(uuid.New(), testTenant, nil)
	require.NoError(t, err)
	connB, err := reg.Register(uuid.New(), testTenant, nil)
	require.NoError(t, err)
	require.NoError(t, reg.Subscribe(connA.ID(), "alerts"))
	require.NoError(t, reg.Subscribe(connB.ID(), "alerts"))

	ev := event.New("test", nil, event.Metadata{})
	result, err := d.Dispatch(context.Background(), event.ForChannel(testTenant, "alerts"), ev)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Delivered)

	msgA := <-connA.Recv()
	assert.Equal(t, event.PreSerializedMessage, msgA.Kind)
}

func TestDispatch_ToChannels_DedupesSharedSubscribers(t *testing.T) {
	d, reg, _ := newTestDispatcher()
	conn, err := reg.Register(uuid.New(), testTenant, nil)
	require.NoError(t, err)
	require.NoError(t, reg.Subscribe(conn.ID(), "alerts"))
	require.NoError(t, reg.Subscribe(conn.ID(), "incidents"))

	ev := event.New("test", nil, event.Metadata{})
	result, err := d.Dispatch(context.Background(), event.ForChannels(testTenant, []string{"alerts", "incidents"}), ev)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Delivered, "a connection subscribed to both channels must receive the event once")
}

func TestDispatch_CriticalPriority_RegistersACK(t *testing.T) {
	reg := registry.New(registry.DefaultLimits())
	queue := offlinequeue.NewMemoryBackend(offlinequeue.DefaultConfig())
	acks := acktracker.New()
	d := New(reg, queue, acks, JSONEncoder, nil)

	userID := uuid.New()
	conn, err := reg.Register(userID, testTenant, nil)
	require.NoError(t, err)

	ev := event.New("test", nil, event.Metadata{Priority: event.PriorityCritical})
	_, err = d.Dispatch(context.Background(), event.ForUser(testTenant, userID), ev)
	require.NoError(t, err)

	assert.True(t, acks.IsPending(ev.ID))
	_ = conn
}

func TestDispatch_SingleRecipient_SendsRawNotPreSerialized(t *testing.T) {
	d, reg, _ := newTestDispatcher()
	userID := uuid.New()
	conn, err := reg.Register(userID, testTenant, nil)
	require.NoError(t, err)

	ev := event.New("test", nil, event.Metadata{})
	_, err = d.Dispatch(context.Background(), event.ForUser(testTenant, userID), ev)
	require.NoError(t, err)

	received := <-conn.Recv()
	assert.Equal(t, event.RawMessage, received.Kind)
}

func TestFlushOffline_DeliversDrainedBacklog(t *testing.T) {
	d, reg, _ := newTestDispatcher()
	userID := uuid.New()

	ev := event.New("test", nil, event.Metadata{})
	_, err := d.DispatchToUser(context.Background(), userID, testTenant, ev)
	require.NoError(t, err)

	conn, err := reg.Register(userID, testTenant, nil)
	require.NoError(t, err)

	delivered, err := d.FlushOffline(context.Background(), conn, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)
}
