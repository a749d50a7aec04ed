package registry

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/webitel/notifyhub/internal/dispatchcore/event"
)

func TestRegister_AssignsIndexesAndCountsConnection(t *testing.T) {
	r := New(DefaultLimits())
	userID := uuid.New()

	conn, err := r.Register(userID, "tenant-a", []string{"agent"})
	require.NoError(t, err)
	require.NotNil(t, conn)

	assert.True(t, r.IsUserConnected(userID))
	assert.Len(t, r.ConnectionsForUser(userID), 1)
	assert.Len(t, r.ConnectionsForTenant("tenant-a"), 1)
	assert.EqualValues(t, 1, r.Stats().TotalConnections)
}

func TestRegister_EnforcesPerUserLimit(t *testing.T) {
	limits := DefaultLimits()
	limits.MaxPerUser = 1
	r := New(limits)
	userID := uuid.New()

	_, err := r.Register(userID, "", nil)
	require.NoError(t, err)

	_, err = r.Register(userID, "", nil)
	assert.ErrorIs(t, err, ErrCapacityExceeded)

	// total counter must have been rolled back, not leaked
	assert.EqualValues(t, 1, r.Stats().TotalConnections)
}

func TestRegister_EnforcesGlobalLimit(t *testing.T) {
	limits := DefaultLimits()
	limits.MaxTotalConnections = 1
	r := New(limits)

	_, err := r.Register(uuid.New(), "", nil)
	require.NoError(t, err)

	_, err = r.Register(uuid.New(), "", nil)
	assert.ErrorIs(t, err, ErrCapacityExceeded)
}

func TestUnregister_ReleasesCapacityForReuse(t *testing.T) {
	limits := DefaultLimits()
	limits.MaxPerUser = 1
	r := New(limits)
	userID := uuid.New()

	conn, err := r.Register(userID, "", nil)
	require.NoError(t, err)

	r.Unregister(conn.ID())
	assert.False(t, r.IsUserConnected(userID))

	_, err = r.Register(userID, "", nil)
	assert.NoError(t, err)
}

func TestUnregister_IsIdempotent(t *testing.T) {
	r := New(DefaultLimits())
	conn, err := r.Register(uuid.New(), "", nil)
	require.NoError(t, err)

	r.Unregister(conn.ID())
	assert.NotPanics(t, func() { r.Unregister(conn.ID()) })
}

func TestSubscribe_RejectsInvalidChannelName(t *testing.T) {
	r := New(DefaultLimits())
	conn, err := r.Register(uuid.New(), "tenant-a", nil)
	require.NoError(t, err)

	err = r.Subscribe(conn.ID(), "")
	assert.ErrorIs(t, err, ErrInvalidChannelName)

	err = r.Subscribe(conn.ID(), "has a space")
	assert.ErrorIs(t, err, ErrInvalidChannelName)
}

func TestSubscribe_IsNamespacedPerTenant(t *testing.T) {
	r := New(DefaultLimits())
	connA, err := r.Register(uuid.New(), "tenant-a", nil)
	require.NoError(t, err)
	connB, err := r.Register(uuid.New(), "tenant-b", nil)
	require.NoError(t, err)

	require.NoError(t, r.Subscribe(connA.ID(), "alerts"))
	require.NoError(t, r.Subscribe(connB.ID(), "alerts"))

	assert.Len(t, r.ConnectionsForChannel("tenant-a", "alerts"), 1)
	assert.Len(t, r.ConnectionsForChannel("tenant-b", "alerts"), 1)

	subs, err := r.Subscriptions(connA.ID())
	require.NoError(t, err)
	assert.Equal(t, []string{"alerts"}, subs)
}

func TestSubscribe_EnforcesPerConnectionLimit(t *testing.T) {
	limits := DefaultLimits()
	limits.MaxSubsPerConn = 1
	r := New(limits)
	conn, err := r.Register(uuid.New(), "", nil)
	require.NoError(t, err)

	require.NoError(t, r.Subscribe(conn.ID(), "one"))
	err = r.Subscribe(conn.ID(), "two")
	assert.ErrorIs(t, err, ErrTooManySubs)
}

func TestUnsubscribe_RemovesFromChannelIndex(t *testing.T) {
	r := New(DefaultLimits())
	conn, err := r.Register(uuid.New(), "tenant-a", nil)
	require.NoError(t, err)
	require.NoError(t, r.Subscribe(conn.ID(), "alerts"))

	require.NoError(t, r.Unsubscribe(conn.ID(), "alerts"))
	assert.Empty(t, r.ConnectionsForChannel("tenant-a", "alerts"))
}

func TestCleanupStale_EvictsOnlyMatchingConnections(t *testing.T) {
	r := New(DefaultLimits())
	staleConn, err := r.Register(uuid.New(), "", nil)
	require.NoError(t, err)
	freshConn, err := r.Register(uuid.New(), "", nil)
	require.NoError(t, err)

	n := r.CleanupStale(func(c *Connection) bool {
		return c.ID() == staleConn.ID()
	})

	assert.Equal(t, 1, n)
	_, ok := r.Get(staleConn.ID())
	assert.False(t, ok)
	_, ok = r.Get(freshConn.ID())
	assert.True(t, ok)
}

func TestConnection_TrySend_NeverBlocksWhenFull(t *testing.T) {
	r := New(DefaultLimits())
	r.limits.OutboundBufferSize = 1
	conn, err := r.Register(uuid.New(), "", nil)
	require.NoError(t, err)

	ev := event.New("test", nil, event.Metadata{Priority: event.PriorityNormal})
	assert.True(t, conn.TrySend(event.NewRaw(ev)))

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.TrySend(event.NewRaw(ev))
	}()
	select {
	case <-done:
	default:
	}
	<-done // TrySend must return promptly regardless of fill state
	assert.True(t, true)
}

func TestConnection_TrySend_EvictsLowerPriorityWhenFull(t *testing.T) {
	r := New(DefaultLimits())
	r.limits.OutboundBufferSize = 1
	conn, err := r.Register(uuid.New(), "", nil)
	require.NoError(t, err)

	low := event.New("low", nil, event.Metadata{Priority: event.PriorityLow})
	high := event.New("high", nil, event.Metadata{Priority: event.PriorityCritical})

	require.True(t, conn.TrySend(event.NewRaw(low)))
	ok := conn.TrySend(event.NewRaw(high))
	assert.True(t, ok)

	received := <-conn.Recv()
	assert.Equal(t, "high", received.Event.Type)
}

func TestChannels_ListsOnlyNonEmptyChannelsForTenant(t *testing.T) {
	r := New(DefaultLimits())
	connA, err := r.Register(uuid.New(), "tenant-a", nil)
	require.NoError(t, err)
	connB, err := r.Register(uuid.New(), "tenant-a", nil)
	require.NoError(t, err)
	other, err := r.Register(uuid.New(), "tenant-b", nil)
	require.NoError(t, err)

	require.NoError(t, r.Subscribe(connA.ID(), "alerts"))
	require.NoError(t, r.Subscribe(connB.ID(), "alerts"))
	require.NoError(t, r.Subscribe(connA.ID(), "incidents"))
	require.NoError(t, r.Subscribe(other.ID(), "alerts"))
	require.NoError(t, r.Unsubscribe(connA.ID(), "incidents"))

	infos := r.Channels("tenant-a")
	require.Len(t, infos, 1)
	assert.Equal(t, "alerts", infos[0].Name)
	assert.Equal(t, 2, infos[0].SubscriberCount)
}

func TestShutdown_NotifiesEveryConnectionBeforeUnregistering(t *testing.T) {
	r := New(DefaultLimits())
	connA, err := r.Register(uuid.New(), "", nil)
	require.NoError(t, err)
	connB, err := r.Register(uuid.New(), "", nil)
	require.NoError(t, err)

	var notified []uuid.UUID
	r.Shutdown(func(c *Connection) {
		notified = append(notified, c.ID())
	})

	assert.ElementsMatch(t, []uuid.UUID{connA.ID(), connB.ID()}, notified)
	_, ok := r.Get(connA.ID())
	assert.False(t, ok)
	_, ok = r.Get(connB.ID())
	assert.False(t, ok)
}

func TestRegistry_ConcurrentRegisterUnregister(t *testing.T) {
	r := New(DefaultLimits())
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := r.Register(uuid.New(), "tenant-a", nil)
			if err != nil {
				return
			}
			r.Unregister(conn.ID())
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 0, r.Stats().TotalConnections)
}
