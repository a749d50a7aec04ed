package offlinequeue

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/webitel/notifyhub/internal/dispatchcore/event"
)

const testTenant = "tenant-a"

func newTestMessage(userID uuid.UUID) QueuedMessage {
	ev := event.New("test.event", map[string]any{"k": "v"}, event.Metadata{})
	return QueuedMessage{ID: ev.ID, UserID: userID, TenantID: testTenant, Event: ev, EnqueuedAt: time.Now()}
}

func TestMemoryBackend_DrainReturnsFIFOOrder(t *testing.T) {
	b := NewMemoryBackend(DefaultConfig())
	userID := uuid.New()
	ctx := context.Background()

	first := newTestMessage(userID)
	time.Sleep(time.Millisecond)
	second := newTestMessage(userID)

	require.NoError(t, b.Enqueue(ctx, first))
	require.NoError(t, b.Enqueue(ctx, second))

	out, err := b.Drain(ctx, testTenant, userID, 0)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, first.ID, out[0].ID)
	assert.Equal(t, second.ID, out[1].ID)
}

func TestMemoryBackend_DrainEmptiesQueue(t *testing.T) {
	b := NewMemoryBackend(DefaultConfig())
	userID := uuid.New()
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, newTestMessage(userID)))
	_, err := b.Drain(ctx, testTenant, userID, 0)
	require.NoError(t, err)

	depth, err := b.Depth(ctx, testTenant, userID)
	require.NoError(t, err)
	assert.Equal(t, 0, depth)
}

func TestMemoryBackend_OverflowDropsOldest(t *testing.T) {
	cfg := Config{MaxDepthPerUser: 2}
	b := NewMemoryBackend(cfg)
	userID := uuid.New()
	ctx := context.Background()

	first := newTestMessage(userID)
	second := newTestMessage(userID)
	third := newTestMessage(userID)

	require.NoError(t, b.Enqueue(ctx, first))
	require.NoError(t, b.Enqueue(ctx, second))
	require.NoError(t, b.Enqueue(ctx, third))

	out, err := b.Drain(ctx, testTenant, userID, 0)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, second.ID, out[0].ID)
	assert.Equal(t, third.ID, out[1].ID)
}

func TestMemoryBackend_DrainSkipsExpiredMessages(t *testing.T) {
	cfg := Config{MessageTTL: time.Millisecond}
	b := NewMemoryBackend(cfg)
	userID := uuid.New()
	ctx := context.Background()

	msg := newTestMessage(userID)
	msg.EnqueuedAt = time.Now().Add(-time.Hour)
	require.NoError(t, b.Enqueue(ctx, msg))

	out, err := b.Drain(ctx, testTenant, userID, 0)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestMemoryBackend_DrainRespectsLimit(t *testing.T) {
	b := NewMemoryBackend(DefaultConfig())
	userID := uuid.New()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Enqueue(ctx, newTestMessage(userID)))
	}

	out, err := b.Drain(ctx, testTenant, userID, 2)
	require.NoError(t, err)
	assert.Len(t, out, 2)

	depth, err := b.Depth(ctx, testTenant, userID)
	require.NoError(t, err)
	assert.Equal(t, 3, depth)
}

func TestMemoryBackend_CleanupExpiredDropsOnlyStaleEntries(t *testing.T) {
	cfg := Config{MessageTTL: time.Minute}
	b := NewMemoryBackend(cfg)
	ctx := context.Background()

	staleUser, freshUser := uuid.New(), uuid.New()
	stale := newTestMessage(staleUser)
	stale.EnqueuedAt = time.Now().Add(-time.Hour)
	fresh := newTestMessage(freshUser)

	require.NoError(t, b.Enqueue(ctx, stale))
	require.NoError(t, b.Enqueue(ctx, fresh))

	dropped, err := b.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, dropped)

	staleDepth, _ := b.Depth(ctx, testTenant, staleUser)
	assert.Equal(t, 0, staleDepth)
	freshDepth, _ := b.Depth(ctx, testTenant, freshUser)
	assert.Equal(t, 1, freshDepth)
}
