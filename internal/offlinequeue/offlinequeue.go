// Package offlinequeue implements the offline queue (spec §4.4): per-user
// FIFO storage, persistent or in-process depending on the backend, for notifications that could not be delivered live,
// behind a pluggable Backend so the same dispatch core can run with an
// in-process store, an embedded persistent store, or a shared remote store.
package offlinequeue

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/webitel/notifyhub/internal/dispatchcore/event"
)

// QueuedMessage is the persisted unit of an offline-queued notification
// (spec §3 "Queued Message").
type QueuedMessage struct {
	ID         uuid.UUID
	UserID     uuid.UUID
	TenantID   string
	Event      *event.Event
	EnqueuedAt time.Time
}

// Backend is the pluggable persistence contract for the offline queue.
// Implementations must provide per-user FIFO ordering and must silently
// drop the oldest message of a user's queue on overflow rather than error
// (spec §4.4 "bounded per-user depth, drop-oldest on overflow"). Every
// read takes a tenantID. BoltBackend keys and filters by it; MemoryBackend,
// and StreamBackend through its in-memory replica, key queues by user id
// alone and do not filter by tenant.
type Backend interface {
	// Enqueue appends msg to userID's queue, evicting the oldest message for
	// that user if the queue is at MaxDepth.
	Enqueue(ctx context.Context, msg QueuedMessage) error
	// Drain returns and removes up to limit messages for (tenantID, userID),
	// oldest first. Called when a user reconnects (spec §4.4 "flush on
	// reconnect").
	Drain(ctx context.Context, tenantID string, userID uuid.UUID, limit int) ([]QueuedMessage, error)
	// Depth reports how many messages are currently queued for (tenantID, userID).
	Depth(ctx context.Context, tenantID string, userID uuid.UUID) (int, error)
	// CleanupExpired scans every tenant/user queue and removes entries past
	// expiry, returning the number dropped (spec §4.4 "periodic scan").
	CleanupExpired(ctx context.Context) (int, error)
	// Close releases any resources (file handles, connections) held by the backend.
	Close() error
}

// Config bounds per-user queue depth and message lifetime, shared by every
// backend implementation.
type Config struct {
	MaxDepthPerUser int
	MessageTTL      time.Duration
}

func DefaultConfig() Config {
	return Config{MaxDepthPerUser: 1000, MessageTTL: 72 * time.Hour}
}

// isExpired reports whether msg has outlived cfg.MessageTTL, used by every
// backend's Drain to silently skip stale entries (spec §4.4 edge case: a
// drained message older than MessageTTL, counted from EnqueuedAt, is
// discarded, not delivered). Event.ExpiresAt is not consulted.
func isExpired(msg QueuedMessage, cfg Config) bool {
	if cfg.MessageTTL <= 0 {
		return false
	}
	return time.Since(msg.EnqueuedAt) > cfg.MessageTTL
}
