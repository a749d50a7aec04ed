package offlinequeue

import (
	"container/list"
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryBackend is the in-process, ephemeral offline-queue backend: a
// single mutex-guarded map of per-user doubly-linked-list FIFOs, lost on process
// restart. It is the zero-dependency fallback the factory selects when a
// persistent backend fails to construct.
//
// Queues are keyed by bare user id, not (tenant, user): event ids and user
// ids are globally-unique UUIDs in this domain model, so a user's in-memory
// backlog cannot collide with another tenant's even without a tenant
// component in the key. tenantID parameters are accepted, for interface
// parity with BoltBackend (which does need the tenant component to keep its
// on-disk key namespace filterable per spec §6 "Persisted state layout"),
// but are not part of the map key here.
type MemoryBackend struct {
	cfg Config

	mu     sync.Mutex
	queues map[uuid.UUID]*list.List // element type: QueuedMessage
}

func NewMemoryBackend(cfg Config) *MemoryBackend {
	return &MemoryBackend{cfg: cfg, queues: make(map[uuid.UUID]*list.List)}
}

func (b *MemoryBackend) Enqueue(_ context.Context, msg QueuedMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[msg.UserID]
	if !ok {
		q = list.New()
		b.queues[msg.UserID] = q
	}
	q.PushBack(msg)
	if b.cfg.MaxDepthPerUser > 0 {
		for q.Len() > b.cfg.MaxDepthPerUser {
			q.Remove(q.Front())
		}
	}
	return nil
}

func (b *MemoryBackend) Drain(_ context.Context, _ string, userID uuid.UUID, limit int) ([]QueuedMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[userID]
	if !ok || q.Len() == 0 {
		return nil, nil
	}

	var out []QueuedMessage
	for q.Len() > 0 && (limit <= 0 || len(out) < limit) {
		front := q.Front()
		q.Remove(front)
		msg := front.Value.(QueuedMessage)
		if isExpired(msg, b.cfg) {
			continue
		}
		out = append(out, msg)
	}
	if q.Len() == 0 {
		delete(b.queues, userID)
	}
	return out, nil
}

func (b *MemoryBackend) Depth(_ context.Context, _ string, userID uuid.UUID) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[userID]
	if !ok {
		return 0, nil
	}
	return q.Len(), nil
}

// CleanupExpired walks every user's queue dropping entries past their TTL,
// in place (spec §4.4 "for an in-memory backend, walk the map").
func (b *MemoryBackend) CleanupExpired(_ context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	dropped := 0
	for userID, q := range b.queues {
		for e := q.Front(); e != nil; {
			next := e.Next()
			if isExpired(e.Value.(QueuedMessage), b.cfg) {
				q.Remove(e)
				dropped++
			}
			e = next
		}
		if q.Len() == 0 {
			delete(b.queues, userID)
		}
	}
	return dropped, nil
}

func (b *MemoryBackend) Close() error { return nil }
