// Package acktracker implements the ACK tracker (spec §4.5): bookkeeping
// for notifications that require client acknowledgement, with expiry-based
// cleanup for ACKs that never arrive.
package acktracker

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// PendingACK records one outstanding delivery awaiting client
// acknowledgement (spec §3 "Pending ACK").
type PendingACK struct {
	EventID      uuid.UUID
	ConnectionID uuid.UUID
	UserID       uuid.UUID
	TenantID     string
	SentAt       time.Time
	Deadline     time.Time
}

// AckOutcome discriminates the result of Acknowledge (spec §4.5).
type AckOutcome int8

const (
	AckAcked AckOutcome = iota + 1
	AckUnknown
	AckUserMismatch
	AckExpired
)

func (o AckOutcome) String() string {
	switch o {
	case AckAcked:
		return "acked"
	case AckUnknown:
		return "unknown"
	case AckUserMismatch:
		return "user_mismatch"
	case AckExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// AckResult is the full outcome of an Acknowledge call: the outcome tag plus
// the latency observed when the outcome is AckAcked.
type AckResult struct {
	Outcome AckOutcome
	Latency time.Duration
}

// Tracker is a concurrent map of EventID -> PendingACK guarded by a single
// RWMutex; the working set is small (only events requiring ACK) so a single
// lock, rather than the registry's sharded sync.Map approach, is adequate.
type Tracker struct {
	mu      sync.RWMutex
	pending map[uuid.UUID]PendingACK

	trackedTotal  uint64
	expiredTotal  uint64
	ackedTotal    uint64
	summedLatency time.Duration
}

func New() *Tracker {
	return &Tracker{pending: make(map[uuid.UUID]PendingACK)}
}

// Track registers a new pending ACK. Calling Track twice for the same
// EventID overwrites the previous entry, matching "at most one open ACK per
// event" (spec §3 invariant).
func (t *Tracker) Track(eventID, connID, userID uuid.UUID, tenantID string, timeout time.Duration) {
	now := time.Now()
	t.mu.Lock()
	t.pending[eventID] = PendingACK{
		EventID:      eventID,
		ConnectionID: connID,
		UserID:       userID,
		TenantID:     tenantID,
		SentAt:       now,
		Deadline:     now.Add(timeout),
	}
	t.trackedTotal++
	t.mu.Unlock()
}

// Acknowledge resolves a pending ACK claimed by userID. A claim from a user
// other than the one the delivery was sent to is a security boundary (spec
// §4.5/§7/§8 invariant 7): it returns AckUserMismatch and must not mutate
// the table — the entry stays pending for its rightful owner.
func (t *Tracker) Acknowledge(eventID, userID uuid.UUID) AckResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.pending[eventID]
	if !ok {
		return AckResult{Outcome: AckUnknown}
	}
	if p.UserID != userID {
		return AckResult{Outcome: AckUserMismatch}
	}

	now := time.Now()
	if now.After(p.Deadline) {
		delete(t.pending, eventID)
		t.expiredTotal++
		return AckResult{Outcome: AckExpired}
	}

	delete(t.pending, eventID)
	latency := now.Sub(p.SentAt)
	t.ackedTotal++
	t.summedLatency += latency
	return AckResult{Outcome: AckAcked, Latency: latency}
}

// CleanupExpired removes every pending ACK whose deadline has passed and
// returns the expired records to the caller (the heartbeat task, which logs
// how many expired).
func (t *Tracker) CleanupExpired(now time.Time) []PendingACK {
	t.mu.Lock()
	defer t.mu.Unlock()

	var expired []PendingACK
	for id, p := range t.pending {
		if now.After(p.Deadline) {
			expired = append(expired, p)
			delete(t.pending, id)
		}
	}
	t.expiredTotal += uint64(len(expired))
	return expired
}

// Stats summarizes tracker activity for the HTTP /stats endpoint (spec §4.5
// "Statistics exposed: tracked, acknowledged, expired, pending count,
// acknowledgment rate, mean latency").
type Stats struct {
	Outstanding   int
	TrackedTotal  uint64
	AckedTotal    uint64
	ExpiredTotal  uint64
	AckRate       float64
	MeanLatencyMs float64
}

func (t *Tracker) Stats() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s := Stats{
		Outstanding:  len(t.pending),
		TrackedTotal: t.trackedTotal,
		AckedTotal:   t.ackedTotal,
		ExpiredTotal: t.expiredTotal,
	}
	if t.trackedTotal > 0 {
		s.AckRate = float64(t.ackedTotal) / float64(t.trackedTotal)
	}
	if t.ackedTotal > 0 {
		s.MeanLatencyMs = float64(t.summedLatency.Milliseconds()) / float64(t.ackedTotal)
	}
	return s
}

// IsPending reports whether an ACK is still outstanding for eventID.
func (t *Tracker) IsPending(eventID uuid.UUID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.pending[eventID]
	return ok
}
