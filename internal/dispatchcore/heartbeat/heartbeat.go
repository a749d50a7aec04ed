// Package heartbeat implements the heartbeat & cleanup task (spec §4.8): a
// dual-timer background task that pings live connections to keep
// intermediaries from timing out idle sockets, and reaps connections that
// have gone quiet past the idle threshold. Grounded on the teacher hub's
// runEvictor/performEviction janitor goroutine, generalized to also emit
// heartbeat frames.
package heartbeat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/webitel/notifyhub/internal/dispatchcore/acktracker"
	"github.com/webitel/notifyhub/internal/dispatchcore/event"
	"github.com/webitel/notifyhub/internal/dispatchcore/registry"
	"github.com/webitel/notifyhub/internal/offlinequeue"
)

// Config tunes the two independent timers.
type Config struct {
	HeartbeatInterval time.Duration
	CleanupInterval   time.Duration
	IdleTimeout       time.Duration
}

func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 15 * time.Second,
		CleanupInterval:   30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
}

// HeartbeatFrameBuilder renders the wire bytes for a heartbeat control
// frame; a Task holds one builder and sends its bytes to every live
// connection, whatever its transport.
type HeartbeatFrameBuilder func() []byte

// Task owns the two timers and a stop channel; Start launches it as a
// background goroutine, Stop blocks until that goroutine exits.
type Task struct {
	reg     *registry.Registry
	queue   offlinequeue.Backend
	acks    *acktracker.Tracker
	cfg     Config
	builder HeartbeatFrameBuilder
	log     *slog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}

	reapedTotal uint64
	reapedMu    sync.Mutex
}

func New(reg *registry.Registry, queue offlinequeue.Backend, acks *acktracker.Tracker, cfg Config, builder HeartbeatFrameBuilder, logger *slog.Logger) *Task {
	if logger == nil {
		logger = slog.Default()
	}
	return &Task{
		reg:     reg,
		queue:   queue,
		acks:    acks,
		cfg:     cfg,
		builder: builder,
		log:     logger,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start launches the dual-timer loop in its own goroutine and returns
// immediately.
func (t *Task) Start(ctx context.Context) {
	go t.run(ctx)
}

func (t *Task) run(ctx context.Context) {
	defer close(t.doneCh)

	heartbeatTicker := time.NewTicker(t.cfg.HeartbeatInterval)
	defer heartbeatTicker.Stop()
	cleanupTicker := time.NewTicker(t.cfg.CleanupInterval)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stopCh:
			return
		case <-heartbeatTicker.C:
			t.broadcastHeartbeat()
		case <-cleanupTicker.C:
			t.reapIdle()
		}
	}
}

// broadcastHeartbeat pushes a heartbeat control frame to every live
// connection. Each send is the registry's own non-blocking TrySend, so one
// slow connection never delays the rest (spec §4.8 "heartbeat fan-out is
// independent per connection").
func (t *Task) broadcastHeartbeat() {
	frame := t.builder()
	msg := event.NewControlFrame("heartbeat", frame)
	for _, conn := range t.reg.All() {
		conn.TrySend(msg)
	}
}

// reapIdle evicts every connection whose last activity predates the idle
// threshold, then invokes cleanup_expired on the offline queue and the ACK
// tracker (spec §4.8 "Cleanup tick ... invoke cleanup_expired on the
// offline queue and the ACK tracker"). Degraded connections (a recent
// TrySend failure) are reaped immediately regardless of idle time, since a
// full outbound channel is a stronger signal of a dead peer than silence
// alone.
func (t *Task) reapIdle() {
	cutoff := time.Now().Add(-t.cfg.IdleTimeout)
	n := t.reg.CleanupStale(func(conn *registry.Connection) bool {
		return conn.IsDegraded() || conn.LastActivity().Before(cutoff)
	})
	if n > 0 {
		t.reapedMu.Lock()
		t.reapedTotal += uint64(n)
		t.reapedMu.Unlock()
		t.log.Info("heartbeat: reaped idle connections", "count", n)
	}

	if t.queue != nil {
		if dropped, err := t.queue.CleanupExpired(context.Background()); err != nil {
			t.log.Error("heartbeat: offline queue cleanup failed", "error", err)
		} else if dropped > 0 {
			t.log.Info("heartbeat: dropped expired offline messages", "count", dropped)
		}
	}
	if t.acks != nil {
		if expired := t.acks.CleanupExpired(time.Now()); len(expired) > 0 {
			t.log.Info("heartbeat: expired pending acks", "count", len(expired))
		}
	}
}

// ReapedTotal reports the cumulative number of connections reaped, for the
// HTTP /stats endpoint.
func (t *Task) ReapedTotal() uint64 {
	t.reapedMu.Lock()
	defer t.reapedMu.Unlock()
	return t.reapedTotal
}

// Stop signals the loop to exit and blocks until it has. Safe to call more
// than once.
func (t *Task) Stop() {
	t.stopOnce.Do(func() { close(t.stopCh) })
	<-t.doneCh
}
