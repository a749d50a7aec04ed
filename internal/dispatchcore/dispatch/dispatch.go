// Package dispatch implements the dispatcher (spec §4.2): resolving a
// Target into live connections, choosing single-send vs. pre-serialized
// fan-out, routing unreachable recipients to the offline queue, and
// registering ACK tracking for events that require it.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/webitel/notifyhub/internal/dispatchcore/acktracker"
	"github.com/webitel/notifyhub/internal/dispatchcore/event"
	"github.com/webitel/notifyhub/internal/dispatchcore/registry"
	"github.com/webitel/notifyhub/internal/offlinequeue"
)

// preSerializeThreshold is the recipient count at which the dispatcher
// switches from per-connection raw encoding to a single shared
// pre-serialized frame (spec §9 Open Question 1, resolved: fan-out >= 2).
const preSerializeThreshold = 2

// DefaultACKTimeout bounds how long a Critical-priority delivery waits for
// client acknowledgement before the ACK tracker's cleanup pass reclaims it.
const DefaultACKTimeout = 30 * time.Second

// Encoder renders an Event to its wire form. A Dispatcher holds a single
// Encoder and uses it for every pre-serialized fan-out frame, whatever
// transport each recipient connection uses.
type Encoder func(ev *event.Event) ([]byte, error)

// DeliveryResult summarizes the outcome of one Dispatch call.
type DeliveryResult struct {
	Delivered int
	Queued    int
	Dropped   int
}

// Dispatcher is the stateless (beyond its counters) fan-out engine sitting
// between the HTTP/pub-sub ingest surfaces and the connection registry.
type Dispatcher struct {
	reg    *registry.Registry
	queue  offlinequeue.Backend
	acks   *acktracker.Tracker
	encode Encoder
	log    *slog.Logger

	dispatchedTotal atomic.Uint64
	queuedTotal     atomic.Uint64
	droppedTotal    atomic.Uint64
}

func New(reg *registry.Registry, queue offlinequeue.Backend, acks *acktracker.Tracker, encode Encoder, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{reg: reg, queue: queue, acks: acks, encode: encode, log: logger}
}

// requiresACK marks Critical-priority events as requiring client
// acknowledgement, per spec §4.5 "ACK tracking is opt-in per message,
// Critical priority implies it".
func requiresACK(ev *event.Event) bool {
	return ev.Metadata.Priority == event.PriorityCritical
}

// resolution is the outcome of expanding a Target into live recipients: the
// connections to fan out to, plus — for User/Users targets only — the set
// of addressed user ids that resolved to zero live connections and so must
// fall back to the offline queue (spec §4.2 step 1).
type resolution struct {
	conns        []*registry.Connection
	offlineUsers []offlineUser
}

type offlineUser struct {
	userID   uuid.UUID
	tenantID string
}

// Dispatch resolves target to live connections and delivers ev to each,
// falling back to the offline queue for any addressed user with no live
// connection. Channel/broadcast targets with zero live recipients are not
// queued — there is no single user to attribute the backlog to (spec §4.4).
func (d *Dispatcher) Dispatch(ctx context.Context, target event.Target, ev *event.Event) (DeliveryResult, error) {
	res, err := d.resolve(target, ev)
	if err != nil {
		return DeliveryResult{}, err
	}

	var result DeliveryResult
	var preSerialized []byte
	if len(res.conns) >= preSerializeThreshold {
		preSerialized, err = d.encode(ev)
		if err != nil {
			return result, fmt.Errorf("dispatch: encode event: %w", err)
		}
	}

	for _, conn := range res.conns {
		msg := d.buildOutbound(ev, preSerialized)
		if conn.TrySend(msg) {
			result.Delivered++
			d.dispatchedTotal.Add(1)
			if requiresACK(ev) {
				d.acks.Track(ev.ID, conn.ID(), conn.UserID(), conn.TenantID(), DefaultACKTimeout)
			}
			continue
		}
		result.Dropped++
		d.droppedTotal.Add(1)
	}

	for _, u := range res.offlineUsers {
		d.enqueueOffline(ctx, u.userID, u.tenantID, ev, &result)
	}

	return result, nil
}

// DispatchToUser is a convenience wrapper for the common single-user case;
// it delegates entirely to Dispatch so offline-queue fallback and ACK
// tracking stay in one place.
func (d *Dispatcher) DispatchToUser(ctx context.Context, userID uuid.UUID, tenantID string, ev *event.Event) (DeliveryResult, error) {
	return d.Dispatch(ctx, event.ForUser(tenantID, userID), ev)
}

func (d *Dispatcher) buildOutbound(ev *event.Event, preSerialized []byte) event.OutboundMessage {
	if preSerialized != nil {
		return event.NewPreSerialized(ev, preSerialized)
	}
	return event.NewRaw(ev)
}

func (d *Dispatcher) enqueueOffline(ctx context.Context, userID uuid.UUID, tenantID string, ev *event.Event, result *DeliveryResult) {
	if tenantID == "" {
		tenantID = registry.DefaultTenant
	}
	msg := offlinequeue.QueuedMessage{ID: ev.ID, UserID: userID, TenantID: tenantID, Event: ev, EnqueuedAt: time.Now()}
	if err := d.queue.Enqueue(ctx, msg); err != nil {
		d.log.Error("dispatch: offline enqueue failed", "user_id", userID, "error", err)
		return
	}
	result.Queued++
	d.queuedTotal.Add(1)
}

// resolve expands target into live connections plus, for User/Users
// targets, the subset of addressed users with zero live connections (spec
// §4.2 step 1: "If empty and queue enabled, enqueue the event under that
// user"). Channels targets dedupe by connection id (spec §4.2 step 1 /
// testable scenario 4); Broadcast applies the audience filter (spec §9) and
// is tenant-scoped when target.TenantID is set.
func (d *Dispatcher) resolve(target event.Target, ev *event.Event) (resolution, error) {
	switch target.Kind {
	case event.TargetUser:
		conns := d.reg.ConnectionsForUser(target.UserID)
		if len(conns) == 0 {
			return resolution{offlineUsers: []offlineUser{{userID: target.UserID, tenantID: target.TenantID}}}, nil
		}
		return resolution{conns: conns}, nil

	case event.TargetUsers:
		var res resolution
		for _, id := range target.UserIDs {
			conns := d.reg.ConnectionsForUser(id)
			if len(conns) == 0 {
				res.offlineUsers = append(res.offlineUsers, offlineUser{userID: id, tenantID: target.TenantID})
				continue
			}
			res.conns = append(res.conns, conns...)
		}
		return res, nil

	case event.TargetBroadcast:
		var conns []*registry.Connection
		if target.TenantID != "" {
			conns = d.reg.ConnectionsForTenant(target.TenantID)
		} else {
			conns = d.reg.All()
		}
		conns = filterByAudience(conns, ev.Metadata.Audience)
		return resolution{conns: conns}, nil

	case event.TargetChannel:
		return resolution{conns: d.reg.ConnectionsForChannel(target.TenantID, target.Channel)}, nil

	case event.TargetChannels:
		seen := make(map[uuid.UUID]struct{})
		var out []*registry.Connection
		for _, ch := range target.Channels {
			for _, conn := range d.reg.ConnectionsForChannel(target.TenantID, ch) {
				if _, dup := seen[conn.ID()]; dup {
					continue
				}
				seen[conn.ID()] = struct{}{}
				out = append(out, conn)
			}
		}
		return resolution{conns: out}, nil

	default:
		return resolution{}, fmt.Errorf("dispatch: unknown target kind %v", target.Kind)
	}
}

// filterByAudience restricts conns to those whose roles intersect audience
// (spec §9 Open Question 2, resolved as role-set membership). An empty
// audience matches everyone.
func filterByAudience(conns []*registry.Connection, audience []string) []*registry.Connection {
	if len(audience) == 0 {
		return conns
	}
	want := make(map[string]struct{}, len(audience))
	for _, role := range audience {
		want[role] = struct{}{}
	}
	out := conns[:0:0]
	for _, conn := range conns {
		for _, role := range conn.Roles() {
			if _, ok := want[role]; ok {
				out = append(out, conn)
				break
			}
		}
	}
	return out
}

// Stats summarizes dispatcher activity for the HTTP /stats endpoint.
type Stats struct {
	DispatchedTotal uint64
	QueuedTotal     uint64
	DroppedTotal    uint64
}

func (d *Dispatcher) Stats() Stats {
	return Stats{
		DispatchedTotal: d.dispatchedTotal.Load(),
		QueuedTotal:     d.queuedTotal.Load(),
		DroppedTotal:    d.droppedTotal.Load(),
	}
}

// FlushOffline drains and delivers a reconnecting user's backlog, called by
// the transport layer immediately after registry.Register succeeds (spec
// §4.4 "flush on reconnect").
func (d *Dispatcher) FlushOffline(ctx context.Context, conn *registry.Connection, limit int) (int, error) {
	backlog, err := d.queue.Drain(ctx, conn.TenantID(), conn.UserID(), limit)
	if err != nil {
		return 0, fmt.Errorf("dispatch: drain offline queue: %w", err)
	}
	delivered := 0
	for _, qm := range backlog {
		if conn.TrySend(event.NewRaw(qm.Event)) {
			delivered++
		}
	}
	return delivered, nil
}

// JSONEncoder is an Encoder that renders the Event as plain JSON, with no
// transport frame envelope around it.
func JSONEncoder(ev *event.Event) ([]byte, error) {
	return json.Marshal(ev)
}
