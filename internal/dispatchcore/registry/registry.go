// Package registry implements the connection registry (spec §4.1) and the
// outbound channel abstraction (spec §4.3): a concurrent, multi-indexed
// store of live connections keyed primarily by connection id and secondarily
// by user, channel subscription, and tenant.
package registry

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

var (
	ErrInvalidChannelName = errors.New("registry: invalid channel name")
	ErrCapacityExceeded   = errors.New("registry: capacity exceeded")
	ErrNotFound           = errors.New("registry: connection not found")
	ErrTooManySubs        = errors.New("registry: subscription limit exceeded")
)

// Limits bounds registry growth. A zero MaxTotalConnections, MaxPerUser or
// MaxSubsPerConn means "unbounded" for that dimension; a zero
// OutboundBufferSize falls back to 64 (see New). Matching the teacher's functional-options defaults pattern but
// expressed as a plain struct since every field is mandatory domain config
// rather than an optional override.
type Limits struct {
	MaxTotalConnections int64
	MaxPerUser          int64
	MaxSubsPerConn      int
	OutboundBufferSize  int
}

// DefaultLimits mirrors the teacher's hub defaults (mailbox size 64, no
// total/per-user cap) adapted to the registry's richer capacity contract.
func DefaultLimits() Limits {
	return Limits{
		MaxTotalConnections: 0,
		MaxPerUser:          0,
		MaxSubsPerConn:      32,
		OutboundBufferSize:  64,
	}
}

// idSet is a small concurrent set of connection ids backing the secondary
// indexes (by-user, by-channel, by-tenant). Snapshot returns a copy so
// callers never iterate while holding the set's lock.
type idSet struct {
	mu sync.RWMutex
	m  map[uuid.UUID]struct{}
}

func newIDSet() *idSet { return &idSet{m: make(map[uuid.UUID]struct{})} }

func (s *idSet) add(id uuid.UUID) {
	s.mu.Lock()
	s.m[id] = struct{}{}
	s.mu.Unlock()
}

func (s *idSet) remove(id uuid.UUID) int {
	s.mu.Lock()
	delete(s.m, id)
	n := len(s.m)
	s.mu.Unlock()
	return n
}

func (s *idSet) snapshot() []uuid.UUID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]uuid.UUID, 0, len(s.m))
	for id := range s.m {
		out = append(out, id)
	}
	return out
}

func (s *idSet) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.m)
}

// Registry is the single source of truth for who is connected. All indexes
// are sync.Map plus idSet, matching the teacher hub's lock-light design;
// capacity accounting uses lock-free CAS loops rather than a mutex so
// Register never blocks on registry-wide contention.
type Registry struct {
	limits Limits

	byID      sync.Map // uuid.UUID -> *Connection
	byUser    sync.Map // uuid.UUID -> *idSet
	byChannel sync.Map // string (namespaced) -> *idSet
	byTenant  sync.Map // string -> *idSet

	totalCount    atomic.Int64
	perUserCounts sync.Map // uuid.UUID -> *atomic.Int64
}

func New(limits Limits) *Registry {
	if limits.OutboundBufferSize <= 0 {
		limits.OutboundBufferSize = DefaultLimits().OutboundBufferSize
	}
	return &Registry{limits: limits}
}

// reserveSlot implements the pre-increment + rollback CAS pattern endorsed
// by spec §4.1 for atomic capacity-checked registration: first reserve
// against the global cap, then against the per-user cap, rolling the global
// reservation back if the per-user check fails.
func (r *Registry) reserveSlot(userID uuid.UUID) bool {
	if r.limits.MaxTotalConnections > 0 {
		for {
			cur := r.totalCount.Load()
			if cur >= r.limits.MaxTotalConnections {
				return false
			}
			if r.totalCount.CompareAndSwap(cur, cur+1) {
				break
			}
		}
	} else {
		r.totalCount.Add(1)
	}

	if r.limits.MaxPerUser > 0 {
		counterAny, _ := r.perUserCounts.LoadOrStore(userID, &atomic.Int64{})
		counter := counterAny.(*atomic.Int64)
		for {
			cur := counter.Load()
			if cur >= r.limits.MaxPerUser {
				r.totalCount.Add(-1)
				return false
			}
			if counter.CompareAndSwap(cur, cur+1) {
				break
			}
		}
	} else {
		counterAny, _ := r.perUserCounts.LoadOrStore(userID, &atomic.Int64{})
		counterAny.(*atomic.Int64).Add(1)
	}
	return true
}

func (r *Registry) releaseSlot(userID uuid.UUID) {
	r.totalCount.Add(-1)
	if counterAny, ok := r.perUserCounts.Load(userID); ok {
		counterAny.(*atomic.Int64).Add(-1)
	}
}

// Register admits a new connection for userID/tenantID, enforcing capacity
// limits atomically before any index is mutated. tenantID is normalized to
// DefaultTenant when empty.
func (r *Registry) Register(userID uuid.UUID, tenantID string, roles []string) (*Connection, error) {
	if tenantID == "" {
		tenantID = DefaultTenant
	}
	if !r.reserveSlot(userID) {
		return nil, ErrCapacityExceeded
	}

	conn := newConnection(userID, tenantID, roles, r.limits.OutboundBufferSize)
	r.byID.Store(conn.id, conn)

	userSetAny, _ := r.byUser.LoadOrStore(userID, newIDSet())
	userSetAny.(*idSet).add(conn.id)

	tenantSetAny, _ := r.byTenant.LoadOrStore(tenantID, newIDSet())
	tenantSetAny.(*idSet).add(conn.id)

	return conn, nil
}

// Unregister evicts a connection from every index, closes its outbound
// channel, and returns its shell to the pool. Safe to call more than once;
// subsequent calls are no-ops.
func (r *Registry) Unregister(id uuid.UUID) {
	connAny, ok := r.byID.LoadAndDelete(id)
	if !ok {
		return
	}
	conn := connAny.(*Connection)
	conn.closeOutbound()

	if userSetAny, ok := r.byUser.Load(conn.userID); ok {
		set := userSetAny.(*idSet)
		if set.remove(id) == 0 {
			r.byUser.Delete(conn.userID)
		}
	}
	if tenantSetAny, ok := r.byTenant.Load(conn.tenantID); ok {
		set := tenantSetAny.(*idSet)
		if set.remove(id) == 0 {
			r.byTenant.Delete(conn.tenantID)
		}
	}
	for _, ns := range conn.subscriptions() {
		if chSetAny, ok := r.byChannel.Load(ns); ok {
			set := chSetAny.(*idSet)
			if set.remove(id) == 0 {
				r.byChannel.Delete(ns)
			}
		}
	}

	r.releaseSlot(conn.userID)
	conn.release()
}

// Get returns the connection by id, if still registered.
func (r *Registry) Get(id uuid.UUID) (*Connection, bool) {
	connAny, ok := r.byID.Load(id)
	if !ok {
		return nil, false
	}
	return connAny.(*Connection), true
}

// IsUserConnected reports whether a user has at least one live connection.
func (r *Registry) IsUserConnected(userID uuid.UUID) bool {
	setAny, ok := r.byUser.Load(userID)
	if !ok {
		return false
	}
	return setAny.(*idSet).len() > 0
}

// ConnectionsForUser returns every live connection for a user. Snapshot-
// based: callers never iterate while holding an internal lock.
func (r *Registry) ConnectionsForUser(userID uuid.UUID) []*Connection {
	setAny, ok := r.byUser.Load(userID)
	if !ok {
		return nil
	}
	return r.resolve(setAny.(*idSet).snapshot())
}

// ConnectionsForChannel returns every live connection subscribed to the
// given bare channel name within tenantID.
func (r *Registry) ConnectionsForChannel(tenantID, channel string) []*Connection {
	if tenantID == "" {
		tenantID = DefaultTenant
	}
	setAny, ok := r.byChannel.Load(namespace(tenantID, channel))
	if !ok {
		return nil
	}
	return r.resolve(setAny.(*idSet).snapshot())
}

// ConnectionsForTenant returns every live connection for a tenant, used for
// tenant-scoped broadcast.
func (r *Registry) ConnectionsForTenant(tenantID string) []*Connection {
	if tenantID == "" {
		tenantID = DefaultTenant
	}
	setAny, ok := r.byTenant.Load(tenantID)
	if !ok {
		return nil
	}
	return r.resolve(setAny.(*idSet).snapshot())
}

// ChannelInfo summarizes one channel's subscriber count, for the HTTP
// `GET /api/v1/channels` listing (spec §6).
type ChannelInfo struct {
	Name            string
	SubscriberCount int
}

// Channels lists every channel within tenantID that currently holds at
// least one subscriber, with its bare (un-namespaced) name.
func (r *Registry) Channels(tenantID string) []ChannelInfo {
	if tenantID == "" {
		tenantID = DefaultTenant
	}
	prefix := tenantID + ":"
	var out []ChannelInfo
	r.byChannel.Range(func(k, v any) bool {
		ns := k.(string)
		if len(ns) <= len(prefix) || ns[:len(prefix)] != prefix {
			return true
		}
		n := v.(*idSet).len()
		if n == 0 {
			return true
		}
		out = append(out, ChannelInfo{Name: ns[len(prefix):], SubscriberCount: n})
		return true
	})
	return out
}

// All returns every live connection. Used for unscoped broadcast.
func (r *Registry) All() []*Connection {
	var out []*Connection
	r.byID.Range(func(_, v any) bool {
		out = append(out, v.(*Connection))
		return true
	})
	return out
}

func (r *Registry) resolve(ids []uuid.UUID) []*Connection {
	out := make([]*Connection, 0, len(ids))
	for _, id := range ids {
		if conn, ok := r.Get(id); ok {
			out = append(out, conn)
		}
	}
	return out
}

// Subscribe namespaces name to the connection's tenant and adds it to both
// the connection's own set and the registry's by-channel index. The bare
// name is validated before namespacing, per spec §3.
func (r *Registry) Subscribe(id uuid.UUID, name string) error {
	if !ValidChannelName(name) {
		return ErrInvalidChannelName
	}
	conn, ok := r.Get(id)
	if !ok {
		return ErrNotFound
	}
	if conn.hasSub(namespace(conn.tenantID, name)) {
		return nil
	}
	if r.limits.MaxSubsPerConn > 0 && conn.subCount() >= r.limits.MaxSubsPerConn {
		return ErrTooManySubs
	}

	ns := namespace(conn.tenantID, name)
	conn.addSub(ns)
	setAny, _ := r.byChannel.LoadOrStore(ns, newIDSet())
	setAny.(*idSet).add(id)
	return nil
}

// Unsubscribe removes a bare channel name from the connection's subscriptions.
func (r *Registry) Unsubscribe(id uuid.UUID, name string) error {
	conn, ok := r.Get(id)
	if !ok {
		return ErrNotFound
	}
	ns := namespace(conn.tenantID, name)
	conn.delSub(ns)
	if setAny, ok := r.byChannel.Load(ns); ok {
		set := setAny.(*idSet)
		if set.remove(id) == 0 {
			r.byChannel.Delete(ns)
		}
	}
	return nil
}

// Subscriptions returns the bare channel names a connection currently holds.
func (r *Registry) Subscriptions(id uuid.UUID) ([]string, error) {
	conn, ok := r.Get(id)
	if !ok {
		return nil, ErrNotFound
	}
	namespaced := conn.subscriptions()
	prefix := conn.tenantID + ":"
	out := make([]string, 0, len(namespaced))
	for _, ns := range namespaced {
		out = append(out, ns[len(prefix):])
	}
	return out, nil
}

// Stats summarizes registry occupancy for the HTTP /stats endpoint.
type Stats struct {
	TotalConnections int64
	UniqueUsers      int
	UniqueChannels   int
	UniqueTenants    int
}

func (r *Registry) Stats() Stats {
	s := Stats{TotalConnections: r.totalCount.Load()}
	r.byUser.Range(func(_, _ any) bool { s.UniqueUsers++; return true })
	r.byChannel.Range(func(_, _ any) bool { s.UniqueChannels++; return true })
	r.byTenant.Range(func(_, _ any) bool { s.UniqueTenants++; return true })
	return s
}

// CleanupStale evicts every connection for which isStale returns true (the
// heartbeat task passes an idle-cutoff check), and returns how many were
// reaped. Grounded on the
// teacher hub's performEviction pass over sync.Map.
func (r *Registry) CleanupStale(isStale func(conn *Connection) bool) int {
	var stale []uuid.UUID
	r.byID.Range(func(_, v any) bool {
		conn := v.(*Connection)
		if isStale(conn) {
			stale = append(stale, conn.id)
		}
		return true
	})
	for _, id := range stale {
		r.Unregister(id)
	}
	return len(stale)
}

// Shutdown closes every live connection's outbound channel and drains the
// indexes, used during graceful process shutdown. If notify is non-nil, it
// is invoked for each connection (e.g. to enqueue a transport-specific
// "shutdown" frame) before that connection is torn down (spec §5 "each
// connection is sent a final shutdown message, then its outbound channel
// is closed").
func (r *Registry) Shutdown(notify func(*Connection)) {
	var conns []*Connection
	r.byID.Range(func(_, v any) bool {
		conns = append(conns, v.(*Connection))
		return true
	})
	for _, conn := range conns {
		if notify != nil {
			notify(conn)
		}
		r.Unregister(conn.id)
	}
}
