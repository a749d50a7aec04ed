package registry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/webitel/notifyhub/internal/dispatchcore/event"
)

// DefaultTenant is used when a connection authenticates without an explicit
// tenant, so single-tenant deployments never have to think about namespacing.
const DefaultTenant = "default"

// Connection represents one live client attachment. The registry
// exclusively owns the record; handlers hold shared *Connection references;
// the outbound channel's receive side is owned by the transport-writer task
// (see Recv).
type Connection struct {
	id       uuid.UUID
	userID   uuid.UUID
	tenantID string
	roles    []string

	connectedAt time.Time
	// lastActivityNano is updated without a lock from arbitrary goroutines
	// (spec §3: "updated under no lock").
	lastActivityNano atomic.Int64

	outCh chan event.OutboundMessage

	subsMu sync.RWMutex
	subs   map[string]struct{} // namespaced channel name -> present

	degraded     atomic.Bool
	droppedCount atomic.Uint64
	closeOnce    sync.Once
	closed       chan struct{}
}

// connPool recycles Connection objects across register/unregister cycles,
// following the teacher's sync.Pool-backed connector pattern to keep the
// hot registration path allocation-light under churn.
var connPool = sync.Pool{
	New: func() any { return &Connection{} },
}

func newConnection(userID uuid.UUID, tenantID string, roles []string, outboundBuffer int) *Connection {
	c := connPool.Get().(*Connection)
	*c = Connection{
		id:          uuid.New(),
		userID:      userID,
		tenantID:    tenantID,
		roles:       roles,
		connectedAt: time.Now(),
		outCh:       make(chan event.OutboundMessage, outboundBuffer),
		subs:        make(map[string]struct{}),
		closed:      make(chan struct{}),
	}
	c.lastActivityNano.Store(time.Now().UnixNano())
	return c
}

// release returns a detached connection's shell to the pool. Called only by
// the registry after every index has dropped the reference.
func (c *Connection) release() {
	c.outCh = nil
	c.subs = nil
	c.roles = nil
	connPool.Put(c)
}

func (c *Connection) ID() uuid.UUID       { return c.id }
func (c *Connection) UserID() uuid.UUID   { return c.userID }
func (c *Connection) TenantID() string    { return c.tenantID }
func (c *Connection) Roles() []string     { return c.roles }
func (c *Connection) ConnectedAt() time.Time { return c.connectedAt }
func (c *Connection) DroppedCount() uint64 { return c.droppedCount.Load() }

// Touch records client activity, resetting the idle-timeout clock. Safe to
// call from many goroutines concurrently without synchronization.
func (c *Connection) Touch() {
	c.lastActivityNano.Store(time.Now().UnixNano())
}

// LastActivity returns the wall-clock time of the most recent Touch call
// (or connection creation, if none yet), used by the heartbeat task's
// idle-timeout check.
func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivityNano.Load())
}

// IsDegraded reports whether a recent enqueue failed; the heartbeat task
// uses this to decide whether to reap the connection on its next pass.
func (c *Connection) IsDegraded() bool { return c.degraded.Load() }

// Recv exposes the receive side for the transport-writer task. Only one
// reader is expected per connection.
func (c *Connection) Recv() <-chan event.OutboundMessage { return c.outCh }

// TrySend is the dispatcher's non-blocking commit point (spec §4.3). It
// never suspends: a full channel either makes room for a higher-priority
// message via a single, still non-blocking eviction attempt, or fails
// immediately and marks the connection degraded for lazy reaping.
func (c *Connection) TrySend(msg event.OutboundMessage) bool {
	select {
	case <-c.closed:
		return false
	default:
	}

	select {
	case c.outCh <- msg:
		return true
	default:
	}

	if ok := c.evictAndSend(msg); ok {
		return true
	}
	c.degraded.Store(true)
	c.droppedCount.Add(1)
	return false
}

// evictAndSend makes one non-blocking attempt to displace a strictly
// lower-priority queued message in favor of msg. Both channel operations are
// non-blocking selects, so this never suspends the caller.
func (c *Connection) evictAndSend(msg event.OutboundMessage) bool {
	if msg.Priority <= event.PriorityLow {
		return false
	}

	select {
	case old := <-c.outCh:
		if old.Priority < msg.Priority {
			select {
			case c.outCh <- msg:
				return true
			default:
			}
		}
		// Either old wasn't lower priority, or there was no room after all;
		// put it back best-effort so it isn't silently lost.
		select {
		case c.outCh <- old:
		default:
		}
		return false
	default:
		return false
	}
}

// subscriptions returns a snapshot of currently-subscribed namespaced names.
func (c *Connection) subscriptions() []string {
	c.subsMu.RLock()
	defer c.subsMu.RUnlock()
	out := make([]string, 0, len(c.subs))
	for name := range c.subs {
		out = append(out, name)
	}
	return out
}

func (c *Connection) subCount() int {
	c.subsMu.RLock()
	defer c.subsMu.RUnlock()
	return len(c.subs)
}

func (c *Connection) hasSub(name string) bool {
	c.subsMu.RLock()
	defer c.subsMu.RUnlock()
	_, ok := c.subs[name]
	return ok
}

func (c *Connection) addSub(name string) { c.subsMu.Lock(); c.subs[name] = struct{}{}; c.subsMu.Unlock() }
func (c *Connection) delSub(name string) { c.subsMu.Lock(); delete(c.subs, name); c.subsMu.Unlock() }

// closeOutbound closes the outbound channel exactly once, signalling the
// transport-writer task to terminate (its range/recv sees !ok).
func (c *Connection) closeOutbound() {
	c.closeOnce.Do(func() {
		close(c.closed)
		close(c.outCh)
	})
}
