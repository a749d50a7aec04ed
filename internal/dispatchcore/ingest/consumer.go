package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/webitel/notifyhub/internal/dispatchcore/event"
)

// dispatchFunc is the narrow slice of dispatch.Dispatcher.Dispatch the
// consume loop needs; callers pass a closure over their *dispatch.Dispatcher
// so this package stays free of a dependency on the dispatch package.
type dispatchFunc func(ctx context.Context, target event.Target, ev *event.Event) error

// dedupeCacheSize bounds the ingest idempotency guard, an LRU of the last
// dedupeCacheSize dispatched event ids. The envelope carries no event id and
// Parse assigns a fresh one to every message, so a broker redelivery of the
// same envelope gets a new id and is not caught by this guard. Grounded on
// the teacher's PeerEnricher cache-aside use of the same LRU library.
const dedupeCacheSize = 4096

// Consumer drains a watermill message channel, parsing and dispatching each
// envelope. A parse failure is logged and the message is still Ack'd — spec
// §4.6 "malformed messages are dropped, never retried, never fatal".
type Consumer struct {
	dispatch dispatchFunc
	log      *slog.Logger
	seen     *lru.Cache[uuid.UUID, struct{}]
}

func NewConsumer(dispatch dispatchFunc, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	seen, _ := lru.New[uuid.UUID, struct{}](dedupeCacheSize)
	return &Consumer{dispatch: dispatch, log: logger, seen: seen}
}

// Run blocks, consuming messages until ctx is cancelled or messages closes.
func (c *Consumer) Run(ctx context.Context, messages <-chan *message.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			c.handle(ctx, msg)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg *message.Message) {
	defer msg.Ack()

	target, ev, err := Parse(msg.Payload)
	if err != nil {
		c.log.Warn("ingest: dropping malformed envelope", "message_uuid", msg.UUID, "error", err)
		return
	}

	if lag := time.Since(ev.OccurredAt); lag > sentAtLagThreshold {
		c.log.Warn("ingest: event lagging behind broker receipt", "event_id", ev.ID, "lag", lag)
	}

	if c.seen.Contains(ev.ID) {
		c.log.Debug("ingest: dropping redelivered event", "event_id", ev.ID)
		return
	}
	c.seen.Add(ev.ID, struct{}{})

	if err := c.dispatch(ctx, target, ev); err != nil {
		c.log.Error("ingest: dispatch failed", "event_id", ev.ID, "error", err)
	}
}
