package offlinequeue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
)

// StreamPublisher and StreamSubscriber are the minimal slices of
// watermill's message.Publisher/message.Subscriber the stream backend
// needs, so tests can supply an in-memory gochannel pub/sub instead of a
// live AMQP broker (grounded on the teacher's adapter/pubsub wrapper style).
type StreamPublisher interface {
	Publish(topic string, messages ...*message.Message) error
}

type StreamSubscriber interface {
	Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error)
}

// StreamBackend is the "remote, shared across instances" offline-queue
// option (spec §4.4): every Enqueue publishes durably to a broker-backed
// topic, while every instance of this service maintains a local read replica
// built by continuously consuming that same topic, so Drain/Depth never
// need a round trip to the broker. Grounded on the teacher's
// adapter/pubsub.EventDispatcher publish path and handler/amqp consume loop.
type StreamBackend struct {
	pub   StreamPublisher
	topic string
	cfg   Config
	log   *slog.Logger

	replica *MemoryBackend

	cancel context.CancelFunc
	done   chan struct{}
}

func NewStreamBackend(pub StreamPublisher, sub StreamSubscriber, topic string, cfg Config, logger *slog.Logger) *StreamBackend {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &StreamBackend{
		pub:     pub,
		topic:   topic,
		cfg:     cfg,
		log:     logger,
		replica: NewMemoryBackend(cfg),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go b.consume(ctx, sub)
	return b
}

// streamEnvelope is the wire form published to the topic; it carries enough
// to reconstruct a QueuedMessage on the consuming side.
type streamEnvelope struct {
	Message QueuedMessage `json:"message"`
}

func (b *StreamBackend) Enqueue(_ context.Context, msg QueuedMessage) error {
	payload, err := json.Marshal(streamEnvelope{Message: msg})
	if err != nil {
		return fmt.Errorf("offlinequeue: marshal stream envelope: %w", err)
	}
	wmMsg := message.NewMessage(msg.ID.String(), payload)
	return b.pub.Publish(b.topic, wmMsg)
}

// consume feeds every published envelope into the local replica so this
// instance's own Drain/Depth calls observe messages enqueued by any
// instance in the deployment, not just this one.
func (b *StreamBackend) consume(ctx context.Context, sub StreamSubscriber) {
	defer close(b.done)
	if sub == nil {
		return
	}
	messages, err := sub.Subscribe(ctx, b.topic)
	if err != nil {
		b.log.Error("offlinequeue: stream subscribe failed", "topic", b.topic, "error", err)
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case wmMsg, ok := <-messages:
			if !ok {
				return
			}
			var env streamEnvelope
			if err := json.Unmarshal(wmMsg.Payload, &env); err != nil {
				b.log.Warn("offlinequeue: dropping malformed stream envelope", "error", err)
				wmMsg.Ack()
				continue
			}
			if err := b.replica.Enqueue(ctx, env.Message); err != nil {
				b.log.Warn("offlinequeue: replica enqueue failed", "error", err)
			}
			wmMsg.Ack()
		}
	}
}

func (b *StreamBackend) Drain(ctx context.Context, tenantID string, userID uuid.UUID, limit int) ([]QueuedMessage, error) {
	return b.replica.Drain(ctx, tenantID, userID, limit)
}

func (b *StreamBackend) Depth(ctx context.Context, tenantID string, userID uuid.UUID) (int, error) {
	return b.replica.Depth(ctx, tenantID, userID)
}

// CleanupExpired delegates to the local replica — every instance scans its
// own copy, which is safe since expiry is idempotent and TTL-derived.
func (b *StreamBackend) CleanupExpired(ctx context.Context) (int, error) {
	return b.replica.CleanupExpired(ctx)
}

func (b *StreamBackend) Close() error {
	b.cancel()
	<-b.done
	return b.replica.Close()
}
