package busadapter

import (
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/webitel/notifyhub/internal/resilience"
)

// ResilientPublisher wraps a watermill Publisher with a circuit breaker
// (spec §4.7): once the broker starts failing past the configured failure
// ratio, further publishes fail fast with resilience.ErrCircuitOpen instead
// of piling up on a downed broker.
type ResilientPublisher struct {
	inner   message.Publisher
	breaker *resilience.CircuitBreaker
}

func NewResilientPublisher(inner message.Publisher, breaker *resilience.CircuitBreaker) *ResilientPublisher {
	return &ResilientPublisher{inner: inner, breaker: breaker}
}

func (p *ResilientPublisher) Publish(topic string, messages ...*message.Message) error {
	return p.breaker.Execute(func() error {
		return p.inner.Publish(topic, messages...)
	})
}

func (p *ResilientPublisher) Close() error {
	return p.inner.Close()
}
