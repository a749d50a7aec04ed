// Package busadapter wraps the ThreeDotsLabs/watermill AMQP binding used for
// pub/sub ingest (spec §4.6), grounded on the teacher's
// internal/adapter/pubsub publisher/dispatcher pair.
package busadapter

import (
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	amqp "github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Config describes the AMQP topic exchange this service both publishes
// re-exported events to and consumes ingest events from (spec §6 "pub/sub
// wire envelope ... carried over an AMQP topic exchange").
type Config struct {
	AMQPURI      string
	Exchange     string
	Queue        string
	RoutingKey   string
	Durable      bool
}

func DefaultConfig(amqpURI, exchange, queue string) Config {
	return Config{
		AMQPURI:    amqpURI,
		Exchange:   exchange,
		Queue:      queue,
		RoutingKey: "#",
		Durable:    true,
	}
}

// NewPublisher builds a watermill Publisher bound to cfg's topic exchange,
// used by cmd to re-export ingested events that reached no live connection
// on this instance (spec §4.6 "Exportable" re-publish).
func NewPublisher(cfg Config, logger watermill.LoggerAdapter) (message.Publisher, error) {
	amqpConfig := amqp.NewDurablePubSubConfig(cfg.AMQPURI, nil)
	amqpConfig.Exchange = amqp.ExchangeConfig{
		GenerateName: func(topic string) string { return cfg.Exchange },
		Type:         "topic",
		Durable:      cfg.Durable,
	}
	pub, err := amqp.NewPublisher(amqpConfig, logger)
	if err != nil {
		return nil, fmt.Errorf("busadapter: new publisher: %w", err)
	}
	return pub, nil
}

// NewSubscriber builds a watermill Subscriber bound to cfg's queue, topic-
// bound to RoutingKey against the exchange, mirroring the teacher's
// per-node queue naming so multiple instances can load-balance consumption.
func NewSubscriber(cfg Config, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	amqpConfig := amqp.NewDurablePubSubConfig(cfg.AMQPURI, func(topic string) string { return cfg.Queue })
	amqpConfig.Exchange = amqp.ExchangeConfig{
		GenerateName: func(topic string) string { return cfg.Exchange },
		Type:         "topic",
		Durable:      cfg.Durable,
	}
	amqpConfig.QueueBind.GenerateRoutingKey = func(topic string) string { return cfg.RoutingKey }

	sub, err := amqp.NewSubscriber(amqpConfig, logger)
	if err != nil {
		return nil, fmt.Errorf("busadapter: new subscriber: %w", err)
	}
	return sub, nil
}
