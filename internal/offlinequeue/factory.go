package offlinequeue

import (
	"log/slog"
)

// BackendKind selects which offline-queue backend the factory constructs,
// set via internal/config.
type BackendKind string

const (
	BackendMemory   BackendKind = "memory"
	BackendBolt     BackendKind = "bolt"
	BackendStream   BackendKind = "stream"
)

// FactoryConfig bundles the construction parameters for every backend kind;
// only the fields relevant to the selected Kind are read.
type FactoryConfig struct {
	Kind     BackendKind
	Queue    Config
	BoltPath string

	// Stream backend parameters (see stream.go).
	StreamPublisher  StreamPublisher
	StreamSubscriber StreamSubscriber
	StreamTopic      string
}

// New constructs the configured backend, falling back to MemoryBackend (with
// a logged warning) if a persistent backend fails to construct — an
// unavailable durability layer should degrade the deployment, not crash it.
func New(cfg FactoryConfig, logger *slog.Logger) Backend {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Queue == (Config{}) {
		cfg.Queue = DefaultConfig()
	}

	switch cfg.Kind {
	case BackendBolt:
		backend, err := OpenBoltBackend(cfg.BoltPath, cfg.Queue)
		if err != nil {
			logger.Warn("offlinequeue: falling back to memory backend", "reason", err, "path", cfg.BoltPath)
			return NewMemoryBackend(cfg.Queue)
		}
		return backend
	case BackendStream:
		if cfg.StreamPublisher == nil || cfg.StreamSubscriber == nil {
			logger.Warn("offlinequeue: stream backend requested without publisher/subscriber, falling back to memory")
			return NewMemoryBackend(cfg.Queue)
		}
		return NewStreamBackend(cfg.StreamPublisher, cfg.StreamSubscriber, cfg.StreamTopic, cfg.Queue, logger)
	default:
		return NewMemoryBackend(cfg.Queue)
	}
}
