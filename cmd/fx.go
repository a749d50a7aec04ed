package cmd

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/ThreeDotsLabs/watermill/message"
	"go.uber.org/fx"

	"github.com/webitel/notifyhub/internal/authstub"
	"github.com/webitel/notifyhub/internal/busadapter"
	"github.com/webitel/notifyhub/internal/config"
	"github.com/webitel/notifyhub/internal/dispatchcore/acktracker"
	"github.com/webitel/notifyhub/internal/dispatchcore/dispatch"
	"github.com/webitel/notifyhub/internal/dispatchcore/event"
	"github.com/webitel/notifyhub/internal/dispatchcore/heartbeat"
	"github.com/webitel/notifyhub/internal/dispatchcore/ingest"
	"github.com/webitel/notifyhub/internal/dispatchcore/registry"
	"github.com/webitel/notifyhub/internal/httpapi"
	"github.com/webitel/notifyhub/internal/logging"
	"github.com/webitel/notifyhub/internal/offlinequeue"
	"github.com/webitel/notifyhub/internal/resilience"
	"github.com/webitel/notifyhub/internal/transport/longpoll"
	"github.com/webitel/notifyhub/internal/transport/sse"
	"github.com/webitel/notifyhub/internal/transport/ws"
)

// NewApp builds the fx application graph for cfg, following the teacher's
// cmd/fx.go shape: providers for leaf dependencies, modules grouping a
// subsystem's constructor with its lifecycle hooks.
func NewApp(cfg config.Config) *fx.App {
	return fx.New(
		fx.Supply(cfg),
		fx.Provide(
			provideLogger,
			provideRegistry,
			provideOfflineQueue,
			provideACKTracker,
			provideDispatcher,
			provideAuthenticator,
			providePublisher,
			provideHeartbeatTask,
			provideHTTPServer,
		),
		fx.Invoke(
			registerIngestConsumer,
			registerHeartbeat,
			registerHTTPServer,
			registerGracefulShutdown,
		),
	)
}

func provideLogger(cfg config.Config) *slog.Logger {
	return logging.New(cfg.Environment)
}

func provideRegistry(cfg config.Config) *registry.Registry {
	limits := registry.DefaultLimits()
	limits.MaxTotalConnections = cfg.Registry.MaxTotalConnections
	limits.MaxPerUser = cfg.Registry.MaxPerUser
	if cfg.Registry.MaxSubsPerConn > 0 {
		limits.MaxSubsPerConn = cfg.Registry.MaxSubsPerConn
	}
	if cfg.Registry.OutboundBufferSize > 0 {
		limits.OutboundBufferSize = cfg.Registry.OutboundBufferSize
	}
	return registry.New(limits)
}

func provideOfflineQueue(cfg config.Config, logger *slog.Logger) offlinequeue.Backend {
	queueCfg := offlinequeue.Config{
		MaxDepthPerUser: cfg.OfflineQueue.MaxDepthPerUser,
		MessageTTL:      cfg.OfflineQueue.MessageTTL,
	}
	return offlinequeue.New(offlinequeue.FactoryConfig{
		Kind:     offlinequeue.BackendKind(cfg.OfflineQueue.Backend),
		Queue:    queueCfg,
		BoltPath: cfg.OfflineQueue.BoltPath,
	}, logger)
}

func provideACKTracker() *acktracker.Tracker {
	return acktracker.New()
}

func provideDispatcher(reg *registry.Registry, queue offlinequeue.Backend, acks *acktracker.Tracker) *dispatch.Dispatcher {
	return dispatch.New(reg, queue, acks, ws.EncodeNotification, nil)
}

func provideAuthenticator() authstub.Authenticator {
	return authstub.HeaderAuthenticator{}
}

func providePublisher(cfg config.Config, logger *slog.Logger) message.Publisher {
	adapter := logging.NewWatermillAdapter(logger)
	busCfg := busadapter.DefaultConfig(cfg.AMQP.URI, cfg.AMQP.Exchange, cfg.AMQP.Queue)
	busCfg.RoutingKey = cfg.AMQP.RoutingKey
	pub, err := busadapter.NewPublisher(busCfg, adapter)
	if err != nil {
		logger.Error("cmd: amqp publisher unavailable, ingest re-publish disabled", "error", err)
		return nil
	}

	breakerCfg := resilience.DefaultBreakerConfig("amqp-publish")
	if cfg.CircuitBreaker.OpenTimeout > 0 {
		breakerCfg.OpenTimeout = cfg.CircuitBreaker.OpenTimeout
	}
	if cfg.CircuitBreaker.FailureRatioThreshold > 0 {
		breakerCfg.FailureRatioThreshold = cfg.CircuitBreaker.FailureRatioThreshold
	}
	if cfg.CircuitBreaker.MinRequests > 0 {
		breakerCfg.MinRequests = cfg.CircuitBreaker.MinRequests
	}
	return busadapter.NewResilientPublisher(pub, resilience.NewCircuitBreaker(breakerCfg))
}

func provideHeartbeatTask(reg *registry.Registry, queue offlinequeue.Backend, acks *acktracker.Tracker, cfg config.Config) *heartbeat.Task {
	hbCfg := heartbeat.DefaultConfig()
	if cfg.Heartbeat.Interval > 0 {
		hbCfg.HeartbeatInterval = cfg.Heartbeat.Interval
	}
	if cfg.Heartbeat.CleanupInterval > 0 {
		hbCfg.CleanupInterval = cfg.Heartbeat.CleanupInterval
	}
	if cfg.Heartbeat.IdleTimeout > 0 {
		hbCfg.IdleTimeout = cfg.Heartbeat.IdleTimeout
	}
	return heartbeat.New(reg, queue, acks, hbCfg, ws.EncodeHeartbeat, nil)
}

func provideHTTPServer(cfg config.Config, dispatcher *dispatch.Dispatcher, reg *registry.Registry, auth authstub.Authenticator, acks *acktracker.Tracker, hbTask *heartbeat.Task, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/", httpapi.NewServer(dispatcher, reg, acks, hbTask))
	mux.Handle("/v1/stream/ws", ws.NewHandler(reg, dispatcher, acks, auth, logger))
	mux.Handle("/v1/stream/sse", sse.NewHandler(reg, dispatcher, auth, logger))
	mux.Handle("/v1/stream/poll", longpoll.NewHandler(reg, dispatcher, auth, logger))

	return &http.Server{
		Addr:    cfg.HTTP.Address,
		Handler: mux,
	}
}

// exportRoutingKey is the routing key used to re-publish an ingested event
// that reached no live connection on this instance, for consumption by peer
// instances, mirroring the teacher's "local deliver + global re-publish"
// pattern.
const exportRoutingKey = "notifyhub.export"

func registerIngestConsumer(lc fx.Lifecycle, cfg config.Config, dispatcher *dispatch.Dispatcher, publisher message.Publisher, logger *slog.Logger) {
	adapter := logging.NewWatermillAdapter(logger)
	busCfg := busadapter.DefaultConfig(cfg.AMQP.URI, cfg.AMQP.Exchange, cfg.AMQP.Queue)
	busCfg.RoutingKey = cfg.AMQP.RoutingKey

	var cancel context.CancelFunc
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			sub, err := busadapter.NewSubscriber(busCfg, adapter)
			if err != nil {
				logger.Error("cmd: amqp subscriber unavailable, pub/sub ingest disabled", "error", err)
				return nil
			}
			consumeCtx, c := context.WithCancel(context.Background())
			cancel = c
			messages, err := sub.Subscribe(consumeCtx, busCfg.Queue)
			if err != nil {
				logger.Error("cmd: amqp subscribe failed", "error", err)
				return nil
			}
			consumer := ingest.NewConsumer(func(ctx context.Context, target event.Target, ev *event.Event) error {
				result, err := dispatcher.Dispatch(ctx, target, ev)
				if err != nil {
					return err
				}
				if result.Delivered == 0 && publisher != nil {
					if envelope, marshalErr := ingest.Marshal(target, ev); marshalErr == nil {
						if pubErr := publisher.Publish(exportRoutingKey, message.NewMessage(ev.ID.String(), envelope)); pubErr != nil {
							logger.Warn("cmd: export re-publish failed", "event_id", ev.ID, "error", pubErr)
						}
					}
				}
				return nil
			}, logger)
			go consumer.Run(consumeCtx, messages)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel != nil {
				cancel()
			}
			return nil
		},
	})
}

func registerHeartbeat(lc fx.Lifecycle, task *heartbeat.Task) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			task.Start(context.Background())
			return nil
		},
		OnStop: func(ctx context.Context) error {
			task.Stop()
			return nil
		},
	})
}

// shutdownGracePeriodSeconds is advertised to clients in the "shutdown"
// frame as reconnect_after_seconds, the delay before a client reconnects.
const shutdownGracePeriodSeconds = 30

// registerGracefulShutdown sends every live connection a final "shutdown"
// frame before the registry tears it down, mirroring spec §5's shutdown
// sequence. WS connections receive the frame as-is and SSE connections as an
// `event: control` message; long-poll returns only queued Events, so its
// clients do not see the frame.
func registerGracefulShutdown(lc fx.Lifecycle, reg *registry.Registry) {
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			reg.Shutdown(func(conn *registry.Connection) {
				frame := ws.EncodeShutdown("server shutting down", shutdownGracePeriodSeconds)
				conn.TrySend(event.NewControlFrame("control", frame))
			})
			return nil
		},
	})
}

func registerHTTPServer(lc fx.Lifecycle, server *http.Server, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logger.Error("cmd: http server stopped", "error", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return server.Shutdown(ctx)
		},
	})
}
