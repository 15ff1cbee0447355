// Package app wires the event store, snapshot manager and command handlers
// from a config.Config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/redis/go-redis/v9"

	"github.com/example/ec-eventsourcing/internal/command"
	"github.com/example/ec-eventsourcing/internal/domain/aggregate"
	"github.com/example/ec-eventsourcing/internal/domain/order"
	"github.com/example/ec-eventsourcing/internal/infrastructure/kafka"
	"github.com/example/ec-eventsourcing/internal/infrastructure/ratelimit"
	"github.com/example/ec-eventsourcing/internal/infrastructure/schema"
	"github.com/example/ec-eventsourcing/internal/infrastructure/store"
	"github.com/example/ec-eventsourcing/internal/infrastructure/store/dynamo"
	"github.com/example/ec-eventsourcing/internal/infrastructure/store/postgres"
	"github.com/example/ec-eventsourcing/internal/infrastructure/store/sqlite"
	"github.com/example/ec-eventsourcing/internal/platform/config"
	"github.com/example/ec-eventsourcing/internal/snapshot"
)

// Backend is a storage engine holding both events and snapshots.
type Backend interface {
	store.EventBackend
	store.SnapshotBackend
}

// ExpiredSnapshotPurger is implemented by backends without native TTL.
type ExpiredSnapshotPurger interface {
	DeleteExpiredSnapshots(ctx context.Context) (int64, error)
}

// App holds the wired components of one process.
type App struct {
	Config    config.Config
	Logger    *slog.Logger
	Backend   Backend
	Stream    *store.Stream
	Events    *store.EventStore
	Snapshots *store.SnapshotStore
	Manager   *snapshot.Manager
	Orders    *command.Handler[order.Order]

	closers []func() error
}

// Option adjusts how New wires the App.
type Option func(*options)

type options struct {
	backend   Backend
	publisher bool
}

// WithBackend skips backend construction and uses b.
func WithBackend(b Backend) Option {
	return func(o *options) { o.backend = b }
}

// WithKafkaPublisher subscribes a Kafka producer to the stream when brokers
// are configured.
func WithKafkaPublisher() Option {
	return func(o *options) { o.publisher = true }
}

func New(ctx context.Context, cfg config.Config, logger *slog.Logger, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if logger == nil {
		logger = slog.Default()
	}

	a := &App{Config: cfg, Logger: logger}

	backend := o.backend
	if backend == nil {
		var err error
		backend, err = a.openBackend(ctx)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
	}
	a.Backend = backend

	a.Stream = store.NewStream(logger)
	if o.publisher && len(cfg.KafkaBrokers) > 0 {
		producer := kafka.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		a.closers = append(a.closers, producer.Close)
		a.Stream.Subscribe(producer.HandleEvents)
		logger.Info("publishing events to kafka", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}

	registry := schema.NewRegistry(order.Schemas()...)
	a.Events = store.NewEventStore(backend,
		store.WithSchemaValidator(registry),
		store.WithRateLimiter(a.rateLimiter()),
		store.WithStream(a.Stream),
		store.WithLogger(logger),
		store.WithRetry(cfg.ThrottleMaxAttempts, cfg.ThrottleBaseDelay),
	)
	a.Snapshots = store.NewSnapshotStore(backend, store.WithSnapshotTTL(cfg.SnapshotTTL))

	agg := order.New()
	a.Manager = snapshot.NewManager(cfg.Snapshot, a.Events, a.Snapshots, aggregate.Rehydrator[order.Order](agg),
		snapshot.WithLogger(logger),
		snapshot.WithMaxConcurrent(cfg.SnapshotMaxConcurrent),
	)
	a.Orders = command.NewHandler[order.Order](agg, a.Events, a.Snapshots,
		command.WithSnapshotTrigger(a.Manager),
		command.WithLogger(logger),
		command.WithConflictRetries(cfg.ConflictRetries),
	)

	return a, nil
}

func (a *App) openBackend(ctx context.Context) (Backend, error) {
	cfg := a.Config
	switch cfg.Backend {
	case config.BackendMemory:
		a.Logger.Warn("using in-memory event store, events are lost on exit")
		return store.NewMemoryBackend(), nil

	case config.BackendDynamo:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
			if cfg.DynamoEndpoint != "" {
				o.BaseEndpoint = aws.String(cfg.DynamoEndpoint)
			}
		})
		if cfg.DynamoCreateTables {
			if err := dynamo.CreateTables(ctx, client, cfg.DynamoEventsTable, cfg.DynamoSnapshotsTable); err != nil {
				return nil, err
			}
		}
		a.Logger.Info("using dynamodb event store",
			"events_table", cfg.DynamoEventsTable,
			"snapshots_table", cfg.DynamoSnapshotsTable)
		return dynamo.NewBackend(client, cfg.DynamoEventsTable, cfg.DynamoSnapshotsTable), nil

	case config.BackendPostgres:
		db, err := postgres.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, db.Close)
		b := postgres.NewBackend(db)
		if err := b.Migrate(ctx); err != nil {
			return nil, err
		}
		a.Logger.Info("using postgres event store")
		return b, nil

	case config.BackendSQLite:
		b, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, b.Close)
		a.Logger.Info("using sqlite event store", "path", cfg.SQLitePath)
		return b, nil
	}
	return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
}

func (a *App) rateLimiter() store.RateLimiter {
	cfg := a.Config
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		a.closers = append(a.closers, rdb.Close)
		a.Logger.Info("time range rate limiting enabled (redis)",
			"limit", cfg.RateLimit, "window", cfg.RateLimitWindow, "redis_addr", cfg.RedisAddr)
		return ratelimit.NewRedisSlidingWindow(rdb, cfg.RateLimit, cfg.RateLimitWindow, "events-by-time")
	}
	a.Logger.Info("time range rate limiting enabled (in-memory)",
		"limit", cfg.RateLimit, "window", cfg.RateLimitWindow)
	return ratelimit.NewSlidingWindow(cfg.RateLimit, cfg.RateLimitWindow)
}

// Purger returns the backend's expired snapshot purger, if it has one.
func (a *App) Purger() (ExpiredSnapshotPurger, bool) {
	p, ok := a.Backend.(ExpiredSnapshotPurger)
	return p, ok
}

// Close stops the snapshot manager and releases connections in reverse
// order of acquisition.
func (a *App) Close() error {
	if a.Manager != nil {
		a.Manager.Close()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
