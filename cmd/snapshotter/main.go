package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/example/ec-eventsourcing/internal/app"
	"github.com/example/ec-eventsourcing/internal/infrastructure/kafka"
	"github.com/example/ec-eventsourcing/internal/infrastructure/store"
	"github.com/example/ec-eventsourcing/internal/platform/config"
	"github.com/example/ec-eventsourcing/internal/platform/logging"
	"github.com/example/ec-eventsourcing/internal/platform/otelx"
	"github.com/example/ec-eventsourcing/internal/snapshot"
)

const reportInterval = time.Minute

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.ServiceName+"-snapshotter", cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := otelx.Setup(ctx, otelx.Config{
		Enabled:      cfg.OTelEnabled,
		ServiceName:  cfg.ServiceName + "-snapshotter",
		OTLPEndpoint: cfg.OTLPEndpoint,
		SampleRatio:  cfg.OTelSampleRatio,
	})
	if err != nil {
		logger.Error("otel setup failed", "err", err)
		os.Exit(1)
	}

	application, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("initialize app", "err", err)
		os.Exit(1)
	}

	sweeper := snapshot.NewSweeper(application.Manager, cfg.SnapshotSweepInterval, logger)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		sweeper.Run(ctx)
	}()

	if len(cfg.KafkaBrokers) > 0 {
		consumer := kafka.NewConsumer(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroupID, logger)
		defer consumer.Close()

		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Info("consuming events", "topic", cfg.KafkaTopic, "group", cfg.KafkaGroupID)
			// count and size triggers fire in the command path, this process
			// only feeds the time-elapsed sweep
			err := consumer.Consume(ctx, kafka.EventHandler(func(_ context.Context, e store.DomainEvent) error {
				sweeper.Track(e.AggregateID)
				return nil
			}))
			if err != nil && ctx.Err() == nil {
				logger.Error("consumer stopped", "err", err)
			}
		}()
	} else {
		logger.Warn("KAFKA_BROKERS not set, only the periodic sweep runs")
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		report(ctx, logger, application)
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	wg.Wait()

	if err := application.Close(); err != nil {
		logger.Error("close app", "err", err)
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = shutdownTracing(shutdownCtx)
}

// report logs manager metrics and purges expired snapshots on backends
// without native TTL.
func report(ctx context.Context, logger *slog.Logger, a *app.App) {
	ticker := time.NewTicker(reportInterval)
	defer ticker.Stop()

	purger, canPurge := a.Purger()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m := a.Manager.Metrics()
			logger.Info("snapshot metrics",
				"created", m.CreationCount,
				"failed", m.CreationFailures,
				"avg_creation_time", m.AvgCreationTime,
				"last_creation_time", m.LastCreationTime)

			if canPurge {
				n, err := purger.DeleteExpiredSnapshots(ctx)
				if err != nil {
					logger.Error("purge expired snapshots", "err", err)
					continue
				}
				if n > 0 {
					logger.Info("purged expired snapshots", "count", n)
				}
			}
		}
	}
}
