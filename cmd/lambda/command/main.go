package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/lambda"

	"github.com/example/ec-eventsourcing/internal/app"
	"github.com/example/ec-eventsourcing/internal/command"
	"github.com/example/ec-eventsourcing/internal/domain/aggregate"
	"github.com/example/ec-eventsourcing/internal/platform/config"
	"github.com/example/ec-eventsourcing/internal/platform/logging"
	"github.com/example/ec-eventsourcing/internal/platform/otelx"
)

// shutdownGrace bounds how long SIGTERM waits for scheduled snapshots.
const shutdownGrace = 400 * time.Millisecond

var (
	application *app.App
	logger      *slog.Logger
)

func init() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}
	logger = logging.New(cfg.ServiceName+"-command", cfg.LogLevel)
	slog.SetDefault(logger)

	ctx := context.Background()
	if _, err := otelx.Setup(ctx, otelx.Config{
		Enabled:      cfg.OTelEnabled,
		ServiceName:  cfg.ServiceName + "-command",
		OTLPEndpoint: cfg.OTLPEndpoint,
		SampleRatio:  cfg.OTelSampleRatio,
	}); err != nil {
		logger.Error("otel setup failed", "err", err)
	}

	application, err = app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("initialize app", "err", err)
		os.Exit(1)
	}
	logger.Info("command lambda initialized", "backend", cfg.Backend)
}

func newHandler(a *app.App) func(context.Context, aggregate.Command) (command.Result, error) {
	return func(ctx context.Context, cmd aggregate.Command) (command.Result, error) {
		return a.Orders.Handle(ctx, cmd), nil
	}
}

// drain gives in-flight snapshot creations up to grace to finish, then
// cancels whatever is left and closes the app.
func drain(a *app.App, grace time.Duration) {
	done := make(chan struct{})
	go func() {
		a.Manager.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		a.Logger.Warn("snapshot creations still running at shutdown")
	}
	if err := a.Close(); err != nil {
		a.Logger.Error("close app", "err", err)
	}
}

func main() {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM)
	go func() {
		<-sigs
		drain(application, shutdownGrace)
		os.Exit(0)
	}()

	lambda.Start(newHandler(application))
}
