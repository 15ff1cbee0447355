package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"github.com/example/ec-eventsourcing/internal/infrastructure/kafka"
	"github.com/example/ec-eventsourcing/internal/infrastructure/kinesis"
	"github.com/example/ec-eventsourcing/internal/infrastructure/store"
	"github.com/example/ec-eventsourcing/internal/platform/config"
	"github.com/example/ec-eventsourcing/internal/platform/logging"
)

var (
	stream *store.Stream
	logger *slog.Logger
)

func init() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}
	logger = logging.New(cfg.ServiceName+"-stream", cfg.LogLevel)

	stream = store.NewStream(logger)
	if len(cfg.KafkaBrokers) == 0 {
		logger.Warn("KAFKA_BROKERS not set, stream records are only logged")
		return
	}
	producer := kafka.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
	stream.Subscribe(producer.HandleEvents)
	logger.Info("stream lambda initialized", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
}

func handler(ctx context.Context, kinesisEvent events.KinesisEvent) (events.KinesisEventResponse, error) {
	return process(ctx, stream, logger, kinesisEvent), nil
}

// process publishes converted records per aggregate and reports the records
// that failed to convert or publish.
func process(ctx context.Context, stream *store.Stream, logger *slog.Logger, kinesisEvent events.KinesisEvent) events.KinesisEventResponse {
	logger.Info("received records", "count", len(kinesisEvent.Records))

	records, convErrs := kinesis.BatchConvertFromKinesisEvent(kinesisEvent)

	var batchItemFailures []events.KinesisBatchItemFailure
	for _, e := range convErrs {
		logger.Error("convert record failed", "record", e.EventID, "err", e.Err)
		batchItemFailures = append(batchItemFailures, events.KinesisBatchItemFailure{
			ItemIdentifier: e.SequenceNumber,
		})
	}

	sequences := make(map[string]string, len(records)) // event id -> sequence number
	converted := make([]store.DomainEvent, 0, len(records))
	for _, r := range records {
		sequences[r.Event.EventID] = r.SequenceNumber
		converted = append(converted, r.Event)
	}

	for _, batch := range kinesis.GroupByAggregate(converted) {
		if failed := stream.Publish(ctx, batch); failed > 0 {
			for _, e := range batch {
				batchItemFailures = append(batchItemFailures, events.KinesisBatchItemFailure{
					ItemIdentifier: sequences[e.EventID],
				})
			}
		}
	}

	logger.Info("processed records",
		"succeeded", len(kinesisEvent.Records)-len(batchItemFailures),
		"total", len(kinesisEvent.Records))

	return events.KinesisEventResponse{
		BatchItemFailures: batchItemFailures,
	}
}

func main() {
	lambda.Start(handler)
}
