package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"github.com/example/ec-eventsourcing/internal/infrastructure/store"
)

type MessageHandler func(ctx context.Context, key, value []byte) error

// MessageReader is the part of *kafka.Reader the consumer uses.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

type Consumer struct {
	reader MessageReader
	logger *slog.Logger
}

func NewConsumer(brokers []string, topic, groupID string, logger *slog.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 10e3, // 10KB
		MaxBytes: 10e6, // 10MB
	})
	return NewConsumerWithReader(reader, logger)
}

// NewConsumerWithReader wraps an existing reader.
func NewConsumerWithReader(r MessageReader, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{reader: r, logger: logger.With("component", "kafka_consumer")}
}

// Consume reads until ctx is done. Read and handler errors are logged and
// consumption continues.
func (c *Consumer) Consume(ctx context.Context, handler MessageHandler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			msg, err := c.reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				c.logger.Error("read message failed", "err", err)
				continue
			}

			if err := handler(ctx, msg.Key, msg.Value); err != nil {
				c.logger.Error("handle message failed",
					"key", string(msg.Key),
					"offset", msg.Offset,
					"err", err)
			}
		}
	}
}

// EventHandler adapts a per-event callback into a MessageHandler.
func EventHandler(fn func(ctx context.Context, event store.DomainEvent) error) MessageHandler {
	return func(ctx context.Context, _, value []byte) error {
		event, err := DecodeEvent(value)
		if err != nil {
			return err
		}
		return fn(ctx, event)
	}
}

// DecodeEvent parses a message value written by Producer.
func DecodeEvent(value []byte) (store.DomainEvent, error) {
	var event store.DomainEvent
	if err := json.Unmarshal(value, &event); err != nil {
		return store.DomainEvent{}, fmt.Errorf("decode event: %w", err)
	}
	if event.AggregateID == "" || event.EventType == "" {
		return store.DomainEvent{}, fmt.Errorf("decode event: missing aggregate id or event type")
	}
	return event, nil
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
