package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ec-eventsourcing/internal/infrastructure/store"
)

func insertRecord(t *testing.T, seq, eventID, aggregateID, version string) events.KinesisEventRecord {
	t.Helper()
	data, err := json.Marshal(events.DynamoDBEventRecord{
		EventName: "INSERT",
		Change: events.DynamoDBStreamRecord{
			NewImage: map[string]events.DynamoDBAttributeValue{
				"id":           events.NewStringAttribute(eventID),
				"aggregate_id": events.NewStringAttribute(aggregateID),
				"event_type":   events.NewStringAttribute("OrderPlaced"),
				"payload":      events.NewStringAttribute(`{}`),
				"timestamp":    events.NewStringAttribute("2024-01-15T10:30:00Z"),
				"version":      events.NewNumberAttribute(version),
			},
		},
	})
	require.NoError(t, err)
	return events.KinesisEventRecord{
		EventID: "rec-" + seq,
		Kinesis: events.KinesisRecord{Data: data, SequenceNumber: seq},
	}
}

func TestProcess_PublishesPerAggregate(t *testing.T) {
	s := store.NewStream(slog.Default())
	var batches [][]store.DomainEvent
	s.Subscribe(func(_ context.Context, evts []store.DomainEvent) error {
		batches = append(batches, evts)
		return nil
	})

	resp := process(context.Background(), s, slog.Default(), events.KinesisEvent{
		Records: []events.KinesisEventRecord{
			insertRecord(t, "1", "e1", "order-1", "1"),
			insertRecord(t, "2", "e2", "order-2", "1"),
			insertRecord(t, "3", "e3", "order-1", "2"),
			{EventID: "rec-4", Kinesis: events.KinesisRecord{Data: []byte("garbage"), SequenceNumber: "4"}},
		},
	})

	require.Len(t, resp.BatchItemFailures, 1)
	assert.Equal(t, "4", resp.BatchItemFailures[0].ItemIdentifier)

	require.Len(t, batches, 2)
	assert.Len(t, batches[0], 2)
	assert.Equal(t, "order-1", batches[0][0].AggregateID)
	assert.Len(t, batches[1], 1)
}

func TestProcess_PublishFailureReportsWholeBatch(t *testing.T) {
	s := store.NewStream(slog.Default())
	s.Subscribe(func(_ context.Context, evts []store.DomainEvent) error {
		if evts[0].AggregateID == "order-1" {
			return errors.New("broker down")
		}
		return nil
	})

	resp := process(context.Background(), s, slog.Default(), events.KinesisEvent{
		Records: []events.KinesisEventRecord{
			insertRecord(t, "10", "e1", "order-1", "1"),
			insertRecord(t, "11", "e2", "order-2", "1"),
			insertRecord(t, "12", "e3", "order-1", "2"),
		},
	})

	var ids []string
	for _, f := range resp.BatchItemFailures {
		ids = append(ids, f.ItemIdentifier)
	}
	assert.ElementsMatch(t, []string{"10", "12"}, ids)
}
