package kinesis

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ec-eventsourcing/internal/infrastructure/store"
)

func validImage(id, aggregateID string, version string) map[string]events.DynamoDBAttributeValue {
	return map[string]events.DynamoDBAttributeValue{
		"id":             events.NewStringAttribute(id),
		"aggregate_id":   events.NewStringAttribute(aggregateID),
		"event_type":     events.NewStringAttribute("OrderPlaced"),
		"payload":        events.NewStringAttribute(`{"orderId":"order-456"}`),
		"timestamp":      events.NewStringAttribute("2024-01-15T10:30:00.123456789Z"),
		"timestamp_ms":   events.NewNumberAttribute("1705314600123"),
		"version":        events.NewNumberAttribute(version),
		"correlation_id": events.NewStringAttribute("corr-1"),
		"schema_version": events.NewStringAttribute("1.0"),
	}
}

func TestConvertDynamoDBImage(t *testing.T) {
	noTimestamp := validImage("event-123", "order-456", "1")
	delete(noTimestamp, "timestamp")
	noSchema := validImage("event-123", "order-456", "1")
	delete(noSchema, "schema_version")

	tests := []struct {
		name    string
		image   map[string]events.DynamoDBAttributeValue
		wantTS  time.Time
		wantErr bool
	}{
		{
			name:   "valid event",
			image:  validImage("event-123", "order-456", "1"),
			wantTS: time.Date(2024, 1, 15, 10, 30, 0, 123456789, time.UTC),
		},
		{
			name:   "falls back to timestamp_ms",
			image:  noTimestamp,
			wantTS: time.UnixMilli(1705314600123).UTC(),
		},
		{
			name:   "default schema version",
			image:  noSchema,
			wantTS: time.Date(2024, 1, 15, 10, 30, 0, 123456789, time.UTC),
		},
		{
			name:    "nil image",
			image:   nil,
			wantErr: true,
		},
		{
			name: "missing required fields",
			image: map[string]events.DynamoDBAttributeValue{
				"id": events.NewStringAttribute("event-123"),
			},
			wantErr: true,
		},
		{
			name:    "version not a number",
			image:   validImage("event-123", "order-456", "1"),
			wantErr: true,
		},
	}
	tests[len(tests)-1].image["version"] = events.NewStringAttribute("one")

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event, err := convertDynamoDBImage(tt.image)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			require.NotNil(t, event)
			assert.Equal(t, "event-123", event.EventID)
			assert.Equal(t, "order-456", event.AggregateID)
			assert.Equal(t, "OrderPlaced", event.EventType)
			assert.Equal(t, 1, event.AggregateVersion)
			assert.JSONEq(t, `{"orderId":"order-456"}`, string(event.Payload))
			assert.Equal(t, "corr-1", event.Metadata.CorrelationID)
			assert.Equal(t, store.DefaultSchemaVersion, event.Metadata.SchemaVersion)
			assert.True(t, tt.wantTS.Equal(event.Timestamp))
		})
	}
}

func TestConvertFromDynamoDBStreamRecord(t *testing.T) {
	t.Run("INSERT event converts successfully", func(t *testing.T) {
		record := events.DynamoDBEventRecord{
			EventName: "INSERT",
			Change:    events.DynamoDBStreamRecord{NewImage: validImage("event-123", "order-456", "1")},
		}

		event, err := ConvertFromDynamoDBStreamRecord(record)
		require.NoError(t, err)
		require.NotNil(t, event)
		assert.Equal(t, "event-123", event.EventID)
	})

	for _, name := range []string{"MODIFY", "REMOVE"} {
		t.Run(name+" event returns nil", func(t *testing.T) {
			event, err := ConvertFromDynamoDBStreamRecord(events.DynamoDBEventRecord{EventName: name})
			require.NoError(t, err)
			assert.Nil(t, event)
		})
	}
}

func kinesisRecord(t *testing.T, eventID, seq string, record events.DynamoDBEventRecord) events.KinesisEventRecord {
	t.Helper()
	data, err := json.Marshal(record)
	require.NoError(t, err)
	return events.KinesisEventRecord{
		EventID: eventID,
		Kinesis: events.KinesisRecord{Data: data, SequenceNumber: seq},
	}
}

func TestConvertFromKinesisRecord(t *testing.T) {
	record := kinesisRecord(t, "kinesis-event-1", "1", events.DynamoDBEventRecord{
		EventName: "INSERT",
		Change:    events.DynamoDBStreamRecord{NewImage: validImage("event-123", "order-456", "1")},
	})

	event, err := ConvertFromKinesisRecord(record)
	require.NoError(t, err)
	require.NotNil(t, event)
	assert.Equal(t, "event-123", event.EventID)
}

func TestBatchConvertFromKinesisEvent(t *testing.T) {
	insert := func(id, agg, version string) events.DynamoDBEventRecord {
		return events.DynamoDBEventRecord{
			EventName: "INSERT",
			Change:    events.DynamoDBStreamRecord{NewImage: validImage(id, agg, version)},
		}
	}

	kinesisEvent := events.KinesisEvent{
		Records: []events.KinesisEventRecord{
			kinesisRecord(t, "1", "100", insert("event-1", "order-1", "1")),
			kinesisRecord(t, "2", "101", events.DynamoDBEventRecord{EventName: "MODIFY"}),
			{EventID: "3", Kinesis: events.KinesisRecord{Data: []byte("invalid json"), SequenceNumber: "102"}},
			kinesisRecord(t, "4", "103", insert("event-2", "order-1", "2")),
		},
	}

	records, errs := BatchConvertFromKinesisEvent(kinesisEvent)

	require.Len(t, records, 2)
	require.Len(t, errs, 1)
	assert.Equal(t, "event-1", records[0].Event.EventID)
	assert.Equal(t, "100", records[0].SequenceNumber)
	assert.Equal(t, "103", records[1].SequenceNumber)
	assert.Equal(t, "102", errs[0].SequenceNumber)
	assert.Contains(t, errs[0].Error(), "record 3")
}

func TestGroupByAggregate(t *testing.T) {
	evts := []store.DomainEvent{
		{AggregateID: "b", AggregateVersion: 2},
		{AggregateID: "a", AggregateVersion: 1},
		{AggregateID: "b", AggregateVersion: 1},
		{AggregateID: "a", AggregateVersion: 2},
	}

	groups := GroupByAggregate(evts)

	require.Len(t, groups, 2)
	assert.Equal(t, "b", groups[0][0].AggregateID)
	assert.Equal(t, []int{1, 2}, []int{groups[0][0].AggregateVersion, groups[0][1].AggregateVersion})
	assert.Equal(t, "a", groups[1][0].AggregateID)
	assert.Equal(t, []int{1, 2}, []int{groups[1][0].AggregateVersion, groups[1][1].AggregateVersion})
}
