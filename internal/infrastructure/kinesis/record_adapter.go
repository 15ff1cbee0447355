package kinesis

import (
	"cmp"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/aws/aws-lambda-go/events"

	"github.com/example/ec-eventsourcing/internal/infrastructure/store"
)

// ConvertFromKinesisRecord converts a Kinesis record carrying a DynamoDB
// stream change into a store.DomainEvent. Non-INSERT changes yield nil.
func ConvertFromKinesisRecord(record events.KinesisEventRecord) (*store.DomainEvent, error) {
	var dynamoDBRecord events.DynamoDBEventRecord
	if err := json.Unmarshal(record.Kinesis.Data, &dynamoDBRecord); err != nil {
		return nil, fmt.Errorf("failed to unmarshal DynamoDB record: %w", err)
	}
	return ConvertFromDynamoDBStreamRecord(dynamoDBRecord)
}

// ConvertFromDynamoDBStreamRecord converts a DynamoDB stream record read
// directly from DynamoDB Streams.
func ConvertFromDynamoDBStreamRecord(record events.DynamoDBEventRecord) (*store.DomainEvent, error) {
	// events are append-only, updates and TTL removals are not new facts
	if record.EventName != "INSERT" {
		return nil, nil
	}
	return convertDynamoDBImage(record.Change.NewImage)
}

// convertDynamoDBImage reads the attributes written by the dynamo backend.
func convertDynamoDBImage(image map[string]events.DynamoDBAttributeValue) (*store.DomainEvent, error) {
	if image == nil {
		return nil, fmt.Errorf("DynamoDB image is nil")
	}

	event := &store.DomainEvent{}
	str := func(name string) string {
		if v, ok := image[name]; ok && v.DataType() == events.DataTypeString {
			return v.String()
		}
		return ""
	}

	event.EventID = str("id")
	event.AggregateID = str("aggregate_id")
	event.EventType = str("event_type")
	event.Payload = json.RawMessage(str("payload"))
	event.Metadata = store.EventMetadata{
		CorrelationID: str("correlation_id"),
		CausationID:   str("causation_id"),
		UserID:        str("user_id"),
		SchemaVersion: str("schema_version"),
	}

	if v, ok := image["version"]; ok {
		if v.DataType() != events.DataTypeNumber {
			return nil, fmt.Errorf("version is not a number")
		}
		version, err := v.Integer()
		if err != nil {
			return nil, fmt.Errorf("failed to parse version: %w", err)
		}
		event.AggregateVersion = int(version)
	}

	if ts := str("timestamp"); ts != "" {
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("failed to parse timestamp: %w", err)
		}
		event.Timestamp = t
	} else if v, ok := image["timestamp_ms"]; ok && v.DataType() == events.DataTypeNumber {
		ms, err := v.Integer()
		if err != nil {
			return nil, fmt.Errorf("failed to parse timestamp_ms: %w", err)
		}
		event.Timestamp = time.UnixMilli(ms).UTC()
	}

	if event.EventID == "" || event.AggregateID == "" || event.EventType == "" || event.AggregateVersion < 1 {
		return nil, fmt.Errorf("missing required fields: id=%s, aggregate_id=%s, event_type=%s, version=%d",
			event.EventID, event.AggregateID, event.EventType, event.AggregateVersion)
	}
	if event.Metadata.SchemaVersion == "" {
		event.Metadata.SchemaVersion = store.DefaultSchemaVersion
	}

	return event, nil
}

// Record is a converted event with the Kinesis sequence number it arrived under.
type Record struct {
	Event          store.DomainEvent
	SequenceNumber string
}

// BatchConvertFromKinesisEvent converts every record of a Kinesis event.
// Conversion failures are returned per record alongside the converted events.
func BatchConvertFromKinesisEvent(kinesisEvent events.KinesisEvent) ([]Record, []RecordError) {
	var records []Record
	var errs []RecordError

	for _, record := range kinesisEvent.Records {
		event, err := ConvertFromKinesisRecord(record)
		if err != nil {
			errs = append(errs, RecordError{
				EventID:        record.EventID,
				SequenceNumber: record.Kinesis.SequenceNumber,
				Err:            err,
			})
			continue
		}
		if event != nil {
			records = append(records, Record{Event: *event, SequenceNumber: record.Kinesis.SequenceNumber})
		}
	}

	return records, errs
}

// RecordError ties a conversion failure to the Kinesis record it came from.
type RecordError struct {
	EventID        string
	SequenceNumber string
	Err            error
}

func (e RecordError) Error() string {
	return fmt.Sprintf("record %s: %v", e.EventID, e.Err)
}

func (e RecordError) Unwrap() error { return e.Err }

// GroupByAggregate splits events into per-aggregate batches ordered by
// version, preserving first-seen aggregate order.
func GroupByAggregate(evts []store.DomainEvent) [][]store.DomainEvent {
	index := make(map[string]int)
	var groups [][]store.DomainEvent
	for _, e := range evts {
		i, ok := index[e.AggregateID]
		if !ok {
			i = len(groups)
			index[e.AggregateID] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], e)
	}
	for _, g := range groups {
		sortByVersion(g)
	}
	return groups
}

func sortByVersion(evts []store.DomainEvent) {
	slices.SortStableFunc(evts, func(a, b store.DomainEvent) int {
		return cmp.Compare(a.AggregateVersion, b.AggregateVersion)
	})
}
