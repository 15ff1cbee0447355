// Package dynamo implements the event and snapshot backends on DynamoDB.
//
// Events table: partition key aggregate_id (S), sort key version (N), with a
// global secondary index on (event_type, timestamp_ms) for time range reads.
// Snapshots table: partition key aggregate_id (S), sort key version (N), TTL
// attribute expires_at (epoch seconds).
package dynamo

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/example/ec-eventsourcing/internal/infrastructure/store"
)

const (
	// EventTypeIndex is the GSI used by LoadEventsByType.
	EventTypeIndex = "event_type-timestamp-index"

	// maxTransactItems is DynamoDB's per-transaction item limit.
	maxTransactItems = 100
)

// Client is the subset of the DynamoDB API used by Backend.
type Client interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Backend stores events and snapshots in DynamoDB.
// Committed events reach Kinesis through the table's Kinesis streaming destination.
type Backend struct {
	client            Client
	tableName         string
	snapshotTableName string
	now               func() time.Time
}

// dynamoEvent represents the DynamoDB item structure
type dynamoEvent struct {
	AggregateID   string `dynamodbav:"aggregate_id"`
	Version       int    `dynamodbav:"version"`
	ID            string `dynamodbav:"id"`
	EventType     string `dynamodbav:"event_type"`
	Payload       string `dynamodbav:"payload"`
	Timestamp     string `dynamodbav:"timestamp"`
	TimestampMs   int64  `dynamodbav:"timestamp_ms"`
	CorrelationID string `dynamodbav:"correlation_id,omitempty"`
	CausationID   string `dynamodbav:"causation_id,omitempty"`
	UserID        string `dynamodbav:"user_id,omitempty"`
	SchemaVersion string `dynamodbav:"schema_version"`
}

// dynamoSnapshot represents the DynamoDB item structure for snapshots
type dynamoSnapshot struct {
	AggregateID   string `dynamodbav:"aggregate_id"`
	Version       int    `dynamodbav:"version"`
	TimestampMs   int64  `dynamodbav:"timestamp_ms"`
	State         string `dynamodbav:"state"`
	SchemaVersion string `dynamodbav:"schema_version"`
	EventCount    int    `dynamodbav:"event_count"`
	AggregateSize int    `dynamodbav:"aggregate_size"`
	TriggerReason string `dynamodbav:"trigger_reason,omitempty"`
	CreationTime  int64  `dynamodbav:"creation_time_ms"`
	ExpiresAt     int64  `dynamodbav:"expires_at,omitempty"`
}

func NewBackend(client Client, tableName, snapshotTableName string) *Backend {
	return &Backend{
		client:            client,
		tableName:         tableName,
		snapshotTableName: snapshotTableName,
		now:               time.Now,
	}
}

// AppendBatch writes the batch in one transaction. Every put is conditional on
// its (aggregate_id, version) key being free and, past version 1, the
// transaction also requires the preceding version to exist. A lone first
// event goes through a conditional PutItem instead.
func (b *Backend) AppendBatch(ctx context.Context, events []store.DomainEvent) error {
	if len(events) == 0 {
		return nil
	}
	if len(events) > maxTransactItems-1 {
		return fmt.Errorf("%w: %d events exceed the transaction limit", store.ErrInvalidBatch, len(events))
	}

	first := events[0]
	if len(events) == 1 && first.AggregateVersion == 1 {
		return b.putFirstEvent(ctx, first)
	}

	items := make([]types.TransactWriteItem, 0, len(events)+1)

	if first.AggregateVersion > 1 {
		items = append(items, types.TransactWriteItem{
			ConditionCheck: &types.ConditionCheck{
				TableName:           aws.String(b.tableName),
				Key:                 eventKey(first.AggregateID, first.AggregateVersion-1),
				ConditionExpression: aws.String("attribute_exists(aggregate_id)"),
			},
		})
	}

	for _, e := range events {
		av, err := attributevalue.MarshalMap(toDynamoEvent(e))
		if err != nil {
			return fmt.Errorf("failed to marshal event %s: %w", e.EventID, err)
		}
		items = append(items, types.TransactWriteItem{
			Put: &types.Put{
				TableName:           aws.String(b.tableName),
				Item:                av,
				ConditionExpression: aws.String("attribute_not_exists(aggregate_id) AND attribute_not_exists(version)"),
			},
		})
	}

	_, err := b.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: items,
	})
	if err != nil {
		return classify(err)
	}
	return nil
}

// putFirstEvent writes a stream's opening event with a conditional PutItem.
func (b *Backend) putFirstEvent(ctx context.Context, e store.DomainEvent) error {
	av, err := attributevalue.MarshalMap(toDynamoEvent(e))
	if err != nil {
		return fmt.Errorf("failed to marshal event %s: %w", e.EventID, err)
	}

	// Use conditional write to prevent duplicate versions (optimistic locking)
	_, err = b.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(b.tableName),
		Item:                av,
		ConditionExpression: aws.String("attribute_not_exists(aggregate_id) AND attribute_not_exists(version)"),
	})
	if err != nil {
		return classify(err)
	}
	return nil
}

// LoadEvents returns events of one aggregate with from <= version <= to,
// ascending. Zero bounds are open.
func (b *Backend) LoadEvents(ctx context.Context, aggregateID string, from, to int) ([]store.DomainEvent, error) {
	values := map[string]types.AttributeValue{
		":aid": &types.AttributeValueMemberS{Value: aggregateID},
	}
	cond := "aggregate_id = :aid"
	switch {
	case to > 0:
		if from < 1 {
			from = 1
		}
		cond += " AND version BETWEEN :from AND :to"
		values[":from"] = number(from)
		values[":to"] = number(to)
	case from > 0:
		cond += " AND version >= :from"
		values[":from"] = number(from)
	}

	return b.queryEvents(ctx, &dynamodb.QueryInput{
		TableName:                 aws.String(b.tableName),
		KeyConditionExpression:    aws.String(cond),
		ExpressionAttributeValues: values,
		ScanIndexForward:          aws.Bool(true), // Ascending order by version
		ConsistentRead:            aws.Bool(true),
	}, 0)
}

// LoadEventsByType queries the event type index for timestamps in [start, end].
func (b *Backend) LoadEventsByType(ctx context.Context, eventType string, start, end time.Time, limit int) ([]store.DomainEvent, error) {
	return b.queryEvents(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(b.tableName),
		IndexName:              aws.String(EventTypeIndex),
		KeyConditionExpression: aws.String("event_type = :t AND timestamp_ms BETWEEN :start AND :end"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":t":     &types.AttributeValueMemberS{Value: eventType},
			":start": number64(start.UnixMilli()),
			":end":   number64(end.UnixMilli()),
		},
		ScanIndexForward: aws.Bool(true), // Ascending order by timestamp
	}, limit)
}

func (b *Backend) queryEvents(ctx context.Context, input *dynamodb.QueryInput, limit int) ([]store.DomainEvent, error) {
	if limit > 0 {
		input.Limit = aws.Int32(int32(limit))
	}

	var events []store.DomainEvent
	paginator := dynamodb.NewQueryPaginator(b.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, classify(err)
		}
		for _, item := range page.Items {
			var de dynamoEvent
			if err := attributevalue.UnmarshalMap(item, &de); err != nil {
				return nil, fmt.Errorf("failed to unmarshal event: %w", err)
			}
			events = append(events, de.toDomain())
			if limit > 0 && len(events) >= limit {
				return events, nil
			}
		}
	}
	return events, nil
}

// PutSnapshot overwrites the snapshot at (aggregate_id, version).
func (b *Backend) PutSnapshot(ctx context.Context, snapshot store.Snapshot, expiresAt time.Time) error {
	item := dynamoSnapshot{
		AggregateID:   snapshot.AggregateID,
		Version:       snapshot.Version,
		TimestampMs:   snapshot.Timestamp,
		State:         string(snapshot.State),
		SchemaVersion: snapshot.SchemaVersion,
		EventCount:    snapshot.Metadata.EventCount,
		AggregateSize: snapshot.Metadata.AggregateSize,
		TriggerReason: snapshot.Metadata.TriggerReason,
		CreationTime:  snapshot.Metadata.CreationTime,
	}
	if !expiresAt.IsZero() {
		item.ExpiresAt = expiresAt.Unix()
	}

	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	// Overwrite existing snapshot (no condition)
	_, err = b.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(b.snapshotTableName),
		Item:      av,
	})
	if err != nil {
		return classify(err)
	}
	return nil
}

// LatestSnapshot walks the aggregate's snapshots newest first and returns the
// first one whose TTL has not passed. DynamoDB deletes expired items lazily.
func (b *Backend) LatestSnapshot(ctx context.Context, aggregateID string) (*store.Snapshot, error) {
	now := b.now()
	paginator := dynamodb.NewQueryPaginator(b.client, &dynamodb.QueryInput{
		TableName:              aws.String(b.snapshotTableName),
		KeyConditionExpression: aws.String("aggregate_id = :aid"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":aid": &types.AttributeValueMemberS{Value: aggregateID},
		},
		ScanIndexForward: aws.Bool(false), // Descending order
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, classify(err)
		}
		for _, item := range page.Items {
			var ds dynamoSnapshot
			if err := attributevalue.UnmarshalMap(item, &ds); err != nil {
				return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
			}
			if ds.expired(now) {
				continue
			}
			snap := ds.toDomain()
			return &snap, nil
		}
	}
	return nil, nil
}

func (b *Backend) SnapshotAt(ctx context.Context, aggregateID string, version int) (*store.Snapshot, error) {
	result, err := b.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(b.snapshotTableName),
		Key:            eventKey(aggregateID, version),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, classify(err)
	}
	if result.Item == nil {
		return nil, nil // No snapshot exists
	}

	var ds dynamoSnapshot
	if err := attributevalue.UnmarshalMap(result.Item, &ds); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	if ds.expired(b.now()) {
		return nil, nil
	}
	snap := ds.toDomain()
	return &snap, nil
}

func toDynamoEvent(e store.DomainEvent) dynamoEvent {
	return dynamoEvent{
		AggregateID:   e.AggregateID,
		Version:       e.AggregateVersion,
		ID:            e.EventID,
		EventType:     e.EventType,
		Payload:       string(e.Payload),
		Timestamp:     e.Timestamp.UTC().Format(time.RFC3339Nano),
		TimestampMs:   e.Timestamp.UnixMilli(),
		CorrelationID: e.Metadata.CorrelationID,
		CausationID:   e.Metadata.CausationID,
		UserID:        e.Metadata.UserID,
		SchemaVersion: e.Metadata.SchemaVersion,
	}
}

func (de dynamoEvent) toDomain() store.DomainEvent {
	timestamp, err := time.Parse(time.RFC3339Nano, de.Timestamp)
	if err != nil {
		timestamp = time.UnixMilli(de.TimestampMs).UTC()
	}
	return store.DomainEvent{
		EventID:          de.ID,
		EventType:        de.EventType,
		AggregateID:      de.AggregateID,
		AggregateVersion: de.Version,
		Timestamp:        timestamp,
		Payload:          json.RawMessage(de.Payload),
		Metadata: store.EventMetadata{
			CorrelationID: de.CorrelationID,
			CausationID:   de.CausationID,
			UserID:        de.UserID,
			SchemaVersion: de.SchemaVersion,
		},
	}
}

func (ds dynamoSnapshot) toDomain() store.Snapshot {
	return store.Snapshot{
		AggregateID:   ds.AggregateID,
		Version:       ds.Version,
		Timestamp:     ds.TimestampMs,
		State:         json.RawMessage(ds.State),
		SchemaVersion: ds.SchemaVersion,
		Metadata: store.SnapshotMetadata{
			EventCount:    ds.EventCount,
			AggregateSize: ds.AggregateSize,
			TriggerReason: ds.TriggerReason,
			CreationTime:  ds.CreationTime,
		},
	}
}

func (ds dynamoSnapshot) expired(now time.Time) bool {
	return ds.ExpiresAt > 0 && now.Unix() >= ds.ExpiresAt
}

func eventKey(aggregateID string, version int) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"aggregate_id": &types.AttributeValueMemberS{Value: aggregateID},
		"version":      number(version),
	}
}

func number(n int) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.Itoa(n)}
}

func number64(n int64) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}
