package store

import (
	"context"
	"time"
)

// EventBackend is the durable, versioned storage behind EventStore.
// AppendBatch must be atomic and must fail with ErrVersionConflict when an
// event already exists at any of the batch's (aggregateID, version) keys.
// Throttling-class failures must be reported as ErrThrottled.
type EventBackend interface {
	AppendBatch(ctx context.Context, events []DomainEvent) error
	// LoadEvents returns events with from <= version <= to in ascending
	// order. A zero bound is unbounded.
	LoadEvents(ctx context.Context, aggregateID string, from, to int) ([]DomainEvent, error)
	LoadEventsByType(ctx context.Context, eventType string, start, end time.Time, limit int) ([]DomainEvent, error)
}

// SnapshotBackend stores snapshots keyed by (aggregateID, version).
type SnapshotBackend interface {
	// PutSnapshot upserts; a non-zero expiresAt lets the backend prune it.
	PutSnapshot(ctx context.Context, snapshot Snapshot, expiresAt time.Time) error
	LatestSnapshot(ctx context.Context, aggregateID string) (*Snapshot, error)
	SnapshotAt(ctx context.Context, aggregateID string, version int) (*Snapshot, error)
}

// ValidationResult is the answer of a SchemaValidator.
type ValidationResult struct {
	Valid  bool
	Errors []string
}

// SchemaValidator gates every append.
type SchemaValidator interface {
	Validate(ctx context.Context, event DomainEvent) (ValidationResult, error)
}

// RateLimiter admits or rejects a call for a client key.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}
