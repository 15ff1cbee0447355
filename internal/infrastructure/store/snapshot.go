package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
)

// Snapshot trigger reasons.
const (
	TriggerEventCount    = "event_count"
	TriggerAggregateSize = "aggregate_size"
	TriggerTimeElapsed   = "time_elapsed"
	TriggerManual        = "manual"
)

// SnapshotMetadata describes how a snapshot was produced.
// CreationTime is the build duration in milliseconds.
type SnapshotMetadata struct {
	EventCount    int    `json:"eventCount"`
	AggregateSize int    `json:"aggregateSize"`
	TriggerReason string `json:"triggerReason,omitempty"`
	CreationTime  int64  `json:"creationTime,omitempty"`
}

// Snapshot represents a point-in-time state of an aggregate. Version is the
// aggregate version of the last event folded into State.
type Snapshot struct {
	AggregateID   string           `json:"aggregateId"`
	Version       int              `json:"version"`
	Timestamp     int64            `json:"timestamp"` // epoch milliseconds
	State         json.RawMessage  `json:"state"`
	SchemaVersion string           `json:"schemaVersion"`
	Metadata      SnapshotMetadata `json:"metadata"`
}

// CreatedAt returns Timestamp as a time.Time.
func (s Snapshot) CreatedAt() time.Time {
	return time.UnixMilli(s.Timestamp).UTC()
}

// SnapshotStore is the point store for (aggregateID, version) -> state.
type SnapshotStore struct {
	backend SnapshotBackend
	ttl     time.Duration
	now     func() time.Time
}

// SnapshotOption configures a SnapshotStore.
type SnapshotOption func(*SnapshotStore)

// WithSnapshotTTL makes saved snapshots expire after ttl.
func WithSnapshotTTL(ttl time.Duration) SnapshotOption {
	return func(s *SnapshotStore) { s.ttl = ttl }
}

func WithSnapshotClock(now func() time.Time) SnapshotOption {
	return func(s *SnapshotStore) { s.now = now }
}

func NewSnapshotStore(backend SnapshotBackend, opts ...SnapshotOption) *SnapshotStore {
	s := &SnapshotStore{backend: backend, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetLatest returns the snapshot with the highest version, or nil.
func (s *SnapshotStore) GetLatest(ctx context.Context, aggregateID string) (*Snapshot, error) {
	snap, err := s.backend.LatestSnapshot(ctx, aggregateID)
	if err != nil {
		return nil, fmt.Errorf("get latest snapshot for %s: %w", aggregateID, err)
	}
	return snap, nil
}

// GetByVersion returns the snapshot at exactly version, or nil.
func (s *SnapshotStore) GetByVersion(ctx context.Context, aggregateID string, version int) (*Snapshot, error) {
	snap, err := s.backend.SnapshotAt(ctx, aggregateID, version)
	if err != nil {
		return nil, fmt.Errorf("get snapshot %s@%d: %w", aggregateID, version, err)
	}
	return snap, nil
}

// Save upserts a snapshot. Saving the same (aggregateID, version) twice is a no-op overwrite.
func (s *SnapshotStore) Save(ctx context.Context, snapshot Snapshot) error {
	if snapshot.AggregateID == "" {
		return fmt.Errorf("%w: aggregate id is required", ErrInvalidSnapshot)
	}
	if snapshot.Version < 1 {
		return fmt.Errorf("%w: version %d is not positive", ErrInvalidSnapshot, snapshot.Version)
	}
	if !jsoniter.ConfigFastest.Valid(snapshot.State) {
		return fmt.Errorf("%w: state is not valid json", ErrInvalidSnapshot)
	}
	if snapshot.Timestamp == 0 {
		snapshot.Timestamp = s.now().UnixMilli()
	}
	if snapshot.SchemaVersion == "" {
		snapshot.SchemaVersion = DefaultSchemaVersion
	}

	var expiresAt time.Time
	if s.ttl > 0 {
		expiresAt = s.now().Add(s.ttl)
	}

	if err := s.backend.PutSnapshot(ctx, snapshot, expiresAt); err != nil {
		return fmt.Errorf("save snapshot %s@%d: %w", snapshot.AggregateID, snapshot.Version, err)
	}
	return nil
}
