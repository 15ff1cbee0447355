package store_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/example/ec-eventsourcing/internal/infrastructure/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSnapshotStore(opts ...store.SnapshotOption) *store.SnapshotStore {
	return store.NewSnapshotStore(store.NewMemoryBackend(), opts...)
}

func TestSnapshotStore_SaveAndGetLatest(t *testing.T) {
	s := newTestSnapshotStore()
	ctx := context.Background()

	for _, v := range []int{50, 150, 100} {
		require.NoError(t, s.Save(ctx, store.Snapshot{
			AggregateID: "order-1",
			Version:     v,
			State:       json.RawMessage(`{"status":"PAID"}`),
			Metadata:    store.SnapshotMetadata{EventCount: v, TriggerReason: store.TriggerEventCount},
		}))
	}

	latest, err := s.GetLatest(ctx, "order-1")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, 150, latest.Version)
	assert.Equal(t, store.DefaultSchemaVersion, latest.SchemaVersion)
	assert.NotZero(t, latest.Timestamp)
	assert.JSONEq(t, `{"status":"PAID"}`, string(latest.State))
}

func TestSnapshotStore_GetLatest_None(t *testing.T) {
	s := newTestSnapshotStore()

	latest, err := s.GetLatest(context.Background(), "order-unknown")

	require.NoError(t, err)
	assert.Nil(t, latest)
}

func TestSnapshotStore_GetByVersion(t *testing.T) {
	s := newTestSnapshotStore()
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, store.Snapshot{AggregateID: "order-1", Version: 100, State: json.RawMessage(`{}`)}))

	snap, err := s.GetByVersion(ctx, "order-1", 100)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, 100, snap.Version)

	snap, err = s.GetByVersion(ctx, "order-1", 99)
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestSnapshotStore_SaveIsIdempotent(t *testing.T) {
	s := newTestSnapshotStore()
	ctx := context.Background()
	snap := store.Snapshot{AggregateID: "order-1", Version: 10, Timestamp: 1700000000000, State: json.RawMessage(`{"a":1}`)}

	require.NoError(t, s.Save(ctx, snap))
	require.NoError(t, s.Save(ctx, snap))

	got, err := s.GetByVersion(ctx, "order-1", 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000000), got.Timestamp)
	assert.Equal(t, time.UnixMilli(1700000000000).UTC(), got.CreatedAt())
}

func TestSnapshotStore_Save_Invalid(t *testing.T) {
	tests := []struct {
		name string
		snap store.Snapshot
	}{
		{"missing aggregate id", store.Snapshot{Version: 1, State: json.RawMessage(`{}`)}},
		{"zero version", store.Snapshot{AggregateID: "order-1", State: json.RawMessage(`{}`)}},
		{"state not json", store.Snapshot{AggregateID: "order-1", Version: 1, State: json.RawMessage(`{"a":`)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestSnapshotStore()
			err := s.Save(context.Background(), tt.snap)
			assert.ErrorIs(t, err, store.ErrInvalidSnapshot)
		})
	}
}

func TestSnapshotStore_TTL(t *testing.T) {
	now := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	backend := store.NewMemoryBackend()
	backend.SetClock(clock)
	s := store.NewSnapshotStore(backend,
		store.WithSnapshotTTL(24*time.Hour),
		store.WithSnapshotClock(clock))
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, store.Snapshot{AggregateID: "order-1", Version: 5, State: json.RawMessage(`{}`)}))

	now = now.Add(23 * time.Hour)
	require.NoError(t, s.Save(ctx, store.Snapshot{AggregateID: "order-1", Version: 10, State: json.RawMessage(`{}`)}))

	latest, err := s.GetLatest(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, 10, latest.Version)

	// version 5 expired, version 10 still live
	now = now.Add(2 * time.Hour)
	snap, err := s.GetByVersion(ctx, "order-1", 5)
	require.NoError(t, err)
	assert.Nil(t, snap)
	latest, err = s.GetLatest(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, 10, latest.Version)

	now = now.Add(24 * time.Hour)
	latest, err = s.GetLatest(ctx, "order-1")
	require.NoError(t, err)
	assert.Nil(t, latest)
}
