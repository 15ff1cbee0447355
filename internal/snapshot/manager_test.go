package snapshot_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ec-eventsourcing/internal/infrastructure/store"
	"github.com/example/ec-eventsourcing/internal/infrastructure/store/mocks"
	"github.com/example/ec-eventsourcing/internal/snapshot"
)

// ============================================
// Helpers
// ============================================

type testEnv struct {
	backend   *mocks.MockBackend
	events    *store.EventStore
	snapshots *store.SnapshotStore
}

func newTestEnv() *testEnv {
	backend := mocks.NewMockBackend()
	return &testEnv{
		backend:   backend,
		events:    store.NewEventStore(backend),
		snapshots: store.NewSnapshotStore(backend),
	}
}

func (e *testEnv) seed(t *testing.T, aggregateID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := e.backend.AddEvent(aggregateID, "CounterIncremented", map[string]int{"by": 1})
		require.NoError(t, err)
	}
}

// countRehydrator folds events into {"count": n}.
func countRehydrator(_ context.Context, _ string, events []store.DomainEvent) (json.RawMessage, error) {
	return json.Marshal(map[string]int{"count": len(events)})
}

func newTestManager(env *testEnv, cfg snapshot.TriggerConfig, opts ...snapshot.Option) *snapshot.Manager {
	return snapshot.NewManager(cfg, env.events, env.snapshots, countRehydrator, opts...)
}

// ============================================
// EvaluateTriggerSync Tests
// ============================================

func TestEvaluateTriggerSync_EventCountCreatesSnapshot(t *testing.T) {
	env := newTestEnv()
	env.seed(t, "order-1", 150)
	m := newTestManager(env, snapshot.TriggerConfig{EventCountThreshold: 100})
	defer m.Close()

	ok := m.EvaluateTriggerSync(context.Background(), "order-1", 150, 10)
	require.True(t, ok)
	m.Wait()

	snap, err := env.snapshots.GetLatest(context.Background(), "order-1")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, 150, snap.Version)
	assert.Equal(t, 150, snap.Metadata.EventCount)
	assert.Equal(t, store.TriggerEventCount, snap.Metadata.TriggerReason)
	assert.Positive(t, snap.Metadata.AggregateSize)
	assert.JSONEq(t, `{"count":150}`, string(snap.State))

	metrics := m.Metrics()
	assert.Equal(t, int64(1), metrics.CreationCount)
	assert.Zero(t, metrics.CreationFailures)
	assert.False(t, metrics.LastCreationTime.IsZero())
}

func TestEvaluateTriggerSync_Thresholds(t *testing.T) {
	tests := []struct {
		name       string
		cfg        snapshot.TriggerConfig
		lastSnap   int
		version    int
		size       int
		wantResult bool
		wantReason string
	}{
		{
			name:       "event count equal to threshold triggers",
			cfg:        snapshot.TriggerConfig{EventCountThreshold: 100},
			version:    100,
			wantResult: true,
			wantReason: store.TriggerEventCount,
		},
		{
			name:    "event count below threshold",
			cfg:     snapshot.TriggerConfig{EventCountThreshold: 100},
			version: 99,
		},
		{
			name:     "event count measured from last snapshot",
			cfg:      snapshot.TriggerConfig{EventCountThreshold: 100},
			lastSnap: 50,
			version:  120,
		},
		{
			name:       "size equal to threshold triggers",
			cfg:        snapshot.TriggerConfig{EventCountThreshold: 100, AggregateSizeThreshold: 1024},
			version:    3,
			size:       1024,
			wantResult: true,
			wantReason: store.TriggerAggregateSize,
		},
		{
			name:    "size below threshold",
			cfg:     snapshot.TriggerConfig{AggregateSizeThreshold: 1024},
			version: 3,
			size:    1023,
		},
		{
			name:    "disabled thresholds never trigger",
			cfg:     snapshot.TriggerConfig{},
			version: 1000,
			size:    1 << 20,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv()
			env.seed(t, "agg", tt.version)
			if tt.lastSnap > 0 {
				require.NoError(t, env.snapshots.Save(context.Background(), store.Snapshot{
					AggregateID: "agg",
					Version:     tt.lastSnap,
					State:       json.RawMessage(`{}`),
				}))
			}
			m := newTestManager(env, tt.cfg)
			defer m.Close()

			got := m.EvaluateTriggerSync(context.Background(), "agg", tt.version, tt.size)
			assert.Equal(t, tt.wantResult, got)
			m.Wait()

			snap, err := env.snapshots.GetLatest(context.Background(), "agg")
			require.NoError(t, err)
			if !tt.wantResult {
				if tt.lastSnap == 0 {
					assert.Nil(t, snap)
				}
				return
			}
			require.NotNil(t, snap)
			assert.Equal(t, tt.version, snap.Version)
			assert.Equal(t, tt.wantReason, snap.Metadata.TriggerReason)
		})
	}
}

func TestEvaluateTriggerSync_LookupErrorReturnsFalse(t *testing.T) {
	env := newTestEnv()
	env.backend.LatestErr = errors.New("table unavailable")
	m := newTestManager(env, snapshot.TriggerConfig{EventCountThreshold: 1})
	defer m.Close()

	assert.False(t, m.EvaluateTriggerSync(context.Background(), "agg", 10, 0))
}

func TestEvaluateTriggerSync_FailureCountedNotReturned(t *testing.T) {
	env := newTestEnv()
	env.seed(t, "agg", 5)
	env.backend.PutSnapshotErr = errors.New("disk full")
	m := newTestManager(env, snapshot.TriggerConfig{EventCountThreshold: 5})
	defer m.Close()

	require.True(t, m.EvaluateTriggerSync(context.Background(), "agg", 5, 0))
	m.Wait()

	metrics := m.Metrics()
	assert.Equal(t, int64(1), metrics.CreationFailures)
	assert.Zero(t, metrics.CreationCount)
}

func TestEvaluateTriggerSync_NoEventsIsNotAFailure(t *testing.T) {
	env := newTestEnv()
	m := newTestManager(env, snapshot.TriggerConfig{AggregateSizeThreshold: 1})
	defer m.Close()

	require.True(t, m.EvaluateTriggerSync(context.Background(), "ghost", 0, 10))
	m.Wait()

	metrics := m.Metrics()
	assert.Zero(t, metrics.CreationCount)
	assert.Zero(t, metrics.CreationFailures)
}

// ============================================
// Concurrency Tests
// ============================================

// blockingStore holds Save until release is closed.
type blockingStore struct {
	*store.SnapshotStore
	release chan struct{}
	saves   atomic.Int32
}

func (b *blockingStore) Save(ctx context.Context, s store.Snapshot) error {
	<-b.release
	b.saves.Add(1)
	return b.SnapshotStore.Save(ctx, s)
}

func TestEvaluateTriggerSync_DeduplicatesInFlight(t *testing.T) {
	env := newTestEnv()
	env.seed(t, "agg", 10)
	bs := &blockingStore{SnapshotStore: env.snapshots, release: make(chan struct{})}
	m := snapshot.NewManager(snapshot.TriggerConfig{EventCountThreshold: 1}, env.events, bs, countRehydrator)
	defer m.Close()

	for i := 0; i < 5; i++ {
		assert.True(t, m.EvaluateTriggerSync(context.Background(), "agg", 10, 0))
	}
	// let the scheduled goroutines join the in-flight call
	time.Sleep(50 * time.Millisecond)
	close(bs.release)
	m.Wait()

	assert.Equal(t, int32(1), bs.saves.Load())
	assert.Equal(t, int64(1), m.Metrics().CreationCount)
}

// countingReader tracks the peak number of concurrent GetEvents calls.
type countingReader struct {
	inner   snapshot.EventReader
	mu      sync.Mutex
	current int
	peak    int
}

func (c *countingReader) GetEvents(ctx context.Context, id string, from, to int) ([]store.DomainEvent, error) {
	c.mu.Lock()
	c.current++
	if c.current > c.peak {
		c.peak = c.current
	}
	c.mu.Unlock()

	time.Sleep(20 * time.Millisecond)

	c.mu.Lock()
	c.current--
	c.mu.Unlock()
	return c.inner.GetEvents(ctx, id, from, to)
}

func TestManager_BoundsConcurrency(t *testing.T) {
	env := newTestEnv()
	for i := 0; i < 8; i++ {
		env.seed(t, fmt.Sprintf("agg-%d", i), 2)
	}
	reader := &countingReader{inner: env.events}
	m := snapshot.NewManager(snapshot.TriggerConfig{EventCountThreshold: 1}, reader, env.snapshots,
		countRehydrator, snapshot.WithMaxConcurrent(2))
	defer m.Close()

	for i := 0; i < 8; i++ {
		m.EvaluateTriggerSync(context.Background(), fmt.Sprintf("agg-%d", i), 2, 0)
	}
	m.Wait()

	assert.LessOrEqual(t, reader.peak, 2)
	assert.Equal(t, int64(8), m.Metrics().CreationCount)
}

func TestManager_ClosedRejectsWork(t *testing.T) {
	env := newTestEnv()
	env.seed(t, "agg", 3)
	m := newTestManager(env, snapshot.TriggerConfig{EventCountThreshold: 1})
	m.Close()

	assert.False(t, m.EvaluateTriggerSync(context.Background(), "agg", 3, 0))
	_, err := m.CreateSnapshot(context.Background(), "agg")
	assert.ErrorIs(t, err, snapshot.ErrClosed)
}

// ============================================
// Time Elapsed Tests
// ============================================

func TestEvaluateTimeElapsedThreshold(t *testing.T) {
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		age     time.Duration
		hasSnap bool
		want    bool
	}{
		{name: "older than threshold", age: 25 * time.Hour, hasSnap: true, want: true},
		{name: "exactly threshold", age: 24 * time.Hour, hasSnap: true, want: false},
		{name: "fresh snapshot", age: time.Hour, hasSnap: true, want: false},
		{name: "no snapshot", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv()
			env.seed(t, "agg", 4)
			if tt.hasSnap {
				require.NoError(t, env.snapshots.Save(context.Background(), store.Snapshot{
					AggregateID: "agg",
					Version:     2,
					Timestamp:   base.Add(-tt.age).UnixMilli(),
					State:       json.RawMessage(`{"count":2}`),
				}))
			}
			m := newTestManager(env, snapshot.TriggerConfig{TimeElapsedThreshold: 24 * time.Hour},
				snapshot.WithClock(func() time.Time { return base }))
			defer m.Close()

			assert.Equal(t, tt.want, m.EvaluateTimeElapsedThreshold(context.Background(), "agg"))
			m.Wait()

			if tt.want {
				snap, err := env.snapshots.GetLatest(context.Background(), "agg")
				require.NoError(t, err)
				assert.Equal(t, 4, snap.Version)
				assert.Equal(t, store.TriggerTimeElapsed, snap.Metadata.TriggerReason)
				assert.Equal(t, base.UnixMilli(), snap.Timestamp)
			}
		})
	}
}

// ============================================
// CreateSnapshot / Metrics Tests
// ============================================

func TestCreateSnapshot_Manual(t *testing.T) {
	env := newTestEnv()
	env.seed(t, "agg", 7)
	m := newTestManager(env, snapshot.TriggerConfig{})
	defer m.Close()

	snap, err := m.CreateSnapshot(context.Background(), "agg")
	require.NoError(t, err)
	assert.Equal(t, 7, snap.Version)
	assert.Equal(t, 7, snap.Metadata.EventCount)
	assert.Equal(t, store.TriggerManual, snap.Metadata.TriggerReason)

	stored, err := env.snapshots.GetByVersion(context.Background(), "agg", 7)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.JSONEq(t, `{"count":7}`, string(stored.State))
}

func TestCreateSnapshot_NoEvents(t *testing.T) {
	env := newTestEnv()
	m := newTestManager(env, snapshot.TriggerConfig{})
	defer m.Close()

	_, err := m.CreateSnapshot(context.Background(), "ghost")
	assert.ErrorIs(t, err, snapshot.ErrNoEvents)
}

func TestCreateSnapshot_RehydrateError(t *testing.T) {
	env := newTestEnv()
	env.seed(t, "agg", 2)
	boom := errors.New("bad event")
	m := snapshot.NewManager(snapshot.TriggerConfig{}, env.events, env.snapshots,
		func(context.Context, string, []store.DomainEvent) (json.RawMessage, error) { return nil, boom })
	defer m.Close()

	_, err := m.CreateSnapshot(context.Background(), "agg")
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int64(1), m.Metrics().CreationFailures)
}

func TestManager_ResetMetrics(t *testing.T) {
	env := newTestEnv()
	env.seed(t, "agg", 2)
	m := newTestManager(env, snapshot.TriggerConfig{})
	defer m.Close()

	_, err := m.CreateSnapshot(context.Background(), "agg")
	require.NoError(t, err)
	require.Equal(t, int64(1), m.Metrics().CreationCount)

	m.ResetMetrics()
	assert.Equal(t, snapshot.Metrics{}, m.Metrics())
}
