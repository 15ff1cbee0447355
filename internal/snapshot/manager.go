// Package snapshot decides when an aggregate deserves a snapshot and builds
// it in the background by replaying the aggregate's events.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/example/ec-eventsourcing/internal/infrastructure/store"
)

var (
	// ErrNoEvents is returned by CreateSnapshot when the aggregate has no events.
	ErrNoEvents = errors.New("no events to snapshot")
	// ErrClosed is returned once the manager has been closed.
	ErrClosed = errors.New("snapshot manager closed")
)

const defaultMaxConcurrent = 4

// TriggerConfig holds the snapshot thresholds. A threshold <= 0 is disabled.
type TriggerConfig struct {
	EventCountThreshold    int           `env:"SNAPSHOT_EVENT_COUNT_THRESHOLD" envDefault:"100"`
	AggregateSizeThreshold int           `env:"SNAPSHOT_AGGREGATE_SIZE_THRESHOLD" envDefault:"65536"`
	TimeElapsedThreshold   time.Duration `env:"SNAPSHOT_TIME_ELAPSED_THRESHOLD" envDefault:"24h"`
}

// EventReader reads an aggregate's events in version order.
type EventReader interface {
	GetEvents(ctx context.Context, aggregateID string, from, to int) ([]store.DomainEvent, error)
}

// Store is where snapshots are read from and saved to.
type Store interface {
	GetLatest(ctx context.Context, aggregateID string) (*store.Snapshot, error)
	Save(ctx context.Context, snapshot store.Snapshot) error
}

// Rehydrator folds a full event history into serialized aggregate state.
type Rehydrator func(ctx context.Context, aggregateID string, events []store.DomainEvent) (json.RawMessage, error)

// Metrics describes snapshot creation so far.
type Metrics struct {
	CreationCount    int64         `json:"creationCount"`
	CreationFailures int64         `json:"creationFailures"`
	AvgCreationTime  time.Duration `json:"avgCreationTime"`
	LastCreationTime time.Time     `json:"lastCreationTime"`
}

// Manager evaluates snapshot triggers and creates snapshots on goroutines
// that outlive the triggering request. Creation for one aggregate is
// deduplicated while in flight, and at most maxConcurrent creations run at once.
type Manager struct {
	cfg       TriggerConfig
	events    EventReader
	snapshots Store
	rehydrate Rehydrator
	logger    *slog.Logger
	now       func() time.Time

	sem      *semaphore.Weighted
	inflight singleflight.Group

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu            sync.Mutex
	closed        bool
	metrics       Metrics
	totalCreation time.Duration
}

// Option configures a Manager.
type Option func(*Manager)

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithMaxConcurrent bounds the number of snapshots built at the same time.
func WithMaxConcurrent(n int64) Option {
	return func(m *Manager) {
		if n > 0 {
			m.sem = semaphore.NewWeighted(n)
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func NewManager(cfg TriggerConfig, events EventReader, snapshots Store, rehydrate Rehydrator, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:       cfg,
		events:    events,
		snapshots: snapshots,
		rehydrate: rehydrate,
		now:       time.Now,
		sem:       semaphore.NewWeighted(defaultMaxConcurrent),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	m.logger = m.logger.With("component", "snapshot_manager")
	return m
}

// EvaluateTriggerSync reports whether a snapshot is warranted for the
// aggregate at currentVersion and, if so, schedules its creation without
// waiting for it. Lookup errors count as "no".
func (m *Manager) EvaluateTriggerSync(ctx context.Context, aggregateID string, currentVersion, sizeBytes int) bool {
	latest, err := m.snapshots.GetLatest(ctx, aggregateID)
	if err != nil {
		m.logger.WarnContext(ctx, "snapshot trigger evaluation failed",
			"aggregate_id", aggregateID, "err", err)
		return false
	}

	lastVersion := 0
	if latest != nil {
		lastVersion = latest.Version
	}

	var reason string
	switch {
	case m.cfg.EventCountThreshold > 0 && currentVersion-lastVersion >= m.cfg.EventCountThreshold:
		reason = store.TriggerEventCount
	case m.cfg.AggregateSizeThreshold > 0 && sizeBytes >= m.cfg.AggregateSizeThreshold:
		reason = store.TriggerAggregateSize
	default:
		return false
	}

	return m.schedule(aggregateID, reason)
}

// EvaluateTimeElapsedThreshold schedules a snapshot when the latest one is
// older than TimeElapsedThreshold. Aggregates without a snapshot are skipped.
func (m *Manager) EvaluateTimeElapsedThreshold(ctx context.Context, aggregateID string) bool {
	if m.cfg.TimeElapsedThreshold <= 0 {
		return false
	}

	latest, err := m.snapshots.GetLatest(ctx, aggregateID)
	if err != nil {
		m.logger.WarnContext(ctx, "time elapsed evaluation failed",
			"aggregate_id", aggregateID, "err", err)
		return false
	}
	if latest == nil {
		return false
	}

	if m.now().Sub(latest.CreatedAt()) <= m.cfg.TimeElapsedThreshold {
		return false
	}
	return m.schedule(aggregateID, store.TriggerTimeElapsed)
}

// CreateSnapshot builds a snapshot now and returns it. If a creation for the
// aggregate is already running, its result is shared.
func (m *Manager) CreateSnapshot(ctx context.Context, aggregateID string) (*store.Snapshot, error) {
	if m.isClosed() {
		return nil, ErrClosed
	}

	ch := m.inflight.DoChan(aggregateID, func() (any, error) {
		return m.build(aggregateID, store.TriggerManual)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*store.Snapshot), nil
	}
}

// Metrics returns a copy of the creation metrics.
func (m *Manager) Metrics() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.metrics
}

func (m *Manager) ResetMetrics() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics = Metrics{}
	m.totalCreation = 0
}

// Wait blocks until every scheduled creation has finished.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Close stops accepting work, cancels running creations and waits for them.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// schedule starts a background creation. It reports false once closed.
func (m *Manager) schedule(aggregateID, reason string) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		_, _, shared := m.inflight.Do(aggregateID, func() (any, error) {
			return m.build(aggregateID, reason)
		})
		if shared {
			m.logger.Debug("joined in-flight snapshot creation", "aggregate_id", aggregateID)
		}
	}()
	return true
}

// build replays every event of the aggregate and saves the resulting state.
// It records metrics; errors are returned for CreateSnapshot and otherwise
// only logged.
func (m *Manager) build(aggregateID, reason string) (*store.Snapshot, error) {
	ctx := m.ctx
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrClosed, err)
	}
	defer m.sem.Release(1)

	start := time.Now()
	snap, err := m.create(ctx, aggregateID, reason, start)
	if errors.Is(err, ErrNoEvents) {
		m.logger.Debug("no events to snapshot", "aggregate_id", aggregateID)
		return nil, err
	}
	if err != nil {
		m.recordFailure()
		m.logger.Error("snapshot creation failed",
			"aggregate_id", aggregateID,
			"trigger_reason", reason,
			"err", err)
		return nil, err
	}

	elapsed := time.Since(start)
	m.recordSuccess(elapsed)
	m.logger.Info("snapshot created",
		"aggregate_id", aggregateID,
		"version", snap.Version,
		"trigger_reason", reason,
		"aggregate_size", snap.Metadata.AggregateSize,
		"duration", elapsed)
	return snap, nil
}

func (m *Manager) create(ctx context.Context, aggregateID, reason string, start time.Time) (*store.Snapshot, error) {
	events, err := m.events.GetEvents(ctx, aggregateID, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	if len(events) == 0 {
		return nil, ErrNoEvents
	}

	state, err := m.rehydrate(ctx, aggregateID, events)
	if err != nil {
		return nil, fmt.Errorf("rehydrate: %w", err)
	}

	size, err := aggregateSize(events)
	if err != nil {
		return nil, err
	}

	snap := store.Snapshot{
		AggregateID:   aggregateID,
		Version:       events[len(events)-1].AggregateVersion,
		Timestamp:     m.now().UnixMilli(),
		State:         state,
		SchemaVersion: store.DefaultSchemaVersion,
		Metadata: store.SnapshotMetadata{
			EventCount:    len(events),
			AggregateSize: size,
			TriggerReason: reason,
			CreationTime:  time.Since(start).Milliseconds(),
		},
	}
	if err := m.snapshots.Save(ctx, snap); err != nil {
		return nil, fmt.Errorf("save: %w", err)
	}
	return &snap, nil
}

// aggregateSize is the summed length of each event's JSON encoding.
func aggregateSize(events []store.DomainEvent) (int, error) {
	size := 0
	for _, e := range events {
		raw, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(e)
		if err != nil {
			return 0, fmt.Errorf("serialize event %s: %w", e.EventID, err)
		}
		size += len(raw)
	}
	return size, nil
}

func (m *Manager) recordSuccess(elapsed time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics.CreationCount++
	m.totalCreation += elapsed
	m.metrics.AvgCreationTime = m.totalCreation / time.Duration(m.metrics.CreationCount)
	m.metrics.LastCreationTime = m.now()
}

func (m *Manager) recordFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics.CreationFailures++
}
