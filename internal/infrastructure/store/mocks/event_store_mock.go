package mocks

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/example/ec-eventsourcing/internal/infrastructure/store"
	"github.com/google/uuid"
)

// MockBackend is an in-memory store.EventBackend and store.SnapshotBackend
// that records calls and lets tests inject failures.
type MockBackend struct {
	*store.MemoryBackend

	mu sync.Mutex

	// For tracking calls in tests
	AppendCalls []AppendCall
	// AppendErrs are returned by successive AppendBatch calls before the
	// backend starts writing.
	AppendErrs     []error
	AppendCallback func(ctx context.Context, events []store.DomainEvent) error

	LoadErr         error
	LatestErr       error
	PutSnapshotErr  error
	PutSnapshotCall int
}

// AppendCall records parameters passed to AppendBatch
type AppendCall struct {
	At     time.Time
	Events []store.DomainEvent
}

// NewMockBackend creates a new MockBackend
func NewMockBackend() *MockBackend {
	return &MockBackend{
		MemoryBackend: store.NewMemoryBackend(),
		AppendCalls:   make([]AppendCall, 0),
	}
}

func (m *MockBackend) AppendBatch(ctx context.Context, events []store.DomainEvent) error {
	m.mu.Lock()
	m.AppendCalls = append(m.AppendCalls, AppendCall{At: time.Now(), Events: events})

	if m.AppendCallback != nil {
		cb := m.AppendCallback
		m.mu.Unlock()
		return cb(ctx, events)
	}

	if len(m.AppendErrs) > 0 {
		err := m.AppendErrs[0]
		m.AppendErrs = m.AppendErrs[1:]
		m.mu.Unlock()
		return err
	}
	m.mu.Unlock()

	return m.MemoryBackend.AppendBatch(ctx, events)
}

func (m *MockBackend) LoadEvents(ctx context.Context, aggregateID string, from, to int) ([]store.DomainEvent, error) {
	if m.LoadErr != nil {
		return nil, m.LoadErr
	}
	return m.MemoryBackend.LoadEvents(ctx, aggregateID, from, to)
}

func (m *MockBackend) LatestSnapshot(ctx context.Context, aggregateID string) (*store.Snapshot, error) {
	if m.LatestErr != nil {
		return nil, m.LatestErr
	}
	return m.MemoryBackend.LatestSnapshot(ctx, aggregateID)
}

func (m *MockBackend) PutSnapshot(ctx context.Context, snapshot store.Snapshot, expiresAt time.Time) error {
	m.mu.Lock()
	m.PutSnapshotCall++
	err := m.PutSnapshotErr
	m.mu.Unlock()
	if err != nil {
		return err
	}
	return m.MemoryBackend.PutSnapshot(ctx, snapshot, expiresAt)
}

// Appends returns a copy of the recorded AppendBatch calls.
func (m *MockBackend) Appends() []AppendCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]AppendCall, len(m.AppendCalls))
	copy(out, m.AppendCalls)
	return out
}

// AddEvent appends a single event at the next version for testing
func (m *MockBackend) AddEvent(aggregateID, eventType string, data any) (store.DomainEvent, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return store.DomainEvent{}, err
	}

	existing, _ := m.MemoryBackend.LoadEvents(context.Background(), aggregateID, 0, 0)
	event := store.DomainEvent{
		EventID:          uuid.New().String(),
		EventType:        eventType,
		AggregateID:      aggregateID,
		AggregateVersion: len(existing) + 1,
		Timestamp:        time.Now().UTC(),
		Payload:          jsonData,
		Metadata:         store.EventMetadata{SchemaVersion: store.DefaultSchemaVersion},
	}
	if err := m.MemoryBackend.AppendBatch(context.Background(), []store.DomainEvent{event}); err != nil {
		return store.DomainEvent{}, err
	}
	return event, nil
}
