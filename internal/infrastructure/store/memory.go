package store

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

// MemoryBackend keeps events and snapshots in process memory. It satisfies
// both EventBackend and SnapshotBackend and is used for tests and local runs.
type MemoryBackend struct {
	mu        sync.RWMutex
	events    map[string][]DomainEvent // aggregateID -> events
	snapshots map[string]map[int]memorySnapshot
	now       func() time.Time
}

type memorySnapshot struct {
	snapshot  Snapshot
	expiresAt time.Time
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		events:    make(map[string][]DomainEvent),
		snapshots: make(map[string]map[int]memorySnapshot),
		now:       time.Now,
	}
}

// AppendBatch stores the batch if its first version directly follows the
// stored stream, otherwise nothing is written.
func (m *MemoryBackend) AppendBatch(_ context.Context, events []DomainEvent) error {
	if len(events) == 0 {
		return nil
	}
	aggregateID := events[0].AggregateID

	m.mu.Lock()
	defer m.mu.Unlock()

	current := len(m.events[aggregateID])
	if events[0].AggregateVersion != current+1 {
		return Conflict(fmt.Errorf("aggregate %s is at version %d, batch starts at %d",
			aggregateID, current, events[0].AggregateVersion))
	}

	stored := make([]DomainEvent, len(events))
	copy(stored, events)
	m.events[aggregateID] = append(m.events[aggregateID], stored...)
	return nil
}

// SetClock replaces the clock used for snapshot expiry.
func (m *MemoryBackend) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *MemoryBackend) LoadEvents(_ context.Context, aggregateID string, from, to int) ([]DomainEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []DomainEvent
	for _, e := range m.events[aggregateID] {
		if e.AggregateVersion < from || (to > 0 && e.AggregateVersion > to) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (m *MemoryBackend) LoadEventsByType(_ context.Context, eventType string, start, end time.Time, limit int) ([]DomainEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []DomainEvent
	for _, events := range m.events {
		for _, e := range events {
			if e.EventType != eventType || e.Timestamp.Before(start) || e.Timestamp.After(end) {
				continue
			}
			out = append(out, e)
		}
	}
	slices.SortStableFunc(out, func(a, b DomainEvent) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryBackend) PutSnapshot(_ context.Context, snapshot Snapshot, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	byVersion, ok := m.snapshots[snapshot.AggregateID]
	if !ok {
		byVersion = make(map[int]memorySnapshot)
		m.snapshots[snapshot.AggregateID] = byVersion
	}
	byVersion[snapshot.Version] = memorySnapshot{snapshot: snapshot, expiresAt: expiresAt}
	return nil
}

func (m *MemoryBackend) LatestSnapshot(_ context.Context, aggregateID string) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.now()
	var latest *Snapshot
	for _, s := range m.snapshots[aggregateID] {
		if s.expired(now) {
			continue
		}
		if latest == nil || s.snapshot.Version > latest.Version {
			snap := s.snapshot
			latest = &snap
		}
	}
	return latest, nil
}

func (m *MemoryBackend) SnapshotAt(_ context.Context, aggregateID string, version int) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.snapshots[aggregateID][version]
	if !ok || s.expired(m.now()) {
		return nil, nil
	}
	snap := s.snapshot
	return &snap, nil
}

func (s memorySnapshot) expired(now time.Time) bool {
	return !s.expiresAt.IsZero() && now.After(s.expiresAt)
}
