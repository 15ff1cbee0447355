package store

import (
	"context"
	"log/slog"
	"sync"
)

// StreamHandler receives every committed batch of events.
type StreamHandler func(ctx context.Context, events []DomainEvent) error

// Stream is the change-notification hub downstream consumers subscribe to.
type Stream struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[int]StreamHandler
	logger   *slog.Logger
}

func NewStream(logger *slog.Logger) *Stream {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stream{
		handlers: make(map[int]StreamHandler),
		logger:   logger.With("component", "stream"),
	}
}

// Subscribe registers handler and returns a func that removes it again.
func (s *Stream) Subscribe(handler StreamHandler) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	s.handlers[id] = handler

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.handlers, id)
	}
}

// Publish hands events to every subscriber. A failing subscriber is logged
// and does not stop delivery to the others.
func (s *Stream) Publish(ctx context.Context, events []DomainEvent) int {
	if len(events) == 0 {
		return 0
	}

	s.mu.RLock()
	handlers := make([]StreamHandler, 0, len(s.handlers))
	for _, h := range s.handlers {
		handlers = append(handlers, h)
	}
	s.mu.RUnlock()

	failed := 0
	for _, h := range handlers {
		if err := h(ctx, events); err != nil {
			failed++
			s.logger.ErrorContext(ctx, "stream subscriber failed",
				"aggregate_id", events[0].AggregateID,
				"events", len(events),
				"err", err)
		}
	}
	return failed
}
