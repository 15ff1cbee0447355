package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"
)

const (
	defaultMaxAttempts    = 3
	defaultBaseDelay      = time.Second
	defaultTimeRangeLimit = 100
)

// EventStore is the append-only, per-aggregate event log. Writes pass the
// schema gate and are retried on storage throttling. Reads are ordered by
// aggregate version.
type EventStore struct {
	backend     EventBackend
	validator   SchemaValidator
	limiter     RateLimiter
	stream      *Stream
	logger      *slog.Logger
	maxAttempts int
	baseDelay   time.Duration
}

// Option configures an EventStore.
type Option func(*EventStore)

// WithSchemaValidator installs the schema gate consulted before every append.
func WithSchemaValidator(v SchemaValidator) Option {
	return func(es *EventStore) { es.validator = v }
}

// WithRateLimiter sets the limiter guarding GetEventsByTimeRange.
func WithRateLimiter(l RateLimiter) Option {
	return func(es *EventStore) { es.limiter = l }
}

// WithStream publishes every committed batch on s.
func WithStream(s *Stream) Option {
	return func(es *EventStore) { es.stream = s }
}

func WithLogger(l *slog.Logger) Option {
	return func(es *EventStore) { es.logger = l }
}

// WithRetry overrides the throttling retry policy. Delays are
// 2^attempt * baseDelay.
func WithRetry(maxAttempts int, baseDelay time.Duration) Option {
	return func(es *EventStore) {
		if maxAttempts > 0 {
			es.maxAttempts = maxAttempts
		}
		if baseDelay >= 0 {
			es.baseDelay = baseDelay
		}
	}
}

func NewEventStore(backend EventBackend, opts ...Option) *EventStore {
	es := &EventStore{
		backend:     backend,
		maxAttempts: defaultMaxAttempts,
		baseDelay:   defaultBaseDelay,
	}
	for _, opt := range opts {
		opt(es)
	}
	if es.logger == nil {
		es.logger = slog.Default()
	}
	es.logger = es.logger.With("component", "event_store")
	if es.stream == nil {
		es.stream = NewStream(es.logger)
	}
	return es
}

// Append validates and atomically writes a batch of events for one aggregate.
func (es *EventStore) Append(ctx context.Context, events []DomainEvent) error {
	if len(events) == 0 {
		return nil
	}
	if err := checkBatch(events); err != nil {
		return err
	}

	if es.validator != nil {
		for _, event := range events {
			res, err := es.validator.Validate(ctx, event)
			if err != nil {
				return fmt.Errorf("schema validator: %w", err)
			}
			if !res.Valid {
				return &SchemaValidationError{
					EventID:   event.EventID,
					EventType: event.EventType,
					Errors:    res.Errors,
				}
			}
		}
	}

	if err := es.appendWithRetry(ctx, events); err != nil {
		return err
	}

	es.stream.Publish(ctx, events)
	return nil
}

func (es *EventStore) appendWithRetry(ctx context.Context, events []DomainEvent) error {
	var lastErr error

	for attempt := 1; attempt <= es.maxAttempts; attempt++ {
		lastErr = es.backend.AppendBatch(ctx, events)
		if lastErr == nil {
			return nil
		}
		if !errors.Is(lastErr, ErrThrottled) {
			return lastErr
		}
		if attempt == es.maxAttempts {
			break
		}

		delay := es.baseDelay * time.Duration(1<<attempt)
		es.logger.WarnContext(ctx, "append throttled, backing off",
			"aggregate_id", events[0].AggregateID,
			"attempt", attempt,
			"delay", delay)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return fmt.Errorf("append failed after %d attempts: %w", es.maxAttempts, lastErr)
}

// checkBatch enforces that a batch targets one aggregate with consecutive versions.
func checkBatch(events []DomainEvent) error {
	first := events[0]
	if first.AggregateID == "" {
		return fmt.Errorf("%w: aggregate id is required", ErrInvalidBatch)
	}
	if first.AggregateVersion < 1 {
		return fmt.Errorf("%w: version %d is not positive", ErrInvalidBatch, first.AggregateVersion)
	}
	for i, e := range events {
		if e.EventID == "" || e.EventType == "" {
			return fmt.Errorf("%w: event %d is missing id or type", ErrInvalidBatch, i)
		}
		if e.AggregateID != first.AggregateID {
			return fmt.Errorf("%w: mixed aggregates %s and %s", ErrInvalidBatch, first.AggregateID, e.AggregateID)
		}
		if e.AggregateVersion != first.AggregateVersion+i {
			return fmt.Errorf("%w: version %d at position %d breaks the sequence", ErrInvalidBatch, e.AggregateVersion, i)
		}
	}
	return nil
}

// GetEvents returns the events of one aggregate with from <= version <= to.
// Zero bounds are open.
func (es *EventStore) GetEvents(ctx context.Context, aggregateID string, from, to int) ([]DomainEvent, error) {
	if aggregateID == "" {
		return nil, fmt.Errorf("%w: aggregate id is required", ErrInvalidRange)
	}
	if from < 0 || to < 0 || (to > 0 && from > to) {
		return nil, fmt.Errorf("%w: from %d to %d", ErrInvalidRange, from, to)
	}

	events, err := es.backend.LoadEvents(ctx, aggregateID, from, to)
	if err != nil {
		return nil, fmt.Errorf("load events for %s: %w", aggregateID, err)
	}
	slices.SortStableFunc(events, func(a, b DomainEvent) int {
		return a.AggregateVersion - b.AggregateVersion
	})
	return events, nil
}

// GetEventsByTimeRange returns up to limit events of eventType whose
// timestamp lies in [start, end]. Calls are rate limited per clientID.
func (es *EventStore) GetEventsByTimeRange(ctx context.Context, eventType string, start, end time.Time, limit int, clientID string) ([]DomainEvent, error) {
	if es.limiter != nil {
		ok, err := es.limiter.Allow(ctx, clientID)
		if err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
		if !ok {
			return nil, fmt.Errorf("%w: client %q", ErrRateLimitExceeded, clientID)
		}
	}

	if eventType == "" {
		return nil, fmt.Errorf("%w: event type is required", ErrInvalidRange)
	}
	if end.Before(start) {
		return nil, fmt.Errorf("%w: end %s before start %s", ErrInvalidRange, end, start)
	}
	if limit <= 0 {
		limit = defaultTimeRangeLimit
	}

	events, err := es.backend.LoadEventsByType(ctx, eventType, start, end, limit)
	if err != nil {
		return nil, fmt.Errorf("load %s events: %w", eventType, err)
	}
	return events, nil
}

// SubscribeToStream registers a change-notification handler for committed
// batches and returns its unsubscribe func.
func (es *EventStore) SubscribeToStream(handler StreamHandler) func() {
	return es.stream.Subscribe(handler)
}
