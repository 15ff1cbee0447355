package aggregate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/example/ec-eventsourcing/internal/infrastructure/store"
)

var (
	// ErrCommandValidation marks a command rejected before any state is loaded.
	ErrCommandValidation = errors.New("command validation failed")
	// ErrStateConflict marks a command the current aggregate state does not permit.
	ErrStateConflict = errors.New("state conflict")
	// ErrVersionGap means a replayed event does not directly follow the state's version.
	ErrVersionGap = errors.New("event version gap")
)

// CommandMetadata carries the caller identity and tracing ids of a command.
type CommandMetadata struct {
	UserID        string `json:"userId"`
	CorrelationID string `json:"correlationId"`
	CausationID   string `json:"causationId,omitempty"`
}

// Command is a request to change the state of one aggregate.
type Command struct {
	CommandID   string          `json:"commandId"`
	CommandType string          `json:"commandType"`
	AggregateID string          `json:"aggregateId"`
	Timestamp   time.Time       `json:"timestamp"`
	Payload     json.RawMessage `json:"payload"`
	Metadata    CommandMetadata `json:"metadata"`
}

// DecodePayload unmarshals the command payload into v.
func (c Command) DecodePayload(v any) error {
	if len(c.Payload) == 0 {
		return fmt.Errorf("%w: %s payload is empty", ErrCommandValidation, c.CommandType)
	}
	if err := json.Unmarshal(c.Payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrCommandValidation, c.CommandType, err)
	}
	return nil
}

// DraftEvent is an event produced by Execute before the handler assigns its
// id, aggregate id and version.
type DraftEvent struct {
	EventType string
	Payload   any
	Timestamp time.Time // zero means "now"
	Metadata  store.EventMetadata
}

// Aggregate bundles the strategies of one aggregate type. State is a value of
// S that must round-trip through encoding/json for snapshots.
type Aggregate[S any] interface {
	// Type names the aggregate, e.g. "Order".
	Type() string
	InitialState() S
	// ValidateCommand checks the command in isolation.
	ValidateCommand(cmd Command) error
	// ValidateAgainstState checks the command against the rehydrated state.
	ValidateAgainstState(state S, cmd Command) error
	// Execute produces the events that record the command's effect.
	Execute(state S, cmd Command) ([]DraftEvent, error)
	// Apply folds one event into the state. It must be deterministic.
	Apply(state S, event store.DomainEvent) (S, error)
}

// Invalid returns an error wrapping ErrCommandValidation.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCommandValidation, fmt.Sprintf(format, args...))
}

// Conflict returns an error wrapping ErrStateConflict.
func Conflict(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrStateConflict, fmt.Sprintf(format, args...))
}

// Rehydrate folds events onto state, which is at fromVersion, and returns the
// resulting state and version. Events must be ascending and gap-free.
func Rehydrate[S any](agg Aggregate[S], state S, fromVersion int, events []store.DomainEvent) (S, int, error) {
	version := fromVersion
	for _, event := range events {
		if event.AggregateVersion != version+1 {
			return state, version, fmt.Errorf("%w: expected version %d, got %d for %s",
				ErrVersionGap, version+1, event.AggregateVersion, event.AggregateID)
		}
		next, err := agg.Apply(state, event)
		if err != nil {
			return state, version, fmt.Errorf("failed to apply %s v%d: %w", event.EventType, event.AggregateVersion, err)
		}
		state = next
		version = event.AggregateVersion
	}
	return state, version, nil
}

// RestoreState decodes snapshot state onto a fresh initial state.
func RestoreState[S any](agg Aggregate[S], raw json.RawMessage) (S, error) {
	state := agg.InitialState()
	if err := json.Unmarshal(raw, &state); err != nil {
		var zero S
		return zero, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return state, nil
}

// Rehydrator adapts agg into the state builder used for snapshot creation:
// a full replay from the initial state, serialized as JSON.
func Rehydrator[S any](agg Aggregate[S]) func(ctx context.Context, aggregateID string, events []store.DomainEvent) (json.RawMessage, error) {
	return func(_ context.Context, _ string, events []store.DomainEvent) (json.RawMessage, error) {
		state, _, err := Rehydrate(agg, agg.InitialState(), 0, events)
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(state)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal aggregate state: %w", err)
		}
		return raw, nil
	}
}
