// Package command runs commands against event-sourced aggregates: it
// rehydrates state from the latest snapshot plus newer events, executes the
// aggregate's strategies and appends the resulting events.
package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/ec-eventsourcing/internal/domain/aggregate"
	"github.com/example/ec-eventsourcing/internal/infrastructure/store"
)

const (
	defaultConflictRetries = 2
	defaultTriggerTimeout  = 5 * time.Second
	tracerName             = "github.com/example/ec-eventsourcing/internal/command"
)

// EventStore is the part of the event store the handler reads and writes.
type EventStore interface {
	Append(ctx context.Context, events []store.DomainEvent) error
	GetEvents(ctx context.Context, aggregateID string, from, to int) ([]store.DomainEvent, error)
}

// SnapshotReader loads the newest snapshot of an aggregate.
type SnapshotReader interface {
	GetLatest(ctx context.Context, aggregateID string) (*store.Snapshot, error)
}

// SnapshotTrigger decides whether a snapshot should be taken after a write.
// It must not block on snapshot creation.
type SnapshotTrigger interface {
	EvaluateTriggerSync(ctx context.Context, aggregateID string, currentVersion, sizeBytes int) bool
}

// Handler executes commands for one aggregate type.
type Handler[S any] struct {
	agg       aggregate.Aggregate[S]
	events    EventStore
	snapshots SnapshotReader
	trigger   SnapshotTrigger

	logger          *slog.Logger
	tracer          trace.Tracer
	conflictRetries int
	triggerTimeout  time.Duration
	newID           func() string
	now             func() time.Time
}

// Option configures a Handler.
type Option func(*options)

type options struct {
	trigger         SnapshotTrigger
	logger          *slog.Logger
	tracer          trace.Tracer
	conflictRetries int
	triggerTimeout  time.Duration
	newID           func() string
	now             func() time.Time
}

// WithSnapshotTrigger evaluates t after every successful append.
func WithSnapshotTrigger(t SnapshotTrigger) Option {
	return func(o *options) { o.trigger = t }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

func WithTracer(t trace.Tracer) Option {
	return func(o *options) { o.tracer = t }
}

// WithConflictRetries sets how many times a command is re-run from a fresh
// load after the append lost an optimistic concurrency race.
func WithConflictRetries(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.conflictRetries = n
		}
	}
}

// WithTriggerTimeout bounds the synchronous snapshot trigger evaluation.
func WithTriggerTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.triggerTimeout = d
		}
	}
}

func WithIDGenerator(fn func() string) Option {
	return func(o *options) { o.newID = fn }
}

func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func NewHandler[S any](agg aggregate.Aggregate[S], events EventStore, snapshots SnapshotReader, opts ...Option) *Handler[S] {
	o := options{
		conflictRetries: defaultConflictRetries,
		triggerTimeout:  defaultTriggerTimeout,
		newID:           uuid.NewString,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.tracer == nil {
		o.tracer = otel.Tracer(tracerName)
	}

	return &Handler[S]{
		agg:             agg,
		events:          events,
		snapshots:       snapshots,
		trigger:         o.trigger,
		logger:          o.logger.With("component", "command_handler", "aggregate_type", agg.Type()),
		tracer:          o.tracer,
		conflictRetries: o.conflictRetries,
		triggerTimeout:  o.triggerTimeout,
		newID:           o.newID,
		now:             o.now,
	}
}

// Handle runs cmd to completion. It never returns an error; failures are
// reported in the Result.
func (h *Handler[S]) Handle(ctx context.Context, cmd aggregate.Command) (res Result) {
	ctx, span := h.tracer.Start(ctx, "command.handle", trace.WithAttributes(
		attribute.String("aggregate.type", h.agg.Type()),
		attribute.String("aggregate.id", cmd.AggregateID),
		attribute.String("command.type", cmd.CommandType),
		attribute.String("command.id", cmd.CommandID),
	))
	defer func() {
		if r := recover(); r != nil {
			h.logger.ErrorContext(ctx, "command handler panicked",
				"command_id", cmd.CommandID, "panic", r)
			res = failure(cmd.AggregateID, 0, fmt.Errorf("internal error: %v", r))
		}
		span.SetAttributes(attribute.Int("aggregate.version", res.Version))
		if !res.Success {
			span.SetAttributes(attribute.String("command.error_code", string(res.Code)))
			span.SetStatus(otelcodes.Error, res.Error)
		}
		span.End()
	}()

	if err := h.agg.ValidateCommand(cmd); err != nil {
		return h.fail(ctx, span, cmd, 0, err)
	}

	var (
		version int
		events  []store.DomainEvent
		state   S
		err     error
	)
	for attempt := 0; ; attempt++ {
		state, version, events, err = h.run(ctx, cmd)
		if err == nil {
			break
		}
		if !errors.Is(err, store.ErrVersionConflict) || attempt >= h.conflictRetries {
			return h.fail(ctx, span, cmd, version, err)
		}
		h.logger.WarnContext(ctx, "append lost a concurrent write, retrying command",
			"aggregate_id", cmd.AggregateID,
			"command_id", cmd.CommandID,
			"attempt", attempt+1)
		span.AddEvent("version_conflict_retry")
	}

	newVersion := version + len(events)
	eventIDs := make([]string, len(events))
	for i, e := range events {
		eventIDs[i] = e.EventID
	}

	if len(events) > 0 {
		h.evaluateSnapshot(ctx, cmd.AggregateID, newVersion, state)
	}

	h.logger.InfoContext(ctx, "command handled",
		"aggregate_id", cmd.AggregateID,
		"command_type", cmd.CommandType,
		"command_id", cmd.CommandID,
		"version", newVersion,
		"events", len(events))

	return Result{
		Success:     true,
		AggregateID: cmd.AggregateID,
		Version:     newVersion,
		EventIDs:    eventIDs,
	}
}

// run loads, validates, executes and persists once. It returns the state after
// the new events, the base version and the appended events.
func (h *Handler[S]) run(ctx context.Context, cmd aggregate.Command) (S, int, []store.DomainEvent, error) {
	state, version, err := h.load(ctx, cmd.AggregateID)
	if err != nil {
		return state, 0, nil, err
	}

	if err := h.agg.ValidateAgainstState(state, cmd); err != nil {
		return state, version, nil, err
	}

	drafts, err := h.agg.Execute(state, cmd)
	if err != nil {
		return state, version, nil, err
	}
	if len(drafts) == 0 {
		return state, version, nil, nil
	}

	events, err := h.enrich(cmd, version, drafts)
	if err != nil {
		return state, version, nil, err
	}

	if err := h.events.Append(ctx, events); err != nil {
		return state, version, nil, fmt.Errorf("append events: %w", err)
	}

	next, _, err := aggregate.Rehydrate(h.agg, state, version, events)
	if err != nil {
		// The events are already durable; only the size estimate suffers.
		h.logger.WarnContext(ctx, "failed to fold new events", "aggregate_id", cmd.AggregateID, "err", err)
		next = state
	}
	return next, version, events, nil
}

// load rebuilds the aggregate from its latest snapshot plus newer events.
// An unreadable snapshot falls back to a full replay.
func (h *Handler[S]) load(ctx context.Context, aggregateID string) (S, int, error) {
	state := h.agg.InitialState()
	from := 0

	snap, err := h.snapshots.GetLatest(ctx, aggregateID)
	if err != nil {
		return state, 0, fmt.Errorf("load snapshot: %w", err)
	}
	if snap != nil {
		restored, err := aggregate.RestoreState(h.agg, snap.State)
		if err != nil {
			h.logger.WarnContext(ctx, "ignoring unreadable snapshot",
				"aggregate_id", aggregateID, "snapshot_version", snap.Version, "err", err)
		} else {
			state = restored
			from = snap.Version
		}
	}

	events, err := h.events.GetEvents(ctx, aggregateID, from+1, 0)
	if err != nil {
		return state, from, fmt.Errorf("load events: %w", err)
	}

	state, version, err := aggregate.Rehydrate(h.agg, state, from, events)
	if err != nil {
		return state, version, fmt.Errorf("rehydrate %s: %w", aggregateID, err)
	}
	return state, version, nil
}

// enrich turns drafts into persistable events at baseVersion+1...
func (h *Handler[S]) enrich(cmd aggregate.Command, baseVersion int, drafts []aggregate.DraftEvent) ([]store.DomainEvent, error) {
	now := h.now().UTC()
	events := make([]store.DomainEvent, len(drafts))

	for i, d := range drafts {
		payload, err := json.Marshal(d.Payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", d.EventType, err)
		}

		ts := d.Timestamp
		if ts.IsZero() {
			ts = now
		}

		md := d.Metadata
		md.CorrelationID = cmd.Metadata.CorrelationID
		md.UserID = cmd.Metadata.UserID
		md.CausationID = cmd.CommandID
		if md.SchemaVersion == "" {
			md.SchemaVersion = store.DefaultSchemaVersion
		}

		events[i] = store.DomainEvent{
			EventID:          h.newID(),
			EventType:        d.EventType,
			AggregateID:      cmd.AggregateID,
			AggregateVersion: baseVersion + i + 1,
			Timestamp:        ts.UTC(),
			Payload:          payload,
			Metadata:         md,
		}
	}
	return events, nil
}

func (h *Handler[S]) evaluateSnapshot(ctx context.Context, aggregateID string, version int, state S) {
	if h.trigger == nil {
		return
	}

	size := 0
	if raw, err := json.Marshal(state); err == nil {
		size = len(raw)
	}

	tctx, cancel := context.WithTimeout(ctx, h.triggerTimeout)
	defer cancel()

	if h.trigger.EvaluateTriggerSync(tctx, aggregateID, version, size) {
		h.logger.DebugContext(ctx, "snapshot scheduled", "aggregate_id", aggregateID, "version", version)
	}
}

func (h *Handler[S]) fail(ctx context.Context, span trace.Span, cmd aggregate.Command, version int, err error) Result {
	res := failure(cmd.AggregateID, version, err)
	span.RecordError(err)

	level := slog.LevelWarn
	if res.Code == CodeInternal || res.Code == CodePersistenceThrottled {
		level = slog.LevelError
	}
	h.logger.Log(ctx, level, "command failed",
		"aggregate_id", cmd.AggregateID,
		"command_type", cmd.CommandType,
		"command_id", cmd.CommandID,
		"code", res.Code,
		"err", err)
	return res
}
