// Package postgres implements the event and snapshot backends on PostgreSQL
// using lib/pq through sqlx.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/example/ec-eventsourcing/internal/infrastructure/store"
)

// Schema creates the events and snapshots tables.
const Schema = `
CREATE TABLE IF NOT EXISTS events (
	aggregate_id   TEXT        NOT NULL,
	version        INTEGER     NOT NULL CHECK (version > 0),
	id             TEXT        NOT NULL UNIQUE,
	event_type     TEXT        NOT NULL,
	payload        JSONB       NOT NULL,
	metadata       JSONB       NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (aggregate_id, version)
);

CREATE INDEX IF NOT EXISTS events_type_created_at_idx ON events (event_type, created_at);

CREATE TABLE IF NOT EXISTS snapshots (
	aggregate_id     TEXT        NOT NULL,
	version          INTEGER     NOT NULL CHECK (version > 0),
	timestamp_ms     BIGINT      NOT NULL,
	state            JSONB       NOT NULL,
	schema_version   TEXT        NOT NULL,
	metadata         JSONB       NOT NULL,
	expires_at       TIMESTAMPTZ,
	PRIMARY KEY (aggregate_id, version)
);
`

// Postgres error codes the backend reacts to.
const (
	codeUniqueViolation      = "23505"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeInsufficientResource = "53000"
	codeDiskFull             = "53100"
	codeOutOfMemory          = "53200"
	codeTooManyConnections   = "53300"
	codeConfigLimitExceeded  = "53400"
	codeLockNotAvailable     = "55P03"
)

// Backend stores events and snapshots in PostgreSQL.
type Backend struct {
	db  *sqlx.DB
	now func() time.Time
}

type eventRow struct {
	AggregateID string    `db:"aggregate_id"`
	Version     int       `db:"version"`
	ID          string    `db:"id"`
	EventType   string    `db:"event_type"`
	Payload     string    `db:"payload"`
	Metadata    string    `db:"metadata"`
	CreatedAt   time.Time `db:"created_at"`
}

type snapshotRow struct {
	AggregateID   string       `db:"aggregate_id"`
	Version       int          `db:"version"`
	TimestampMs   int64        `db:"timestamp_ms"`
	State         string       `db:"state"`
	SchemaVersion string       `db:"schema_version"`
	Metadata      string       `db:"metadata"`
	ExpiresAt     sql.NullTime `db:"expires_at"`
}

func NewBackend(db *sqlx.DB) *Backend {
	return &Backend{db: db, now: time.Now}
}

// Connect establishes a connection to PostgreSQL
func Connect(ctx context.Context, connStr string) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}

	// Test connection
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return db, nil
}

// Migrate applies Schema.
func (b *Backend) Migrate(ctx context.Context) error {
	if _, err := b.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// AppendBatch inserts the batch in one transaction after checking that its
// first version directly follows the stored stream.
func (b *Backend) AppendBatch(ctx context.Context, events []store.DomainEvent) (err error) {
	if len(events) == 0 {
		return nil
	}
	first := events[0]

	rows := make([]eventRow, len(events))
	for i, e := range events {
		row, err := toEventRow(e)
		if err != nil {
			return err
		}
		rows[i] = row
	}

	tx, err := b.db.BeginTxx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var current int
	if err := tx.GetContext(ctx, &current,
		`SELECT COALESCE(MAX(version), 0) FROM events WHERE aggregate_id = $1`,
		first.AggregateID,
	); err != nil {
		return classify(err)
	}
	if first.AggregateVersion != current+1 {
		return store.Conflict(fmt.Errorf("aggregate %s is at version %d, batch starts at %d",
			first.AggregateID, current, first.AggregateVersion))
	}

	if _, err := tx.NamedExecContext(ctx,
		`INSERT INTO events (aggregate_id, version, id, event_type, payload, metadata, created_at)
		 VALUES (:aggregate_id, :version, :id, :event_type, :payload, :metadata, :created_at)`,
		rows,
	); err != nil {
		return classify(err)
	}

	if err := tx.Commit(); err != nil {
		return classify(err)
	}
	return nil
}

func (b *Backend) LoadEvents(ctx context.Context, aggregateID string, from, to int) ([]store.DomainEvent, error) {
	query := `SELECT aggregate_id, version, id, event_type, payload, metadata, created_at
		FROM events
		WHERE aggregate_id = $1 AND version >= $2`
	args := []any{aggregateID, from}
	if to > 0 {
		query += ` AND version <= $3`
		args = append(args, to)
	}
	query += ` ORDER BY version ASC`

	var rows []eventRow
	if err := b.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, classify(err)
	}
	return toDomainEvents(rows)
}

func (b *Backend) LoadEventsByType(ctx context.Context, eventType string, start, end time.Time, limit int) ([]store.DomainEvent, error) {
	var rows []eventRow
	err := b.db.SelectContext(ctx, &rows,
		`SELECT aggregate_id, version, id, event_type, payload, metadata, created_at
		 FROM events
		 WHERE event_type = $1 AND created_at BETWEEN $2 AND $3
		 ORDER BY created_at ASC, aggregate_id ASC, version ASC
		 LIMIT $4`,
		eventType, start.UTC(), end.UTC(), limit,
	)
	if err != nil {
		return nil, classify(err)
	}
	return toDomainEvents(rows)
}

// PutSnapshot upserts the snapshot at (aggregate_id, version).
func (b *Backend) PutSnapshot(ctx context.Context, snapshot store.Snapshot, expiresAt time.Time) error {
	metadata, err := json.Marshal(snapshot.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot metadata: %w", err)
	}
	row := snapshotRow{
		AggregateID:   snapshot.AggregateID,
		Version:       snapshot.Version,
		TimestampMs:   snapshot.Timestamp,
		State:         string(snapshot.State),
		SchemaVersion: snapshot.SchemaVersion,
		Metadata:      string(metadata),
		ExpiresAt:     sql.NullTime{Time: expiresAt.UTC(), Valid: !expiresAt.IsZero()},
	}

	_, err = b.db.NamedExecContext(ctx,
		`INSERT INTO snapshots (aggregate_id, version, timestamp_ms, state, schema_version, metadata, expires_at)
		 VALUES (:aggregate_id, :version, :timestamp_ms, :state, :schema_version, :metadata, :expires_at)
		 ON CONFLICT (aggregate_id, version) DO UPDATE SET
			timestamp_ms = EXCLUDED.timestamp_ms,
			state = EXCLUDED.state,
			schema_version = EXCLUDED.schema_version,
			metadata = EXCLUDED.metadata,
			expires_at = EXCLUDED.expires_at`,
		row,
	)
	if err != nil {
		return classify(err)
	}
	return nil
}

func (b *Backend) LatestSnapshot(ctx context.Context, aggregateID string) (*store.Snapshot, error) {
	return b.getSnapshot(ctx,
		`SELECT aggregate_id, version, timestamp_ms, state, schema_version, metadata, expires_at
		 FROM snapshots
		 WHERE aggregate_id = $1 AND (expires_at IS NULL OR expires_at > $2)
		 ORDER BY version DESC
		 LIMIT 1`,
		aggregateID, b.now().UTC())
}

func (b *Backend) SnapshotAt(ctx context.Context, aggregateID string, version int) (*store.Snapshot, error) {
	return b.getSnapshot(ctx,
		`SELECT aggregate_id, version, timestamp_ms, state, schema_version, metadata, expires_at
		 FROM snapshots
		 WHERE aggregate_id = $1 AND version = $3 AND (expires_at IS NULL OR expires_at > $2)`,
		aggregateID, b.now().UTC(), version)
}

func (b *Backend) getSnapshot(ctx context.Context, query string, args ...any) (*store.Snapshot, error) {
	var row snapshotRow
	if err := b.db.GetContext(ctx, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, classify(err)
	}

	snap := store.Snapshot{
		AggregateID:   row.AggregateID,
		Version:       row.Version,
		Timestamp:     row.TimestampMs,
		State:         json.RawMessage(row.State),
		SchemaVersion: row.SchemaVersion,
	}
	if err := json.Unmarshal([]byte(row.Metadata), &snap.Metadata); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot metadata: %w", err)
	}
	return &snap, nil
}

// DeleteExpiredSnapshots removes snapshots whose TTL has passed.
func (b *Backend) DeleteExpiredSnapshots(ctx context.Context) (int64, error) {
	res, err := b.db.ExecContext(ctx,
		`DELETE FROM snapshots WHERE expires_at IS NOT NULL AND expires_at <= $1`,
		b.now().UTC())
	if err != nil {
		return 0, classify(err)
	}
	return res.RowsAffected()
}

func toEventRow(e store.DomainEvent) (eventRow, error) {
	metadata, err := json.Marshal(e.Metadata)
	if err != nil {
		return eventRow{}, fmt.Errorf("failed to marshal metadata of %s: %w", e.EventID, err)
	}
	payload := string(e.Payload)
	if payload == "" {
		payload = "null"
	}
	return eventRow{
		AggregateID: e.AggregateID,
		Version:     e.AggregateVersion,
		ID:          e.EventID,
		EventType:   e.EventType,
		Payload:     payload,
		Metadata:    string(metadata),
		CreatedAt:   e.Timestamp.UTC(),
	}, nil
}

func toDomainEvents(rows []eventRow) ([]store.DomainEvent, error) {
	events := make([]store.DomainEvent, 0, len(rows))
	for _, r := range rows {
		e := store.DomainEvent{
			EventID:          r.ID,
			EventType:        r.EventType,
			AggregateID:      r.AggregateID,
			AggregateVersion: r.Version,
			Timestamp:        r.CreatedAt.UTC(),
			Payload:          json.RawMessage(r.Payload),
		}
		if err := json.Unmarshal([]byte(r.Metadata), &e.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata of %s: %w", r.ID, err)
		}
		events = append(events, e)
	}
	return events, nil
}

// classify maps PostgreSQL failures onto the store's retry and conflict sentinels.
func classify(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}
	switch pqErr.Code {
	case codeUniqueViolation:
		return store.Conflict(err)
	case codeSerializationFailure, codeDeadlockDetected, codeLockNotAvailable,
		codeInsufficientResource, codeDiskFull, codeOutOfMemory, codeTooManyConnections,
		codeConfigLimitExceeded:
		return store.Throttled(err)
	}
	return err
}
