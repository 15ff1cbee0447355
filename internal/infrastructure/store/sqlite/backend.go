// Package sqlite implements the event and snapshot backends on an embedded
// SQLite database (modernc.org/sqlite) for single-node deployments and tests.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/example/ec-eventsourcing/internal/infrastructure/store"
	"github.com/example/ec-eventsourcing/internal/infrastructure/store/sqlite/migrations"
)

// Backend provides SQLite-backed event and snapshot persistence.
type Backend struct {
	sqlDB *sql.DB
	now   func() time.Time
}

// Open opens a SQLite database at path and applies migrations.
func Open(ctx context.Context, path string) (*Backend, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := "file:" + cleanPath +
		"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	if err := applyMigrations(ctx, sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Backend{sqlDB: sqlDB, now: time.Now}, nil
}

// Close releases the SQLite connection.
func (b *Backend) Close() error {
	if b == nil || b.sqlDB == nil {
		return nil
	}
	return b.sqlDB.Close()
}

// AppendBatch inserts the batch in one immediate transaction after checking
// that its first version directly follows the stored stream.
func (b *Backend) AppendBatch(ctx context.Context, events []store.DomainEvent) error {
	if len(events) == 0 {
		return nil
	}
	first := events[0]

	tx, err := b.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("begin transaction: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	var current int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM events WHERE aggregate_id = ?`,
		first.AggregateID,
	).Scan(&current); err != nil {
		return classify(fmt.Errorf("read head version: %w", err))
	}
	if first.AggregateVersion != current+1 {
		return store.Conflict(fmt.Errorf("aggregate %s is at version %d, batch starts at %d",
			first.AggregateID, current, first.AggregateVersion))
	}

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO events (aggregate_id, version, id, event_type, payload, metadata, timestamp, timestamp_ms)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return classify(fmt.Errorf("prepare insert: %w", err))
	}
	defer stmt.Close()

	for _, e := range events {
		metadata, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata of %s: %w", e.EventID, err)
		}
		payload := string(e.Payload)
		if payload == "" {
			payload = "null"
		}
		if _, err := stmt.ExecContext(ctx,
			e.AggregateID,
			e.AggregateVersion,
			e.EventID,
			e.EventType,
			payload,
			string(metadata),
			e.Timestamp.UTC().Format(time.RFC3339Nano),
			e.Timestamp.UnixMilli(),
		); err != nil {
			return classify(fmt.Errorf("insert event %s: %w", e.EventID, err))
		}
	}

	if err := tx.Commit(); err != nil {
		return classify(fmt.Errorf("commit: %w", err))
	}
	return nil
}

func (b *Backend) LoadEvents(ctx context.Context, aggregateID string, from, to int) ([]store.DomainEvent, error) {
	query := `SELECT aggregate_id, version, id, event_type, payload, metadata, timestamp
FROM events WHERE aggregate_id = ? AND version >= ?`
	args := []any{aggregateID, from}
	if to > 0 {
		query += ` AND version <= ?`
		args = append(args, to)
	}
	query += ` ORDER BY version ASC`

	return b.queryEvents(ctx, query, args...)
}

func (b *Backend) LoadEventsByType(ctx context.Context, eventType string, start, end time.Time, limit int) ([]store.DomainEvent, error) {
	return b.queryEvents(ctx, `SELECT aggregate_id, version, id, event_type, payload, metadata, timestamp
FROM events
WHERE event_type = ? AND timestamp_ms BETWEEN ? AND ?
ORDER BY timestamp_ms ASC, aggregate_id ASC, version ASC
LIMIT ?`,
		eventType, start.UnixMilli(), end.UnixMilli(), limit)
}

func (b *Backend) queryEvents(ctx context.Context, query string, args ...any) ([]store.DomainEvent, error) {
	rows, err := b.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("query events: %w", err))
	}
	defer rows.Close()

	var events []store.DomainEvent
	for rows.Next() {
		var (
			e         store.DomainEvent
			payload   string
			metadata  string
			timestamp string
		)
		if err := rows.Scan(&e.AggregateID, &e.AggregateVersion, &e.EventID, &e.EventType, &payload, &metadata, &timestamp); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Payload = json.RawMessage(payload)
		if err := json.Unmarshal([]byte(metadata), &e.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata of %s: %w", e.EventID, err)
		}
		e.Timestamp, err = time.Parse(time.RFC3339Nano, timestamp)
		if err != nil {
			return nil, fmt.Errorf("parse timestamp of %s: %w", e.EventID, err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return events, nil
}

// PutSnapshot upserts the snapshot at (aggregate_id, version).
func (b *Backend) PutSnapshot(ctx context.Context, snapshot store.Snapshot, expiresAt time.Time) error {
	metadata, err := json.Marshal(snapshot.Metadata)
	if err != nil {
		return fmt.Errorf("marshal snapshot metadata: %w", err)
	}
	var expires sql.NullInt64
	if !expiresAt.IsZero() {
		expires = sql.NullInt64{Int64: expiresAt.UnixMilli(), Valid: true}
	}

	_, err = b.sqlDB.ExecContext(ctx, `
INSERT INTO snapshots (aggregate_id, version, timestamp_ms, state, schema_version, metadata, expires_at_ms)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (aggregate_id, version) DO UPDATE SET
    timestamp_ms = excluded.timestamp_ms,
    state = excluded.state,
    schema_version = excluded.schema_version,
    metadata = excluded.metadata,
    expires_at_ms = excluded.expires_at_ms`,
		snapshot.AggregateID,
		snapshot.Version,
		snapshot.Timestamp,
		string(snapshot.State),
		snapshot.SchemaVersion,
		string(metadata),
		expires,
	)
	if err != nil {
		return classify(fmt.Errorf("put snapshot: %w", err))
	}
	return nil
}

func (b *Backend) LatestSnapshot(ctx context.Context, aggregateID string) (*store.Snapshot, error) {
	return b.getSnapshot(ctx, `SELECT aggregate_id, version, timestamp_ms, state, schema_version, metadata
FROM snapshots
WHERE aggregate_id = ? AND (expires_at_ms IS NULL OR expires_at_ms > ?)
ORDER BY version DESC
LIMIT 1`, aggregateID, b.now().UnixMilli())
}

func (b *Backend) SnapshotAt(ctx context.Context, aggregateID string, version int) (*store.Snapshot, error) {
	return b.getSnapshot(ctx, `SELECT aggregate_id, version, timestamp_ms, state, schema_version, metadata
FROM snapshots
WHERE aggregate_id = ? AND (expires_at_ms IS NULL OR expires_at_ms > ?) AND version = ?`,
		aggregateID, b.now().UnixMilli(), version)
}

func (b *Backend) getSnapshot(ctx context.Context, query string, args ...any) (*store.Snapshot, error) {
	var (
		snap     store.Snapshot
		state    string
		metadata string
	)
	err := b.sqlDB.QueryRowContext(ctx, query, args...).Scan(
		&snap.AggregateID, &snap.Version, &snap.Timestamp, &state, &snap.SchemaVersion, &metadata)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(fmt.Errorf("get snapshot: %w", err))
	}
	snap.State = json.RawMessage(state)
	if err := json.Unmarshal([]byte(metadata), &snap.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot metadata: %w", err)
	}
	return &snap, nil
}

// DeleteExpiredSnapshots removes snapshots whose TTL has passed.
func (b *Backend) DeleteExpiredSnapshots(ctx context.Context) (int64, error) {
	res, err := b.sqlDB.ExecContext(ctx,
		`DELETE FROM snapshots WHERE expires_at_ms IS NOT NULL AND expires_at_ms <= ?`,
		b.now().UnixMilli())
	if err != nil {
		return 0, classify(fmt.Errorf("delete expired snapshots: %w", err))
	}
	return res.RowsAffected()
}

func classify(err error) error {
	switch {
	case isConstraintError(err):
		return store.Conflict(err)
	case isSQLiteBusyError(err):
		return store.Throttled(err)
	}
	return err
}

func isConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3.SQLITE_CONSTRAINT || code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}

func isSQLiteBusyError(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
}
