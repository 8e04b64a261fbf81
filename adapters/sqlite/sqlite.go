// Package sqlite provides a SQLite implementation of the event store adapter.
// It suits single-node deployments and tests that want real SQL constraints
// without a database server.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/AshkanYarmoradi/go-stoat/adapters"
)

// Ensure SQLiteAdapter implements required interfaces.
var (
	_ adapters.EventStoreAdapter = (*SQLiteAdapter)(nil)
	_ adapters.HealthChecker     = (*SQLiteAdapter)(nil)
	_ adapters.StatsProvider     = (*SQLiteAdapter)(nil)
)

// SQLiteAdapter stores events in a SQLite database file.
// Transactions are opened with BEGIN IMMEDIATE so that the read of a
// stream head and the following insert are never interleaved with another writer.
type SQLiteAdapter struct {
	db     *sql.DB
	table  string
	closed atomic.Bool
}

// Option configures a SQLiteAdapter.
type Option func(*SQLiteAdapter)

// WithTable sets the events table name.
func WithTable(name string) Option {
	return func(a *SQLiteAdapter) {
		a.table = name
	}
}

// DSN builds a connection string for a database file with the pragmas the adapter relies on.
func DSN(path string) string {
	q := url.Values{}
	q.Set("_txlock", "immediate")
	q.Set("_busy_timeout", "5000")
	q.Set("_journal_mode", "WAL")
	return "file:" + path + "?" + q.Encode()
}

// NewAdapter opens the database file at path.
func NewAdapter(path string, opts ...Option) (*SQLiteAdapter, error) {
	db, err := sql.Open("sqlite3", DSN(path))
	if err != nil {
		return nil, fmt.Errorf("stoat/sqlite: failed to open database: %w", err)
	}
	return NewAdapterWithDB(db, opts...), nil
}

// NewAdapterWithDB creates a new adapter with an existing database connection.
// The connection should use the immediate transaction lock mode, see DSN.
func NewAdapterWithDB(db *sql.DB, opts ...Option) *SQLiteAdapter {
	adapter := &SQLiteAdapter{
		db:    db,
		table: "events",
	}

	for _, opt := range opts {
		opt(adapter)
	}

	return adapter
}

// Initialize creates the events table, its indexes and the finality trigger.
func (a *SQLiteAdapter) Initialize(ctx context.Context) error {
	statements := []struct {
		what string
		sql  string
	}{
		{"events table", fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			sequence        INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id        TEXT NOT NULL,
			aggregate_type  TEXT NOT NULL,
			aggregate_id    TEXT NOT NULL,
			previous_id     TEXT,
			event_type      TEXT NOT NULL,
			schema_version  INTEGER NOT NULL DEFAULT 1,
			payload         BLOB NOT NULL,
			command_id      TEXT,
			final           BOOLEAN NOT NULL DEFAULT 0,
			created_at      TIMESTAMP NOT NULL,
			UNIQUE (aggregate_type, aggregate_id, event_id),
			UNIQUE (aggregate_type, aggregate_id, previous_id)
		)`, a.table)},
		{"first event index", fmt.Sprintf(`
		CREATE UNIQUE INDEX IF NOT EXISTS %[1]s_stream_first_uniq
		ON %[1]s (aggregate_type, aggregate_id) WHERE previous_id IS NULL`, a.table)},
		{"stream index", fmt.Sprintf(`
		CREATE INDEX IF NOT EXISTS %[1]s_stream_idx ON %[1]s (aggregate_type, aggregate_id, sequence)`, a.table)},
		{"finality trigger", fmt.Sprintf(`
		CREATE TRIGGER IF NOT EXISTS %[1]s_reject_finalized
		BEFORE INSERT ON %[1]s
		WHEN EXISTS (
			SELECT 1 FROM %[1]s
			WHERE aggregate_type = NEW.aggregate_type
			  AND aggregate_id = NEW.aggregate_id
			  AND final
		)
		BEGIN
			SELECT RAISE(ABORT, 'stream is finalized');
		END`, a.table)},
	}

	for _, stmt := range statements {
		if _, err := a.db.ExecContext(ctx, stmt.sql); err != nil {
			return fmt.Errorf("stoat/sqlite: failed to create %s: %w", stmt.what, err)
		}
	}
	return nil
}

// Append stores records in one immediate transaction.
func (a *SQLiteAdapter) Append(ctx context.Context, records []adapters.EventRecord, expect ...adapters.Expectation) ([]adapters.StoredEvent, error) {
	if a.closed.Load() {
		return nil, adapters.ErrAdapterClosed
	}
	if err := adapters.ValidateRecords(records); err != nil {
		return nil, err
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, adapters.NewStorageError("begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	planner := adapters.NewChainPlanner(expect)
	for _, e := range expect {
		head, err := a.readHead(ctx, tx, e.Key)
		if err != nil {
			return nil, err
		}
		if err := planner.SetHead(e.Key, head); err != nil {
			return nil, err
		}
	}

	stored := make([]adapters.StoredEvent, len(records))
	for i, r := range records {
		key := r.Key()
		if !planner.Known(key) {
			head, err := a.readHead(ctx, tx, key)
			if err != nil {
				return nil, err
			}
			if err := planner.SetHead(key, head); err != nil {
				return nil, err
			}
		}

		previous, err := planner.Next(r)
		if err != nil {
			return nil, err
		}

		if r.SchemaVersion == 0 {
			r.SchemaVersion = adapters.SchemaVersion
		}
		if r.CreatedAt.IsZero() {
			r.CreatedAt = time.Now()
		}

		res, err := tx.ExecContext(ctx, fmt.Sprintf(`
			INSERT INTO %s
				(event_id, aggregate_type, aggregate_id, previous_id, event_type,
				 schema_version, payload, command_id, final, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, a.table),
			r.EventID, r.AggregateType, r.AggregateID, nullString(previous), r.EventType,
			r.SchemaVersion, r.Payload, nullString(r.CommandID), r.Final, r.CreatedAt.UTC(),
		)
		if err != nil {
			return nil, translateError("insert event", key, previous, err)
		}
		sequence, err := res.LastInsertId()
		if err != nil {
			return nil, adapters.NewStorageError("read sequence", err)
		}

		stored[i] = adapters.Stored(r, sequence, previous)
	}

	if err := tx.Commit(); err != nil {
		return nil, translateError("commit", records[0].Key(), "", err)
	}
	return stored, nil
}

func (a *SQLiteAdapter) readHead(ctx context.Context, tx *sql.Tx, key adapters.StreamKey) (adapters.StreamHead, error) {
	var head adapters.StreamHead
	err := tx.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT event_id, final FROM %s
		WHERE aggregate_type = ? AND aggregate_id = ?
		ORDER BY sequence DESC
		LIMIT 1`, a.table), key.AggregateType, key.AggregateID).Scan(&head.LatestID, &head.Final)

	if errors.Is(err, sql.ErrNoRows) {
		return adapters.StreamHead{}, nil
	}
	if err != nil {
		return head, translateError("read stream head", key, "", err)
	}
	head.Exists = true
	return head, nil
}

// Load retrieves all events of a stream in sequence order.
func (a *SQLiteAdapter) Load(ctx context.Context, key adapters.StreamKey) ([]adapters.StoredEvent, error) {
	if a.closed.Load() {
		return nil, adapters.ErrAdapterClosed
	}
	if err := key.Validate(); err != nil {
		return nil, err
	}

	rows, err := a.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE aggregate_type = ? AND aggregate_id = ?
		ORDER BY sequence`, eventColumns, a.table), key.AggregateType, key.AggregateID)
	if err != nil {
		return nil, adapters.NewStorageError("load stream", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// LatestEventID returns the id of the last event of a stream.
func (a *SQLiteAdapter) LatestEventID(ctx context.Context, key adapters.StreamKey) (string, bool, error) {
	if a.closed.Load() {
		return "", false, adapters.ErrAdapterClosed
	}
	if err := key.Validate(); err != nil {
		return "", false, err
	}

	var id string
	err := a.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT event_id FROM %s
		WHERE aggregate_type = ? AND aggregate_id = ?
		ORDER BY sequence DESC
		LIMIT 1`, a.table), key.AggregateType, key.AggregateID).Scan(&id)

	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, adapters.NewStorageError("latest event id", err)
	}
	return id, true, nil
}

// LoadAll returns every event in sequence order.
func (a *SQLiteAdapter) LoadAll(ctx context.Context) ([]adapters.StoredEvent, error) {
	return a.LoadSince(ctx, 0)
}

// LoadSince returns events with a sequence greater than the given one.
func (a *SQLiteAdapter) LoadSince(ctx context.Context, sequence int64) ([]adapters.StoredEvent, error) {
	if a.closed.Load() {
		return nil, adapters.ErrAdapterClosed
	}

	rows, err := a.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE sequence > ?
		ORDER BY sequence`, eventColumns, a.table), sequence)
	if err != nil {
		return nil, adapters.NewStorageError("load since", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// Bounds returns the first and last sequence in the store.
func (a *SQLiteAdapter) Bounds(ctx context.Context) (adapters.Bounds, bool, error) {
	if a.closed.Load() {
		return adapters.Bounds{}, false, adapters.ErrAdapterClosed
	}

	var earliest, latest sql.NullInt64
	err := a.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT MIN(sequence), MAX(sequence) FROM %s`, a.table)).Scan(&earliest, &latest)
	if err != nil {
		return adapters.Bounds{}, false, adapters.NewStorageError("bounds", err)
	}

	if !earliest.Valid {
		return adapters.Bounds{}, false, nil
	}
	return adapters.Bounds{Earliest: earliest.Int64, Latest: latest.Int64}, true, nil
}

// Stats summarizes the store.
func (a *SQLiteAdapter) Stats(ctx context.Context) (adapters.Stats, error) {
	if a.closed.Load() {
		return adapters.Stats{}, adapters.ErrAdapterClosed
	}

	var stats adapters.Stats
	var earliest, latest sql.NullInt64
	err := a.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT COUNT(*),
		       COUNT(DISTINCT aggregate_type || '/' || aggregate_id),
		       COALESCE(SUM(CASE WHEN final THEN 1 ELSE 0 END), 0),
		       MIN(sequence), MAX(sequence)
		FROM %s`, a.table)).Scan(
		&stats.Events, &stats.Streams, &stats.FinalizedStreams, &earliest, &latest,
	)
	if err != nil {
		return adapters.Stats{}, adapters.NewStorageError("stats", err)
	}
	stats.Bounds = adapters.Bounds{Earliest: earliest.Int64, Latest: latest.Int64}
	return stats, nil
}

// Close releases the database connection.
func (a *SQLiteAdapter) Close() error {
	if a.closed.Swap(true) {
		return nil
	}
	return a.db.Close()
}

// Ping checks database connectivity.
func (a *SQLiteAdapter) Ping(ctx context.Context) error {
	if a.closed.Load() {
		return adapters.ErrAdapterClosed
	}
	return a.db.PingContext(ctx)
}

// DB returns the underlying database connection.
func (a *SQLiteAdapter) DB() *sql.DB {
	return a.db
}

const eventColumns = `sequence, event_id, aggregate_type, aggregate_id, previous_id, event_type,
		schema_version, payload, command_id, final, created_at`

func scanEvents(rows *sql.Rows) ([]adapters.StoredEvent, error) {
	events := make([]adapters.StoredEvent, 0)
	for rows.Next() {
		var event adapters.StoredEvent
		var previousID, commandID sql.NullString

		err := rows.Scan(
			&event.Sequence,
			&event.EventID,
			&event.AggregateType,
			&event.AggregateID,
			&previousID,
			&event.EventType,
			&event.SchemaVersion,
			&event.Payload,
			&commandID,
			&event.Final,
			&event.CreatedAt,
		)
		if err != nil {
			return nil, adapters.NewStorageError("scan event", err)
		}
		event.PreviousID = previousID.String
		event.CommandID = commandID.String
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, adapters.NewStorageError("iterate events", err)
	}
	return events, nil
}

// translateError maps SQLite failures onto the adapter error taxonomy.
func translateError(op string, key adapters.StreamKey, previous string, err error) error {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return adapters.NewStorageError(op, err)
	}

	switch sqliteErr.ExtendedCode {
	case sqlite3.ErrConstraintTrigger:
		return adapters.NewFinalizedError(key)
	case sqlite3.ErrConstraintUnique:
		return adapters.NewConcurrencyError(key, previous, "")
	}
	return adapters.NewStorageError(op, err)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
