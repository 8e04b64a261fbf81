// Package postgres provides a PostgreSQL implementation of the event store adapter.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/AshkanYarmoradi/go-stoat/adapters"
)

// SQLSTATE codes the adapter interprets.
const (
	codeUniqueViolation      = "23505"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeStreamFinalized      = "SF001"
)

// Ensure PostgresAdapter implements required interfaces.
var (
	_ adapters.EventStoreAdapter = (*PostgresAdapter)(nil)
	_ adapters.HealthChecker     = (*PostgresAdapter)(nil)
	_ adapters.StatsProvider     = (*PostgresAdapter)(nil)
)

// PostgresAdapter is a PostgreSQL implementation of EventStoreAdapter.
// Appends run in SERIALIZABLE transactions; chain integrity is additionally
// guarded by unique indexes and finality by a BEFORE INSERT trigger.
type PostgresAdapter struct {
	db     *sql.DB
	schema string
	closed atomic.Bool
}

// Option configures a PostgresAdapter.
type Option func(*PostgresAdapter)

// WithSchema sets the database schema name.
func WithSchema(schema string) Option {
	return func(a *PostgresAdapter) {
		a.schema = schema
	}
}

// WithMaxConnections sets the maximum number of open connections.
func WithMaxConnections(n int) Option {
	return func(a *PostgresAdapter) {
		a.db.SetMaxOpenConns(n)
	}
}

// WithMaxIdleConnections sets the maximum number of idle connections.
func WithMaxIdleConnections(n int) Option {
	return func(a *PostgresAdapter) {
		a.db.SetMaxIdleConns(n)
	}
}

// WithConnectionMaxLifetime sets the maximum connection lifetime.
func WithConnectionMaxLifetime(d time.Duration) Option {
	return func(a *PostgresAdapter) {
		a.db.SetConnMaxLifetime(d)
	}
}

// NewAdapter creates a new PostgreSQL event store adapter.
func NewAdapter(connStr string, opts ...Option) (*PostgresAdapter, error) {
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return nil, fmt.Errorf("stoat/postgres: failed to open database: %w", err)
	}
	return NewAdapterWithDB(db, opts...), nil
}

// NewAdapterWithDB creates a new adapter with an existing database connection.
func NewAdapterWithDB(db *sql.DB, opts ...Option) *PostgresAdapter {
	adapter := &PostgresAdapter{
		db:     db,
		schema: "stoat",
	}

	for _, opt := range opts {
		opt(adapter)
	}

	return adapter
}

// Initialize creates the required database schema and tables.
func (a *PostgresAdapter) Initialize(ctx context.Context) error {
	return a.Migrate(ctx)
}

// Migrate runs database migrations. It is safe to run repeatedly.
func (a *PostgresAdapter) Migrate(ctx context.Context) error {
	statements := []struct {
		what string
		sql  string
	}{
		{"schema", fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, a.schema)},
		{"events table", fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s.events (
			sequence        BIGSERIAL PRIMARY KEY,
			event_id        VARCHAR(100) NOT NULL,
			aggregate_type  VARCHAR(250) NOT NULL,
			aggregate_id    VARCHAR(250) NOT NULL,
			previous_id     VARCHAR(100),
			event_type      VARCHAR(250) NOT NULL,
			schema_version  INTEGER NOT NULL DEFAULT 1,
			payload         BYTEA NOT NULL,
			command_id      VARCHAR(100),
			final           BOOLEAN NOT NULL DEFAULT FALSE,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT events_stream_event_uniq UNIQUE (aggregate_type, aggregate_id, event_id),
			CONSTRAINT events_stream_previous_uniq UNIQUE (aggregate_type, aggregate_id, previous_id)
		)`, a.schema)},
		{"first event index", fmt.Sprintf(`
		CREATE UNIQUE INDEX IF NOT EXISTS events_stream_first_uniq
		ON %s.events (aggregate_type, aggregate_id) WHERE previous_id IS NULL`, a.schema)},
		{"stream index", fmt.Sprintf(`
		CREATE INDEX IF NOT EXISTS idx_events_stream ON %s.events (aggregate_type, aggregate_id, sequence)`, a.schema)},
		{"finality function", fmt.Sprintf(`
		CREATE OR REPLACE FUNCTION %[1]s.reject_finalized_append() RETURNS trigger AS $$
		BEGIN
			IF EXISTS (
				SELECT 1 FROM %[1]s.events
				WHERE aggregate_type = NEW.aggregate_type
				  AND aggregate_id = NEW.aggregate_id
				  AND final
			) THEN
				RAISE EXCEPTION 'stream %%/%% is finalized', NEW.aggregate_type, NEW.aggregate_id
					USING ERRCODE = '%[2]s';
			END IF;
			RETURN NEW;
		END
		$$ LANGUAGE plpgsql`, a.schema, codeStreamFinalized)},
		{"finality trigger cleanup", fmt.Sprintf(`DROP TRIGGER IF EXISTS events_reject_finalized ON %s.events`, a.schema)},
		{"finality trigger", fmt.Sprintf(`
		CREATE TRIGGER events_reject_finalized
		BEFORE INSERT ON %[1]s.events
		FOR EACH ROW EXECUTE FUNCTION %[1]s.reject_finalized_append()`, a.schema)},
	}

	for _, stmt := range statements {
		if _, err := a.db.ExecContext(ctx, stmt.sql); err != nil {
			return fmt.Errorf("stoat/postgres: failed to create %s: %w", stmt.what, err)
		}
	}
	return nil
}

// MigrationVersion returns the schema version present in the database,
// zero if the events table does not exist yet.
func (a *PostgresAdapter) MigrationVersion(ctx context.Context) (int, error) {
	var exists bool
	err := a.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT FROM information_schema.tables
			WHERE table_schema = $1 AND table_name = 'events'
		)`, a.schema).Scan(&exists)
	if err != nil {
		return 0, fmt.Errorf("stoat/postgres: failed to read migration version: %w", err)
	}

	if exists {
		return adapters.SchemaVersion, nil
	}
	return 0, nil
}

// Append stores records in one SERIALIZABLE transaction.
func (a *PostgresAdapter) Append(ctx context.Context, records []adapters.EventRecord, expect ...adapters.Expectation) ([]adapters.StoredEvent, error) {
	if a.closed.Load() {
		return nil, adapters.ErrAdapterClosed
	}
	if err := adapters.ValidateRecords(records); err != nil {
		return nil, err
	}

	tx, err := a.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
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

		schemaVersion := r.SchemaVersion
		if schemaVersion == 0 {
			schemaVersion = adapters.SchemaVersion
		}
		createdAt := r.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now()
		}

		var sequence int64
		err = tx.QueryRowContext(ctx, fmt.Sprintf(`
			INSERT INTO %s.events
				(event_id, aggregate_type, aggregate_id, previous_id, event_type,
				 schema_version, payload, command_id, final, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			RETURNING sequence`, a.schema),
			r.EventID, r.AggregateType, r.AggregateID, nullString(previous), r.EventType,
			schemaVersion, r.Payload, nullString(r.CommandID), r.Final, createdAt,
		).Scan(&sequence)
		if err != nil {
			return nil, translateError("insert event", key, previous, err)
		}

		r.CreatedAt = createdAt
		stored[i] = adapters.Stored(r, sequence, previous)
	}

	if err := tx.Commit(); err != nil {
		return nil, translateError("commit", records[0].Key(), "", err)
	}

	return stored, nil
}

func (a *PostgresAdapter) readHead(ctx context.Context, tx *sql.Tx, key adapters.StreamKey) (adapters.StreamHead, error) {
	var head adapters.StreamHead
	err := tx.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT event_id, final FROM %s.events
		WHERE aggregate_type = $1 AND aggregate_id = $2
		ORDER BY sequence DESC
		LIMIT 1`, a.schema), key.AggregateType, key.AggregateID).Scan(&head.LatestID, &head.Final)

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
func (a *PostgresAdapter) Load(ctx context.Context, key adapters.StreamKey) ([]adapters.StoredEvent, error) {
	if a.closed.Load() {
		return nil, adapters.ErrAdapterClosed
	}
	if err := key.Validate(); err != nil {
		return nil, err
	}

	rows, err := a.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM %s.events
		WHERE aggregate_type = $1 AND aggregate_id = $2
		ORDER BY sequence`, eventColumns, a.schema), key.AggregateType, key.AggregateID)
	if err != nil {
		return nil, adapters.NewStorageError("load stream", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// LatestEventID returns the id of the last event of a stream.
func (a *PostgresAdapter) LatestEventID(ctx context.Context, key adapters.StreamKey) (string, bool, error) {
	if a.closed.Load() {
		return "", false, adapters.ErrAdapterClosed
	}
	if err := key.Validate(); err != nil {
		return "", false, err
	}

	var id string
	err := a.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT event_id FROM %s.events
		WHERE aggregate_type = $1 AND aggregate_id = $2
		ORDER BY sequence DESC
		LIMIT 1`, a.schema), key.AggregateType, key.AggregateID).Scan(&id)

	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, adapters.NewStorageError("latest event id", err)
	}
	return id, true, nil
}

// LoadAll returns every event in sequence order.
func (a *PostgresAdapter) LoadAll(ctx context.Context) ([]adapters.StoredEvent, error) {
	return a.LoadSince(ctx, 0)
}

// LoadSince returns events with a sequence greater than the given one.
func (a *PostgresAdapter) LoadSince(ctx context.Context, sequence int64) ([]adapters.StoredEvent, error) {
	if a.closed.Load() {
		return nil, adapters.ErrAdapterClosed
	}

	rows, err := a.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM %s.events
		WHERE sequence > $1
		ORDER BY sequence`, eventColumns, a.schema), sequence)
	if err != nil {
		return nil, adapters.NewStorageError("load since", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// Bounds returns the first and last sequence in the store.
func (a *PostgresAdapter) Bounds(ctx context.Context) (adapters.Bounds, bool, error) {
	if a.closed.Load() {
		return adapters.Bounds{}, false, adapters.ErrAdapterClosed
	}

	var earliest, latest sql.NullInt64
	err := a.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT MIN(sequence), MAX(sequence) FROM %s.events`, a.schema)).Scan(&earliest, &latest)
	if err != nil {
		return adapters.Bounds{}, false, adapters.NewStorageError("bounds", err)
	}

	if !earliest.Valid {
		return adapters.Bounds{}, false, nil
	}
	return adapters.Bounds{Earliest: earliest.Int64, Latest: latest.Int64}, true, nil
}

// Stats summarizes the store.
func (a *PostgresAdapter) Stats(ctx context.Context) (adapters.Stats, error) {
	if a.closed.Load() {
		return adapters.Stats{}, adapters.ErrAdapterClosed
	}

	var stats adapters.Stats
	var earliest, latest sql.NullInt64
	err := a.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT COUNT(*),
		       COUNT(DISTINCT (aggregate_type, aggregate_id)),
		       COUNT(*) FILTER (WHERE final),
		       MIN(sequence), MAX(sequence)
		FROM %s.events`, a.schema)).Scan(
		&stats.Events, &stats.Streams, &stats.FinalizedStreams, &earliest, &latest,
	)
	if err != nil {
		return adapters.Stats{}, adapters.NewStorageError("stats", err)
	}
	stats.Bounds = adapters.Bounds{Earliest: earliest.Int64, Latest: latest.Int64}
	return stats, nil
}

// Close releases the database connection.
func (a *PostgresAdapter) Close() error {
	if a.closed.Swap(true) {
		return nil
	}
	return a.db.Close()
}

// Ping checks database connectivity.
func (a *PostgresAdapter) Ping(ctx context.Context) error {
	if a.closed.Load() {
		return adapters.ErrAdapterClosed
	}
	return a.db.PingContext(ctx)
}

// DB returns the underlying database connection.
func (a *PostgresAdapter) DB() *sql.DB {
	return a.db
}

// Schema returns the schema name.
func (a *PostgresAdapter) Schema() string {
	return a.schema
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

// translateError maps PostgreSQL failures onto the adapter error taxonomy.
func translateError(op string, key adapters.StreamKey, previous string, err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return adapters.NewStorageError(op, err)
	}

	switch pgErr.Code {
	case codeStreamFinalized:
		return adapters.NewFinalizedError(key)
	case codeSerializationFailure, codeDeadlockDetected:
		return adapters.NewConcurrencyError(key, previous, "")
	case codeUniqueViolation:
		switch pgErr.ConstraintName {
		case "events_stream_previous_uniq", "events_stream_first_uniq", "events_stream_event_uniq":
			return adapters.NewConcurrencyError(key, previous, "")
		}
	}
	return adapters.NewStorageError(op, err)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
