// Package testutil provides helpers for stoat tests: a scriptable adapter,
// a recording testing.TB, and connections to integration infrastructure.
package testutil

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/juju/clock"
	"github.com/juju/retry"
)

// Environment variables naming integration infrastructure.
const (
	EnvDatabaseURL  = "TEST_DATABASE_URL"
	EnvNATSURL      = "TEST_NATS_URL"
	EnvKafkaBrokers = "TEST_KAFKA_BROKERS"
)

// RequireEnv skips the test in short mode or when the variable is unset,
// and returns its value otherwise.
func RequireEnv(t testing.TB, name string) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	v := os.Getenv(name)
	if v == "" {
		t.Skipf("%s not set", name)
	}
	return v
}

// PostgresDB opens a database and waits until it answers a ping.
func PostgresDB(ctx context.Context, connStr string) (*sql.DB, error) {
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return nil, fmt.Errorf("stoat/testutil: open postgres: %w", err)
	}

	err = retry.Call(retry.CallArgs{
		Func: func() error {
			pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			return db.PingContext(pingCtx)
		},
		Attempts: 30,
		Delay:    time.Second,
		Clock:    clock.WallClock,
		Stop:     ctx.Done(),
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("stoat/testutil: postgres not ready: %w", retry.LastError(err))
	}
	return db, nil
}

// MustPostgresDB returns a database connection or panics.
func MustPostgresDB(ctx context.Context, connStr string) *sql.DB {
	db, err := PostgresDB(ctx, connStr)
	if err != nil {
		panic(err)
	}
	return db
}

// CleanupSchema drops a schema and all its objects.
func CleanupSchema(ctx context.Context, db *sql.DB, schema string) error {
	_, err := db.ExecContext(ctx, fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", schema))
	return err
}

// UniqueSchema generates a unique schema name for testing.
func UniqueSchema(prefix string) string {
	return fmt.Sprintf("%s_%d", prefix, time.Now().UnixNano())
}

// SQLitePath returns a database file in a per-test temporary directory.
func SQLitePath(t testing.TB) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "stoat.db")
}
