// Package store owns the durable relational connection and schema
// bootstrap shared by every repository in the module (audit, intent,
// policy, escalation, revocation). It follows the teacher's
// cmd/helm "lite mode" idiom: Postgres in production, an embedded
// modernc.org/sqlite database for local development and tests when
// DATABASE_URL is unset.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Driver identifies which SQL dialect DB is speaking, since a handful
// of queries (upsert syntax, RETURNING clauses, advisory locks) differ
// between Postgres and sqlite.
type Driver string

const (
	DriverPostgres Driver = "postgres"
	DriverSQLite   Driver = "sqlite"
)

// DB wraps a *sql.DB with the dialect it was opened against.
type DB struct {
	*sql.DB
	Driver Driver
}

// Open connects to dsn. An empty dsn opens an in-memory sqlite database,
// matching the teacher's fallback-to-lite-mode behavior in cmd/helm/main.go
// when DATABASE_URL is unset.
func Open(ctx context.Context, dsn string) (*DB, error) {
	if dsn == "" {
		return openSQLite(ctx, "file::memory:?cache=shared")
	}
	return openPostgres(ctx, dsn)
}

func openPostgres(ctx context.Context, dsn string) (*DB, error) {
	sqlDB, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		return nil, fmt.Errorf("store: ping postgres: %w", err)
	}
	return &DB{DB: sqlDB, Driver: DriverPostgres}, nil
}

func openSQLite(ctx context.Context, dsn string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	sqlDB.SetMaxOpenConns(1) // sqlite: single writer
	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("store: ping sqlite: %w", err)
	}
	return &DB{DB: sqlDB, Driver: DriverSQLite}, nil
}

// IsPostgres reports whether d is the Postgres dialect.
func (d Driver) IsPostgres() bool { return d == DriverPostgres }

// Placeholder returns the positional-parameter placeholder for position n
// (1-indexed) in the active dialect: "$1" for Postgres, "?" for sqlite.
func (db *DB) Placeholder(n int) string {
	if db.Driver == DriverPostgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// Migrate runs every CREATE TABLE IF NOT EXISTS statement needed by the
// core, idempotently, following the teacher's PostgresLedger.Init
// pattern (store/ledger/postgres_ledger.go in the source tree this was
// adapted from).
func (db *DB) Migrate(ctx context.Context) error {
	stmts := schemaFor(db.Driver)
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}
