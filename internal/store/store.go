// Package store provides SQLite connection management for treedb.
//
// This is the only package that imports the SQLite driver, making it easier
// to swap implementations if needed. Every session operates on a database
// file chosen at runtime, so connections are short-lived: the engine opens
// one per request and closes it when the request completes.
//
// Design: WAL mode with busy timeout balances concurrency and durability.
// WAL allows concurrent readers during writes. The 5-second busy timeout
// prevents "database is locked" errors without waiting forever on stuck
// connections. Foreign keys are enforced per connection because SQLite
// defaults them off.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	// Register sqlite driver
	_ "modernc.org/sqlite"
)

// ErrNotFound indicates the requested row does not exist. Callers should
// check for this to distinguish missing data from other errors.
var ErrNotFound = errors.New("row not found")

// DB wraps a live connection to one SQLite database file.
type DB struct {
	db   *sql.DB
	path string
}

// Open opens the SQLite database file at `path` and returns a configured DB.
// The caller should call Close on the returned DB.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}

	// WAL mode: allows concurrent readers while writing. Trade-off: creates
	// -wal and -shm files alongside the database.
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}

	// Busy timeout: how long to wait when another connection holds a lock.
	// Most operations complete in milliseconds; 5 seconds is generous.
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Synchronous NORMAL: with WAL mode, NORMAL is safe against corruption.
	// The only risk is losing the last transaction on OS crash - acceptable
	// for an interactive editor where the user can redo the change.
	if _, err := db.Exec(`PRAGMA synchronous=NORMAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting synchronous mode: %w", err)
	}

	// Self-referencing parent columns rely on foreign key enforcement.
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	return &DB{db: db, path: path}, nil
}

// Close releases the database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// Path returns the database file path this connection was opened with.
func (d *DB) Path() string {
	return d.path
}

// SQL exposes the underlying connection for introspection queries that need
// raw access. Callers should prefer the typed helpers where one exists.
func (d *DB) SQL() *sql.DB {
	return d.db
}

// ExecContext runs a statement against the database.
func (d *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return d.db.ExecContext(ctx, query, args...)
}

// QueryContext runs a query against the database.
func (d *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return d.db.QueryContext(ctx, query, args...)
}

// QueryRowContext runs a single-row query against the database.
func (d *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return d.db.QueryRowContext(ctx, query, args...)
}

// Tx executes fn within a database transaction, handling Begin/Commit/Rollback
// automatically. If fn returns an error the transaction is rolled back,
// otherwise it is committed. Rollback is deferred to handle panics and early
// returns; it is a no-op after commit.
func (d *DB) Tx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// QuoteIdent quotes an SQL identifier so runtime-discovered table and column
// names can be interpolated safely. Values still go through placeholders.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
