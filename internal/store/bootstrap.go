// bootstrap.go creates the bound table when a session opts into auto-bootstrap.
//
// Separated from store.go because bootstrap is the only place that writes DDL.
// The sample rows give a first-time user something to edit immediately; they
// are only inserted when the table is empty, so re-binding to an existing
// table never touches its data.

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Bootstrap creates `table` if it does not exist, using `idCol` as an
// auto-incrementing primary key and `parentCol` as a nullable self-reference.
// When the table ends up empty a small sample hierarchy is seeded.
func (d *DB) Bootstrap(ctx context.Context, table, idCol, parentCol string) error {
	tableQ := QuoteIdent(table)
	idQ := QuoteIdent(idCol)
	parentQ := QuoteIdent(parentCol)

	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
		  %s INTEGER PRIMARY KEY AUTOINCREMENT,
		  %s INTEGER REFERENCES %s(%s) ON DELETE SET NULL,
		  name TEXT,
		  manager TEXT,
		  budget REAL
		)`, tableQ, idQ, parentQ, tableQ, idQ)
	if _, err := d.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("bootstrap table %s: %w", table, err)
	}

	var count int64
	row := d.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, tableQ))
	if err := row.Scan(&count); err != nil {
		return fmt.Errorf("bootstrap count %s: %w", table, err)
	}
	if count > 0 {
		return nil
	}

	seed := []struct {
		parent  any
		name    string
		manager string
		budget  float64
	}{
		{nil, "Headquarters", "Alice", 3_000_000},
		{int64(1), "Finance", "Bob", 800_000},
		{int64(1), "Engineering", "Carol", 1_200_000},
		{int64(3), "Backend", "David", 450_000},
		{int64(3), "Frontend", "Eve", 420_000},
	}
	insert := fmt.Sprintf(`INSERT INTO %s (%s, name, manager, budget) VALUES (?, ?, ?, ?)`,
		tableQ, parentQ)
	for _, r := range seed {
		if _, err := d.db.ExecContext(ctx, insert, r.parent, r.name, r.manager, r.budget); err != nil {
			return fmt.Errorf("bootstrap seed %s: %w", table, err)
		}
	}
	return nil
}

// TableExists reports whether a table with the given name exists.
func (d *DB) TableExists(ctx context.Context, table string) (bool, error) {
	var name string
	err := d.db.QueryRowContext(ctx,
		`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("check table %s: %w", table, err)
	}
	return true, nil
}
