// tables.go lists user tables of an arbitrary SQLite file so the UI can offer
// a table picker before a session is bound.

package store

import (
	"context"
	"fmt"
)

// TableInfo describes one user table: its name and column names in
// declaration order.
type TableInfo struct {
	Name    string   `json:"name"`
	Columns []string `json:"columns"`
}

// ListTables returns all non-internal tables with their column names.
// SQLite's own bookkeeping tables (sqlite_*) are skipped.
func (d *DB) ListTables(ctx context.Context) ([]TableInfo, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%' ORDER BY name COLLATE NOCASE`)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan table name: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}

	tables := make([]TableInfo, 0, len(names))
	for _, name := range names {
		cols, err := d.columnNames(ctx, name)
		if err != nil {
			// A table that cannot be introspected is still listed; the UI
			// shows it without columns, matching how a corrupt view behaves.
			cols = nil
		}
		tables = append(tables, TableInfo{Name: name, Columns: cols})
	}
	return tables, nil
}

func (d *DB) columnNames(ctx context.Context, table string) ([]string, error) {
	rows, err := d.db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s)`, QuoteIdent(table)))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notnull int
			dflt    any
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return nil, err
		}
		cols = append(cols, name)
	}
	return cols, rows.Err()
}
