// Package tree implements the structural operations on a bound table's
// parent/child hierarchy: row CRUD, cycle-safe moves, cascading deletes and
// dense sort-order rebuilds.
//
// The table's shape is only known through the schema descriptor, so every
// statement is assembled from quoted runtime identifiers; values always go
// through placeholders. Mutations that touch multiple rows run inside one
// transaction so a mid-operation failure leaves the tree untouched.
package tree

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jpl-au/treedb/internal/coerce"
	"github.com/jpl-au/treedb/internal/schema"
	"github.com/jpl-au/treedb/internal/store"
)

var (
	// ErrValidation indicates a request that must not reach the database:
	// a cyclic move, an empty payload, a missing required field.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound indicates the referenced node does not exist.
	ErrNotFound = errors.New("node not found")
)

// Row is one table row keyed by column name, values as the driver returned
// them (with byte slices normalized to strings for JSON friendliness).
type Row = map[string]any

// Ops performs tree operations on one bound table through one connection.
// Build a fresh Ops per request from the session's execution context.
type Ops struct {
	db           *store.DB
	desc         *schema.Descriptor
	idColumn     string
	parentColumn string
	coercer      coerce.Coercer
}

// New returns an Ops bound to the given connection and descriptor.
func New(db *store.DB, desc *schema.Descriptor, idColumn, parentColumn string) *Ops {
	return &Ops{
		db:           db,
		desc:         desc,
		idColumn:     idColumn,
		parentColumn: parentColumn,
		coercer:      coerce.New(desc, parentColumn),
	}
}

func (o *Ops) table() string   { return store.QuoteIdent(o.desc.Table) }
func (o *Ops) idQ() string     { return store.QuoteIdent(o.idColumn) }
func (o *Ops) parentQ() string { return store.QuoteIdent(o.parentColumn) }

// List returns every row ordered by id.
func (o *Ops) List(ctx context.Context) ([]Row, error) {
	rows, err := o.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT * FROM %s ORDER BY %s`, o.table(), o.idQ()))
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()
	return scanRows(rows)
}

// Get returns the row with the given id.
func (o *Ops) Get(ctx context.Context, id int64) (Row, error) {
	rows, err := o.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT * FROM %s WHERE %s = ?`, o.table(), o.idQ()), id)
	if err != nil {
		return nil, fmt.Errorf("get node %d: %w", id, err)
	}
	defer rows.Close()
	result, err := scanRows(rows)
	if err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return nil, ErrNotFound
	}
	return result[0], nil
}

// Insert creates a row from the payload and returns it as stored. Unknown
// columns are dropped; the id column is never writable on insert.
func (o *Ops) Insert(ctx context.Context, payload Row) (Row, error) {
	columns, values := o.sanitize(payload)
	if len(columns) == 0 {
		return nil, fmt.Errorf("%w: no insertable columns", ErrValidation)
	}

	columnSQL := ""
	placeholders := ""
	for i, col := range columns {
		if i > 0 {
			columnSQL += ", "
			placeholders += ", "
		}
		columnSQL += store.QuoteIdent(col)
		placeholders += "?"
	}

	res, err := o.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`, o.table(), columnSQL, placeholders),
		values...)
	if err != nil {
		return nil, fmt.Errorf("insert node: %w", err)
	}
	newID, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("insert node: %w", err)
	}
	return o.Get(ctx, newID)
}

// Update applies the payload to an existing row and returns it as stored.
func (o *Ops) Update(ctx context.Context, id int64, payload Row) (Row, error) {
	columns, values := o.sanitize(payload)
	if len(columns) == 0 {
		return nil, fmt.Errorf("%w: no updatable columns", ErrValidation)
	}

	assignments := ""
	for i, col := range columns {
		if i > 0 {
			assignments += ", "
		}
		assignments += store.QuoteIdent(col) + " = ?"
	}
	values = append(values, id)

	res, err := o.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET %s WHERE %s = ?`, o.table(), assignments, o.idQ()),
		values...)
	if err != nil {
		return nil, fmt.Errorf("update node %d: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("update node %d: %w", id, err)
	}
	if affected == 0 {
		return nil, ErrNotFound
	}
	return o.Get(ctx, id)
}

// sanitize keeps only known, non-id columns and coerces the values for their
// column types. Column order follows the descriptor so statements are stable.
func (o *Ops) sanitize(payload Row) ([]string, []any) {
	var columns []string
	var values []any
	for _, col := range o.desc.Columns {
		if col.Name == o.idColumn {
			continue
		}
		value, ok := payload[col.Name]
		if !ok {
			continue
		}
		columns = append(columns, col.Name)
		values = append(values, o.coercer.Coerce(col.Name, value))
	}
	return columns, values
}

// scanRows converts a result set into Rows, preserving whatever value types
// the driver produced. Byte slices become strings.
func scanRows(rows *sql.Rows) ([]Row, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("read result columns: %w", err)
	}

	result := []Row{}
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		row := make(Row, len(columns))
		for i, col := range columns {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan rows: %w", err)
	}
	return result, nil
}
