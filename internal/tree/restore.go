// restore.go re-inserts previously exported rows, id included, so a client
// can undo a cascading delete it captured beforehand.

package tree

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jpl-au/treedb/internal/store"
)

// Restore writes the given rows back with INSERT OR REPLACE inside one
// transaction. Every row must carry the id column; unknown columns are
// dropped and the rest are coerced like any other write.
func (o *Ops) Restore(ctx context.Context, rows []Row) (int, error) {
	if len(rows) == 0 {
		return 0, fmt.Errorf("%w: no rows to restore", ErrValidation)
	}

	type prepared struct {
		columns []string
		values  []any
	}
	batch := make([]prepared, 0, len(rows))
	for _, row := range rows {
		rawID, ok := row[o.idColumn]
		if !ok {
			return 0, fmt.Errorf("%w: restore row is missing the %s column", ErrValidation, o.idColumn)
		}
		id, ok := toInt64(rawID)
		if !ok {
			return 0, fmt.Errorf("%w: restore row has a non-integer %s", ErrValidation, o.idColumn)
		}

		p := prepared{columns: []string{o.idColumn}, values: []any{id}}
		for _, col := range o.desc.Columns {
			if col.Name == o.idColumn {
				continue
			}
			value, ok := row[col.Name]
			if !ok {
				continue
			}
			p.columns = append(p.columns, col.Name)
			p.values = append(p.values, o.coercer.Coerce(col.Name, value))
		}
		batch = append(batch, p)
	}

	err := o.db.Tx(ctx, func(tx *sql.Tx) error {
		for _, p := range batch {
			columnSQL := ""
			placeholders := ""
			for i, col := range p.columns {
				if i > 0 {
					columnSQL += ", "
					placeholders += ", "
				}
				columnSQL += store.QuoteIdent(col)
				placeholders += "?"
			}
			stmt := fmt.Sprintf(`INSERT OR REPLACE INTO %s (%s) VALUES (%s)`,
				o.table(), columnSQL, placeholders)
			if _, err := tx.ExecContext(ctx, stmt, p.values...); err != nil {
				return fmt.Errorf("restore row: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(batch), nil
}
