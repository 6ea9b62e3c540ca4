// sort.go rebuilds the table's sort-order column as a dense 0..n-1 rank.
//
// A naive single-pass renumbering can momentarily give two live rows the
// same sort value, which breaks readers and unique indexes. The rebuild is
// therefore two-phase: every row first receives a guaranteed-disjoint
// negative placeholder -(rank*width + id), with width larger than both the
// row count and the largest id so no placeholder collides with anything,
// then every row is overwritten with its final non-negative rank. The whole
// rewrite runs inside one transaction.

package tree

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jpl-au/treedb/internal/store"
)

// RebuildSortOrder renumbers sortColumn for every row: rank order follows the
// current sort values with nulls last and id as tiebreak, so two consecutive
// rebuilds yield the same ordering. Returns the number of rows renumbered.
func (o *Ops) RebuildSortOrder(ctx context.Context, sortColumn string) (int64, error) {
	if !o.desc.HasColumn(sortColumn) {
		return 0, fmt.Errorf("%w: table has no %s column", ErrValidation, sortColumn)
	}

	sortQ := store.QuoteIdent(sortColumn)
	var renumbered int64

	err := o.db.Tx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DROP TABLE IF EXISTS temp.tmp_sort_rebuild`); err != nil {
			return fmt.Errorf("prepare sort rebuild: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`CREATE TEMP TABLE tmp_sort_rebuild (id INTEGER PRIMARY KEY, new_rank INTEGER NOT NULL)`); err != nil {
			return fmt.Errorf("prepare sort rebuild: %w", err)
		}

		rank := fmt.Sprintf(`
			INSERT INTO tmp_sort_rebuild (id, new_rank)
			SELECT
			  %[1]s,
			  ROW_NUMBER() OVER (
			    ORDER BY
			      CASE WHEN %[2]s IS NULL THEN 1 ELSE 0 END,
			      %[2]s,
			      %[1]s
			  ) - 1
			FROM %[3]s`, o.idQ(), sortQ, o.table())
		if _, err := tx.ExecContext(ctx, rank); err != nil {
			return fmt.Errorf("rank rows: %w", err)
		}

		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM tmp_sort_rebuild`).Scan(&renumbered); err != nil {
			return fmt.Errorf("count ranked rows: %w", err)
		}
		if renumbered == 0 {
			return nil
		}

		// width exceeds both the row count and the largest id, so each
		// -(rank*width + id) is distinct from every other placeholder and
		// from every final rank.
		var width int64
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(id), 0) + COUNT(*) + 1 FROM tmp_sort_rebuild`).Scan(&width); err != nil {
			return fmt.Errorf("compute placeholder width: %w", err)
		}

		placeholder := fmt.Sprintf(`
			UPDATE %[1]s
			SET %[2]s = -(
			  (SELECT new_rank FROM tmp_sort_rebuild WHERE tmp_sort_rebuild.id = %[1]s.%[3]s) * ? + %[1]s.%[3]s
			)
			WHERE %[3]s IN (SELECT id FROM tmp_sort_rebuild)`, o.table(), sortQ, o.idQ())
		if _, err := tx.ExecContext(ctx, placeholder, width); err != nil {
			return fmt.Errorf("write placeholder sort values: %w", err)
		}

		final := fmt.Sprintf(`
			UPDATE %[1]s
			SET %[2]s = (SELECT new_rank FROM tmp_sort_rebuild WHERE tmp_sort_rebuild.id = %[1]s.%[3]s)
			WHERE %[3]s IN (SELECT id FROM tmp_sort_rebuild)`, o.table(), sortQ, o.idQ())
		if _, err := tx.ExecContext(ctx, final); err != nil {
			return fmt.Errorf("write final sort values: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `DROP TABLE IF EXISTS temp.tmp_sort_rebuild`); err != nil {
			return fmt.Errorf("finish sort rebuild: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return renumbered, nil
}
