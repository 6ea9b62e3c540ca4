// delete.go implements cascading deletion for stores that do not cascade on
// their own.
//
// The full descendant closure is computed with a recursive CTE, each member
// tagged with its depth from the deleted node. Deleting strictly leaves-first
// (decreasing depth) means no delete ever leaves an undeleted descendant
// pointing at an already-deleted ancestor.

package tree

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
)

// CascadeDelete removes nodeID and all of its transitive descendants inside
// one transaction. Returns how many rows were deleted, or ErrNotFound when
// the node does not exist.
func (o *Ops) CascadeDelete(ctx context.Context, nodeID int64) (int64, error) {
	closure, err := o.descendants(ctx, nodeID)
	if err != nil {
		return 0, err
	}
	if len(closure) == 0 {
		return 0, ErrNotFound
	}

	// Leaves first.
	sort.Slice(closure, func(i, j int) bool { return closure[i].depth > closure[j].depth })

	deleteSQL := fmt.Sprintf(`DELETE FROM %s WHERE %s = ?`, o.table(), o.idQ())
	err = o.db.Tx(ctx, func(tx *sql.Tx) error {
		for _, member := range closure {
			if _, err := tx.ExecContext(ctx, deleteSQL, member.id); err != nil {
				return fmt.Errorf("delete node %d: %w", member.id, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int64(len(closure)), nil
}

type closureMember struct {
	id    int64
	depth int64
}

// descendants returns nodeID plus its transitive children, each with its
// depth from nodeID.
func (o *Ops) descendants(ctx context.Context, nodeID int64) ([]closureMember, error) {
	query := fmt.Sprintf(`
		WITH RECURSIVE subtree(id, depth) AS (
		  SELECT %[1]s, 0 FROM %[2]s WHERE %[1]s = ?
		  UNION ALL
		  SELECT t.%[1]s, depth + 1
		  FROM %[2]s AS t
		  JOIN subtree s ON t.%[3]s = s.id
		)
		SELECT id, depth FROM subtree`,
		o.idQ(), o.table(), o.parentQ())

	rows, err := o.db.QueryContext(ctx, query, nodeID)
	if err != nil {
		return nil, fmt.Errorf("collect descendants of %d: %w", nodeID, err)
	}
	defer rows.Close()

	var closure []closureMember
	for rows.Next() {
		var m closureMember
		if err := rows.Scan(&m.id, &m.depth); err != nil {
			return nil, fmt.Errorf("scan descendant of %d: %w", nodeID, err)
		}
		closure = append(closure, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("collect descendants of %d: %w", nodeID, err)
	}
	return closure, nil
}
