// move.go implements cycle-safe reparenting.
//
// The check walks the prospective parent's ancestor chain before any write:
// if the moved node appears there the move would create a cycle, and if the
// walk revisits an id the tree is already corrupt. Either way the move is
// rejected with no partial mutation.

package tree

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Move reparents nodeID under newParent. A nil newParent moves the node to
// the root level. Fails with ErrValidation when the move would create a
// cycle, ErrNotFound when the node does not exist.
func (o *Ops) Move(ctx context.Context, nodeID int64, newParent *int64) error {
	if newParent != nil {
		if err := o.checkCycle(ctx, nodeID, *newParent); err != nil {
			return err
		}
	}

	var parentValue any
	if newParent != nil {
		parentValue = *newParent
	}
	res, err := o.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET %s = ? WHERE %s = ?`, o.table(), o.parentQ(), o.idQ()),
		parentValue, nodeID)
	if err != nil {
		return fmt.Errorf("move node %d: %w", nodeID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("move node %d: %w", nodeID, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// checkCycle walks the ancestors of parentID. Seeing nodeID means the move
// closes a loop; revisiting any id means the chain is already looped. A
// missing ancestor row terminates the walk - dangling references are the
// storage layer's problem to report.
func (o *Ops) checkCycle(ctx context.Context, nodeID, parentID int64) error {
	if nodeID == parentID {
		return fmt.Errorf("%w: cannot move a node under itself", ErrValidation)
	}

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE %s = ?`, o.parentQ(), o.table(), o.idQ())
	seen := map[int64]struct{}{nodeID: {}}
	current := parentID
	for {
		if current == nodeID {
			return fmt.Errorf("%w: move would create a cycle", ErrValidation)
		}
		if _, ok := seen[current]; ok {
			return fmt.Errorf("%w: parent chain already contains a cycle", ErrValidation)
		}
		seen[current] = struct{}{}

		var parent any
		err := o.db.QueryRowContext(ctx, query, current).Scan(&parent)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("walk ancestors of %d: %w", parentID, err)
		}
		next, ok := toInt64(parent)
		if !ok {
			return nil // null or non-numeric parent terminates the walk
		}
		current = next
	}
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), n == float64(int64(n))
	case string:
		return parseIntegral(n)
	case []byte:
		return parseIntegral(string(n))
	default:
		return 0, false
	}
}

// parseIntegral accepts numeric strings that carry a whole value ("5", "5.0").
// Identifiers arrive as text from exported rows and from tables that declare
// their key columns loosely.
func parseIntegral(s string) (int64, bool) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || f != float64(int64(f)) {
		return 0, false
	}
	return int64(f), true
}
