// labels.go ranks the columns of a foreign key's target table for use as
// display labels.
//
// Target tables have arbitrary, unknown shapes, so the picker label has to
// degrade gracefully: descriptive columns first, bookkeeping columns last,
// the raw key as guaranteed fallback. The token lists encode the common
// naming conventions; anything unmatched sits in the middle by type.

package schema

import (
	"context"
	"fmt"
	"strings"

	"github.com/jpl-au/treedb/internal/store"
)

// Column names containing one of these tokens make good human-readable labels.
var positiveTokens = []string{"name", "title", "label", "description", "text", "display"}

// Column names containing one of these tokens are bookkeeping values that make
// poor labels, even when textual.
var negativeTokens = []string{"order", "sort", "rank", "index", "sequence", "status", "code", "id", "position", "flag"}

// rankLabelColumns orders the candidate label columns of `table`, best first,
// and returns the table's primary key column (falling back to refColumn when
// the table has none). The refColumn itself is excluded from the candidates;
// callers append it as the final fallback.
func rankLabelColumns(ctx context.Context, db *store.DB, table, refColumn string) ([]string, string, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s)`, store.QuoteIdent(table)))
	if err != nil {
		return nil, refColumn, fmt.Errorf("read columns of %s: %w", table, err)
	}
	defer rows.Close()

	var (
		preferred     []string
		neutralText   []string
		others        []string
		deprioritized []string
	)
	primary := refColumn

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
			return nil, refColumn, fmt.Errorf("scan column of %s: %w", table, err)
		}
		if pk != 0 {
			primary = name
		}
		if name == refColumn {
			continue
		}

		lowered := strings.ToLower(name)
		switch {
		case containsAny(lowered, positiveTokens):
			preferred = append(preferred, name)
		case containsAny(lowered, negativeTokens):
			deprioritized = append(deprioritized, name)
		case isTextualType(ctype):
			neutralText = append(neutralText, name)
		default:
			others = append(others, name)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, refColumn, fmt.Errorf("read columns of %s: %w", table, err)
	}

	ranked := make([]string, 0, len(preferred)+len(neutralText)+len(others)+len(deprioritized)+1)
	ranked = append(ranked, preferred...)
	ranked = append(ranked, neutralText...)
	ranked = append(ranked, others...)
	ranked = append(ranked, deprioritized...)
	ranked = append(ranked, primary)
	return dedupe(ranked), primary, nil
}

func containsAny(s string, tokens []string) bool {
	for _, token := range tokens {
		if strings.Contains(s, token) {
			return true
		}
	}
	return false
}

// isTextualType treats untyped columns as textual: SQLite gives them TEXT
// affinity-like behaviour for most values users store there.
func isTextualType(declared string) bool {
	t := strings.ToUpper(declared)
	if t == "" {
		return true
	}
	for _, token := range []string{"CHAR", "TEXT", "CLOB"} {
		if strings.Contains(t, token) {
			return true
		}
	}
	return false
}
