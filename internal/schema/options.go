// options.go builds the value/label option list for a foreign key picker.

package schema

import (
	"context"
	"fmt"
	"strings"

	"github.com/jpl-au/treedb/internal/store"
)

// DefaultOptionLimit caps a picker query when the caller does not choose one.
const DefaultOptionLimit = 500

// Option is one selectable foreign key value with its display label.
type Option struct {
	Value any    `json:"value"`
	Label string `json:"label"`
}

// FetchOptions queries the foreign key's target table and returns up to
// `limit` options ordered by the label column priority list. The label is the
// first non-empty ranked column value, falling back to the raw key; the final
// display form is "<text> (#<id>)" unless the text already is the id.
func FetchOptions(ctx context.Context, db *store.DB, fk ForeignKey, limit int) ([]Option, error) {
	if limit <= 0 {
		limit = DefaultOptionLimit
	}
	labelCols := fk.LabelColumns
	if len(labelCols) == 0 {
		labelCols = []string{fk.RefColumn}
	}
	primary := fk.PrimaryColumn
	if primary == "" {
		primary = fk.RefColumn
	}

	query := fmt.Sprintf(`SELECT %s, %s AS value_raw, %s AS primary_display FROM %s ORDER BY %s LIMIT ?`,
		labelExpression(labelCols, fk.RefColumn),
		store.QuoteIdent(fk.RefColumn),
		store.QuoteIdent(primary),
		store.QuoteIdent(fk.RefTable),
		orderExpression(labelCols, fk.RefColumn),
	)

	rows, err := db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch options for %s: %w", fk.Column, err)
	}
	defer rows.Close()

	options := []Option{}
	for rows.Next() {
		var label, primaryDisplay, value any
		if err := rows.Scan(&label, &value, &primaryDisplay); err != nil {
			return nil, fmt.Errorf("scan option for %s: %w", fk.Column, err)
		}
		options = append(options, Option{
			Value: normalizeValue(value),
			Label: finalLabel(label, primaryDisplay),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("fetch options for %s: %w", fk.Column, err)
	}
	return options, nil
}

// labelExpression builds a COALESCE over the trimmed, non-empty text casts of
// the ranked columns, ending in the raw key cast to text.
func labelExpression(labelCols []string, refColumn string) string {
	parts := make([]string, 0, len(labelCols)+1)
	for _, col := range labelCols {
		parts = append(parts, fmt.Sprintf(`NULLIF(TRIM(CAST(%s AS TEXT)), '')`, store.QuoteIdent(col)))
	}
	parts = append(parts, fmt.Sprintf(`CAST(%s AS TEXT)`, store.QuoteIdent(refColumn)))
	return `COALESCE(` + strings.Join(parts, ", ") + `) AS label`
}

func orderExpression(labelCols []string, refColumn string) string {
	if len(labelCols) == 0 {
		return store.QuoteIdent(refColumn)
	}
	quoted := make([]string, len(labelCols))
	for i, col := range labelCols {
		quoted[i] = store.QuoteIdent(col)
	}
	return strings.Join(quoted, ", ")
}

// finalLabel renders "<text> (#<id>)", collapsing to just the text when it
// already names the id. Guards against labels like "5 (#5)".
func finalLabel(label, id any) string {
	text := strings.TrimSpace(asText(label))
	idText := strings.TrimSpace(asText(id))
	if idText == "" {
		return text
	}
	if text == "" {
		return idText
	}
	lowerID := strings.ToLower(idText)
	lowerText := strings.ToLower(text)
	if lowerID == lowerText || lowerID == "("+lowerText+")" {
		return text
	}
	return fmt.Sprintf("%s (#%s)", text, idText)
}

func asText(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// normalizeValue makes driver byte slices JSON-friendly.
func normalizeValue(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}
