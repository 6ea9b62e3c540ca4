// Package schema introspects the runtime-discovered shape of a bound table.
//
// Nothing about the table is known at compile time: columns, types, unique
// indexes and foreign keys are read from SQLite's PRAGMA surface and captured
// in a Descriptor. Consumers (value coercion, tree operations, the HTTP
// layer) work off the Descriptor instead of issuing their own introspection
// queries, so the live schema is consulted in exactly one place.
//
// A Descriptor belongs to the session that produced it and is rebuilt when
// the session rebinds or when a caller asks for a refresh.
package schema

import (
	"context"
	"fmt"
	"strings"

	"github.com/jpl-au/treedb/internal/store"
)

// Column describes one column of the bound table.
type Column struct {
	Name         string     `json:"name"`
	DeclaredType string     `json:"type"` // uppercased declared type, e.g. "INTEGER"
	NotNull      bool       `json:"notnull"`
	DefaultValue any        `json:"default_value"`
	PrimaryKey   bool       `json:"primary_key"`
	Unique       bool       `json:"unique"`        // single-column unique index (primary key excluded)
	UniqueGroups [][]string `json:"unique_groups"` // composite unique indexes this column participates in
}

// ForeignKey describes one outgoing foreign key of the bound table.
type ForeignKey struct {
	Column        string   `json:"-"`              // source column on the bound table
	RefTable      string   `json:"table"`          // target table
	RefColumn     string   `json:"ref_column"`     // target column
	LabelColumns  []string `json:"label_columns"`  // display priority, ref column last
	LabelColumn   string   `json:"label_column"`   // first entry of LabelColumns
	PrimaryColumn string   `json:"primary_column"` // target table's primary key
}

// Descriptor is the cached, runtime-discovered description of one table.
type Descriptor struct {
	Table       string
	Columns     []Column              // declaration order
	ForeignKeys map[string]ForeignKey // keyed by source column
}

// Column returns the descriptor for a named column, if present.
func (d *Descriptor) Column(name string) (Column, bool) {
	for _, c := range d.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// HasColumn reports whether the table has a column with the given name.
func (d *Descriptor) HasColumn(name string) bool {
	_, ok := d.Column(name)
	return ok
}

// PrimaryKey returns the name of the table's primary key column, or "" when
// the table has none (SQLite then falls back to rowid).
func (d *Descriptor) PrimaryKey() string {
	for _, c := range d.Columns {
		if c.PrimaryKey {
			return c.Name
		}
	}
	return ""
}

// Refresh introspects `table` on the given connection and returns a fresh
// Descriptor reflecting the live schema.
func Refresh(ctx context.Context, db *store.DB, table string) (*Descriptor, error) {
	uniqueSingle, uniqueGroups, err := collectUniqueInfo(ctx, db, table)
	if err != nil {
		return nil, err
	}

	cols, err := tableColumns(ctx, db, table)
	if err != nil {
		return nil, err
	}

	d := &Descriptor{
		Table:       table,
		ForeignKeys: map[string]ForeignKey{},
	}
	for _, c := range cols {
		col := Column{
			Name:         c.name,
			DeclaredType: strings.ToUpper(c.declaredType),
			NotNull:      c.notNull,
			DefaultValue: c.defaultValue,
			PrimaryKey:   c.primaryKey,
		}
		if !col.PrimaryKey {
			col.Unique = uniqueSingle[col.Name]
		}
		col.UniqueGroups = uniqueGroups[col.Name]
		d.Columns = append(d.Columns, col)
	}

	if err := refreshForeignKeys(ctx, db, d); err != nil {
		return nil, err
	}
	return d, nil
}

// pragmaColumn mirrors one PRAGMA table_info row.
type pragmaColumn struct {
	name         string
	declaredType string
	notNull      bool
	defaultValue any
	primaryKey   bool
}

func tableColumns(ctx context.Context, db *store.DB, table string) ([]pragmaColumn, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s)`, store.QuoteIdent(table)))
	if err != nil {
		return nil, fmt.Errorf("read columns of %s: %w", table, err)
	}
	defer rows.Close()

	var cols []pragmaColumn
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
			return nil, fmt.Errorf("scan column of %s: %w", table, err)
		}
		cols = append(cols, pragmaColumn{
			name:         name,
			declaredType: ctype,
			notNull:      notnull != 0,
			defaultValue: dflt,
			primaryKey:   pk != 0,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read columns of %s: %w", table, err)
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("read columns of %s: table does not exist", table)
	}
	return cols, nil
}

// collectUniqueInfo reads the table's unique indexes, separating single-column
// uniqueness from composite groups. Primary key indexes are skipped; the
// primary key flag already covers them.
func collectUniqueInfo(ctx context.Context, db *store.DB, table string) (map[string]bool, map[string][][]string, error) {
	single := map[string]bool{}
	groups := map[string][][]string{}

	rows, err := db.QueryContext(ctx, fmt.Sprintf(`PRAGMA index_list(%s)`, store.QuoteIdent(table)))
	if err != nil {
		// Tables without indexes simply yield no rows; a failing PRAGMA means
		// the table itself is missing, which tableColumns reports better.
		return single, groups, nil
	}
	defer rows.Close()

	type idx struct{ name string }
	var uniqueIndexes []idx
	for rows.Next() {
		var (
			seq     int
			name    string
			unique  int
			origin  string
			partial int
		)
		if err := rows.Scan(&seq, &name, &unique, &origin, &partial); err != nil {
			return nil, nil, fmt.Errorf("scan index of %s: %w", table, err)
		}
		if unique == 0 || origin == "pk" || name == "" {
			continue
		}
		uniqueIndexes = append(uniqueIndexes, idx{name: name})
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("read indexes of %s: %w", table, err)
	}

	for _, ix := range uniqueIndexes {
		cols, err := indexColumns(ctx, db, ix.name)
		if err != nil {
			return nil, nil, err
		}
		switch len(cols) {
		case 0:
			// expression index, nothing to attribute
		case 1:
			single[cols[0]] = true
		default:
			for _, col := range cols {
				if !containsGroup(groups[col], cols) {
					groups[col] = append(groups[col], cols)
				}
			}
		}
	}
	return single, groups, nil
}

func indexColumns(ctx context.Context, db *store.DB, index string) ([]string, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`PRAGMA index_info(%s)`, store.QuoteIdent(index)))
	if err != nil {
		return nil, fmt.Errorf("read index %s: %w", index, err)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var (
			seqno int
			cid   int
			name  any // NULL for expression index members
		)
		if err := rows.Scan(&seqno, &cid, &name); err != nil {
			return nil, fmt.Errorf("scan index %s: %w", index, err)
		}
		if s, ok := name.(string); ok && s != "" {
			cols = append(cols, s)
		}
	}
	return cols, rows.Err()
}

func containsGroup(groups [][]string, group []string) bool {
	for _, g := range groups {
		if len(g) != len(group) {
			continue
		}
		same := true
		for i := range g {
			if g[i] != group[i] {
				same = false
				break
			}
		}
		if same {
			return true
		}
	}
	return false
}

// refreshForeignKeys reads the table's outgoing foreign keys and computes a
// label column priority list for each target table.
func refreshForeignKeys(ctx context.Context, db *store.DB, d *Descriptor) error {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`PRAGMA foreign_key_list(%s)`, store.QuoteIdent(d.Table)))
	if err != nil {
		return fmt.Errorf("read foreign keys of %s: %w", d.Table, err)
	}

	type fkRow struct {
		from, table, to string
	}
	var fks []fkRow
	for rows.Next() {
		var (
			id, seq            int
			table              string
			from, to           any // `to` is NULL when the FK references an implicit primary key
			onUpdate, onDelete string
			match              string
		)
		if err := rows.Scan(&id, &seq, &table, &from, &to, &onUpdate, &onDelete, &match); err != nil {
			rows.Close()
			return fmt.Errorf("scan foreign key of %s: %w", d.Table, err)
		}
		fromCol, _ := from.(string)
		toCol, _ := to.(string)
		if fromCol == "" || table == "" || toCol == "" {
			continue
		}
		fks = append(fks, fkRow{from: fromCol, table: table, to: toCol})
	}
	closeErr := rows.Err()
	rows.Close()
	if closeErr != nil {
		return fmt.Errorf("read foreign keys of %s: %w", d.Table, closeErr)
	}

	for _, fk := range fks {
		candidates, primary, err := rankLabelColumns(ctx, db, fk.table, fk.to)
		if err != nil {
			return err
		}
		labels := dedupe(append(candidates, fk.to))
		d.ForeignKeys[fk.from] = ForeignKey{
			Column:        fk.from,
			RefTable:      fk.table,
			RefColumn:     fk.to,
			LabelColumns:  labels,
			LabelColumn:   labels[0],
			PrimaryColumn: primary,
		}
	}
	return nil
}

func dedupe(columns []string) []string {
	seen := make(map[string]struct{}, len(columns))
	ordered := make([]string, 0, len(columns))
	for _, c := range columns {
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		ordered = append(ordered, c)
	}
	return ordered
}
