package schema_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jpl-au/treedb/internal/schema"
	"github.com/jpl-au/treedb/internal/store"
)

// setupDB creates a temporary database with a referenced people table and a
// nodes table exercising the introspection paths: declared types, NOT NULL,
// defaults, single and composite unique indexes, and foreign keys.
func setupDB(t *testing.T) *store.DB {
	t.Helper()

	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	stmts := []string{
		`CREATE TABLE people (
			id INTEGER PRIMARY KEY,
			name TEXT,
			sort_order INTEGER,
			notes TEXT
		)`,
		`CREATE TABLE nodes (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			parent INTEGER REFERENCES nodes(id),
			title TEXT NOT NULL,
			slug TEXT UNIQUE,
			owner INTEGER REFERENCES people(id),
			region TEXT,
			era TEXT DEFAULT 'modern',
			UNIQUE(region, era)
		)`,
	}
	for _, stmt := range stmts {
		_, err := db.ExecContext(ctx, stmt)
		require.NoError(t, err)
	}
	return db
}

func TestRefresh_Columns(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()

	d, err := schema.Refresh(ctx, db, "nodes")
	require.NoError(t, err)
	assert.Equal(t, "nodes", d.Table)

	id, ok := d.Column("id")
	require.True(t, ok)
	assert.Equal(t, "INTEGER", id.DeclaredType)
	assert.True(t, id.PrimaryKey)
	assert.False(t, id.Unique, "primary key is not reported as unique")
	assert.Equal(t, "id", d.PrimaryKey())

	title, ok := d.Column("title")
	require.True(t, ok)
	assert.True(t, title.NotNull)
	assert.False(t, title.PrimaryKey)

	slug, ok := d.Column("slug")
	require.True(t, ok)
	assert.True(t, slug.Unique)

	era, ok := d.Column("era")
	require.True(t, ok)
	assert.NotNil(t, era.DefaultValue)

	assert.False(t, d.HasColumn("missing"))
}

func TestRefresh_CompositeUnique(t *testing.T) {
	db := setupDB(t)

	d, err := schema.Refresh(context.Background(), db, "nodes")
	require.NoError(t, err)

	region, ok := d.Column("region")
	require.True(t, ok)
	assert.False(t, region.Unique, "composite membership is not single-column uniqueness")
	require.Len(t, region.UniqueGroups, 1)
	assert.ElementsMatch(t, []string{"region", "era"}, region.UniqueGroups[0])
}

func TestRefresh_ForeignKeys(t *testing.T) {
	db := setupDB(t)

	d, err := schema.Refresh(context.Background(), db, "nodes")
	require.NoError(t, err)

	owner, ok := d.ForeignKeys["owner"]
	require.True(t, ok)
	assert.Equal(t, "people", owner.RefTable)
	assert.Equal(t, "id", owner.RefColumn)
	assert.Equal(t, "id", owner.PrimaryColumn)

	// Descriptive columns rank first, bookkeeping ones last before the key.
	require.NotEmpty(t, owner.LabelColumns)
	assert.Equal(t, "name", owner.LabelColumns[0])
	assert.Equal(t, "name", owner.LabelColumn)
	assert.Equal(t, "id", owner.LabelColumns[len(owner.LabelColumns)-1],
		"key column is the guaranteed fallback")
	nameIdx := indexOf(owner.LabelColumns, "name")
	sortIdx := indexOf(owner.LabelColumns, "sort_order")
	require.GreaterOrEqual(t, sortIdx, 0)
	assert.Less(t, nameIdx, sortIdx, "sort_order is deprioritized")

	// Self-referential parent key is discovered too.
	parent, ok := d.ForeignKeys["parent"]
	require.True(t, ok)
	assert.Equal(t, "nodes", parent.RefTable)
}

func TestRefresh_MissingTable(t *testing.T) {
	db := setupDB(t)

	_, err := schema.Refresh(context.Background(), db, "nope")
	assert.Error(t, err)
}

func TestFetchOptions_Labels(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()

	_, err := db.ExecContext(ctx, `INSERT INTO people (id, name) VALUES
		(1, 'Alice'), (2, ''), (3, NULL), (7, '7')`)
	require.NoError(t, err)

	d, err := schema.Refresh(ctx, db, "nodes")
	require.NoError(t, err)

	options, err := schema.FetchOptions(ctx, db, d.ForeignKeys["owner"], 0)
	require.NoError(t, err)
	require.Len(t, options, 4)

	byValue := map[int64]string{}
	for _, o := range options {
		v, ok := o.Value.(int64)
		require.True(t, ok, "values come back as integers: %T", o.Value)
		byValue[v] = o.Label
	}

	assert.Equal(t, "Alice (#1)", byValue[1])
	// Empty and NULL labels fall back to the raw key.
	assert.Equal(t, "2", byValue[2])
	assert.Equal(t, "3", byValue[3])
	// A label equal to the key is not suffixed into "7 (#7)".
	assert.Equal(t, "7", byValue[7])
}

func TestFetchOptions_Limit(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()

	for i := 1; i <= 10; i++ {
		_, err := db.ExecContext(ctx, `INSERT INTO people (id, name) VALUES (?, ?)`, i, "p")
		require.NoError(t, err)
	}

	d, err := schema.Refresh(ctx, db, "nodes")
	require.NoError(t, err)

	options, err := schema.FetchOptions(ctx, db, d.ForeignKeys["owner"], 3)
	require.NoError(t, err)
	assert.Len(t, options, 3)
}

func indexOf(s []string, v string) int {
	for i, x := range s {
		if x == v {
			return i
		}
	}
	return -1
}
