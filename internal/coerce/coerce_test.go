package coerce_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jpl-au/treedb/internal/coerce"
	"github.com/jpl-au/treedb/internal/schema"
)

func TestFamilyOf(t *testing.T) {
	assert.Equal(t, coerce.Integer, coerce.FamilyOf("INTEGER"))
	assert.Equal(t, coerce.Integer, coerce.FamilyOf("int"))
	assert.Equal(t, coerce.Integer, coerce.FamilyOf("BIGINT UNSIGNED"))
	assert.Equal(t, coerce.Float, coerce.FamilyOf("REAL"))
	assert.Equal(t, coerce.Float, coerce.FamilyOf("DECIMAL(10,2)"))
	assert.Equal(t, coerce.Boolean, coerce.FamilyOf("BOOLEAN"))
	assert.Equal(t, coerce.Text, coerce.FamilyOf("VARCHAR(64)"))
	assert.Equal(t, coerce.Text, coerce.FamilyOf(""))
}

func TestValue_EmptyInput(t *testing.T) {
	// Empty strings and nils become NULL for numeric and key columns,
	// stay empty for text, and become 0 for booleans.
	assert.Nil(t, coerce.Value("", "INTEGER", false))
	assert.Nil(t, coerce.Value(nil, "INTEGER", false))
	assert.Nil(t, coerce.Value("", "REAL", false))
	assert.Nil(t, coerce.Value("", "TEXT", true))
	assert.Equal(t, int64(0), coerce.Value("", "BOOLEAN", false))
	assert.Equal(t, "", coerce.Value("", "TEXT", false))
	assert.Equal(t, "", coerce.Value(nil, "VARCHAR(10)", false))
}

func TestValue_Booleans(t *testing.T) {
	assert.Equal(t, int64(1), coerce.Value(true, "INTEGER", false))
	assert.Equal(t, int64(0), coerce.Value(false, "REAL", false))
	// Booleans into text columns pass through.
	assert.Equal(t, true, coerce.Value(true, "TEXT", false))
}

func TestValue_Numbers(t *testing.T) {
	// JSON numbers arrive as float64.
	assert.Equal(t, int64(3), coerce.Value(float64(3), "INTEGER", false))
	assert.Equal(t, int64(4), coerce.Value(3.6, "INTEGER", false))
	assert.Equal(t, 3.5, coerce.Value(3.5, "REAL", false))

	// Integral floats into foreign keys become integers; fractional ones
	// into text columns pass through.
	assert.Equal(t, int64(7), coerce.Value(float64(7), "TEXT", true))
	assert.Equal(t, 7.5, coerce.Value(7.5, "TEXT", true))
}

func TestValue_BooleanStrings(t *testing.T) {
	for _, s := range []string{"true", "1", "yes", "y", "on", "TRUE", " Yes "} {
		assert.Equal(t, int64(1), coerce.Value(s, "BOOLEAN", false), "truthy: %q", s)
	}
	for _, s := range []string{"false", "0", "no", "n", "off", "OFF"} {
		assert.Equal(t, int64(0), coerce.Value(s, "BOOLEAN", false), "falsy: %q", s)
	}
	// Unrecognised non-empty strings count as true.
	assert.Equal(t, int64(1), coerce.Value("maybe", "BOOL", false))
}

func TestValue_IntegerStrings(t *testing.T) {
	assert.Equal(t, int64(42), coerce.Value("42", "INTEGER", false))
	assert.Equal(t, int64(3), coerce.Value("3.0", "INTEGER", false))
	assert.Equal(t, int64(9), coerce.Value(" 9 ", "INT", false))
	// Whitespace-only is NULL for integer columns.
	assert.Nil(t, coerce.Value("   ", "INTEGER", false))
	// Unparseable strings pass through for the storage layer to reject.
	assert.Equal(t, "abc", coerce.Value("abc", "INTEGER", false))
	// Fractional numerals do not silently truncate into integer columns.
	assert.Equal(t, "3.7", coerce.Value("3.7", "INTEGER", false))
}

func TestValue_FloatStrings(t *testing.T) {
	assert.Equal(t, 2.5, coerce.Value("2.5", "REAL", false))
	assert.Equal(t, float64(10), coerce.Value("10", "DOUBLE", false))
	assert.Equal(t, "abc", coerce.Value("abc", "FLOAT", false))
}

func TestValue_ForeignKeyStrings(t *testing.T) {
	// Foreign keys coerce integral numerals regardless of declared type.
	assert.Equal(t, int64(12), coerce.Value("12", "TEXT", true))
	assert.Equal(t, int64(5), coerce.Value("5.0", "", true))
	// Non-integral strings are left to the declared type's rules.
	assert.Equal(t, "x7", coerce.Value("x7", "TEXT", true))
}

func TestValue_TextPassthrough(t *testing.T) {
	assert.Equal(t, "hello", coerce.Value("hello", "TEXT", false))
	assert.Equal(t, "3.5", coerce.Value("3.5", "VARCHAR(20)", false))
}

func TestCoercer_UsesSchemaAndParentColumn(t *testing.T) {
	desc := &schema.Descriptor{
		Table: "nodes",
		Columns: []schema.Column{
			{Name: "id", DeclaredType: "INTEGER", PrimaryKey: true},
			{Name: "parent", DeclaredType: ""},
			{Name: "owner", DeclaredType: "TEXT"},
			{Name: "budget", DeclaredType: "REAL"},
		},
		ForeignKeys: map[string]schema.ForeignKey{
			"owner": {Column: "owner", RefTable: "people", RefColumn: "id"},
		},
	}
	c := coerce.New(desc, "parent")

	// Parent column is integer-like despite the missing declaration.
	assert.Equal(t, int64(3), c.Coerce("parent", "3"))
	assert.Nil(t, c.Coerce("parent", ""))

	// Foreign key columns coerce integer-like even when declared TEXT.
	assert.Equal(t, int64(8), c.Coerce("owner", float64(8)))

	assert.Equal(t, 1.5, c.Coerce("budget", "1.5"))

	// Unknown columns coerce as plain text.
	assert.Equal(t, "x", c.Coerce("missing", "x"))
}
