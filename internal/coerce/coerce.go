// Package coerce converts untyped wire values into column-typed values.
//
// The HTTP layer hands over whatever encoding/json produced (nil, bool,
// float64, string); the bound table is strongly but dynamically typed.
// Miscoercing an integer or foreign key value silently breaks joins, so
// those paths are treated as safety-critical: any column that acts as a
// foreign key, or the configured parent column, is coerced integer-like
// even when its declared type says otherwise.
//
// Coercion never fails. When a value cannot be interpreted for its column,
// it passes through unchanged and the storage layer reports the real error.
package coerce

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/jpl-au/treedb/internal/schema"
)

// Family is the coarse type classification of a declared column type.
type Family int

const (
	Text Family = iota
	Integer
	Float
	Boolean
)

var (
	integerTypes = map[string]bool{"INT": true, "INTEGER": true, "BIGINT": true, "SMALLINT": true, "TINYINT": true}
	floatTypes   = map[string]bool{"REAL": true, "FLOAT": true, "DOUBLE": true, "NUMERIC": true, "DECIMAL": true}
	booleanTypes = map[string]bool{"BOOLEAN": true, "BOOL": true}

	truthyStrings = map[string]bool{"true": true, "1": true, "yes": true, "y": true, "on": true}
	falsyStrings  = map[string]bool{"false": true, "0": true, "no": true, "n": true, "off": true}
)

// FamilyOf classifies a declared column type. Unknown and empty declarations
// are Text; SQLite stores anything there anyway.
func FamilyOf(declaredType string) Family {
	base := strings.ToUpper(declaredType)
	base = strings.ReplaceAll(base, " UNSIGNED", "")
	if i := strings.IndexByte(base, '('); i >= 0 {
		base = base[:i]
	}
	base = strings.TrimSpace(base)
	switch {
	case integerTypes[base]:
		return Integer
	case floatTypes[base]:
		return Float
	case booleanTypes[base]:
		return Boolean
	default:
		return Text
	}
}

// Coercer applies column-aware coercion for one bound table.
type Coercer struct {
	desc         *schema.Descriptor
	parentColumn string
}

// New returns a Coercer for the given descriptor. The parent column is
// integer-like by definition even when the schema leaves it undeclared.
func New(desc *schema.Descriptor, parentColumn string) Coercer {
	return Coercer{desc: desc, parentColumn: parentColumn}
}

// Coerce converts a wire value for the named column.
func (c Coercer) Coerce(column string, value any) any {
	declared := ""
	if col, ok := c.desc.Column(column); ok {
		declared = col.DeclaredType
	}
	foreignLike := column == c.parentColumn
	if !foreignLike {
		_, foreignLike = c.desc.ForeignKeys[column]
	}
	return Value(value, declared, foreignLike)
}

// Value coerces a single wire value given the column's declared type and
// whether the column acts as a relational identifier. Rules apply first
// match wins; see the package comment for the rationale.
func Value(value any, declaredType string, foreignLike bool) any {
	family := FamilyOf(declaredType)
	numeric := family == Integer || family == Float

	// Rule 1: empty input maps to the family's empty value.
	if value == nil || value == "" {
		switch {
		case family == Boolean:
			return int64(0)
		case numeric || foreignLike:
			return nil
		default:
			return ""
		}
	}

	// Rule 2: booleans into numeric columns become 0/1.
	if b, ok := value.(bool); ok {
		if numeric {
			if b {
				return int64(1)
			}
			return int64(0)
		}
		return value
	}

	// Rule 3: numbers. Integer columns round; foreign keys round when the
	// value is integral; float columns take the float cast.
	if f, ok := asFloat(value); ok {
		if family == Integer || (foreignLike && isIntegral(f)) {
			return int64(math.Round(f))
		}
		if family == Float {
			return f
		}
		return value
	}

	text := asString(value)

	// Rule 4: boolean columns parse the usual truthy/falsy tokens; any other
	// non-empty string is treated as true (defensive fallback).
	if family == Boolean {
		lowered := strings.ToLower(strings.TrimSpace(text))
		if truthyStrings[lowered] {
			return int64(1)
		}
		if falsyStrings[lowered] {
			return int64(0)
		}
		return int64(1)
	}

	// Rule 5: integer columns and foreign keys parse integral numerals.
	// A foreign key string that is not integral falls through so a FLOAT
	// declaration can still claim it.
	if family == Integer || foreignLike {
		trimmed := strings.TrimSpace(text)
		if trimmed == "" {
			return nil
		}
		if f, err := strconv.ParseFloat(trimmed, 64); err == nil && isIntegral(f) {
			return int64(math.Round(f))
		}
		if family == Integer {
			return value
		}
	}

	// Rule 6: float columns parse floats; parse failures pass through so the
	// storage layer raises the real error.
	if family == Float {
		if f, err := strconv.ParseFloat(strings.TrimSpace(text), 64); err == nil {
			return f
		}
		return value
	}

	// Rule 7: everything else is untouched.
	return value
}

func asFloat(value any) (float64, bool) {
	switch n := value.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	default:
		return 0, false
	}
}

func isIntegral(f float64) bool {
	return f == math.Trunc(f) && !math.IsInf(f, 0) && !math.IsNaN(f)
}

func asString(value any) string {
	switch t := value.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}
