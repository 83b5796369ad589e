package querysql

import (
	"fmt"
	"strings"

	"github.com/roach88/changeset/internal/datalayer"
	"github.com/roach88/changeset/internal/ir"
)

// Dialect selects the SQL flavour a compiler emits.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

// RaiseFunc is the SQL function SQLite connections register to turn an
// expr.Error node into a statement failure.
const RaiseFunc = "changeset_raise"

// Quote quotes an identifier.
func Quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

// SupportsRaise reports whether the dialect can evaluate expr.Error nodes.
func (d Dialect) SupportsRaise() bool {
	return d == SQLite
}

// placeholder returns the nth (1-based) parameter marker. Postgres markers
// carry a cast so parameters inside CASE and arithmetic have a type.
func (d Dialect) placeholder(n int, v ir.IRValue) string {
	if d != Postgres {
		return "?"
	}
	switch v.(type) {
	case ir.IRInt:
		return fmt.Sprintf("$%d::bigint", n)
	case ir.IRBool:
		return fmt.Sprintf("$%d::boolean", n)
	case ir.IRString:
		return fmt.Sprintf("$%d::text", n)
	case ir.IRObject, ir.IRArray:
		return fmt.Sprintf("$%d::jsonb", n)
	}
	return fmt.Sprintf("$%d", n)
}

// nullSafeEq renders null-safe equality or inequality.
func (d Dialect) nullSafeEq(l, r string, negate bool) string {
	if d == Postgres {
		if negate {
			return fmt.Sprintf("(%s IS DISTINCT FROM %s)", l, r)
		}
		return fmt.Sprintf("(%s IS NOT DISTINCT FROM %s)", l, r)
	}
	if negate {
		return fmt.Sprintf("(%s IS NOT %s)", l, r)
	}
	return fmt.Sprintf("(%s IS %s)", l, r)
}

func (d Dialect) lengthFunc() string {
	if d == Postgres {
		return "char_length"
	}
	return "length"
}

func (d Dialect) columnType(t datalayer.ColumnType) string {
	switch t {
	case datalayer.ColumnInteger:
		if d == Postgres {
			return "BIGINT"
		}
		return "INTEGER"
	case datalayer.ColumnBoolean:
		if d == Postgres {
			return "BOOLEAN"
		}
		return "INTEGER"
	case datalayer.ColumnJSON:
		if d == Postgres {
			return "JSONB"
		}
		return "TEXT"
	}
	return "TEXT"
}

// orderSuffix keeps text ordering byte-wise on SQLite.
func (d Dialect) orderSuffix() string {
	if d == SQLite {
		return " COLLATE BINARY"
	}
	return ""
}

// Param converts an IR value to a driver parameter. Objects and arrays are
// passed as canonical JSON text.
func (d Dialect) Param(v ir.IRValue) (any, error) {
	switch val := v.(type) {
	case nil, ir.IRNull:
		return nil, nil
	case ir.IRString:
		return string(val), nil
	case ir.IRInt:
		return int64(val), nil
	case ir.IRBool:
		if d == SQLite {
			if val {
				return int64(1), nil
			}
			return int64(0), nil
		}
		return bool(val), nil
	case ir.IRObject, ir.IRArray:
		b, err := ir.MarshalCanonical(val)
		if err != nil {
			return nil, fmt.Errorf("encode json parameter: %w", err)
		}
		return string(b), nil
	}
	return nil, fmt.Errorf("unsupported IRValue type for SQL parameter: %T", v)
}
