package resource

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/changeset/internal/datalayer"
	"github.com/roach88/changeset/internal/expr"
	"github.com/roach88/changeset/internal/ir"
)

// AtomicCastKind is the outcome of casting an expression for atomic use.
type AtomicCastKind int

const (
	// CastAtomic keeps the expression for the data layer to evaluate.
	CastAtomic AtomicCastKind = iota
	// CastConcrete means the expression reduced to a plain value.
	CastConcrete
	// CastNotAtomic means the type cannot be written from an expression.
	CastNotAtomic
)

// AtomicCast is the result of Type.CastAtomic.
type AtomicCast struct {
	Kind   AtomicCastKind
	Expr   expr.Expr
	Value  ir.IRValue
	Reason string
}

// Type is an attribute or argument type.
type Type interface {
	Name() string

	// Cast converts a raw input (an ir.IRValue or a plain Go value) to the
	// type's canonical value. Nil is handled by the caller.
	Cast(raw any, c Constraints) (ir.IRValue, error)

	// Equal compares two cast values.
	Equal(a, b ir.IRValue) bool

	// PrepareChange normalizes raw input given the prior value.
	PrepareChange(old ir.IRValue, raw any) (any, error)

	// HandleChange adjusts a cast value given the prior value.
	HandleChange(old, new ir.IRValue) (ir.IRValue, error)

	// CastAtomic casts an expression. Expressions that reduce to a value
	// without a stored row come back as CastConcrete.
	CastAtomic(e expr.Expr, c Constraints) (AtomicCast, error)

	// Column is the storage type.
	Column() datalayer.ColumnType
}

var builtinTypes = map[string]Type{
	"string":       stringType{},
	"integer":      integerType{},
	"boolean":      booleanType{},
	"uuid":         uuidType{},
	"utc_datetime": datetimeType{},
	"map":          mapType{},
}

// LookupType returns the builtin type named name.
func LookupType(name string) (Type, error) {
	t, ok := builtinTypes[name]
	if !ok {
		return nil, fmt.Errorf("unknown type %q", name)
	}
	return t, nil
}

// baseType supplies the default hooks shared by every builtin type.
type baseType struct{}

func (baseType) Equal(a, b ir.IRValue) bool { return ir.Equal(a, b) }

func (baseType) PrepareChange(_ ir.IRValue, raw any) (any, error) { return raw, nil }

func (baseType) HandleChange(_, v ir.IRValue) (ir.IRValue, error) { return v, nil }

// castScalarAtomic reduces row-independent expressions to values and keeps
// the rest as expressions.
func castScalarAtomic(t Type, e expr.Expr, c Constraints) (AtomicCast, error) {
	v, known, err := expr.Static(e)
	if err == nil && known {
		cast, err := castOrNull(t, v, c)
		if err != nil {
			return AtomicCast{}, err
		}
		return AtomicCast{Kind: CastConcrete, Value: cast}, nil
	}
	return AtomicCast{Kind: CastAtomic, Expr: e}, nil
}

func castOrNull(t Type, raw any, c Constraints) (ir.IRValue, error) {
	if raw == nil {
		return ir.Null, nil
	}
	if v, ok := raw.(ir.IRValue); ok && ir.IsNull(v) {
		return ir.Null, nil
	}
	return t.Cast(raw, c)
}

func invalid(raw any, typeName string) error {
	return fmt.Errorf("%v is not a valid %s", describe(raw), typeName)
}

func describe(raw any) string {
	if v, ok := raw.(ir.IRValue); ok {
		return ir.String(v)
	}
	return fmt.Sprintf("%#v", raw)
}

type stringType struct{ baseType }

func (stringType) Name() string                 { return "string" }
func (stringType) Column() datalayer.ColumnType { return datalayer.ColumnText }

func (stringType) Cast(raw any, c Constraints) (ir.IRValue, error) {
	var s string
	switch v := raw.(type) {
	case ir.IRString:
		s = string(v)
	case string:
		s = v
	default:
		return nil, invalid(raw, "string")
	}
	if !c.NoTrim {
		s = strings.TrimSpace(s)
	}
	if s == "" && !c.AllowEmpty {
		return ir.Null, nil
	}
	return ir.IRString(s), nil
}

func (t stringType) CastAtomic(e expr.Expr, c Constraints) (AtomicCast, error) {
	return castScalarAtomic(t, e, c)
}

type integerType struct{ baseType }

func (integerType) Name() string                 { return "integer" }
func (integerType) Column() datalayer.ColumnType { return datalayer.ColumnInteger }

func (integerType) Cast(raw any, _ Constraints) (ir.IRValue, error) {
	switch v := raw.(type) {
	case ir.IRInt:
		return v, nil
	case int:
		return ir.IRInt(v), nil
	case int64:
		return ir.IRInt(v), nil
	case float64:
		if v != float64(int64(v)) {
			return nil, invalid(raw, "integer")
		}
		return ir.IRInt(int64(v)), nil
	case ir.IRString:
		return parseInt(string(v))
	case string:
		return parseInt(v)
	}
	return nil, invalid(raw, "integer")
}

func parseInt(s string) (ir.IRValue, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return nil, invalid(s, "integer")
	}
	return ir.IRInt(n), nil
}

func (t integerType) CastAtomic(e expr.Expr, c Constraints) (AtomicCast, error) {
	return castScalarAtomic(t, e, c)
}

type booleanType struct{ baseType }

func (booleanType) Name() string                 { return "boolean" }
func (booleanType) Column() datalayer.ColumnType { return datalayer.ColumnBoolean }

func (booleanType) Cast(raw any, _ Constraints) (ir.IRValue, error) {
	switch v := raw.(type) {
	case ir.IRBool:
		return v, nil
	case bool:
		return ir.IRBool(v), nil
	case ir.IRString:
		return parseBool(string(v))
	case string:
		return parseBool(v)
	}
	return nil, invalid(raw, "boolean")
}

func parseBool(s string) (ir.IRValue, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true":
		return ir.IRBool(true), nil
	case "false":
		return ir.IRBool(false), nil
	}
	return nil, invalid(s, "boolean")
}

func (t booleanType) CastAtomic(e expr.Expr, c Constraints) (AtomicCast, error) {
	return castScalarAtomic(t, e, c)
}

type uuidType struct{ baseType }

func (uuidType) Name() string                 { return "uuid" }
func (uuidType) Column() datalayer.ColumnType { return datalayer.ColumnText }

func (uuidType) Cast(raw any, _ Constraints) (ir.IRValue, error) {
	var s string
	switch v := raw.(type) {
	case ir.IRString:
		s = string(v)
	case string:
		s = v
	case uuid.UUID:
		return ir.IRString(v.String()), nil
	default:
		return nil, invalid(raw, "uuid")
	}
	id, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil {
		return nil, invalid(raw, "uuid")
	}
	return ir.IRString(id.String()), nil
}

func (t uuidType) CastAtomic(e expr.Expr, c Constraints) (AtomicCast, error) {
	return castScalarAtomic(t, e, c)
}

type datetimeType struct{ baseType }

func (datetimeType) Name() string                 { return "utc_datetime" }
func (datetimeType) Column() datalayer.ColumnType { return datalayer.ColumnText }

func (datetimeType) Cast(raw any, _ Constraints) (ir.IRValue, error) {
	var s string
	switch v := raw.(type) {
	case ir.IRString:
		s = string(v)
	case string:
		s = v
	case time.Time:
		return ir.IRString(v.UTC().Format(time.RFC3339)), nil
	default:
		return nil, invalid(raw, "utc_datetime")
	}
	t, err := time.Parse(time.RFC3339, strings.TrimSpace(s))
	if err != nil {
		return nil, invalid(raw, "utc_datetime")
	}
	return ir.IRString(t.UTC().Format(time.RFC3339)), nil
}

func (t datetimeType) CastAtomic(e expr.Expr, c Constraints) (AtomicCast, error) {
	return castScalarAtomic(t, e, c)
}

type mapType struct{ baseType }

func (mapType) Name() string                 { return "map" }
func (mapType) Column() datalayer.ColumnType { return datalayer.ColumnJSON }

func (mapType) Cast(raw any, _ Constraints) (ir.IRValue, error) {
	switch v := raw.(type) {
	case ir.IRObject:
		return v.Clone(), nil
	case map[string]any:
		return ir.FromGo(v)
	}
	return nil, invalid(raw, "map")
}

func (t mapType) CastAtomic(e expr.Expr, c Constraints) (AtomicCast, error) {
	if l, ok := e.(expr.Literal); ok {
		v, err := castOrNull(t, l.Value, c)
		if err != nil {
			return AtomicCast{}, err
		}
		return AtomicCast{Kind: CastConcrete, Value: v}, nil
	}
	return AtomicCast{Kind: CastNotAtomic, Reason: "map values cannot be written from an expression"}, nil
}
