package resource

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/changeset/internal/expr"
	"github.com/roach88/changeset/internal/ir"
)

// Default supplies a value for an attribute nobody set.
type Default interface {
	isDefault()
}

// StaticDefault is a constant.
type StaticDefault struct {
	Value ir.IRValue
}

// LazyDefault is computed by Fn, at most once per changeset.
type LazyDefault struct {
	Name string
	Fn   func() (ir.IRValue, error)
}

// ExprDefault is an expression evaluated against the record being written,
// or handed to the data layer when used atomically.
type ExprDefault struct {
	Expr expr.Expr
}

func (StaticDefault) isDefault() {}
func (LazyDefault) isDefault()   {}
func (ExprDefault) isDefault()   {}

// DefaultFuncs maps the names usable as "name()" defaults to their functions.
type DefaultFuncs map[string]func() (ir.IRValue, error)

// NewDefaultFuncs returns the builtin default functions. now supplies the
// time for utc_now; nil means time.Now.
func NewDefaultFuncs(now func() time.Time) DefaultFuncs {
	if now == nil {
		now = time.Now
	}
	return DefaultFuncs{
		"uuid_v7": func() (ir.IRValue, error) {
			id, err := uuid.NewV7()
			if err != nil {
				return nil, fmt.Errorf("generate uuid: %w", err)
			}
			return ir.IRString(id.String()), nil
		},
		"uuid_v4": func() (ir.IRValue, error) {
			return ir.IRString(uuid.NewString()), nil
		},
		"utc_now": func() (ir.IRValue, error) {
			return ir.IRString(now().UTC().Format(time.RFC3339)), nil
		},
	}
}

// ParseDefault turns a default string into a Default: "name()" naming a
// default function becomes a LazyDefault, an expression that needs no row
// becomes a StaticDefault, anything else an ExprDefault.
func ParseDefault(s string, funcs DefaultFuncs) (Default, error) {
	if s == "" {
		return nil, nil
	}
	if len(s) > 2 && s[len(s)-2:] == "()" {
		if fn, ok := funcs[s[:len(s)-2]]; ok {
			return LazyDefault{Name: s[:len(s)-2], Fn: fn}, nil
		}
	}
	e, err := expr.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("parse default %q: %w", s, err)
	}
	v, known, err := expr.Static(e)
	if err == nil && known {
		return StaticDefault{Value: v}, nil
	}
	return ExprDefault{Expr: e}, nil
}
