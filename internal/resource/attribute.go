package resource

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/roach88/changeset/internal/datalayer"
	"github.com/roach88/changeset/internal/expr"
	"github.com/roach88/changeset/internal/ir"
)

// ErrConstraintNotAtomic is returned by ApplyAtomicConstraints when a
// constraint has no expression form.
var ErrConstraintNotAtomic = errors.New("constraint cannot be checked atomically")

// Constraints are the type-level checks applied after casting.
type Constraints struct {
	Min        *int64
	Max        *int64
	MinLength  *int64
	MaxLength  *int64
	Match      *regexp.Regexp
	OneOf      []string
	AllowEmpty bool
	NoTrim     bool
}

// Attribute is one persisted field of a resource.
type Attribute struct {
	Name          string
	Type          Type
	AllowNil      bool
	Writable      bool
	PrimaryKey    bool
	Constraints   Constraints
	Default       Default
	UpdateDefault Default
}

// Cast converts raw input to the attribute's type. Nil casts to null.
func (a *Attribute) Cast(raw any) (ir.IRValue, error) {
	return castOrNull(a.Type, raw, a.Constraints)
}

// CheckConstraints validates a cast value. Null always passes; requiredness
// is checked separately.
func (a *Attribute) CheckConstraints(v ir.IRValue) error {
	if ir.IsNull(v) {
		return nil
	}
	c := a.Constraints
	if n, ok := v.(ir.IRInt); ok {
		if c.Min != nil && int64(n) < *c.Min {
			return fmt.Errorf("must be greater than or equal to %d", *c.Min)
		}
		if c.Max != nil && int64(n) > *c.Max {
			return fmt.Errorf("must be less than or equal to %d", *c.Max)
		}
	}
	if s, ok := v.(ir.IRString); ok {
		length := int64(utf8.RuneCountInString(string(s)))
		if c.MinLength != nil && length < *c.MinLength {
			return fmt.Errorf("length must be greater than or equal to %d", *c.MinLength)
		}
		if c.MaxLength != nil && length > *c.MaxLength {
			return fmt.Errorf("length must be less than or equal to %d", *c.MaxLength)
		}
		if c.Match != nil && !c.Match.MatchString(string(s)) {
			return fmt.Errorf("must match the pattern %s", c.Match.String())
		}
		if len(c.OneOf) > 0 && !containsString(c.OneOf, string(s)) {
			return fmt.Errorf("must be one of %s", strings.Join(c.OneOf, ", "))
		}
	}
	return nil
}

// CastAtomic casts an expression for this attribute.
func (a *Attribute) CastAtomic(e expr.Expr) (AtomicCast, error) {
	return a.Type.CastAtomic(e, a.Constraints)
}

// ApplyAtomicConstraints wraps e so that evaluating it fails with the
// constraint message when the value would violate a constraint. Literals are
// checked immediately.
func (a *Attribute) ApplyAtomicConstraints(e expr.Expr) (expr.Expr, error) {
	if l, ok := e.(expr.Literal); ok {
		if err := a.CheckConstraints(l.Value); err != nil {
			return nil, err
		}
		return e, nil
	}

	c := a.Constraints
	type check struct {
		violated expr.Expr
		message  string
	}
	var checks []check

	if c.Min != nil {
		checks = append(checks, check{
			expr.Cmp(expr.OpLt, e, expr.Lit(ir.IRInt(*c.Min))),
			fmt.Sprintf("must be greater than or equal to %d", *c.Min),
		})
	}
	if c.Max != nil {
		checks = append(checks, check{
			expr.Cmp(expr.OpGt, e, expr.Lit(ir.IRInt(*c.Max))),
			fmt.Sprintf("must be less than or equal to %d", *c.Max),
		})
	}
	length := expr.Call{Name: expr.FuncLength, Args: []expr.Expr{e}}
	if c.MinLength != nil {
		checks = append(checks, check{
			expr.Cmp(expr.OpLt, length, expr.Lit(ir.IRInt(*c.MinLength))),
			fmt.Sprintf("length must be greater than or equal to %d", *c.MinLength),
		})
	}
	if c.MaxLength != nil {
		checks = append(checks, check{
			expr.Cmp(expr.OpGt, length, expr.Lit(ir.IRInt(*c.MaxLength))),
			fmt.Sprintf("length must be less than or equal to %d", *c.MaxLength),
		})
	}
	if len(c.OneOf) > 0 {
		var member expr.Expr = expr.False
		for _, s := range c.OneOf {
			member = expr.Or(member, expr.Cmp(expr.OpEq, e, expr.Lit(ir.IRString(s))))
		}
		checks = append(checks, check{
			expr.And(expr.Negate(expr.IsNil{Operand: e}), expr.Negate(member)),
			fmt.Sprintf("must be one of %s", strings.Join(c.OneOf, ", ")),
		})
	}
	if c.Match != nil {
		return nil, fmt.Errorf("%s: %w", a.Name, ErrConstraintNotAtomic)
	}

	out := e
	for i := len(checks) - 1; i >= 0; i-- {
		out = expr.If{
			Cond: checks[i].violated,
			Then: expr.Error{Field: a.Name, Message: checks[i].message},
			Else: out,
		}
	}
	return out, nil
}

// Column returns the storage column for the attribute.
func (a *Attribute) Column() datalayer.Column {
	return datalayer.Column{
		Name:     a.Name,
		Type:     a.Type.Column(),
		Nullable: a.AllowNil,
	}
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
