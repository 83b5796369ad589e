package action

import (
	"context"
	"fmt"
	"strings"

	"github.com/roach88/changeset/internal/changeset"
	"github.com/roach88/changeset/internal/expr"
	"github.com/roach88/changeset/internal/ir"
)

func invalid(field, format string, args ...any) error {
	return &changeset.InvalidFieldError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// fieldValue returns the value field will be written with.
func fieldValue(c *changeset.Changeset, field string) (ir.IRValue, error) {
	v, known, err := evalOnRecord(c, expr.AtomicRef{Field: field})
	if err != nil {
		return nil, err
	}
	if !known {
		return nil, ErrNeedsData
	}
	return v, nil
}

func check(field string, violated expr.Expr, format string, args ...any) changeset.AtomicValidation {
	return changeset.AtomicValidation{
		Field:     field,
		Condition: violated,
		Error:     expr.Error{Field: field, Message: fmt.Sprintf(format, args...)},
	}
}

// Present fails when any of fields is nil.
//
//	{validate: "present", fields: "['name', 'email']"}
var Present = &ValidationModule{
	Name: "present",
	Validate: func(ctx context.Context, c *changeset.Changeset, opts Opts) error {
		fields, err := opts.Fields("fields")
		if err != nil {
			return err
		}
		for _, f := range fields {
			v, err := fieldValue(c, f)
			if err != nil {
				return err
			}
			if ir.IsNull(v) {
				return invalid(f, "must be present")
			}
		}
		return nil
	},
	Atomic: func(ctx context.Context, c *changeset.Changeset, opts Opts) (AtomicResult, error) {
		fields, err := opts.Fields("fields")
		if err != nil {
			return AtomicResult{}, err
		}
		var res AtomicResult
		for _, f := range fields {
			res.Validations = append(res.Validations,
				check(f, expr.IsNil{Operand: expr.AtomicRef{Field: f}}, "must be present"))
		}
		return res, nil
	},
}

// Absent fails when any of fields has a value.
//
//	{validate: "absent", fields: "deleted_at"}
var Absent = &ValidationModule{
	Name: "absent",
	Validate: func(ctx context.Context, c *changeset.Changeset, opts Opts) error {
		fields, err := opts.Fields("fields")
		if err != nil {
			return err
		}
		for _, f := range fields {
			v, err := fieldValue(c, f)
			if err != nil {
				return err
			}
			if !ir.IsNull(v) {
				return invalid(f, "must be absent")
			}
		}
		return nil
	},
	Atomic: func(ctx context.Context, c *changeset.Changeset, opts Opts) (AtomicResult, error) {
		fields, err := opts.Fields("fields")
		if err != nil {
			return AtomicResult{}, err
		}
		var res AtomicResult
		for _, f := range fields {
			res.Validations = append(res.Validations,
				check(f, expr.Negate(expr.IsNil{Operand: expr.AtomicRef{Field: f}}), "must be absent"))
		}
		return res, nil
	},
}

var comparisons = []struct {
	opt     string
	op      expr.Op
	message string
}{
	{"greater_than", expr.OpGt, "must be greater than %s"},
	{"greater_than_or_equal_to", expr.OpGe, "must be greater than or equal to %s"},
	{"less_than", expr.OpLt, "must be less than %s"},
	{"less_than_or_equal_to", expr.OpLe, "must be less than or equal to %s"},
	{"equal_to", expr.OpEq, "must be equal to %s"},
	{"not_equal_to", expr.OpNe, "must not be equal to %s"},
}

// Compare checks field against one or more bounds. Nil passes.
//
//	{validate: "compare", field: "score", less_than_or_equal_to: "max_score"}
var Compare = &ValidationModule{
	Name: "compare",
	Validate: func(ctx context.Context, c *changeset.Changeset, opts Opts) error {
		field, err := opts.Field("field")
		if err != nil {
			return err
		}
		v, err := fieldValue(c, field)
		if err != nil || ir.IsNull(v) {
			return err
		}
		for _, cmp := range comparisons {
			bound, ok := opts[cmp.opt]
			if !ok {
				continue
			}
			b, known, err := evalOnRecord(c, bound)
			if err != nil {
				return err
			}
			if !known {
				return ErrNeedsData
			}
			holds, _, err := expr.Eval(expr.Cmp(cmp.op, expr.Lit(v), expr.Lit(b)), expr.Env{})
			if err != nil {
				return invalid(field, "%v", err)
			}
			if !expr.Truthy(holds) {
				return invalid(field, cmp.message, expr.String(bound))
			}
		}
		return nil
	},
	Atomic: func(ctx context.Context, c *changeset.Changeset, opts Opts) (AtomicResult, error) {
		field, err := opts.Field("field")
		if err != nil {
			return AtomicResult{}, err
		}
		ref := expr.AtomicRef{Field: field}
		var res AtomicResult
		for _, cmp := range comparisons {
			bound, ok := opts[cmp.opt]
			if !ok {
				continue
			}
			violated := expr.And(
				expr.Negate(expr.IsNil{Operand: ref}),
				expr.Negate(expr.Cmp(cmp.op, ref, bound)),
			)
			res.Validations = append(res.Validations, check(field, violated, cmp.message, expr.String(bound)))
		}
		return res, nil
	},
}

func oneOfValues(opts Opts) (ir.IRArray, error) {
	v, known, err := opts.Value("values")
	if err != nil {
		return nil, err
	}
	arr, ok := v.(ir.IRArray)
	if !known || !ok {
		return nil, fmt.Errorf("option %q must be a literal list", "values")
	}
	return arr, nil
}

func describeValues(arr ir.IRArray) string {
	parts := make([]string, len(arr))
	for i, v := range arr {
		if s, ok := v.(ir.IRString); ok {
			parts[i] = string(s)
			continue
		}
		parts[i] = ir.String(v)
	}
	return strings.Join(parts, ", ")
}

// OneOf fails when field is set to a value outside values.
//
//	{validate: "one_of", field: "status", values: "['open', 'closed']"}
var OneOf = &ValidationModule{
	Name: "one_of",
	Validate: func(ctx context.Context, c *changeset.Changeset, opts Opts) error {
		field, err := opts.Field("field")
		if err != nil {
			return err
		}
		values, err := oneOfValues(opts)
		if err != nil {
			return err
		}
		v, err := fieldValue(c, field)
		if err != nil || ir.IsNull(v) {
			return err
		}
		for _, allowed := range values {
			if ir.Equal(v, allowed) {
				return nil
			}
		}
		return invalid(field, "must be one of %s", describeValues(values))
	},
	Atomic: func(ctx context.Context, c *changeset.Changeset, opts Opts) (AtomicResult, error) {
		field, err := opts.Field("field")
		if err != nil {
			return AtomicResult{}, err
		}
		values, err := oneOfValues(opts)
		if err != nil {
			return AtomicResult{}, err
		}
		ref := expr.AtomicRef{Field: field}
		var member expr.Expr = expr.False
		for _, v := range values {
			member = expr.Or(member, expr.Cmp(expr.OpEq, ref, expr.Lit(v)))
		}
		violated := expr.And(expr.Negate(expr.IsNil{Operand: ref}), expr.Negate(member))
		return AtomicResult{Validations: []changeset.AtomicValidation{
			check(field, violated, "must be one of %s", describeValues(values)),
		}}, nil
	},
}

// StringLength bounds the length of a string field. Nil passes.
//
//	{validate: "string_length", field: "name", min: "2", max: "40"}
var StringLength = &ValidationModule{
	Name: "string_length",
	Validate: func(ctx context.Context, c *changeset.Changeset, opts Opts) error {
		field, err := opts.Field("field")
		if err != nil {
			return err
		}
		v, err := fieldValue(c, field)
		if err != nil || ir.IsNull(v) {
			return err
		}
		s, ok := v.(ir.IRString)
		if !ok {
			return invalid(field, "must be a string")
		}
		n := int64(len([]rune(string(s))))
		if lo, set, err := opts.Int("min", 0); err != nil {
			return err
		} else if set && n < lo {
			return invalid(field, "length must be greater than or equal to %d", lo)
		}
		if hi, set, err := opts.Int("max", 0); err != nil {
			return err
		} else if set && n > hi {
			return invalid(field, "length must be less than or equal to %d", hi)
		}
		return nil
	},
	Atomic: func(ctx context.Context, c *changeset.Changeset, opts Opts) (AtomicResult, error) {
		field, err := opts.Field("field")
		if err != nil {
			return AtomicResult{}, err
		}
		length := expr.Call{Name: expr.FuncLength, Args: []expr.Expr{expr.AtomicRef{Field: field}}}
		var res AtomicResult
		if lo, set, err := opts.Int("min", 0); err != nil {
			return AtomicResult{}, err
		} else if set {
			res.Validations = append(res.Validations, check(field,
				expr.Cmp(expr.OpLt, length, expr.Lit(ir.IRInt(lo))),
				"length must be greater than or equal to %d", lo))
		}
		if hi, set, err := opts.Int("max", 0); err != nil {
			return AtomicResult{}, err
		} else if set {
			res.Validations = append(res.Validations, check(field,
				expr.Cmp(expr.OpGt, length, expr.Lit(ir.IRInt(hi))),
				"length must be less than or equal to %d", hi))
		}
		return res, nil
	},
}

// Changing fails unless field has a pending change. It needs no stored row
// and is mostly used as a where-guard.
//
//	{validate: "changing", field: "status"}
var Changing = &ValidationModule{
	Name: "changing",
	Validate: func(ctx context.Context, c *changeset.Changeset, opts Opts) error {
		field, err := opts.Field("field")
		if err != nil {
			return err
		}
		if !c.Changing(field) {
			return invalid(field, "must be changing")
		}
		return nil
	},
	Atomic: func(ctx context.Context, c *changeset.Changeset, opts Opts) (AtomicResult, error) {
		field, err := opts.Field("field")
		if err != nil {
			return AtomicResult{}, err
		}
		return AtomicResult{Validations: []changeset.AtomicValidation{
			check(field, expr.Lit(ir.IRBool(!c.Changing(field))), "must be changing"),
		}}, nil
	},
}

// Expression fails when condition holds. field attributes the error.
//
//	{validate: "expression", condition: "score > max_score", field: "score", message: "'is over the limit'"}
var Expression = &ValidationModule{
	Name: "expression",
	Validate: func(ctx context.Context, c *changeset.Changeset, opts Opts) error {
		cond, err := opts.Expr("condition")
		if err != nil {
			return err
		}
		field, message, err := expressionTarget(opts)
		if err != nil {
			return err
		}
		v, known, err := evalOnRecord(c, cond)
		if err != nil {
			return err
		}
		if !known {
			return ErrNeedsData
		}
		if expr.Truthy(v) {
			return invalid(field, "%s", message)
		}
		return nil
	},
	Atomic: func(ctx context.Context, c *changeset.Changeset, opts Opts) (AtomicResult, error) {
		cond, err := opts.Expr("condition")
		if err != nil {
			return AtomicResult{}, err
		}
		field, message, err := expressionTarget(opts)
		if err != nil {
			return AtomicResult{}, err
		}
		return AtomicResult{Validations: []changeset.AtomicValidation{check(field, cond, "%s", message)}}, nil
	},
}

func expressionTarget(opts Opts) (field, message string, err error) {
	if _, ok := opts["field"]; ok {
		if field, err = opts.Field("field"); err != nil {
			return "", "", err
		}
	}
	if message, err = opts.String("message"); err != nil {
		return "", "", err
	}
	if message == "" {
		message = "is invalid"
	}
	return field, message, nil
}

// AttributeEquals fails unless field equals value.
//
//	{validate: "attribute_equals", field: "status", value: "'draft'"}
var AttributeEquals = &ValidationModule{
	Name: "attribute_equals",
	Validate: func(ctx context.Context, c *changeset.Changeset, opts Opts) error {
		field, err := opts.Field("field")
		if err != nil {
			return err
		}
		want, err := opts.Expr("value")
		if err != nil {
			return err
		}
		v, err := fieldValue(c, field)
		if err != nil {
			return err
		}
		w, known, err := evalOnRecord(c, want)
		if err != nil {
			return err
		}
		if !known {
			return ErrNeedsData
		}
		if !ir.Equal(v, w) {
			return invalid(field, "must equal %s", expr.String(want))
		}
		return nil
	},
	Atomic: func(ctx context.Context, c *changeset.Changeset, opts Opts) (AtomicResult, error) {
		field, err := opts.Field("field")
		if err != nil {
			return AtomicResult{}, err
		}
		want, err := opts.Expr("value")
		if err != nil {
			return AtomicResult{}, err
		}
		violated := expr.Cmp(expr.OpNe, expr.AtomicRef{Field: field}, want)
		return AtomicResult{Validations: []changeset.AtomicValidation{
			check(field, violated, "must equal %s", expr.String(want)),
		}}, nil
	},
}
