package action

import (
	"context"
	"fmt"

	"github.com/roach88/changeset/internal/changeset"
	"github.com/roach88/changeset/internal/expr"
	"github.com/roach88/changeset/internal/ir"
)

// evalOnRecord evaluates e with pending values resolved and stored fields
// read from the prior row. known is false when the row is not loaded.
func evalOnRecord(c *changeset.Changeset, e expr.Expr) (ir.IRValue, bool, error) {
	env := expr.Env{Now: c.Now}
	if row, ok := c.Data(); ok {
		env.Row = row
	}
	return expr.Eval(c.ResolveAtomicRefs(e), env)
}

// SetAttribute sets field to value, bypassing writability.
//
//	{change: "set_attribute", field: "status", value: "'archived'"}
var SetAttribute = &ChangeModule{
	Name: "set_attribute",
	Apply: func(ctx context.Context, c *changeset.Changeset, opts Opts) error {
		field, err := opts.Field("field")
		if err != nil {
			return err
		}
		value, err := opts.Expr("value")
		if err != nil {
			return err
		}
		v, known, err := evalOnRecord(c, value)
		if err != nil {
			return fmt.Errorf("evaluate %s: %w", expr.String(value), err)
		}
		if !known {
			return fmt.Errorf("evaluate %s: %w", expr.String(value), ErrNeedsData)
		}
		return c.ForceChangeAttribute(field, v)
	},
	Atomic: func(ctx context.Context, c *changeset.Changeset, opts Opts) (AtomicResult, error) {
		field, err := opts.Field("field")
		if err != nil {
			return AtomicResult{}, err
		}
		value, err := opts.Expr("value")
		if err != nil {
			return AtomicResult{}, err
		}
		return AtomicResult{Fragments: []expr.Assignment{{Field: field, Expr: value}}}, nil
	},
}

// AtomicUpdate sets field to an expression evaluated by the data layer.
// Types that cannot take expressions fall back to the evaluated value in
// the phased pipeline.
//
//	{change: "atomic_update", field: "score", expr: "score * 2"}
var AtomicUpdate = &ChangeModule{
	Name: "atomic_update",
	Apply: func(ctx context.Context, c *changeset.Changeset, opts Opts) error {
		field, err := opts.Field("field")
		if err != nil {
			return err
		}
		e, err := opts.Expr("expr")
		if err != nil {
			return err
		}
		return applyAtomic(c, field, e)
	},
	Atomic: func(ctx context.Context, c *changeset.Changeset, opts Opts) (AtomicResult, error) {
		field, err := opts.Field("field")
		if err != nil {
			return AtomicResult{}, err
		}
		e, err := opts.Expr("expr")
		if err != nil {
			return AtomicResult{}, err
		}
		return AtomicResult{Fragments: []expr.Assignment{{Field: field, Expr: e}}}, nil
	},
}

func applyAtomic(c *changeset.Changeset, field string, e expr.Expr) error {
	err := c.ForceAtomicUpdate(field, e)
	if !changeset.IsNotAtomic(err) {
		return err
	}
	v, known, evalErr := evalOnRecord(c, e)
	if evalErr != nil {
		return fmt.Errorf("evaluate %s: %w", expr.String(e), evalErr)
	}
	if !known {
		return err
	}
	return c.ForceChangeAttribute(field, v)
}

// Increment adds amount (default 1) to field. A null field counts as 0.
//
//	{change: "increment", field: "score", amount: "arg(by)"}
var Increment = &ChangeModule{
	Name: "increment",
	Apply: func(ctx context.Context, c *changeset.Changeset, opts Opts) error {
		field, e, err := incrementExpr(opts)
		if err != nil {
			return err
		}
		return applyAtomic(c, field, e)
	},
	Atomic: func(ctx context.Context, c *changeset.Changeset, opts Opts) (AtomicResult, error) {
		field, e, err := incrementExpr(opts)
		if err != nil {
			return AtomicResult{}, err
		}
		return AtomicResult{Fragments: []expr.Assignment{{Field: field, Expr: e}}}, nil
	},
}

func incrementExpr(opts Opts) (string, expr.Expr, error) {
	field, err := opts.Field("field")
	if err != nil {
		return "", nil, err
	}
	amount, ok := opts["amount"]
	if !ok {
		amount = expr.Lit(ir.IRInt(1))
	}
	current := expr.Call{Name: expr.FuncCoalesce, Args: []expr.Expr{
		expr.AtomicRef{Field: field},
		expr.Lit(ir.IRInt(0)),
	}}
	return field, expr.Binary{Op: expr.OpAdd, Left: current, Right: amount}, nil
}

// SetContext deep-merges every option into the changeset context.
//
//	{change: "set_context", source: "'import'"}
var SetContext = &ChangeModule{
	Name:   "set_context",
	Apply:  setContext,
	Atomic: inPlace(setContext),
}

func setContext(ctx context.Context, c *changeset.Changeset, opts Opts) error {
	values := make(ir.IRObject, len(opts))
	for k := range opts {
		v, known, err := opts.Value(k)
		if err != nil {
			return err
		}
		if !known {
			return fmt.Errorf("option %q must not depend on the stored row", k)
		}
		values[k] = v
	}
	return c.SetContext(values)
}

// Filter restricts the write to rows matching where. A stored row that does
// not match fails the write as stale.
//
//	{change: "filter", where: "version == arg(version)"}
var Filter = &ChangeModule{
	Name:   "filter",
	Apply:  addFilter,
	Atomic: inPlace(addFilter),
}

func addFilter(ctx context.Context, c *changeset.Changeset, opts Opts) error {
	where, err := opts.Expr("where")
	if err != nil {
		return err
	}
	return c.AddFilter(where)
}

// inPlace runs apply unchanged when compiled atomically. It suits changes
// that only touch the changeset itself.
func inPlace(apply func(context.Context, *changeset.Changeset, Opts) error) func(context.Context, *changeset.Changeset, Opts) (AtomicResult, error) {
	return func(ctx context.Context, c *changeset.Changeset, opts Opts) (AtomicResult, error) {
		return AtomicResult{}, apply(ctx, c, opts)
	}
}
