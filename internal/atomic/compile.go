package atomic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/changeset/internal/action"
	"github.com/roach88/changeset/internal/changeset"
	"github.com/roach88/changeset/internal/datalayer"
	"github.com/roach88/changeset/internal/expr"
	"github.com/roach88/changeset/internal/ir"
	"github.com/roach88/changeset/internal/resource"
)

// Compile builds a fully atomic update or destroy of the row identified by
// key: every change becomes a fragment and every validation a condition the
// data layer evaluates during the write. No row is read.
//
// When any part of the action cannot be expressed atomically, Compile
// returns a *changeset.NotAtomicError naming the first obstacle and no
// changeset. Field errors found while compiling are recorded on the
// returned changeset.
func Compile(ctx context.Context, res *resource.Resource, act *action.Action, key ir.IRObject, params action.Params, opts action.Options) (*changeset.Changeset, error) {
	if act.Kind == changeset.KindCreate {
		return nil, changeset.NotAtomic("%s is a create action", act.Name)
	}
	dl := res.DataLayer
	if dl == nil {
		return nil, changeset.NotAtomic("%s has no data layer", res.Name)
	}
	if !dl.Supports(datalayer.CapAtomicUpdate) {
		return nil, changeset.NotAtomic("data layer %s does not support atomic updates", dl.Name())
	}

	c := changeset.ForAtomic(res, act.Kind, key)
	if err := action.Prepare(c, act, params, opts); err != nil {
		return nil, err
	}

	k := &compiler{c: c, dl: dl}
	for i, step := range act.Steps {
		var err error
		switch {
		case step.Change != nil:
			err = k.change(ctx, step.Change)
		case step.Validation != nil:
			err = k.validation(ctx, step.Validation)
		default:
			err = fmt.Errorf("empty step")
		}
		if err != nil {
			if changeset.IsNotAtomic(err) {
				return nil, err
			}
			return nil, fmt.Errorf("action %s step %d (%s): %w", act.Name, i, step.Name(), err)
		}
	}

	if act.Kind == changeset.KindUpdate {
		if err := k.defaults(); err != nil {
			return nil, err
		}
	}
	k.upgradeChanged()
	if err := k.finalizeValidations(); err != nil {
		return nil, err
	}
	if err := c.Finalize(); err != nil {
		return nil, err
	}

	slog.Debug("atomic changeset compiled",
		"resource", res.Name,
		"action", act.Name,
		"fragments", len(c.Atomics()),
		"valid", c.Valid())
	return c, nil
}

type compiler struct {
	c  *changeset.Changeset
	dl datalayer.DataLayer
}

// condition folds where-guards into the condition under which a step
// applies. skip is true when a guard fails without needing the stored row.
func (k *compiler) condition(ctx context.Context, where []action.Validation) (cond expr.Expr, skip bool, err error) {
	var deferred []*action.Validation
	for i := range where {
		g := &where[i]
		err := g.Check(ctx, k.c)
		var inv *changeset.InvalidFieldError
		switch {
		case err == nil:
		case errors.As(err, &inv):
			return nil, true, nil
		case errors.Is(err, action.ErrNeedsData):
			deferred = append(deferred, g)
		default:
			return nil, false, err
		}
	}

	cond = expr.True
	for _, g := range deferred {
		res, err := g.AtomicCheck(ctx, k.c)
		if err != nil {
			return nil, false, err
		}
		if res.NotAtomic != "" {
			return nil, false, changeset.NotAtomic("where %s: %s", g.Module.Name, res.NotAtomic)
		}
		for _, v := range res.Validations {
			cond = expr.And(cond, expr.Negate(k.c.ResolveAtomicRefs(v.Condition)))
		}
	}
	return reduce(cond), false, nil
}

// reduce replaces a condition that needs no row by its literal value.
func reduce(cond expr.Expr) expr.Expr {
	v, known, err := expr.Static(cond)
	if err != nil || !known {
		return cond
	}
	return expr.Lit(ir.IRBool(expr.Truthy(v)))
}

func (k *compiler) validation(ctx context.Context, v *action.Validation) error {
	cond, skip, err := k.condition(ctx, v.Where)
	if err != nil || skip || expr.IsFalse(cond) {
		return err
	}

	if expr.IsTrue(cond) {
		err := v.Check(ctx, k.c)
		var inv *changeset.InvalidFieldError
		switch {
		case err == nil:
			return nil
		case errors.As(err, &inv):
			k.c.AddError(err)
			return nil
		case !errors.Is(err, action.ErrNeedsData):
			return err
		}
	}

	res, err := v.AtomicCheck(ctx, k.c)
	if err != nil {
		return err
	}
	if res.NotAtomic != "" {
		return changeset.NotAtomic("%s", res.NotAtomic)
	}
	k.deferValidations(cond, res.Validations)
	return nil
}

func (k *compiler) deferValidations(cond expr.Expr, vs []changeset.AtomicValidation) {
	for _, av := range vs {
		av.Condition = expr.And(cond, av.Condition)
		k.c.AddAtomicValidation(av)
	}
}

func (k *compiler) change(ctx context.Context, ch *action.Change) error {
	cond, skip, err := k.condition(ctx, ch.Where)
	if err != nil || skip || expr.IsFalse(cond) {
		return err
	}

	before := k.c.Fingerprint()
	res, err := ch.RunAtomic(ctx, k.c)
	if err != nil {
		return err
	}
	if res.NotAtomic != "" {
		return changeset.NotAtomic("%s", res.NotAtomic)
	}
	if !expr.IsTrue(cond) && k.c.Fingerprint() != before {
		return changeset.NotAtomic("change %s modified the changeset but has a condition", ch.Module.Name)
	}

	for _, f := range res.Fragments {
		e := f.Expr
		if !expr.IsTrue(cond) {
			e = expr.If{Cond: cond, Then: e, Else: expr.AtomicRef{Field: f.Field}}
		}
		if err := k.c.ForceAtomicUpdate(f.Field, e); err != nil {
			return err
		}
	}
	k.deferValidations(cond, res.Validations)
	return nil
}

// defaultCondition holds when the write changes any field: some fragment or
// concrete change differs from the stored value.
func (k *compiler) defaultCondition() expr.Expr {
	var cond expr.Expr = expr.False
	for _, a := range k.c.Atomics() {
		cond = expr.Or(cond, expr.Cmp(expr.OpNe, expr.Ref{Field: a.Field}, a.Expr))
	}
	attrs := k.c.Attributes()
	for _, f := range attrs.SortedKeys() {
		cond = expr.Or(cond, expr.Cmp(expr.OpNe, expr.Ref{Field: f}, expr.Lit(attrs[f])))
	}
	return reduce(cond)
}

// defaults applies update defaults to fields nothing else sets. A default
// only takes effect when the write changes something.
func (k *compiler) defaults() error {
	cond := k.defaultCondition()
	if expr.IsFalse(cond) {
		return nil
	}
	for _, a := range k.c.Resource.Attributes {
		if a.UpdateDefault == nil || k.c.Changing(a.Name) {
			continue
		}
		value, err := k.defaultExpr(a)
		if err != nil {
			return err
		}
		if !expr.IsTrue(cond) {
			value = expr.If{Cond: cond, Then: value, Else: expr.Ref{Field: a.Name}}
		}
		if err := k.c.ForceAtomicUpdate(a.Name, value); err != nil {
			return err
		}
		k.c.MarkDefault(a.Name)
	}
	return nil
}

func (k *compiler) defaultExpr(a *resource.Attribute) (expr.Expr, error) {
	switch d := a.UpdateDefault.(type) {
	case resource.StaticDefault:
		cast, err := a.CastAtomic(expr.Lit(d.Value))
		if err != nil {
			return nil, fmt.Errorf("default for %s: %w", a.Name, err)
		}
		if cast.Kind == resource.CastNotAtomic {
			return nil, changeset.NotAtomic("default for %s: %s", a.Name, cast.Reason)
		}
		return expr.Lit(d.Value), nil
	case resource.LazyDefault:
		v, err := action.DefaultValue(k.c, a.Name, d)
		if err != nil {
			return nil, err
		}
		return expr.Lit(v), nil
	case resource.ExprDefault:
		return expr.Rewrite(d.Expr, func(n expr.Expr) expr.Expr {
			if r, ok := n.(expr.Ref); ok {
				return expr.AtomicRef{Field: r.Field}
			}
			return n
		}), nil
	}
	return nil, fmt.Errorf("default for %s: unsupported default %T", a.Name, a.UpdateDefault)
}

// upgradeChanged turns concrete changes made while compiling into literal
// fragments so the whole write travels as one set of expressions.
func (k *compiler) upgradeChanged() {
	for _, f := range k.c.TakeAtomicChanged() {
		v, ok := k.c.Attribute(f)
		if !ok {
			continue
		}
		wasDefault := k.c.IsDefault(f)
		k.c.PutAtomic(f, expr.Lit(v))
		if wasDefault {
			k.c.MarkDefault(f)
		}
	}
}

// finalizeValidations resolves each deferred validation. A condition known
// without the row is decided now; any other is attached to a fragment so
// that evaluating the write raises the error.
func (k *compiler) finalizeValidations() error {
	c := k.c
	pending := c.AtomicValidations()
	c.SetAtomicValidations(nil)

	for _, v := range pending {
		cond, err := expr.Hydrate(c.ResolveAtomicRefs(v.Condition), c.Resource)
		if err != nil {
			c.AddError(&changeset.InvalidFieldError{Field: v.Field, Value: expr.String(v.Condition), Message: err.Error()})
			continue
		}

		val, known, err := expr.Static(cond)
		var raised *expr.RaisedError
		switch {
		case errors.As(err, &raised):
			c.AddError(&changeset.InvalidFieldError{Field: raised.Field, Message: raised.Message})
			continue
		case err != nil:
			c.AddError(&changeset.InvalidFieldError{Field: v.Field, Value: expr.String(cond), Message: err.Error()})
			continue
		case known:
			if expr.Truthy(val) {
				c.AddError(&changeset.InvalidFieldError{Field: v.Error.Field, Message: v.Error.Message})
			}
			continue
		}

		if !k.dl.Supports(datalayer.CapExpressionErrors) {
			return changeset.NotAtomic("data layer %s cannot raise errors from expressions, needed for %s",
				k.dl.Name(), expr.String(cond))
		}

		if c.Kind == changeset.KindDestroy {
			if !k.dl.Supports(datalayer.CapChangesetFilter) {
				return changeset.NotAtomic("data layer %s cannot filter a destroy", k.dl.Name())
			}
			if err := c.AddFilter(expr.If{Cond: cond, Then: v.Error, Else: expr.True}); err != nil {
				return err
			}
			continue
		}

		target := v.Field
		if target == "" || !c.Changing(target) {
			target = c.Resource.PrimaryKey[0]
		}
		c.PutAtomic(target, expr.If{Cond: cond, Then: v.Error, Else: c.AtomicRef(target)})
	}
	return nil
}
