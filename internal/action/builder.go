package action

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/changeset/internal/changeset"
	"github.com/roach88/changeset/internal/expr"
	"github.com/roach88/changeset/internal/ir"
	"github.com/roach88/changeset/internal/resource"
)

// Params are caller inputs keyed by attribute or argument name. A value
// that is an expr.Expr is taken as an atomic fragment for the attribute.
type Params map[string]any

// Check runs the validation against c with its options filled. It returns
// nil when c passes, the failure (an *changeset.InvalidFieldError), or
// ErrNeedsData.
func (v *Validation) Check(ctx context.Context, c *changeset.Changeset) error {
	err := v.Module.Validate(ctx, c, v.Opts.Fill(c.Template()))
	var inv *changeset.InvalidFieldError
	if v.Message != "" && errors.As(err, &inv) {
		return &changeset.InvalidFieldError{Field: inv.Field, Value: inv.Value, Message: v.Message}
	}
	return err
}

// AtomicCheck returns the conditions under which the validation fails.
func (v *Validation) AtomicCheck(ctx context.Context, c *changeset.Changeset) (AtomicResult, error) {
	if v.Module.Atomic == nil {
		return NotAtomicResult("validation %s has no atomic form", v.Module.Name), nil
	}
	res, err := v.Module.Atomic(ctx, c, v.Opts.Fill(c.Template()))
	if err != nil || res.NotAtomic != "" {
		return res, err
	}
	if v.Message != "" {
		for i := range res.Validations {
			res.Validations[i].Error.Message = v.Message
		}
	}
	return res, nil
}

// Run applies the change to c with its options filled.
func (ch *Change) Run(ctx context.Context, c *changeset.Changeset) error {
	return ch.Module.Apply(ctx, c, ch.Opts.Fill(c.Template()))
}

// RunAtomic runs the change's atomic form with its options filled.
func (ch *Change) RunAtomic(ctx context.Context, c *changeset.Changeset) (AtomicResult, error) {
	if ch.Module.Atomic == nil {
		return NotAtomicResult("change %s has no atomic form", ch.Module.Name), nil
	}
	return ch.Module.Atomic(ctx, c, ch.Opts.Fill(c.Template()))
}

// Prepare copies the caller options onto c, declares the action's
// arguments, casts params and fills argument defaults.
func Prepare(c *changeset.Changeset, act *Action, params Params, opts Options) error {
	c.Action = act.Name
	if opts.Now != nil {
		c.SetNow(opts.Now)
	}
	if opts.Actor != nil {
		c.SetActor(opts.Actor)
	}
	c.SetAuthorize(opts.Authorize)
	if opts.Tenant != nil {
		if err := c.SetTenant(opts.Tenant); err != nil {
			return err
		}
	}
	if opts.Context != nil {
		if err := c.SetContext(opts.Context); err != nil {
			return err
		}
	}
	c.Timeout = act.Timeout
	if opts.Timeout > 0 {
		c.Timeout = opts.Timeout
	}
	c.Select = opts.Select
	c.Upsert = opts.Upsert
	c.UpsertFields = opts.UpsertFields

	for _, arg := range act.Arguments {
		c.DeclareArgument(changeset.ArgumentDef{Name: arg.Name, Type: arg.Type, AllowNil: arg.AllowNil})
	}
	if err := CastParams(c, act, params); err != nil {
		return err
	}
	return SetArgumentDefaults(c, act)
}

// CastParams sets every param as an argument or an accepted attribute, in
// key order. Params the action neither accepts nor declares are recorded as
// errors. While compiling atomically a param that cannot be written
// atomically returns *changeset.NotAtomicError.
func CastParams(c *changeset.Changeset, act *Action, params Params) error {
	for _, k := range params.keys() {
		raw := params[k]
		if _, ok := act.Argument(k); ok {
			if err := c.SetArgument(k, raw); err != nil {
				return err
			}
			continue
		}
		if !act.Accepts(k) {
			c.AddError(&changeset.InvalidFieldError{Field: k, Value: raw, Message: "is not accepted by " + act.Name})
			continue
		}

		var err error
		if e, ok := raw.(expr.Expr); ok {
			err = c.AtomicUpdate(k, e)
		} else {
			err = c.ChangeAttribute(k, raw)
		}
		if changeset.IsNotAtomic(err) && c.Phase() != changeset.PhaseAtomic {
			c.AddError(&changeset.InvalidFieldError{Field: k, Value: raw, Message: err.Error()})
			continue
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (p Params) keys() []string {
	return sortedNames(p)
}

// SetArgumentDefaults fills declared defaults for arguments the caller did
// not pass.
func SetArgumentDefaults(c *changeset.Changeset, act *Action) error {
	for _, arg := range act.Arguments {
		if arg.Default == nil {
			continue
		}
		if _, ok := c.Argument(arg.Name); ok {
			continue
		}
		v, known, err := expr.Static(expr.FillTemplate(arg.Default, c.Template()))
		if err != nil {
			return fmt.Errorf("argument %s default: %w", arg.Name, err)
		}
		if !known {
			return fmt.Errorf("argument %s default %s needs the stored row", arg.Name, expr.String(arg.Default))
		}
		if err := c.SetArgument(arg.Name, v); err != nil {
			return err
		}
	}
	return nil
}

// DefaultValue computes d for field. Lazy defaults run once per changeset.
// Expression defaults see the values being written.
func DefaultValue(c *changeset.Changeset, field string, d resource.Default) (ir.IRValue, error) {
	switch d := d.(type) {
	case resource.StaticDefault:
		return d.Value, nil
	case resource.LazyDefault:
		return c.LazyValue(field, d.Fn)
	case resource.ExprDefault:
		e := expr.Rewrite(d.Expr, func(n expr.Expr) expr.Expr {
			if r, ok := n.(expr.Ref); ok {
				return expr.AtomicRef{Field: r.Field}
			}
			return n
		})
		v, known, err := evalOnRecord(c, e)
		if err != nil {
			return nil, fmt.Errorf("default for %s: %w", field, err)
		}
		if !known {
			return nil, fmt.Errorf("default for %s: %w", field, ErrNeedsData)
		}
		return v, nil
	}
	return nil, fmt.Errorf("default for %s: unsupported default %T", field, d)
}

// ForCreate builds a create changeset through the phased pipeline: params,
// defaults, steps, then requiredness.
func ForCreate(ctx context.Context, res *resource.Resource, act *Action, params Params, opts Options) (*changeset.Changeset, error) {
	if act.Kind != changeset.KindCreate {
		return nil, fmt.Errorf("action %s is a %s action", act.Name, act.Kind)
	}
	c := changeset.ForCreateRecord(res)
	if err := Prepare(c, act, params, opts); err != nil {
		return nil, err
	}
	if err := applyCreateDefaults(c); err != nil {
		return nil, err
	}
	if err := runSteps(ctx, c, act); err != nil {
		return nil, err
	}
	if err := c.Finalize(); err != nil {
		return nil, err
	}
	return c, nil
}

// ForUpdate builds an update of a loaded row through the phased pipeline.
// Update defaults apply when the action changes anything.
func ForUpdate(ctx context.Context, res *resource.Resource, row ir.IRObject, act *Action, params Params, opts Options) (*changeset.Changeset, error) {
	if act.Kind != changeset.KindUpdate {
		return nil, fmt.Errorf("action %s is a %s action", act.Name, act.Kind)
	}
	c := changeset.ForUpdateRecord(res, row)
	if err := Prepare(c, act, params, opts); err != nil {
		return nil, err
	}
	if err := runSteps(ctx, c, act); err != nil {
		return nil, err
	}
	if err := applyUpdateDefaults(c); err != nil {
		return nil, err
	}
	if err := c.Finalize(); err != nil {
		return nil, err
	}
	return c, nil
}

// ForDestroy builds a destroy of a loaded row through the phased pipeline.
func ForDestroy(ctx context.Context, res *resource.Resource, row ir.IRObject, act *Action, params Params, opts Options) (*changeset.Changeset, error) {
	if act.Kind != changeset.KindDestroy {
		return nil, fmt.Errorf("action %s is a %s action", act.Name, act.Kind)
	}
	c := changeset.ForDestroyRecord(res, row)
	if err := Prepare(c, act, params, opts); err != nil {
		return nil, err
	}
	if err := runSteps(ctx, c, act); err != nil {
		return nil, err
	}
	if err := c.Finalize(); err != nil {
		return nil, err
	}
	return c, nil
}

func applyCreateDefaults(c *changeset.Changeset) error {
	for _, a := range c.Resource.Attributes {
		if a.Default == nil || c.Changing(a.Name) {
			continue
		}
		v, err := DefaultValue(c, a.Name, a.Default)
		if err != nil {
			return err
		}
		if err := c.ForceChangeAttribute(a.Name, v); err != nil {
			return err
		}
		c.MarkDefault(a.Name)
	}
	return nil
}

func applyUpdateDefaults(c *changeset.Changeset) error {
	changed := false
	for _, f := range c.ChangedFields() {
		if !c.IsDefault(f) {
			changed = true
			break
		}
	}
	if !changed {
		return nil
	}
	for _, a := range c.Resource.Attributes {
		if a.UpdateDefault == nil || c.Changing(a.Name) {
			continue
		}
		v, err := DefaultValue(c, a.Name, a.UpdateDefault)
		if err != nil {
			return err
		}
		if err := c.ForceChangeAttribute(a.Name, v); err != nil {
			return err
		}
		c.MarkDefault(a.Name)
	}
	return nil
}

// runSteps applies changes and validations in declared order. A step whose
// where-guards do not all pass is skipped.
func runSteps(ctx context.Context, c *changeset.Changeset, act *Action) error {
	for i, step := range act.Steps {
		var where []Validation
		switch {
		case step.Change != nil:
			where = step.Change.Where
		case step.Validation != nil:
			where = step.Validation.Where
		default:
			return fmt.Errorf("action %s step %d: empty step", act.Name, i)
		}

		pass, err := guardsPass(ctx, c, where)
		if err != nil {
			return fmt.Errorf("action %s step %d (%s): %w", act.Name, i, step.Name(), err)
		}
		if !pass {
			continue
		}

		if step.Change != nil {
			if err := step.Change.Run(ctx, c); err != nil {
				return fmt.Errorf("action %s step %d (%s): %w", act.Name, i, step.Name(), err)
			}
			continue
		}
		err = step.Validation.Check(ctx, c)
		var inv *changeset.InvalidFieldError
		switch {
		case err == nil:
		case errors.As(err, &inv):
			c.AddError(err)
		default:
			return fmt.Errorf("action %s step %d (%s): %w", act.Name, i, step.Name(), err)
		}
	}
	return nil
}

func guardsPass(ctx context.Context, c *changeset.Changeset, where []Validation) (bool, error) {
	for i := range where {
		err := where[i].Check(ctx, c)
		var inv *changeset.InvalidFieldError
		switch {
		case err == nil:
		case errors.As(err, &inv):
			return false, nil
		default:
			return false, err
		}
	}
	return true, nil
}
