package changeset

import (
	"errors"

	"github.com/roach88/changeset/internal/expr"
	"github.com/roach88/changeset/internal/ir"
	"github.com/roach88/changeset/internal/resource"
)

// checkMutable rejects structural changes once validation is over. Hooks
// move the phase forward while a run is in progress; a consumed changeset
// back in the pending phase has finished its run.
func (c *Changeset) checkMutable(op string) error {
	if c.consumed && c.phase == PhasePending {
		return &AlreadyValidatedError{Phase: c.phase, Operation: op + " on a consumed changeset"}
	}
	switch c.phase {
	case PhaseValidate, PhaseAfterAction, PhaseAfterTransaction:
		return &AlreadyValidatedError{Phase: c.phase, Operation: op}
	}
	return nil
}

// ChangeAttribute casts raw and records it as the new value of field.
// Failures are collected on the changeset.
func (c *Changeset) ChangeAttribute(field string, raw any) error {
	return c.changeAttribute(field, raw, false)
}

// ForceChangeAttribute is ChangeAttribute without the writability check.
func (c *Changeset) ForceChangeAttribute(field string, raw any) error {
	return c.changeAttribute(field, raw, true)
}

// ChangeAttributes applies ChangeAttribute to every entry, in key order.
func (c *Changeset) ChangeAttributes(values ir.IRObject) error {
	for _, k := range values.SortedKeys() {
		if err := c.ChangeAttribute(k, values[k]); err != nil {
			return err
		}
	}
	return nil
}

func (c *Changeset) changeAttribute(field string, raw any, force bool) error {
	if err := c.checkMutable("change attribute " + field); err != nil {
		return err
	}

	a, err := c.Resource.Lookup(field)
	if err != nil {
		c.AddError(err)
		return nil
	}
	if !a.Writable && !force {
		c.AddError(&InvalidFieldError{Field: field, Value: raw, Message: "is not writable"})
		return nil
	}

	v, ok := c.castValue(a, raw)
	if !ok {
		return nil
	}
	if !a.AllowNil && ir.IsNull(v) && c.running() {
		c.AddError(&RequiredFieldMissingError{Field: a.Name})
		return nil
	}
	c.setAttribute(a, v)
	return nil
}

// running reports whether a run is inside its before or around hooks,
// where Finalize has already checked requiredness.
func (c *Changeset) running() bool {
	switch c.phase {
	case PhaseBeforeTransaction, PhaseAroundTransaction, PhaseBeforeAction, PhaseAroundAction:
		return true
	}
	return false
}

// castValue runs prepare, cast, handle-change and constraints. Failures are
// recorded and reported as !ok.
func (c *Changeset) castValue(a *resource.Attribute, raw any) (ir.IRValue, bool) {
	old, hasOld := c.prior(a.Name)
	if hasOld {
		prepared, err := a.Type.PrepareChange(old, raw)
		if err != nil {
			c.AddError(&InvalidFieldError{Field: a.Name, Value: raw, Message: err.Error()})
			return nil, false
		}
		raw = prepared
	}

	v, err := a.Cast(raw)
	if err != nil {
		c.AddError(&InvalidFieldError{Field: a.Name, Value: raw, Message: err.Error()})
		return nil, false
	}
	if hasOld {
		if v, err = a.Type.HandleChange(old, v); err != nil {
			c.AddError(&InvalidFieldError{Field: a.Name, Value: raw, Message: err.Error()})
			return nil, false
		}
	}
	if err := a.CheckConstraints(v); err != nil {
		c.AddError(&InvalidFieldError{Field: a.Name, Value: raw, Message: err.Error()})
		return nil, false
	}
	return v, true
}

// prior returns the stored value for diffing. Creates and unloaded rows have
// nothing to diff against.
func (c *Changeset) prior(field string) (ir.IRValue, bool) {
	if c.Kind == KindCreate || !c.dataAvailable {
		return nil, false
	}
	return c.data.Get(field), true
}

// setAttribute records a cast value, keeping a field out of the atomic
// fragments while it has a concrete change.
func (c *Changeset) setAttribute(a *resource.Attribute, v ir.IRValue) {
	c.removeAtomic(a.Name)
	if old, ok := c.prior(a.Name); ok && a.Type.Equal(old, v) {
		delete(c.attributes, a.Name)
	} else {
		c.attributes[a.Name] = v
	}
	delete(c.defaults, a.Name)
	if c.phase == PhaseAtomic {
		c.atomicChanged = append(c.atomicChanged, a.Name)
	}
}

// ClearChange drops any pending change or fragment for field.
func (c *Changeset) ClearChange(field string) error {
	if err := c.checkMutable("clear change " + field); err != nil {
		return err
	}
	delete(c.attributes, field)
	c.removeAtomic(field)
	delete(c.defaults, field)
	return nil
}

// AtomicUpdate sets field to an expression evaluated by the data layer
// against the stored row. Expressions that reduce to a value are recorded
// as ordinary changes. A type that cannot take expressions yields
// *NotAtomicError.
func (c *Changeset) AtomicUpdate(field string, e expr.Expr) error {
	return c.atomicUpdate(field, e, false)
}

// ForceAtomicUpdate is AtomicUpdate without the writability check.
func (c *Changeset) ForceAtomicUpdate(field string, e expr.Expr) error {
	return c.atomicUpdate(field, e, true)
}

func (c *Changeset) atomicUpdate(field string, e expr.Expr, force bool) error {
	if err := c.checkMutable("atomic update " + field); err != nil {
		return err
	}

	a, err := c.Resource.Lookup(field)
	if err != nil {
		c.AddError(err)
		return nil
	}
	if !a.Writable && !force {
		c.AddError(&InvalidFieldError{Field: field, Value: expr.String(e), Message: "is not writable"})
		return nil
	}

	e = c.ResolveAtomicRefs(e)

	cast, err := a.CastAtomic(e)
	if err != nil {
		c.AddError(&InvalidFieldError{Field: field, Value: expr.String(e), Message: err.Error()})
		return nil
	}

	switch cast.Kind {
	case resource.CastNotAtomic:
		return &NotAtomicError{Reason: field + ": " + cast.Reason}
	case resource.CastConcrete:
		if err := a.CheckConstraints(cast.Value); err != nil {
			c.AddError(&InvalidFieldError{Field: field, Value: cast.Value, Message: err.Error()})
			return nil
		}
		c.setAttribute(a, cast.Value)
		return nil
	}

	// A create has no stored row to defer to: the expression reads the
	// record being built.
	if c.Kind == KindCreate {
		v, known, err := expr.Eval(cast.Expr, expr.Env{Row: c.Record(), Now: c.now})
		var raised *expr.RaisedError
		switch {
		case errors.As(err, &raised):
			c.AddError(&InvalidFieldError{Field: raised.Field, Value: expr.String(e), Message: raised.Message})
			return nil
		case err != nil:
			c.AddError(&InvalidFieldError{Field: field, Value: expr.String(e), Message: err.Error()})
			return nil
		case !known:
			return NotAtomic("%s: %s cannot be evaluated on create", field, expr.String(e))
		}
		if v, ok := c.castValue(a, v); ok {
			c.setAttribute(a, v)
		}
		return nil
	}

	c.PutAtomic(field, cast.Expr)
	return nil
}

// AtomicRef resolves a reference to field: its atomic fragment, else its
// pending change, else the stored value.
func (c *Changeset) AtomicRef(field string) expr.Expr {
	if e, ok := c.AtomicFragment(field); ok {
		return e
	}
	if v, ok := c.attributes[field]; ok {
		return expr.Lit(v)
	}
	if c.Kind == KindCreate {
		return expr.Lit(c.data.Get(field))
	}
	return expr.Ref{Field: field}
}

// ResolveAtomicRefs replaces every AtomicRef in e with AtomicRef(field).
func (c *Changeset) ResolveAtomicRefs(e expr.Expr) expr.Expr {
	return expr.Rewrite(e, func(n expr.Expr) expr.Expr {
		if r, ok := n.(expr.AtomicRef); ok {
			return c.AtomicRef(r.Field)
		}
		return n
	})
}

// AtomicFragment returns the pending fragment for field.
func (c *Changeset) AtomicFragment(field string) (expr.Expr, bool) {
	for _, a := range c.atomics {
		if a.Field == field {
			return a.Expr, true
		}
	}
	return nil, false
}

// Atomics returns the atomic fragments in the order they were first set.
func (c *Changeset) Atomics() []expr.Assignment {
	out := make([]expr.Assignment, len(c.atomics))
	copy(out, c.atomics)
	return out
}

// PutAtomic stores e as the fragment for field without casting, replacing
// any concrete change. It is the low-level primitive under AtomicUpdate and
// is used by the atomic compiler to rewrite fragments it already cast.
func (c *Changeset) PutAtomic(field string, e expr.Expr) {
	delete(c.attributes, field)
	delete(c.defaults, field)
	for i, a := range c.atomics {
		if a.Field == field {
			c.atomics[i].Expr = e
			return
		}
	}
	c.atomics = append(c.atomics, expr.Assignment{Field: field, Expr: e})
}

func (c *Changeset) removeAtomic(field string) {
	for i, a := range c.atomics {
		if a.Field == field {
			c.atomics = append(c.atomics[:i], c.atomics[i+1:]...)
			return
		}
	}
}

// AtomicValidations returns the deferred validations.
func (c *Changeset) AtomicValidations() []AtomicValidation {
	out := make([]AtomicValidation, len(c.validations))
	copy(out, c.validations)
	return out
}

// AddAtomicValidation appends a deferred validation.
func (c *Changeset) AddAtomicValidation(v AtomicValidation) {
	c.validations = append(c.validations, v)
}

// SetAtomicValidations replaces the deferred validations.
func (c *Changeset) SetAtomicValidations(vs []AtomicValidation) {
	c.validations = vs
}

// TakeAtomicChanged returns the fields given concrete changes while in the
// atomic phase, and forgets them.
func (c *Changeset) TakeAtomicChanged() []string {
	out := c.atomicChanged
	c.atomicChanged = nil
	return out
}

// DeclareArgument registers an argument so SetArgument can cast it.
func (c *Changeset) DeclareArgument(def ArgumentDef) {
	c.argDefs[def.Name] = def
}

// ArgumentDefs returns the declared arguments.
func (c *Changeset) ArgumentDefs() map[string]ArgumentDef {
	return c.argDefs
}

// SetArgument casts raw to the declared argument type and stores it.
// Undeclared arguments are rejected.
func (c *Changeset) SetArgument(name string, raw any) error {
	if err := c.checkMutable("set argument " + name); err != nil {
		return err
	}
	def, ok := c.argDefs[name]
	if !ok {
		c.AddError(&InvalidFieldError{Field: name, Value: raw, Message: "no such argument"})
		return nil
	}
	return c.storeArgument(def, raw)
}

// ForceSetArgument stores an argument, casting it when declared.
func (c *Changeset) ForceSetArgument(name string, raw any) error {
	if err := c.checkMutable("set argument " + name); err != nil {
		return err
	}
	if def, ok := c.argDefs[name]; ok {
		return c.storeArgument(def, raw)
	}
	v, err := ir.FromGo(raw)
	if err != nil {
		c.AddError(&InvalidFieldError{Field: name, Value: raw, Message: err.Error()})
		return nil
	}
	c.arguments[name] = v
	return nil
}

func (c *Changeset) storeArgument(def ArgumentDef, raw any) error {
	if raw == nil {
		c.arguments[def.Name] = ir.Null
		return nil
	}
	if v, ok := raw.(ir.IRValue); ok && ir.IsNull(v) {
		c.arguments[def.Name] = ir.Null
		return nil
	}
	v, err := def.Type.Cast(raw, resource.Constraints{})
	if err != nil {
		c.AddError(&InvalidFieldError{Field: def.Name, Value: raw, Message: err.Error()})
		return nil
	}
	c.arguments[def.Name] = v
	return nil
}

// Argument returns an argument value.
func (c *Changeset) Argument(name string) (ir.IRValue, bool) {
	v, ok := c.arguments[name]
	return v, ok
}

// Arguments returns a copy of the arguments.
func (c *Changeset) Arguments() ir.IRObject {
	return c.arguments.Clone()
}
