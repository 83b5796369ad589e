package changeset

import (
	"errors"
	"fmt"
	"sort"

	"github.com/roach88/changeset/internal/expr"
	"github.com/roach88/changeset/internal/ir"
	"github.com/roach88/changeset/internal/resource"
)

const requiredMessage = "is required"

// Finalize checks requiredness, prepares atomic fragments for the data
// layer and moves the changeset to the validate phase.
//
// On a create every non-nil attribute needs a value. On an update or
// destroy only attributes whose pending change is nil are reported; an
// attribute nobody touched keeps its stored value. Atomic fragments of
// non-nil attributes are guarded so that a null result fails the write.
//
// A fragment that cannot carry its attribute's constraints is evaluated
// against the loaded row and becomes a concrete change. Without a loaded
// row Finalize returns *NotAtomicError instead. It returns
// *AlreadyValidatedError when called twice.
// Field problems are recorded on the changeset.
func (c *Changeset) Finalize() error {
	if c.phase != PhasePending && c.phase != PhaseAtomic {
		return &AlreadyValidatedError{Phase: c.phase, Operation: "finalize"}
	}

	c.checkRequiredArguments()
	c.checkRequiredAttributes()
	if err := c.finalizeAtomics(); err != nil {
		return err
	}

	c.phase = PhaseValidate
	return nil
}

func (c *Changeset) checkRequiredArguments() {
	names := make([]string, 0, len(c.argDefs))
	for name := range c.argDefs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if c.argDefs[name].AllowNil {
			continue
		}
		if v, ok := c.arguments[name]; !ok || ir.IsNull(v) {
			c.AddError(&RequiredFieldMissingError{Field: name})
		}
	}
}

func (c *Changeset) checkRequiredAttributes() {
	for _, a := range c.Resource.Attributes {
		if a.AllowNil {
			continue
		}
		if _, ok := c.AtomicFragment(a.Name); ok {
			continue
		}
		v, changing := c.attributes[a.Name]
		switch c.Kind {
		case KindCreate:
			if !changing || ir.IsNull(v) {
				c.AddError(&RequiredFieldMissingError{Field: a.Name})
			}
		default:
			if changing && ir.IsNull(v) {
				c.AddError(&RequiredFieldMissingError{Field: a.Name})
			}
		}
	}
}

func (c *Changeset) finalizeAtomics() error {
	var settle []expr.Assignment
	for i, frag := range c.atomics {
		a, err := c.Resource.Lookup(frag.Field)
		if err != nil {
			c.AddError(err)
			continue
		}

		e, err := expr.Hydrate(c.ResolveAtomicRefs(frag.Expr), c.Resource)
		if err != nil {
			c.AddError(&InvalidFieldError{Field: a.Name, Value: expr.String(frag.Expr), Message: err.Error()})
			continue
		}

		constrained, err := a.ApplyAtomicConstraints(e)
		if errors.Is(err, resource.ErrConstraintNotAtomic) {
			if !c.dataAvailable {
				return NotAtomic("%s: %v", a.Name, err)
			}
			settle = append(settle, expr.Assignment{Field: a.Name, Expr: e})
			continue
		}
		e = constrained
		if err != nil {
			c.AddError(&InvalidFieldError{Field: a.Name, Value: expr.String(frag.Expr), Message: err.Error()})
			continue
		}

		if !a.AllowNil {
			if l, ok := e.(expr.Literal); ok {
				if ir.IsNull(l.Value) {
					c.AddError(&RequiredFieldMissingError{Field: a.Name})
				}
			} else {
				e = expr.If{
					Cond: expr.IsNil{Operand: e},
					Then: expr.Error{Field: a.Name, Message: requiredMessage},
					Else: e,
				}
			}
		}

		c.atomics[i].Expr = e
	}

	for _, frag := range settle {
		if err := c.settleAtomic(frag); err != nil {
			return err
		}
	}
	return nil
}

// settleAtomic evaluates a fragment against the loaded row and records the
// result as a concrete change, so its attribute's constraints run here
// instead of in the data layer.
func (c *Changeset) settleAtomic(frag expr.Assignment) error {
	a, err := c.Resource.Lookup(frag.Field)
	if err != nil {
		return err
	}
	v, known, err := expr.Eval(frag.Expr, c.evalEnv())
	if err == nil && !known {
		return NotAtomic("%s: %s cannot be evaluated against the loaded row", a.Name, expr.String(frag.Expr))
	}
	c.removeAtomic(a.Name)

	var raised *expr.RaisedError
	switch {
	case errors.As(err, &raised):
		c.AddError(&InvalidFieldError{Field: raised.Field, Value: expr.String(frag.Expr), Message: raised.Message})
	case err != nil:
		c.AddError(&InvalidFieldError{Field: a.Name, Value: expr.String(frag.Expr), Message: err.Error()})
	case ir.IsNull(v) && !a.AllowNil:
		c.AddError(&RequiredFieldMissingError{Field: a.Name})
	default:
		if v, ok := c.castValue(a, v); ok {
			c.setAttribute(a, v)
		}
	}
	return nil
}

// Fingerprint summarizes everything about the changeset except its atomic
// fragments and deferred validations. Two fingerprints differ when a change
// did more than contribute fragments.
func (c *Changeset) Fingerprint() string {
	filter := ""
	if c.filter != nil {
		filter = expr.String(c.filter)
	}
	selected := make(ir.IRArray, len(c.Select))
	for i, s := range c.Select {
		selected[i] = ir.IRString(s)
	}
	upsertFields := make(ir.IRArray, len(c.UpsertFields))
	for i, s := range c.UpsertFields {
		upsertFields[i] = ir.IRString(s)
	}
	defaults := make(ir.IRArray, 0, len(c.defaults))
	for _, f := range sortedKeys(c.defaults) {
		defaults = append(defaults, ir.IRString(f))
	}

	summary := ir.IRObject{
		"attributes":    c.attributes,
		"arguments":     c.arguments,
		"context":       c.context,
		"tenant":        c.Tenant(),
		"filter":        ir.IRString(filter),
		"select":        selected,
		"upsert":        ir.IRBool(c.Upsert),
		"upsert_fields": upsertFields,
		"defaults":      defaults,
		"errors":        ir.IRInt(len(c.errors)),
		"timeout":       ir.IRInt(c.Timeout),
		"relationships": ir.IRBool(c.RelationshipsPending),
		"hooks": ir.IRArray{
			ir.IRInt(len(c.hooks.beforeAction)),
			ir.IRInt(len(c.hooks.aroundAction)),
			ir.IRInt(len(c.hooks.afterAction)),
			ir.IRInt(len(c.hooks.beforeTransaction)),
			ir.IRInt(len(c.hooks.aroundTransaction)),
			ir.IRInt(len(c.hooks.afterTransaction)),
		},
	}
	b, err := ir.MarshalCanonical(summary)
	if err != nil {
		// Only reachable with values that are not IR types.
		return fmt.Sprintf("unfingerprintable: %v", err)
	}
	return string(b)
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k, ok := range m {
		if ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}
