package expr

import (
	"fmt"
	"strings"

	"github.com/roach88/changeset/internal/ir"
)

// Template carries the values substituted for placeholders by FillTemplate.
type Template struct {
	Actor   ir.IRObject
	Tenant  ir.IRValue
	Args    ir.IRObject
	Context ir.IRObject
}

// FillTemplate replaces Arg, Actor, Tenant and ContextRef nodes with literals.
// Missing values become null.
func FillTemplate(e Expr, t Template) Expr {
	return Rewrite(e, func(n Expr) Expr {
		switch p := n.(type) {
		case Arg:
			return Lit(t.Args.Get(p.Name))
		case Actor:
			if t.Actor == nil {
				return Lit(ir.Null)
			}
			if p.Path == "" {
				return Lit(t.Actor)
			}
			return Lit(lookupPath(t.Actor, p.Path))
		case Tenant:
			return Lit(t.Tenant)
		case ContextRef:
			return Lit(lookupPath(t.Context, p.Path))
		}
		return n
	})
}

func lookupPath(obj ir.IRObject, path string) ir.IRValue {
	var cur ir.IRValue = obj
	for _, part := range strings.Split(path, ".") {
		o, ok := cur.(ir.IRObject)
		if !ok {
			return ir.Null
		}
		cur = o.Get(part)
	}
	if cur == nil {
		return ir.Null
	}
	return cur
}

// Rewrite rebuilds e bottom-up, replacing each node with fn(node) after its
// children have been rewritten.
func Rewrite(e Expr, fn func(Expr) Expr) Expr {
	switch n := e.(type) {
	case Binary:
		n.Left = Rewrite(n.Left, fn)
		n.Right = Rewrite(n.Right, fn)
		return fn(n)
	case Not:
		n.Operand = Rewrite(n.Operand, fn)
		return fn(n)
	case IsNil:
		n.Operand = Rewrite(n.Operand, fn)
		return fn(n)
	case If:
		n.Cond = Rewrite(n.Cond, fn)
		n.Then = Rewrite(n.Then, fn)
		n.Else = Rewrite(n.Else, fn)
		return fn(n)
	case Call:
		args := make([]Expr, len(n.Args))
		for i, a := range n.Args {
			args[i] = Rewrite(a, fn)
		}
		n.Args = args
		return fn(n)
	case nil:
		return nil
	}
	return fn(e)
}

// Walk visits e and its children depth-first. Returning false from fn stops
// descent into that node's children.
func Walk(e Expr, fn func(Expr) bool) {
	if e == nil || !fn(e) {
		return
	}
	switch n := e.(type) {
	case Binary:
		Walk(n.Left, fn)
		Walk(n.Right, fn)
	case Not:
		Walk(n.Operand, fn)
	case IsNil:
		Walk(n.Operand, fn)
	case If:
		Walk(n.Cond, fn)
		Walk(n.Then, fn)
		Walk(n.Else, fn)
	case Call:
		for _, a := range n.Args {
			Walk(a, fn)
		}
	}
}

// Refs returns the fields read by Ref and AtomicRef nodes in e, in first-seen order.
func Refs(e Expr) []string {
	var out []string
	seen := make(map[string]bool)
	Walk(e, func(n Expr) bool {
		var field string
		switch r := n.(type) {
		case Ref:
			field = r.Field
		case AtomicRef:
			field = r.Field
		default:
			return true
		}
		if !seen[field] {
			seen[field] = true
			out = append(out, field)
		}
		return true
	})
	return out
}

// HasTemplate reports whether e still contains placeholders.
func HasTemplate(e Expr) bool {
	found := false
	Walk(e, func(n Expr) bool {
		switch n.(type) {
		case Arg, Actor, Tenant, ContextRef:
			found = true
		}
		return !found
	})
	return found
}

// HasError reports whether e contains an Error node.
func HasError(e Expr) bool {
	found := false
	Walk(e, func(n Expr) bool {
		if _, ok := n.(Error); ok {
			found = true
		}
		return !found
	})
	return found
}

// Schema is what Hydrate checks references against.
type Schema interface {
	HasField(name string) bool
}

// HydrateError reports a reference to a field the schema does not have.
type HydrateError struct {
	Field string
	Expr  string
}

func (e *HydrateError) Error() string {
	return fmt.Sprintf("unknown field %q in %s", e.Field, e.Expr)
}

// Hydrate checks that every field reference in e exists in schema and that no
// placeholders remain. It returns e unchanged on success.
func Hydrate(e Expr, schema Schema) (Expr, error) {
	for _, f := range Refs(e) {
		if !schema.HasField(f) {
			return nil, &HydrateError{Field: f, Expr: String(e)}
		}
	}
	if HasTemplate(e) {
		return nil, fmt.Errorf("unfilled template placeholder in %s", String(e))
	}
	return e, nil
}

// Static evaluates e without a stored row. ok is false when e needs the row.
func Static(e Expr) (v ir.IRValue, ok bool, err error) {
	return Eval(e, Env{})
}
