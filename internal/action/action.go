package action

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/changeset/internal/changeset"
	"github.com/roach88/changeset/internal/expr"
	"github.com/roach88/changeset/internal/ir"
	"github.com/roach88/changeset/internal/resource"
)

// ErrNeedsData is returned by a validator that cannot decide without the
// stored row.
var ErrNeedsData = errors.New("validation needs the stored row")

// Opts are a step's options. Field names are given as bare identifiers and
// arrive as expr.Ref nodes.
type Opts map[string]expr.Expr

// Fill substitutes template placeholders in every option.
func (o Opts) Fill(t expr.Template) Opts {
	out := make(Opts, len(o))
	for k, e := range o {
		out[k] = expr.FillTemplate(e, t)
	}
	return out
}

// Expr returns a required option.
func (o Opts) Expr(name string) (expr.Expr, error) {
	e, ok := o[name]
	if !ok || e == nil {
		return nil, fmt.Errorf("missing option %q", name)
	}
	return e, nil
}

// Field returns an option naming an attribute.
func (o Opts) Field(name string) (string, error) {
	e, err := o.Expr(name)
	if err != nil {
		return "", err
	}
	return fieldName(e)
}

// Fields returns an option naming one attribute or a list of them.
func (o Opts) Fields(name string) ([]string, error) {
	e, err := o.Expr(name)
	if err != nil {
		return nil, err
	}
	if l, ok := e.(expr.Literal); ok {
		if arr, ok := l.Value.(ir.IRArray); ok {
			out := make([]string, 0, len(arr))
			for _, v := range arr {
				s, ok := v.(ir.IRString)
				if !ok {
					return nil, fmt.Errorf("option %q: %s is not a field name", name, ir.String(v))
				}
				out = append(out, string(s))
			}
			return out, nil
		}
	}
	f, err := fieldName(e)
	if err != nil {
		return nil, err
	}
	return []string{f}, nil
}

// Value evaluates an option without the stored row.
func (o Opts) Value(name string) (ir.IRValue, bool, error) {
	e, err := o.Expr(name)
	if err != nil {
		return nil, false, err
	}
	return expr.Static(e)
}

// Int returns an integer option, or def when absent.
func (o Opts) Int(name string, def int64) (int64, bool, error) {
	if _, ok := o[name]; !ok {
		return def, false, nil
	}
	v, known, err := o.Value(name)
	if err != nil {
		return 0, false, err
	}
	n, ok := v.(ir.IRInt)
	if !known || !ok {
		return 0, false, fmt.Errorf("option %q must be an integer", name)
	}
	return int64(n), true, nil
}

// String returns a string option, or "" when absent.
func (o Opts) String(name string) (string, error) {
	if _, ok := o[name]; !ok {
		return "", nil
	}
	v, known, err := o.Value(name)
	if err != nil {
		return "", err
	}
	s, ok := v.(ir.IRString)
	if !known || !ok {
		return "", fmt.Errorf("option %q must be a string", name)
	}
	return string(s), nil
}

func fieldName(e expr.Expr) (string, error) {
	switch n := e.(type) {
	case expr.Ref:
		return n.Field, nil
	case expr.AtomicRef:
		return n.Field, nil
	case expr.Literal:
		if s, ok := n.Value.(ir.IRString); ok {
			return string(s), nil
		}
	}
	return "", fmt.Errorf("%s is not a field name", expr.String(e))
}

// AtomicResult is what a module's atomic form produces. A non-empty
// NotAtomic reason means the module cannot run atomically with these
// options.
type AtomicResult struct {
	Fragments   []expr.Assignment
	Validations []changeset.AtomicValidation
	NotAtomic   string
}

// NotAtomicResult reports that a module cannot run atomically.
func NotAtomicResult(format string, args ...any) AtomicResult {
	return AtomicResult{NotAtomic: fmt.Sprintf(format, args...)}
}

// ChangeModule is a named change. Apply runs in the phased pipeline;
// Atomic is nil when the change has no atomic form.
type ChangeModule struct {
	Name   string
	Apply  func(ctx context.Context, c *changeset.Changeset, opts Opts) error
	Atomic func(ctx context.Context, c *changeset.Changeset, opts Opts) (AtomicResult, error)
}

// ValidationModule is a named validation. Validate returns the failure,
// nil when the changeset passes, or ErrNeedsData. Atomic returns the
// conditions under which the validation fails.
type ValidationModule struct {
	Name     string
	Validate func(ctx context.Context, c *changeset.Changeset, opts Opts) error
	Atomic   func(ctx context.Context, c *changeset.Changeset, opts Opts) (AtomicResult, error)
}

// Change is a change step.
type Change struct {
	Module *ChangeModule
	Opts   Opts
	Where  []Validation
}

// Validation is a validation step, or a where-guard of another step.
// Message replaces the module's failure message when set.
type Validation struct {
	Module  *ValidationModule
	Opts    Opts
	Where   []Validation
	Message string
}

// Step is one entry of an action: exactly one of Change and Validation is
// set.
type Step struct {
	Change     *Change
	Validation *Validation
}

// Name returns the module name of the step.
func (s Step) Name() string {
	if s.Change != nil {
		return s.Change.Module.Name
	}
	if s.Validation != nil {
		return s.Validation.Module.Name
	}
	return ""
}

// Argument is a declared action input that is not an attribute.
type Argument struct {
	Name     string
	Type     resource.Type
	AllowNil bool
	Default  expr.Expr
}

// Action is a declared create, update or destroy.
type Action struct {
	Name      string
	Kind      changeset.Kind
	Accept    []string
	Arguments []Argument
	Steps     []Step

	// Transaction is nil for the default of wrapping the write in a
	// transaction when it matters.
	Transaction *bool
	Timeout     time.Duration
}

// Transactional reports whether the action allows a transaction.
func (a *Action) Transactional() bool {
	return a.Transaction == nil || *a.Transaction
}

// Accepts reports whether field may be set from params.
func (a *Action) Accepts(field string) bool {
	for _, f := range a.Accept {
		if f == field {
			return true
		}
	}
	return false
}

// Argument looks up a declared argument.
func (a *Action) Argument(name string) (Argument, bool) {
	for _, arg := range a.Arguments {
		if arg.Name == name {
			return arg, true
		}
	}
	return Argument{}, false
}

// Options carry the caller's identity and write options into a changeset.
type Options struct {
	Actor        ir.IRObject
	Tenant       ir.IRValue
	Context      ir.IRObject
	Authorize    bool
	Timeout      time.Duration
	Select       []string
	Upsert       bool
	UpsertFields []string

	// Now overrides the clock used for now() and time defaults.
	Now func() ir.IRValue
}
