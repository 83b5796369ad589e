package catalog

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/roach88/changeset/internal/action"
	"github.com/roach88/changeset/internal/changeset"
	"github.com/roach88/changeset/internal/datalayer"
	"github.com/roach88/changeset/internal/expr"
	"github.com/roach88/changeset/internal/ir"
	"github.com/roach88/changeset/internal/resource"
)

// Catalog holds the resources and actions of a set of definitions.
type Catalog struct {
	Registry *resource.Registry

	actions map[string]map[string]*action.Action
}

// Option configures Build.
type Option func(*builder)

// WithChange makes a custom change module available by name, in addition
// to the builtins. A custom module shadows a builtin of the same name.
func WithChange(m *action.ChangeModule) Option {
	return func(b *builder) {
		b.changes[m.Name] = m
	}
}

// WithValidation makes a custom validation module available by name.
func WithValidation(m *action.ValidationModule) Option {
	return func(b *builder) {
		b.validations[m.Name] = m
	}
}

// WithDefaultFuncs replaces the functions usable as "name()" defaults.
// Default: resource.NewDefaultFuncs(nil).
func WithDefaultFuncs(funcs resource.DefaultFuncs) Option {
	return func(b *builder) {
		b.funcs = funcs
	}
}

type builder struct {
	changes     map[string]*action.ChangeModule
	validations map[string]*action.ValidationModule
	funcs       resource.DefaultFuncs
}

// Build resolves specs against dl. Specs are validated structurally first;
// the first failure is returned with the resource it belongs to.
func Build(specs []ir.ResourceSpec, dl datalayer.DataLayer, opts ...Option) (*Catalog, error) {
	b := &builder{
		changes:     make(map[string]*action.ChangeModule),
		validations: make(map[string]*action.ValidationModule),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.funcs == nil {
		b.funcs = resource.NewDefaultFuncs(nil)
	}

	reg, err := resource.NewRegistry()
	if err != nil {
		return nil, err
	}
	cat := &Catalog{
		Registry: reg,
		actions:  make(map[string]map[string]*action.Action),
	}

	for i := range specs {
		spec := &specs[i]
		if errs := spec.Validate(); len(errs) > 0 {
			return nil, fmt.Errorf("resource %s: %w", spec.Name, errs[0])
		}
		res, err := b.resource(spec, dl)
		if err != nil {
			return nil, fmt.Errorf("resource %s: %w", spec.Name, err)
		}
		if err := reg.Register(res); err != nil {
			return nil, err
		}

		actions := make(map[string]*action.Action, len(spec.Actions))
		for _, as := range spec.Actions {
			act, err := b.action(res, as)
			if err != nil {
				return nil, fmt.Errorf("resource %s action %s: %w", spec.Name, as.Name, err)
			}
			actions[act.Name] = act
		}
		cat.actions[res.Name] = actions
	}
	return cat, nil
}

// Resource returns the resource called name.
func (c *Catalog) Resource(name string) (*resource.Resource, error) {
	res, ok := c.Registry.Get(name)
	if !ok {
		return nil, fmt.Errorf("unknown resource %q", name)
	}
	return res, nil
}

// Action returns a resource and one of its actions.
func (c *Catalog) Action(resourceName, actionName string) (*resource.Resource, *action.Action, error) {
	res, err := c.Resource(resourceName)
	if err != nil {
		return nil, nil, err
	}
	act, ok := c.actions[resourceName][actionName]
	if !ok {
		return nil, nil, fmt.Errorf("resource %s has no action %q", resourceName, actionName)
	}
	return res, act, nil
}

// Actions returns the action names of a resource, sorted.
func (c *Catalog) Actions(resourceName string) []string {
	names := make([]string, 0, len(c.actions[resourceName]))
	for name := range c.actions[resourceName] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Migrate creates the table of every resource on its data layer.
func (c *Catalog) Migrate(ctx context.Context) error {
	for _, name := range c.Registry.Names() {
		res, _ := c.Registry.Get(name)
		if err := res.DataLayer.Migrate(ctx, res.TableDef()); err != nil {
			return fmt.Errorf("migrate %s: %w", name, err)
		}
	}
	return nil
}

func (b *builder) resource(spec *ir.ResourceSpec, dl datalayer.DataLayer) (*resource.Resource, error) {
	attrs := make([]*resource.Attribute, 0, len(spec.Attributes))
	for _, as := range spec.Attributes {
		a, err := b.attribute(as)
		if err != nil {
			return nil, fmt.Errorf("attribute %s: %w", as.Name, err)
		}
		attrs = append(attrs, a)
	}
	return resource.New(spec.Name, spec.Table, spec.PrimaryKey, attrs, dl)
}

func (b *builder) attribute(as ir.AttributeSpec) (*resource.Attribute, error) {
	typ, err := resource.LookupType(as.Type)
	if err != nil {
		return nil, err
	}
	a := &resource.Attribute{
		Name:     as.Name,
		Type:     typ,
		AllowNil: as.AllowNil,
		Writable: as.Writable,
		Constraints: resource.Constraints{
			Min:        as.Constraints.Min,
			Max:        as.Constraints.Max,
			MinLength:  as.Constraints.MinLength,
			MaxLength:  as.Constraints.MaxLength,
			OneOf:      as.Constraints.OneOf,
			AllowEmpty: as.Constraints.AllowEmpty,
			NoTrim:     as.Constraints.NoTrim,
		},
	}
	if as.Constraints.Match != "" {
		re, err := regexp.Compile(as.Constraints.Match)
		if err != nil {
			return nil, fmt.Errorf("match: %w", err)
		}
		a.Constraints.Match = re
	}
	if a.Default, err = resource.ParseDefault(as.Default, b.funcs); err != nil {
		return nil, err
	}
	if a.UpdateDefault, err = resource.ParseDefault(as.UpdateDefault, b.funcs); err != nil {
		return nil, err
	}
	return a, nil
}

func (b *builder) action(res *resource.Resource, as ir.ActionSpec) (*action.Action, error) {
	act := &action.Action{
		Name:        as.Name,
		Kind:        changeset.Kind(as.Kind),
		Accept:      as.Accept,
		Transaction: as.Transaction,
	}
	for _, f := range as.Accept {
		if _, err := res.Lookup(f); err != nil {
			return nil, err
		}
	}
	if as.Timeout != "" {
		d, err := time.ParseDuration(as.Timeout)
		if err != nil {
			return nil, fmt.Errorf("timeout: %w", err)
		}
		act.Timeout = d
	}

	for _, arg := range as.Arguments {
		typ, err := resource.LookupType(arg.Type)
		if err != nil {
			return nil, fmt.Errorf("argument %s: %w", arg.Name, err)
		}
		a := action.Argument{Name: arg.Name, Type: typ, AllowNil: arg.AllowNil}
		if arg.Default != "" {
			if a.Default, err = expr.Parse(arg.Default); err != nil {
				return nil, fmt.Errorf("argument %s default: %w", arg.Name, err)
			}
		}
		act.Arguments = append(act.Arguments, a)
	}

	for i, ss := range as.Steps {
		step, err := b.step(ss)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		act.Steps = append(act.Steps, step)
	}
	return act, nil
}

func (b *builder) step(ss ir.StepSpec) (action.Step, error) {
	opts, err := parseOpts(ss.Opts)
	if err != nil {
		return action.Step{}, err
	}
	where, err := b.guards(ss.Where)
	if err != nil {
		return action.Step{}, err
	}

	if ss.Change != "" {
		m, err := b.change(ss.Change)
		if err != nil {
			return action.Step{}, err
		}
		return action.Step{Change: &action.Change{Module: m, Opts: opts, Where: where}}, nil
	}

	v, err := b.validation(ss)
	if err != nil {
		return action.Step{}, err
	}
	v.Opts = opts
	v.Where = where
	return action.Step{Validation: v}, nil
}

func (b *builder) guards(specs []ir.StepSpec) ([]action.Validation, error) {
	var out []action.Validation
	for i, ws := range specs {
		v, err := b.validation(ws)
		if err != nil {
			return nil, fmt.Errorf("where %d: %w", i, err)
		}
		if v.Opts, err = parseOpts(ws.Opts); err != nil {
			return nil, fmt.Errorf("where %d: %w", i, err)
		}
		if v.Where, err = b.guards(ws.Where); err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, nil
}

func (b *builder) change(name string) (*action.ChangeModule, error) {
	if m, ok := b.changes[name]; ok {
		return m, nil
	}
	if m, ok := action.LookupChange(name); ok {
		return m, nil
	}
	return nil, fmt.Errorf("unknown change %q", name)
}

func (b *builder) validation(ss ir.StepSpec) (*action.Validation, error) {
	m, ok := b.validations[ss.Validate]
	if !ok {
		m, ok = action.LookupValidation(ss.Validate)
	}
	if !ok {
		return nil, fmt.Errorf("unknown validation %q", ss.Validate)
	}
	return &action.Validation{Module: m, Message: ss.Message}, nil
}

func parseOpts(raw map[string]string) (action.Opts, error) {
	opts := make(action.Opts, len(raw))
	for k, src := range raw {
		e, err := expr.Parse(src)
		if err != nil {
			return nil, fmt.Errorf("option %s: %w", k, err)
		}
		opts[k] = e
	}
	return opts, nil
}
