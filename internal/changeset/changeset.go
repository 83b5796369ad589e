package changeset

import (
	"time"

	"github.com/roach88/changeset/internal/expr"
	"github.com/roach88/changeset/internal/ir"
	"github.com/roach88/changeset/internal/resource"
)

// Kind is the operation a changeset performs.
type Kind string

const (
	KindCreate  Kind = "create"
	KindUpdate  Kind = "update"
	KindDestroy Kind = "destroy"
)

// Phase is the lifecycle stage of a changeset. It gates which setters and
// hook registrations are legal.
type Phase string

const (
	PhasePending           Phase = "pending"
	PhaseAtomic            Phase = "atomic"
	PhaseValidate          Phase = "validate"
	PhaseAroundTransaction Phase = "around_transaction"
	PhaseBeforeTransaction Phase = "before_transaction"
	PhaseAroundAction      Phase = "around_action"
	PhaseBeforeAction      Phase = "before_action"
	PhaseAfterAction       Phase = "after_action"
	PhaseAfterTransaction  Phase = "after_transaction"
)

// AtomicValidation is a deferred check: when Condition holds for the row
// being written, evaluating Error fails the write. Field names the attribute
// whose fragment should carry the check; empty means the record as a whole.
type AtomicValidation struct {
	Field     string
	Condition expr.Expr
	Error     expr.Error
}

// ArgumentDef declares an action argument for casting.
type ArgumentDef struct {
	Name     string
	Type     resource.Type
	AllowNil bool
}

// Changeset accumulates one pending create, update or destroy.
//
// A changeset is owned by the goroutine driving the operation and is not
// safe for concurrent use. Field-level failures are collected in Errors
// instead of being returned; setters return an error only for misuse
// (AlreadyValidatedError) or, for atomic setters, NotAtomicError.
type Changeset struct {
	Resource *resource.Resource
	Kind     Kind
	Action   string

	// data is the prior row. For creates it holds null for every attribute.
	data          ir.IRObject
	dataAvailable bool

	attributes  ir.IRObject
	atomics     []expr.Assignment
	validations []AtomicValidation
	arguments   ir.IRObject
	argDefs     map[string]ArgumentDef
	errors      []error
	phase       Phase
	consumed    bool

	defaults      map[string]bool
	atomicChanged []string
	lazyValues    map[string]ir.IRValue

	hooks hookLists

	Timeout time.Duration
	tenant  ir.IRValue
	context ir.IRObject

	filter expr.Expr

	// Select limits the columns returned by the write.
	Select []string

	// Upsert turns a create into an insert-or-update keyed on the primary key.
	Upsert       bool
	UpsertFields []string

	// RelationshipsPending marks related-record work that has to share the
	// write's transaction.
	RelationshipsPending bool

	now func() ir.IRValue
}

func newChangeset(r *resource.Resource, kind Kind, data ir.IRObject, available bool) *Changeset {
	return &Changeset{
		Resource:      r,
		Kind:          kind,
		data:          data,
		dataAvailable: available,
		attributes:    make(ir.IRObject),
		arguments:     make(ir.IRObject),
		argDefs:       make(map[string]ArgumentDef),
		defaults:      make(map[string]bool),
		lazyValues:    make(map[string]ir.IRValue),
		context:       make(ir.IRObject),
		phase:         PhasePending,
		now: func() ir.IRValue {
			return ir.IRString(time.Now().UTC().Format(time.RFC3339))
		},
	}
}

// ForCreateRecord starts a create. Every attribute starts out null.
func ForCreateRecord(r *resource.Resource) *Changeset {
	data := make(ir.IRObject, len(r.Attributes))
	for _, a := range r.Attributes {
		data[a.Name] = ir.Null
	}
	return newChangeset(r, KindCreate, data, true)
}

// ForUpdateRecord starts an update of a loaded row.
func ForUpdateRecord(r *resource.Resource, row ir.IRObject) *Changeset {
	return newChangeset(r, KindUpdate, row.Clone(), true)
}

// ForDestroyRecord starts a destroy of a loaded row.
func ForDestroyRecord(r *resource.Resource, row ir.IRObject) *Changeset {
	return newChangeset(r, KindDestroy, row.Clone(), true)
}

// ForAtomic starts an update or destroy of the row identified by key
// without loading it. Only the key fields are known; phase starts at atomic.
func ForAtomic(r *resource.Resource, kind Kind, key ir.IRObject) *Changeset {
	c := newChangeset(r, kind, key.Clone(), false)
	if kind == KindCreate {
		c = ForCreateRecord(r)
	}
	c.phase = PhaseAtomic
	return c
}

// SetNow replaces the clock used for now() when atomic fragments on a
// create are evaluated immediately.
func (c *Changeset) SetNow(fn func() ir.IRValue) {
	c.now = fn
}

// Now returns the changeset's clock value.
func (c *Changeset) Now() ir.IRValue {
	return c.now()
}

// Phase returns the current phase.
func (c *Changeset) Phase() Phase { return c.phase }

// SetPhase moves the changeset to p. The engine and the atomic compiler
// drive phases; other callers should not.
func (c *Changeset) SetPhase(p Phase) { c.phase = p }

// Consume marks the changeset as used by a run. Setters fail afterwards.
func (c *Changeset) Consume() { c.consumed = true }

// Consumed reports whether a run has used the changeset.
func (c *Changeset) Consumed() bool { return c.consumed }

// Data returns the prior row and whether it was loaded.
func (c *Changeset) Data() (ir.IRObject, bool) {
	return c.data, c.dataAvailable
}

// Key returns the primary key of the target row.
func (c *Changeset) Key() ir.IRObject {
	return c.Resource.Key(c.data)
}

// Errors returns the accumulated errors in the order they were recorded.
func (c *Changeset) Errors() []error {
	out := make([]error, len(c.errors))
	copy(out, c.errors)
	return out
}

// AddError records err and marks the changeset invalid.
func (c *Changeset) AddError(err error) {
	if err != nil {
		c.errors = append(c.errors, err)
	}
}

// Valid reports whether no error has been recorded.
func (c *Changeset) Valid() bool { return len(c.errors) == 0 }

// Err returns an *InvalidError holding every recorded error, or nil.
func (c *Changeset) Err() error {
	if c.Valid() {
		return nil
	}
	return &InvalidError{Errors: c.Errors()}
}

// Attribute returns the pending concrete change for field.
func (c *Changeset) Attribute(field string) (ir.IRValue, bool) {
	v, ok := c.attributes[field]
	return v, ok
}

// Attributes returns a copy of the pending concrete changes.
func (c *Changeset) Attributes() ir.IRObject {
	return c.attributes.Clone()
}

// ChangedFields returns the fields with a pending change or atomic
// fragment, sorted.
func (c *Changeset) ChangedFields() []string {
	seen := make(ir.IRObject, len(c.attributes)+len(c.atomics))
	for f := range c.attributes {
		seen[f] = ir.Null
	}
	for _, a := range c.atomics {
		seen[a.Field] = ir.Null
	}
	return seen.SortedKeys()
}

// Changing reports whether field has a pending change or atomic fragment.
func (c *Changeset) Changing(field string) bool {
	if _, ok := c.attributes[field]; ok {
		return true
	}
	_, ok := c.AtomicFragment(field)
	return ok
}

// Value returns the value field will have after the write, if it can be
// known without the data layer: the pending change, else a fragment that
// evaluates without the row, else the prior value.
func (c *Changeset) Value(field string) (ir.IRValue, bool) {
	if v, ok := c.attributes[field]; ok {
		return v, true
	}
	if e, ok := c.AtomicFragment(field); ok {
		v, known, err := expr.Eval(e, c.evalEnv())
		if err != nil || !known {
			return nil, false
		}
		return v, true
	}
	if c.dataAvailable {
		return c.data.Get(field), true
	}
	return nil, false
}

// Record returns the prior row with every concrete change applied.
func (c *Changeset) Record() ir.IRObject {
	out := c.data.Clone()
	for f, v := range c.attributes {
		out[f] = v
	}
	return out
}

func (c *Changeset) evalEnv() expr.Env {
	env := expr.Env{Now: c.now}
	if c.dataAvailable {
		env.Row = c.data
	}
	return env
}

// IsDefault reports whether field currently holds a value set by a default.
func (c *Changeset) IsDefault(field string) bool {
	return c.defaults[field]
}

// MarkDefault records that field holds a default value.
func (c *Changeset) MarkDefault(field string) {
	c.defaults[field] = true
}

// LazyValue returns the value of a lazy default for field, calling fn the
// first time only.
func (c *Changeset) LazyValue(field string, fn func() (ir.IRValue, error)) (ir.IRValue, error) {
	if v, ok := c.lazyValues[field]; ok {
		return v, nil
	}
	v, err := fn()
	if err != nil {
		return nil, err
	}
	c.lazyValues[field] = v
	return v, nil
}

// Filter returns the changeset filter, or nil.
func (c *Changeset) Filter() expr.Expr { return c.filter }

// AddFilter conjoins f onto the changeset filter. The write fails with
// StaleRecordError when the stored row does not match.
func (c *Changeset) AddFilter(f expr.Expr) error {
	if err := c.checkMutable("add a filter"); err != nil {
		return err
	}
	if c.filter == nil {
		c.filter = f
		return nil
	}
	c.filter = expr.And(c.filter, f)
	return nil
}

// Tenant returns the tenant.
func (c *Changeset) Tenant() ir.IRValue {
	if c.tenant == nil {
		return ir.Null
	}
	return c.tenant
}

// SetTenant sets the tenant.
func (c *Changeset) SetTenant(t ir.IRValue) error {
	if err := c.checkMutable("set the tenant"); err != nil {
		return err
	}
	c.tenant = t
	return nil
}

// TenantID returns the tenant rendered as a string, or "" without one.
func (c *Changeset) TenantID() string {
	switch t := c.Tenant().(type) {
	case ir.IRNull:
		return ""
	case ir.IRString:
		return string(t)
	default:
		return ir.String(t)
	}
}

// Context returns a copy of the context.
func (c *Changeset) Context() ir.IRObject {
	return c.context.Clone()
}

// SetContext deep-merges ctx into the context.
func (c *Changeset) SetContext(ctx ir.IRObject) error {
	if err := c.checkMutable("set context"); err != nil {
		return err
	}
	c.context = c.context.Merge(ctx)
	return nil
}

const privateKey = "private"

func (c *Changeset) private() ir.IRObject {
	p, _ := c.context.Get(privateKey).(ir.IRObject)
	return p
}

func (c *Changeset) setPrivate(key string, v ir.IRValue) {
	c.context = c.context.Merge(ir.IRObject{privateKey: ir.IRObject{key: v}})
}

// Actor returns the actor stored in the private context.
func (c *Changeset) Actor() ir.IRObject {
	a, _ := c.private().Get("actor").(ir.IRObject)
	return a
}

// SetActor stores the actor in the private context.
func (c *Changeset) SetActor(actor ir.IRObject) {
	if actor == nil {
		c.setPrivate("actor", ir.Null)
		return
	}
	c.setPrivate("actor", actor)
}

// Authorize reports whether authorization was requested.
func (c *Changeset) Authorize() bool {
	b, _ := c.private().Get("authorize").(ir.IRBool)
	return bool(b)
}

// SetAuthorize records whether authorization was requested.
func (c *Changeset) SetAuthorize(v bool) {
	c.setPrivate("authorize", ir.IRBool(v))
}

// Tracer returns the tracer name in the private context.
func (c *Changeset) Tracer() string {
	s, _ := c.private().Get("tracer").(ir.IRString)
	return string(s)
}

// SetTracer stores the tracer name in the private context.
func (c *Changeset) SetTracer(name string) {
	c.setPrivate("tracer", ir.IRString(name))
}

// Template returns the values substituted into option templates.
func (c *Changeset) Template() expr.Template {
	return expr.Template{
		Actor:   c.Actor(),
		Tenant:  c.Tenant(),
		Args:    c.arguments,
		Context: c.context,
	}
}
