package changeset

import (
	"context"
	"slices"

	"github.com/roach88/changeset/internal/ir"
)

// Result is what a successful run produces.
type Result struct {
	Record        ir.IRObject
	Notifications []Notification
}

// Notification is a deferred side effect of a successful write, released
// once per outermost run after commit.
type Notification struct {
	ID       string      `json:"id"`
	Resource string      `json:"resource"`
	Action   string      `json:"action"`
	Kind     Kind        `json:"kind"`
	Data     ir.IRObject `json:"data"`
	Changed  []string    `json:"changed"`
	Seq      int64       `json:"seq"`
	RunID    string      `json:"run_id"`
}

// Next continues an around hook chain.
type Next func(ctx context.Context, c *Changeset) (Result, error)

// BeforeHook runs before the action or the transaction. Returning an error
// or leaving the changeset invalid halts the remaining hooks of its kind.
type BeforeHook func(ctx context.Context, c *Changeset) error

// AroundHook wraps the rest of the run. It must call next exactly once.
type AroundHook func(ctx context.Context, c *Changeset, next Next) (Result, error)

// AfterActionHook runs after a successful write with the record and the
// notifications gathered so far.
type AfterActionHook func(ctx context.Context, c *Changeset, record ir.IRObject, notes []Notification) (ir.IRObject, []Notification, error)

// AfterTransactionHook runs once per run, on success and failure, and may
// replace the outcome.
type AfterTransactionHook func(ctx context.Context, c *Changeset, res Result, err error) (Result, error)

type hookLists struct {
	beforeAction      []BeforeHook
	aroundAction      []AroundHook
	afterAction       []AfterActionHook
	beforeTransaction []BeforeHook
	aroundTransaction []AroundHook
	afterTransaction  []AfterTransactionHook
}

type hookConfig struct {
	prepend bool
}

// HookOption configures a hook registration.
type HookOption func(*hookConfig)

// Prepend registers the hook ahead of those already registered.
func Prepend() HookOption {
	return func(c *hookConfig) {
		c.prepend = true
	}
}

func add[H any](list []H, h H, opts []HookOption) []H {
	var cfg hookConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.prepend {
		return slices.Insert(list, 0, h)
	}
	return append(list, h)
}

var (
	transactionHookPhases = []Phase{PhasePending, PhaseAtomic, PhaseValidate}

	afterTransactionHookPhases = []Phase{PhasePending, PhaseAtomic, PhaseValidate, PhaseBeforeTransaction}

	actionHookPhases = []Phase{
		PhasePending, PhaseAtomic, PhaseValidate,
		PhaseAroundTransaction, PhaseBeforeTransaction,
		PhaseAroundAction, PhaseBeforeAction,
	}
)

func (c *Changeset) checkHookPhase(kind string, allowed []Phase) error {
	if c.consumed && c.phase == PhasePending {
		return &AlreadyValidatedError{Phase: c.phase, Operation: "register " + kind + " hook on a consumed changeset"}
	}
	if !slices.Contains(allowed, c.phase) {
		return &AlreadyValidatedError{Phase: c.phase, Operation: "register " + kind + " hook"}
	}
	return nil
}

// BeforeAction registers a hook run just before the data-layer write.
func (c *Changeset) BeforeAction(h BeforeHook, opts ...HookOption) error {
	if err := c.checkHookPhase("before_action", actionHookPhases); err != nil {
		return err
	}
	c.hooks.beforeAction = add(c.hooks.beforeAction, h, opts)
	return nil
}

// AroundAction registers a hook wrapping before_action, the write and
// after_action.
func (c *Changeset) AroundAction(h AroundHook, opts ...HookOption) error {
	if err := c.checkHookPhase("around_action", actionHookPhases); err != nil {
		return err
	}
	c.hooks.aroundAction = add(c.hooks.aroundAction, h, opts)
	return nil
}

// AfterAction registers a hook run after a successful write.
func (c *Changeset) AfterAction(h AfterActionHook, opts ...HookOption) error {
	if err := c.checkHookPhase("after_action", actionHookPhases); err != nil {
		return err
	}
	c.hooks.afterAction = add(c.hooks.afterAction, h, opts)
	return nil
}

// BeforeTransaction registers a hook run before the transaction opens.
func (c *Changeset) BeforeTransaction(h BeforeHook, opts ...HookOption) error {
	if err := c.checkHookPhase("before_transaction", transactionHookPhases); err != nil {
		return err
	}
	c.hooks.beforeTransaction = add(c.hooks.beforeTransaction, h, opts)
	return nil
}

// AroundTransaction registers a hook wrapping the whole run.
func (c *Changeset) AroundTransaction(h AroundHook, opts ...HookOption) error {
	if err := c.checkHookPhase("around_transaction", transactionHookPhases); err != nil {
		return err
	}
	c.hooks.aroundTransaction = add(c.hooks.aroundTransaction, h, opts)
	return nil
}

// AfterTransaction registers a hook run once the transaction is over,
// whatever its outcome.
func (c *Changeset) AfterTransaction(h AfterTransactionHook, opts ...HookOption) error {
	if err := c.checkHookPhase("after_transaction", afterTransactionHookPhases); err != nil {
		return err
	}
	c.hooks.afterTransaction = add(c.hooks.afterTransaction, h, opts)
	return nil
}

// HasActionHooks reports whether any before, after or around action hook is
// registered.
func (c *Changeset) HasActionHooks() bool {
	return len(c.hooks.beforeAction) > 0 || len(c.hooks.aroundAction) > 0 || len(c.hooks.afterAction) > 0
}

// BeforeActionAt returns the ith before_action hook. Hooks registered
// while the list is being drained are visible to later calls.
func (c *Changeset) BeforeActionAt(i int) (BeforeHook, bool) {
	return at(c.hooks.beforeAction, i)
}

// AroundActionAt returns the ith around_action hook.
func (c *Changeset) AroundActionAt(i int) (AroundHook, bool) {
	return at(c.hooks.aroundAction, i)
}

// AfterActionAt returns the ith after_action hook.
func (c *Changeset) AfterActionAt(i int) (AfterActionHook, bool) {
	return at(c.hooks.afterAction, i)
}

// BeforeTransactionAt returns the ith before_transaction hook.
func (c *Changeset) BeforeTransactionAt(i int) (BeforeHook, bool) {
	return at(c.hooks.beforeTransaction, i)
}

// AroundTransactionAt returns the ith around_transaction hook.
func (c *Changeset) AroundTransactionAt(i int) (AroundHook, bool) {
	return at(c.hooks.aroundTransaction, i)
}

// AfterTransactionAt returns the ith after_transaction hook.
func (c *Changeset) AfterTransactionAt(i int) (AfterTransactionHook, bool) {
	return at(c.hooks.afterTransaction, i)
}

func at[H any](list []H, i int) (H, bool) {
	if i < 0 || i >= len(list) {
		var zero H
		return zero, false
	}
	return list[i], true
}
