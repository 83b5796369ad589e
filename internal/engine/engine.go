package engine

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/roach88/changeset/internal/changeset"
	"github.com/roach88/changeset/internal/datalayer"
	"github.com/roach88/changeset/internal/ir"
	"github.com/roach88/changeset/internal/metrics"
)

// Notifier receives the notifications of a successful outermost run once
// its transaction has committed.
type Notifier interface {
	Notify(ctx context.Context, notes []changeset.Notification) error
}

// Engine runs changesets. An Engine is safe for concurrent use; each
// changeset is owned by the goroutine running it.
type Engine struct {
	clock          *Clock
	runIDs         RunIDGenerator
	notifier       Notifier
	metrics        *metrics.Metrics
	defaultTimeout time.Duration
	maxDepth       int
	now            func() ir.IRValue
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithNotifier sets where released notifications go. Default: LogNotifier.
func WithNotifier(n Notifier) EngineOption {
	return func(e *Engine) {
		e.notifier = n
	}
}

// WithMetrics records run, compile and transaction outcomes in m.
func WithMetrics(m *metrics.Metrics) EngineOption {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithClock sets the clock notifications are stamped from.
func WithClock(c *Clock) EngineOption {
	return func(e *Engine) {
		e.clock = c
	}
}

// WithRunIDs sets the run id generator. Default: UUIDv7Generator.
func WithRunIDs(g RunIDGenerator) EngineOption {
	return func(e *Engine) {
		e.runIDs = g
	}
}

// WithDefaultTimeout bounds runs whose changeset carries no timeout.
func WithDefaultTimeout(d time.Duration) EngineOption {
	return func(e *Engine) {
		e.defaultTimeout = d
	}
}

// WithNow sets the clock used by now() in changesets the engine builds.
func WithNow(fn func() ir.IRValue) EngineOption {
	return func(e *Engine) {
		e.now = fn
	}
}

// New creates an Engine.
func New(opts ...EngineOption) *Engine {
	e := &Engine{
		clock:    NewClock(),
		runIDs:   UUIDv7Generator{},
		notifier: LogNotifier{},
		maxDepth: DefaultMaxDepth,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Clock returns the engine clock.
func (e *Engine) Clock() *Clock {
	return e.clock
}

type runConfig struct {
	transaction bool
	timeout     time.Duration
}

// RunOption configures a single run.
type RunOption func(*runConfig)

// WithoutTransaction forbids the run from opening a transaction.
func WithoutTransaction() RunOption {
	return func(c *runConfig) {
		c.transaction = false
	}
}

// WithTimeout overrides the changeset timeout for this run.
func WithTimeout(d time.Duration) RunOption {
	return func(c *runConfig) {
		c.timeout = d
	}
}

// Run executes c: hooks, the data-layer write and notification release.
//
// A changeset that has not been finalized is finalized first. A changeset
// can be run once; running it again returns *changeset.AlreadyValidatedError.
// The result is either the written record with the notifications of the run
// in seq order, or an error. An invalid changeset always yields
// *changeset.InvalidError.
func (e *Engine) Run(ctx context.Context, c *changeset.Changeset, opts ...RunOption) (changeset.Result, error) {
	cfg := runConfig{transaction: true}
	for _, opt := range opts {
		opt(&cfg)
	}

	if c.Consumed() {
		return changeset.Result{}, &changeset.AlreadyValidatedError{Phase: c.Phase(), Operation: "run a changeset twice"}
	}
	switch c.Phase() {
	case changeset.PhasePending, changeset.PhaseAtomic:
		if err := c.Finalize(); err != nil {
			return changeset.Result{}, err
		}
	case changeset.PhaseValidate:
	default:
		return changeset.Result{}, &changeset.AlreadyValidatedError{Phase: c.Phase(), Operation: "run a changeset that is already running"}
	}
	if c.Resource.DataLayer == nil {
		return changeset.Result{}, fmt.Errorf("resource %s has no data layer", c.Resource.Name)
	}
	c.Consume()

	ctx, sc, outermost, leave := enterScope(ctx, e.runIDs.Generate)
	defer leave()
	if err := e.checkDepth(sc); err != nil {
		return changeset.Result{}, err
	}

	timeout := cfg.timeout
	if timeout == 0 {
		timeout = c.Timeout
	}
	if timeout == 0 {
		timeout = e.defaultTimeout
	}
	tx := useTransaction(c, cfg)

	slog.Debug("run starting",
		"run", sc.runID,
		"resource", c.Resource.Name,
		"action", c.Action,
		"kind", c.Kind,
		"transaction", tx,
		"outermost", outermost)

	start := time.Now()
	var (
		res changeset.Result
		err error
	)
	if timeout > 0 && !tx {
		res, err = e.runBounded(ctx, c, sc, timeout)
	} else {
		res, err = e.runHooks(ctx, c, sc, tx, timeout)
	}
	e.metrics.RunFinished(c.Resource.Name, c.Action, outcome(err), time.Since(start))

	if err != nil {
		if outermost {
			sc.discard()
		}
		slog.Debug("run failed",
			"run", sc.runID,
			"resource", c.Resource.Name,
			"action", c.Action,
			"error", err)
		return changeset.Result{}, err
	}

	for i := range res.Notifications {
		if res.Notifications[i].Seq == 0 {
			res.Notifications[i].Seq = e.clock.Next()
		}
		res.Notifications[i].RunID = sc.runID
	}
	if !outermost {
		sc.gather(res.Notifications)
		return res, nil
	}

	notes := append(sc.take(), res.Notifications...)
	slices.SortStableFunc(notes, func(a, b changeset.Notification) int {
		return cmp.Compare(a.Seq, b.Seq)
	})
	res.Notifications = notes
	e.release(ctx, sc, notes)
	return res, nil
}

// useTransaction decides whether a run opens a transaction. Checking for
// hooks is cheap, so a plain write on a layer that does not prefer
// transactions skips one.
func useTransaction(c *changeset.Changeset, cfg runConfig) bool {
	dl := c.Resource.DataLayer
	if !cfg.transaction || !dl.Supports(datalayer.CapTransact) {
		return false
	}
	return dl.PrefersTransaction() || c.HasActionHooks() || c.RelationshipsPending
}

// runBounded runs the hook-wrapped unit under a deadline of timeout. The
// unit stops at its next checkpoint once the deadline passes; runBounded
// returns only after it has stopped.
func (e *Engine) runBounded(ctx context.Context, c *changeset.Changeset, sc *scope, timeout time.Duration) (changeset.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := e.runHooks(ctx, c, sc, false, timeout)
	if changeset.IsTimeout(err) {
		slog.Warn("run timed out",
			"run", sc.runID,
			"resource", c.Resource.Name,
			"action", c.Action,
			"timeout", timeout)
	}
	return res, err
}

// runHooks runs around_transaction through after_transaction. The
// after_transaction hooks run exactly once: after the unit returns, or
// with a *changeset.PanicError before a panic is re-raised.
func (e *Engine) runHooks(ctx context.Context, c *changeset.Changeset, sc *scope, tx bool, timeout time.Duration) (res changeset.Result, err error) {
	defer c.SetPhase(changeset.PhasePending)

	afterRan := false
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if !afterRan {
			afterRan = true
			slog.Warn("run panicked",
				"run", sc.runID,
				"resource", c.Resource.Name,
				"action", c.Action,
				"panic", r)
			e.afterTransaction(ctx, c, changeset.Result{}, &changeset.PanicError{Value: r})
		}
		panic(r)
	}()

	res, err = e.aroundTransaction(ctx, c, sc, tx, timeout, 0)
	if err != nil && timeout > 0 && deadlineError(err) {
		err = timeoutError(c, timeout)
	}
	afterRan = true
	res, err = e.afterTransaction(ctx, c, res, err)
	if err == nil && !c.Valid() {
		return changeset.Result{}, c.Err()
	}
	return res, err
}

func (e *Engine) aroundTransaction(ctx context.Context, c *changeset.Changeset, sc *scope, tx bool, timeout time.Duration, i int) (changeset.Result, error) {
	h, ok := c.AroundTransactionAt(i)
	if !ok {
		return e.transaction(ctx, c, sc, tx, timeout)
	}
	c.SetPhase(changeset.PhaseAroundTransaction)
	return h(ctx, c, func(ctx context.Context, c *changeset.Changeset) (changeset.Result, error) {
		return e.aroundTransaction(ctx, c, sc, tx, timeout, i+1)
	})
}

// transaction runs before_transaction hooks and then the action, inside a
// transaction when tx is set. A scope that already holds a transaction on
// the same data layer runs the action inline.
func (e *Engine) transaction(ctx context.Context, c *changeset.Changeset, sc *scope, tx bool, timeout time.Duration) (changeset.Result, error) {
	c.SetPhase(changeset.PhaseBeforeTransaction)
	if err := e.runBefore(ctx, c, changeset.PhaseBeforeTransaction, c.BeforeTransactionAt); err != nil {
		return changeset.Result{}, err
	}
	if !tx {
		return e.actionUnit(ctx, c)
	}

	dl := c.Resource.DataLayer
	if sc.inTransaction(dl) {
		slog.Debug("joining enclosing transaction",
			"run", sc.runID,
			"resource", c.Resource.Name,
			"action", c.Action)
		return e.actionUnit(ctx, c)
	}

	end := sc.beginTransaction(dl)
	defer end()

	slog.Debug("transaction starting",
		"run", sc.runID,
		"data_layer", dl.Name(),
		"table", c.Resource.Table)

	var res changeset.Result
	err := dl.RunInTransaction(ctx, []string{c.Resource.Table}, timeout, func(ctx context.Context) error {
		var err error
		res, err = e.actionUnit(ctx, c)
		return err
	})
	e.metrics.TransactionFinished(err == nil)
	if err != nil {
		slog.Debug("transaction rolled back",
			"run", sc.runID,
			"resource", c.Resource.Name,
			"error", err)
		if deadlineError(err) {
			return changeset.Result{}, timeoutError(c, timeout)
		}
		return changeset.Result{}, err
	}
	slog.Debug("transaction committed",
		"run", sc.runID,
		"resource", c.Resource.Name)
	return res, nil
}

// actionUnit runs the around_action chain. A changeset left invalid by any
// hook in the chain fails the unit, which rolls back an open transaction.
func (e *Engine) actionUnit(ctx context.Context, c *changeset.Changeset) (changeset.Result, error) {
	res, err := e.aroundAction(ctx, c, 0)
	if err == nil && !c.Valid() {
		return changeset.Result{}, c.Err()
	}
	return res, err
}

func (e *Engine) aroundAction(ctx context.Context, c *changeset.Changeset, i int) (changeset.Result, error) {
	h, ok := c.AroundActionAt(i)
	if !ok {
		return e.action(ctx, c)
	}
	c.SetPhase(changeset.PhaseAroundAction)
	return h(ctx, c, func(ctx context.Context, c *changeset.Changeset) (changeset.Result, error) {
		return e.aroundAction(ctx, c, i+1)
	})
}

// action runs before_action hooks, writes, then runs after_action hooks.
func (e *Engine) action(ctx context.Context, c *changeset.Changeset) (changeset.Result, error) {
	c.SetPhase(changeset.PhaseBeforeAction)
	if err := e.runBefore(ctx, c, changeset.PhaseBeforeAction, c.BeforeActionAt); err != nil {
		return changeset.Result{}, err
	}

	record, err := e.execute(ctx, c)
	if err != nil {
		return changeset.Result{}, err
	}
	note, err := e.notification(c, record)
	if err != nil {
		return changeset.Result{}, err
	}
	notes := []changeset.Notification{note}

	c.SetPhase(changeset.PhaseAfterAction)
	for i := 0; ; i++ {
		h, ok := c.AfterActionAt(i)
		if !ok {
			break
		}
		record, notes, err = h(ctx, c, record, notes)
		if err != nil {
			return changeset.Result{}, e.hookFailed(c, changeset.PhaseAfterAction, i, err)
		}
		if !c.Valid() {
			return changeset.Result{}, c.Err()
		}
	}
	return changeset.Result{Record: record, Notifications: notes}, nil
}

// runBefore runs before hooks in order. It stops at the first hook that
// fails or leaves the changeset invalid, and before any hook once ctx is
// done.
func (e *Engine) runBefore(ctx context.Context, c *changeset.Changeset, phase changeset.Phase, at func(int) (changeset.BeforeHook, bool)) error {
	if !c.Valid() {
		return c.Err()
	}
	for i := 0; ; i++ {
		h, ok := at(i)
		if !ok {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := h(ctx, c); err != nil {
			return e.hookFailed(c, phase, i, err)
		}
		if !c.Valid() {
			return c.Err()
		}
	}
}

func (e *Engine) afterTransaction(ctx context.Context, c *changeset.Changeset, res changeset.Result, err error) (changeset.Result, error) {
	c.SetPhase(changeset.PhaseAfterTransaction)
	for i := 0; ; i++ {
		h, ok := c.AfterTransactionAt(i)
		if !ok {
			return res, err
		}
		res, err = h(ctx, c, res, err)
	}
}

func (e *Engine) hookFailed(c *changeset.Changeset, phase changeset.Phase, i int, err error) error {
	slog.Warn("hook failed",
		"resource", c.Resource.Name,
		"action", c.Action,
		"phase", phase,
		"index", i,
		"error", err)
	e.metrics.HookFailed(string(phase))
	return &changeset.HookFailureError{Phase: phase, Index: i, Err: err}
}

// execute turns the changeset into one data-layer write.
func (e *Engine) execute(ctx context.Context, c *changeset.Changeset) (ir.IRObject, error) {
	dl := c.Resource.DataLayer
	t := c.Resource.TableDef()
	w := datalayer.Write{
		Table:        t,
		Atomics:      c.Atomics(),
		Filter:       c.Filter(),
		Upsert:       c.Upsert,
		UpsertFields: c.UpsertFields,
	}
	selectInLayer := dl.Supports(datalayer.CapActionSelect)
	if selectInLayer {
		w.Select = c.Select
	}

	switch c.Kind {
	case changeset.KindCreate:
		w.Op = datalayer.OpInsert
		w.Values = c.Record()
		w.Key = datalayer.KeyOf(t, w.Values)
	case changeset.KindUpdate:
		w.Op = datalayer.OpUpdate
		w.Key = c.Key()
		w.Values = c.Attributes()
		if data, ok := c.Data(); ok && len(w.Values) == 0 && len(w.Atomics) == 0 && w.Filter == nil {
			slog.Debug("nothing to write",
				"resource", c.Resource.Name,
				"action", c.Action)
			return datalayer.Project(data.Clone(), c.Select), nil
		}
	case changeset.KindDestroy:
		w.Op = datalayer.OpDelete
		w.Key = c.Key()
	default:
		return nil, fmt.Errorf("unknown changeset kind %q", c.Kind)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	row, err := dl.Write(ctx, w)
	if err != nil {
		return nil, mapWriteError(c, w.Key, err)
	}
	if !selectInLayer {
		row = datalayer.Project(row, c.Select)
	}
	return row, nil
}

func (e *Engine) notification(c *changeset.Changeset, record ir.IRObject) (changeset.Notification, error) {
	seq := e.clock.Next()
	id, err := ir.NotificationID(c.Resource.Name, c.Action, record, seq)
	if err != nil {
		return changeset.Notification{}, fmt.Errorf("notification for %s.%s: %w", c.Resource.Name, c.Action, err)
	}
	return changeset.Notification{
		ID:       id,
		Resource: c.Resource.Name,
		Action:   c.Action,
		Kind:     c.Kind,
		Data:     record.Clone(),
		Changed:  c.ChangedFields(),
		Seq:      seq,
	}, nil
}

// release hands notes to the notifier. Failures are logged; the write has
// already committed.
func (e *Engine) release(ctx context.Context, sc *scope, notes []changeset.Notification) {
	if len(notes) == 0 || e.notifier == nil {
		return
	}
	if err := e.notifier.Notify(ctx, notes); err != nil {
		slog.Error("releasing notifications failed",
			"run", sc.runID,
			"count", len(notes),
			"error", err)
		return
	}
	slog.Debug("notifications released",
		"run", sc.runID,
		"count", len(notes))
}
