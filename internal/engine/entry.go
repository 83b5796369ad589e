package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/changeset/internal/action"
	"github.com/roach88/changeset/internal/atomic"
	"github.com/roach88/changeset/internal/changeset"
	"github.com/roach88/changeset/internal/datalayer"
	"github.com/roach88/changeset/internal/ir"
	"github.com/roach88/changeset/internal/resource"
)

// Create builds a create changeset for act and runs it.
func (e *Engine) Create(ctx context.Context, res *resource.Resource, act *action.Action, params action.Params, opts action.Options, runOpts ...RunOption) (changeset.Result, error) {
	c, err := action.ForCreate(ctx, res, act, params, e.options(opts))
	if err != nil {
		return changeset.Result{}, err
	}
	return e.Run(ctx, c, runOptions(act, runOpts)...)
}

// Update runs act against the row identified by key. The action is compiled
// into a single atomic write when possible; otherwise the row is loaded and
// the phased pipeline runs.
func (e *Engine) Update(ctx context.Context, res *resource.Resource, key ir.IRObject, act *action.Action, params action.Params, opts action.Options, runOpts ...RunOption) (changeset.Result, error) {
	if act.Kind != changeset.KindUpdate {
		return changeset.Result{}, fmt.Errorf("action %s is a %s action, not update", act.Name, act.Kind)
	}
	c, err := e.Build(ctx, res, key, nil, act, params, opts)
	if err != nil {
		return changeset.Result{}, err
	}
	return e.Run(ctx, c, runOptions(act, runOpts)...)
}

// UpdateRecord is Update for a caller that already holds the row. The row
// is only used when the action cannot run atomically.
func (e *Engine) UpdateRecord(ctx context.Context, res *resource.Resource, row ir.IRObject, act *action.Action, params action.Params, opts action.Options, runOpts ...RunOption) (changeset.Result, error) {
	if act.Kind != changeset.KindUpdate {
		return changeset.Result{}, fmt.Errorf("action %s is a %s action, not update", act.Name, act.Kind)
	}
	c, err := e.Build(ctx, res, res.Key(row), row, act, params, opts)
	if err != nil {
		return changeset.Result{}, err
	}
	return e.Run(ctx, c, runOptions(act, runOpts)...)
}

// Destroy runs act against the row identified by key, atomically when
// possible.
func (e *Engine) Destroy(ctx context.Context, res *resource.Resource, key ir.IRObject, act *action.Action, params action.Params, opts action.Options, runOpts ...RunOption) (changeset.Result, error) {
	if act.Kind != changeset.KindDestroy {
		return changeset.Result{}, fmt.Errorf("action %s is a %s action, not destroy", act.Name, act.Kind)
	}
	c, err := e.Build(ctx, res, key, nil, act, params, opts)
	if err != nil {
		return changeset.Result{}, err
	}
	return e.Run(ctx, c, runOptions(act, runOpts)...)
}

// Build returns the changeset Update or Destroy would run: the atomic
// compilation of act, or when that reports not atomic, the phased
// changeset over row (loaded by key when row is nil). A not-atomic reason
// is logged and counted, never returned.
func (e *Engine) Build(ctx context.Context, res *resource.Resource, key ir.IRObject, row ir.IRObject, act *action.Action, params action.Params, opts action.Options) (*changeset.Changeset, error) {
	opts = e.options(opts)

	c, err := atomic.Compile(ctx, res, act, key, params, opts)
	if err == nil {
		e.metrics.AtomicCompiled(res.Name, act.Name)
		return c, nil
	}
	var na *changeset.NotAtomicError
	if !errors.As(err, &na) {
		return nil, err
	}
	slog.Info("action is not atomic, running phased pipeline",
		"resource", res.Name,
		"action", act.Name,
		"reason", na.Reason)
	e.metrics.FellBack(res.Name, act.Name)

	if row == nil {
		row, err = e.load(ctx, res, key)
		if err != nil {
			return nil, err
		}
	}
	var phased *changeset.Changeset
	switch act.Kind {
	case changeset.KindUpdate:
		phased, err = action.ForUpdate(ctx, res, row, act, params, opts)
	case changeset.KindDestroy:
		phased, err = action.ForDestroy(ctx, res, row, act, params, opts)
	default:
		return nil, fmt.Errorf("action %s: cannot build a %s from a stored row", act.Name, act.Kind)
	}
	// The phased pipeline is the last resort, so its not-atomic reasons are
	// plain failures.
	if errors.As(err, &na) {
		return nil, fmt.Errorf("action %s: phased pipeline: %s", act.Name, na.Reason)
	}
	return phased, err
}

func (e *Engine) load(ctx context.Context, res *resource.Resource, key ir.IRObject) (ir.IRObject, error) {
	if res.DataLayer == nil {
		return nil, fmt.Errorf("resource %s has no data layer", res.Name)
	}
	row, err := res.DataLayer.Get(ctx, res.TableDef(), key)
	if errors.Is(err, datalayer.ErrNotFound) {
		return nil, &changeset.NotFoundError{Resource: res.Name, Key: key}
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", res.Name, err)
	}
	return row, nil
}

func (e *Engine) options(opts action.Options) action.Options {
	if opts.Now == nil {
		opts.Now = e.now
	}
	return opts
}

func runOptions(act *action.Action, opts []RunOption) []RunOption {
	if act.Transactional() {
		return opts
	}
	return append([]RunOption{WithoutTransaction()}, opts...)
}
