package engine

import (
	"context"
	"errors"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/changeset/internal/action"
	"github.com/roach88/changeset/internal/changeset"
	"github.com/roach88/changeset/internal/datalayer"
	"github.com/roach88/changeset/internal/datalayer/memory"
	"github.com/roach88/changeset/internal/datalayer/sqldl"
	"github.com/roach88/changeset/internal/expr"
	"github.com/roach88/changeset/internal/ir"
	"github.com/roach88/changeset/internal/resource"
)

func int64p(n int64) *int64 { return &n }

func opts(kv ...string) action.Opts {
	o := action.Opts{}
	for i := 0; i < len(kv); i += 2 {
		o[kv[i]] = expr.MustParse(kv[i+1])
	}
	return o
}

func mustType(t *testing.T, name string) resource.Type {
	t.Helper()
	typ, err := resource.LookupType(name)
	require.NoError(t, err)
	return typ
}

// upcaseName reads the stored name, so it has no atomic form.
var upcaseName = &action.ChangeModule{
	Name: "upcase_name",
	Apply: func(_ context.Context, c *changeset.Changeset, _ action.Opts) error {
		v, _ := c.Value("name")
		s, _ := v.(ir.IRString)
		return c.ForceChangeAttribute("name", strings.ToUpper(string(s)))
	},
}

type fixture struct {
	dl    datalayer.DataLayer
	res   *resource.Resource
	eng   *Engine
	notes *CollectNotifier

	create    *action.Action
	increment *action.Action
	capped    *action.Action
	upcase    *action.Action
	destroy   *action.Action
}

func newFixture(t *testing.T, opts ...EngineOption) *fixture {
	return newFixtureOn(t, memory.New(), opts...)
}

func newFixtureOn(t *testing.T, dl datalayer.DataLayer, engineOpts ...EngineOption) *fixture {
	t.Helper()
	attrs := []*resource.Attribute{
		{Name: "id", Type: mustType(t, "string"), Writable: true},
		{Name: "score", Type: mustType(t, "integer"), Writable: true, Constraints: resource.Constraints{Min: int64p(0)}, Default: resource.StaticDefault{Value: ir.IRInt(0)}},
		{Name: "name", Type: mustType(t, "string"), Writable: true},
		{Name: "status", Type: mustType(t, "string"), Writable: true, AllowNil: true, Default: resource.StaticDefault{Value: ir.IRString("open")}},
	}
	res, err := resource.New("Counter", "counters", []string{"id"}, attrs, dl)
	require.NoError(t, err)
	require.NoError(t, dl.Migrate(context.Background(), res.TableDef()))

	notes := &CollectNotifier{}
	increment := func(name string) *action.Action {
		return &action.Action{
			Name:      name,
			Kind:      changeset.KindUpdate,
			Arguments: []action.Argument{{Name: "by", Type: mustType(t, "integer"), Default: expr.Lit(ir.IRInt(1))}},
			Steps: []action.Step{
				{Change: &action.Change{Module: action.Increment, Opts: opts("field", "score", "amount", "arg(by)")}},
			},
		}
	}
	capped := increment("capped_increment")
	capped.Steps = append(capped.Steps, action.Step{Validation: &action.Validation{
		Module: action.Compare,
		Opts:   opts("field", "score", "less_than_or_equal_to", "6"),
	}})

	return &fixture{
		dl:        dl,
		res:       res,
		eng:       New(append([]EngineOption{WithNotifier(notes)}, engineOpts...)...),
		notes:     notes,
		create:    &action.Action{Name: "create", Kind: changeset.KindCreate, Accept: []string{"id", "name", "score"}},
		increment: increment("increment"),
		capped:    capped,
		upcase: &action.Action{
			Name:  "upcase",
			Kind:  changeset.KindUpdate,
			Steps: []action.Step{{Change: &action.Change{Module: upcaseName}}},
		},
		destroy: &action.Action{
			Name: "destroy",
			Kind: changeset.KindDestroy,
			Steps: []action.Step{{Validation: &action.Validation{
				Module: action.AttributeEquals,
				Opts:   opts("field", "status", "value", "'closed'"),
			}}},
		},
	}
}

func key(id string) ir.IRObject {
	return ir.IRObject{"id": ir.IRString(id)}
}

func (f *fixture) seed(t *testing.T, id string, score int64, status string) {
	t.Helper()
	_, err := f.dl.Write(context.Background(), datalayer.Write{
		Table: f.res.TableDef(),
		Op:    datalayer.OpInsert,
		Values: ir.IRObject{
			"id":     ir.IRString(id),
			"score":  ir.IRInt(score),
			"name":   ir.IRString("alpha"),
			"status": ir.IRString(status),
		},
	})
	require.NoError(t, err)
}

func (f *fixture) row(t *testing.T, id string) ir.IRObject {
	t.Helper()
	row, err := f.dl.Get(context.Background(), f.res.TableDef(), key(id))
	require.NoError(t, err)
	return row
}

// phased builds the phased increment of id, ready for hooks.
func (f *fixture) phased(t *testing.T, id string) *changeset.Changeset {
	t.Helper()
	c, err := action.ForUpdate(context.Background(), f.res, f.row(t, id), f.increment, nil, action.Options{})
	require.NoError(t, err)
	require.True(t, c.Valid(), "%v", c.Errors())
	return c
}

func TestCreate_WritesAndReleases(t *testing.T) {
	f := newFixture(t, WithRunIDs(NewFixedGenerator("run-1")))

	res, err := f.eng.Create(context.Background(), f.res, f.create, action.Params{"id": "c1", "name": "alpha"}, action.Options{})
	require.NoError(t, err)

	want := ir.IRObject{
		"id":     ir.IRString("c1"),
		"score":  ir.IRInt(0),
		"name":   ir.IRString("alpha"),
		"status": ir.IRString("open"),
	}
	assert.Equal(t, want, res.Record)
	assert.Equal(t, want, f.row(t, "c1"))

	require.Len(t, res.Notifications, 1)
	n := res.Notifications[0]
	assert.Equal(t, ir.MustNotificationID("Counter", "create", want, 1), n.ID)
	assert.Equal(t, int64(1), n.Seq)
	assert.Equal(t, "run-1", n.RunID)
	assert.Equal(t, changeset.KindCreate, n.Kind)
	assert.Contains(t, n.Changed, "name")
	assert.Equal(t, [][]changeset.Notification{res.Notifications}, f.notes.Batches())
}

func TestCreate_InvalidNeverWrites(t *testing.T) {
	f := newFixture(t)
	c, err := action.ForCreate(context.Background(), f.res, f.create, action.Params{"id": "c1"}, action.Options{})
	require.NoError(t, err)

	var afterCalls int
	require.NoError(t, c.AfterTransaction(func(_ context.Context, _ *changeset.Changeset, res changeset.Result, err error) (changeset.Result, error) {
		afterCalls++
		return res, err
	}))

	_, err = f.eng.Run(context.Background(), c)
	assert.True(t, changeset.IsInvalid(err))
	assert.True(t, changeset.IsRequiredFieldMissing(err, "name"))
	assert.Equal(t, 1, afterCalls)
	assert.Empty(t, f.notes.Batches())

	_, err = f.dl.Get(context.Background(), f.res.TableDef(), key("c1"))
	assert.ErrorIs(t, err, datalayer.ErrNotFound)
}

func TestRun_PhaseSequence(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "c1", 5, "open")
	c := f.phased(t, "c1")

	var seen []string
	record := func(kind string, c *changeset.Changeset) {
		seen = append(seen, kind+"@"+string(c.Phase()))
	}
	require.NoError(t, c.AroundTransaction(func(ctx context.Context, c *changeset.Changeset, next changeset.Next) (changeset.Result, error) {
		record("around_transaction", c)
		return next(ctx, c)
	}))
	require.NoError(t, c.BeforeTransaction(func(_ context.Context, c *changeset.Changeset) error {
		record("before_transaction", c)
		return nil
	}))
	require.NoError(t, c.AroundAction(func(ctx context.Context, c *changeset.Changeset, next changeset.Next) (changeset.Result, error) {
		record("around_action", c)
		return next(ctx, c)
	}))
	require.NoError(t, c.BeforeAction(func(_ context.Context, c *changeset.Changeset) error {
		record("before_action", c)
		return nil
	}))
	require.NoError(t, c.AfterAction(func(_ context.Context, c *changeset.Changeset, r ir.IRObject, notes []changeset.Notification) (ir.IRObject, []changeset.Notification, error) {
		record("after_action", c)
		return r, notes, nil
	}))
	require.NoError(t, c.AfterTransaction(func(_ context.Context, c *changeset.Changeset, res changeset.Result, err error) (changeset.Result, error) {
		record("after_transaction", c)
		return res, err
	}))

	res, err := f.eng.Run(context.Background(), c)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"around_transaction@around_transaction",
		"before_transaction@before_transaction",
		"around_action@around_action",
		"before_action@before_action",
		"after_action@after_action",
		"after_transaction@after_transaction",
	}, seen)
	assert.Equal(t, ir.IRInt(6), res.Record["score"])
	assert.Equal(t, changeset.PhasePending, c.Phase())
}

func TestRun_BeforeHooksInRegistrationOrder(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "c1", 5, "open")
	c := f.phased(t, "c1")

	var order []string
	hook := func(name string) changeset.BeforeHook {
		return func(context.Context, *changeset.Changeset) error {
			order = append(order, name)
			return nil
		}
	}
	require.NoError(t, c.BeforeAction(hook("A")))
	require.NoError(t, c.BeforeAction(hook("B")))
	require.NoError(t, c.BeforeAction(hook("C")))
	require.NoError(t, c.BeforeAction(hook("D"), changeset.Prepend()))

	_, err := f.eng.Run(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, []string{"D", "A", "B", "C"}, order)
}

func TestRun_BeforeHookFailureHalts(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "c1", 5, "open")
	c := f.phased(t, "c1")

	secondRan := false
	var afterErr error
	require.NoError(t, c.BeforeAction(func(context.Context, *changeset.Changeset) error {
		return errors.New("boom")
	}))
	require.NoError(t, c.BeforeAction(func(context.Context, *changeset.Changeset) error {
		secondRan = true
		return nil
	}))
	require.NoError(t, c.AfterTransaction(func(_ context.Context, _ *changeset.Changeset, res changeset.Result, err error) (changeset.Result, error) {
		afterErr = err
		return res, err
	}))

	_, err := f.eng.Run(context.Background(), c)
	require.Error(t, err)

	var hf *changeset.HookFailureError
	require.ErrorAs(t, err, &hf)
	assert.Equal(t, changeset.PhaseBeforeAction, hf.Phase)
	assert.Equal(t, 0, hf.Index)
	assert.EqualError(t, hf.Err, "boom")
	assert.False(t, secondRan)
	assert.Same(t, err, afterErr)

	assert.Equal(t, ir.IRInt(5), f.row(t, "c1")["score"])
	assert.Empty(t, f.notes.Batches())
}

func TestRun_BeforeHookInvalidatingChangesetHalts(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "c1", 5, "open")
	c := f.phased(t, "c1")

	secondRan := false
	require.NoError(t, c.BeforeTransaction(func(_ context.Context, c *changeset.Changeset) error {
		c.AddError(&changeset.InvalidFieldError{Field: "score", Message: "is frozen"})
		return nil
	}))
	require.NoError(t, c.BeforeTransaction(func(context.Context, *changeset.Changeset) error {
		secondRan = true
		return nil
	}))

	_, err := f.eng.Run(context.Background(), c)
	assert.True(t, changeset.IsInvalidField(err, "score"))
	assert.False(t, secondRan)
}

func TestRun_AfterActionHooks(t *testing.T) {
	audit := func(_ context.Context, _ *changeset.Changeset, r ir.IRObject, notes []changeset.Notification) (ir.IRObject, []changeset.Notification, error) {
		return r, append(notes, changeset.Notification{Resource: "Audit", Action: "log", Data: ir.IRObject{"id": r["id"]}}), nil
	}

	t.Run("append notifications", func(t *testing.T) {
		f := newFixture(t)
		f.seed(t, "c1", 5, "open")
		c := f.phased(t, "c1")
		require.NoError(t, c.AfterAction(audit))

		res, err := f.eng.Run(context.Background(), c)
		require.NoError(t, err)
		require.Len(t, res.Notifications, 2)
		assert.Equal(t, "Counter", res.Notifications[0].Resource)
		assert.Equal(t, "Audit", res.Notifications[1].Resource)
		assert.Greater(t, res.Notifications[1].Seq, res.Notifications[0].Seq)
		assert.Len(t, f.notes.Notifications(), 2)
	})

	t.Run("failure discards later hooks and rolls back", func(t *testing.T) {
		f := newFixture(t)
		f.seed(t, "c1", 5, "open")
		c := f.phased(t, "c1")

		thirdRan := false
		require.NoError(t, c.AfterAction(audit))
		require.NoError(t, c.AfterAction(func(context.Context, *changeset.Changeset, ir.IRObject, []changeset.Notification) (ir.IRObject, []changeset.Notification, error) {
			return nil, nil, errors.New("audit sink down")
		}))
		require.NoError(t, c.AfterAction(func(_ context.Context, _ *changeset.Changeset, r ir.IRObject, notes []changeset.Notification) (ir.IRObject, []changeset.Notification, error) {
			thirdRan = true
			return r, notes, nil
		}))

		_, err := f.eng.Run(context.Background(), c)
		var hf *changeset.HookFailureError
		require.ErrorAs(t, err, &hf)
		assert.Equal(t, changeset.PhaseAfterAction, hf.Phase)
		assert.Equal(t, 1, hf.Index)
		assert.False(t, thirdRan)

		assert.Equal(t, ir.IRInt(5), f.row(t, "c1")["score"])
		assert.Empty(t, f.notes.Batches())
	})
}

func TestRun_HookInvalidatingAfterWriteFails(t *testing.T) {
	invalidate := func(c *changeset.Changeset) {
		c.AddError(&changeset.InvalidFieldError{Field: "score", Message: "is frozen"})
	}

	t.Run("after_action rolls back", func(t *testing.T) {
		f := newFixture(t)
		f.seed(t, "c1", 5, "open")
		c := f.phased(t, "c1")
		require.NoError(t, c.AfterAction(func(_ context.Context, c *changeset.Changeset, r ir.IRObject, notes []changeset.Notification) (ir.IRObject, []changeset.Notification, error) {
			invalidate(c)
			return r, notes, nil
		}))

		res, err := f.eng.Run(context.Background(), c)
		require.True(t, changeset.IsInvalidField(err, "score"), "got %v", err)
		assert.Nil(t, res.Record)
		assert.Equal(t, ir.IRInt(5), f.row(t, "c1")["score"])
		assert.Empty(t, f.notes.Batches())
	})

	t.Run("around_action rolls back", func(t *testing.T) {
		f := newFixture(t)
		f.seed(t, "c1", 5, "open")
		c := f.phased(t, "c1")
		require.NoError(t, c.AroundAction(func(ctx context.Context, c *changeset.Changeset, next changeset.Next) (changeset.Result, error) {
			res, err := next(ctx, c)
			invalidate(c)
			return res, err
		}))

		_, err := f.eng.Run(context.Background(), c)
		require.True(t, changeset.IsInvalid(err), "got %v", err)
		assert.Equal(t, ir.IRInt(5), f.row(t, "c1")["score"])
		assert.Empty(t, f.notes.Batches())
	})

	t.Run("around_transaction", func(t *testing.T) {
		f := newFixture(t)
		f.seed(t, "c1", 5, "open")
		c := f.phased(t, "c1")
		require.NoError(t, c.AroundTransaction(func(ctx context.Context, c *changeset.Changeset, next changeset.Next) (changeset.Result, error) {
			res, err := next(ctx, c)
			invalidate(c)
			return res, err
		}))

		_, err := f.eng.Run(context.Background(), c)
		require.True(t, changeset.IsInvalid(err), "got %v", err)
		assert.Empty(t, f.notes.Batches())
	})
}

func TestRun_RequirednessAfterBeforeActionChange(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "c1", 5, "open")
	c := f.phased(t, "c1")
	require.NoError(t, c.BeforeAction(func(_ context.Context, c *changeset.Changeset) error {
		return c.ForceChangeAttribute("name", nil)
	}))

	_, err := f.eng.Run(context.Background(), c)
	require.True(t, changeset.IsRequiredFieldMissing(err, "name"), "got %v", err)
	assert.Equal(t, ir.IRString("alpha"), f.row(t, "c1")["name"])
	assert.Equal(t, ir.IRInt(5), f.row(t, "c1")["score"])
}

func TestRun_AfterTransactionReplacesOutcome(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "c1", 5, "open")
	c := f.phased(t, "c1")

	require.NoError(t, c.BeforeAction(func(context.Context, *changeset.Changeset) error {
		return errors.New("boom")
	}))
	require.NoError(t, c.AfterTransaction(func(context.Context, *changeset.Changeset, changeset.Result, error) (changeset.Result, error) {
		return changeset.Result{Record: ir.IRObject{"recovered": ir.IRBool(true)}}, nil
	}))

	res, err := f.eng.Run(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, ir.IRObject{"recovered": ir.IRBool(true)}, res.Record)
	assert.Empty(t, f.notes.Batches())
}

func TestRun_AfterTransactionOnceOnPanic(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "c1", 5, "open")
	c := f.phased(t, "c1")

	calls := 0
	var seen error
	require.NoError(t, c.AfterTransaction(func(_ context.Context, _ *changeset.Changeset, res changeset.Result, err error) (changeset.Result, error) {
		calls++
		seen = err
		return res, err
	}))
	require.NoError(t, c.BeforeAction(func(context.Context, *changeset.Changeset) error {
		panic("kaboom")
	}))

	assert.PanicsWithValue(t, "kaboom", func() {
		_, _ = f.eng.Run(context.Background(), c)
	})

	assert.Equal(t, 1, calls)
	var pe *changeset.PanicError
	require.ErrorAs(t, seen, &pe)
	assert.Equal(t, "kaboom", pe.Value)
	assert.Equal(t, changeset.PhasePending, c.Phase())
	assert.Equal(t, ir.IRInt(5), f.row(t, "c1")["score"])
}

func TestRun_HookRegistrationIsPhaseGated(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "c1", 5, "open")
	c := f.phased(t, "c1")

	lateRan := false
	var lateAfterTransaction, lateBeforeTransaction error
	require.NoError(t, c.BeforeTransaction(func(_ context.Context, c *changeset.Changeset) error {
		return c.AfterTransaction(func(_ context.Context, _ *changeset.Changeset, res changeset.Result, err error) (changeset.Result, error) {
			lateRan = true
			return res, err
		})
	}))
	require.NoError(t, c.BeforeAction(func(_ context.Context, c *changeset.Changeset) error {
		lateAfterTransaction = c.AfterTransaction(func(_ context.Context, _ *changeset.Changeset, res changeset.Result, err error) (changeset.Result, error) {
			return res, err
		})
		lateBeforeTransaction = c.BeforeTransaction(func(context.Context, *changeset.Changeset) error { return nil })
		return nil
	}))

	_, err := f.eng.Run(context.Background(), c)
	require.NoError(t, err)

	assert.True(t, lateRan)
	assert.True(t, changeset.IsAlreadyValidated(lateAfterTransaction))
	assert.True(t, changeset.IsAlreadyValidated(lateBeforeTransaction))

	assert.True(t, changeset.IsAlreadyValidated(c.BeforeAction(func(context.Context, *changeset.Changeset) error { return nil })))
	assert.True(t, changeset.IsAlreadyValidated(c.ChangeAttribute("name", "beta")))

	_, err = f.eng.Run(context.Background(), c)
	assert.True(t, changeset.IsAlreadyValidated(err))
}

// countingLayer counts transactions and can claim to prefer them.
type countingLayer struct {
	*memory.DataLayer
	prefer       bool
	transactions atomic.Int32
}

func (l *countingLayer) PrefersTransaction() bool { return l.prefer }

func (l *countingLayer) RunInTransaction(ctx context.Context, tables []string, timeout time.Duration, fn func(ctx context.Context) error) error {
	l.transactions.Add(1)
	return l.DataLayer.RunInTransaction(ctx, tables, timeout, fn)
}

func TestRun_TransactionPolicy(t *testing.T) {
	noop := func(context.Context, *changeset.Changeset) error { return nil }

	tests := []struct {
		name    string
		prefer  bool
		prepare func(t *testing.T, c *changeset.Changeset)
		opts    []RunOption
		want    int32
	}{
		{"plain write", false, nil, nil, 0},
		{"action hook", false, func(t *testing.T, c *changeset.Changeset) {
			require.NoError(t, c.BeforeAction(noop))
		}, nil, 1},
		{"transaction hook only", false, func(t *testing.T, c *changeset.Changeset) {
			require.NoError(t, c.BeforeTransaction(noop))
		}, nil, 0},
		{"relationships pending", false, func(_ *testing.T, c *changeset.Changeset) {
			c.RelationshipsPending = true
		}, nil, 1},
		{"layer prefers transactions", true, nil, nil, 1},
		{"caller forbids", true, func(t *testing.T, c *changeset.Changeset) {
			require.NoError(t, c.BeforeAction(noop))
		}, []RunOption{WithoutTransaction()}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dl := &countingLayer{DataLayer: memory.New(), prefer: tt.prefer}
			f := newFixtureOn(t, dl)
			f.seed(t, "c1", 5, "open")
			c := f.phased(t, "c1")
			if tt.prepare != nil {
				tt.prepare(t, c)
			}

			res, err := f.eng.Run(context.Background(), c, tt.opts...)
			require.NoError(t, err)
			assert.Equal(t, ir.IRInt(6), res.Record["score"])
			assert.Equal(t, tt.want, dl.transactions.Load())
		})
	}
}

func TestRun_NestedRunsShareTransactionAndReleaseOnce(t *testing.T) {
	dl := &countingLayer{DataLayer: memory.New()}
	f := newFixtureOn(t, dl, WithRunIDs(NewFixedGenerator("run-1")))
	f.seed(t, "c1", 5, "open")
	c := f.phased(t, "c1")

	require.NoError(t, c.AfterAction(func(ctx context.Context, _ *changeset.Changeset, r ir.IRObject, notes []changeset.Notification) (ir.IRObject, []changeset.Notification, error) {
		child, err := action.ForCreate(ctx, f.res, f.create, action.Params{"id": "c2", "name": "child"}, action.Options{})
		if err != nil {
			return nil, nil, err
		}
		if err := child.BeforeAction(func(context.Context, *changeset.Changeset) error { return nil }); err != nil {
			return nil, nil, err
		}
		if _, err := f.eng.Run(ctx, child); err != nil {
			return nil, nil, err
		}
		return r, notes, nil
	}))

	res, err := f.eng.Run(context.Background(), c)
	require.NoError(t, err)

	assert.Equal(t, int32(1), dl.transactions.Load())
	require.Len(t, res.Notifications, 2)
	assert.Equal(t, "update", string(res.Notifications[0].Kind))
	assert.Equal(t, "create", string(res.Notifications[1].Kind))
	for _, n := range res.Notifications {
		assert.Equal(t, "run-1", n.RunID)
	}

	batches := f.notes.Batches()
	require.Len(t, batches, 1)
	assert.Equal(t, res.Notifications, batches[0])
	assert.Equal(t, ir.IRString("child"), f.row(t, "c2")["name"])
}

func TestRun_NestedFailureDiscardsNotifications(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "c1", 5, "open")
	c := f.phased(t, "c1")

	require.NoError(t, c.AfterAction(func(ctx context.Context, _ *changeset.Changeset, r ir.IRObject, notes []changeset.Notification) (ir.IRObject, []changeset.Notification, error) {
		_, err := f.eng.Create(ctx, f.res, f.create, action.Params{"id": "c2", "name": "child"}, action.Options{})
		return r, notes, err
	}))
	require.NoError(t, c.AfterAction(func(context.Context, *changeset.Changeset, ir.IRObject, []changeset.Notification) (ir.IRObject, []changeset.Notification, error) {
		return nil, nil, errors.New("late failure")
	}))

	_, err := f.eng.Run(context.Background(), c)
	require.True(t, changeset.IsHookFailure(err))

	assert.Empty(t, f.notes.Batches())
	assert.Equal(t, ir.IRInt(5), f.row(t, "c1")["score"])
	_, err = f.dl.Get(context.Background(), f.res.TableDef(), key("c2"))
	assert.ErrorIs(t, err, datalayer.ErrNotFound)
}

func waitForCancel(ctx context.Context, _ *changeset.Changeset) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(2 * time.Second):
		return nil
	}
}

func TestRun_TimeoutWithoutTransaction(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "c1", 5, "open")
	c := f.phased(t, "c1")
	require.NoError(t, c.BeforeTransaction(waitForCancel))

	start := time.Now()
	_, err := f.eng.Run(context.Background(), c, WithoutTransaction(), WithTimeout(20*time.Millisecond))
	require.True(t, changeset.IsTimeout(err), "got %v", err)
	assert.Less(t, time.Since(start), time.Second)

	var te *changeset.TimeoutExceededError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "Counter", te.Resource)
	assert.Equal(t, "increment", te.Action)
	assert.Equal(t, "20ms", te.Timeout)
	assert.Empty(t, f.notes.Batches())
}

func TestRun_TimeoutInTransaction(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "c1", 5, "open")
	c := f.phased(t, "c1")
	require.NoError(t, c.BeforeAction(waitForCancel))

	_, err := f.eng.Run(context.Background(), c, WithTimeout(20*time.Millisecond))
	assert.True(t, changeset.IsTimeout(err), "got %v", err)
	assert.Equal(t, ir.IRInt(5), f.row(t, "c1")["score"])
}

func TestRun_DefaultTimeoutApplies(t *testing.T) {
	f := newFixture(t, WithDefaultTimeout(20*time.Millisecond))
	f.seed(t, "c1", 5, "open")
	c := f.phased(t, "c1")
	require.NoError(t, c.BeforeTransaction(waitForCancel))

	_, err := f.eng.Run(context.Background(), c)
	assert.True(t, changeset.IsTimeout(err), "got %v", err)
}

func TestRun_TimeoutStopsUnitBeforeWrite(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "c1", 5, "open")
	c := f.phased(t, "c1")

	require.NoError(t, c.BeforeTransaction(func(context.Context, *changeset.Changeset) error {
		time.Sleep(60 * time.Millisecond)
		return nil
	}))
	var afterErr error
	require.NoError(t, c.AfterTransaction(func(_ context.Context, _ *changeset.Changeset, res changeset.Result, err error) (changeset.Result, error) {
		afterErr = err
		return res, err
	}))

	_, err := f.eng.Run(context.Background(), c, WithoutTransaction(), WithTimeout(20*time.Millisecond))
	require.True(t, changeset.IsTimeout(err), "got %v", err)
	assert.True(t, changeset.IsTimeout(afterErr), "after_transaction saw %v", afterErr)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, ir.IRInt(5), f.row(t, "c1")["score"])
	assert.Empty(t, f.notes.Batches())
	assert.Equal(t, changeset.PhasePending, c.Phase())
}

func TestRun_ContextOfFinishedRunOpensNewScope(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "c1", 5, "open")
	c := f.phased(t, "c1")

	var stale context.Context
	require.NoError(t, c.BeforeTransaction(func(ctx context.Context, _ *changeset.Changeset) error {
		stale = ctx
		<-ctx.Done()
		return ctx.Err()
	}))

	_, err := f.eng.Run(context.Background(), c, WithoutTransaction(), WithTimeout(20*time.Millisecond))
	require.True(t, changeset.IsTimeout(err), "got %v", err)
	require.NotNil(t, stale)

	child, err := action.ForCreate(context.Background(), f.res, f.create, action.Params{"id": "c2", "name": "child"}, action.Options{})
	require.NoError(t, err)
	require.NoError(t, child.BeforeAction(func(context.Context, *changeset.Changeset) error { return nil }))

	var res changeset.Result
	require.NotPanics(t, func() {
		res, err = f.eng.Run(context.WithoutCancel(stale), child)
	})
	require.NoError(t, err)
	require.Len(t, res.Notifications, 1)

	batches := f.notes.Batches()
	require.Len(t, batches, 1, "the run released its own notifications")
	assert.Equal(t, ir.IRString("child"), f.row(t, "c2")["name"])
}

func concurrentIncrements(t *testing.T, f *fixture, n int) {
	t.Helper()
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.eng.Update(context.Background(), f.res, key("c1"), f.increment, nil, action.Options{})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
}

func TestUpdate_ConcurrentIncrementsMemory(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "c1", 5, "open")

	concurrentIncrements(t, f, 2)
	assert.Equal(t, ir.IRInt(7), f.row(t, "c1")["score"])

	concurrentIncrements(t, f, 20)
	assert.Equal(t, ir.IRInt(27), f.row(t, "c1")["score"])
	assert.Len(t, f.notes.Notifications(), 22)
}

func TestUpdate_ConcurrentIncrementsSQLite(t *testing.T) {
	dl, err := sqldl.OpenSQLite(filepath.Join(t.TempDir(), "counters.db"))
	require.NoError(t, err)
	t.Cleanup(func() { dl.Close() })

	f := newFixtureOn(t, dl)
	f.seed(t, "c1", 5, "open")

	concurrentIncrements(t, f, 2)
	assert.Equal(t, ir.IRInt(7), f.row(t, "c1")["score"])
}

func TestUpdate_PassesArguments(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "c1", 5, "open")

	res, err := f.eng.Update(context.Background(), f.res, key("c1"), f.increment, action.Params{"by": 10}, action.Options{})
	require.NoError(t, err)
	assert.Equal(t, ir.IRInt(15), res.Record["score"])
	assert.Equal(t, []string{"score"}, res.Notifications[0].Changed)
}

func TestUpdate_FallsBackToPhasedPipeline(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "c1", 5, "open")

	c, err := f.eng.Build(context.Background(), f.res, key("c1"), nil, f.increment, nil, action.Options{})
	require.NoError(t, err)
	_, loaded := c.Data()
	assert.False(t, loaded, "increment compiles atomically")

	c, err = f.eng.Build(context.Background(), f.res, key("c1"), nil, f.upcase, nil, action.Options{})
	require.NoError(t, err)
	_, loaded = c.Data()
	assert.True(t, loaded, "upcase needs the stored row")

	res, err := f.eng.Update(context.Background(), f.res, key("c1"), f.upcase, nil, action.Options{})
	require.NoError(t, err)
	assert.Equal(t, ir.IRString("ALPHA"), res.Record["name"])
	assert.Equal(t, ir.IRString("ALPHA"), f.row(t, "c1")["name"])
}

func TestUpdate_FallbackChecksNonAtomicConstraintsOnRow(t *testing.T) {
	dl := memory.New()
	attrs := []*resource.Attribute{
		{Name: "id", Type: mustType(t, "string"), Writable: true},
		{Name: "label", Type: mustType(t, "string"), Writable: true, AllowNil: true, Constraints: resource.Constraints{Match: regexp.MustCompile(`^[a-z]+$`)}},
	}
	res, err := resource.New("Tag", "tags", []string{"id"}, attrs, dl)
	require.NoError(t, err)
	require.NoError(t, dl.Migrate(context.Background(), res.TableDef()))
	_, err = dl.Write(context.Background(), datalayer.Write{
		Table:  res.TableDef(),
		Op:     datalayer.OpInsert,
		Values: ir.IRObject{"id": ir.IRString("t1"), "label": ir.Null},
	})
	require.NoError(t, err)

	label := func(e string) *action.Action {
		return &action.Action{
			Name:  "label",
			Kind:  changeset.KindUpdate,
			Steps: []action.Step{{Change: &action.Change{Module: action.AtomicUpdate, Opts: opts("field", "label", "expr", e)}}},
		}
	}
	eng := New()

	_, err = eng.Update(context.Background(), res, key("t1"), label("coalesce(label, 'X1')"), nil, action.Options{})
	require.Error(t, err)
	assert.False(t, changeset.IsNotAtomic(err), "got %v", err)
	assert.True(t, changeset.IsInvalidField(err, "label"), "got %v", err)

	out, err := eng.Update(context.Background(), res, key("t1"), label("coalesce(label, 'x')"), nil, action.Options{})
	require.NoError(t, err)
	assert.Equal(t, ir.IRString("x"), out.Record["label"])
}

func TestUpdateRecord_UsesGivenRowOnFallback(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "c1", 5, "open")

	row := f.row(t, "c1")
	row["name"] = ir.IRString("stale")
	res, err := f.eng.UpdateRecord(context.Background(), f.res, row, f.upcase, nil, action.Options{})
	require.NoError(t, err)
	assert.Equal(t, ir.IRString("STALE"), res.Record["name"])

	res, err = f.eng.UpdateRecord(context.Background(), f.res, row, f.increment, nil, action.Options{})
	require.NoError(t, err)
	assert.Equal(t, ir.IRInt(6), res.Record["score"], "atomic path reads the stored score")
}

func TestUpdate_NotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.eng.Update(context.Background(), f.res, key("missing"), f.increment, nil, action.Options{})
	assert.True(t, changeset.IsNotFound(err), "got %v", err)

	_, err = f.eng.Update(context.Background(), f.res, key("missing"), f.upcase, nil, action.Options{})
	assert.True(t, changeset.IsNotFound(err), "got %v", err)
}

func TestUpdate_WrongKind(t *testing.T) {
	f := newFixture(t)
	_, err := f.eng.Update(context.Background(), f.res, key("c1"), f.destroy, nil, action.Options{})
	assert.Error(t, err)
}

func TestUpdate_GuardRaisedByDataLayer(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "c1", 5, "open")

	res, err := f.eng.Update(context.Background(), f.res, key("c1"), f.capped, nil, action.Options{})
	require.NoError(t, err)
	assert.Equal(t, ir.IRInt(6), res.Record["score"])

	_, err = f.eng.Update(context.Background(), f.res, key("c1"), f.capped, nil, action.Options{})
	require.True(t, changeset.IsInvalid(err), "got %v", err)
	assert.True(t, changeset.IsInvalidField(err, "score"))
	assert.Equal(t, ir.IRInt(6), f.row(t, "c1")["score"])
	assert.Len(t, f.notes.Notifications(), 1)
}

func TestDestroy(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "open", 1, "open")
	f.seed(t, "closed", 1, "closed")

	_, err := f.eng.Destroy(context.Background(), f.res, key("open"), f.destroy, nil, action.Options{})
	assert.True(t, changeset.IsInvalidField(err, "status"), "got %v", err)
	assert.Equal(t, ir.IRString("open"), f.row(t, "open")["status"])

	res, err := f.eng.Destroy(context.Background(), f.res, key("closed"), f.destroy, nil, action.Options{})
	require.NoError(t, err)
	assert.Equal(t, ir.IRString("closed"), res.Record["id"])
	require.Len(t, res.Notifications, 1)
	assert.Equal(t, changeset.KindDestroy, res.Notifications[0].Kind)

	_, err = f.dl.Get(context.Background(), f.res.TableDef(), key("closed"))
	assert.ErrorIs(t, err, datalayer.ErrNotFound)
}

func TestRun_StaleFilter(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "c1", 5, "open")

	c := changeset.ForUpdateRecord(f.res, f.row(t, "c1"))
	require.NoError(t, c.AddFilter(expr.MustParse("status == 'closed'")))
	require.NoError(t, c.ChangeAttribute("name", "beta"))

	_, err := f.eng.Run(context.Background(), c)
	assert.True(t, changeset.IsStaleRecord(err), "got %v", err)
	assert.Equal(t, ir.IRString("alpha"), f.row(t, "c1")["name"])
}

func TestCreate_SelectProjectsRecord(t *testing.T) {
	f := newFixture(t)

	res, err := f.eng.Create(context.Background(), f.res, f.create,
		action.Params{"id": "c1", "name": "alpha"},
		action.Options{Select: []string{"id", "score"}})
	require.NoError(t, err)
	assert.Equal(t, ir.IRObject{"id": ir.IRString("c1"), "score": ir.IRInt(0)}, res.Record)
	assert.Equal(t, ir.IRString("open"), f.row(t, "c1")["status"])
}

func TestCreate_ActionWithoutTransaction(t *testing.T) {
	dl := &countingLayer{DataLayer: memory.New(), prefer: true}
	f := newFixtureOn(t, dl)
	noTx := false
	f.create.Transaction = &noTx

	_, err := f.eng.Create(context.Background(), f.res, f.create, action.Params{"id": "c1", "name": "alpha"}, action.Options{})
	require.NoError(t, err)
	assert.Equal(t, int32(0), dl.transactions.Load())
}

type failingNotifier struct{}

func (failingNotifier) Notify(context.Context, []changeset.Notification) error {
	return errors.New("sink unavailable")
}

func TestRun_NotifierFailureDoesNotFailRun(t *testing.T) {
	f := newFixture(t)
	f.eng = New(WithNotifier(MultiNotifier{failingNotifier{}, f.notes}))

	_, err := f.eng.Create(context.Background(), f.res, f.create, action.Params{"id": "c1", "name": "alpha"}, action.Options{})
	require.NoError(t, err)
	assert.Len(t, f.notes.Notifications(), 1)
}
