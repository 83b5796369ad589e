package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"

	"github.com/roach88/changeset/internal/action"
	"github.com/roach88/changeset/internal/catalog"
	"github.com/roach88/changeset/internal/changeset"
	"github.com/roach88/changeset/internal/compiler"
	"github.com/roach88/changeset/internal/datalayer"
	"github.com/roach88/changeset/internal/datalayer/memory"
	"github.com/roach88/changeset/internal/datalayer/sqldl"
	"github.com/roach88/changeset/internal/engine"
	"github.com/roach88/changeset/internal/ir"
	"github.com/roach88/changeset/internal/testutil"
)

// Backends a scenario can run against.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
)

// Harness is the environment of one scenario run.
type Harness struct {
	Catalog   *catalog.Catalog
	Engine    *engine.Engine
	DataLayer datalayer.DataLayer
	Clock     *testutil.DeterministicClock
	Notes     *engine.CollectNotifier

	logger *slog.Logger
	closer io.Closer
}

// New loads the definitions of s and builds a fresh harness on its backend.
func New(ctx context.Context, s *Scenario) (*Harness, error) {
	specs, err := compiler.LoadDir(s.Specs)
	if err != nil {
		return nil, fmt.Errorf("load specs: %w", err)
	}

	h := &Harness{
		Clock:  testutil.NewDeterministicClock(),
		Notes:  &engine.CollectNotifier{},
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	switch s.Backend {
	case "", BackendMemory:
		h.DataLayer = memory.New(memory.WithNow(h.Clock.NowValue))
	case BackendSQLite:
		dl, err := sqldl.OpenSQLite(":memory:", sqldl.WithNow(h.Clock.NowValue))
		if err != nil {
			return nil, err
		}
		h.DataLayer = dl
		h.closer = dl
	default:
		return nil, fmt.Errorf("unknown backend %q", s.Backend)
	}

	h.Catalog, err = catalog.Build(specs, h.DataLayer)
	if err != nil {
		h.Close()
		return nil, err
	}
	if err := h.Catalog.Migrate(ctx); err != nil {
		h.Close()
		return nil, err
	}

	h.Engine = engine.New(
		engine.WithNotifier(h.Notes),
		engine.WithRunIDs(testutil.NewSequentialRunIDs("run")),
		engine.WithNow(h.Clock.NowValue),
	)
	return h, nil
}

// Close releases the backend.
func (h *Harness) Close() error {
	if h.closer == nil {
		return nil
	}
	return h.closer.Close()
}

// Run executes a scenario on a fresh harness.
//
// Setup steps must succeed; a failing setup step is returned as an error.
// Flow steps are checked against their expect clauses and the assertions
// are evaluated last. Expectation and assertion failures are collected in
// the result rather than returned.
func Run(ctx context.Context, s *Scenario) (*Result, error) {
	h, err := New(ctx, s)
	if err != nil {
		return nil, err
	}
	defer h.Close()
	return h.Run(ctx, s)
}

// Run executes s on h.
func (h *Harness) Run(ctx context.Context, s *Scenario) (*Result, error) {
	for i, step := range s.Setup {
		if _, err := h.Execute(ctx, step); err != nil {
			return nil, fmt.Errorf("setup[%d] %s.%s: %w", i, step.Resource, step.Action, err)
		}
	}
	skip := len(h.Notes.Notifications())

	result := NewResult()
	for i, step := range s.Flow {
		h.flowStep(ctx, i, step, result)
	}

	for _, n := range h.Notes.Notifications()[skip:] {
		result.Trace = append(result.Trace, TraceEvent{
			Type:     EventNotification,
			Resource: n.Resource,
			Action:   n.Action,
			Kind:     string(n.Kind),
			Seq:      n.Seq,
		})
	}

	for i, a := range s.Assertions {
		if err := h.evaluateAssertion(ctx, a, result); err != nil {
			result.AddError(fmt.Sprintf("assertion %d (%s): %v", i, a.Type, err))
		}
	}

	h.logger.Info("scenario finished",
		"scenario", s.Name,
		"pass", result.Pass,
		"steps", len(s.Flow),
		"errors", len(result.Errors))
	return result, nil
}

type outcome struct {
	record ir.IRObject
	err    error
}

func (h *Harness) flowStep(ctx context.Context, i int, step Step, result *Result) {
	n := max(step.Repeat, 1)
	outcomes := make([]outcome, n)

	if step.Concurrent {
		var wg sync.WaitGroup
		for r := range n {
			wg.Add(1)
			go func() {
				defer wg.Done()
				rec, err := h.Execute(ctx, step)
				outcomes[r] = outcome{record: rec, err: err}
			}()
		}
		wg.Wait()
	} else {
		for r := range n {
			rec, err := h.Execute(ctx, step)
			outcomes[r] = outcome{record: rec, err: err}
		}
	}

	for r, o := range outcomes {
		event := TraceEvent{
			Type:     EventStep,
			Resource: step.Resource,
			Action:   step.Action,
			Outcome:  Classify(o.err),
			Errors:   ErrorFields(o.err),
		}
		if o.err == nil && !step.Concurrent {
			event.Record = o.record
		}
		result.Trace = append(result.Trace, event)

		label := fmt.Sprintf("flow[%d]", i)
		if n > 1 {
			label = fmt.Sprintf("flow[%d] repeat %d", i, r)
		}
		for _, msg := range checkExpect(step.Expect, event, o) {
			result.AddError(label + ": " + msg)
		}
	}
}

// Execute runs one step through the engine and returns the written record.
func (h *Harness) Execute(ctx context.Context, step Step) (ir.IRObject, error) {
	res, act, err := h.Catalog.Action(step.Resource, step.Action)
	if err != nil {
		return nil, err
	}

	opts := action.Options{}
	if step.Actor != nil {
		actor, err := ir.FromGo(step.Actor)
		if err != nil {
			return nil, fmt.Errorf("actor: %w", err)
		}
		opts.Actor = actor.(ir.IRObject)
	}
	params := action.Params(step.Params)

	var out changeset.Result
	switch act.Kind {
	case changeset.KindCreate:
		out, err = h.Engine.Create(ctx, res, act, params, opts)
	case changeset.KindUpdate, changeset.KindDestroy:
		key, kerr := keyOf(res.PrimaryKey, step.ID, step.Key)
		if kerr != nil {
			return nil, kerr
		}
		if act.Kind == changeset.KindUpdate {
			out, err = h.Engine.Update(ctx, res, key, act, params, opts)
		} else {
			out, err = h.Engine.Destroy(ctx, res, key, act, params, opts)
		}
	default:
		return nil, fmt.Errorf("action %s has unsupported kind %s", act.Name, act.Kind)
	}
	if err != nil {
		return nil, err
	}
	return out.Record, nil
}

// keyOf builds a primary key from a single id or a key map.
func keyOf(pk []string, id any, key map[string]any) (ir.IRObject, error) {
	if key == nil {
		if id == nil {
			return nil, fmt.Errorf("id or key is required")
		}
		if len(pk) != 1 {
			return nil, fmt.Errorf("composite primary key %v needs key", pk)
		}
		key = map[string]any{pk[0]: id}
	}
	out := make(ir.IRObject, len(key))
	for k, v := range key {
		iv, err := ir.FromGo(v)
		if err != nil {
			return nil, fmt.Errorf("key %s: %w", k, err)
		}
		out[k] = iv
	}
	return out, nil
}

// Classify maps a run error to a step outcome.
func Classify(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case changeset.IsInvalid(err):
		return OutcomeInvalid
	case changeset.IsNotFound(err):
		return OutcomeNotFound
	case changeset.IsStaleRecord(err):
		return OutcomeStale
	case changeset.IsTimeout(err):
		return OutcomeTimeout
	case changeset.IsHookFailure(err):
		return OutcomeHookFailure
	default:
		return OutcomeError
	}
}

// ErrorFields returns the sorted, distinct fields named by the field errors
// of an invalid run.
func ErrorFields(err error) []string {
	var inv *changeset.InvalidError
	if !errors.As(err, &inv) {
		return nil
	}
	seen := map[string]bool{}
	var fields []string
	for _, e := range inv.Errors {
		var field string
		var fe *changeset.InvalidFieldError
		var rm *changeset.RequiredFieldMissingError
		switch {
		case errors.As(e, &fe):
			field = fe.Field
		case errors.As(e, &rm):
			field = rm.Field
		default:
			continue
		}
		if !seen[field] {
			seen[field] = true
			fields = append(fields, field)
		}
	}
	sort.Strings(fields)
	return fields
}

func checkExpect(expect *Expect, event TraceEvent, o outcome) []string {
	want := OutcomeOK
	if expect != nil {
		want = expect.Outcome
	}
	if event.Outcome != want {
		msg := fmt.Sprintf("expected outcome %s, got %s", want, event.Outcome)
		if o.err != nil {
			msg += ": " + o.err.Error()
		}
		return []string{msg}
	}
	if expect == nil {
		return nil
	}

	var failures []string
	if expect.Record != nil {
		if err := matchSubset(o.record, expect.Record); err != nil {
			failures = append(failures, "record: "+err.Error())
		}
	}
	for _, f := range expect.Errors {
		found := false
		for _, got := range event.Errors {
			if got == f {
				found = true
				break
			}
		}
		if !found {
			failures = append(failures, fmt.Sprintf("expected an error on %s, got %v", f, event.Errors))
		}
	}
	return failures
}

// matchSubset checks that every field of want has an equal value in got.
func matchSubset(got ir.IRObject, want map[string]any) error {
	keys := make([]string, 0, len(want))
	for k := range want {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		wv, err := ir.FromGo(want[k])
		if err != nil {
			return fmt.Errorf("%s: %w", k, err)
		}
		gv, ok := got[k]
		if !ok {
			return fmt.Errorf("%s: missing, want %s", k, ir.String(wv))
		}
		if !ir.Equal(gv, wv) {
			return fmt.Errorf("%s: got %s, want %s", k, ir.String(gv), ir.String(wv))
		}
	}
	return nil
}
