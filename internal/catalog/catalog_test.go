package catalog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/changeset/internal/action"
	"github.com/roach88/changeset/internal/changeset"
	"github.com/roach88/changeset/internal/compiler"
	"github.com/roach88/changeset/internal/datalayer/memory"
	"github.com/roach88/changeset/internal/engine"
	"github.com/roach88/changeset/internal/ir"
)

func int64p(n int64) *int64 { return &n }

func counterSpec() ir.ResourceSpec {
	return ir.ResourceSpec{
		Name:       "Counter",
		Table:      "counters",
		PrimaryKey: []string{"id"},
		Attributes: []ir.AttributeSpec{
			{Name: "id", Type: "string", Writable: true},
			{Name: "score", Type: "integer", Writable: true, Default: "0", Constraints: ir.ConstraintSpec{Min: int64p(0)}},
			{Name: "code", Type: "string", Writable: true, AllowNil: true, Constraints: ir.ConstraintSpec{Match: "^[A-Z]+$"}},
		},
		Actions: []ir.ActionSpec{
			{Name: "create", Kind: "create", Accept: []string{"id", "score", "code"}},
			{
				Name:      "increment",
				Kind:      "update",
				Arguments: []ir.ArgumentSpec{{Name: "by", Type: "integer", Default: "1"}},
				Steps: []ir.StepSpec{
					{Change: "increment", Opts: map[string]string{"field": "score", "amount": "arg(by)"}},
					{
						Validate: "compare",
						Opts:     map[string]string{"field": "score", "less_than_or_equal_to": "10"},
						Message:  "too high",
						Where:    []ir.StepSpec{{Validate: "present", Opts: map[string]string{"field": "score"}}},
					},
				},
				Timeout: "250ms",
			},
		},
	}
}

func TestBuild(t *testing.T) {
	cat, err := Build([]ir.ResourceSpec{counterSpec()}, memory.New())
	require.NoError(t, err)

	res, act, err := cat.Action("Counter", "increment")
	require.NoError(t, err)
	assert.Equal(t, "counters", res.Table)
	assert.Equal(t, changeset.KindUpdate, act.Kind)
	assert.Equal(t, "250ms", act.Timeout.String())

	require.Len(t, act.Steps, 2)
	assert.Equal(t, "increment", act.Steps[0].Name())
	v := act.Steps[1].Validation
	require.NotNil(t, v)
	assert.Equal(t, "too high", v.Message)
	require.Len(t, v.Where, 1)
	assert.Equal(t, "present", v.Where[0].Module.Name)

	by, ok := act.Argument("by")
	require.True(t, ok)
	assert.Equal(t, "integer", by.Type.Name())
	assert.NotNil(t, by.Default)

	code, ok := res.Attribute("code")
	require.True(t, ok)
	require.NotNil(t, code.Constraints.Match)
	assert.True(t, code.Constraints.Match.MatchString("ABC"))

	id, _ := res.Attribute("id")
	assert.True(t, id.PrimaryKey)

	assert.Equal(t, []string{"create", "increment"}, cat.Actions("Counter"))
}

func TestBuild_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*ir.ResourceSpec)
		want   string
	}{
		{"unknown change", func(s *ir.ResourceSpec) { s.Actions[1].Steps[0].Change = "teleport" }, `unknown change "teleport"`},
		{"unknown validation", func(s *ir.ResourceSpec) { s.Actions[1].Steps[1].Validate = "vibes" }, `unknown validation "vibes"`},
		{"unknown guard", func(s *ir.ResourceSpec) { s.Actions[1].Steps[1].Where[0].Validate = "vibes" }, `where 0: unknown validation "vibes"`},
		{"bad option", func(s *ir.ResourceSpec) { s.Actions[1].Steps[0].Opts["amount"] = "arg(" }, "option amount"},
		{"bad default", func(s *ir.ResourceSpec) { s.Attributes[1].Default = "1 +" }, "attribute score"},
		{"bad pattern", func(s *ir.ResourceSpec) { s.Attributes[2].Constraints.Match = "(" }, "match"},
		{"bad timeout", func(s *ir.ResourceSpec) { s.Actions[1].Timeout = "later" }, "timeout"},
		{"schema", func(s *ir.ResourceSpec) { s.PrimaryKey = []string{"missing"} }, `primary key "missing"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := counterSpec()
			tt.mutate(&spec)
			_, err := Build([]ir.ResourceSpec{spec}, memory.New())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestBuild_CustomModules(t *testing.T) {
	double := &action.ChangeModule{
		Name: "double",
		Apply: func(_ context.Context, c *changeset.Changeset, opts action.Opts) error {
			field, err := opts.Field("field")
			if err != nil {
				return err
			}
			v, _ := c.Value(field)
			n, _ := v.(ir.IRInt)
			return c.ForceChangeAttribute(field, int64(n*2))
		},
	}
	spec := counterSpec()
	spec.Actions = append(spec.Actions, ir.ActionSpec{
		Name:  "double",
		Kind:  "update",
		Steps: []ir.StepSpec{{Change: "double", Opts: map[string]string{"field": "score"}}},
	})

	_, err := Build([]ir.ResourceSpec{spec}, memory.New())
	require.Error(t, err)

	cat, err := Build([]ir.ResourceSpec{spec}, memory.New(), WithChange(double))
	require.NoError(t, err)
	_, act, err := cat.Action("Counter", "double")
	require.NoError(t, err)
	assert.Same(t, double, act.Steps[0].Change.Module)
}

func TestCatalog_Lookups(t *testing.T) {
	cat, err := Build([]ir.ResourceSpec{counterSpec()}, memory.New())
	require.NoError(t, err)

	_, err = cat.Resource("Nope")
	assert.EqualError(t, err, `unknown resource "Nope"`)

	_, _, err = cat.Action("Counter", "nope")
	assert.EqualError(t, err, `resource Counter has no action "nope"`)

	assert.Empty(t, cat.Actions("Nope"))
}

func TestCatalog_RunsThroughEngine(t *testing.T) {
	ctx := context.Background()
	cat, err := Build([]ir.ResourceSpec{counterSpec()}, memory.New())
	require.NoError(t, err)
	require.NoError(t, cat.Migrate(ctx))

	eng := engine.New(engine.WithNotifier(&engine.CollectNotifier{}))
	res, create, err := cat.Action("Counter", "create")
	require.NoError(t, err)
	_, err = eng.Create(ctx, res, create, action.Params{"id": "c1"}, action.Options{})
	require.NoError(t, err)

	_, inc, err := cat.Action("Counter", "increment")
	require.NoError(t, err)
	out, err := eng.Update(ctx, res, ir.IRObject{"id": ir.IRString("c1")}, inc, action.Params{"by": 4}, action.Options{})
	require.NoError(t, err)
	assert.Equal(t, ir.IRInt(4), out.Record["score"])

	_, err = eng.Update(ctx, res, ir.IRObject{"id": ir.IRString("c1")}, inc, action.Params{"by": 7}, action.Options{})
	require.True(t, changeset.IsInvalid(err), "got %v", err)
	assert.Contains(t, err.Error(), "too high")
}

func TestBuild_FromCUE(t *testing.T) {
	specs, err := compiler.LoadDir("../compiler/testdata/specs")
	require.NoError(t, err)

	cat, err := Build(specs, memory.New())
	require.NoError(t, err)
	assert.Equal(t, []string{"Counter", "Ticket"}, cat.Registry.Names())
	assert.Equal(t, []string{"close"}, cat.Actions("Ticket"))
}
