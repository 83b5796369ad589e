package harness

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadScenario_ResolvesSpecsDir(t *testing.T) {
	s, err := LoadScenario("testdata/scenarios/counter_lifecycle.yaml")
	require.NoError(t, err)

	assert.Equal(t, "counter_lifecycle", s.Name)
	assert.Equal(t, filepath.Join("testdata", "specs"), s.Specs)
	assert.Equal(t, BackendMemory, s.Backend)
	require.Len(t, s.Setup, 1)
	require.Len(t, s.Flow, 7)
	assert.Equal(t, "c1", s.Flow[0].ID)
	assert.Equal(t, 2, s.Flow[0].Params["by"])
	assert.Equal(t, OutcomeInvalid, s.Flow[2].Expect.Outcome)
	assert.Equal(t, []string{"score"}, s.Flow[2].Expect.Errors)
	assert.Nil(t, s.Flow[5].Expect)
	require.Len(t, s.Assertions, 3)
	assert.Equal(t, []string{"increment", "close", "destroy"}, s.Assertions[2].Actions)
}

func TestLoadScenario_RejectsUnknownFields(t *testing.T) {
	_, err := LoadScenario("testdata/bad/unknown_field.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invoke")
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario("testdata/scenarios/nope.yaml")
	assert.Error(t, err)
}

func TestParseScenario_Validation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "missing name",
			yaml: "specs: s\nflow: [{resource: A, action: b}]",
			want: "name is required",
		},
		{
			name: "missing specs",
			yaml: "name: x\nflow: [{resource: A, action: b}]",
			want: "specs is required",
		},
		{
			name: "empty flow",
			yaml: "name: x\nspecs: s\nflow: []",
			want: "at least one step",
		},
		{
			name: "unknown backend",
			yaml: "name: x\nspecs: s\nbackend: redis\nflow: [{resource: A, action: b}]",
			want: "backend",
		},
		{
			name: "step without action",
			yaml: "name: x\nspecs: s\nflow: [{resource: A}]",
			want: "flow[0]",
		},
		{
			name: "id and key",
			yaml: "name: x\nspecs: s\nflow: [{resource: A, action: b, id: 1, key: {id: 1}}]",
			want: "mutually exclusive",
		},
		{
			name: "unknown outcome",
			yaml: "name: x\nspecs: s\nflow: [{resource: A, action: b, expect: {outcome: maybe}}]",
			want: "unknown outcome",
		},
		{
			name: "setup step",
			yaml: "name: x\nspecs: s\nsetup: [{action: b}]\nflow: [{resource: A, action: b}]",
			want: "setup[0]",
		},
		{
			name: "final_state without id",
			yaml: "name: x\nspecs: s\nflow: [{resource: A, action: b}]\nassertions: [{type: final_state, resource: A}]",
			want: "assertions[0]",
		},
		{
			name: "order without actions",
			yaml: "name: x\nspecs: s\nflow: [{resource: A, action: b}]\nassertions: [{type: notification_order}]",
			want: "requires actions",
		},
		{
			name: "unknown assertion",
			yaml: "name: x\nspecs: s\nflow: [{resource: A, action: b}]\nassertions: [{type: trace_contains}]",
			want: "unknown assertion type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestFindScenarios(t *testing.T) {
	paths, err := FindScenarios("testdata/scenarios")
	require.NoError(t, err)

	var names []string
	for _, p := range paths {
		names = append(names, filepath.Base(p))
	}
	assert.Equal(t, []string{"concurrent_increments.yaml", "counter_lifecycle.yaml", "note_revisions.yaml"}, names)
}
