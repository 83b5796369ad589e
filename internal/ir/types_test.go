package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func counterSpec() ResourceSpec {
	return ResourceSpec{
		Name:       "Counter",
		Table:      "counters",
		PrimaryKey: []string{"id"},
		Attributes: []AttributeSpec{
			{Name: "id", Type: "uuid", Default: "uuid_v7()"},
			{Name: "score", Type: "integer", Writable: true, Default: "0"},
		},
		Actions: []ActionSpec{{
			Name: "increment",
			Kind: "update",
			Steps: []StepSpec{{
				Change: "increment",
				Opts:   map[string]string{"field": "score"},
			}},
		}},
	}
}

func TestResourceSpecValidateOK(t *testing.T) {
	spec := counterSpec()
	assert.Empty(t, spec.Validate())
}

func TestResourceSpecValidateCollectsAll(t *testing.T) {
	spec := counterSpec()
	spec.PrimaryKey = []string{"missing"}
	spec.Attributes = append(spec.Attributes, AttributeSpec{Name: "score", Type: "float"})
	spec.Actions[0].Kind = "upsert"
	spec.Actions[0].Steps = append(spec.Actions[0].Steps, StepSpec{})

	errs := spec.Validate()
	fields := make([]string, 0, len(errs))
	for _, e := range errs {
		fields = append(fields, e.Field)
	}
	assert.Contains(t, fields, "primary_key")
	assert.Contains(t, fields, "attributes[2]")
	assert.Contains(t, fields, "attributes.score.type")
	assert.Contains(t, fields, "actions.increment.kind")
	assert.Contains(t, fields, "actions.increment.steps[1]")
}

func TestStepWhereMustBeValidation(t *testing.T) {
	spec := counterSpec()
	spec.Actions[0].Steps[0].Where = []StepSpec{{Change: "set_attribute"}}
	errs := spec.Validate()
	if assert.Len(t, errs, 1) {
		assert.Equal(t, "actions.increment.steps[0].where[0]", errs[0].Field)
	}
}
