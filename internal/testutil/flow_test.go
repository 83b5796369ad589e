package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/changeset/internal/engine"
)

var _ engine.RunIDGenerator = (*SequentialRunIDs)(nil)

func TestSequentialRunIDs(t *testing.T) {
	g := NewSequentialRunIDs("")
	assert.Equal(t, "run-1", g.Generate())
	assert.Equal(t, "run-2", g.Generate())

	custom := NewSequentialRunIDs("scenario")
	assert.Equal(t, "scenario-1", custom.Generate())
}
