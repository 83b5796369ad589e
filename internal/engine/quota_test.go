package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/changeset/internal/action"
	"github.com/roach88/changeset/internal/changeset"
	"github.com/roach88/changeset/internal/ir"
)

func TestRun_NestingDepthIsBounded(t *testing.T) {
	f := newFixture(t, WithMaxDepth(3), WithRunIDs(NewFixedGenerator("run-1")))
	f.seed(t, "c1", 0, "open")
	row := f.row(t, "c1")

	// Every run starts another run of the same action from its hook.
	var runNested func(ctx context.Context) error
	runNested = func(ctx context.Context) error {
		c, err := action.ForUpdate(ctx, f.res, row, f.increment, nil, action.Options{})
		if err != nil {
			return err
		}
		if err := c.BeforeAction(func(ctx context.Context, _ *changeset.Changeset) error {
			return runNested(ctx)
		}); err != nil {
			return err
		}
		_, err = f.eng.Run(ctx, c)
		return err
	}

	err := runNested(context.Background())
	require.True(t, IsDepthExceeded(err), "got %v", err)

	var de *DepthExceededError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "run-1", de.RunID)
	assert.Equal(t, 4, de.Depth)
	assert.Equal(t, 3, de.Limit)

	assert.Equal(t, ir.IRInt(0), f.row(t, "c1")["score"], "the whole scope rolled back")
	assert.Empty(t, f.notes.Batches())
}

func TestDepthExceededError(t *testing.T) {
	err := &DepthExceededError{RunID: "run-1", Depth: 33, Limit: 32}
	assert.EqualError(t, err, "run run-1 exceeded max nesting depth: 33 > 32")
	assert.False(t, IsDepthExceeded(assert.AnError))
}
