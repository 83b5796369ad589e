package store

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/changeset/internal/changeset"
	"github.com/roach88/changeset/internal/engine"
)

type flakyDeliverer struct {
	failRun string
	got     [][]changeset.Notification
}

func (d *flakyDeliverer) Notify(_ context.Context, notes []changeset.Notification) error {
	if notes[0].RunID == d.failRun {
		return errors.New("downstream unavailable")
	}
	d.got = append(d.got, notes)
	return nil
}

func TestReplay_DeliversRunsInOrder(t *testing.T) {
	s := createTestStore(t)
	seedRuns(t, s)
	ctx := context.Background()

	collect := &engine.CollectNotifier{}
	res, err := s.Replay(ctx, collect, 0)
	require.NoError(t, err)
	assert.Equal(t, ReplayResult{Runs: 3, Delivered: 4}, res)

	batches := collect.Batches()
	require.Len(t, batches, 3)
	assert.Len(t, batches[0], 2)
	assert.Equal(t, "run-1", batches[0][0].RunID)
	assert.Equal(t, "run-2", batches[1][0].RunID)
	assert.Equal(t, "run-3", batches[2][0].RunID)

	// Nothing left to deliver.
	res, err = s.Replay(ctx, collect, 0)
	require.NoError(t, err)
	assert.Equal(t, ReplayResult{}, res)
}

func TestReplay_StopsAtFirstFailure(t *testing.T) {
	s := createTestStore(t)
	seedRuns(t, s)
	ctx := context.Background()

	d := &flakyDeliverer{failRun: "run-2"}
	res, err := s.Replay(ctx, d, 0)
	require.Error(t, err)
	assert.Equal(t, ReplayResult{Runs: 1, Delivered: 2, Failed: "run-2"}, res)
	require.Len(t, d.got, 1)

	pending, err := s.Read(ctx, Filter{Undelivered: true})
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 4}, seqs(pending), "run-3 is not delivered ahead of run-2")

	d.failRun = ""
	res, err = s.Replay(ctx, d, 0)
	require.NoError(t, err)
	assert.Equal(t, ReplayResult{Runs: 2, Delivered: 2}, res)
}

func TestReplay_Limit(t *testing.T) {
	s := createTestStore(t)
	seedRuns(t, s)

	collect := &engine.CollectNotifier{}
	res, err := s.Replay(context.Background(), collect, 1)
	require.NoError(t, err)
	assert.Equal(t, ReplayResult{Runs: 1, Delivered: 1}, res)
}

func TestReplay_CancelledContext(t *testing.T) {
	s := createTestStore(t)
	seedRuns(t, s)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Replay(ctx, &engine.CollectNotifier{}, 0)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGroupByRun(t *testing.T) {
	notes := []changeset.Notification{
		{RunID: "a", Seq: 1},
		{RunID: "a", Seq: 2},
		{RunID: "b", Seq: 3},
		{RunID: "a", Seq: 4},
	}
	got := groupByRun(notes)
	require.Len(t, got, 3)
	assert.Len(t, got[0], 2)
	assert.Equal(t, "b", got[1][0].RunID)
	assert.Equal(t, int64(4), got[2][0].Seq)
	assert.Nil(t, groupByRun(nil))
}
