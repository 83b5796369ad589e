package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/changeset/internal/changeset"
)

// Deliverer receives notifications replayed from the outbox.
type Deliverer interface {
	Notify(ctx context.Context, notes []changeset.Notification) error
}

// ReplayResult summarizes one Replay call.
type ReplayResult struct {
	Runs      int
	Delivered int
	Failed    string // run id whose delivery failed; empty on success
}

// Replay hands undelivered notifications to d, one run per call in seq
// order, and marks each run delivered once d accepts it.
//
// Delivery stops at the first run d rejects so later runs are never
// delivered ahead of it. The rejected run stays undelivered and is retried
// by the next Replay. A limit > 0 bounds how many notifications are read.
func (s *Store) Replay(ctx context.Context, d Deliverer, limit int) (ReplayResult, error) {
	var result ReplayResult

	pending, err := s.Read(ctx, Filter{Undelivered: true, Limit: limit})
	if err != nil {
		return result, fmt.Errorf("replay: %w", err)
	}

	for _, batch := range groupByRun(notifications(pending)) {
		runID := batch[0].RunID
		if err := ctx.Err(); err != nil {
			return result, fmt.Errorf("replay: %w", err)
		}
		if err := d.Notify(ctx, batch); err != nil {
			slog.Warn("notification delivery failed",
				"run_id", runID,
				"count", len(batch),
				"error", err)
			result.Failed = runID
			return result, fmt.Errorf("replay run %s: %w", runID, err)
		}

		ids := make([]string, len(batch))
		for i, n := range batch {
			ids[i] = n.ID
		}
		if err := s.MarkDelivered(ctx, ids...); err != nil {
			return result, fmt.Errorf("replay run %s: %w", runID, err)
		}
		result.Runs++
		result.Delivered += len(batch)
	}

	slog.Debug("outbox replayed",
		"runs", result.Runs,
		"delivered", result.Delivered)
	return result, nil
}

// groupByRun splits seq-ordered notifications into consecutive runs. A run's
// notifications share one release, so they are contiguous in seq order
// unless runs interleaved; interleaved runs are split at each change.
func groupByRun(notes []changeset.Notification) [][]changeset.Notification {
	var batches [][]changeset.Notification
	for _, n := range notes {
		last := len(batches) - 1
		if last >= 0 && batches[last][0].RunID == n.RunID {
			batches[last] = append(batches[last], n)
			continue
		}
		batches = append(batches, []changeset.Notification{n})
	}
	return batches
}
