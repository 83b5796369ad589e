package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/roach88/changeset/internal/changeset"
)

// LogNotifier logs every released notification at info level.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, notes []changeset.Notification) error {
	for _, n := range notes {
		slog.Info("notification",
			"id", n.ID,
			"run", n.RunID,
			"resource", n.Resource,
			"action", n.Action,
			"kind", n.Kind,
			"seq", n.Seq,
			"changed", n.Changed)
	}
	return nil
}

// CollectNotifier keeps released notifications in memory. Each Notify call
// is recorded as one batch.
type CollectNotifier struct {
	mu      sync.Mutex
	batches [][]changeset.Notification
}

func (c *CollectNotifier) Notify(_ context.Context, notes []changeset.Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	batch := make([]changeset.Notification, len(notes))
	copy(batch, notes)
	c.batches = append(c.batches, batch)
	return nil
}

// Batches returns the recorded batches in release order.
func (c *CollectNotifier) Batches() [][]changeset.Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]changeset.Notification, len(c.batches))
	copy(out, c.batches)
	return out
}

// Notifications returns every recorded notification in release order.
func (c *CollectNotifier) Notifications() []changeset.Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []changeset.Notification
	for _, b := range c.batches {
		out = append(out, b...)
	}
	return out
}

// MultiNotifier releases to every notifier in order and joins their errors.
type MultiNotifier []Notifier

func (m MultiNotifier) Notify(ctx context.Context, notes []changeset.Notification) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, notes); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
