package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/changeset/internal/changeset"
)

// Notify appends a released batch to the outbox in one transaction.
// Uses ON CONFLICT(id) DO NOTHING for idempotency - a notification already
// stored is silently skipped. Store satisfies the engine's Notifier.
func (s *Store) Notify(ctx context.Context, notes []changeset.Notification) error {
	if len(notes) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("write notifications: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO notifications
		(id, run_id, seq, resource, action, kind, data, changed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("write notifications: prepare: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, n := range notes {
		data, err := marshalData(n.Data)
		if err != nil {
			return fmt.Errorf("write notification %s: %w", n.ID, err)
		}
		changed, err := marshalChanged(n.Changed)
		if err != nil {
			return fmt.Errorf("write notification %s: %w", n.ID, err)
		}
		res, err := stmt.ExecContext(ctx, n.ID, n.RunID, n.Seq, n.Resource, n.Action, string(n.Kind), data, changed)
		if err != nil {
			return fmt.Errorf("write notification %s: %w", n.ID, err)
		}
		if rows, err := res.RowsAffected(); err == nil {
			inserted += int(rows)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("write notifications: commit: %w", err)
	}

	slog.Debug("notifications stored",
		"run_id", notes[0].RunID,
		"count", len(notes),
		"inserted", inserted)
	return nil
}

// MarkDelivered flags the given notifications as delivered. Unknown ids are
// ignored.
func (s *Store) MarkDelivered(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("mark delivered: begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `UPDATE notifications SET delivered = 1 WHERE id = ?`, id); err != nil {
			return fmt.Errorf("mark delivered %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("mark delivered: commit: %w", err)
	}
	return nil
}
