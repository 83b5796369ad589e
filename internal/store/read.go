package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/roach88/changeset/internal/changeset"
)

// Stored is a notification as kept in the outbox.
type Stored struct {
	changeset.Notification
	Delivered bool `json:"delivered"`
}

// Filter narrows Read. Zero fields do not filter.
type Filter struct {
	RunID       string
	Resource    string
	AfterSeq    int64
	Undelivered bool
	Limit       int
}

const selectColumns = `id, run_id, seq, resource, action, kind, data, changed, delivered`

// Read returns stored notifications matching f, ordered deterministically:
// ORDER BY seq ASC, id ASC COLLATE BINARY.
//
// Returns an empty slice (not nil) if nothing matches.
func (s *Store) Read(ctx context.Context, f Filter) ([]Stored, error) {
	var (
		where []string
		args  []any
	)
	if f.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, f.RunID)
	}
	if f.Resource != "" {
		where = append(where, "resource = ?")
		args = append(args, f.Resource)
	}
	if f.AfterSeq > 0 {
		where = append(where, "seq > ?")
		args = append(args, f.AfterSeq)
	}
	if f.Undelivered {
		where = append(where, "delivered = 0")
	}

	query := "SELECT " + selectColumns + " FROM notifications"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq ASC, id COLLATE BINARY ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	out := []Stored{}
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notifications: %w", err)
	}
	return out, nil
}

// ReadRun returns the notifications one run released, in release order.
func (s *Store) ReadRun(ctx context.Context, runID string) ([]changeset.Notification, error) {
	stored, err := s.Read(ctx, Filter{RunID: runID})
	if err != nil {
		return nil, fmt.Errorf("read run %s: %w", runID, err)
	}
	return notifications(stored), nil
}

// Get returns a single stored notification by id.
func (s *Store) Get(ctx context.Context, id string) (Stored, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+selectColumns+" FROM notifications WHERE id = ?", id)
	n, err := scanNotification(row)
	if err != nil {
		return Stored{}, fmt.Errorf("get notification %s: %w", id, err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanNotification(row scanner) (Stored, error) {
	var (
		n         Stored
		kind      string
		data      string
		changed   string
		delivered int
	)
	err := row.Scan(&n.ID, &n.RunID, &n.Seq, &n.Resource, &n.Action, &kind, &data, &changed, &delivered)
	if err == sql.ErrNoRows {
		return Stored{}, err
	}
	if err != nil {
		return Stored{}, fmt.Errorf("scan notification: %w", err)
	}

	n.Kind = changeset.Kind(kind)
	n.Delivered = delivered != 0
	if n.Data, err = unmarshalData(data); err != nil {
		return Stored{}, fmt.Errorf("notification %s: %w", n.ID, err)
	}
	if n.Changed, err = unmarshalChanged(changed); err != nil {
		return Stored{}, fmt.Errorf("notification %s: %w", n.ID, err)
	}
	return n, nil
}

func notifications(stored []Stored) []changeset.Notification {
	out := make([]changeset.Notification, len(stored))
	for i, s := range stored {
		out[i] = s.Notification
	}
	return out
}
