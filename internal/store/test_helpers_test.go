package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/changeset/internal/changeset"
	"github.com/roach88/changeset/internal/ir"
)

// createTestStore creates a new store on a temp file for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// note creates a notification with a content-derived id.
func note(runID string, seq int64, kind changeset.Kind, id string, score int64) changeset.Notification {
	data := ir.IRObject{"id": ir.IRString(id), "score": ir.IRInt(score)}
	return changeset.Notification{
		ID:       ir.MustNotificationID("Counter", string(kind), data, seq),
		Resource: "Counter",
		Action:   string(kind),
		Kind:     kind,
		Data:     data,
		Changed:  []string{"score"},
		Seq:      seq,
		RunID:    runID,
	}
}
