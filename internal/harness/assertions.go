package harness

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/changeset/internal/datalayer"
)

func (h *Harness) evaluateAssertion(ctx context.Context, a Assertion, result *Result) error {
	switch a.Type {
	case AssertFinalState:
		return h.assertFinalState(ctx, a)
	case AssertRowAbsent:
		return h.assertRowAbsent(ctx, a)
	case AssertNotificationCount:
		return assertNotificationCount(a, result)
	case AssertNotificationOrder:
		return assertNotificationOrder(a, result)
	default:
		return fmt.Errorf("unknown assertion type: %s", a.Type)
	}
}

func (h *Harness) assertFinalState(ctx context.Context, a Assertion) error {
	res, err := h.Catalog.Resource(a.Resource)
	if err != nil {
		return err
	}
	key, err := keyOf(res.PrimaryKey, a.ID, a.Key)
	if err != nil {
		return err
	}
	row, err := h.DataLayer.Get(ctx, res.TableDef(), key)
	if errors.Is(err, datalayer.ErrNotFound) {
		return fmt.Errorf("%s %v: row not found", a.Resource, key)
	}
	if err != nil {
		return err
	}
	return matchSubset(row, a.Expect)
}

func (h *Harness) assertRowAbsent(ctx context.Context, a Assertion) error {
	res, err := h.Catalog.Resource(a.Resource)
	if err != nil {
		return err
	}
	key, err := keyOf(res.PrimaryKey, a.ID, a.Key)
	if err != nil {
		return err
	}
	_, err = h.DataLayer.Get(ctx, res.TableDef(), key)
	switch {
	case errors.Is(err, datalayer.ErrNotFound):
		return nil
	case err != nil:
		return err
	}
	return fmt.Errorf("%s %v: row still exists", a.Resource, key)
}

// assertNotificationCount counts released notifications, optionally
// narrowed to a resource and action.
func assertNotificationCount(a Assertion, result *Result) error {
	count := 0
	for _, n := range result.Notifications() {
		if a.Resource != "" && n.Resource != a.Resource {
			continue
		}
		if a.Action != "" && n.Action != a.Action {
			continue
		}
		count++
	}
	if count != a.Count {
		return fmt.Errorf("expected %d notifications, got %d", a.Count, count)
	}
	return nil
}

// assertNotificationOrder checks that the listed actions appear in order
// among the released notifications. Other notifications may interleave.
func assertNotificationOrder(a Assertion, result *Result) error {
	notes := result.Notifications()
	next := 0
	for _, n := range notes {
		if next == len(a.Actions) {
			break
		}
		if a.Resource != "" && n.Resource != a.Resource {
			continue
		}
		if n.Action == a.Actions[next] {
			next++
		}
	}
	if next < len(a.Actions) {
		return fmt.Errorf("expected %s after %v, not released in that order", a.Actions[next], a.Actions[:next])
	}
	return nil
}
