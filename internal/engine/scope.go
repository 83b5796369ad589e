package engine

import (
	"context"
	"log/slog"
	"sync"

	"github.com/roach88/changeset/internal/changeset"
	"github.com/roach88/changeset/internal/datalayer"
)

// scope is the reentrancy state shared by an outermost run and every run
// nested inside it (runs started from its hooks with the ctx they were
// given). It records which data layers already have an open transaction
// and gathers notifications until the outermost run releases them.
//
// A scope lives only in a context.Context; nothing about it is global. The
// outermost run closes it with defer, on success, error and panic alike.
type scope struct {
	runID string

	mu           sync.Mutex
	depth        int
	transactions map[datalayer.DataLayer]bool
	pending      []changeset.Notification
	closed       bool
}

type scopeKey struct{}

// enterScope returns the scope carried by ctx, or opens a new one when ctx
// carries none or only the closed scope of a finished run. outermost is
// true for the run that opened it; leave must be deferred by the caller.
func enterScope(ctx context.Context, newID func() string) (_ context.Context, s *scope, outermost bool, leave func()) {
	if s, ok := ctx.Value(scopeKey{}).(*scope); ok && s.join() {
		return ctx, s, false, func() {
			s.mu.Lock()
			s.depth--
			s.mu.Unlock()
		}
	}

	s = &scope{
		runID:        newID(),
		depth:        1,
		transactions: make(map[datalayer.DataLayer]bool),
	}
	return context.WithValue(ctx, scopeKey{}, s), s, true, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.depth = 0
		s.pending = nil
		s.transactions = nil
		s.closed = true
	}
}

// join counts a nested run into s unless s is already closed.
func (s *scope) join() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.depth++
	return true
}

func (s *scope) currentDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.depth
}

// inTransaction reports whether an enclosing run already opened a
// transaction on dl.
func (s *scope) inTransaction(dl datalayer.DataLayer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transactions[dl]
}

// beginTransaction marks dl as having an open transaction and returns the
// func that clears the mark.
func (s *scope) beginTransaction(dl datalayer.DataLayer) func() {
	s.mu.Lock()
	if s.transactions == nil {
		s.transactions = make(map[datalayer.DataLayer]bool)
	}
	s.transactions[dl] = true
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.transactions != nil {
			delete(s.transactions, dl)
		}
	}
}

// gather holds notes of a nested run for the outermost run to release.
func (s *scope) gather(notes []changeset.Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		slog.Debug("dropping notifications gathered after the run ended",
			"run", s.runID,
			"count", len(notes))
		return
	}
	s.pending = append(s.pending, notes...)
}

// take removes and returns the gathered notifications.
func (s *scope) take() []changeset.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	notes := s.pending
	s.pending = nil
	return notes
}

// discard drops the gathered notifications of a failed run.
func (s *scope) discard() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = nil
}
