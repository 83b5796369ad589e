package testutil

import (
	"fmt"
	"sync"
)

// SequentialRunIDs generates "run-1", "run-2", ... in order.
//
// Unlike engine.FixedGenerator, which runs out of predetermined ids, this
// generator never exhausts, so scenarios with any number of steps get
// deterministic run ids.
//
// Implements engine.RunIDGenerator. Safe for concurrent use.
type SequentialRunIDs struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequentialRunIDs creates a generator. If prefix is empty, ids start
// with "run".
func NewSequentialRunIDs(prefix string) *SequentialRunIDs {
	if prefix == "" {
		prefix = "run"
	}
	return &SequentialRunIDs{prefix: prefix}
}

// Generate returns the next id.
func (g *SequentialRunIDs) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%d", g.prefix, g.n)
}
