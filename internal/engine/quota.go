package engine

import (
	"errors"
	"fmt"
)

// DefaultMaxDepth bounds how deeply runs may nest inside each other's hooks.
const DefaultMaxDepth = 32

// DepthExceededError is returned when a nested run would exceed the
// engine's maximum nesting depth. The enclosing runs fail with it as well,
// so nothing of the scope commits.
type DepthExceededError struct {
	RunID string
	Depth int
	Limit int
}

func (e *DepthExceededError) Error() string {
	return fmt.Sprintf("run %s exceeded max nesting depth: %d > %d", e.RunID, e.Depth, e.Limit)
}

// IsDepthExceeded returns true if err is or wraps a DepthExceededError.
func IsDepthExceeded(err error) bool {
	var de *DepthExceededError
	return errors.As(err, &de)
}

// WithMaxDepth sets the maximum nesting depth of runs. Default:
// DefaultMaxDepth.
func WithMaxDepth(n int) EngineOption {
	return func(e *Engine) {
		e.maxDepth = n
	}
}

// checkDepth fails when the scope is nested deeper than the engine allows.
func (e *Engine) checkDepth(sc *scope) error {
	depth := sc.currentDepth()
	if e.maxDepth > 0 && depth > e.maxDepth {
		return &DepthExceededError{RunID: sc.runID, Depth: depth, Limit: e.maxDepth}
	}
	return nil
}
