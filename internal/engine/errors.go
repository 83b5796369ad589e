package engine

import (
	"context"
	"errors"
	"time"

	"github.com/roach88/changeset/internal/changeset"
	"github.com/roach88/changeset/internal/datalayer"
	"github.com/roach88/changeset/internal/expr"
	"github.com/roach88/changeset/internal/ir"
	"github.com/roach88/changeset/internal/metrics"
)

// mapWriteError turns a data-layer failure into the changeset error
// taxonomy. Errors raised by expression guards become field errors, a
// rejected filter a stale record, and anything else a transaction failure.
func mapWriteError(c *changeset.Changeset, key ir.IRObject, err error) error {
	var raised *expr.RaisedError
	switch {
	case errors.As(err, &raised):
		return &changeset.InvalidError{Errors: []error{
			&changeset.InvalidFieldError{Field: raised.Field, Message: raised.Message},
		}}
	case errors.Is(err, datalayer.ErrStaleRecord):
		return &changeset.StaleRecordError{Resource: c.Resource.Name, Key: key}
	case errors.Is(err, datalayer.ErrNotFound):
		return &changeset.NotFoundError{Resource: c.Resource.Name, Key: key}
	}
	return &changeset.TransactionFailureError{Err: err}
}

func timeoutError(c *changeset.Changeset, timeout time.Duration) *changeset.TimeoutExceededError {
	return &changeset.TimeoutExceededError{
		Resource: c.Resource.Name,
		Action:   c.Action,
		Timeout:  timeout.String(),
	}
}

// deadlineError reports whether err came from a context deadline that is
// not already reported as a timeout.
func deadlineError(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) && !changeset.IsTimeout(err)
}

// outcome labels err for metrics.
func outcome(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeOK
	case changeset.IsTimeout(err):
		return metrics.OutcomeTimeout
	case changeset.IsInvalid(err):
		return metrics.OutcomeInvalid
	}
	return metrics.OutcomeError
}
