package changeset

import (
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/changeset/internal/ir"
	"github.com/roach88/changeset/internal/resource"
)

// NoSuchFieldError is returned when a setter names an undeclared field.
type NoSuchFieldError = resource.NoSuchFieldError

// InvalidFieldError reports a cast or constraint failure on one field or
// argument. Value is the raw input that was rejected.
type InvalidFieldError struct {
	Field   string
	Value   any
	Message string
}

func (e *InvalidFieldError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// RequiredFieldMissingError is recorded when a non-nil attribute or a
// required argument has no value at finalization.
type RequiredFieldMissingError struct {
	Field string
}

func (e *RequiredFieldMissingError) Error() string {
	return fmt.Sprintf("%s: is required", e.Field)
}

// NotAtomicError explains why a changeset cannot be expressed as a single
// atomic write. Callers recover from it by falling back to the phased
// pipeline.
type NotAtomicError struct {
	Reason string
}

func (e *NotAtomicError) Error() string {
	return "not atomic: " + e.Reason
}

// NotAtomic builds a NotAtomicError from a format string.
func NotAtomic(format string, args ...any) *NotAtomicError {
	return &NotAtomicError{Reason: fmt.Sprintf(format, args...)}
}

// TransactionFailureError wraps a data-layer failure.
type TransactionFailureError struct {
	Err error
}

func (e *TransactionFailureError) Error() string {
	return fmt.Sprintf("transaction failed: %v", e.Err)
}

func (e *TransactionFailureError) Unwrap() error { return e.Err }

// TimeoutExceededError is returned when a run overruns its timeout.
type TimeoutExceededError struct {
	Resource string
	Action   string
	Timeout  string
}

func (e *TimeoutExceededError) Error() string {
	return fmt.Sprintf("%s.%s timed out after %s", e.Resource, e.Action, e.Timeout)
}

// HookFailureError reports a hook that returned an error or panicked.
type HookFailureError struct {
	Phase Phase
	Index int
	Err   error
}

func (e *HookFailureError) Error() string {
	return fmt.Sprintf("%s hook %d failed: %v", e.Phase, e.Index, e.Err)
}

func (e *HookFailureError) Unwrap() error { return e.Err }

// AlreadyValidatedError is returned when a structural change is attempted
// in a phase that no longer allows it.
type AlreadyValidatedError struct {
	Phase     Phase
	Operation string
}

func (e *AlreadyValidatedError) Error() string {
	return fmt.Sprintf("cannot %s: changeset is in phase %s", e.Operation, e.Phase)
}

// StaleRecordError is returned when the changeset filter matched no row.
type StaleRecordError struct {
	Resource string
	Key      ir.IRObject
}

func (e *StaleRecordError) Error() string {
	return fmt.Sprintf("stale record: %s %s did not match the changeset filter", e.Resource, ir.String(e.Key))
}

// NotFoundError is returned when the record to update or destroy is gone.
type NotFoundError struct {
	Resource string
	Key      ir.IRObject
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, ir.String(e.Key))
}

// InvalidError is the final error of a run whose changeset collected
// errors.
type InvalidError struct {
	Errors []error
}

func (e *InvalidError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, err := range e.Errors {
		msgs[i] = err.Error()
	}
	return "invalid changeset: " + strings.Join(msgs, "; ")
}

func (e *InvalidError) Unwrap() []error { return e.Errors }

// PanicError carries a recovered panic value.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// IsNotAtomic returns true if err is or wraps a NotAtomicError.
func IsNotAtomic(err error) bool {
	var na *NotAtomicError
	return errors.As(err, &na)
}

// IsAlreadyValidated returns true if err is or wraps an AlreadyValidatedError.
func IsAlreadyValidated(err error) bool {
	var av *AlreadyValidatedError
	return errors.As(err, &av)
}

// IsTimeout returns true if err is or wraps a TimeoutExceededError.
func IsTimeout(err error) bool {
	var te *TimeoutExceededError
	return errors.As(err, &te)
}

// IsInvalid returns true if err is or wraps an InvalidError.
func IsInvalid(err error) bool {
	var ie *InvalidError
	return errors.As(err, &ie)
}

// IsRequiredFieldMissing returns true if err carries a
// RequiredFieldMissingError for field. An empty field matches any.
func IsRequiredFieldMissing(err error, field string) bool {
	var rf *RequiredFieldMissingError
	if errors.As(err, &rf) {
		return field == "" || rf.Field == field
	}
	return false
}

// IsInvalidField returns true if err carries an InvalidFieldError for
// field. An empty field matches any.
func IsInvalidField(err error, field string) bool {
	var inv *InvalidFieldError
	if errors.As(err, &inv) {
		return field == "" || inv.Field == field
	}
	return false
}

// IsHookFailure returns true if err is or wraps a HookFailureError.
func IsHookFailure(err error) bool {
	var hf *HookFailureError
	return errors.As(err, &hf)
}

// IsStaleRecord returns true if err is or wraps a StaleRecordError.
func IsStaleRecord(err error) bool {
	var sr *StaleRecordError
	return errors.As(err, &sr)
}

// IsNotFound returns true if err is or wraps a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsTransactionFailure returns true if err is or wraps a
// TransactionFailureError.
func IsTransactionFailure(err error) bool {
	var tf *TransactionFailureError
	return errors.As(err, &tf)
}
