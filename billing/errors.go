/*
errors.go - Error taxonomy for the invoicing and payment core

CATEGORIES:
  NotFound           entity missing                          → 404
  Validation         malformed or out-of-range input         → 400
  DuplicateOperation already done for this trigger (no-op)   → 409
  InconsistentState  records disagree, needs reconciliation  → 409
  IO                 store unavailable, retryable            → 503

Every structured error unwraps to its sentinel, so callers classify with
errors.Is and never by string matching.

SEE ALSO:
  - api/handlers.go: kind → HTTP status mapping
  - saga/saga.go: Failure wraps these for workflow callers
*/
package billing

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrNotFound           = errors.New("not found")
	ErrValidation         = errors.New("validation failed")
	ErrDuplicateOperation = errors.New("duplicate operation")
	ErrInconsistentState  = errors.New("inconsistent state")
	ErrIO                 = errors.New("storage unavailable")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s %q not found", e.Entity, e.ID) }
func (e *NotFoundError) Unwrap() error { return ErrNotFound }

type ValidationError struct {
	Field  string
	Code   string // machine-readable reason, defaults to "invalid"
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}
func (e *ValidationError) Unwrap() error { return ErrValidation }

// DuplicateOperationError signals that the operation already happened for
// this key. It is a no-op signal, not a failure of the system.
type DuplicateOperationError struct {
	Operation string
	Key       string
}

func (e *DuplicateOperationError) Error() string {
	return fmt.Sprintf("duplicate %s for %s", e.Operation, e.Key)
}
func (e *DuplicateOperationError) Unwrap() error { return ErrDuplicateOperation }

type InconsistentStateError struct {
	Entity string
	ID     string
	Reason string
}

func (e *InconsistentStateError) Error() string {
	return fmt.Sprintf("inconsistent %s %q: %s", e.Entity, e.ID, e.Reason)
}
func (e *InconsistentStateError) Unwrap() error { return ErrInconsistentState }

// IOError wraps a storage failure.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }

// Unwrap exposes both the sentinel and the underlying driver error.
func (e *IOError) Unwrap() []error { return []error{ErrIO, e.Err} }

// InvoiceGenerationError explains why the generator refused a trigger.
// Cause carries the taxonomy kind (NotFound, InconsistentState, Validation).
type InvoiceGenerationError struct {
	Trigger Trigger
	Reason  string
	Cause   error
}

func (e *InvoiceGenerationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("invoice generation for %s failed: %s: %v", e.Trigger.Key(), e.Reason, e.Cause)
	}
	return fmt.Sprintf("invoice generation for %s failed: %s", e.Trigger.Key(), e.Reason)
}

func (e *InvoiceGenerationError) Unwrap() error {
	if e.Cause != nil {
		return e.Cause
	}
	return ErrValidation
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

type ErrorKind string

const (
	KindNotFound          ErrorKind = "not_found"
	KindValidation        ErrorKind = "validation"
	KindDuplicate         ErrorKind = "duplicate_operation"
	KindInconsistentState ErrorKind = "inconsistent_state"
	KindIO                ErrorKind = "io"
	KindInternal          ErrorKind = "internal"
)

// Kind classifies err into the taxonomy.
func Kind(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrDuplicateOperation):
		return KindDuplicate
	case errors.Is(err, ErrInconsistentState):
		return KindInconsistentState
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrIO):
		return KindIO
	}
	return KindInternal
}

func IsNotFound(err error) bool  { return errors.Is(err, ErrNotFound) }
func IsDuplicate(err error) bool { return errors.Is(err, ErrDuplicateOperation) }

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrIO)
}

// IsClientError returns true if the error is due to the caller's input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrDuplicateOperation) ||
		errors.Is(err, ErrNotFound)
}

// wrapIO converts unclassified store errors into IOError.
func wrapIO(op string, err error) error {
	if err == nil || Kind(err) != KindInternal {
		return err
	}
	return &IOError{Op: op, Err: err}
}
