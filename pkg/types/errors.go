package types

import (
	"errors"
	"fmt"
)

// Sentinel errors for classifying failures across package boundaries.
// Wrap with fmt.Errorf("...: %w", Err...) and test with errors.Is.
var (
	// ErrInvalidRequest marks a malformed or unsatisfiable request.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrNotFound marks a reference to an unknown entity.
	ErrNotFound = errors.New("not found")

	// ErrConflict marks an operation rejected by the current state,
	// including invalid status transitions and duplicate IDs.
	ErrConflict = errors.New("conflict")

	// ErrResourceDenied marks a reservation the broker cannot grant or
	// a data source that fails preflight.
	ErrResourceDenied = errors.New("resource denied")

	// ErrDependencyTimeout marks a dependency wait that expired.
	ErrDependencyTimeout = errors.New("dependency timeout")

	// ErrDependencyCycle marks an edge registration that would close a cycle.
	ErrDependencyCycle = errors.New("dependency cycle")

	// ErrBudgetExceeded marks actual cost crossing the configured budget.
	ErrBudgetExceeded = errors.New("budget exceeded")

	// ErrCancelled marks work stopped by a graceful cancel.
	ErrCancelled = errors.New("cancelled")

	// ErrTerminated marks work stopped by an immediate terminate.
	ErrTerminated = errors.New("terminated")

	// ErrQueueFull marks a scheduler admission rejected at capacity.
	ErrQueueFull = errors.New("queue full")

	// ErrInternal marks an invariant violation inside the core.
	ErrInternal = errors.New("internal error")
)

// retryableError marks a stage failure worth retrying.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// fatalError marks a stage failure that must not be retried.
type fatalError struct {
	err error
}

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// Retryable wraps err so IsRetryable reports true.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}

// Fatal wraps err so IsFatal reports true.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// Retryablef formats a retryable stage error.
func Retryablef(format string, args ...any) error {
	return &retryableError{err: fmt.Errorf(format, args...)}
}

// Fatalf formats a fatal stage error.
func Fatalf(format string, args ...any) error {
	return &fatalError{err: fmt.Errorf(format, args...)}
}

// IsFatal reports whether err is marked fatal anywhere in its chain.
func IsFatal(err error) bool {
	var fe *fatalError
	return errors.As(err, &fe)
}

// IsRetryable reports whether err should be retried. Errors carrying no
// classification default to retryable; fatal, cancel, and terminate
// marks win over a retryable mark further down the chain.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if IsFatal(err) || errors.Is(err, ErrCancelled) || errors.Is(err, ErrTerminated) {
		return false
	}
	return true
}
