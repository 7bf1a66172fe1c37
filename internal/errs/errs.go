// Package errs defines the error kinds shared across the control plane.
// Services wrap these with fmt.Errorf("...: %w", ...) so callers can
// classify failures with errors.Is while keeping the full context.
package errs

import "errors"

var (
	// ErrValidation marks malformed input. Always synchronous.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound marks a missing entity or one not eligible for the operation.
	ErrNotFound = errors.New("not found")

	// ErrStateConflict marks an operation invalid in the entity's current state.
	ErrStateConflict = errors.New("state conflict")

	// ErrDependencyFailed marks a failed external prerequisite (build, signing).
	ErrDependencyFailed = errors.New("dependency failed")

	// ErrTimeout marks a bounded wait that exceeded its deadline.
	ErrTimeout = errors.New("timed out")

	// ErrTransient marks infrastructure failures eligible for retry.
	ErrTransient = errors.New("transient infrastructure error")
)
