// Package apperr defines the error taxonomy shared by the store, race
// manager, and transport layers. Callers should wrap a sentinel with
// fmt.Errorf("...: %w", ErrX) and check with errors.Is.
package apperr

import "errors"

var (
	// ErrInvalidArgument marks a caller-supplied value that is structurally
	// wrong (schedule time in the past, negative duration, unknown role).
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrInvalidState marks an operation attempted from the wrong state
	// (scheduling while not READY, resetting a password while logged out).
	ErrInvalidState = errors.New("invalid state")

	// ErrNotFound marks a missing lookup (user, role, session, pilot).
	ErrNotFound = errors.New("not found")

	// ErrAuthFailure marks a password mismatch or an unreadable stored hash.
	// Handlers must present this identically to ErrNotFound to callers.
	ErrAuthFailure = errors.New("authentication failed")

	// ErrTransientStorage marks a store failure worth retrying once.
	ErrTransientStorage = errors.New("transient storage error")

	// ErrStorage marks a store failure that survived the one retry.
	ErrStorage = errors.New("storage error")

	// ErrFatalStorage marks a schema/bootstrap failure that aborts startup.
	ErrFatalStorage = errors.New("fatal storage error")

	// ErrHandlerFailure marks an event-bus subscriber handler error. Never
	// propagated to a publisher; logged only.
	ErrHandlerFailure = errors.New("handler error")

	// ErrAlreadyExists marks a duplicate insert swallowed by ensure_* helpers.
	ErrAlreadyExists = errors.New("already exists")
)

// Is reports whether err wraps target, a thin re-export so callers don't
// need a separate "errors" import purely to check apperr sentinels.
func Is(err, target error) bool { return errors.Is(err, target) }
