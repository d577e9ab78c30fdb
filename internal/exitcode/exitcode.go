// Package exitcode defines exit codes for the CLI.
package exitcode

import (
	"errors"

	"tasksync/internal/syncerr"
)

const (
	// Success indicates successful completion.
	Success = 0

	// UserError indicates a user error (bad args, not found, ambiguous).
	UserError = 1

	// AuthError indicates an auth/config error.
	AuthError = 2

	// BackendError indicates a backend/API/network error.
	BackendError = 3
)

// FromError maps a classified error to an exit code. Authorization
// failures are AuthError, a missing item is UserError, everything else a
// sync component can report is BackendError.
func FromError(err error) int {
	switch {
	case err == nil:
		return Success
	case errors.Is(err, syncerr.ErrAuthorization):
		return AuthError
	case errors.Is(err, syncerr.ErrNotFound):
		return UserError
	default:
		return BackendError
	}
}
