package domain

import "errors"

var (
	ErrNotFound     = errors.New("resource not found")
	ErrUnauthorized = errors.New("unauthorized")
	ErrInvalidInput = errors.New("invalid input")

	// ErrTerminal marks a remote failure that retrying cannot fix, such as
	// an unparsable remote URL or a rejected payload. Tasks hitting it are
	// failed immediately instead of rescheduled.
	ErrTerminal = errors.New("terminal sync failure")

	// ErrCreatedNotClosed reports the partial outcome of create_and_close:
	// the remote issue exists but could not be closed.
	ErrCreatedNotClosed = errors.New("remote issue created but not closed")
)

// ValidationError represents a field-level validation failure.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}
