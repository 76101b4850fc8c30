package instance

import "errors"

// Domain errors for the instance package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, instance.ErrNotFound) {
//	    // handle not found case
//	}
var (
	// ErrNotFound is returned when an instance ID does not exist.
	ErrNotFound = errors.New("instance: not found")

	// ErrInvalidInstance is returned when instance validation fails.
	ErrInvalidInstance = errors.New("instance: invalid")

	// ErrDisabled is returned when starting an instance that is disabled.
	ErrDisabled = errors.New("instance: disabled")

	// ErrSupervisorClosed is returned after StopAll.
	ErrSupervisorClosed = errors.New("instance: supervisor closed")
)
