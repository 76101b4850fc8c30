package queue

import "errors"

// Domain errors for the queue package.
//
// Store conflicts that outlive their retries surface as
// database.ErrStoreFailure; check both with errors.Is.
var (
	// ErrNotFound is returned when a request ID has no queue entry.
	ErrNotFound = errors.New("queue: entry not found")

	// ErrInvalidTransition is returned when a state write would move an entry
	// backwards or out of a terminal state. The write is not applied.
	ErrInvalidTransition = errors.New("queue: invalid state transition")

	// ErrInvalidRequest is returned when an enqueue request is malformed.
	ErrInvalidRequest = errors.New("queue: invalid request")
)
