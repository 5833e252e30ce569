package domain

import "errors"

var (
	// ErrValidation marks a malformed or missing submitter identity.
	ErrValidation = errors.New("validation failed")
	// ErrConflict is returned by a store when the job id already exists.
	ErrConflict = errors.New("job already exists")
	// ErrActiveJobExists is returned by a store when the submitter already has a non-terminal job.
	ErrActiveJobExists = errors.New("submitter already has an active job")
	// ErrNotFound is returned when a job id is unknown.
	ErrNotFound = errors.New("job not found")
	// ErrInvalidTransition guards the forward-only state machine.
	ErrInvalidTransition = errors.New("invalid status transition")

	ErrStoreUnavailable = errors.New("job store unavailable")
	ErrQueueUnavailable = errors.New("work queue unavailable")

	ErrLookup        = errors.New("lookup failed")
	ErrLookupTimeout = errors.New("lookup timed out")

	// ErrDecode marks a work item payload that can never be processed.
	ErrDecode = errors.New("malformed work item")

	// ErrInternal is the only error detail callers see for infrastructure failures.
	ErrInternal = errors.New("internal error")
)
