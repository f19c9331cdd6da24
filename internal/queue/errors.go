package queue

import "errors"

var (
	// ErrDuplicatePayload indicates an equivalent non-terminal job already
	// exists for the same (location, path) payload identity.
	ErrDuplicatePayload = errors.New("duplicate payload")

	// ErrLeaseLost indicates the caller no longer owns the job: it was
	// reclaimed after lease expiry and possibly handed to another worker.
	ErrLeaseLost = errors.New("lease lost")

	// ErrStaleState indicates a compare-and-swap transition found the job in
	// a different state than the caller expected.
	ErrStaleState = errors.New("stale state")

	// ErrNotFound indicates no job exists with the given identifier.
	ErrNotFound = errors.New("job not found")

	// ErrInvalidState indicates the requested operation is not legal for the
	// job's current state (e.g. reordering a running job).
	ErrInvalidState = errors.New("invalid state for operation")
)
