package jobregistry

import "errors"

var (
	// ErrNotFound indicates no durable record exists for the job id.
	ErrNotFound = errors.New("job record not found")

	// ErrCorrupt indicates a record exists but cannot be decoded.
	ErrCorrupt = errors.New("job record corrupt")

	// ErrExists is returned by Create when a record already exists.
	ErrExists = errors.New("job record already exists")

	// ErrTerminal is returned by Update when the mutation would move a record
	// out of a terminal state. The first terminal write wins.
	ErrTerminal = errors.New("job is in a terminal state")

	// ErrInvalidTransition is returned by Update for non-terminal regressions
	// such as RUNNING -> QUEUED.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrConflict is returned by Update when the record kept changing under
	// concurrent writers from other processes.
	ErrConflict = errors.New("job record changed concurrently")

	// ErrNoChange may be returned by an Update mutator to skip the write.
	// Update passes it back so callers can tell nothing was persisted.
	ErrNoChange = errors.New("no change")
)
