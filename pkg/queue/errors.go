package queue

import (
	"errors"
	"fmt"
)

// Sentinel errors for queue operations.
var (
	// ErrNotFound indicates the requested job does not exist.
	ErrNotFound = errors.New("job not found")

	// ErrCorruptRecord indicates a job file exists but cannot be parsed.
	ErrCorruptRecord = errors.New("corrupt job record")

	// ErrInvalidTransition indicates a state-machine guard rejected a call.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrAmbiguousID indicates a short id prefix matched more than one job.
	ErrAmbiguousID = errors.New("ambiguous job id prefix")
)

// Error wraps queue errors with operation context.
type Error struct {
	// Op is the operation that failed (e.g., "load", "save").
	Op string

	// JobID is the job identifier, if applicable.
	JobID string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.JobID != "" {
		return fmt.Sprintf("queue %s: %s: %v", e.Op, e.JobID, e.Err)
	}
	return fmt.Sprintf("queue %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsNotFound returns true if the error indicates an unknown job id.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsCorruptRecord returns true if the error indicates an unparseable record.
func IsCorruptRecord(err error) bool {
	return errors.Is(err, ErrCorruptRecord)
}

// IsInvalidTransition returns true if the error indicates a guard violation.
func IsInvalidTransition(err error) bool {
	return errors.Is(err, ErrInvalidTransition)
}

// IsAmbiguousID returns true if the error indicates a non-unique id prefix.
func IsAmbiguousID(err error) bool {
	return errors.Is(err, ErrAmbiguousID)
}
