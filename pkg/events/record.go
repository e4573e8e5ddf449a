// Package events provides the append-only JSONL audit log for the queue.
//
// Every lifecycle transition is recorded as a typed envelope containing a
// type-specific payload. Each line is a self-contained JSON object that can
// be parsed independently, so the log survives partial reads and can be
// tailed, filtered, or shipped elsewhere without framing state.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Record type constants define the envelope types for the event log.
// These follow the pattern: codequeue.<event>.v<version>
const (
	// TypeSubmitted identifies job submission records.
	TypeSubmitted = "codequeue.job.submitted.v1"

	// TypeApproved identifies approval records (manual or automatic).
	TypeApproved = "codequeue.job.approved.v1"

	// TypeRejected identifies rejection records.
	TypeRejected = "codequeue.job.rejected.v1"

	// TypeDispatched identifies dispatch records (job handed to the runner).
	TypeDispatched = "codequeue.job.dispatched.v1"

	// TypeCompleted identifies successful completion records.
	TypeCompleted = "codequeue.job.completed.v1"

	// TypeFailed identifies failure records.
	TypeFailed = "codequeue.job.failed.v1"

	// TypeReaped identifies retention cleanup records.
	TypeReaped = "codequeue.job.reaped.v1"

	// TypeOrphaned identifies orphan recovery records.
	TypeOrphaned = "codequeue.job.orphaned.v1"

	// TypeSweepError identifies scheduler sweep errors.
	TypeSweepError = "codequeue.sweep.error.v1"
)

// Record is the envelope for all event log lines.
//
// The type field determines how to interpret the Data payload. Queue is
// the queue name the emitting engine was configured with, so logs from
// several queues can be merged and still attributed.
type Record struct {
	// Type identifies the record type (e.g., "codequeue.job.approved.v1").
	Type string `json:"type"`

	// TS is the timestamp when the record was created (RFC3339Nano).
	TS time.Time `json:"ts"`

	// JobID is the job this record concerns. Empty for records that are
	// not about a single job (sweep errors).
	JobID string `json:"job_id,omitempty"`

	// Queue is the emitting queue's name.
	Queue string `json:"queue"`

	// Data contains the type-specific payload as raw JSON.
	Data json.RawMessage `json:"data"`
}

// Payload decodes the Data field into the typed payload for the record's
// Type. Unknown types return an error rather than a silent nil.
func (r *Record) Payload() (any, error) {
	var payload any
	switch r.Type {
	case TypeSubmitted:
		payload = &SubmittedEvent{}
	case TypeApproved:
		payload = &ApprovedEvent{}
	case TypeRejected:
		payload = &RejectedEvent{}
	case TypeDispatched:
		payload = &DispatchedEvent{}
	case TypeCompleted:
		payload = &CompletedEvent{}
	case TypeFailed:
		payload = &FailedEvent{}
	case TypeReaped:
		payload = &ReapedEvent{}
	case TypeOrphaned:
		payload = &OrphanedEvent{}
	case TypeSweepError:
		payload = &SweepErrorEvent{}
	default:
		return nil, fmt.Errorf("unknown record type %q", r.Type)
	}
	if err := json.Unmarshal(r.Data, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// SubmittedEvent is the data payload for job submission.
type SubmittedEvent struct {
	// Name is the human-readable job name.
	Name string `json:"name"`

	// Requester identifies who submitted the job.
	Requester string `json:"requester"`

	// Target identifies the owner-side queue the job was submitted to.
	Target string `json:"target"`

	// Tags are the requester-asserted job tags.
	Tags []string `json:"tags,omitempty"`

	// AutoApproval records whether the requester asked for policy review.
	AutoApproval bool `json:"auto_approval"`

	// CodeDigest is the sha256 over the submitted code folder.
	CodeDigest string `json:"code_digest,omitempty"`
}

// Approval modes for ApprovedEvent.Via.
const (
	// ViaManual indicates an operator approved the job.
	ViaManual = "manual"

	// ViaAuto indicates the approval gate approved the job.
	ViaAuto = "auto"
)

// ApprovedEvent is the data payload for approvals.
type ApprovedEvent struct {
	// Via is the approval mode: "manual" or "auto".
	Via string `json:"via"`

	// Reason explains the decision, e.g. which rule matched.
	Reason string `json:"reason,omitempty"`
}

// RejectedEvent is the data payload for rejections.
type RejectedEvent struct {
	// Reason is the owner-supplied rejection reason.
	Reason string `json:"reason"`
}

// DispatchedEvent is the data payload for dispatch.
type DispatchedEvent struct {
	// PID is the subprocess pid once known, zero at dispatch time.
	PID int `json:"pid,omitempty"`

	// Running is the number of running jobs after this dispatch.
	Running int `json:"running"`
}

// CompletedEvent is the data payload for successful completion.
type CompletedEvent struct {
	// ExitCode is the subprocess exit code (zero here by definition).
	ExitCode int `json:"exit_code"`

	// Duration is the wall-clock execution time.
	Duration time.Duration `json:"duration_ns"`

	// DurationHuman is a human-readable duration string.
	DurationHuman string `json:"duration"`
}

// FailedEvent is the data payload for failures.
type FailedEvent struct {
	// Message is the failure description stored on the job record.
	Message string `json:"message"`

	// ExitCode is the subprocess exit code, if the process ran.
	ExitCode *int `json:"exit_code,omitempty"`

	// TimedOut marks wall-clock timeout kills.
	TimedOut bool `json:"timed_out,omitempty"`
}

// ReapedEvent is the data payload for retention cleanup.
type ReapedEvent struct {
	// CompletedAt is when the reaped job reached its terminal state.
	CompletedAt time.Time `json:"completed_at"`

	// Age is the human-readable age at reap time.
	Age string `json:"age"`
}

// OrphanedEvent is the data payload for orphan recovery.
//
// Emitted when a job marked running refers to a pid that no longer
// exists, typically after an engine crash or host reboot.
type OrphanedEvent struct {
	// PID is the stale pid from the job record.
	PID int `json:"pid"`

	// Message explains the recovery applied.
	Message string `json:"message"`
}

// SweepErrorEvent is the data payload for scheduler sweep errors.
//
// Sweep errors are emitted as records rather than stopping the engine,
// so one bad record or a transient store failure never stalls the queue.
type SweepErrorEvent struct {
	// Sweep names the sweep that failed (e.g. "dispatch", "reap").
	Sweep string `json:"sweep"`

	// Message is a human-readable error description.
	Message string `json:"message"`
}

// Writer errors.
var (
	// ErrWriterClosed is returned when writing to a closed writer.
	ErrWriterClosed = errors.New("writer is closed")
)

// WriteError wraps errors that occur during write operations.
type WriteError struct {
	Op  string // Operation that failed (e.g., "marshal_data", "write")
	Err error  // Underlying error
}

func (e *WriteError) Error() string {
	return "events: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
