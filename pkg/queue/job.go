package queue

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a job.
//
// NOTE: These values are persisted in the job record and are part of the
// stable on-disk contract.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusRejected  Status = "rejected"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusRejected:
		return true
	}
	return false
}

// Valid reports whether s is a known lifecycle state.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRunning, StatusCompleted, StatusFailed, StatusRejected:
		return true
	}
	return false
}

// ParseStatus converts a user-supplied string into a Status.
func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown job status %q", raw)
	}
	return s, nil
}

// Job is the persistent record describing one code submission and its
// lifecycle state. The on-disk JSON file is the source of truth; an
// in-memory Job is a projection that must be re-persisted after every
// mutation.
//
// The schema is designed for backward-compatible extension (additive fields).
type Job struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Requester   string   `json:"requester"`
	Target      string   `json:"target"`
	Tags        []string `json:"tags,omitempty"`

	CodeLocation    string `json:"code_location"`
	OutputLocation  string `json:"output_location,omitempty"`
	ArchiveLocation string `json:"archive_location,omitempty"`
	CodeDigest      string `json:"code_digest,omitempty"`

	// EntryPoint is the script invoked inside the code folder; empty means
	// the runner default. TimeoutSeconds of zero means the configured
	// default timeout.
	EntryPoint     string `json:"entry_point,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`

	AutoApproval bool   `json:"auto_approval"`
	Status       Status `json:"status"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	ErrorMessage string `json:"error_message,omitempty"`
	ExitCode     *int   `json:"exit_code,omitempty"`

	PID           int        `json:"pid,omitempty"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
}

// JobParams are the caller-supplied fields of a new submission.
type JobParams struct {
	Name           string
	Description    string
	Requester      string
	Target         string
	Tags           []string
	EntryPoint     string
	TimeoutSeconds int
	AutoApproval   bool
}

// NewJob creates a pending job with a fresh id and creation timestamps.
func NewJob(p JobParams, now time.Time) *Job {
	now = now.UTC()
	return &Job{
		ID:             uuid.New().String(),
		Name:           strings.TrimSpace(p.Name),
		Description:    strings.TrimSpace(p.Description),
		Requester:      strings.TrimSpace(p.Requester),
		Target:         strings.TrimSpace(p.Target),
		Tags:           p.Tags,
		EntryPoint:     strings.TrimSpace(p.EntryPoint),
		TimeoutSeconds: p.TimeoutSeconds,
		AutoApproval:   p.AutoApproval,
		Status:         StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// HasTag reports whether the job carries the tag, case-insensitively.
func (j *Job) HasTag(tag string) bool {
	for _, t := range j.Tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}

// Approve moves a pending job to approved. Any other current state is a
// guard violation: the call fails and the job is not mutated.
func (j *Job) Approve(now time.Time) error {
	if j.Status != StatusPending {
		return j.transitionError(StatusApproved)
	}
	j.Status = StatusApproved
	j.UpdatedAt = now.UTC()
	return nil
}

// Reject moves a pending or approved job to rejected, recording the reason.
func (j *Job) Reject(reason string, now time.Time) error {
	if j.Status != StatusPending && j.Status != StatusApproved {
		return j.transitionError(StatusRejected)
	}
	now = now.UTC()
	j.Status = StatusRejected
	j.ErrorMessage = reason
	j.UpdatedAt = now
	j.CompletedAt = &now
	return nil
}

// MarkRunning moves an approved job to running and records the subprocess
// pid. Only the scheduler's dispatch step calls this.
func (j *Job) MarkRunning(pid int, now time.Time) error {
	if j.Status != StatusApproved {
		return j.transitionError(StatusRunning)
	}
	now = now.UTC()
	j.Status = StatusRunning
	j.PID = pid
	j.UpdatedAt = now
	j.StartedAt = &now
	j.LastHeartbeat = &now
	return nil
}

// MarkCompleted moves a running job to completed with the runner's exit code.
func (j *Job) MarkCompleted(exitCode int, now time.Time) error {
	if j.Status != StatusRunning {
		return j.transitionError(StatusCompleted)
	}
	now = now.UTC()
	j.Status = StatusCompleted
	j.ExitCode = &exitCode
	j.UpdatedAt = now
	j.CompletedAt = &now
	return nil
}

// MarkFailed moves a running job to failed with a diagnostic and, when the
// subprocess got far enough to produce one, its exit code.
func (j *Job) MarkFailed(message string, exitCode *int, now time.Time) error {
	if j.Status != StatusRunning {
		return j.transitionError(StatusFailed)
	}
	now = now.UTC()
	j.Status = StatusFailed
	j.ErrorMessage = message
	j.ExitCode = exitCode
	j.UpdatedAt = now
	j.CompletedAt = &now
	return nil
}

// Heartbeat refreshes the liveness marker written by the executing worker.
// It is not a status change and does not touch UpdatedAt.
func (j *Job) Heartbeat(now time.Time) {
	now = now.UTC()
	j.LastHeartbeat = &now
}

func (j *Job) transitionError(to Status) error {
	return &Error{
		Op:    "transition",
		JobID: j.ID,
		Err:   fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, to),
	}
}
