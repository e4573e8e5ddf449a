// Package runner executes a job's entry point as a subprocess with an
// injected environment, a wall-clock timeout, and bounded output capture.
//
// Two implementations satisfy the same contract: Local runs the subprocess
// directly with the parent environment (trusted deployments, tests), and
// Sandbox scrubs the environment and confines the process (unix: fresh
// process group, optional chroot and credential drop). The scheduler is
// agnostic to which one is injected. Deeper isolation such as namespaces or
// network policy belongs to the deployment's sandbox substrate.
package runner

import (
	"bytes"
	"context"
	"fmt"
	"time"
)

// Defaults applied when a Spec or config leaves a knob unset.
const (
	DefaultEntryPoint     = "run.sh"
	DefaultTimeout        = 5 * time.Minute
	DefaultMaxOutputBytes = 1 << 20
)

// TruncationMarker is appended to a captured stream that hit the byte cap,
// so truncation is never silent.
const TruncationMarker = "\n[output truncated]\n"

// Spec describes one execution. The scheduler builds it from the job
// record and the store layout.
type Spec struct {
	JobID     string
	JobName   string
	Requester string

	// CodeDir is the submitted folder copy; the entry point runs with this
	// as its working directory.
	CodeDir string

	// OutputDir is the job-unique writable directory exposed to the entry
	// point. Created before execution if missing.
	OutputDir string

	// EntryPoint is the script to invoke, relative to CodeDir.
	// Empty means DefaultEntryPoint.
	EntryPoint string

	// Timeout is the wall-clock limit. Zero means DefaultTimeout.
	Timeout time.Duration

	// OnStart, when set, is invoked with the subprocess pid right after a
	// successful start, before the blocking wait.
	OnStart func(pid int)
}

// Env returns the environment contract the entry point consumes.
func (s Spec) Env() []string {
	return []string{
		"CODEQUEUE_JOB_ID=" + s.JobID,
		"CODEQUEUE_JOB_NAME=" + s.JobName,
		"CODEQUEUE_REQUESTER=" + s.Requester,
		"CODEQUEUE_OUTPUT_DIR=" + s.OutputDir,
	}
}

// Result is the outcome of one execution. A non-zero exit code or timeout
// is a result, not an error; errors are reserved for failures to execute
// at all (missing entry point, spawn failure).
type Result struct {
	ExitCode  int
	Stdout    []byte
	Stderr    []byte
	TimedOut  bool
	Truncated bool
	Duration  time.Duration
}

// Runner executes one job synchronously.
type Runner interface {
	Run(ctx context.Context, spec Spec) (*Result, error)
}

// capWriter captures a stream up to a byte limit. Writes past the limit
// are counted as consumed but dropped, and the truncation is recorded.
type capWriter struct {
	buf       bytes.Buffer
	limit     int64
	truncated bool
}

func newCapWriter(limit int64) *capWriter {
	if limit <= 0 {
		limit = DefaultMaxOutputBytes
	}
	return &capWriter{limit: limit}
}

func (w *capWriter) Write(p []byte) (int, error) {
	remain := w.limit - int64(w.buf.Len())
	if remain <= 0 {
		w.truncated = true
		return len(p), nil
	}
	if int64(len(p)) > remain {
		w.buf.Write(p[:remain])
		w.truncated = true
		return len(p), nil
	}
	w.buf.Write(p)
	return len(p), nil
}

// Bytes returns the captured stream, with the truncation marker appended
// when the cap was hit.
func (w *capWriter) Bytes() []byte {
	if !w.truncated {
		return w.buf.Bytes()
	}
	out := make([]byte, 0, w.buf.Len()+len(TruncationMarker))
	out = append(out, w.buf.Bytes()...)
	return append(out, TruncationMarker...)
}

func validateSpec(spec Spec) error {
	if spec.JobID == "" {
		return fmt.Errorf("job id is required")
	}
	if spec.CodeDir == "" {
		return fmt.Errorf("code dir is required")
	}
	if spec.OutputDir == "" {
		return fmt.Errorf("output dir is required")
	}
	return nil
}
