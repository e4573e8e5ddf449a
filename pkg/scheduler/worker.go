package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/codequeue/pkg/archive"
	"github.com/3leaps/codequeue/pkg/queue"
	"github.com/3leaps/codequeue/pkg/runner"
)

// runJob executes one dispatched job to a terminal state. It owns the
// record from dispatch until the final persist; the active mark drops
// only after that, so the orphan sweep can never misread an in-flight
// job.
func (e *Engine) runJob(job *queue.Job) {
	defer e.wg.Done()
	defer func() { <-e.sem }()
	defer e.unmarkActive(job.ID)

	timeout := e.cfg.JobTimeout
	if job.TimeoutSeconds > 0 {
		timeout = time.Duration(job.TimeoutSeconds) * time.Second
	}

	spec := runner.Spec{
		JobID:      job.ID,
		JobName:    job.Name,
		Requester:  job.Requester,
		CodeDir:    e.store.CodeDir(job.ID),
		OutputDir:  e.store.OutputDir(job.ID),
		EntryPoint: job.EntryPoint,
		Timeout:    timeout,
		OnStart: func(pid int) {
			e.recordStart(job.ID, pid)
		},
	}

	hbCtx, stopHeartbeat := context.WithCancel(context.Background())
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		e.heartbeat(hbCtx, job.ID)
	}()

	// Detached from the loop context: Stop drains running work instead
	// of killing it, and the runner enforces the wall-clock limit.
	res, err := e.runner.Run(context.Background(), spec)

	// The heartbeat goroutine must be fully stopped before the terminal
	// write, or a late refresh could resurrect the running state.
	stopHeartbeat()
	<-hbDone

	e.finalize(job.ID, timeout, res, err)
}

// recordStart persists the subprocess pid as soon as it is known, so a
// restarted engine can probe liveness instead of guessing.
func (e *Engine) recordStart(jobID string, pid int) {
	job, err := e.store.Load(jobID)
	if err != nil {
		e.log.Warn("pid persist load failed",
			zap.String("job_id", jobID),
			zap.Error(err))
		return
	}
	if job.Status != queue.StatusRunning {
		return
	}
	job.PID = pid
	job.Heartbeat(e.clk.Now())
	if err := e.store.Save(job); err != nil {
		e.log.Warn("pid persist failed",
			zap.String("job_id", jobID),
			zap.Error(err))
	}
}

// heartbeat refreshes the record's liveness marker on every interval
// while the subprocess runs. Refreshes load the current record first, so
// a job that already left running is never touched.
func (e *Engine) heartbeat(ctx context.Context, jobID string) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.clk.After(e.cfg.HeartbeatInterval):
		}

		job, err := e.store.Load(jobID)
		if err != nil || job.Status != queue.StatusRunning {
			continue
		}
		job.Heartbeat(e.clk.Now())
		if err := e.store.Save(job); err != nil {
			e.log.Warn("heartbeat persist failed",
				zap.String("job_id", jobID),
				zap.Error(err))
		}
	}
}

// finalize writes the captured logs, persists the terminal transition,
// emits the audit record, and archives the artifacts, in that order. A
// crash mid-way leaves a running record, which the orphan sweep
// recovers; it never leaves a terminal record missing its logs.
func (e *Engine) finalize(jobID string, timeout time.Duration, res *runner.Result, runErr error) {
	job, err := e.store.Load(jobID)
	if err != nil {
		e.log.Error("finalize load failed",
			zap.String("job_id", jobID),
			zap.Error(err))
		return
	}

	if res != nil {
		e.persistLogs(jobID, res)
	}
	if runErr == nil && res == nil {
		runErr = fmt.Errorf("runner returned no result")
	}

	var (
		msg       string
		exit      *int
		timedOut  bool
		completed bool
	)
	switch {
	case runErr != nil:
		msg = fmt.Sprintf("execution failed: %v", runErr)
	case res.TimedOut:
		code := res.ExitCode
		exit, timedOut = &code, true
		msg = fmt.Sprintf("wall-clock timeout after %s", timeout)
	case res.ExitCode == 0:
		completed = true
	default:
		code := res.ExitCode
		exit = &code
		msg = fmt.Sprintf("exited with code %d", code)
	}

	// Completed jobs always expose their output dir; failed jobs only
	// when the entry point managed to write something before dying.
	outDir := e.store.OutputDir(jobID)
	if completed || dirHasEntries(outDir) {
		job.OutputLocation = outDir
	}

	now := e.clk.Now()
	var terr error
	if completed {
		terr = job.MarkCompleted(0, now)
	} else {
		terr = job.MarkFailed(msg, exit, now)
	}
	if terr != nil {
		e.log.Error("finalize transition failed",
			zap.String("job_id", jobID),
			zap.Error(terr))
		return
	}
	if err := e.store.Save(job); err != nil {
		e.log.Error("finalize persist failed",
			zap.String("job_id", jobID),
			zap.Error(err))
		return
	}

	ctx := context.Background()
	if completed {
		e.log.Info("job completed",
			zap.String("job_id", jobID),
			zap.Duration("duration", res.Duration))
		e.auditCompleted(ctx, job, res)
	} else {
		e.log.Warn("job failed",
			zap.String("job_id", jobID),
			zap.String("reason", msg))
		e.auditFailed(ctx, job, msg, exit, timedOut)
	}

	e.archiveJob(ctx, job)
}

func dirHasEntries(dir string) bool {
	entries, err := os.ReadDir(dir)
	return err == nil && len(entries) > 0
}

// persistLogs writes the captured streams under the job's logs dir. Log
// loss never fails the job.
func (e *Engine) persistLogs(jobID string, res *runner.Result) {
	if err := os.MkdirAll(e.store.LogsDir(jobID), 0755); err != nil {
		e.log.Warn("logs dir create failed",
			zap.String("job_id", jobID),
			zap.Error(err))
		return
	}
	if err := os.WriteFile(e.store.StdoutPath(jobID), res.Stdout, 0644); err != nil {
		e.log.Warn("stdout persist failed",
			zap.String("job_id", jobID),
			zap.Error(err))
	}
	if err := os.WriteFile(e.store.StderrPath(jobID), res.Stderr, 0644); err != nil {
		e.log.Warn("stderr persist failed",
			zap.String("job_id", jobID),
			zap.Error(err))
	}
}

// archiveJob uploads the output and log folders plus a final record
// snapshot, then stamps the archive location on the record. The job is
// already terminal; an archive failure is logged and audited, never a
// status change.
func (e *Engine) archiveJob(ctx context.Context, job *queue.Job) {
	if e.archiver == nil {
		return
	}
	prefix := "jobs/" + job.ID

	outSum, err := archive.Upload(ctx, e.archiver, e.store.OutputDir(job.ID), archive.JoinKey(prefix, "output"))
	if err != nil {
		e.log.Warn("output archive failed",
			zap.String("job_id", job.ID),
			zap.Error(err))
		e.auditSweepError(ctx, "archive", err)
		return
	}
	logSum, err := archive.Upload(ctx, e.archiver, e.store.LogsDir(job.ID), archive.JoinKey(prefix, "logs"))
	if err != nil {
		e.log.Warn("logs archive failed",
			zap.String("job_id", job.ID),
			zap.Error(err))
		e.auditSweepError(ctx, "archive", err)
		return
	}

	job.ArchiveLocation = e.archiver.Location(prefix)
	if err := e.store.Save(job); err != nil {
		e.log.Warn("archive location persist failed",
			zap.String("job_id", job.ID),
			zap.Error(err))
		return
	}

	// Snapshot the final record next to the artifacts, so the archive
	// stays self-describing after the reap sweep removes the job.
	b, err := json.MarshalIndent(job, "", "  ")
	if err == nil {
		err = e.archiver.Put(ctx, archive.JoinKey(prefix, "job.json"), bytes.NewReader(b), int64(len(b)))
	}
	if err != nil {
		e.log.Warn("record snapshot archive failed",
			zap.String("job_id", job.ID),
			zap.Error(err))
		e.auditSweepError(ctx, "archive", err)
		return
	}

	e.log.Info("job archived",
		zap.String("job_id", job.ID),
		zap.String("location", job.ArchiveLocation),
		zap.Int("files", outSum.Files+logSum.Files),
		zap.Int64("bytes", outSum.Bytes+logSum.Bytes))
}
