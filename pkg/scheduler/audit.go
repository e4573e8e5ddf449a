package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/codequeue/pkg/events"
	"github.com/3leaps/codequeue/pkg/queue"
	"github.com/3leaps/codequeue/pkg/runner"
)

// Audit writes are best-effort: the event log is an observability
// surface, not a second source of truth, so a failed write is logged
// and the engine moves on.

func (e *Engine) auditWarn(err error) {
	if err != nil {
		e.log.Warn("audit write failed", zap.Error(err))
	}
}

func (e *Engine) auditApproved(ctx context.Context, job *queue.Job) {
	if e.events == nil {
		return
	}
	e.auditWarn(e.events.WriteApproved(ctx, job.ID, &events.ApprovedEvent{
		Via:    events.ViaAuto,
		Reason: "approval gate",
	}))
}

func (e *Engine) auditDispatched(ctx context.Context, job *queue.Job, running int) {
	if e.events == nil {
		return
	}
	e.auditWarn(e.events.WriteDispatched(ctx, job.ID, &events.DispatchedEvent{
		PID:     job.PID,
		Running: running,
	}))
}

func (e *Engine) auditCompleted(ctx context.Context, job *queue.Job, res *runner.Result) {
	if e.events == nil {
		return
	}
	e.auditWarn(e.events.WriteCompleted(ctx, job.ID, &events.CompletedEvent{
		ExitCode:      res.ExitCode,
		Duration:      res.Duration,
		DurationHuman: res.Duration.Round(time.Millisecond).String(),
	}))
}

func (e *Engine) auditFailed(ctx context.Context, job *queue.Job, msg string, exit *int, timedOut bool) {
	if e.events == nil {
		return
	}
	e.auditWarn(e.events.WriteFailed(ctx, job.ID, &events.FailedEvent{
		Message:  msg,
		ExitCode: exit,
		TimedOut: timedOut,
	}))
}

func (e *Engine) auditReaped(ctx context.Context, job *queue.Job, now time.Time) {
	if e.events == nil {
		return
	}
	e.auditWarn(e.events.WriteReaped(ctx, job.ID, &events.ReapedEvent{
		CompletedAt: *job.CompletedAt,
		Age:         now.Sub(*job.CompletedAt).Round(time.Second).String(),
	}))
}

func (e *Engine) auditOrphaned(ctx context.Context, job *queue.Job, msg string) {
	if e.events == nil {
		return
	}
	e.auditWarn(e.events.WriteOrphaned(ctx, job.ID, &events.OrphanedEvent{
		PID:     job.PID,
		Message: msg,
	}))
}

func (e *Engine) auditSweepError(ctx context.Context, sweep string, err error) {
	if e.events == nil {
		return
	}
	e.auditWarn(e.events.WriteSweepError(ctx, &events.SweepErrorEvent{
		Sweep:   sweep,
		Message: err.Error(),
	}))
}
