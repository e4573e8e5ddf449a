package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"

	"go.uber.org/zap"

	"github.com/3leaps/codequeue/pkg/queue"
)

// RunSweep executes one scheduling iteration synchronously: orphan
// recovery, approvals, dispatch, reap. Per-job errors are logged and
// skipped so one bad record never blocks the rest. A sweep-level error
// (the store enumeration itself failing) is audited and joined into the
// return value so the loop can back off; later sweeps still run.
func (e *Engine) RunSweep(ctx context.Context) error {
	sweeps := []struct {
		name string
		run  func(context.Context) error
	}{
		{"orphans", e.sweepOrphans},
		{"approvals", e.sweepApprovals},
		{"dispatch", e.sweepDispatch},
		{"reap", e.sweepReap},
	}

	var errs []error
	for _, sweep := range sweeps {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := sweep.run(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", sweep.name, err))
			e.log.Error("sweep failed",
				zap.String("sweep", sweep.name),
				zap.Error(err))
			e.auditSweepError(ctx, sweep.name, err)
		}
	}
	return errors.Join(errs...)
}

// sweepOrphans fails running records left behind by a dead engine. A
// record is an orphan when no local worker owns it, the recorded pid is
// gone, and the heartbeat is stale or missing. Requiring both liveness
// signals keeps a concurrently dispatching engine on a shared store from
// being mistaken for a crash.
func (e *Engine) sweepOrphans(ctx context.Context) error {
	jobs, err := e.store.ListByStatus(queue.StatusRunning)
	if err != nil {
		return err
	}

	staleAfter := 3 * e.cfg.HeartbeatInterval
	now := e.clk.Now()

	for _, job := range jobs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if e.isActive(job.ID) {
			continue
		}
		if job.PID > 0 && processAlive(job.PID) {
			continue
		}
		if job.LastHeartbeat != nil && now.Sub(*job.LastHeartbeat) <= staleAfter {
			continue
		}

		msg := fmt.Sprintf("orphaned: recorded pid %d is not alive and the heartbeat is stale", job.PID)
		if err := job.MarkFailed(msg, nil, now); err != nil {
			e.log.Warn("orphan transition failed",
				zap.String("job_id", job.ID),
				zap.Error(err))
			continue
		}
		if err := e.store.Save(job); err != nil {
			e.log.Warn("orphan persist failed",
				zap.String("job_id", job.ID),
				zap.Error(err))
			continue
		}
		e.log.Warn("recovered orphaned job",
			zap.String("job_id", job.ID),
			zap.Int("pid", job.PID))
		e.auditOrphaned(ctx, job, msg)
	}
	return nil
}

// sweepApprovals offers pending jobs to the approval gate, oldest first.
// The gate only ever says yes; everything it declines stays pending for
// manual review.
func (e *Engine) sweepApprovals(ctx context.Context) error {
	if e.gate == nil {
		return nil
	}
	jobs, err := e.store.List(e.scopeFilters(queue.StatusPending)...)
	if err != nil {
		return err
	}
	queue.SortByCreated(jobs)

	for _, job := range jobs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !e.gate.ShouldApprove(job) {
			continue
		}
		if err := job.Approve(e.clk.Now()); err != nil {
			e.log.Warn("approval transition failed",
				zap.String("job_id", job.ID),
				zap.Error(err))
			continue
		}
		if err := e.store.Save(job); err != nil {
			e.log.Warn("approval persist failed",
				zap.String("job_id", job.ID),
				zap.Error(err))
			continue
		}
		e.log.Info("job auto-approved",
			zap.String("job_id", job.ID),
			zap.String("requester", job.Requester))
		e.auditApproved(ctx, job)
	}
	return nil
}

// sweepDispatch starts approved jobs up to capacity, oldest first. The
// running count is re-derived from the store every sweep, so capacity
// stays correct across engine restarts and store sharing. Dispatch never
// blocks: when no semaphore slot is free the sweep simply ends.
func (e *Engine) sweepDispatch(ctx context.Context) error {
	running, err := e.store.CountByStatus(queue.StatusRunning)
	if err != nil {
		return err
	}
	capacity := e.cfg.MaxConcurrentJobs - running
	if capacity <= 0 {
		return nil
	}

	jobs, err := e.store.List(e.scopeFilters(queue.StatusApproved)...)
	if err != nil {
		return err
	}
	queue.SortByCreated(jobs)

	launched := 0
	for _, job := range jobs {
		if launched >= capacity {
			break
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		select {
		case e.sem <- struct{}{}:
		default:
			return nil
		}

		started, err := e.dispatch(ctx, job)
		if err != nil || !started {
			<-e.sem
			if err != nil {
				e.log.Warn("dispatch failed",
					zap.String("job_id", job.ID),
					zap.Error(err))
			}
			continue
		}
		launched++
		e.auditDispatched(ctx, job, running+launched)
	}
	return nil
}

// dispatch verifies the code digest, persists the running transition,
// and hands the job to a worker goroutine. The caller already holds a
// semaphore slot; on (false, _) the caller releases it.
func (e *Engine) dispatch(ctx context.Context, job *queue.Job) (bool, error) {
	now := e.clk.Now()

	if err := e.verifyDigest(job); err != nil {
		// The code under an approved job is no longer what was reviewed.
		// Fail it rather than run it.
		msg := fmt.Sprintf("integrity check failed: %v", err)
		if terr := job.MarkRunning(0, now); terr != nil {
			return false, terr
		}
		if terr := job.MarkFailed(msg, nil, now); terr != nil {
			return false, terr
		}
		if serr := e.store.Save(job); serr != nil {
			return false, serr
		}
		e.log.Warn("refused to run modified code",
			zap.String("job_id", job.ID),
			zap.Error(err))
		e.auditFailed(ctx, job, msg, nil, false)
		return false, nil
	}

	// Persist before launch: the next capacity count must already see
	// this job as running. The pid lands on the record once the
	// subprocess starts.
	if err := job.MarkRunning(0, now); err != nil {
		return false, err
	}
	if err := e.store.Save(job); err != nil {
		return false, err
	}

	e.markActive(job.ID)
	e.wg.Add(1)
	go e.runJob(job)

	e.log.Info("job dispatched",
		zap.String("job_id", job.ID),
		zap.String("name", job.Name),
		zap.String("requester", job.Requester))
	return true, nil
}

func (e *Engine) verifyDigest(job *queue.Job) error {
	if job.CodeDigest == "" {
		return nil
	}
	current, err := queue.DigestFolder(e.store.CodeDir(job.ID))
	if err != nil {
		return fmt.Errorf("recompute code digest: %w", err)
	}
	if current != job.CodeDigest {
		return fmt.Errorf("code folder changed since submission")
	}
	return nil
}

// sweepReap deletes terminal jobs past retention, record and directory
// both. Strictly-older-than: a job completed exactly at the cutoff
// survives one more interval.
func (e *Engine) sweepReap(ctx context.Context) error {
	now := e.clk.Now()
	cutoff := now.Add(-e.cfg.RetentionWindow)
	jobs, err := e.store.List(queue.NewTerminalAgeFilter(cutoff))
	if err != nil {
		return err
	}

	for _, job := range jobs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.store.Delete(job.ID); err != nil {
			e.log.Warn("reap failed",
				zap.String("job_id", job.ID),
				zap.Error(err))
			continue
		}
		e.log.Info("reaped expired job",
			zap.String("job_id", job.ID),
			zap.String("status", string(job.Status)),
			zap.Time("completed_at", *job.CompletedAt))
		e.auditReaped(ctx, job, now)
	}
	return nil
}

// scopeFilters selects one status, narrowed to the served identity when
// one is configured.
func (e *Engine) scopeFilters(status queue.Status) []queue.Filter {
	filters := []queue.Filter{queue.NewStatusFilter(status)}
	if e.cfg.Identity != "" {
		filters = append(filters, queue.NewTargetFilter(e.cfg.Identity))
	}
	return filters
}

// processAlive reports whether pid refers to a live process. Signal 0
// probes existence without delivering anything.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(os.Signal(syscall.Signal(0))) == nil
}
