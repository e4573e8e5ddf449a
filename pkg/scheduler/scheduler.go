// Package scheduler implements the queue's polling control loop.
//
// The engine runs four sweeps per iteration:
//   - Orphans: running records whose subprocess died with a previous
//     engine are failed so they stop holding capacity.
//   - Approvals: pending jobs are offered to the approval gate.
//   - Dispatch: approved jobs start executing, oldest first, bounded by
//     a worker semaphore and the store's running count.
//   - Reap: terminal jobs past the retention window are deleted.
//
// Workers run out-of-band so a slow subprocess never stalls scheduling.
// A sweep error backs the loop off exponentially and is recorded on the
// audit log; it never stops the loop.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/WatchBeam/clock"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/3leaps/codequeue/pkg/archive"
	"github.com/3leaps/codequeue/pkg/events"
	"github.com/3leaps/codequeue/pkg/policy"
	"github.com/3leaps/codequeue/pkg/queue"
	"github.com/3leaps/codequeue/pkg/runner"
)

// Config configures engine behavior.
type Config struct {
	// Queue is the queue name stamped on audit records.
	// Default: "code-queue"
	Queue string

	// Identity is the owner identity this engine serves. Only pending and
	// approved jobs targeting it are swept. Empty serves every job.
	Identity string

	// MaxConcurrentJobs is the worker pool size.
	// Default: 3
	MaxConcurrentJobs int

	// JobTimeout is the wall-clock limit for jobs that do not carry their
	// own timeout.
	// Default: 5m
	JobTimeout time.Duration

	// RetentionWindow is how long terminal jobs are kept before the reap
	// sweep removes record and directory.
	// Default: 24h
	RetentionWindow time.Duration

	// PollInterval is the pause between clean sweeps.
	// Default: 5s
	PollInterval time.Duration

	// HeartbeatInterval is the cadence of worker liveness refreshes. A
	// running record becomes orphanable once its pid is gone and its
	// heartbeat is three intervals stale.
	// Default: 30s
	HeartbeatInterval time.Duration

	// InitialBackoff is the first pause after a sweep error. Subsequent
	// errors grow the pause exponentially up to MaxBackoff; a clean sweep
	// resets it.
	// Defaults: 10s initial, 2m max
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		Queue:             "code-queue",
		MaxConcurrentJobs: 3,
		JobTimeout:        5 * time.Minute,
		RetentionWindow:   24 * time.Hour,
		PollInterval:      5 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		InitialBackoff:    10 * time.Second,
		MaxBackoff:        2 * time.Minute,
	}
}

// Deps are the engine's collaborators. Store and Runner are required.
// The rest are optional: a nil Gate disables auto-approval, nil Events
// disables audit records, nil Archiver disables artifact archival.
type Deps struct {
	Store    *queue.Store
	Runner   runner.Runner
	Gate     *policy.Gate
	Events   events.Writer
	Archiver archive.Archiver
	Logger   *zap.Logger
	Clock    clock.Clock
}

// Engine owns the polling loop and the worker pool.
//
// An Engine is single-use: Start it at most once, Stop it at most once,
// and create a new one to restart. RunSweep may be called directly
// instead of Start for synchronous operation, but not concurrently with
// a started loop.
type Engine struct {
	cfg      Config
	store    *queue.Store
	runner   runner.Runner
	gate     *policy.Gate
	events   events.Writer
	archiver archive.Archiver
	log      *zap.Logger
	clk      clock.Clock

	// sem bounds concurrently executing workers. Slots are acquired by
	// the dispatch sweep and released by the worker on exit.
	sem chan struct{}

	mu sync.Mutex
	// active holds ids of jobs owned by a live local worker. The orphan
	// sweep consults it: between dispatch and subprocess start the
	// persisted pid is still zero, which must not read as dead.
	active  map[string]struct{}
	started bool
	cancel  context.CancelFunc

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates an engine. Zero config fields take defaults.
func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("scheduler: store is required")
	}
	if deps.Runner == nil {
		return nil, fmt.Errorf("scheduler: runner is required")
	}

	def := DefaultConfig()
	if cfg.Queue == "" {
		cfg.Queue = def.Queue
	}
	if cfg.MaxConcurrentJobs <= 0 {
		cfg.MaxConcurrentJobs = def.MaxConcurrentJobs
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = def.JobTimeout
	}
	if cfg.RetentionWindow <= 0 {
		cfg.RetentionWindow = def.RetentionWindow
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = def.MaxBackoff
	}

	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.C
	}

	return &Engine{
		cfg:      cfg,
		store:    deps.Store,
		runner:   deps.Runner,
		gate:     deps.Gate,
		events:   deps.Events,
		archiver: deps.Archiver,
		log:      log,
		clk:      clk,
		sem:      make(chan struct{}, cfg.MaxConcurrentJobs),
		active:   make(map[string]struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Start launches the polling loop. The first sweep runs immediately, so
// orphan recovery happens at startup, not one interval later. A second
// call is a logged no-op.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		e.log.Warn("engine already started")
		return
	}
	e.started = true

	loopCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	go e.loop(loopCtx)

	e.log.Info("engine started",
		zap.String("queue", e.cfg.Queue),
		zap.String("identity", e.cfg.Identity),
		zap.Int("max_concurrent_jobs", e.cfg.MaxConcurrentJobs),
		zap.Duration("poll_interval", e.cfg.PollInterval))
}

// Stop signals the loop, then waits for it and every in-flight worker,
// bounded by ctx. Workers are drained, never killed: each subprocess
// still honors its own wall-clock timeout.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return nil
	}
	cancel := e.cancel
	e.mu.Unlock()

	cancel()

	drained := make(chan struct{})
	go func() {
		<-e.done
		e.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		e.log.Info("engine stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler: stop: %w", ctx.Err())
	}
}

func (e *Engine) loop(ctx context.Context) {
	defer close(e.done)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.cfg.InitialBackoff
	bo.MaxInterval = e.cfg.MaxBackoff
	bo.MaxElapsedTime = 0
	bo.Reset()

	delay := e.cfg.PollInterval
	for {
		if err := e.RunSweep(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			delay = bo.NextBackOff()
			e.log.Warn("sweep failed, backing off",
				zap.Error(err),
				zap.Duration("retry_in", delay))
		} else {
			bo.Reset()
			delay = e.cfg.PollInterval
		}

		select {
		case <-ctx.Done():
			return
		case <-e.clk.After(delay):
		}
	}
}

func (e *Engine) isActive(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.active[id]
	return ok
}

func (e *Engine) markActive(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.active[id] = struct{}{}
}

func (e *Engine) unmarkActive(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.active, id)
}
