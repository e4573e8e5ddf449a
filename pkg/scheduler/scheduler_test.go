package scheduler

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/WatchBeam/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/codequeue/pkg/archive"
	"github.com/3leaps/codequeue/pkg/events"
	"github.com/3leaps/codequeue/pkg/policy"
	"github.com/3leaps/codequeue/pkg/queue"
	"github.com/3leaps/codequeue/pkg/runner"
)

// fakeRunner implements runner.Runner without spawning processes.
type fakeRunner struct {
	mu     sync.Mutex
	specs  []runner.Spec
	result runner.Result
	err    error
	pid    int

	// block, when non-nil, makes Run wait until the channel closes.
	block chan struct{}

	// started receives the job id as each Run call begins.
	started chan string

	calls atomic.Int64
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		result:  runner.Result{ExitCode: 0, Stdout: []byte("ok\n"), Duration: 42 * time.Millisecond},
		pid:     4242,
		started: make(chan string, 16),
	}
}

func (f *fakeRunner) Run(ctx context.Context, spec runner.Spec) (*runner.Result, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.specs = append(f.specs, spec)
	block := f.block
	res := f.result
	err := f.err
	pid := f.pid
	f.mu.Unlock()

	if spec.OnStart != nil && pid > 0 {
		spec.OnStart(pid)
	}
	select {
	case f.started <- spec.JobID:
	default:
	}

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	out := res
	return &out, nil
}

func (f *fakeRunner) lastSpec(t *testing.T) runner.Spec {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.specs)
	return f.specs[len(f.specs)-1]
}

// syncBuffer is an io.Writer the test can read back while workers are
// still writing.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) records(t *testing.T) []events.Record {
	t.Helper()
	b.mu.Lock()
	data := append([]byte(nil), b.buf.Bytes()...)
	b.mu.Unlock()

	var out []events.Record
	dec := events.NewDecoder(bytes.NewReader(data))
	for {
		rec, err := dec.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, rec)
	}
}

func (b *syncBuffer) byType(t *testing.T, recordType string) []events.Record {
	t.Helper()
	var out []events.Record
	for _, rec := range b.records(t) {
		if rec.Type == recordType {
			out = append(out, rec)
		}
	}
	return out
}

type testEnv struct {
	store  *queue.Store
	runner *fakeRunner
	clk    *clock.MockClock
	buf    *syncBuffer
	engine *Engine
}

func newTestEnv(t *testing.T, mutate func(*Config, *Deps)) *testEnv {
	t.Helper()

	clk := clock.NewMockClock()
	store := queue.NewStore(t.TempDir())
	fr := newFakeRunner()
	buf := &syncBuffer{}

	gate, err := policy.New(policy.Config{Enabled: true})
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.Identity = "owner@site.org"
	deps := Deps{
		Store:  store,
		Runner: fr,
		Gate:   gate,
		Events: events.NewJSONLWriter(buf, cfg.Queue),
		Clock:  clk,
	}
	if mutate != nil {
		mutate(&cfg, &deps)
	}

	eng, err := New(cfg, deps)
	require.NoError(t, err)

	return &testEnv{store: store, runner: fr, clk: clk, buf: buf, engine: eng}
}

// submitJob persists a pending job with a real code folder and digest,
// the way the client library does at submission.
func (env *testEnv) submitJob(t *testing.T, mutate func(*queue.JobParams)) *queue.Job {
	t.Helper()

	params := queue.JobParams{
		Name:         "trend-analysis",
		Requester:    "alice@university.edu",
		Target:       "owner@site.org",
		Tags:         []string{"privacy-safe"},
		AutoApproval: true,
	}
	if mutate != nil {
		mutate(&params)
	}

	job := queue.NewJob(params, env.clk.Now())
	codeDir := env.store.CodeDir(job.ID)
	require.NoError(t, os.MkdirAll(codeDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(codeDir, "run.sh"), []byte("#!/bin/sh\necho hi\n"), 0755))

	digest, err := queue.DigestFolder(codeDir)
	require.NoError(t, err)
	job.CodeDigest = digest
	job.CodeLocation = codeDir

	require.NoError(t, env.store.Save(job))
	return job
}

func (env *testEnv) mustLoad(t *testing.T, id string) *queue.Job {
	t.Helper()
	job, err := env.store.Load(id)
	require.NoError(t, err)
	return job
}

func TestNew_Defaults(t *testing.T) {
	store := queue.NewStore(t.TempDir())
	eng, err := New(Config{}, Deps{Store: store, Runner: newFakeRunner()})
	require.NoError(t, err)

	assert.Equal(t, "code-queue", eng.cfg.Queue)
	assert.Equal(t, 3, eng.cfg.MaxConcurrentJobs)
	assert.Equal(t, 5*time.Minute, eng.cfg.JobTimeout)
	assert.Equal(t, 24*time.Hour, eng.cfg.RetentionWindow)
	assert.Equal(t, 5*time.Second, eng.cfg.PollInterval)
	assert.Equal(t, 3, cap(eng.sem))
	assert.NotNil(t, eng.log)
	assert.NotNil(t, eng.clk)
}

func TestNew_RequiredDeps(t *testing.T) {
	_, err := New(Config{}, Deps{Runner: newFakeRunner()})
	assert.Error(t, err)

	_, err = New(Config{}, Deps{Store: queue.NewStore(t.TempDir())})
	assert.Error(t, err)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "code-queue", cfg.Queue)
	assert.Equal(t, 3, cfg.MaxConcurrentJobs)
	assert.Equal(t, 5*time.Minute, cfg.JobTimeout)
	assert.Equal(t, 24*time.Hour, cfg.RetentionWindow)
	assert.Equal(t, 5*time.Second, cfg.PollInterval)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 10*time.Second, cfg.InitialBackoff)
	assert.Equal(t, 2*time.Minute, cfg.MaxBackoff)
}

func TestEngine_RunSweep_AutoApprovalFlow(t *testing.T) {
	env := newTestEnv(t, nil)
	job := env.submitJob(t, nil)

	require.NoError(t, env.engine.RunSweep(context.Background()))
	env.engine.wg.Wait()

	got := env.mustLoad(t, job.ID)
	assert.Equal(t, queue.StatusCompleted, got.Status)
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, 0, *got.ExitCode)
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.CompletedAt)
	assert.Equal(t, 4242, got.PID)

	stdout, err := os.ReadFile(env.store.StdoutPath(job.ID))
	require.NoError(t, err)
	assert.Equal(t, "ok\n", string(stdout))

	assert.Len(t, env.buf.byType(t, events.TypeApproved), 1)
	assert.Len(t, env.buf.byType(t, events.TypeDispatched), 1)
	assert.Len(t, env.buf.byType(t, events.TypeCompleted), 1)

	approved := env.buf.byType(t, events.TypeApproved)[0]
	payload, err := approved.Payload()
	require.NoError(t, err)
	assert.Equal(t, events.ViaAuto, payload.(*events.ApprovedEvent).Via)
}

func TestEngine_RunSweep_ApprovalBeforeDispatchInOneIteration(t *testing.T) {
	env := newTestEnv(t, nil)
	job := env.submitJob(t, nil)

	// The approval sweep runs before the dispatch sweep, and dispatch
	// re-lists, so a freshly approved job starts within the same
	// iteration.
	require.NoError(t, env.engine.RunSweep(context.Background()))
	env.engine.wg.Wait()

	got := env.mustLoad(t, job.ID)
	assert.Equal(t, queue.StatusCompleted, got.Status)
	assert.Equal(t, int64(1), env.runner.calls.Load())
}

func TestEngine_RunSweep_ManualApprovalFlow(t *testing.T) {
	env := newTestEnv(t, nil)
	job := env.submitJob(t, func(p *queue.JobParams) {
		p.AutoApproval = false
		p.Tags = []string{"external-network"}
		p.Requester = "stranger@example.com"
	})

	// The gate never touches a job that did not ask for auto-approval.
	require.NoError(t, env.engine.RunSweep(context.Background()))
	env.engine.wg.Wait()
	got := env.mustLoad(t, job.ID)
	assert.Equal(t, queue.StatusPending, got.Status)
	assert.Equal(t, int64(0), env.runner.calls.Load())

	// Manual approval, then the next sweep dispatches.
	require.NoError(t, got.Approve(env.clk.Now()))
	require.NoError(t, env.store.Save(got))

	require.NoError(t, env.engine.RunSweep(context.Background()))
	env.engine.wg.Wait()

	got = env.mustLoad(t, job.ID)
	assert.Equal(t, queue.StatusCompleted, got.Status)
}

func TestEngine_RunSweep_RejectedJobNeverRuns(t *testing.T) {
	env := newTestEnv(t, nil)
	job := env.submitJob(t, func(p *queue.JobParams) {
		p.AutoApproval = false
	})

	got := env.mustLoad(t, job.ID)
	require.NoError(t, got.Reject("Rejected by data owner", env.clk.Now()))
	require.NoError(t, env.store.Save(got))

	require.NoError(t, env.engine.RunSweep(context.Background()))
	env.engine.wg.Wait()

	got = env.mustLoad(t, job.ID)
	assert.Equal(t, queue.StatusRejected, got.Status)
	assert.Equal(t, "Rejected by data owner", got.ErrorMessage)
	assert.Equal(t, int64(0), env.runner.calls.Load())
}

func TestEngine_RunSweep_IgnoresOtherIdentities(t *testing.T) {
	env := newTestEnv(t, nil)
	job := env.submitJob(t, func(p *queue.JobParams) {
		p.Target = "someone-else@site.org"
	})

	require.NoError(t, env.engine.RunSweep(context.Background()))
	env.engine.wg.Wait()

	got := env.mustLoad(t, job.ID)
	assert.Equal(t, queue.StatusPending, got.Status)
	assert.Equal(t, int64(0), env.runner.calls.Load())
}

func TestEngine_RunSweep_CapacityBound(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config, deps *Deps) {
		cfg.MaxConcurrentJobs = 2
	})
	env.runner.block = make(chan struct{})

	for i := 0; i < 5; i++ {
		env.submitJob(t, nil)
	}

	require.NoError(t, env.engine.RunSweep(context.Background()))

	// Exactly two workers start; the other three stay approved.
	waitStarted(t, env.runner, 2)
	running, err := env.store.CountByStatus(queue.StatusRunning)
	require.NoError(t, err)
	assert.Equal(t, 2, running)

	approved, err := env.store.CountByStatus(queue.StatusApproved)
	require.NoError(t, err)
	assert.Equal(t, 3, approved)

	// A further sweep at full capacity dispatches nothing.
	require.NoError(t, env.engine.RunSweep(context.Background()))
	assert.Equal(t, int64(2), env.runner.calls.Load())

	// Release the pool and drain the queue with further sweeps.
	close(env.runner.block)
	env.engine.wg.Wait()
	require.NoError(t, env.engine.RunSweep(context.Background()))
	env.engine.wg.Wait()
	require.NoError(t, env.engine.RunSweep(context.Background()))
	env.engine.wg.Wait()

	completed, err := env.store.CountByStatus(queue.StatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, 5, completed)
	assert.Equal(t, int64(5), env.runner.calls.Load())
}

func TestEngine_RunSweep_OldestFirst(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config, deps *Deps) {
		cfg.MaxConcurrentJobs = 1
	})

	first := env.submitJob(t, func(p *queue.JobParams) { p.Name = "first" })
	env.clk.AddTime(time.Minute)
	env.submitJob(t, func(p *queue.JobParams) { p.Name = "second" })

	require.NoError(t, env.engine.RunSweep(context.Background()))
	env.engine.wg.Wait()

	spec := env.runner.lastSpec(t)
	assert.Equal(t, first.ID, spec.JobID)
	assert.Equal(t, "first", spec.JobName)
}

func TestEngine_RunSweep_NonZeroExit(t *testing.T) {
	env := newTestEnv(t, nil)
	env.runner.result = runner.Result{ExitCode: 3, Stderr: []byte("boom\n"), Duration: time.Millisecond}
	job := env.submitJob(t, nil)

	require.NoError(t, env.engine.RunSweep(context.Background()))
	env.engine.wg.Wait()

	got := env.mustLoad(t, job.ID)
	assert.Equal(t, queue.StatusFailed, got.Status)
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, 3, *got.ExitCode)
	assert.Equal(t, "exited with code 3", got.ErrorMessage)

	stderr, err := os.ReadFile(env.store.StderrPath(job.ID))
	require.NoError(t, err)
	assert.Equal(t, "boom\n", string(stderr))

	failed := env.buf.byType(t, events.TypeFailed)
	require.Len(t, failed, 1)
	payload, err := failed[0].Payload()
	require.NoError(t, err)
	ev := payload.(*events.FailedEvent)
	assert.False(t, ev.TimedOut)
	require.NotNil(t, ev.ExitCode)
	assert.Equal(t, 3, *ev.ExitCode)
}

func TestEngine_RunSweep_Timeout(t *testing.T) {
	env := newTestEnv(t, nil)
	env.runner.result = runner.Result{ExitCode: -1, TimedOut: true, Duration: 5 * time.Minute}
	job := env.submitJob(t, func(p *queue.JobParams) {
		p.TimeoutSeconds = 30
	})

	require.NoError(t, env.engine.RunSweep(context.Background()))
	env.engine.wg.Wait()

	spec := env.runner.lastSpec(t)
	assert.Equal(t, 30*time.Second, spec.Timeout)

	got := env.mustLoad(t, job.ID)
	assert.Equal(t, queue.StatusFailed, got.Status)
	assert.Equal(t, "wall-clock timeout after 30s", got.ErrorMessage)
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, -1, *got.ExitCode)

	failed := env.buf.byType(t, events.TypeFailed)
	require.Len(t, failed, 1)
	payload, err := failed[0].Payload()
	require.NoError(t, err)
	assert.True(t, payload.(*events.FailedEvent).TimedOut)
}

func TestEngine_RunSweep_RunnerErrorFailsJob(t *testing.T) {
	env := newTestEnv(t, nil)
	env.runner.err = errors.New("entry point not found")
	env.runner.pid = 0
	job := env.submitJob(t, nil)

	require.NoError(t, env.engine.RunSweep(context.Background()))
	env.engine.wg.Wait()

	got := env.mustLoad(t, job.ID)
	assert.Equal(t, queue.StatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "entry point not found")
	assert.Nil(t, got.ExitCode)
}

func TestEngine_RunSweep_EntryPointForwarded(t *testing.T) {
	env := newTestEnv(t, nil)
	job := env.submitJob(t, func(p *queue.JobParams) {
		p.EntryPoint = "start.sh"
	})
	require.NoError(t, os.WriteFile(filepath.Join(env.store.CodeDir(job.ID), "start.sh"), []byte("echo alt\n"), 0755))

	// Re-digest: the folder changed after submission in this setup.
	got := env.mustLoad(t, job.ID)
	digest, err := queue.DigestFolder(env.store.CodeDir(job.ID))
	require.NoError(t, err)
	got.CodeDigest = digest
	require.NoError(t, env.store.Save(got))

	require.NoError(t, env.engine.RunSweep(context.Background()))
	env.engine.wg.Wait()

	spec := env.runner.lastSpec(t)
	assert.Equal(t, "start.sh", spec.EntryPoint)
	assert.Equal(t, env.store.CodeDir(job.ID), spec.CodeDir)
	assert.Equal(t, env.store.OutputDir(job.ID), spec.OutputDir)
}

func TestEngine_RunSweep_DigestMismatchFailsJob(t *testing.T) {
	env := newTestEnv(t, nil)
	job := env.submitJob(t, nil)

	// Tamper with the code folder after submission.
	require.NoError(t, os.WriteFile(filepath.Join(env.store.CodeDir(job.ID), "run.sh"), []byte("echo evil\n"), 0755))

	require.NoError(t, env.engine.RunSweep(context.Background()))
	env.engine.wg.Wait()

	got := env.mustLoad(t, job.ID)
	assert.Equal(t, queue.StatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "integrity check failed")
	assert.Equal(t, int64(0), env.runner.calls.Load())

	assert.Len(t, env.buf.byType(t, events.TypeFailed), 1)
	assert.Empty(t, env.buf.byType(t, events.TypeDispatched))
}

func TestEngine_RunSweep_OrphanRecovery(t *testing.T) {
	env := newTestEnv(t, nil)

	// A running record from a dead engine: nonexistent pid, heartbeat
	// far in the past.
	dead := env.submitJob(t, nil)
	got := env.mustLoad(t, dead.ID)
	require.NoError(t, got.Approve(env.clk.Now()))
	require.NoError(t, got.MarkRunning(1<<30, env.clk.Now()))
	require.NoError(t, env.store.Save(got))

	// A running record whose pid is alive stays untouched no matter how
	// stale the heartbeat is.
	alive := env.submitJob(t, nil)
	got = env.mustLoad(t, alive.ID)
	require.NoError(t, got.Approve(env.clk.Now()))
	require.NoError(t, got.MarkRunning(os.Getpid(), env.clk.Now()))
	require.NoError(t, env.store.Save(got))

	// Fresh heartbeats protect both for now.
	require.NoError(t, env.engine.sweepOrphans(context.Background()))
	assert.Equal(t, queue.StatusRunning, env.mustLoad(t, dead.ID).Status)

	// Past three heartbeat intervals the dead one is recovered.
	env.clk.AddTime(3*env.engine.cfg.HeartbeatInterval + time.Second)
	require.NoError(t, env.engine.sweepOrphans(context.Background()))

	recovered := env.mustLoad(t, dead.ID)
	assert.Equal(t, queue.StatusFailed, recovered.Status)
	assert.Contains(t, recovered.ErrorMessage, "orphaned")
	assert.NotNil(t, recovered.CompletedAt)

	assert.Equal(t, queue.StatusRunning, env.mustLoad(t, alive.ID).Status)

	orphaned := env.buf.byType(t, events.TypeOrphaned)
	require.Len(t, orphaned, 1)
	payload, err := orphaned[0].Payload()
	require.NoError(t, err)
	assert.Equal(t, 1<<30, payload.(*events.OrphanedEvent).PID)
}

func TestEngine_RunSweep_ReapBoundary(t *testing.T) {
	env := newTestEnv(t, nil)
	base := env.clk.Now()

	mkTerminal := func(completedAt time.Time) *queue.Job {
		job := env.submitJob(t, func(p *queue.JobParams) { p.AutoApproval = false })
		got := env.mustLoad(t, job.ID)
		require.NoError(t, got.Approve(completedAt.Add(-time.Hour)))
		require.NoError(t, got.MarkRunning(0, completedAt.Add(-time.Hour)))
		require.NoError(t, got.MarkCompleted(0, completedAt))
		require.NoError(t, env.store.Save(got))
		return got
	}

	atCutoff := mkTerminal(base.Add(-env.engine.cfg.RetentionWindow))
	pastCutoff := mkTerminal(base.Add(-env.engine.cfg.RetentionWindow - time.Second))
	fresh := mkTerminal(base.Add(-time.Hour))

	require.NoError(t, env.engine.sweepReap(context.Background()))

	// Strictly-older-than: the boundary job survives one more interval.
	_, err := env.store.Load(atCutoff.ID)
	assert.NoError(t, err)
	_, err = env.store.Load(fresh.ID)
	assert.NoError(t, err)

	_, err = env.store.Load(pastCutoff.ID)
	assert.True(t, queue.IsNotFound(err))
	assert.NoDirExists(t, env.store.JobDir(pastCutoff.ID))

	reaped := env.buf.byType(t, events.TypeReaped)
	require.Len(t, reaped, 1)
	assert.Equal(t, pastCutoff.ID, reaped[0].JobID)
}

func TestEngine_RunSweep_SweepErrorsIsolated(t *testing.T) {
	root := t.TempDir()
	// A regular file where the jobs directory belongs makes every store
	// enumeration fail.
	require.NoError(t, os.WriteFile(filepath.Join(root, "jobs"), []byte("not a dir"), 0644))

	buf := &syncBuffer{}
	gate, err := policy.New(policy.Config{Enabled: true})
	require.NoError(t, err)

	eng, err := New(Config{}, Deps{
		Store:  queue.NewStore(root),
		Runner: newFakeRunner(),
		Gate:   gate,
		Events: events.NewJSONLWriter(buf, "code-queue"),
		Clock:  clock.NewMockClock(),
	})
	require.NoError(t, err)

	err = eng.RunSweep(context.Background())
	require.Error(t, err)

	// Every sweep ran and reported despite the first one failing.
	sweepErrors := buf.byType(t, events.TypeSweepError)
	require.Len(t, sweepErrors, 4)

	names := make([]string, 0, len(sweepErrors))
	for _, rec := range sweepErrors {
		payload, perr := rec.Payload()
		require.NoError(t, perr)
		names = append(names, payload.(*events.SweepErrorEvent).Sweep)
	}
	assert.Equal(t, []string{"orphans", "approvals", "dispatch", "reap"}, names)

	// A later sweep is still possible once the store heals.
	require.NoError(t, os.Remove(filepath.Join(root, "jobs")))
	assert.NoError(t, eng.RunSweep(context.Background()))
}

func TestEngine_RunSweep_ArchivesArtifacts(t *testing.T) {
	archiveDir := t.TempDir()
	archiver, err := archive.NewLocal(archive.LocalConfig{BaseDir: archiveDir})
	require.NoError(t, err)

	env := newTestEnv(t, func(cfg *Config, deps *Deps) {
		deps.Archiver = archiver
	})
	job := env.submitJob(t, nil)

	// Simulate the entry point leaving output behind.
	outDir := env.store.OutputDir(job.ID)
	require.NoError(t, os.MkdirAll(outDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(outDir, "result.csv"), []byte("a,b\n1,2\n"), 0644))

	require.NoError(t, env.engine.RunSweep(context.Background()))
	env.engine.wg.Wait()

	got := env.mustLoad(t, job.ID)
	assert.Equal(t, queue.StatusCompleted, got.Status)
	assert.Equal(t, "file://"+filepath.ToSlash(filepath.Join(archiveDir, "jobs", job.ID)), got.ArchiveLocation)

	assert.FileExists(t, filepath.Join(archiveDir, "jobs", job.ID, "output", "result.csv"))
	assert.FileExists(t, filepath.Join(archiveDir, "jobs", job.ID, "logs", "stdout.log"))
	assert.FileExists(t, filepath.Join(archiveDir, "jobs", job.ID, "job.json"))

	// The snapshot carries the archive location with the terminal state.
	snap, err := os.ReadFile(filepath.Join(archiveDir, "jobs", job.ID, "job.json"))
	require.NoError(t, err)
	assert.Contains(t, string(snap), `"status": "completed"`)
	assert.Contains(t, string(snap), got.ArchiveLocation)
}

func TestEngine_Worker_HeartbeatRefreshes(t *testing.T) {
	env := newTestEnv(t, nil)
	env.runner.block = make(chan struct{})
	job := env.submitJob(t, nil)

	require.NoError(t, env.engine.RunSweep(context.Background()))
	waitStarted(t, env.runner, 1)

	base := env.mustLoad(t, job.ID)
	require.NotNil(t, base.LastHeartbeat)
	before := *base.LastHeartbeat

	// Drive the mock clock past the heartbeat interval until the worker
	// has refreshed the marker. The loop tolerates the race between this
	// test advancing time and the worker arming its next timer.
	require.Eventually(t, func() bool {
		env.clk.AddTime(env.engine.cfg.HeartbeatInterval + time.Second)
		got := env.mustLoad(t, job.ID)
		return got.LastHeartbeat != nil && got.LastHeartbeat.After(before)
	}, 5*time.Second, 10*time.Millisecond)

	close(env.runner.block)
	env.engine.wg.Wait()
	assert.Equal(t, queue.StatusCompleted, env.mustLoad(t, job.ID).Status)
}

func TestEngine_StartStop(t *testing.T) {
	root := t.TempDir()
	store := queue.NewStore(root)
	fr := newFakeRunner()
	gate, err := policy.New(policy.Config{Enabled: true})
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.PollInterval = 10 * time.Millisecond
	eng, err := New(cfg, Deps{Store: store, Runner: fr, Gate: gate})
	require.NoError(t, err)

	job := queue.NewJob(queue.JobParams{
		Name:         "loop-test",
		Requester:    "alice@university.edu",
		Target:       "owner@site.org",
		Tags:         []string{"privacy-safe"},
		AutoApproval: true,
	}, time.Now())
	require.NoError(t, os.MkdirAll(store.CodeDir(job.ID), 0755))
	require.NoError(t, store.Save(job))

	eng.Start(context.Background())
	eng.Start(context.Background()) // logged no-op

	require.Eventually(t, func() bool {
		got, err := store.Load(job.ID)
		return err == nil && got.Status == queue.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, eng.Stop(stopCtx))
}

func TestEngine_Stop_BoundedByContext(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config, deps *Deps) {
		cfg.PollInterval = time.Hour // the first loop sweep runs immediately
	})
	env.runner.block = make(chan struct{})
	env.submitJob(t, nil)

	env.engine.Start(context.Background())
	waitStarted(t, env.runner, 1)

	// A worker is wedged; a short deadline surfaces instead of hanging.
	shortCtx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := env.engine.Stop(shortCtx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// Once the worker drains, stop completes.
	close(env.runner.block)
	stopCtx, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	require.NoError(t, env.engine.Stop(stopCtx))
}

func TestEngine_Stop_WithoutStart(t *testing.T) {
	env := newTestEnv(t, nil)
	assert.NoError(t, env.engine.Stop(context.Background()))
}

func TestProcessAlive(t *testing.T) {
	assert.True(t, processAlive(os.Getpid()))
	assert.False(t, processAlive(0))
	assert.False(t, processAlive(-1))
	assert.False(t, processAlive(1<<30))
}

func waitStarted(t *testing.T, fr *fakeRunner, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-fr.started:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for runner start %d of %d", i+1, n)
		}
	}
}
