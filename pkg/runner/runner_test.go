package runner

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeEntryPoint(t *testing.T, codeDir, script string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(codeDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(codeDir, DefaultEntryPoint), []byte(script), 0755))
}

func testSpec(t *testing.T) Spec {
	t.Helper()
	jobDir := t.TempDir()
	return Spec{
		JobID:     "job-1",
		JobName:   "trial",
		Requester: "alice@example.com",
		CodeDir:   filepath.Join(jobDir, "code"),
		OutputDir: filepath.Join(jobDir, "output"),
	}
}

func TestSpecEnvContract(t *testing.T) {
	spec := Spec{JobID: "id-1", JobName: "n", Requester: "r@x.org", OutputDir: "/tmp/out"}
	env := spec.Env()
	assert.Contains(t, env, "CODEQUEUE_JOB_ID=id-1")
	assert.Contains(t, env, "CODEQUEUE_JOB_NAME=n")
	assert.Contains(t, env, "CODEQUEUE_REQUESTER=r@x.org")
	assert.Contains(t, env, "CODEQUEUE_OUTPUT_DIR=/tmp/out")
}

func TestLocalRejectsBadSpecs(t *testing.T) {
	r := NewLocal(LocalConfig{})
	ctx := context.Background()

	_, err := r.Run(ctx, Spec{})
	assert.Error(t, err)

	spec := testSpec(t)
	_, err = r.Run(ctx, spec)
	assert.Error(t, err, "missing entry point must fail before spawning")

	writeEntryPoint(t, spec.CodeDir, "#!/bin/sh\n")
	spec.EntryPoint = "/etc/passwd"
	_, err = r.Run(ctx, spec)
	assert.Error(t, err, "absolute entry points are refused")

	spec.EntryPoint = "../outside.sh"
	_, err = r.Run(ctx, spec)
	assert.Error(t, err, "entry points escaping the code dir are refused")
}

func TestLocalInjectsContractEnv(t *testing.T) {
	spec := testSpec(t)
	writeEntryPoint(t, spec.CodeDir, "#!/bin/sh\n")

	var gotEnv []string
	r := NewLocal(LocalConfig{})
	r.execCmdFn = func(ctx context.Context, opts execOpts) (*Result, error) {
		gotEnv = opts.env
		deadline, ok := ctx.Deadline()
		assert.True(t, ok, "exec context must carry the timeout")
		assert.False(t, deadline.IsZero())
		return &Result{ExitCode: 0}, nil
	}

	res, err := r.Run(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Contains(t, gotEnv, "CODEQUEUE_JOB_ID=job-1")
	assert.Contains(t, gotEnv, "CODEQUEUE_OUTPUT_DIR="+spec.OutputDir)

	// The output dir is created before execution.
	info, err := os.Stat(spec.OutputDir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestSandboxScrubsEnvironment(t *testing.T) {
	t.Setenv("PATH", "/usr/bin:/bin")
	t.Setenv("SECRET_TOKEN", "hunter2")

	spec := testSpec(t)
	writeEntryPoint(t, spec.CodeDir, "#!/bin/sh\n")

	sandbox, err := NewSandbox(SandboxConfig{})
	require.NoError(t, err)

	var gotEnv []string
	sandbox.execCmdFn = func(ctx context.Context, opts execOpts) (*Result, error) {
		gotEnv = opts.env
		return &Result{ExitCode: 0}, nil
	}

	_, err = sandbox.Run(context.Background(), spec)
	require.NoError(t, err)

	joined := strings.Join(gotEnv, "\n")
	assert.Contains(t, joined, "PATH=/usr/bin:/bin")
	assert.NotContains(t, joined, "SECRET_TOKEN")
	assert.Contains(t, joined, "HOME="+filepath.Dir(spec.CodeDir))
	assert.Contains(t, joined, "TMPDIR="+spec.OutputDir)
	assert.Contains(t, joined, "CODEQUEUE_JOB_ID=job-1")
}

func TestCapWriterBoundsOutput(t *testing.T) {
	w := newCapWriter(8)

	n, err := w.Write([]byte("01234567"))
	require.NoError(t, err)
	assert.Equal(t, 8, n)
	assert.False(t, w.truncated)

	n, err = w.Write([]byte("overflow"))
	require.NoError(t, err)
	assert.Equal(t, 8, n, "writes past the cap are still consumed")
	assert.True(t, w.truncated)

	out := string(w.Bytes())
	assert.True(t, strings.HasPrefix(out, "01234567"))
	assert.True(t, strings.HasSuffix(out, TruncationMarker))
}

func TestLocalRunsEntryPoint(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}

	spec := testSpec(t)
	writeEntryPoint(t, spec.CodeDir, "echo hello\necho oops >&2\nexit 3\n")

	res, err := NewLocal(LocalConfig{}).Run(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "hello\n", string(res.Stdout))
	assert.Equal(t, "oops\n", string(res.Stderr))
	assert.False(t, res.TimedOut)
	assert.False(t, res.Truncated)
}

func TestLocalEntryPointSeesContract(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}

	spec := testSpec(t)
	writeEntryPoint(t, spec.CodeDir,
		"echo \"id=$CODEQUEUE_JOB_ID requester=$CODEQUEUE_REQUESTER\"\n"+
			"echo done > \"$CODEQUEUE_OUTPUT_DIR/result.txt\"\n")

	var startedPID int
	spec.OnStart = func(pid int) { startedPID = pid }

	res, err := NewLocal(LocalConfig{}).Run(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "id=job-1 requester=alice@example.com\n", string(res.Stdout))
	assert.Greater(t, startedPID, 0)

	body, err := os.ReadFile(filepath.Join(spec.OutputDir, "result.txt"))
	require.NoError(t, err)
	assert.Equal(t, "done\n", string(body))
}

func TestLocalTimeoutKillsProcessTree(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}

	spec := testSpec(t)
	writeEntryPoint(t, spec.CodeDir, "echo before\nsleep 30\necho after\n")
	spec.Timeout = 200 * time.Millisecond

	started := time.Now()
	res, err := NewLocal(LocalConfig{}).Run(context.Background(), spec)
	require.NoError(t, err)
	assert.Less(t, time.Since(started), 10*time.Second, "kill must not wait for the sleep")

	assert.True(t, res.TimedOut)
	assert.Equal(t, -1, res.ExitCode)
	assert.Equal(t, "before\n", string(res.Stdout))
	assert.Contains(t, string(res.Stderr), "timeout exceeded")
	assert.NotContains(t, string(res.Stdout), "after")
}

func TestLocalTruncatesLongOutput(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}

	spec := testSpec(t)
	writeEntryPoint(t, spec.CodeDir, "i=0\nwhile [ $i -lt 200 ]; do echo 'xxxxxxxxxxxxxxxxxxxxxxxx'; i=$((i+1)); done\n")

	res, err := NewLocal(LocalConfig{MaxOutputBytes: 128}).Run(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.True(t, res.Truncated)
	assert.LessOrEqual(t, len(res.Stdout), 128+len(TruncationMarker))
	assert.Contains(t, string(res.Stdout), strings.TrimSpace(TruncationMarker))
}
