//go:build windows

package runner

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"
)

// execCmd runs the entry point via sh (Git Bash / WSL interop). Process
// group isolation and credential drops are unix-only; the windows path
// kills only the direct child on timeout.
func execCmd(ctx context.Context, opts execOpts) (*Result, error) {
	if opts.chroot != "" || opts.uid != 0 || opts.gid != 0 {
		return nil, errors.New("sandbox credentials require a unix host")
	}

	cmd := exec.Command("sh", opts.entryPath)
	cmd.Dir = opts.dir
	cmd.Env = opts.env

	stdout := newCapWriter(opts.maxBytes)
	stderr := newCapWriter(opts.maxBytes)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	started := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start entry point: %w", err)
	}
	if opts.onStart != nil {
		opts.onStart(cmd.Process.Pid)
	}

	waitDone := make(chan error, 1)
	go func() { waitDone <- cmd.Wait() }()

	var waitErr error
	timedOut := false
	select {
	case waitErr = <-waitDone:
	case <-ctx.Done():
		timedOut = errors.Is(ctx.Err(), context.DeadlineExceeded)
		_ = cmd.Process.Kill()
		waitErr = <-waitDone
	}

	res := &Result{
		ExitCode:  -1,
		TimedOut:  timedOut,
		Duration:  time.Since(started),
		Truncated: stdout.truncated || stderr.truncated,
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	res.Stdout = stdout.Bytes()
	res.Stderr = stderr.Bytes()
	if timedOut {
		res.ExitCode = -1
		note := fmt.Sprintf("\n[wall-clock timeout exceeded after %s; process killed]\n",
			res.Duration.Round(time.Millisecond))
		res.Stderr = append(res.Stderr, note...)
	}

	if waitErr != nil && !timedOut {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return nil, fmt.Errorf("wait for entry point: %w", waitErr)
		}
	}
	return res, nil
}
