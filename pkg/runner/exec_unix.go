//go:build !windows

package runner

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"syscall"
	"time"
)

// execCmd runs the entry point via /bin/sh in its own process group, so a
// timeout kills the whole subprocess tree, not just the shell.
func execCmd(ctx context.Context, opts execOpts) (*Result, error) {
	cmd := exec.Command("/bin/sh", opts.entryPath)
	cmd.Dir = opts.dir
	cmd.Env = opts.env

	attr := &syscall.SysProcAttr{Setpgid: true}
	if opts.chroot != "" {
		attr.Chroot = opts.chroot
	}
	if opts.uid != 0 || opts.gid != 0 {
		attr.Credential = &syscall.Credential{Uid: opts.uid, Gid: opts.gid}
	}
	cmd.SysProcAttr = attr

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
		// Negative pid addresses the process group created by Setpgid.
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
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
		note := fmt.Sprintf("\n[wall-clock timeout exceeded after %s; process tree killed]\n",
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
