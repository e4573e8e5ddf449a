package client

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/3leaps/codequeue/pkg/queue"
)

// Logs returns a job's captured stdout and stderr. Streams not yet written
// come back empty; logs exist once the job leaves running.
func (c *Client) Logs(ctx context.Context, id string) (stdout, stderr string, err error) {
	_ = ctx
	full, err := c.store.Resolve(id)
	if err != nil {
		return "", "", err
	}

	stdout = readLogFile(c.store.StdoutPath(full))
	stderr = readLogFile(c.store.StderrPath(full))
	return stdout, stderr, nil
}

// TailLogs returns the last n lines of one captured stream.
func (c *Client) TailLogs(ctx context.Context, id string, n int, stderrStream bool) (string, error) {
	stdout, stderr, err := c.Logs(ctx, id)
	if err != nil {
		return "", err
	}
	content := stdout
	if stderrStream {
		content = stderr
	}
	return tailLines(content, n), nil
}

// OutputDir returns the path of a job's output directory. The job must
// have produced output (reached completed, or failed with partial output).
func (c *Client) OutputDir(ctx context.Context, id string) (string, error) {
	_ = ctx
	full, err := c.store.Resolve(id)
	if err != nil {
		return "", err
	}
	job, err := c.store.Load(full)
	if err != nil {
		return "", err
	}
	if job.OutputLocation == "" {
		return "", fmt.Errorf("job %s has no output: %w", full, queue.ErrNotFound)
	}
	return job.OutputLocation, nil
}

// CollectOutput copies a job's output directory tree into dest, creating
// dest as needed.
func (c *Client) CollectOutput(ctx context.Context, id, dest string) error {
	src, err := c.OutputDir(ctx, id)
	if err != nil {
		return err
	}

	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		return copyFile(path, target, info.Mode().Perm())
	})
}

func readLogFile(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(data)
}

// tailLines returns the last n lines of content, preserving the trailing
// newline when present.
func tailLines(content string, n int) string {
	if n <= 0 || content == "" {
		return content
	}
	trailing := strings.HasSuffix(content, "\n")
	trimmed := strings.TrimSuffix(content, "\n")
	lines := strings.Split(trimmed, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	out := strings.Join(lines, "\n")
	if trailing {
		out += "\n"
	}
	return out
}
