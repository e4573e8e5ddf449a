package client

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/codequeue/pkg/events"
	"github.com/3leaps/codequeue/pkg/manifest"
	"github.com/3leaps/codequeue/pkg/queue"
)

// DefaultMaxCodeBytes caps a submitted folder's total file size. Code
// folders are scripts plus small assets; anything bigger should travel as
// data through the substrate, not through the queue.
const DefaultMaxCodeBytes int64 = 100 << 20

// SubmitOptions are the explicit submission parameters. Every field is
// optional; unset fields fall back to the folder's job.yaml manifest and
// then to defaults.
type SubmitOptions struct {
	// Target is the owner identity the job is submitted to. Required;
	// the manifest does not carry a target.
	Target string

	Name         string
	Description  string
	Tags         []string
	AutoApproval bool

	// EntryPoint overrides the manifest entry point.
	EntryPoint string

	// Timeout overrides the manifest timeout.
	Timeout time.Duration

	// MaxCodeBytes overrides DefaultMaxCodeBytes. Negative disables the cap.
	MaxCodeBytes int64
}

// Submit validates and copies a code folder into the queue and persists a
// pending record for it.
//
// The folder may carry a job.yaml manifest; explicit options win over
// manifest values. The folder must contain the resolved entry point. The
// copy applies the manifest's ignore globs, and the persisted record
// carries a digest over the copied tree so the dispatcher can refuse code
// that changed between submission and launch.
func (c *Client) Submit(ctx context.Context, folder string, opts SubmitOptions) (*queue.Job, error) {
	target := strings.TrimSpace(opts.Target)
	if target == "" {
		return nil, fmt.Errorf("submit: target identity is required")
	}

	info, err := os.Stat(folder)
	if err != nil {
		return nil, fmt.Errorf("submit: code folder: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("submit: %s is not a directory", folder)
	}

	m, err := manifest.LoadFromFolder(folder)
	if err != nil {
		return nil, fmt.Errorf("submit: %w", err)
	}

	params, err := mergeSubmitParams(folder, opts, m)
	if err != nil {
		return nil, err
	}
	params.Requester = c.identity
	params.Target = target

	entry := params.EntryPoint
	if entry == "" {
		entry = manifest.DefaultEntryPoint
	}
	entryInfo, err := os.Stat(filepath.Join(folder, entry))
	if err != nil || !entryInfo.Mode().IsRegular() {
		return nil, fmt.Errorf("submit: folder %s has no entry point %s", folder, entry)
	}

	maxBytes := opts.MaxCodeBytes
	if maxBytes == 0 {
		maxBytes = DefaultMaxCodeBytes
	}

	job := queue.NewJob(params, c.now())
	codeDir := c.store.CodeDir(job.ID)

	if err := copyFolder(folder, codeDir, m, maxBytes); err != nil {
		_ = os.RemoveAll(c.store.JobDir(job.ID))
		return nil, fmt.Errorf("submit: %w", err)
	}

	digest, err := queue.DigestFolder(codeDir)
	if err != nil {
		_ = os.RemoveAll(c.store.JobDir(job.ID))
		return nil, fmt.Errorf("submit: %w", err)
	}
	job.CodeLocation = codeDir
	job.CodeDigest = digest

	if err := c.store.Save(job); err != nil {
		_ = os.RemoveAll(c.store.JobDir(job.ID))
		return nil, err
	}

	c.log.Info("job submitted",
		zap.String("job_id", job.ID),
		zap.String("name", job.Name),
		zap.String("target", job.Target),
		zap.Bool("auto_approval", job.AutoApproval))

	if c.events != nil {
		err := c.events.WriteSubmitted(ctx, job.ID, &events.SubmittedEvent{
			Name:         job.Name,
			Requester:    job.Requester,
			Target:       job.Target,
			Tags:         job.Tags,
			AutoApproval: job.AutoApproval,
			CodeDigest:   job.CodeDigest,
		})
		if err != nil {
			c.log.Warn("submit audit failed", zap.String("job_id", job.ID), zap.Error(err))
		}
	}

	return job, nil
}

// mergeSubmitParams layers explicit options over the optional manifest.
func mergeSubmitParams(folder string, opts SubmitOptions, m *manifest.Manifest) (queue.JobParams, error) {
	p := queue.JobParams{
		Name:         strings.TrimSpace(opts.Name),
		Description:  strings.TrimSpace(opts.Description),
		Tags:         opts.Tags,
		EntryPoint:   strings.TrimSpace(opts.EntryPoint),
		AutoApproval: opts.AutoApproval,
	}
	if opts.Timeout > 0 {
		p.TimeoutSeconds = int(opts.Timeout / time.Second)
	}

	if m != nil {
		if p.Name == "" {
			p.Name = m.Name
		}
		if p.Description == "" {
			p.Description = m.Description
		}
		if len(p.Tags) == 0 {
			p.Tags = m.Tags
		}
		if p.EntryPoint == "" {
			p.EntryPoint = m.EntryPoint
		}
		if !p.AutoApproval {
			p.AutoApproval = m.AutoApproval
		}
		if p.TimeoutSeconds == 0 {
			d, err := m.TimeoutDuration()
			if err != nil {
				return queue.JobParams{}, fmt.Errorf("submit: %w", err)
			}
			if d > 0 {
				p.TimeoutSeconds = int(d / time.Second)
			}
		}
	}

	if p.Name == "" {
		p.Name = filepath.Base(filepath.Clean(folder))
	}
	return p, nil
}

// copyFolder copies src into dst, skipping manifest ignore globs and
// enforcing the total size cap. Symlinks are skipped: the copy must not
// reach outside the submitted folder.
func copyFolder(src, dst string, m *manifest.Manifest, maxBytes int64) error {
	var total int64

	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return os.MkdirAll(dst, 0755)
		}
		if m != nil && m.Ignored(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		targetPath := filepath.Join(dst, rel)
		switch {
		case d.IsDir():
			return os.MkdirAll(targetPath, 0755)
		case !d.Type().IsRegular():
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		if maxBytes >= 0 && total > maxBytes {
			return fmt.Errorf("code folder exceeds %d byte limit", maxBytes)
		}

		return copyFile(path, targetPath, info.Mode().Perm())
	})
}

func copyFile(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}

	_, err = io.Copy(out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return err
}
