package client

import (
	"context"
	"fmt"
	"time"

	"github.com/3leaps/codequeue/pkg/queue"
)

// GetJob loads a job by full id or unique short prefix.
func (c *Client) GetJob(ctx context.Context, id string) (*queue.Job, error) {
	_ = ctx
	full, err := c.store.Resolve(id)
	if err != nil {
		return nil, err
	}
	return c.store.Load(full)
}

// ListJobs returns jobs matching every filter, oldest first.
func (c *Client) ListJobs(ctx context.Context, filters ...queue.Filter) ([]*queue.Job, error) {
	_ = ctx
	jobs, err := c.store.List(filters...)
	if err != nil {
		return nil, err
	}
	queue.SortByCreated(jobs)
	return jobs, nil
}

// ListPending returns the pending jobs awaiting a decision by forIdentity,
// oldest first. Empty forIdentity means the client's own identity.
func (c *Client) ListPending(ctx context.Context, forIdentity string) ([]*queue.Job, error) {
	if forIdentity == "" {
		forIdentity = c.identity
	}
	return c.ListJobs(ctx,
		queue.NewStatusFilter(queue.StatusPending),
		queue.NewTargetFilter(forIdentity))
}

// WaitForCompletion polls until the job reaches a terminal state, the
// context is done, or the job disappears (reaped or deleted), and returns
// the final record.
func (c *Client) WaitForCompletion(ctx context.Context, id string, pollInterval time.Duration) (*queue.Job, error) {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}

	full, err := c.store.Resolve(id)
	if err != nil {
		return nil, err
	}

	for {
		job, err := c.store.Load(full)
		if err != nil {
			return nil, err
		}
		if job.Status.Terminal() {
			return job, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("wait for job %s: %w", full, ctx.Err())
		case <-c.clk.After(pollInterval):
		}
	}
}
