package client

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/3leaps/codequeue/pkg/events"
	"github.com/3leaps/codequeue/pkg/queue"
)

// DefaultRejectReason is recorded when a rejection carries no reason.
const DefaultRejectReason = "Rejected by data owner"

// Approve records a manual approval. The job must currently be pending;
// any other state returns ErrInvalidTransition with the record untouched.
func (c *Client) Approve(ctx context.Context, id string) (*queue.Job, error) {
	full, err := c.store.Resolve(id)
	if err != nil {
		return nil, err
	}
	job, err := c.store.Load(full)
	if err != nil {
		return nil, err
	}

	if err := job.Approve(c.now()); err != nil {
		return nil, err
	}
	if err := c.store.Save(job); err != nil {
		return nil, err
	}

	c.log.Info("job approved",
		zap.String("job_id", job.ID),
		zap.String("actor", c.identity))

	if c.events != nil {
		err := c.events.WriteApproved(ctx, job.ID, &events.ApprovedEvent{
			Via:    events.ViaManual,
			Reason: "approved by " + c.identity,
		})
		if err != nil {
			c.log.Warn("approve audit failed", zap.String("job_id", job.ID), zap.Error(err))
		}
	}
	return job, nil
}

// Reject records a manual rejection with a reason. The job must currently
// be pending or approved.
func (c *Client) Reject(ctx context.Context, id, reason string) (*queue.Job, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = DefaultRejectReason
	}

	full, err := c.store.Resolve(id)
	if err != nil {
		return nil, err
	}
	job, err := c.store.Load(full)
	if err != nil {
		return nil, err
	}

	if err := job.Reject(reason, c.now()); err != nil {
		return nil, err
	}
	if err := c.store.Save(job); err != nil {
		return nil, err
	}

	c.log.Info("job rejected",
		zap.String("job_id", job.ID),
		zap.String("actor", c.identity),
		zap.String("reason", reason))

	if c.events != nil {
		err := c.events.WriteRejected(ctx, job.ID, &events.RejectedEvent{Reason: reason})
		if err != nil {
			c.log.Warn("reject audit failed", zap.String("job_id", job.ID), zap.Error(err))
		}
	}
	return job, nil
}
