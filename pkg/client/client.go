// Package client is the requester/owner-side API over a queue store.
//
// A Client submits code folders, inspects and filters jobs, records manual
// approve/reject decisions, retrieves logs and output, and waits for
// completion. It talks to the same file-per-job store the scheduler polls;
// the distributed substrate syncing that store between identities is
// outside this package.
package client

import (
	"time"

	"github.com/WatchBeam/clock"
	"go.uber.org/zap"

	"github.com/3leaps/codequeue/pkg/events"
	"github.com/3leaps/codequeue/pkg/queue"
)

// Client operates on one queue store on behalf of one identity.
type Client struct {
	store    *queue.Store
	identity string

	events events.Writer
	log    *zap.Logger
	clk    clock.Clock
}

// Option configures a Client.
type Option func(*Client)

// WithEvents attaches an audit writer. Submission and manual decisions are
// recorded on it.
func WithEvents(w events.Writer) Option {
	return func(c *Client) { c.events = w }
}

// WithLogger attaches a logger. Defaults to a nop logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.log = logger
		}
	}
}

// WithClock injects the clock. Tests drive waiting and timestamps with a
// mock clock.
func WithClock(clk clock.Clock) Option {
	return func(c *Client) {
		if clk != nil {
			c.clk = clk
		}
	}
}

// New creates a client for the given store acting as identity.
func New(store *queue.Store, identity string, opts ...Option) *Client {
	c := &Client{
		store:    store,
		identity: identity,
		log:      zap.NewNop(),
		clk:      clock.C,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Identity returns the identity this client acts as.
func (c *Client) Identity() string {
	return c.identity
}

// Store exposes the underlying store for callers wiring the same store
// into a scheduler engine.
func (c *Client) Store() *queue.Store {
	return c.store
}

func (c *Client) now() time.Time {
	return c.clk.Now().UTC()
}
