// Package policy decides whether pending jobs may be approved without a
// human in the loop.
//
// The gate is approve-or-defer only: it either drives pending -> approved
// or leaves the job untouched for manual review. Automatic rejection is
// deliberately not part of the contract.
package policy

import (
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"

	"github.com/3leaps/codequeue/pkg/queue"
)

// Func is an injected auto-approval decision. Returning an error (or
// panicking) counts as "no decision": the job stays pending and the
// failure is logged, never propagated.
type Func func(job *queue.Job) (bool, error)

// Default allow-lists applied when no policy function is injected.
var (
	DefaultSafeTags = []string{
		"privacy-safe",
		"aggregate-analysis",
		"statistics",
		"demo",
		"tutorial",
		"test",
	}

	DefaultTrustedIdentities = []string{
		"*@university.edu",
		"*@research.org",
	}
)

// Config controls the gate.
type Config struct {
	// Enabled switches the auto-approval subsystem on. When false the gate
	// never decides and every job waits for a manual call.
	Enabled bool

	// SafeTags is the tag allow-list for the built-in default policy.
	// Empty means DefaultSafeTags.
	SafeTags []string

	// TrustedIdentities are doublestar patterns matched against the
	// requester identity. Empty means DefaultTrustedIdentities.
	TrustedIdentities []string
}

// Gate evaluates the ordered auto-approval rules for pending jobs.
type Gate struct {
	enabled  bool
	policy   Func
	safeTags []string
	trusted  []string
	logger   *zap.Logger
}

// Option customizes a Gate.
type Option func(*Gate)

// WithPolicy injects a decision function evaluated in place of the
// built-in default policy.
func WithPolicy(fn Func) Option {
	return func(g *Gate) {
		g.policy = fn
	}
}

// WithLogger attaches a logger for policy failure diagnostics.
func WithLogger(logger *zap.Logger) Option {
	return func(g *Gate) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// New validates the configuration and builds a Gate.
func New(cfg Config, opts ...Option) (*Gate, error) {
	g := &Gate{
		enabled:  cfg.Enabled,
		safeTags: cfg.SafeTags,
		trusted:  cfg.TrustedIdentities,
		logger:   zap.NewNop(),
	}
	if len(g.safeTags) == 0 {
		g.safeTags = DefaultSafeTags
	}
	if len(g.trusted) == 0 {
		g.trusted = DefaultTrustedIdentities
	}
	for _, pattern := range g.trusted {
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("invalid trusted identity pattern %q", pattern)
		}
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// ShouldApprove evaluates the rules in order, short-circuiting:
//
//  1. subsystem disabled -> no decision
//  2. job did not request auto-approval -> no decision
//  3. injected policy, if any, decides (failure -> no decision)
//  4. built-in default: safe tag or trusted requester identity
//
// true drives pending -> approved; false leaves the job for manual review.
func (g *Gate) ShouldApprove(job *queue.Job) bool {
	if !g.enabled || job == nil {
		return false
	}
	if !job.AutoApproval {
		return false
	}
	if g.policy != nil {
		return g.runPolicy(job)
	}
	return g.defaultPolicy(job)
}

func (g *Gate) runPolicy(job *queue.Job) (approved bool) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Warn("approval policy panicked, leaving job pending",
				zap.String("job_id", job.ID),
				zap.Any("panic", r))
			approved = false
		}
	}()

	ok, err := g.policy(job)
	if err != nil {
		g.logger.Warn("approval policy failed, leaving job pending",
			zap.String("job_id", job.ID),
			zap.Error(err))
		return false
	}
	return ok
}

func (g *Gate) defaultPolicy(job *queue.Job) bool {
	for _, tag := range g.safeTags {
		if job.HasTag(tag) {
			return true
		}
	}
	requester := strings.TrimSpace(job.Requester)
	for _, pattern := range g.trusted {
		if ok, err := doublestar.Match(pattern, requester); err == nil && ok {
			return true
		}
	}
	return false
}
