package queue

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// Filter evaluates whether a job passes selection criteria.
//
// Filters operate on record data only; combining several filters is
// conjunctive (every filter must pass).
type Filter interface {
	// Match returns true if the job passes the filter.
	Match(job *Job) bool

	// String returns a human-readable description of the filter.
	String() string
}

// FilterConfig holds selection criteria from CLI flags or API queries.
type FilterConfig struct {
	// Status restricts to a single lifecycle state.
	Status string `json:"status,omitempty" yaml:"status,omitempty"`

	// Target restricts to jobs addressed to this identity (exact match).
	Target string `json:"target,omitempty" yaml:"target,omitempty"`

	// Requester is a doublestar pattern applied to the requester identity,
	// e.g. "*@university.edu". A literal identity matches itself.
	Requester string `json:"requester,omitempty" yaml:"requester,omitempty"`

	// Tag restricts to jobs carrying this tag (case-insensitive).
	Tag string `json:"tag,omitempty" yaml:"tag,omitempty"`

	// OlderThan restricts to terminal jobs completed at least this long ago,
	// e.g. "24h". Requires a reference time at build.
	OlderThan string `json:"older_than,omitempty" yaml:"older_than,omitempty"`
}

// Filter errors.
var (
	ErrInvalidPattern  = errors.New("invalid identity pattern")
	ErrInvalidDuration = errors.New("invalid duration value")
)

// StatusFilter restricts jobs to one lifecycle state.
type StatusFilter struct {
	status Status
}

func NewStatusFilter(status Status) *StatusFilter {
	return &StatusFilter{status: status}
}

// Match returns true if the job is in the configured state.
func (f *StatusFilter) Match(job *Job) bool {
	return job.Status == f.status
}

// String returns a human-readable description.
func (f *StatusFilter) String() string {
	return fmt.Sprintf("status: %s", f.status)
}

// TargetFilter restricts jobs to those addressed to one identity.
type TargetFilter struct {
	identity string
}

func NewTargetFilter(identity string) *TargetFilter {
	return &TargetFilter{identity: strings.TrimSpace(identity)}
}

// Match returns true if the job targets the configured identity.
func (f *TargetFilter) Match(job *Job) bool {
	return job.Target == f.identity
}

// String returns a human-readable description.
func (f *TargetFilter) String() string {
	return fmt.Sprintf("target: %s", f.identity)
}

// RequesterFilter matches the requester identity against a doublestar
// pattern. A pattern without meta characters is an exact match.
type RequesterFilter struct {
	pattern string
}

// NewRequesterFilter validates the pattern and creates the filter.
// Returns nil if the pattern is empty.
func NewRequesterFilter(pattern string) (*RequesterFilter, error) {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return nil, nil
	}
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPattern, pattern)
	}
	return &RequesterFilter{pattern: pattern}, nil
}

// Match returns true if the requester identity matches the pattern.
func (f *RequesterFilter) Match(job *Job) bool {
	ok, err := doublestar.Match(f.pattern, job.Requester)
	return err == nil && ok
}

// String returns a human-readable description.
func (f *RequesterFilter) String() string {
	return fmt.Sprintf("requester: %s", f.pattern)
}

// TagFilter restricts jobs to those carrying a tag, case-insensitively.
type TagFilter struct {
	tag string
}

func NewTagFilter(tag string) *TagFilter {
	return &TagFilter{tag: strings.TrimSpace(tag)}
}

// Match returns true if the job carries the configured tag.
func (f *TagFilter) Match(job *Job) bool {
	return job.HasTag(f.tag)
}

// String returns a human-readable description.
func (f *TagFilter) String() string {
	return fmt.Sprintf("tag: %s", f.tag)
}

// TerminalAgeFilter restricts jobs to terminal ones whose completion time
// is strictly before a cutoff. A job completed exactly at the cutoff does
// not match, so the reaper keeps it for one more interval.
type TerminalAgeFilter struct {
	cutoff time.Time
}

// NewTerminalAgeFilter creates a filter for terminal jobs completed
// strictly before cutoff.
func NewTerminalAgeFilter(cutoff time.Time) *TerminalAgeFilter {
	return &TerminalAgeFilter{cutoff: cutoff.UTC()}
}

// Match returns true for terminal jobs completed strictly before the cutoff.
func (f *TerminalAgeFilter) Match(job *Job) bool {
	if !job.Status.Terminal() || job.CompletedAt == nil {
		return false
	}
	return job.CompletedAt.Before(f.cutoff)
}

// String returns a human-readable description.
func (f *TerminalAgeFilter) String() string {
	return fmt.Sprintf("completed before: %s", f.cutoff.Format(time.RFC3339))
}

// NewFiltersFromConfig builds the filter set described by cfg. Empty
// criteria contribute nothing; now anchors the OlderThan cutoff.
func NewFiltersFromConfig(cfg *FilterConfig, now time.Time) ([]Filter, error) {
	if cfg == nil {
		return nil, nil
	}

	var filters []Filter

	if cfg.Status != "" {
		status, err := ParseStatus(cfg.Status)
		if err != nil {
			return nil, err
		}
		filters = append(filters, NewStatusFilter(status))
	}

	if cfg.Target != "" {
		filters = append(filters, NewTargetFilter(cfg.Target))
	}

	requester, err := NewRequesterFilter(cfg.Requester)
	if err != nil {
		return nil, err
	}
	if requester != nil {
		filters = append(filters, requester)
	}

	if cfg.Tag != "" {
		filters = append(filters, NewTagFilter(cfg.Tag))
	}

	if cfg.OlderThan != "" {
		age, err := time.ParseDuration(cfg.OlderThan)
		if err != nil || age < 0 {
			return nil, fmt.Errorf("%w: %q", ErrInvalidDuration, cfg.OlderThan)
		}
		filters = append(filters, NewTerminalAgeFilter(now.Add(-age)))
	}

	return filters, nil
}
