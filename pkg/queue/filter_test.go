package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusAndTargetFilters(t *testing.T) {
	job := NewJob(JobParams{Name: "j", Requester: "alice@uni.edu", Target: "bob@lab.org"}, fixedTime(0))

	assert.True(t, NewStatusFilter(StatusPending).Match(job))
	assert.False(t, NewStatusFilter(StatusRunning).Match(job))
	assert.True(t, NewTargetFilter("bob@lab.org").Match(job))
	assert.False(t, NewTargetFilter("carol@lab.org").Match(job))
}

func TestRequesterFilterGlobs(t *testing.T) {
	job := NewJob(JobParams{Name: "j", Requester: "alice@university.edu", Target: "b@x.org"}, fixedTime(0))

	literal, err := NewRequesterFilter("alice@university.edu")
	require.NoError(t, err)
	assert.True(t, literal.Match(job))

	domain, err := NewRequesterFilter("*@university.edu")
	require.NoError(t, err)
	assert.True(t, domain.Match(job))

	other, err := NewRequesterFilter("*@research.org")
	require.NoError(t, err)
	assert.False(t, other.Match(job))

	empty, err := NewRequesterFilter("  ")
	require.NoError(t, err)
	assert.Nil(t, empty)

	_, err = NewRequesterFilter("[bad")
	assert.ErrorIs(t, err, ErrInvalidPattern)
}

func TestTerminalAgeFilterBoundary(t *testing.T) {
	cutoff := fixedTime(30)

	mk := func(completed time.Time) *Job {
		j := NewJob(JobParams{Name: "j", Requester: "a", Target: "b"}, fixedTime(0))
		require.NoError(t, j.Approve(fixedTime(1)))
		require.NoError(t, j.MarkRunning(1, fixedTime(2)))
		require.NoError(t, j.MarkCompleted(0, completed))
		return j
	}

	f := NewTerminalAgeFilter(cutoff)

	// Exactly at the cutoff is kept; one second past is eligible.
	assert.False(t, f.Match(mk(cutoff)))
	assert.True(t, f.Match(mk(cutoff.Add(-time.Second))))
	assert.False(t, f.Match(mk(cutoff.Add(time.Second))))

	running := NewJob(JobParams{Name: "r", Requester: "a", Target: "b"}, fixedTime(0))
	assert.False(t, f.Match(running), "non-terminal jobs never match")
}

func TestNewFiltersFromConfig(t *testing.T) {
	now := fixedTime(0)

	t.Run("empty config", func(t *testing.T) {
		filters, err := NewFiltersFromConfig(nil, now)
		require.NoError(t, err)
		assert.Empty(t, filters)

		filters, err = NewFiltersFromConfig(&FilterConfig{}, now)
		require.NoError(t, err)
		assert.Empty(t, filters)
	})

	t.Run("full config", func(t *testing.T) {
		filters, err := NewFiltersFromConfig(&FilterConfig{
			Status:    "pending",
			Target:    "bob@lab.org",
			Requester: "*@uni.edu",
			Tag:       "demo",
			OlderThan: "24h",
		}, now)
		require.NoError(t, err)
		assert.Len(t, filters, 5)
	})

	t.Run("bad status", func(t *testing.T) {
		_, err := NewFiltersFromConfig(&FilterConfig{Status: "sideways"}, now)
		assert.Error(t, err)
	})

	t.Run("bad pattern", func(t *testing.T) {
		_, err := NewFiltersFromConfig(&FilterConfig{Requester: "[bad"}, now)
		assert.ErrorIs(t, err, ErrInvalidPattern)
	})

	t.Run("bad duration", func(t *testing.T) {
		_, err := NewFiltersFromConfig(&FilterConfig{OlderThan: "yesterday"}, now)
		assert.ErrorIs(t, err, ErrInvalidDuration)
	})
}
