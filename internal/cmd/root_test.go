package cmd

import (
	"errors"
	"testing"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetVersionInfo(t *testing.T) {
	// Save original values
	origVersion := versionInfo.Version
	origCommit := versionInfo.Commit
	origBuildDate := versionInfo.BuildDate
	defer func() {
		versionInfo.Version = origVersion
		versionInfo.Commit = origCommit
		versionInfo.BuildDate = origBuildDate
	}()

	tests := []struct {
		name      string
		version   string
		commit    string
		buildDate string
	}{
		{
			name:      "set all values",
			version:   "1.0.0",
			commit:    "abc123",
			buildDate: "2024-01-15",
		},
		{
			name:      "set dev version",
			version:   "dev",
			commit:    "HEAD",
			buildDate: "unknown",
		},
		{
			name:      "set empty values",
			version:   "",
			commit:    "",
			buildDate: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			SetVersionInfo(tt.version, tt.commit, tt.buildDate)

			assert.Equal(t, tt.version, versionInfo.Version)
			assert.Equal(t, tt.commit, versionInfo.Commit)
			assert.Equal(t, tt.buildDate, versionInfo.BuildDate)
		})
	}
}

func TestExitError(t *testing.T) {
	underlying := errors.New("boom")
	err := exitError(foundry.ExitInvalidArgument, "Bad input", underlying)

	var coded *codedError
	require.ErrorAs(t, err, &coded)
	assert.Equal(t, foundry.ExitInvalidArgument, coded.code)
	assert.Equal(t, "Bad input", coded.message)
	assert.ErrorIs(t, err, underlying)
	assert.Contains(t, err.Error(), "Bad input")
	assert.Contains(t, err.Error(), "exit code")
}

func TestShortJobID(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"short id unchanged", "abc123", "abc123"},
		{"long id truncated", "0123456789abcdef0123", "0123456789ab"},
		{"whitespace trimmed", "  abc  ", "abc"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, shortJobID(tt.in))
		})
	}
}

func TestLocalIdentity(t *testing.T) {
	t.Setenv("USER", "alice")
	id := localIdentity()
	assert.Contains(t, id, "alice@")
}
