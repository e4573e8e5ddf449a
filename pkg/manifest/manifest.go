// Package manifest provides loading and validation of codequeue submission
// manifests.
//
// A submission manifest is an optional job.yaml (or job.json) file at the
// root of a submitted code folder. It carries the metadata the requester
// would otherwise pass on the command line, plus execution hints: the entry
// point, a wall-clock timeout, and ignore globs applied when the folder is
// copied into the queue.
//
// Manifests are validated against a JSON Schema before use. The schema
// enforces strict typing and disallows unknown properties.
//
// Example manifest (YAML):
//
//	version: "1.0"
//	name: county-stats
//	description: Aggregate statistics over the shared dataset
//	tags:
//	  - aggregate-analysis
//	auto_approval: true
//	timeout: 10m
//	ignore:
//	  - ".git/**"
//	  - "**/*.tmp"
package manifest

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// Manifest represents a validated submission manifest.
//
// All fields except Version are optional; ApplyDefaults fills the entry
// point. Explicit submission options supplied by the caller take precedence
// over manifest values.
type Manifest struct {
	// Schema is an optional JSON Schema reference for editor support.
	// Example: "https://schemas.3leaps.dev/codequeue/v1.0.0/job-manifest.schema.json"
	Schema string `json:"$schema,omitempty" yaml:"$schema,omitempty"`

	// Version is the manifest schema version. Must be "1.0".
	Version string `json:"version" yaml:"version"`

	// Name is the human-readable job name. Defaults to the folder name.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Description tells the owner what the job does and why to approve it.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Tags are short labels considered by the approval gate.
	Tags []string `json:"tags,omitempty" yaml:"tags,omitempty"`

	// AutoApproval requests automatic approval. Eligibility only; the
	// owner's policy decides.
	AutoApproval bool `json:"auto_approval,omitempty" yaml:"auto_approval,omitempty"`

	// EntryPoint is the script invoked inside the code folder.
	// Default: "run.sh". Must be a relative path without parent traversal.
	EntryPoint string `json:"entrypoint,omitempty" yaml:"entrypoint,omitempty"`

	// Timeout is the requested wall-clock limit as a Go duration string
	// (e.g. "90s", "10m"). The owner's configured maximum caps it.
	Timeout string `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// Ignore is a list of doublestar glob patterns skipped when the folder
	// is copied into the queue.
	Ignore []string `json:"ignore,omitempty" yaml:"ignore,omitempty"`
}

// Default values for optional manifest fields.
const (
	// DefaultVersion is the current manifest schema version.
	DefaultVersion = "1.0"

	// DefaultEntryPoint is the script invoked when none is configured.
	DefaultEntryPoint = "run.sh"
)

// Filenames probed by LoadFromFolder, in order.
var manifestFileNames = []string{"job.yaml", "job.yml", "job.json"}

// ApplyDefaults fills in default values for optional fields.
//
// This should be called after loading and validating the manifest so
// callers don't need to reason about empty strings.
func (m *Manifest) ApplyDefaults() {
	if m.Version == "" {
		m.Version = DefaultVersion
	}
	if m.EntryPoint == "" {
		m.EntryPoint = DefaultEntryPoint
	}
}

// TimeoutDuration parses the Timeout field. Returns zero when unset.
func (m *Manifest) TimeoutDuration() (time.Duration, error) {
	raw := strings.TrimSpace(m.Timeout)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid timeout %q: %w", m.Timeout, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("timeout must be positive, got %q", m.Timeout)
	}
	return d, nil
}

// CheckIgnorePatterns validates every ignore glob. The schema checks shape,
// not glob syntax, so this runs after schema validation.
func (m *Manifest) CheckIgnorePatterns() error {
	for _, raw := range m.Ignore {
		pattern := strings.TrimSpace(raw)
		if pattern == "" {
			continue
		}
		if !doublestar.ValidatePattern(pattern) {
			return fmt.Errorf("invalid ignore pattern %q", raw)
		}
	}
	return nil
}

// Ignored reports whether the given slash-separated relative path matches
// any ignore pattern. Invalid patterns never match; CheckIgnorePatterns
// catches them at load time.
func (m *Manifest) Ignored(relPath string) bool {
	relPath = filepath.ToSlash(relPath)
	for _, raw := range m.Ignore {
		pattern := strings.TrimSpace(raw)
		if pattern == "" {
			continue
		}
		if ok, err := doublestar.Match(pattern, relPath); err == nil && ok {
			return true
		}
	}
	return false
}
