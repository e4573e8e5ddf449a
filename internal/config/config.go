// Package config loads the codequeue configuration.
//
// Precedence, lowest to highest: built-in defaults, an optional YAML config
// file, CODEQUEUE_* environment variables, runtime overrides passed by the
// caller. Durations are plain strings in file and environment form ("30s",
// "5m") and decode via mapstructure hooks.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config is the full configuration surface.
type Config struct {
	Queue    QueueConfig    `mapstructure:"queue"`
	Approval ApprovalConfig `mapstructure:"approval"`
	Runner   RunnerConfig   `mapstructure:"runner"`
	Index    IndexConfig    `mapstructure:"index"`
	Archive  ArchiveConfig  `mapstructure:"archive"`
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// QueueConfig configures the engine and the store.
type QueueConfig struct {
	// Name namespaces the on-disk queue and the audit records.
	Name string `mapstructure:"name"`

	// DataDir is the queue root. Empty resolves to the platform user data
	// directory plus the queue name.
	DataDir string `mapstructure:"data_dir"`

	// Identity is the owner identity this process serves. Required for the
	// daemon; submission-side commands take it per call.
	Identity string `mapstructure:"identity"`

	MaxConcurrentJobs   int           `mapstructure:"max_concurrent_jobs"`
	JobTimeout          time.Duration `mapstructure:"job_timeout"`
	CleanupRetention    time.Duration `mapstructure:"cleanup_retention"`
	PollInterval        time.Duration `mapstructure:"poll_interval"`
	ErrorBackoffInitial time.Duration `mapstructure:"error_backoff_initial"`
	ErrorBackoffMax     time.Duration `mapstructure:"error_backoff_max"`
}

// ApprovalConfig configures the auto-approval gate.
type ApprovalConfig struct {
	// Auto enables the auto-approval subsystem. Off by default: every job
	// waits for a manual decision.
	Auto bool `mapstructure:"auto"`

	// SafeTags and TrustedIdentities feed the gate's default policy.
	// Empty slices keep the gate's built-in defaults.
	SafeTags          []string `mapstructure:"safe_tags"`
	TrustedIdentities []string `mapstructure:"trusted_identities"`
}

// RunnerConfig selects and configures the subprocess runner.
type RunnerConfig struct {
	// Kind is "local" or "sandbox".
	Kind string `mapstructure:"kind"`

	// MaxOutputBytes caps each captured stream.
	MaxOutputBytes int64 `mapstructure:"max_output_bytes"`

	Sandbox SandboxConfig `mapstructure:"sandbox"`
}

// SandboxConfig holds the sandbox runner's isolation knobs.
type SandboxConfig struct {
	AllowedEnv []string `mapstructure:"allowed_env"`
	Chroot     string   `mapstructure:"chroot"`
	UID        int      `mapstructure:"uid"`
	GID        int      `mapstructure:"gid"`
}

// IndexConfig configures the SQLite status index.
type IndexConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// Path of the index database. Empty resolves to <data_dir>/index.db.
	Path string `mapstructure:"path"`
}

// ArchiveConfig configures terminal-job artifact archival.
type ArchiveConfig struct {
	// Backend is "none", "local", or "s3".
	Backend string `mapstructure:"backend"`

	LocalDir string          `mapstructure:"local_dir"`
	S3       ArchiveS3Config `mapstructure:"s3"`

	// Preflight is "skip", "stat", or "write-probe".
	Preflight string `mapstructure:"preflight"`

	// RateLimit caps requests per second against the backend (0 = unlimited).
	RateLimit float64 `mapstructure:"rate_limit"`
}

// ArchiveS3Config holds S3 / S3-compatible backend settings.
type ArchiveS3Config struct {
	Bucket          string `mapstructure:"bucket"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	PathStyle       bool   `mapstructure:"path_style"`
}

// ServerConfig configures the owner-side HTTP admin API.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig configures the zap profiles.
type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`
}

// ResolveDataDir returns the queue root, deriving the platform default when
// data_dir is unset.
func (c *Config) ResolveDataDir() (string, error) {
	if c.Queue.DataDir != "" {
		return c.Queue.DataDir, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		home, homeErr := os.UserHomeDir()
		if homeErr != nil {
			return "", fmt.Errorf("resolve data dir: %w", err)
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "codequeue", c.Queue.Name), nil
}

// ResolveIndexPath returns the index database path, deriving the default
// from the data dir when index.path is unset.
func (c *Config) ResolveIndexPath() (string, error) {
	if c.Index.Path != "" {
		return c.Index.Path, nil
	}
	dataDir, err := c.ResolveDataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dataDir, "index.db"), nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Queue.Name == "" {
		return fmt.Errorf("queue.name is required")
	}
	if c.Queue.MaxConcurrentJobs < 1 {
		return fmt.Errorf("queue.max_concurrent_jobs must be >= 1, got %d", c.Queue.MaxConcurrentJobs)
	}
	if c.Queue.JobTimeout <= 0 {
		return fmt.Errorf("queue.job_timeout must be positive")
	}
	if c.Queue.CleanupRetention <= 0 {
		return fmt.Errorf("queue.cleanup_retention must be positive")
	}
	switch c.Runner.Kind {
	case "local", "sandbox":
	default:
		return fmt.Errorf("runner.kind must be local or sandbox, got %q", c.Runner.Kind)
	}
	switch c.Archive.Backend {
	case "none", "local", "s3":
	default:
		return fmt.Errorf("archive.backend must be none, local, or s3, got %q", c.Archive.Backend)
	}
	switch c.Archive.Preflight {
	case "skip", "stat", "write-probe":
	default:
		return fmt.Errorf("archive.preflight must be skip, stat, or write-probe, got %q", c.Archive.Preflight)
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0-65535, got %d", c.Server.Port)
	}
	return nil
}
