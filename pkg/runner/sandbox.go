package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// DefaultAllowedEnv is the environment allow-list for sandboxed execution.
// Everything else from the parent environment is dropped.
var DefaultAllowedEnv = []string{"PATH", "LANG", "TZ"}

// SandboxConfig controls the confined runner.
type SandboxConfig struct {
	// MaxOutputBytes caps each captured stream. Zero means
	// DefaultMaxOutputBytes.
	MaxOutputBytes int64

	// AllowedEnv lists parent environment variables passed through.
	// Empty means DefaultAllowedEnv. The contract variables are always
	// injected, and HOME/TMPDIR are pinned inside the job directory.
	AllowedEnv []string

	// Chroot, when set, confines the subprocess filesystem root (unix,
	// requires privileges).
	Chroot string

	// UID/GID, when non-zero, drop the subprocess credentials (unix,
	// requires privileges).
	UID uint32
	GID uint32
}

// Sandbox executes the entry point with a scrubbed environment and a
// working directory confined to the job folder. On unix the process runs
// in a fresh process group and can additionally be chrooted or de-privileged.
type Sandbox struct {
	cfg SandboxConfig

	// execCmdFn can be set in tests to replace the platform exec layer.
	execCmdFn func(ctx context.Context, opts execOpts) (*Result, error)
}

func NewSandbox(cfg SandboxConfig) (*Sandbox, error) {
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = DefaultMaxOutputBytes
	}
	if len(cfg.AllowedEnv) == 0 {
		cfg.AllowedEnv = DefaultAllowedEnv
	}
	if runtime.GOOS == "windows" && (cfg.Chroot != "" || cfg.UID != 0 || cfg.GID != 0) {
		return nil, fmt.Errorf("chroot and credential drops require a unix host")
	}
	return &Sandbox{cfg: cfg}, nil
}

func (r *Sandbox) Run(ctx context.Context, spec Spec) (*Result, error) {
	if err := validateSpec(spec); err != nil {
		return nil, fmt.Errorf("runner spec: %w", err)
	}
	entryPath, err := resolveEntryPoint(spec)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(spec.OutputDir, 0755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	execFn := r.execCmdFn
	if execFn == nil {
		execFn = execCmd
	}
	return execFn(ctx, execOpts{
		entryPath: entryPath,
		dir:       spec.CodeDir,
		env:       r.scrubbedEnv(spec),
		maxBytes:  r.cfg.MaxOutputBytes,
		onStart:   spec.OnStart,
		chroot:    r.cfg.Chroot,
		uid:       r.cfg.UID,
		gid:       r.cfg.GID,
	})
}

// scrubbedEnv builds the confined environment: allow-listed parent
// variables, HOME and TMPDIR pinned to the job directory, then the
// contract variables.
func (r *Sandbox) scrubbedEnv(spec Spec) []string {
	var env []string
	for _, name := range r.cfg.AllowedEnv {
		if value, ok := os.LookupEnv(name); ok {
			env = append(env, name+"="+value)
		}
	}

	jobDir := filepath.Dir(strings.TrimSuffix(spec.CodeDir, string(filepath.Separator)))
	env = append(env,
		"HOME="+jobDir,
		"TMPDIR="+spec.OutputDir,
	)
	return append(env, spec.Env()...)
}
