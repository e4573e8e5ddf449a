package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LocalConfig controls the trusted runner.
type LocalConfig struct {
	// MaxOutputBytes caps each captured stream. Zero means
	// DefaultMaxOutputBytes.
	MaxOutputBytes int64
}

// Local executes the entry point directly with the parent environment plus
// the contract variables. For trusted deployments and tests.
type Local struct {
	cfg LocalConfig

	// execCmdFn can be set in tests to replace the platform exec layer.
	execCmdFn func(ctx context.Context, opts execOpts) (*Result, error)
}

func NewLocal(cfg LocalConfig) *Local {
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = DefaultMaxOutputBytes
	}
	return &Local{cfg: cfg}
}

func (r *Local) Run(ctx context.Context, spec Spec) (*Result, error) {
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
		env:       append(os.Environ(), spec.Env()...),
		maxBytes:  r.cfg.MaxOutputBytes,
		onStart:   spec.OnStart,
	})
}

// resolveEntryPoint confines the entry point to the code dir and verifies
// it exists. A path escaping the submitted folder is refused.
func resolveEntryPoint(spec Spec) (string, error) {
	entry := spec.EntryPoint
	if entry == "" {
		entry = DefaultEntryPoint
	}
	if filepath.IsAbs(entry) {
		return "", fmt.Errorf("entry point must be relative: %s", entry)
	}
	entryPath := filepath.Join(spec.CodeDir, entry)
	rel, err := filepath.Rel(spec.CodeDir, entryPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("entry point escapes code dir: %s", entry)
	}
	if _, err := os.Stat(entryPath); err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("entry point not found: %s", entry)
		}
		return "", fmt.Errorf("entry point %s: %w", entry, err)
	}
	return entryPath, nil
}

// execOpts is the seam between runner variants and the platform exec layer.
type execOpts struct {
	entryPath string
	dir       string
	env       []string
	maxBytes  int64
	onStart   func(pid int)

	// sandbox-only knobs, ignored by the trusted runner
	chroot   string
	uid, gid uint32
}
