// Package cmd implements the codequeue command tree.
//
// Commands are thin layers over pkg/client and pkg/scheduler: they load
// configuration, build the store-backed client, run one operation, and
// render the result for humans (tabwriter) or machines (--json).
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/codequeue/internal/config"
	"github.com/3leaps/codequeue/internal/observability"
	"github.com/3leaps/codequeue/pkg/client"
	"github.com/3leaps/codequeue/pkg/events"
	"github.com/3leaps/codequeue/pkg/queue"
)

// versionInfo carries the build-time metadata injected by the linker via
// cmd/codequeue.
var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "unknown",
	BuildDate: "unknown",
}

// SetVersionInfo records the build metadata before Execute runs.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

var rootCmd = &cobra.Command{
	Use:   "codequeue",
	Short: "Cross-boundary code execution queue",
	Long: `codequeue moves code between trust domains instead of moving data.

A requester submits a folder of code addressed to a data owner. The job
waits in the owner's queue until it is approved, runs as a sandboxed
subprocess next to the data, and its output travels back. The queue
directory is the only shared state; sync it with whatever substrate the
deployment already trusts.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if rootLogLevel != "" {
			if err := observability.SetCLILevel(rootLogLevel); err != nil {
				return exitError(foundry.ExitInvalidArgument, "Invalid --log-level", err)
			}
		}
		return nil
	},
}

var (
	rootConfigPath string
	rootLogLevel   string
	rootDataDir    string
	rootIdentity   string
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&rootConfigPath, "config", "c", "", "Path to config file")
	rootCmd.PersistentFlags().StringVar(&rootLogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&rootDataDir, "data-dir", "", "Queue data directory (overrides config)")
	rootCmd.PersistentFlags().StringVar(&rootIdentity, "identity", "", "Acting identity (overrides config)")
}

// Execute runs the command tree and exits the process with the error's
// carried code on failure.
func Execute() {
	ctx := context.Background()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		var coded *codedError
		if errors.As(err, &coded) {
			observability.ExitWithCode(observability.CLILogger, coded.code, coded.message, zap.Error(coded.err))
		}
		observability.ExitWithCode(observability.CLILogger, 1, "Command failed", zap.Error(err))
	}
}

// codedError carries a process exit code alongside the failure.
type codedError struct {
	code    int
	message string
	err     error
}

func (e *codedError) Error() string {
	return fmt.Sprintf("%s: %v (exit code %d)", e.message, e.err, e.code)
}

func (e *codedError) Unwrap() error { return e.err }

// exitError creates an error that will cause the CLI to exit with the given code.
func exitError(code int, message string, err error) error {
	return &codedError{code: code, message: message, err: err}
}

// loadConfig loads configuration with the root flags layered as runtime
// overrides.
func loadConfig(ctx context.Context) (*config.Config, error) {
	overrides := map[string]any{}
	if rootDataDir != "" {
		overrides["queue"] = map[string]any{"data_dir": rootDataDir}
	}
	if rootIdentity != "" {
		q, _ := overrides["queue"].(map[string]any)
		if q == nil {
			q = map[string]any{}
		}
		q["identity"] = rootIdentity
		overrides["queue"] = q
	}
	if rootLogLevel != "" {
		overrides["logging"] = map[string]any{"level": rootLogLevel}
	}

	cfg, err := config.Load(ctx, rootConfigPath, overrides)
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	return cfg, nil
}

// buildStore opens the queue store described by cfg, attaching the SQLite
// status index when enabled.
func buildStore(ctx context.Context, cfg *config.Config, log *zap.Logger) (*queue.Store, func(), error) {
	dataDir, err := cfg.ResolveDataDir()
	if err != nil {
		return nil, nil, exitError(foundry.ExitInvalidArgument, "Cannot resolve data directory", err)
	}

	opts := []queue.StoreOption{queue.WithLogger(log)}
	cleanup := func() {}

	if cfg.Index.Enabled {
		indexPath, err := cfg.ResolveIndexPath()
		if err != nil {
			return nil, nil, exitError(foundry.ExitInvalidArgument, "Cannot resolve index path", err)
		}
		if err := os.MkdirAll(filepath.Dir(indexPath), 0755); err != nil {
			return nil, nil, exitError(foundry.ExitFileWriteError, "Cannot create data directory", err)
		}
		index, err := queue.OpenIndex(ctx, indexPath)
		if err != nil {
			// The index is advisory; a broken one must not block the CLI.
			log.Warn("status index unavailable, continuing without it",
				zap.String("path", indexPath), zap.Error(err))
		} else {
			opts = append(opts, queue.WithIndex(index))
			cleanup = func() { _ = index.Close() }
		}
	}

	return queue.NewStore(dataDir, opts...), cleanup, nil
}

// buildClient assembles the client plus its audit log for one command
// invocation. The returned cleanup closes the event log and the index.
func buildClient(ctx context.Context, cfg *config.Config) (*client.Client, func(), error) {
	log := observability.CLILogger

	store, storeCleanup, err := buildStore(ctx, cfg, log)
	if err != nil {
		return nil, nil, err
	}

	identity := cfg.Queue.Identity
	if identity == "" {
		identity = localIdentity()
	}

	eventLog, err := events.OpenLog(filepath.Join(store.RootDir(), "events.jsonl"), cfg.Queue.Name)
	if err != nil {
		storeCleanup()
		return nil, nil, exitError(foundry.ExitFileWriteError, "Cannot open event log", err)
	}

	c := client.New(store, identity,
		client.WithEvents(eventLog),
		client.WithLogger(log))

	cleanup := func() {
		_ = eventLog.Close()
		storeCleanup()
	}
	return c, cleanup, nil
}

// localIdentity derives a fallback identity for commands that run without
// a configured one (submission-side usage).
func localIdentity() string {
	user := os.Getenv("USER")
	if user == "" {
		user = os.Getenv("USERNAME")
	}
	if user == "" {
		user = "unknown"
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return user + "@" + host
}
