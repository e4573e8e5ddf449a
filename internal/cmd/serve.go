package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/codequeue/internal/config"
	"github.com/3leaps/codequeue/internal/observability"
	"github.com/3leaps/codequeue/internal/server"
	"github.com/3leaps/codequeue/internal/server/handlers"
	"github.com/3leaps/codequeue/pkg/archive"
	"github.com/3leaps/codequeue/pkg/client"
	"github.com/3leaps/codequeue/pkg/events"
	"github.com/3leaps/codequeue/pkg/policy"
	"github.com/3leaps/codequeue/pkg/queue"
	"github.com/3leaps/codequeue/pkg/runner"
	"github.com/3leaps/codequeue/pkg/scheduler"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the owner-side daemon",
	Long: `Run the owner-side daemon: the scheduler engine plus the HTTP admin API.

The engine polls the queue, offers pending jobs to the approval gate,
executes approved jobs as subprocesses bounded by the concurrency limit,
and reaps old terminal jobs. The HTTP API (localhost by default) serves
health probes and the jobs surface.

Example:
  codequeue serve --identity owner@lab.example
  codequeue serve --once`,
	RunE: runServe,
}

var serveOnce bool

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().BoolVar(&serveOnce, "once", false, "Run exactly one sweep iteration and exit")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	if cfg.Queue.Identity == "" {
		return exitError(foundry.ExitInvalidArgument, "Owner identity is required",
			fmt.Errorf("set queue.identity, CODEQUEUE_IDENTITY, or --identity"))
	}

	log, err := observability.NewLogger(cfg.Logging.Level, cfg.Logging.Profile)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid logging configuration", err)
	}
	defer func() { _ = log.Sync() }()

	store, storeCleanup, err := buildStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer storeCleanup()

	eventLog, err := events.OpenLog(filepath.Join(store.RootDir(), "events.jsonl"), cfg.Queue.Name)
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Cannot open event log", err)
	}
	defer func() { _ = eventLog.Close() }()

	gate, err := policy.New(policy.Config{
		Enabled:           cfg.Approval.Auto,
		SafeTags:          cfg.Approval.SafeTags,
		TrustedIdentities: cfg.Approval.TrustedIdentities,
	}, policy.WithLogger(log))
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid approval policy", err)
	}

	run, err := buildRunner(cfg)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid runner configuration", err)
	}

	archiver, err := buildArchiver(ctx, cfg)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Cannot initialize archive backend", err)
	}
	if archiver != nil {
		defer func() { _ = archiver.Close() }()

		report, err := archive.Preflight(ctx, archiver, archive.Mode(cfg.Archive.Preflight))
		if err != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "Archive preflight failed", err)
		}
		log.Info("archive preflight passed",
			zap.String("mode", report.Mode),
			zap.Int("checks", len(report.Results)))
	}

	engine, err := scheduler.New(scheduler.Config{
		Queue:             cfg.Queue.Name,
		Identity:          cfg.Queue.Identity,
		MaxConcurrentJobs: cfg.Queue.MaxConcurrentJobs,
		JobTimeout:        cfg.Queue.JobTimeout,
		RetentionWindow:   cfg.Queue.CleanupRetention,
		PollInterval:      cfg.Queue.PollInterval,
		InitialBackoff:    cfg.Queue.ErrorBackoffInitial,
		MaxBackoff:        cfg.Queue.ErrorBackoffMax,
	}, scheduler.Deps{
		Store:    store,
		Runner:   run,
		Gate:     gate,
		Events:   eventLog,
		Archiver: archiver,
		Logger:   log,
	})
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Cannot build scheduler", err)
	}

	if serveOnce {
		if err := engine.RunSweep(ctx); err != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "Sweep failed", err)
		}
		log.Info("sweep complete")
		return nil
	}

	// HTTP admin API over the same store the engine polls.
	handlers.SetVersionInfo(versionInfo.Version, versionInfo.Commit, versionInfo.BuildDate)
	handlers.InitHealthManager(versionInfo.Version)
	hm := handlers.GetHealthManager()
	hm.RegisterChecker("store", storeHealthChecker{store: store})

	apiClient := client.New(store, cfg.Queue.Identity,
		client.WithEvents(eventLog),
		client.WithLogger(log))
	srv := server.New(cfg.Server.Host, cfg.Server.Port,
		server.WithJobsAPI(handlers.NewJobsAPI(apiClient, log)),
		server.WithLogger(log),
		server.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout,
			cfg.Server.IdleTimeout, cfg.Server.ShutdownTimeout))

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine.Start(runCtx)

	serverErr := make(chan error, 1)
	go func() { serverErr <- srv.Start() }()

	select {
	case <-runCtx.Done():
		log.Info("shutting down")
	case err := <-serverErr:
		if err != nil {
			log.Error("http server failed", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown incomplete", zap.Error(err))
	}
	if err := engine.Stop(shutdownCtx); err != nil {
		log.Warn("engine drain incomplete", zap.Error(err))
		return exitError(foundry.ExitSignalInt, "Shutdown incomplete", err)
	}
	return nil
}

// buildRunner selects the subprocess runner from config.
func buildRunner(cfg *config.Config) (runner.Runner, error) {
	switch cfg.Runner.Kind {
	case "local":
		return runner.NewLocal(runner.LocalConfig{
			MaxOutputBytes: cfg.Runner.MaxOutputBytes,
		}), nil
	case "sandbox":
		return runner.NewSandbox(runner.SandboxConfig{
			MaxOutputBytes: cfg.Runner.MaxOutputBytes,
			AllowedEnv:     cfg.Runner.Sandbox.AllowedEnv,
			Chroot:         cfg.Runner.Sandbox.Chroot,
			UID:            uint32(cfg.Runner.Sandbox.UID),
			GID:            uint32(cfg.Runner.Sandbox.GID),
		})
	default:
		return nil, fmt.Errorf("unknown runner kind %q", cfg.Runner.Kind)
	}
}

// buildArchiver selects the archive backend from config. Returns nil for
// backend "none": the engine treats a nil archiver as archival disabled.
func buildArchiver(ctx context.Context, cfg *config.Config) (archive.Archiver, error) {
	switch cfg.Archive.Backend {
	case "none", "":
		return nil, nil
	case "local":
		return archive.NewLocal(archive.LocalConfig{BaseDir: cfg.Archive.LocalDir})
	case "s3":
		return archive.NewS3(ctx, archive.S3Config{
			Bucket:          cfg.Archive.S3.Bucket,
			Region:          cfg.Archive.S3.Region,
			Endpoint:        cfg.Archive.S3.Endpoint,
			AccessKeyID:     cfg.Archive.S3.AccessKeyID,
			SecretAccessKey: cfg.Archive.S3.SecretAccessKey,
			ForcePathStyle:  cfg.Archive.S3.PathStyle,
			RateLimit:       cfg.Archive.RateLimit,
		})
	default:
		return nil, fmt.Errorf("unknown archive backend %q", cfg.Archive.Backend)
	}
}

// storeHealthChecker verifies the queue directory is reachable.
type storeHealthChecker struct {
	store *queue.Store
}

func (c storeHealthChecker) CheckHealth(ctx context.Context) error {
	_ = ctx
	if _, err := c.store.List(); err != nil {
		return fmt.Errorf("queue store unavailable: %w", err)
	}
	return nil
}
