package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/codequeue/internal/observability"
	"github.com/3leaps/codequeue/pkg/queue"
)

var jobsGCCmd = &cobra.Command{
	Use:   "gc",
	Short: "Delete old terminal jobs",
	Long: `Delete terminal jobs (completed, failed, rejected) older than --max-age.

The running daemon reaps on its own retention schedule; gc is for manual
cleanup and for queues without a daemon.`,
	RunE: runJobsGC,
}

func init() {
	jobsCmd.AddCommand(jobsGCCmd)

	jobsGCCmd.Flags().String("max-age", "24h", "Delete terminal jobs completed at least this long ago")
	jobsGCCmd.Flags().Bool("dry-run", false, "Show what would be deleted without deleting")
}

func runJobsGC(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	maxAgeRaw, _ := cmd.Flags().GetString("max-age")
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	maxAge, err := time.ParseDuration(maxAgeRaw)
	if err != nil || maxAge < 0 {
		return exitError(foundry.ExitInvalidArgument, "Invalid --max-age value",
			fmt.Errorf("want a non-negative duration, got %q", maxAgeRaw))
	}

	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	c, cleanup, err := buildClient(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	cutoff := time.Now().UTC().Add(-maxAge)
	jobs, err := c.ListJobs(ctx, queue.NewTerminalAgeFilter(cutoff))
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Cannot list jobs", err)
	}

	if len(jobs) == 0 {
		_, _ = fmt.Fprintln(os.Stdout, "Nothing to delete")
		return nil
	}

	if dryRun {
		for _, j := range jobs {
			_, _ = fmt.Fprintf(os.Stdout, "would delete %s (%s, %s)\n",
				shortJobID(j.ID), j.Name, j.Status)
		}
		_, _ = fmt.Fprintf(os.Stdout, "%d job(s) would be deleted\n", len(jobs))
		return nil
	}

	deleted := 0
	for _, j := range jobs {
		if err := c.Store().Delete(j.ID); err != nil {
			observability.CLILogger.Warn("Failed to delete job",
				zap.String("job_id", shortJobID(j.ID)),
				zap.Error(err))
			continue
		}
		deleted++
	}
	_, _ = fmt.Fprintf(os.Stdout, "deleted %d of %d job(s)\n", deleted, len(jobs))
	return nil
}
