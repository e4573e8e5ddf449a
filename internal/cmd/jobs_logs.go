package cmd

import (
	"fmt"
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
)

var jobsLogsCmd = &cobra.Command{
	Use:   "logs <job_id>",
	Short: "Show captured logs for a job",
	Long: `Show a job's captured stdout and stderr.

Logs exist once the job has run. By default the full stdout stream is
printed; --stream selects stderr or both, --tail limits to the last N
lines.`,
	Args: cobra.ExactArgs(1),
	RunE: runJobsLogs,
}

func init() {
	jobsCmd.AddCommand(jobsLogsCmd)

	jobsLogsCmd.Flags().String("stream", "stdout", "Log stream: stdout, stderr, or both")
	jobsLogsCmd.Flags().Int("tail", 0, "Show last N lines (0 = full stream)")
}

func runJobsLogs(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	stream, _ := cmd.Flags().GetString("stream")
	tail, _ := cmd.Flags().GetInt("tail")

	switch stream {
	case "stdout", "stderr", "both":
	default:
		return exitError(foundry.ExitInvalidArgument, "Invalid --stream value",
			fmt.Errorf("unsupported stream: %s", stream))
	}
	if tail < 0 {
		return exitError(foundry.ExitInvalidArgument, "Invalid --tail value",
			fmt.Errorf("tail must be >= 0, got %d", tail))
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

	job, err := c.GetJob(ctx, args[0])
	if err != nil {
		return jobLookupError(args[0], err)
	}

	printStream := func(stderrStream bool) error {
		content, err := c.TailLogs(ctx, job.ID, tail, stderrStream)
		if err != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "Cannot read logs", err)
		}
		_, _ = fmt.Fprint(os.Stdout, content)
		return nil
	}

	if stream == "stdout" || stream == "both" {
		if err := printStream(false); err != nil {
			return err
		}
	}
	if stream == "stderr" || stream == "both" {
		if stream == "both" {
			_, _ = fmt.Fprintln(os.Stdout, "--- stderr ---")
		}
		if err := printStream(true); err != nil {
			return err
		}
	}
	return nil
}
