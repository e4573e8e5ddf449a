package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/codequeue/pkg/queue"
)

var jobsWaitCmd = &cobra.Command{
	Use:   "wait <job_id>",
	Short: "Block until a job reaches a terminal state",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsWait,
}

func init() {
	jobsCmd.AddCommand(jobsWaitCmd)

	jobsWaitCmd.Flags().Duration("poll-interval", 2*time.Second, "Polling interval")
	jobsWaitCmd.Flags().Duration("timeout", 0, "Give up after this long (0 = wait forever)")
	jobsWaitCmd.Flags().Bool("json", false, "Output the final record as JSON")
}

func runJobsWait(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	pollInterval, _ := cmd.Flags().GetDuration("poll-interval")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
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

	job, err := c.WaitForCompletion(ctx, args[0], pollInterval)
	if err != nil {
		if ctx.Err() != nil {
			return exitError(foundry.ExitSignalInt, "Wait interrupted", err)
		}
		return jobLookupError(args[0], err)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(job)
	}

	_, _ = fmt.Fprintf(os.Stdout, "job_id=%s\n", job.ID)
	_, _ = fmt.Fprintf(os.Stdout, "status=%s\n", job.Status)
	if job.ExitCode != nil {
		_, _ = fmt.Fprintf(os.Stdout, "exit_code=%d\n", *job.ExitCode)
	}
	if job.ErrorMessage != "" {
		_, _ = fmt.Fprintf(os.Stdout, "error=%s\n", job.ErrorMessage)
	}

	if job.Status != queue.StatusCompleted {
		return exitError(foundry.ExitExternalServiceUnavailable,
			fmt.Sprintf("Job finished %s", job.Status),
			fmt.Errorf("job %s: %s", shortJobID(job.ID), job.ErrorMessage))
	}
	return nil
}
