package cmd

import (
	"fmt"
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/codequeue/pkg/queue"
)

var jobsApproveCmd = &cobra.Command{
	Use:   "approve <job_id>",
	Short: "Approve a pending job",
	Long: `Approve a pending job for execution.

Approval is the trust decision: once approved, the scheduler will run the
submitted code as a subprocess. Only pending jobs can be approved.`,
	Args: cobra.ExactArgs(1),
	RunE: runJobsApprove,
}

var jobsRejectCmd = &cobra.Command{
	Use:   "reject <job_id>",
	Short: "Reject a pending or approved job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsReject,
}

func init() {
	jobsCmd.AddCommand(jobsApproveCmd)
	jobsCmd.AddCommand(jobsRejectCmd)

	jobsRejectCmd.Flags().String("reason", "", "Reason recorded on the job (default: \"Rejected by data owner\")")
}

func runJobsApprove(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	c, cleanup, err := buildClient(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	job, err := c.Approve(ctx, args[0])
	if err != nil {
		if queue.IsInvalidTransition(err) {
			return exitError(foundry.ExitInvalidArgument, "Job cannot be approved in its current state", err)
		}
		return jobLookupError(args[0], err)
	}

	_, _ = fmt.Fprintf(os.Stdout, "approved %s (%s)\n", shortJobID(job.ID), job.Name)
	return nil
}

func runJobsReject(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	reason, _ := cmd.Flags().GetString("reason")

	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	c, cleanup, err := buildClient(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	job, err := c.Reject(ctx, args[0], reason)
	if err != nil {
		if queue.IsInvalidTransition(err) {
			return exitError(foundry.ExitInvalidArgument, "Job cannot be rejected in its current state", err)
		}
		return jobLookupError(args[0], err)
	}

	_, _ = fmt.Fprintf(os.Stdout, "rejected %s (%s): %s\n", shortJobID(job.ID), job.Name, job.ErrorMessage)
	return nil
}
