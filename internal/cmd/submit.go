package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/codequeue/internal/observability"
	"github.com/3leaps/codequeue/pkg/client"
)

var submitCmd = &cobra.Command{
	Use:   "submit <folder>",
	Short: "Submit a code folder to a data owner's queue",
	Long: `Submit a folder of code to a data owner's queue.

The folder must contain the entry point script (run.sh by default) and may
carry a job.yaml manifest with name, tags, entrypoint, timeout, and ignore
globs. Explicit flags win over manifest values. The job waits as pending
until the owner approves it.

Example:
  codequeue submit ./analysis --to owner@lab.example
  codequeue submit ./analysis --to owner@lab.example --tag privacy-safe --auto-approve
  codequeue submit ./analysis --to owner@lab.example --wait`,
	Args: cobra.ExactArgs(1),
	RunE: runSubmit,
}

var (
	submitTarget      string
	submitName        string
	submitDescription string
	submitTags        []string
	submitAutoApprove bool
	submitEntryPoint  string
	submitTimeout     time.Duration
	submitWait        bool
	submitJSON        bool
)

func init() {
	rootCmd.AddCommand(submitCmd)

	submitCmd.Flags().StringVar(&submitTarget, "to", "", "Owner identity to submit to (required)")
	submitCmd.Flags().StringVar(&submitName, "name", "", "Job name (default: manifest name or folder name)")
	submitCmd.Flags().StringVar(&submitDescription, "description", "", "Job description")
	submitCmd.Flags().StringSliceVar(&submitTags, "tag", nil, "Job tag (repeatable)")
	submitCmd.Flags().BoolVar(&submitAutoApprove, "auto-approve", false, "Request auto-approval evaluation")
	submitCmd.Flags().StringVar(&submitEntryPoint, "entry-point", "", "Entry point script relative to the folder")
	submitCmd.Flags().DurationVar(&submitTimeout, "timeout", 0, "Execution timeout (e.g. 10m)")
	submitCmd.Flags().BoolVar(&submitWait, "wait", false, "Block until the job reaches a terminal state")
	submitCmd.Flags().BoolVar(&submitJSON, "json", false, "Output the job record as JSON")

	_ = submitCmd.MarkFlagRequired("to")
}

func runSubmit(cmd *cobra.Command, args []string) error {
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

	job, err := c.Submit(ctx, args[0], client.SubmitOptions{
		Target:       submitTarget,
		Name:         submitName,
		Description:  submitDescription,
		Tags:         submitTags,
		AutoApproval: submitAutoApprove,
		EntryPoint:   submitEntryPoint,
		Timeout:      submitTimeout,
	})
	if err != nil {
		observability.CLILogger.Error("Submission failed",
			zap.String("folder", args[0]),
			zap.Error(err))
		return exitError(foundry.ExitInvalidArgument, "Submission failed", err)
	}

	if submitWait {
		observability.CLILogger.Info("Waiting for completion",
			zap.String("job_id", shortJobID(job.ID)))
		job, err = c.WaitForCompletion(ctx, job.ID, cfg.Queue.PollInterval)
		if err != nil {
			if ctx.Err() != nil {
				return exitError(foundry.ExitSignalInt, "Wait interrupted", err)
			}
			return exitError(foundry.ExitExternalServiceUnavailable, "Wait failed", err)
		}
	}

	if submitJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(job)
	}

	_, _ = fmt.Fprintf(os.Stdout, "job_id=%s\n", job.ID)
	_, _ = fmt.Fprintf(os.Stdout, "name=%s\n", job.Name)
	_, _ = fmt.Fprintf(os.Stdout, "target=%s\n", job.Target)
	_, _ = fmt.Fprintf(os.Stdout, "status=%s\n", job.Status)
	if job.CodeDigest != "" {
		_, _ = fmt.Fprintf(os.Stdout, "code_digest=%s\n", job.CodeDigest)
	}
	return nil
}
