package cmd

import (
	"fmt"
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/codequeue/pkg/queue"
)

var jobsOutputCmd = &cobra.Command{
	Use:   "output <job_id>",
	Short: "Show or collect a job's output",
	Long: `Show the path of a job's output directory, or copy its contents.

Without --dest the output directory path is printed. With --dest the
whole output tree is copied there, creating the destination if needed.`,
	Args: cobra.ExactArgs(1),
	RunE: runJobsOutput,
}

func init() {
	jobsCmd.AddCommand(jobsOutputCmd)

	jobsOutputCmd.Flags().String("dest", "", "Copy output into this directory")
}

func runJobsOutput(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	dest, _ := cmd.Flags().GetString("dest")

	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	c, cleanup, err := buildClient(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	if dest == "" {
		dir, err := c.OutputDir(ctx, args[0])
		if err != nil {
			if queue.IsNotFound(err) {
				return exitError(foundry.ExitInvalidArgument, "Job has no output yet", err)
			}
			return jobLookupError(args[0], err)
		}
		_, _ = fmt.Fprintln(os.Stdout, dir)
		return nil
	}

	if err := c.CollectOutput(ctx, args[0], dest); err != nil {
		if queue.IsNotFound(err) {
			return exitError(foundry.ExitInvalidArgument, "Job has no output yet", err)
		}
		return exitError(foundry.ExitFileWriteError, "Cannot collect output", err)
	}
	_, _ = fmt.Fprintf(os.Stdout, "output copied to %s\n", dest)
	return nil
}
