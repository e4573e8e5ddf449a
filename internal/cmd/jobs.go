package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/codequeue/pkg/queue"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and manage queued jobs",
	Long: `Inspect and manage jobs in the queue.

This command group is designed to be agent-friendly:

- stable job ids with table-friendly short prefixes
- predictable on-disk locations
- optional JSON output for machine parsing`,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs",
	RunE:  runJobsList,
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job_id>",
	Short: "Show the full record for a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStatus,
}

var jobsPendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List pending jobs awaiting your decision",
	RunE:  runJobsPending,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsStatusCmd)
	jobsCmd.AddCommand(jobsPendingCmd)

	jobsListCmd.Flags().String("status", "", "Filter by status (pending|approved|running|completed|failed|rejected)")
	jobsListCmd.Flags().String("target", "", "Filter by target identity")
	jobsListCmd.Flags().String("requester", "", "Filter by requester identity pattern (doublestar)")
	jobsListCmd.Flags().String("tag", "", "Filter by tag")
	jobsListCmd.Flags().String("older-than", "", "Only terminal jobs completed at least this long ago (e.g. 24h)")
	jobsListCmd.Flags().Bool("json", false, "Output as JSON")

	jobsStatusCmd.Flags().Bool("json", false, "Output as JSON")
	jobsPendingCmd.Flags().Bool("json", false, "Output as JSON")
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	jsonOutput, _ := cmd.Flags().GetBool("json")

	fcfg := &queue.FilterConfig{}
	fcfg.Status, _ = cmd.Flags().GetString("status")
	fcfg.Target, _ = cmd.Flags().GetString("target")
	fcfg.Requester, _ = cmd.Flags().GetString("requester")
	fcfg.Tag, _ = cmd.Flags().GetString("tag")
	fcfg.OlderThan, _ = cmd.Flags().GetString("older-than")

	filters, err := queue.NewFiltersFromConfig(fcfg, time.Now().UTC())
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid filter", err)
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

	jobs, err := c.ListJobs(ctx, filters...)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Cannot list jobs", err)
	}

	return renderJobList(jobs, jsonOutput)
}

func runJobsPending(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	jsonOutput, _ := cmd.Flags().GetBool("json")

	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	c, cleanup, err := buildClient(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	jobs, err := c.ListPending(ctx, "")
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Cannot list pending jobs", err)
	}

	return renderJobList(jobs, jsonOutput)
}

func renderJobList(jobs []*queue.Job, jsonOutput bool) error {
	if len(jobs) == 0 {
		_, _ = fmt.Fprintln(os.Stdout, "No jobs found")
		return nil
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(jobs)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "JOB ID\tNAME\tSTATUS\tREQUESTER\tTARGET\tCREATED\tCOMPLETED")
	for _, j := range jobs {
		name := j.Name
		if name == "" {
			name = "-"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			shortJobID(j.ID),
			name,
			j.Status,
			j.Requester,
			j.Target,
			j.CreatedAt.UTC().Format(time.RFC3339),
			formatOptionalTime(j.CompletedAt),
		)
	}
	return nil
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	jsonOutput, _ := cmd.Flags().GetBool("json")

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

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(job)
	}

	_, _ = fmt.Fprintf(os.Stdout, "job_id=%s\n", job.ID)
	_, _ = fmt.Fprintf(os.Stdout, "name=%s\n", job.Name)
	if job.Description != "" {
		_, _ = fmt.Fprintf(os.Stdout, "description=%s\n", job.Description)
	}
	_, _ = fmt.Fprintf(os.Stdout, "status=%s\n", job.Status)
	_, _ = fmt.Fprintf(os.Stdout, "requester=%s\n", job.Requester)
	_, _ = fmt.Fprintf(os.Stdout, "target=%s\n", job.Target)
	if len(job.Tags) > 0 {
		_, _ = fmt.Fprintf(os.Stdout, "tags=%s\n", strings.Join(job.Tags, ","))
	}
	_, _ = fmt.Fprintf(os.Stdout, "auto_approval=%v\n", job.AutoApproval)
	_, _ = fmt.Fprintf(os.Stdout, "created_at=%s\n", job.CreatedAt.UTC().Format(time.RFC3339))
	if job.StartedAt != nil {
		_, _ = fmt.Fprintf(os.Stdout, "started_at=%s\n", job.StartedAt.UTC().Format(time.RFC3339))
	}
	if job.CompletedAt != nil {
		_, _ = fmt.Fprintf(os.Stdout, "completed_at=%s\n", job.CompletedAt.UTC().Format(time.RFC3339))
	}
	if job.ExitCode != nil {
		_, _ = fmt.Fprintf(os.Stdout, "exit_code=%d\n", *job.ExitCode)
	}
	if job.ErrorMessage != "" {
		_, _ = fmt.Fprintf(os.Stdout, "error=%s\n", job.ErrorMessage)
	}
	if job.OutputLocation != "" {
		_, _ = fmt.Fprintf(os.Stdout, "output=%s\n", job.OutputLocation)
	}
	if job.ArchiveLocation != "" {
		_, _ = fmt.Fprintf(os.Stdout, "archive=%s\n", job.ArchiveLocation)
	}
	return nil
}

// jobLookupError maps id resolution failures onto exit codes.
func jobLookupError(id string, err error) error {
	switch {
	case queue.IsNotFound(err):
		return exitError(foundry.ExitInvalidArgument, fmt.Sprintf("Job not found: %s", id), err)
	case queue.IsAmbiguousID(err):
		return exitError(foundry.ExitInvalidArgument, fmt.Sprintf("Job id prefix is ambiguous: %s", id), err)
	default:
		return exitError(foundry.ExitExternalServiceUnavailable, "Cannot load job", err)
	}
}

func shortJobID(jobID string) string {
	jobID = strings.TrimSpace(jobID)
	if len(jobID) <= 12 {
		return jobID
	}
	return jobID[:12]
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
