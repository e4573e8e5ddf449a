package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/codequeue/internal/observability"
	"github.com/3leaps/codequeue/pkg/events"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Read the queue's audit log",
	Long: `Read the append-only JSONL audit log.

Every lifecycle decision (submitted, approved, rejected, dispatched,
completed, failed, reaped, orphaned) is one line. Corrupt lines are
skipped with a warning.

Example:
  codequeue events
  codequeue events --type approved --json
  codequeue events --follow`,
	RunE: runEvents,
}

func init() {
	rootCmd.AddCommand(eventsCmd)

	eventsCmd.Flags().String("type", "", "Only records of this type (short form like \"approved\" or full envelope type)")
	eventsCmd.Flags().String("job", "", "Only records for this job id (prefix ok)")
	eventsCmd.Flags().Bool("json", false, "Output raw records as JSON lines")
	eventsCmd.Flags().Bool("follow", false, "Keep reading as new records are appended")
}

func runEvents(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	typeFilter, _ := cmd.Flags().GetString("type")
	jobFilter, _ := cmd.Flags().GetString("job")
	jsonOutput, _ := cmd.Flags().GetBool("json")
	follow, _ := cmd.Flags().GetBool("follow")

	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	dataDir, err := cfg.ResolveDataDir()
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Cannot resolve data directory", err)
	}

	path := filepath.Join(dataDir, "events.jsonl")
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			_, _ = fmt.Fprintln(os.Stdout, "No events recorded")
			return nil
		}
		return exitError(foundry.ExitExternalServiceUnavailable, "Cannot open event log", err)
	}
	defer func() { _ = f.Close() }()

	var tw *tabwriter.Writer
	if !jsonOutput {
		tw = tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "TIME\tTYPE\tJOB ID\tDETAIL")
	}

	dec := events.NewDecoder(f)
	for {
		rec, err := dec.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				if !follow {
					break
				}
				if tw != nil {
					_ = tw.Flush()
				}
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(time.Second):
				}
				continue
			}
			// One corrupt line must not end the stream.
			observability.CLILogger.Warn("Skipping corrupt event record")
			continue
		}

		if !matchEventType(rec.Type, typeFilter) {
			continue
		}
		if jobFilter != "" && !strings.HasPrefix(rec.JobID, jobFilter) {
			continue
		}

		if jsonOutput {
			line, err := json.Marshal(rec)
			if err != nil {
				continue
			}
			_, _ = fmt.Fprintln(os.Stdout, string(line))
			continue
		}

		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
			rec.TS.UTC().Format(time.RFC3339),
			shortEventType(rec.Type),
			shortJobID(rec.JobID),
			eventDetail(&rec),
		)
	}

	if tw != nil {
		return tw.Flush()
	}
	return nil
}

// matchEventType accepts both the full envelope type and the short form
// ("approved" matches "codequeue.job.approved.v1").
func matchEventType(recordType, filter string) bool {
	if filter == "" {
		return true
	}
	if recordType == filter {
		return true
	}
	return shortEventType(recordType) == strings.ToLower(strings.TrimSpace(filter))
}

// shortEventType reduces "codequeue.job.approved.v1" to "approved".
func shortEventType(recordType string) string {
	parts := strings.Split(recordType, ".")
	if len(parts) < 2 {
		return recordType
	}
	return parts[len(parts)-2]
}

// eventDetail renders a one-line summary of the record's payload.
func eventDetail(rec *events.Record) string {
	payload, err := rec.Payload()
	if err != nil {
		return "-"
	}
	switch p := payload.(type) {
	case *events.SubmittedEvent:
		return fmt.Sprintf("%s -> %s (%s)", p.Requester, p.Target, p.Name)
	case *events.ApprovedEvent:
		if p.Reason != "" {
			return fmt.Sprintf("via=%s %s", p.Via, p.Reason)
		}
		return "via=" + p.Via
	case *events.RejectedEvent:
		return p.Reason
	case *events.DispatchedEvent:
		return fmt.Sprintf("pid=%d running=%d", p.PID, p.Running)
	case *events.CompletedEvent:
		return fmt.Sprintf("exit=%d duration=%s", p.ExitCode, p.DurationHuman)
	case *events.FailedEvent:
		return p.Message
	case *events.ReapedEvent:
		return "age=" + p.Age
	case *events.OrphanedEvent:
		return p.Message
	case *events.SweepErrorEvent:
		return fmt.Sprintf("sweep=%s %s", p.Sweep, p.Message)
	default:
		return "-"
	}
}
