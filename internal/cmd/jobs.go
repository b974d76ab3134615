package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/3leaps/gotrainer/pkg/jobregistry"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and manage training jobs",
	Long: `Inspect and manage training job records directly from the job store.

These commands do not need a running server:

- job ids can be shortened to any unique prefix
- --json or --output yaml gives machine-readable output
- 'jobs stop' is the operator path for workers left running after a restart`,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List training jobs",
	RunE:  runJobsList,
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job_id>",
	Short: "Show status for a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStatus,
}

var jobsStopCmd = &cobra.Command{
	Use:   "stop <job_id>",
	Short: "Stop a running job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStop,
}

var jobsLogsCmd = &cobra.Command{
	Use:   "logs <job_id>",
	Short: "Show logs for a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsLogs,
}

var jobsGCCmd = &cobra.Command{
	Use:   "gc",
	Short: "Garbage collect old job records",
	RunE:  runJobsGC,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsStatusCmd)
	jobsCmd.AddCommand(jobsStopCmd)
	jobsCmd.AddCommand(jobsLogsCmd)
	jobsCmd.AddCommand(jobsGCCmd)

	for _, c := range []*cobra.Command{jobsListCmd, jobsStatusCmd} {
		c.Flags().Bool("json", false, "Output as JSON")
		c.Flags().StringP("output", "o", "table", "Output format: table, json, or yaml")
	}
	jobsListCmd.Flags().String("status", "", "Only show jobs in this status")
	jobsListCmd.Flags().String("user", "", "Only show jobs owned by this user id")
	jobsStopCmd.Flags().String("signal", "term", "Signal to send: term or kill")
	jobsStopCmd.Flags().Duration("wait", 30*time.Second, "How long to wait after SIGTERM before sending SIGKILL")
	jobsLogsCmd.Flags().String("stream", "stdout", "Log stream: stdout, stderr, or both")
	jobsLogsCmd.Flags().Int("tail", 200, "Show last N lines (0 = all)")
	jobsLogsCmd.Flags().Bool("follow", false, "Follow log output")
	jobsGCCmd.Flags().String("max-age", "", "Delete finished jobs older than this duration (default: jobs.gc_max_age)")
	jobsGCCmd.Flags().Bool("dry-run", false, "Show how many jobs would be deleted")
	jobsGCCmd.Flags().Bool("json", false, "Output as JSON")
}

// outputFormat resolves --json and --output into table, json or yaml.
func outputFormat(cmd *cobra.Command) (string, error) {
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return "json", nil
	}
	format, _ := cmd.Flags().GetString("output")
	format = strings.ToLower(strings.TrimSpace(format))
	switch format {
	case "", "table":
		return "table", nil
	case "json", "yaml":
		return format, nil
	default:
		return "", exitError(foundry.ExitInvalidArgument, "invalid --output", fmt.Errorf("%q (expected table, json, or yaml)", format))
	}
}

// writeStructured encodes v as JSON or YAML. YAML keys follow the JSON
// field names.
func writeStructured(w io.Writer, format string, v any) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return err
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	defer func() { _ = enc.Close() }()
	return enc.Encode(generic)
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	format, err := outputFormat(cmd)
	if err != nil {
		return err
	}
	cfg, err := loadedConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	jobs, err := store.List(cmd.Context())
	if err != nil {
		return err
	}

	statusFilter, _ := cmd.Flags().GetString("status")
	userFilter, _ := cmd.Flags().GetString("user")
	if statusFilter != "" || userFilter != "" {
		var want jobregistry.Status
		if statusFilter != "" {
			var ok bool
			if want, ok = jobregistry.ParseStatus(statusFilter); !ok {
				return exitError(foundry.ExitInvalidArgument, "invalid --status", fmt.Errorf("%q", statusFilter))
			}
		}
		filtered := jobs[:0]
		for _, j := range jobs {
			if want != "" && j.Status != want {
				continue
			}
			if userFilter != "" && j.UserID != userFilter {
				continue
			}
			filtered = append(filtered, j)
		}
		jobs = filtered
	}

	if format != "table" {
		if jobs == nil {
			jobs = []jobregistry.JobRecord{}
		}
		return writeStructured(os.Stdout, format, jobs)
	}
	if len(jobs) == 0 {
		_, _ = fmt.Fprintln(os.Stdout, "No jobs found")
		return nil
	}
	printJobsTable(os.Stdout, jobs)
	return nil
}

func printJobsTable(out io.Writer, jobs []jobregistry.JobRecord) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "JOB ID\tSTATUS\tPROGRESS\tEPOCH\tLOSS\tUSER\tCREATED\tENDED\tWORKER")
	for _, j := range jobs {
		epoch := "-"
		if j.Metrics.TotalEpochs > 0 {
			epoch = fmt.Sprintf("%d/%d", j.Metrics.Epoch, j.Metrics.TotalEpochs)
		}
		loss := "-"
		if j.Metrics.Loss != nil {
			loss = fmt.Sprintf("%.4f", *j.Metrics.Loss)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d%%\t%s\t%s\t%s\t%s\t%s\t%s\n",
			j.JobID,
			j.Status,
			j.Progress,
			epoch,
			loss,
			orDash(j.UserID),
			j.CreatedAt.UTC().Format(time.RFC3339),
			formatOptionalTime(j.EndedAt()),
			orDash(j.Worker),
		)
	}
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	format, err := outputFormat(cmd)
	if err != nil {
		return err
	}
	cfg, err := loadedConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	resolvedID, err := resolveJobID(cmd.Context(), store, args[0])
	if err != nil {
		return err
	}
	rec, err := store.Get(cmd.Context(), resolvedID)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "read job", err)
	}

	if format != "table" {
		return writeStructured(os.Stdout, format, rec)
	}
	printJobStatus(os.Stdout, rec)
	return nil
}

func printJobStatus(out io.Writer, rec *jobregistry.JobRecord) {
	_, _ = fmt.Fprintf(out, "job_id=%s\n", rec.JobID)
	_, _ = fmt.Fprintf(out, "status=%s\n", rec.Status)
	_, _ = fmt.Fprintf(out, "progress=%d\n", rec.Progress)
	if rec.PID > 0 {
		_, _ = fmt.Fprintf(out, "pid=%d\n", rec.PID)
	}
	if rec.UserID != "" {
		_, _ = fmt.Fprintf(out, "user_id=%s\n", rec.UserID)
	}
	if rec.Worker != "" {
		_, _ = fmt.Fprintf(out, "worker=%s\n", rec.Worker)
	}
	_, _ = fmt.Fprintf(out, "dataset=%s\n", rec.Params.Dataset)
	_, _ = fmt.Fprintf(out, "epochs=%d batch_size=%d lr=%g\n", rec.Params.Epochs, rec.Params.BatchSize, rec.Params.LearningRate)
	if rec.Metrics.TotalEpochs > 0 {
		_, _ = fmt.Fprintf(out, "epoch=%d/%d\n", rec.Metrics.Epoch, rec.Metrics.TotalEpochs)
	}
	if rec.Metrics.TotalSteps > 0 {
		_, _ = fmt.Fprintf(out, "step=%d/%d\n", rec.Metrics.Step, rec.Metrics.TotalSteps)
	}
	if rec.Metrics.Loss != nil {
		_, _ = fmt.Fprintf(out, "loss=%g\n", *rec.Metrics.Loss)
	}
	if rec.Metrics.Accuracy != nil {
		_, _ = fmt.Fprintf(out, "accuracy=%g\n", *rec.Metrics.Accuracy)
	}
	if rec.Message != "" {
		_, _ = fmt.Fprintf(out, "message=%s\n", rec.Message)
	}
	if rec.Error != "" {
		_, _ = fmt.Fprintf(out, "error=%s\n", rec.Error)
	}
	if rec.ExitCode != nil {
		_, _ = fmt.Fprintf(out, "exit_code=%d\n", *rec.ExitCode)
	}
	_, _ = fmt.Fprintf(out, "created_at=%s\n", rec.CreatedAt.UTC().Format(time.RFC3339))
	if rec.StartedAt != nil {
		_, _ = fmt.Fprintf(out, "started_at=%s\n", rec.StartedAt.UTC().Format(time.RFC3339))
	}
	if t := rec.EndedAt(); t != nil {
		_, _ = fmt.Fprintf(out, "ended_at=%s\n", t.UTC().Format(time.RFC3339))
	}
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

// resolveJobID accepts a full job id or any unique prefix of one.
func resolveJobID(ctx context.Context, store jobregistry.Store, input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", exitError(foundry.ExitInvalidArgument, "job_id is required", fmt.Errorf("empty job id"))
	}

	// Exact match first.
	if _, err := store.Get(ctx, input); err == nil {
		return input, nil
	}

	// Prefix match (allows table-friendly short IDs).
	jobs, err := store.List(ctx)
	if err != nil {
		return "", err
	}
	matches := make([]string, 0, 2)
	for _, j := range jobs {
		if strings.HasPrefix(j.JobID, input) {
			matches = append(matches, j.JobID)
		}
	}
	if len(matches) == 0 {
		return "", exitError(foundry.ExitFileNotFound, "job not found", fmt.Errorf("%s", input))
	}
	if len(matches) > 1 {
		return "", exitError(foundry.ExitInvalidArgument, "job id prefix is ambiguous",
			fmt.Errorf("%d matches; use the full job_id or --json", len(matches)))
	}
	return matches[0], nil
}
