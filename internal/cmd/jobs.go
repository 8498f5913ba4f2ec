package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/coursepipe/pkg/jobregistry"
	"github.com/3leaps/coursepipe/pkg/manifest"
	"github.com/3leaps/coursepipe/pkg/sse"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and control jobs of a running server",
	Long: `Inspect and control jobs held by a running 'coursepipe serve'.

Job ids may be abbreviated to any unique prefix, such as the short id shown
by 'jobs list'.`,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs, newest first",
	RunE:  runJobsList,
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job_id>",
	Short: "Show status for a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStatus,
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job_id>",
	Short: "Cancel a running job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsCancel,
}

var jobsRemoveCmd = &cobra.Command{
	Use:   "rm <job_id>",
	Short: "Forget a finished job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsRemove,
}

var jobsSubmitCmd = &cobra.Command{
	Use:   "submit <manifest>",
	Short: "Start a job on the server from a manifest file",
	Long: `Start a job on the server from a YAML or JSON job manifest.

Example manifest:
  type: content
  input: outputs/ml/outline.json
  chapters: "1,3-5"
  subject: 机器学习`,
	Args: cobra.ExactArgs(1),
	RunE: runJobsSubmit,
}

var jobsWatchCmd = &cobra.Command{
	Use:   "watch <job_id>",
	Short: "Follow a job's events until it ends",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsWatch,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsStatusCmd)
	jobsCmd.AddCommand(jobsCancelCmd)
	jobsCmd.AddCommand(jobsRemoveCmd)
	jobsCmd.AddCommand(jobsWatchCmd)
	jobsCmd.AddCommand(jobsSubmitCmd)

	jobsCmd.PersistentFlags().String("server", "", "Server base URL (default from config: http://localhost:8080)")
	jobsListCmd.Flags().Bool("json", false, "Output as JSON")
	jobsListCmd.Flags().String("type", "", "Only list jobs of this type: outline or content")
	jobsStatusCmd.Flags().Bool("json", false, "Output as JSON")
	jobsWatchCmd.Flags().Bool("json", false, "Print events as JSON lines")
	jobsSubmitCmd.Flags().Bool("watch", false, "Follow the job's events until it ends")
	jobsSubmitCmd.Flags().Bool("json", false, "Output as JSON")
}

func jobsClient(cmd *cobra.Command) (*apiClient, error) {
	base, err := serverURL(cmd)
	if err != nil {
		return nil, err
	}
	return newAPIClient(base), nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	jobType, _ := cmd.Flags().GetString("type")

	c, err := jobsClient(cmd)
	if err != nil {
		return err
	}
	jobs, err := c.list(cmd.Context(), jobType)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return writeJSON(out, jobs)
	}
	if len(jobs) == 0 {
		_, _ = fmt.Fprintln(out, "No jobs found")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "JOB ID\tTYPE\tSTATUS\tSTARTED\tENDED\tSUBJECT\tOUTPUT")
	for _, j := range jobs {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			shortJobID(j.ID),
			j.Type,
			j.Status,
			j.StartTs.UTC().Format(time.RFC3339),
			formatOptionalTime(j.EndTs),
			orDash(j.Subject),
			orDash(j.OutputPath),
		)
	}
	return nil
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	c, err := jobsClient(cmd)
	if err != nil {
		return err
	}
	id, err := resolveJobID(cmd.Context(), c, args[0])
	if err != nil {
		return err
	}
	snap, err := c.get(cmd.Context(), id)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return writeJSON(out, snap)
	}

	_, _ = fmt.Fprintf(out, "job_id=%s\n", snap.ID)
	_, _ = fmt.Fprintf(out, "type=%s\n", snap.Type)
	_, _ = fmt.Fprintf(out, "status=%s\n", snap.Status)
	if snap.PID != 0 {
		_, _ = fmt.Fprintf(out, "pid=%d\n", snap.PID)
	}
	if snap.Subject != "" {
		_, _ = fmt.Fprintf(out, "subject=%s\n", snap.Subject)
	}
	_, _ = fmt.Fprintf(out, "started_at=%s\n", snap.StartTs.UTC().Format(time.RFC3339))
	if snap.EndTs != nil {
		_, _ = fmt.Fprintf(out, "ended_at=%s\n", snap.EndTs.UTC().Format(time.RFC3339))
	}
	if snap.OutputPath != "" {
		_, _ = fmt.Fprintf(out, "output_path=%s\n", snap.OutputPath)
	}
	if snap.LogPath != "" {
		_, _ = fmt.Fprintf(out, "log_path=%s\n", snap.LogPath)
	}
	for _, sid := range jobregistry.StageIDs(snap.Type) {
		if st, ok := snap.Stages[sid]; ok {
			_, _ = fmt.Fprintf(out, "stage=%s\n", formatStage(st))
		}
	}
	return nil
}

func runJobsCancel(cmd *cobra.Command, args []string) error {
	c, err := jobsClient(cmd)
	if err != nil {
		return err
	}
	id, err := resolveJobID(cmd.Context(), c, args[0])
	if err != nil {
		return err
	}
	snap, err := c.cancel(cmd.Context(), id)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "job_id=%s status=%s\n", snap.ID, snap.Status)
	return nil
}

func runJobsRemove(cmd *cobra.Command, args []string) error {
	c, err := jobsClient(cmd)
	if err != nil {
		return err
	}
	id, err := resolveJobID(cmd.Context(), c, args[0])
	if err != nil {
		return err
	}
	if err := c.remove(cmd.Context(), id); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", id)
	return nil
}

func runJobsSubmit(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	watch, _ := cmd.Flags().GetBool("watch")

	m, err := manifest.Load(args[0])
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid manifest", err)
	}
	c, err := jobsClient(cmd)
	if err != nil {
		return err
	}
	snap, err := c.submit(cmd.Context(), m)
	if err != nil {
		return err
	}

	if watch {
		return watchJob(cmd, c, snap.ID, jsonOutput)
	}
	if jsonOutput {
		return writeJSON(cmd.OutOrStdout(), snap)
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "job_id=%s status=%s\n", snap.ID, snap.Status)
	return nil
}

func runJobsWatch(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	c, err := jobsClient(cmd)
	if err != nil {
		return err
	}
	id, err := resolveJobID(cmd.Context(), c, args[0])
	if err != nil {
		return err
	}
	return watchJob(cmd, c, id, jsonOutput)
}

func watchJob(cmd *cobra.Command, c *apiClient, id string, jsonOutput bool) error {
	body, err := c.events(cmd.Context(), id)
	if err != nil {
		return err
	}
	defer func() { _ = body.Close() }()

	printer := &eventPrinter{w: cmd.OutOrStdout(), json: jsonOutput}
	dec := sse.NewDecoder(body)
	for {
		ev, err := dec.Next()
		if err != nil {
			if cmd.Context().Err() != nil {
				return exitError(foundry.ExitSignalInt, "watch interrupted", cmd.Context().Err())
			}
			if errors.Is(err, io.EOF) {
				return exitError(ExitFailure, "event stream closed before the job ended", nil)
			}
			return exitError(foundry.ExitExternalServiceUnavailable, "event stream failed", err)
		}
		status, err := printer.Print(ev.Name, ev.Data)
		if err != nil {
			return err
		}
		if status.Terminal() {
			return statusError(id, status)
		}
	}
}
