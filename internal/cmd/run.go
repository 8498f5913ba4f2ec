package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/coursepipe/internal/observability"
	"github.com/3leaps/coursepipe/pkg/eventhub"
	"github.com/3leaps/coursepipe/pkg/jobregistry"
	"github.com/3leaps/coursepipe/pkg/manifest"
	"github.com/3leaps/coursepipe/pkg/runner"
)

const runQueueSize = 4096

var runFlagKeys = map[string]string{
	"workspace": "runner.workspace",
	"python":    "runner.python",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one generator job in the foreground",
	Long: `Run one generator job in this process and print its events until it ends.

The exit code reflects the job result: 0 on success, 4 when the job failed,
5 when it was cancelled (Ctrl-C cancels the job and waits for it to stop).

Examples:
  coursepipe run outline --input inputs/ml.json --subject "机器学习"
  coursepipe run content --input outputs/ml_outline.json --chapters 1,3-5 --json
  coursepipe run manifest jobs/ml-content.yaml`,
}

var runOutlineCmd = &cobra.Command{
	Use:   "outline",
	Short: "Collect references and build a course outline",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runForeground(cmd, paramsFromFlags(cmd, jobregistry.JobTypeOutline), jsonFlag(cmd))
	},
}

var runContentCmd = &cobra.Command{
	Use:   "content",
	Short: "Generate section content from an outline",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runForeground(cmd, paramsFromFlags(cmd, jobregistry.JobTypeContent), jsonFlag(cmd))
	},
}

var runManifestCmd = &cobra.Command{
	Use:   "manifest <file>",
	Short: "Run the job described by a YAML or JSON manifest",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := manifest.Load(args[0])
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid manifest", err)
		}
		return runForeground(cmd, m.RunParams(), jsonFlag(cmd))
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.AddCommand(runOutlineCmd)
	runCmd.AddCommand(runContentCmd)
	runCmd.AddCommand(runManifestCmd)

	runManifestCmd.Flags().String("workspace", "", "Workspace root for inputs and scripts")
	runManifestCmd.Flags().String("python", "", "Interpreter used to run the generator script")
	runManifestCmd.Flags().Bool("json", false, "Print events as JSON lines")

	for _, c := range []*cobra.Command{runOutlineCmd, runContentCmd} {
		c.Flags().String("input", "", "Input document, relative to the workspace (required)")
		c.Flags().String("gen-config", "", "Generator config file (default from runner.default_config)")
		c.Flags().Bool("debug", false, "Ask the generator to write a debug log under runner.logs_dir")
		c.Flags().String("subject", "", "Course subject")
		c.Flags().String("learning-style", "", "Learning style hint")
		c.Flags().String("expected-content", "", "Expected content hint")
		c.Flags().String("workspace", "", "Workspace root for inputs and scripts")
		c.Flags().String("python", "", "Interpreter used to run the generator script")
		c.Flags().Bool("json", false, "Print events as JSON lines")
		_ = c.MarkFlagRequired("input")
	}
	runContentCmd.Flags().String("chapters", "", "Chapter selection, e.g. 1,3-5 (default: all)")
}

func paramsFromFlags(cmd *cobra.Command, jobType jobregistry.JobType) runner.Params {
	params := runner.Params{Type: jobType}
	params.Input, _ = cmd.Flags().GetString("input")
	params.Config, _ = cmd.Flags().GetString("gen-config")
	params.Debug, _ = cmd.Flags().GetBool("debug")
	params.Subject, _ = cmd.Flags().GetString("subject")
	params.LearningStyle, _ = cmd.Flags().GetString("learning-style")
	params.ExpectedContent, _ = cmd.Flags().GetString("expected-content")
	if cmd.Flags().Lookup("chapters") != nil {
		params.Chapters, _ = cmd.Flags().GetString("chapters")
	}
	return params
}

func jsonFlag(cmd *cobra.Command) bool {
	v, _ := cmd.Flags().GetBool("json")
	return v
}

func runForeground(cmd *cobra.Command, params runner.Params, jsonOutput bool) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := loadConfig(cmd, runFlagKeys)
	if err != nil {
		return err
	}
	logger := observability.CLILogger

	p, err := newPipeline(ctx, cfg, logger)
	if err != nil {
		return exitError(ExitConfigError, "Failed to initialize runner", err)
	}

	job, err := p.runner.Start(ctx, params)
	switch {
	case errors.Is(err, runner.ErrInvalidParams):
		return exitError(foundry.ExitInvalidArgument, "Invalid job parameters", err)
	case err != nil:
		return exitError(ExitFailure, "Failed to start job", err)
	}

	queue := eventhub.NewQueueSink(runQueueSize)
	sub, err := p.hub.Attach(job.ID(), queue, func() any { return p.reg.Snapshot(job) })
	if err != nil {
		return exitError(ExitFailure, "Failed to follow job", err)
	}
	defer p.hub.Detach(sub)

	printer := &eventPrinter{w: os.Stdout, json: jsonOutput}
	follow(ctx, queue, printer, func() {
		logger.Info("Cancelling job", zap.String("job_id", job.ID()))
		_ = p.runner.Cancel(job.ID())
	})

	snap, err := p.runner.Wait(context.Background(), job.ID())
	if err != nil {
		return exitError(ExitFailure, "Failed to wait for job", err)
	}
	return statusError(snap.ID, snap.Status)
}

// follow prints queued events until the job ends. When ctx is done, onCancel
// runs once and printing continues until the end event arrives.
func follow(ctx context.Context, queue *eventhub.QueueSink, printer *eventPrinter, onCancel func()) {
	done := ctx.Done()
	for {
		select {
		case <-done:
			done = nil
			onCancel()
		case msg, ok := <-queue.Messages():
			if !ok {
				return
			}
			data, err := json.Marshal(msg.Data)
			if err != nil {
				continue
			}
			status, err := printer.Print(msg.Event, data)
			if err != nil || status.Terminal() {
				return
			}
		}
	}
}
