package cmd

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/coursepipe/internal/config"
	"github.com/3leaps/coursepipe/pkg/artifact"
	artifactfile "github.com/3leaps/coursepipe/pkg/artifact/file"
	artifacts3 "github.com/3leaps/coursepipe/pkg/artifact/s3"
	"github.com/3leaps/coursepipe/pkg/eventhub"
	"github.com/3leaps/coursepipe/pkg/jobregistry"
	"github.com/3leaps/coursepipe/pkg/runner"
)

// pipeline is the in-process job stack shared by serve and run.
type pipeline struct {
	reg    *jobregistry.Registry
	hub    *eventhub.Hub
	runner *runner.Runner

	// store is nil when publishing is disabled.
	store artifact.Store
}

func newPipeline(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*pipeline, error) {
	reg := jobregistry.New(jobregistry.WithLogHistory(cfg.Jobs.LogHistory))
	hub := eventhub.New(logger.Named("eventhub"))

	store, err := newArtifactStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create artifact store: %w", err)
	}

	opts := runner.Options{
		Python: cfg.Runner.Python,
		Scripts: map[jobregistry.JobType]string{
			jobregistry.JobTypeOutline: cfg.Runner.OutlineScript,
			jobregistry.JobTypeContent: cfg.Runner.ContentScript,
		},
		Workspace:      cfg.Runner.Workspace,
		InputPatterns:  cfg.Runner.InputPatterns,
		InputExcludes:  cfg.Runner.InputExcludes,
		DefaultConfig:  cfg.Runner.DefaultConfig,
		LogsDir:        cfg.Runner.LogsDir,
		TranscriptDir:  cfg.Jobs.TranscriptDir,
		KillGrace:      cfg.Runner.KillGrace,
		StartRate:      cfg.Runner.StartRate,
		StartBurst:     cfg.Runner.StartBurst,
		Logger:         logger.Named("runner"),
		PublishTimeout: cfg.Artifacts.Timeout,
	}
	if store != nil {
		opts.Publisher = artifact.NewPublisher(store, cfg.Artifacts.Prefix, logger.Named("artifact"))
	}

	run, err := runner.New(reg, hub, opts)
	if err != nil {
		return nil, fmt.Errorf("create runner: %w", err)
	}
	return &pipeline{reg: reg, hub: hub, runner: run, store: store}, nil
}

// newArtifactStore returns the configured publishing destination, or nil when
// publishing is disabled. A relative file store dir is taken from the
// workspace.
func newArtifactStore(ctx context.Context, cfg *config.Config) (artifact.Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Artifacts.Store)) {
	case "", "none":
		return nil, nil
	case string(artifact.StoreFile):
		dir := cfg.Artifacts.Dir
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(cfg.Runner.Workspace, dir)
		}
		return artifactfile.New(artifactfile.Config{BaseDir: dir})
	case string(artifact.StoreS3):
		return artifacts3.New(ctx, artifacts3.Config{
			Bucket:         cfg.Artifacts.S3.Bucket,
			Region:         cfg.Artifacts.S3.Region,
			Endpoint:       cfg.Artifacts.S3.Endpoint,
			Profile:        cfg.Artifacts.S3.Profile,
			ForcePathStyle: cfg.Artifacts.S3.ForcePathStyle,
		})
	default:
		return nil, fmt.Errorf("unknown artifact store %q", cfg.Artifacts.Store)
	}
}

// flagOverrides maps changed flags to config keys. Unchanged flags leave the
// lower layers in charge.
func flagOverrides(cmd *cobra.Command, keys map[string]string) map[string]any {
	out := make(map[string]any)
	for flag, key := range keys {
		f := cmd.Flags().Lookup(flag)
		if f == nil || !f.Changed {
			continue
		}
		switch f.Value.Type() {
		case "int":
			v, _ := cmd.Flags().GetInt(flag)
			out[key] = v
		case "bool":
			v, _ := cmd.Flags().GetBool(flag)
			out[key] = v
		default:
			out[key] = f.Value.String()
		}
	}
	return out
}

func loadConfig(cmd *cobra.Command, keys map[string]string) (*config.Config, error) {
	cfg, err := config.Load(cmd.Context(), flagOverrides(cmd, keys))
	if err != nil {
		return nil, exitError(ExitConfigError, "Failed to load configuration", err)
	}
	return cfg, nil
}
