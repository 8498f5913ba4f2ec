package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/3leaps/coursepipe/internal/config"
	"github.com/3leaps/coursepipe/internal/observability"
	"github.com/3leaps/coursepipe/internal/server"
	"github.com/3leaps/coursepipe/internal/server/handlers"
	"github.com/3leaps/coursepipe/pkg/artifact"
	"github.com/3leaps/coursepipe/pkg/eventhub"
	"github.com/3leaps/coursepipe/pkg/jobregistry"
)

var serveFlagKeys = map[string]string{
	"host":      "server.host",
	"port":      "server.port",
	"workspace": "runner.workspace",
	"python":    "runner.python",
	"log-level": "logging.level",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the job API server",
	Long: `Start the HTTP API that launches generator jobs and streams their progress.

Routes:
  POST   /api/jobs               start a job
  GET    /api/jobs               list jobs (?type=, ?status=)
  GET    /api/jobs/latest?type=  newest job of a type
  GET    /api/jobs/{id}          job snapshot
  GET    /api/jobs/{id}/events   server-sent event stream
  POST   /api/jobs/{id}/cancel   cancel a running job
  DELETE /api/jobs/{id}          forget a finished job
  GET    /health, /version`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("host", "", "Listen host (default from config: localhost)")
	serveCmd.Flags().Int("port", 0, "Listen port (default from config: 8080)")
	serveCmd.Flags().String("workspace", "", "Workspace root for inputs and scripts")
	serveCmd.Flags().String("python", "", "Interpreter used to run the generator scripts")
	serveCmd.Flags().String("log-level", "", "Server log level: debug, info, warn, error")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := loadConfig(cmd, serveFlagKeys)
	if err != nil {
		return err
	}
	if err := observability.InitServerLogger(binaryName(), cfg.Logging.Level, cfg.Logging.Profile); err != nil {
		return exitError(ExitConfigError, "Failed to initialize logger", err)
	}
	defer observability.Sync()
	logger := observability.ServerLogger

	p, err := newPipeline(ctx, cfg, logger)
	if err != nil {
		return exitError(ExitConfigError, "Failed to initialize runner", err)
	}

	health := handlers.InitHealthManager(versionInfo.Version)
	if cfg.Health.Enabled {
		health.RegisterChecker("workspace", workspaceChecker(p.runner.Workspace()))
		if p.store != nil {
			health.RegisterChecker("artifacts", artifactChecker(p.store, cfg.Artifacts.Prefix))
		}
	}

	jobs := handlers.NewJobs(p.reg, p.hub, p.runner, cfg.Server.SSEHeartbeat, logger.Named("api"))
	srv := server.New(cfg.Server.Host, cfg.Server.Port,
		server.WithJobs(jobs),
		server.WithLogger(logger.Named("http")),
		server.WithTimeouts(server.Timeouts{
			Read:  cfg.Server.ReadTimeout,
			Write: cfg.Server.WriteTimeout,
			Idle:  cfg.Server.IdleTimeout,
		}),
	)

	ln, err := net.Listen("tcp", srv.Addr())
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to listen", err)
	}
	logger.Info("Starting coursepipe server",
		zap.String("addr", ln.Addr().String()),
		zap.String("workspace", p.runner.Workspace()),
		zap.String("version", versionInfo.Version))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(ln)
	})
	g.Go(func() error {
		collectGarbage(gctx, p.reg, p.hub, cfg.Jobs, logger)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down", zap.Duration("timeout", cfg.Server.ShutdownTimeout))

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := p.runner.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Jobs did not stop before the shutdown deadline", zap.Error(err))
		}
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return exitError(ExitFailure, "Server stopped with error", err)
	}
	logger.Info("Server stopped")
	return nil
}

// collectGarbage prunes finished jobs older than MaxAge every GCInterval
// until ctx is done. Either value at zero disables collection.
func collectGarbage(ctx context.Context, reg *jobregistry.Registry, hub *eventhub.Hub, cfg config.JobsConfig, logger *zap.Logger) {
	if cfg.MaxAge <= 0 || cfg.GCInterval <= 0 {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(cfg.GCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed := reg.Prune(cfg.MaxAge)
			for _, id := range removed {
				hub.CloseJob(id)
			}
			if len(removed) > 0 {
				logger.Info("Pruned finished jobs",
					zap.Int("count", len(removed)),
					zap.Duration("max_age", cfg.MaxAge))
			}
		}
	}
}

func workspaceChecker(dir string) handlers.HealthChecker {
	return handlers.HealthCheckerFunc(func(ctx context.Context) error {
		info, err := os.Stat(dir)
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return fmt.Errorf("workspace %s is not a directory", dir)
		}
		return nil
	})
}

// artifactChecker probes the artifact store with a Head on a key that is not
// expected to exist; "not found" proves the store answered.
func artifactChecker(store artifact.Store, prefix string) handlers.HealthChecker {
	key := strings.Trim(prefix, "/") + "/.healthcheck"
	return handlers.HealthCheckerFunc(func(ctx context.Context) error {
		_, err := store.Head(ctx, key)
		if err == nil || artifact.IsNotFound(err) {
			return nil
		}
		return err
	})
}
