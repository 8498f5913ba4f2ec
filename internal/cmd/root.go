// Package cmd implements the coursepipe command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/3leaps/coursepipe/internal/config"
	"github.com/3leaps/coursepipe/internal/observability"
	"github.com/3leaps/coursepipe/internal/server/handlers"
)

var (
	cfgFile string
	verbose bool

	appIdentity *config.Identity
)

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "unknown",
	BuildDate: "unknown",
}

var rootCmd = &cobra.Command{
	Use:   "coursepipe",
	Short: "Run and observe course generation pipelines",
	Long: `coursepipe supervises the outline and content generators, turns their
console output into structured stage progress, and streams it to any number
of live viewers over server-sent events.

Examples:
  coursepipe serve                                   # HTTP API on localhost:8080
  coursepipe run outline --input inputs/ml.json      # one job in the foreground
  coursepipe jobs watch 20261014T093000-0001         # follow a job of a running server`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		id := config.DefaultIdentity
		appIdentity = &id
		observability.InitCLILogger(appIdentity.BinaryName, verbose)
		config.SetConfigFile(cfgFile)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: ./coursepipe.yaml, then ~/.config/coursepipe/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose CLI logging")
}

// SetVersionInfo records build metadata for the version command and the
// /version endpoint.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
	handlers.SetVersionInfo(version, commit, buildDate)
}

// GetAppIdentity returns the identity set up by the root command, or nil
// before any command ran.
func GetAppIdentity() *config.Identity {
	return appIdentity
}

func binaryName() string {
	if id := GetAppIdentity(); id != nil && id.BinaryName != "" {
		return id.BinaryName
	}
	return config.DefaultIdentity.BinaryName
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return ExitOK
	}

	_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}
