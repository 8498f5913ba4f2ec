package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		jsonOutput, _ := cmd.Flags().GetBool("json")
		out := cmd.OutOrStdout()
		if jsonOutput {
			return writeJSON(out, map[string]string{
				"version":   versionInfo.Version,
				"commit":    versionInfo.Commit,
				"buildDate": versionInfo.BuildDate,
				"goVersion": runtime.Version(),
			})
		}
		_, err := fmt.Fprintf(out, "%s %s (commit %s, built %s, %s)\n",
			binaryName(), versionInfo.Version, versionInfo.Commit, versionInfo.BuildDate, runtime.Version())
		return err
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().Bool("json", false, "Output as JSON")
}
