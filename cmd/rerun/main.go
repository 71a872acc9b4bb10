// Command rerun executes a batch of shell jobs with durable completion
// tracking: interrupt it, run it again, and only the unfinished jobs
// execute.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "rerun",
	Short: "Resumable batch job runner",
	Long: `rerun executes a batch of independent jobs and records each completion
durably. Re-invoking the same batch skips completed jobs, so an
interrupted run picks up where it left off. Several rerun processes may
share one batch against a common tracker backend; each job executes in
at most one of them.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "rerun.yaml", "config file path")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
