// Command ralphd is the daemon entrypoint wiring the subsystems together: one
// process, many (repo, slot) lifecycle workers, sharing a state store, a
// hosting client, and a budget governor. Its CLI surface is
// deliberately kept thin: persistent log-level/log-json flags and a version
// template, with full CLI ergonomics for repo/label/priority management out
// of scope.
package main

import (
	"fmt"
	"os"

	"github.com/ralphd/ralph/pkg/log"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ralphd",
	Short: "ralphd - an orchestrator that drives autonomous coding agents against a repo fleet",
	Long: `ralphd claims issues tagged with a workflow label, launches a coding
agent in a per-task worktree, opens a pull request, waits for required
checks, merges, and reports back.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"ralphd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(doctorCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      logLevel,
		JSONOutput: logJSON,
	})
}
