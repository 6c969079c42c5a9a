package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	appVersion = "dev"
	appCommit  = "none"
	appDate    = "unknown"
)

// SetVersionInfo sets the version information injected via ldflags.
func SetVersionInfo(version, commit, date string) {
	appVersion = version
	appCommit = commit
	appDate = date
}

var rootCmd = &cobra.Command{
	Use:   "army",
	Short: "Agent army - task coordination for fleets of AI agents",
	Long: `Agent army (army) coordinates many autonomous agents working across many
projects. Each project keeps a file-backed checklist of tasks; agents claim
work from a priority queue spanning every registered project, report results,
and talk to each other over a persistent message bus.

Blocking tasks halt the rest of their project until resolved, dependencies
gate claims, and failed tasks are retried a bounded number of times before
they are blocked for an operator.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("army %s\ncommit: %s\nbuilt:  %s\n", appVersion, appCommit, appDate)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
