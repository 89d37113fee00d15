package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/almasync/cmd/almasync/commands"
	"github.com/teranos/almasync/logger"
)

var jsonLogs bool

var rootCmd = &cobra.Command{
	Use:   "almasync",
	Short: "almasync - scheduled DHIS2 to ALMA scorecard sync",
	Long: `almasync - scheduled DHIS2 to ALMA scorecard sync.

Pulls indicator data from DHIS2 for each org unit level and period, and pushes
it to an ALMA scorecard. Schedules are either immediate (one pass) or recurring
on a cron expression; a durable job queue runs them with retries and survives
restarts.

Available commands:
  server   - Run the scheduler, job workers and HTTP/WebSocket API
  am       - Show and validate configuration ("I am")
  db       - Manage the SQLite database
  schedule - Inspect schedules
  pulse    - Inspect and maintain the job queue
  version  - Show build information

Examples:
  almasync server               # Serve on the configured port
  almasync am show --format yaml
  almasync schedule ls --status running
  almasync pulse stats`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// am show prints machine-readable config; keep log lines out of it
		if cmd.Name() == "show" {
			return nil
		}
		if verbosity, _ := cmd.Flags().GetCount("verbose"); verbosity > 0 && os.Getenv("ALMASYNC_LOG_LEVEL") == "" {
			os.Setenv("ALMASYNC_LOG_LEVEL", "debug")
		}
		if err := logger.Initialize(jsonLogs); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json-logs", false, "Emit structured JSON logs")
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (-v, -vv)")

	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.PulseCmd)
	rootCmd.AddCommand(commands.ScheduleCmd)
	rootCmd.AddCommand(commands.ServerCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
