package commands

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/almasync/am"
	"github.com/teranos/almasync/errors"
	"github.com/teranos/almasync/pulse/async"
	"github.com/teranos/almasync/sym"
)

// PulseCmd represents the pulse command - inspection and maintenance of the job queue
var PulseCmd = &cobra.Command{
	Use:   "pulse",
	Short: sym.Pulse + " Inspect and maintain the Pulse job queue",
	Long: sym.Pulse + ` Pulse - durable job runtime behind every schedule.

The queue lives in the database, so these commands work whether or not a
server is running. A pause set here is honoured by running workers.

Examples:
  almasync pulse stats                     # Counts per job status
  almasync pulse jobs --status failed      # List failed jobs
  almasync pulse purge --older-than 72h    # Remove finished jobs older than 72h
  almasync pulse pause                     # Stop workers from taking new jobs`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var pulseStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue counts per status",
	RunE:  runPulseStats,
}

var pulseJobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List jobs",
	RunE:  runPulseJobs,
}

var pulsePurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Remove finished jobs past retention",
	RunE:  runPulsePurge,
}

var pulsePauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Pause the queue; running jobs finish",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withQueue(func(q *async.Queue) error {
			if err := q.Pause(cmd.Context()); err != nil {
				return err
			}
			pterm.Success.Println("Queue paused")
			return nil
		})
	},
}

var pulseResumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume a paused queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withQueue(func(q *async.Queue) error {
			if err := q.Resume(cmd.Context()); err != nil {
				return err
			}
			pterm.Success.Println("Queue resumed")
			return nil
		})
	},
}

var (
	pulseJobsStatus string
	pulseOlderThan  time.Duration
)

func init() {
	PulseCmd.PersistentFlags().StringVar(&dbPathFlag, "db-path", "", "Database path (overrides config)")
	pulseJobsCmd.Flags().StringVar(&pulseJobsStatus, "status", "", "Comma-separated statuses (waiting, active, delayed, paused, completed, failed)")
	pulsePurgeCmd.Flags().DurationVar(&pulseOlderThan, "older-than", 0, "Age threshold (default: pulse.retention_hours)")

	PulseCmd.AddCommand(pulseStatsCmd)
	PulseCmd.AddCommand(pulseJobsCmd)
	PulseCmd.AddCommand(pulsePurgeCmd)
	PulseCmd.AddCommand(pulsePauseCmd)
	PulseCmd.AddCommand(pulseResumeCmd)
}

// newQueue builds a queue over database using the pulse settings from cfg
func newQueue(database *sql.DB, cfg *am.Config, metrics *async.Metrics) (*async.Queue, error) {
	loc, err := cfg.Pulse.Location()
	if err != nil {
		return nil, err
	}
	return async.NewQueue(database, async.QueueOptions{
		Location:        loc,
		DefaultAttempts: cfg.Pulse.MaxAttempts,
		DefaultBackoff:  async.Backoff{Delay: cfg.Pulse.Backoff()},
		Metrics:         metrics,
	}), nil
}

func withQueue(fn func(q *async.Queue) error) error {
	cfg, err := am.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	database, err := openDatabase(dbPathFlag)
	if err != nil {
		return err
	}
	defer database.Close()

	q, err := newQueue(database, cfg, nil)
	if err != nil {
		return err
	}
	return fn(q)
}

func runPulseStats(cmd *cobra.Command, args []string) error {
	return withQueue(func(q *async.Queue) error {
		stats, err := q.Stats(cmd.Context())
		if err != nil {
			return err
		}

		state := "running"
		if stats.IsPaused {
			state = "paused"
		}
		pterm.DefaultSection.Printf("%s Queue (%s)", sym.Pulse, state)
		return pterm.DefaultTable.WithHasHeader().WithData(pterm.TableData{
			{"WAITING", "ACTIVE", "DELAYED", "PAUSED", "COMPLETED", "FAILED", "TOTAL"},
			{
				strconv.Itoa(stats.Waiting),
				strconv.Itoa(stats.Active),
				strconv.Itoa(stats.Delayed),
				strconv.Itoa(stats.Paused),
				strconv.Itoa(stats.Completed),
				strconv.Itoa(stats.Failed),
				strconv.Itoa(stats.Total),
			},
		}).Render()
	})
}

func runPulseJobs(cmd *cobra.Command, args []string) error {
	var statuses []async.JobStatus
	for _, part := range strings.Split(pulseJobsStatus, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if !async.IsValidStatus(part) {
			return errors.NewInvalidRequestError("unknown job status %q", part)
		}
		statuses = append(statuses, async.JobStatus(part))
	}

	return withQueue(func(q *async.Queue) error {
		jobs, err := q.GetJobs(cmd.Context(), statuses...)
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			pterm.Info.Println("No jobs")
			return nil
		}

		data := pterm.TableData{{"ID", "SCHEDULE", "PROCESSOR", "STATUS", "PROGRESS", "ATTEMPTS", "RUN AT", "FINISHED", "REASON"}}
		for _, j := range jobs {
			repeat := "-"
			if j.IsRepeatInstance() {
				repeat = j.Key
			}
			finished := "-"
			if j.Status.IsFinished() && j.FinishedOn != nil {
				finished = j.FinishedOn.Local().Format(time.DateTime)
			}
			data = append(data, []string{
				j.ID,
				repeat,
				j.Name,
				string(j.Status),
				fmt.Sprintf("%.0f%%", j.Progress),
				fmt.Sprintf("%d/%d", j.AttemptsMade, j.MaxAttempts),
				j.RunAt.Local().Format(time.DateTime),
				finished,
				j.FailedReason,
			})
		}
		return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
	})
}

func runPulsePurge(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	olderThan := pulseOlderThan
	if olderThan <= 0 {
		olderThan = cfg.Pulse.Retention()
	}

	return withQueue(func(q *async.Queue) error {
		removed, err := q.CleanupOldJobs(cmd.Context(), olderThan)
		if err != nil {
			return err
		}
		pterm.Success.Printf("Removed %d finished jobs older than %s\n", removed, olderThan)
		return nil
	})
}
