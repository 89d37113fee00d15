package commands

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/almasync/errors"
	"github.com/teranos/almasync/pulse/schedule"
	"github.com/teranos/almasync/sym"
)

// ScheduleCmd groups read-only schedule inspection. Mutations go through the HTTP API
// so the running server reconciles them with the job runtime.
var ScheduleCmd = &cobra.Command{
	Use:     "schedule",
	Aliases: []string{"schedules"},
	Short:   sym.Schedule + " Inspect sync schedules",
	Long: sym.Schedule + ` schedule - Inspect sync schedules

Examples:
  almasync schedule ls                    # List all schedules
  almasync schedule ls --status failed    # Only failed schedules
  almasync schedule runs <id>             # Recent executions of a schedule`,
}

var scheduleLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List schedules",
	RunE:  runScheduleLs,
}

var scheduleRunsCmd = &cobra.Command{
	Use:   "runs <id>",
	Short: "Show recent executions of a schedule",
	Args:  cobra.ExactArgs(1),
	RunE:  runScheduleRuns,
}

var (
	scheduleStatusFlag string
	scheduleRunsLimit  int
)

func init() {
	scheduleLsCmd.Flags().StringVar(&scheduleStatusFlag, "status", "", "Filter by status: idle, running, completed, failed, paused")
	ScheduleCmd.PersistentFlags().StringVar(&dbPathFlag, "db-path", "", "Database path (overrides config)")
	scheduleRunsCmd.Flags().IntVar(&scheduleRunsLimit, "limit", 20, "Number of executions to show")

	ScheduleCmd.AddCommand(scheduleLsCmd)
	ScheduleCmd.AddCommand(scheduleRunsCmd)
}

func runScheduleLs(cmd *cobra.Command, args []string) error {
	var status schedule.Status
	if scheduleStatusFlag != "" {
		status = schedule.Status(scheduleStatusFlag)
		if !status.IsValid() {
			return errors.NewInvalidRequestError("unknown status %q", scheduleStatusFlag)
		}
	}

	database, err := openDatabase(dbPathFlag)
	if err != nil {
		return err
	}
	defer database.Close()

	store := schedule.NewStore(database)
	var schedules []*schedule.Schedule
	if status != "" {
		schedules, err = store.ListByStatus(cmd.Context(), status)
	} else {
		schedules, err = store.List(cmd.Context())
	}
	if err != nil {
		return err
	}

	if len(schedules) == 0 {
		pterm.Info.Println("No schedules")
		return nil
	}

	data := pterm.TableData{{"ID", "NAME", "TYPE", "TRIGGER", "ACTIVE", "STATUS", "PROGRESS", "LAST RUN", "NEXT RUN"}}
	for _, s := range schedules {
		data = append(data, []string{
			s.ID,
			s.Name,
			string(s.Type),
			trigger(s),
			strconv.FormatBool(s.IsActive),
			string(s.Status),
			fmt.Sprintf("%.0f%%", s.Progress),
			formatTime(s.LastRun),
			formatTime(s.NextRun),
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func runScheduleRuns(cmd *cobra.Command, args []string) error {
	database, err := openDatabase(dbPathFlag)
	if err != nil {
		return err
	}
	defer database.Close()

	sched, err := schedule.NewStore(database).Get(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	runs, err := schedule.NewExecutionStore(database).ListForSchedule(cmd.Context(), sched.ID, scheduleRunsLimit)
	if err != nil {
		return err
	}

	pterm.DefaultSection.Printf("%s %s", sym.Schedule, sched.Name)
	if len(runs) == 0 {
		pterm.Info.Println("No executions recorded")
		return nil
	}

	data := pterm.TableData{{"STARTED", "ATTEMPT", "STATUS", "DURATION", "UNITS", "PERIODS", "ERROR"}}
	for _, r := range runs {
		duration := "-"
		if r.DurationMs != nil {
			duration = (time.Duration(*r.DurationMs) * time.Millisecond).String()
		}
		data = append(data, []string{
			r.StartedAt.Local().Format(time.DateTime),
			strconv.Itoa(r.Attempt),
			string(r.Status),
			duration,
			fmt.Sprintf("%d/%d", r.UnitsTotal-r.UnitsFailed, r.UnitsTotal),
			strings.Join(r.Periods, ","),
			r.ErrorMessage,
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func trigger(s *schedule.Schedule) string {
	if s.CronExpression != "" {
		return s.CronExpression
	}
	return "-"
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}
