package commands

import (
	"fmt"
	"strings"

	"github.com/pterm/pterm"

	"github.com/teranos/almasync/am"
	"github.com/teranos/almasync/pulse/schedule"
	"github.com/teranos/almasync/sym"
	"github.com/teranos/almasync/version"
)

// printStartupBanner prints the user-facing startup summary
func printStartupBanner(cfg *am.Config, dbPath string, report *schedule.RecoveryReport) {
	info := version.Get()

	pterm.DefaultHeader.WithFullWidth().Printf("almasync %s", info.Version)
	pterm.Println()

	lines := []string{
		fmt.Sprintf("%s API        http://localhost:%d/api/schedules", sym.Schedule, cfg.Server.Port),
		fmt.Sprintf("%s Observers  ws://localhost:%d/ws", sym.Schedule, cfg.Server.Port),
		fmt.Sprintf("%s Database   %s", sym.DB, dbPath),
		fmt.Sprintf("%s Workers    %d (processor %s)", sym.Pulse, cfg.Pulse.Workers, cfg.Pulse.Processor),
		fmt.Sprintf("%s Instances  %d DHIS2, %d ALMA", sym.Sync, len(cfg.Instances.DHIS2), len(cfg.Instances.Alma)),
	}
	if cfg.Server.RedisURL != "" {
		lines = append(lines, fmt.Sprintf("%s Relay      %s", sym.Schedule, cfg.Server.RedisChannel))
	}
	pterm.DefaultBox.WithTitle(info.Short()).Println(strings.Join(lines, "\n"))
	pterm.Println(pterm.Gray(legend()))

	if report != nil {
		pterm.Info.Printf("%s Restored %d active schedules (rearmed %d, resubmitted %d, reconciled %d, reset %d, orphans removed %d)\n",
			sym.PulseOpen, report.Active, report.Rearmed, report.Resubmitted, report.Reconciled, report.Reset, report.OrphansRemoved)
		for _, msg := range report.Errors {
			pterm.Warning.Println(msg)
		}
	}
	pterm.Info.Println("Press Ctrl+C for graceful shutdown")
}

// legend lists the log symbols on one line
func legend() string {
	parts := make([]string, 0, len(sym.Legend))
	for _, glyph := range sym.Legend {
		parts = append(parts, glyph+" "+sym.Describe(glyph))
	}
	return strings.Join(parts, "  ")
}
