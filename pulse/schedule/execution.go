package schedule

import "time"

// ExecutionStatus is the outcome of one execution attempt
type ExecutionStatus string

// Execution status constants for type safety
const (
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
)

// Execution records a single run of a schedule's job.
//
// Each attempt gets its own row, so a run that failed twice and then
// succeeded shows up as three executions sharing a job id.
type Execution struct {
	ID         string `json:"id"`
	ScheduleID string `json:"scheduleId"`
	JobID      string `json:"jobId"`
	Attempt    int    `json:"attempt"`

	Status     ExecutionStatus `json:"status"`
	StartedAt  time.Time       `json:"startedAt"`
	FinishedAt *time.Time      `json:"finishedAt,omitempty"`
	DurationMs *int64          `json:"durationMs,omitempty"`

	UnitsTotal   int      `json:"unitsTotal"`
	UnitsFailed  int      `json:"unitsFailed"`
	Periods      []string `json:"periods"`
	ErrorMessage string   `json:"errorMessage,omitempty"`
}
