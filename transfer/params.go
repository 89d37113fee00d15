// Package transfer runs one DHIS2 to ALMA sync pass: it resolves the target periods,
// fetches the indicator group once and then downloads and uploads every
// (period, organisation unit level, indicator) unit, reporting progress as it goes.
package transfer

import (
	"github.com/teranos/almasync/errors"
)

// PeriodType is the granularity of a DHIS2 period
type PeriodType string

const (
	PeriodDay     PeriodType = "day"
	PeriodWeek    PeriodType = "week"
	PeriodMonth   PeriodType = "month"
	PeriodQuarter PeriodType = "quarter"
	PeriodYear    PeriodType = "year"
)

// IsValid reports whether the period type is one of the supported granularities
func (p PeriodType) IsValid() bool {
	switch p {
	case PeriodDay, PeriodWeek, PeriodMonth, PeriodQuarter, PeriodYear:
		return true
	}
	return false
}

// RunFor selects the period relative to now when no explicit periods are given
type RunFor string

const (
	RunForCurrent  RunFor = "current"
	RunForPrevious RunFor = "previous"
)

// Params is the job payload of one sync pass
type Params struct {
	ScheduleID     string         `json:"scheduleId"`
	DHIS2Instance  string         `json:"dhis2Instance"`
	AlmaInstance   string         `json:"almaInstance"`
	Scorecard      int            `json:"scorecard"`
	IndicatorGroup string         `json:"indicatorGroup"`
	PeriodType     PeriodType     `json:"periodType"`
	Periods        []string       `json:"periods,omitempty"`
	RunFor         RunFor         `json:"runFor,omitempty"`
	Extra          map[string]any `json:"extra,omitempty"`
}

// Validate checks the fields every sync pass needs. Instance existence is checked
// against the registry at execution time.
func (p Params) Validate() error {
	if p.DHIS2Instance == "" {
		return errors.NewConfigurationError("dhis2 instance is required")
	}
	if p.AlmaInstance == "" {
		return errors.NewConfigurationError("alma instance is required")
	}
	if p.Scorecard <= 0 {
		return errors.NewConfigurationError("scorecard must be a positive id, got %d", p.Scorecard)
	}
	if p.IndicatorGroup == "" {
		return errors.NewConfigurationError("indicator group is required")
	}
	if !p.PeriodType.IsValid() {
		return errors.NewConfigurationError("unsupported period type %q", p.PeriodType)
	}
	switch p.RunFor {
	case "", RunForCurrent, RunForPrevious:
	default:
		return errors.NewConfigurationError("runFor must be current or previous, got %q", p.RunFor)
	}
	return nil
}
