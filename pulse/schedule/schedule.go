// Package schedule owns the durable schedule records and the scheduler that keeps
// the job runtime in line with them.
//
// A Schedule is the intent ("sync this scorecard every night"); the job runtime
// holds the work that carries it out. The Scheduler is the only writer of runtime
// state on a schedule (status, progress, currentJobId) so the transitions and their
// invariants live in one place.
package schedule

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/teranos/almasync/errors"
	"github.com/teranos/almasync/pulse/async"
	"github.com/teranos/almasync/transfer"
)

// Type is the scheduling mode of a schedule
type Type string

const (
	TypeImmediate Type = "immediate"
	TypeRecurring Type = "recurring"
	TypeOneTime   Type = "one-time"
)

// IsValid reports whether t is a known scheduling mode
func (t Type) IsValid() bool {
	return t == TypeImmediate || t == TypeRecurring || t == TypeOneTime
}

// Status is the last known runtime state of a schedule
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusPaused    Status = "paused"
)

// IsValid reports whether s is a known status
func (s Status) IsValid() bool {
	switch s {
	case StatusIdle, StatusRunning, StatusCompleted, StatusFailed, StatusPaused:
		return true
	}
	return false
}

// Schedule is the durable unit of scheduling intent
type Schedule struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Type      Type   `json:"type"`
	Processor string `json:"processor"`

	// Trigger
	CronExpression string   `json:"cronExpression,omitempty"`
	RunImmediately bool     `json:"runImmediately"`
	Periods        []string `json:"periods"`

	// Sync parameters
	DHIS2Instance  string              `json:"dhis2Instance"`
	AlmaInstance   string              `json:"almaInstance"`
	Scorecard      int                 `json:"scorecard"`
	IndicatorGroup string              `json:"indicatorGroup"`
	PeriodType     transfer.PeriodType `json:"periodType"`
	RunFor         transfer.RunFor     `json:"runFor"`
	Data           Data                `json:"data"`

	// Runtime state
	IsActive     bool       `json:"isActive"`
	Status       Status     `json:"status"`
	LastStatus   Status     `json:"lastStatus,omitempty"`
	Progress     float64    `json:"progress"`
	Message      string     `json:"message"`
	LastRun      *time.Time `json:"lastRun,omitempty"`
	NextRun      *time.Time `json:"nextRun,omitempty"`
	CurrentJobID string     `json:"currentJobId,omitempty"`

	// Retry policy and counter
	RetryAttempts     int `json:"retryAttempts"`
	MaxRetries        int `json:"maxRetries"`
	RetryDelaySeconds int `json:"retryDelaySeconds"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// IsRecurring reports whether the schedule maps to a repeatable job definition
func (s *Schedule) IsRecurring() bool {
	return s.Type == TypeRecurring && strings.TrimSpace(s.CronExpression) != ""
}

// isFinishedOneShot reports whether a one-time or immediate schedule has run to
// its final outcome and holds no runtime entry
func (s *Schedule) isFinishedOneShot() bool {
	return !s.IsRecurring() && s.CurrentJobID == "" &&
		(s.Status == StatusCompleted || s.Status == StatusFailed)
}

// SyncParams builds the job payload. Values in Data override the schedule-level fields.
func (s *Schedule) SyncParams() transfer.Params {
	p := transfer.Params{
		ScheduleID:     s.ID,
		DHIS2Instance:  s.DHIS2Instance,
		AlmaInstance:   s.AlmaInstance,
		Scorecard:      s.Scorecard,
		IndicatorGroup: s.IndicatorGroup,
		PeriodType:     s.PeriodType,
		Periods:        append([]string(nil), s.Periods...),
		RunFor:         s.RunFor,
	}

	d := s.Data
	if d.DHIS2Instance != "" {
		p.DHIS2Instance = d.DHIS2Instance
	}
	if d.AlmaInstance != "" {
		p.AlmaInstance = d.AlmaInstance
	}
	if d.Scorecard != 0 {
		p.Scorecard = d.Scorecard
	}
	if d.IndicatorGroup != "" {
		p.IndicatorGroup = d.IndicatorGroup
	}
	if d.PeriodType != "" {
		p.PeriodType = d.PeriodType
	}
	if d.RunFor != "" {
		p.RunFor = d.RunFor
	}
	if len(d.Periods) > 0 {
		p.Periods = append([]string(nil), d.Periods...)
	}
	if len(d.Extra) > 0 {
		p.Extra = make(map[string]any, len(d.Extra))
		for k, v := range d.Extra {
			p.Extra[k] = v
		}
	}
	if p.RunFor == "" {
		p.RunFor = transfer.RunForCurrent
	}
	return p
}

// Validate checks the schedule shape. Sync parameters are checked separately when
// the schedule is started, so an incomplete draft can still be saved.
func (s *Schedule) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return errors.NewInvalidRequestError("schedule name is required")
	}
	if !s.Type.IsValid() {
		return errors.NewInvalidRequestError("schedule type must be immediate, recurring or one-time, got %q", s.Type)
	}
	if s.Type == TypeRecurring {
		if strings.TrimSpace(s.CronExpression) == "" {
			return errors.NewInvalidRequestError("cronExpression is required for recurring schedules")
		}
		if err := async.ValidateCron(s.CronExpression); err != nil {
			return err
		}
	}
	if s.PeriodType != "" && !s.PeriodType.IsValid() {
		return errors.NewInvalidRequestError("unsupported period type %q", s.PeriodType)
	}
	switch s.RunFor {
	case "", transfer.RunForCurrent, transfer.RunForPrevious:
	default:
		return errors.NewInvalidRequestError("runFor must be current or previous, got %q", s.RunFor)
	}
	if s.MaxRetries < 0 || s.RetryDelaySeconds < 0 {
		return errors.NewInvalidRequestError("retry settings must not be negative")
	}
	return nil
}

// Data holds per-schedule overrides of the sync parameters. Keys that are not
// sync parameters are kept in Extra and passed to the processor untouched.
type Data struct {
	DHIS2Instance  string
	AlmaInstance   string
	Scorecard      int
	IndicatorGroup string
	PeriodType     transfer.PeriodType
	RunFor         transfer.RunFor
	Periods        []string
	Extra          map[string]any
}

// MarshalJSON flattens the overrides and Extra into one object
func (d Data) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(d.Extra)+7)
	for k, v := range d.Extra {
		out[k] = v
	}
	if d.DHIS2Instance != "" {
		out["dhis2Instance"] = d.DHIS2Instance
	}
	if d.AlmaInstance != "" {
		out["almaInstance"] = d.AlmaInstance
	}
	if d.Scorecard != 0 {
		out["scorecard"] = d.Scorecard
	}
	if d.IndicatorGroup != "" {
		out["indicatorGroup"] = d.IndicatorGroup
	}
	if d.PeriodType != "" {
		out["periodType"] = d.PeriodType
	}
	if d.RunFor != "" {
		out["runFor"] = d.RunFor
	}
	if len(d.Periods) > 0 {
		out["periods"] = d.Periods
	}
	return json.Marshal(out)
}

// UnmarshalJSON accepts the scorecard as a number or a numeric string, since
// form posts often send it quoted.
func (d *Data) UnmarshalJSON(b []byte) error {
	*d = Data{}
	if len(bytes.TrimSpace(b)) == 0 || string(bytes.TrimSpace(b)) == "null" {
		return nil
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return errors.Wrap(err, "schedule data must be a JSON object")
	}

	str := func(key string) (string, error) {
		v, ok := raw[key]
		delete(raw, key)
		if !ok || string(v) == "null" {
			return "", nil
		}
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return "", errors.Wrapf(err, "data.%s must be a string", key)
		}
		return s, nil
	}

	var err error
	if d.DHIS2Instance, err = str("dhis2Instance"); err != nil {
		return err
	}
	if d.AlmaInstance, err = str("almaInstance"); err != nil {
		return err
	}
	if d.IndicatorGroup, err = str("indicatorGroup"); err != nil {
		return err
	}
	var pt, runFor string
	if pt, err = str("periodType"); err != nil {
		return err
	}
	d.PeriodType = transfer.PeriodType(pt)
	if runFor, err = str("runFor"); err != nil {
		return err
	}
	d.RunFor = transfer.RunFor(runFor)

	if v, ok := raw["scorecard"]; ok {
		delete(raw, "scorecard")
		if d.Scorecard, err = decodeScorecard(v); err != nil {
			return err
		}
	}
	if v, ok := raw["periods"]; ok {
		delete(raw, "periods")
		if string(v) != "null" {
			if err := json.Unmarshal(v, &d.Periods); err != nil {
				return errors.Wrap(err, "data.periods must be a list of strings")
			}
		}
	}

	if len(raw) > 0 {
		d.Extra = make(map[string]any, len(raw))
		for k, v := range raw {
			var val any
			if err := json.Unmarshal(v, &val); err != nil {
				return errors.Wrapf(err, "data.%s", k)
			}
			d.Extra[k] = val
		}
	}
	return nil
}

func decodeScorecard(v json.RawMessage) (int, error) {
	if string(v) == "null" {
		return 0, nil
	}
	var n int
	if err := json.Unmarshal(v, &n); err == nil {
		return n, nil
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return 0, errors.Wrap(err, "data.scorecard must be a number")
	}
	if strings.TrimSpace(s) == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, errors.Wrapf(err, "data.scorecard %q is not a number", s)
	}
	return n, nil
}

// Patch is a partial update of a schedule's configuration. Nil fields are left unchanged.
// Runtime state is not patchable; it changes only through scheduler transitions.
type Patch struct {
	Name              *string              `json:"name,omitempty"`
	Type              *Type                `json:"type,omitempty"`
	Processor         *string              `json:"processor,omitempty"`
	CronExpression    *string              `json:"cronExpression,omitempty"`
	RunImmediately    *bool                `json:"runImmediately,omitempty"`
	Periods           *[]string            `json:"periods,omitempty"`
	DHIS2Instance     *string              `json:"dhis2Instance,omitempty"`
	AlmaInstance      *string              `json:"almaInstance,omitempty"`
	Scorecard         *int                 `json:"scorecard,omitempty"`
	IndicatorGroup    *string              `json:"indicatorGroup,omitempty"`
	PeriodType        *transfer.PeriodType `json:"periodType,omitempty"`
	RunFor            *transfer.RunFor     `json:"runFor,omitempty"`
	Data              *Data                `json:"data,omitempty"`
	MaxRetries        *int                 `json:"maxRetries,omitempty"`
	RetryDelaySeconds *int                 `json:"retryDelaySeconds,omitempty"`
}

// IsEmpty reports whether the patch changes nothing
func (p *Patch) IsEmpty() bool {
	return *p == Patch{}
}

// Apply merges the patch into s
func (p *Patch) Apply(s *Schedule) {
	if p.Name != nil {
		s.Name = *p.Name
	}
	if p.Type != nil {
		s.Type = *p.Type
	}
	if p.Processor != nil {
		s.Processor = *p.Processor
	}
	if p.CronExpression != nil {
		s.CronExpression = *p.CronExpression
	}
	if p.RunImmediately != nil {
		s.RunImmediately = *p.RunImmediately
	}
	if p.Periods != nil {
		s.Periods = append([]string(nil), (*p.Periods)...)
	}
	if p.DHIS2Instance != nil {
		s.DHIS2Instance = *p.DHIS2Instance
	}
	if p.AlmaInstance != nil {
		s.AlmaInstance = *p.AlmaInstance
	}
	if p.Scorecard != nil {
		s.Scorecard = *p.Scorecard
	}
	if p.IndicatorGroup != nil {
		s.IndicatorGroup = *p.IndicatorGroup
	}
	if p.PeriodType != nil {
		s.PeriodType = *p.PeriodType
	}
	if p.RunFor != nil {
		s.RunFor = *p.RunFor
	}
	if p.Data != nil {
		s.Data = *p.Data
	}
	if p.MaxRetries != nil {
		s.MaxRetries = *p.MaxRetries
	}
	if p.RetryDelaySeconds != nil {
		s.RetryDelaySeconds = *p.RetryDelaySeconds
	}
}

// RuntimeUpdate is a typed mutation of a schedule's runtime state. Nil fields are left unchanged.
type RuntimeUpdate struct {
	IsActive      *bool
	Status        *Status
	Progress      *float64
	Message       *string
	CurrentJobID  *string
	RetryAttempts *int
	LastRun       *time.Time
	NextRun       *time.Time
	ClearNextRun  bool
}
