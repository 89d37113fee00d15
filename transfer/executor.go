package transfer

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/almasync/errors"
	"github.com/teranos/almasync/internal/httpclient"
	"github.com/teranos/almasync/logger"
	"github.com/teranos/almasync/transfer/alma"
	"github.com/teranos/almasync/transfer/dhis2"
)

// FailurePolicy decides what a failed unit does to the rest of the pass
type FailurePolicy string

const (
	// PolicyContinue logs and counts a failed unit and moves on
	PolicyContinue FailurePolicy = "continue"
	// PolicyFailAtEnd attempts every unit, then fails the pass if any unit failed
	PolicyFailAtEnd FailurePolicy = "fail-at-end"
	// PolicyAbort fails the pass at the first failed unit
	PolicyAbort FailurePolicy = "abort"
)

// ParseFailurePolicy maps a config value to a policy; empty means continue
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch FailurePolicy(s) {
	case "", PolicyContinue:
		return PolicyContinue, nil
	case PolicyFailAtEnd, PolicyAbort:
		return FailurePolicy(s), nil
	}
	return "", errors.NewConfigurationError("unknown failure policy %q", s)
}

const (
	// DefaultOrgUnitLevels is the number of organisation unit levels synced per indicator
	DefaultOrgUnitLevels = 6

	// maxRecordedErrors bounds Result.Errors for passes with many failing units
	maxRecordedErrors = 20
)

// ProgressFunc receives the completed share of the pass (0-100) and a status line
type ProgressFunc func(pct float64, message string)

// Result summarises one pass
type Result struct {
	UnitsTotal  int      `json:"unitsTotal"`
	UnitsFailed int      `json:"unitsFailed"`
	Periods     []string `json:"periods"`
	Errors      []string `json:"errors,omitempty"`
}

// Summary is the human-readable outcome stored on the schedule
func (r *Result) Summary() string {
	if r.UnitsTotal == 0 {
		return "Nothing to sync: indicator group is empty"
	}
	if r.UnitsFailed == 0 {
		return fmt.Sprintf("Synced %d units for %v", r.UnitsTotal, r.Periods)
	}
	return fmt.Sprintf("Synced %v with %d/%d units failed", r.Periods, r.UnitsFailed, r.UnitsTotal)
}

func (r *Result) recordError(err error) {
	r.UnitsFailed++
	if len(r.Errors) < maxRecordedErrors {
		r.Errors = append(r.Errors, err.Error())
	}
}

// ExecutorConfig configures the executor
type ExecutorConfig struct {
	OrgUnitLevels int
	FailurePolicy FailurePolicy

	// HTTP is shared by every pass so its rate limit holds across jobs
	HTTP *httpclient.Client

	Location *time.Location
	Clock    func() time.Time
}

// Executor runs sync passes. It has no concurrency of its own; each worker
// slot calls Run for the job it holds.
type Executor struct {
	instances *Instances
	cfg       ExecutorConfig
	logger    *zap.SugaredLogger
}

// NewExecutor creates an executor over the instance registry
func NewExecutor(instances *Instances, cfg ExecutorConfig, log *zap.SugaredLogger) *Executor {
	if cfg.OrgUnitLevels <= 0 {
		cfg.OrgUnitLevels = DefaultOrgUnitLevels
	}
	if cfg.FailurePolicy == "" {
		cfg.FailurePolicy = PolicyContinue
	}
	if cfg.HTTP == nil {
		cfg.HTTP = httpclient.New(httpclient.Options{Timeout: 60 * time.Second})
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Executor{instances: instances, cfg: cfg, logger: log.Named("transfer")}
}

// Policy returns the configured failure policy
func (e *Executor) Policy() FailurePolicy {
	return e.cfg.FailurePolicy
}

// Run executes one pass. Configuration problems fail before any unit runs and
// a failure to list the indicator group fails the pass; unit failures follow the policy.
func (e *Executor) Run(ctx context.Context, p Params, progress ProgressFunc) (*Result, error) {
	if progress == nil {
		progress = func(float64, string) {}
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}

	source, err := e.instances.DHIS2(p.DHIS2Instance)
	if err != nil {
		return nil, err
	}
	target, err := e.instances.Alma(p.AlmaInstance)
	if err != nil {
		return nil, err
	}
	for _, raw := range []string{source.URL, target.URL} {
		if _, err := e.cfg.HTTP.ValidateURL(raw); err != nil {
			return nil, errors.NewConfigurationError("instance URL %s rejected: %v", raw, err)
		}
	}

	periods, err := ResolvePeriods(p.PeriodType, p.RunFor, p.Periods, e.cfg.Clock().In(e.cfg.Location))
	if err != nil {
		return nil, err
	}

	log := logger.AddSyncSymbol(logger.FromContext(ctx, e.logger)).With(
		logger.FieldScorecard, p.Scorecard,
		logger.FieldInstance, p.DHIS2Instance,
	)

	dhis := dhis2.NewClient(dhis2.Config{URL: source.URL, Username: source.Username, Password: source.Password}, e.cfg.HTTP)
	almaClient := alma.NewClient(alma.Config{
		URL:      target.URL,
		Username: target.Username,
		Password: target.Password,
		Backend:  target.Backend,
	}, e.cfg.HTTP)

	progress(0, "Fetching indicators")
	indicators, err := dhis.Indicators(ctx, p.IndicatorGroup)
	if err != nil {
		return nil, err
	}

	result := &Result{
		UnitsTotal: len(periods) * e.cfg.OrgUnitLevels * len(indicators),
		Periods:    periods,
	}
	if result.UnitsTotal == 0 {
		log.Warnw("Indicator group is empty", "indicator_group", p.IndicatorGroup)
		progress(100, result.Summary())
		return result, nil
	}

	log.Infow("Starting sync pass",
		"periods", periods,
		"indicators", len(indicators),
		logger.FieldCount, result.UnitsTotal)

	done := 0
	for _, period := range periods {
		for level := 1; level <= e.cfg.OrgUnitLevels; level++ {
			for _, ind := range indicators {
				if err := ctx.Err(); err != nil {
					return result, err
				}

				unitErr := e.runUnit(ctx, dhis, almaClient, p.Scorecard, ind, period, level)
				done++

				if unitErr != nil {
					result.recordError(unitErr)
					log.Warnw("Sync unit failed",
						logger.FieldIndicator, ind.ID,
						logger.FieldPeriod, period,
						logger.FieldLevel, level,
						logger.FieldError, unitErr)

					if e.cfg.FailurePolicy == PolicyAbort {
						return result, errors.Mark(
							errors.Wrapf(unitErr, "aborted after unit %d/%d", done, result.UnitsTotal),
							errors.ErrExternalService)
					}
				}

				progress(float64(done)/float64(result.UnitsTotal)*100,
					fmt.Sprintf("%s for %s at level %d (%d/%d)", ind.Name, period, level, done, result.UnitsTotal))
			}
		}
	}

	if result.UnitsFailed > 0 && e.cfg.FailurePolicy == PolicyFailAtEnd {
		return result, errors.NewExternalServiceError("%d of %d units failed", result.UnitsFailed, result.UnitsTotal)
	}

	log.Infow("Sync pass finished",
		logger.FieldCount, result.UnitsTotal,
		"failed", result.UnitsFailed)
	return result, nil
}

func (e *Executor) runUnit(ctx context.Context, dhis *dhis2.Client, target *alma.Client, scorecard int, ind dhis2.Indicator, period string, level int) error {
	data, err := dhis.Analytics(ctx, ind.ID, period, level)
	if err != nil {
		return err
	}
	if _, err := target.Upload(ctx, scorecard, data); err != nil {
		return errors.Wrapf(err, "upload of %s for %s at level %d", ind.ID, period, level)
	}
	return nil
}
