package am

import (
	"net/url"
	"strings"

	"github.com/teranos/almasync/errors"
)

// Failure policies understood by the transfer executor
var validFailurePolicies = map[string]bool{
	"continue":    true,
	"fail-at-end": true,
	"abort":       true,
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.Newf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}

	// Pulse workers: 0 = no background workers, negative = invalid
	if c.Pulse.Workers < 0 {
		return errors.Newf("pulse.workers must be >= 0, got %d", c.Pulse.Workers)
	}
	if c.Pulse.PollIntervalMS <= 0 {
		return errors.Newf("pulse.poll_interval_ms must be > 0, got %d", c.Pulse.PollIntervalMS)
	}
	if c.Pulse.TickerIntervalSeconds <= 0 {
		return errors.Newf("pulse.ticker_interval_seconds must be > 0, got %d", c.Pulse.TickerIntervalSeconds)
	}
	if c.Pulse.MaxAttempts < 1 {
		return errors.Newf("pulse.max_attempts must be >= 1, got %d", c.Pulse.MaxAttempts)
	}
	if c.Pulse.BackoffSeconds < 0 {
		return errors.Newf("pulse.backoff_seconds must be >= 0, got %d", c.Pulse.BackoffSeconds)
	}
	if c.Pulse.RetentionHours < 1 {
		return errors.Newf("pulse.retention_hours must be >= 1, got %d", c.Pulse.RetentionHours)
	}
	if c.Pulse.SweepIntervalSeconds < 0 {
		return errors.Newf("pulse.sweep_interval_seconds must be >= 0, got %d", c.Pulse.SweepIntervalSeconds)
	}
	if _, err := c.Pulse.Location(); err != nil {
		return errors.Wrapf(err, "pulse.timezone %q is not a valid IANA zone", c.Pulse.Timezone)
	}
	if strings.TrimSpace(c.Pulse.Processor) == "" {
		return errors.New("pulse.processor cannot be empty")
	}

	if c.Sync.HTTPTimeoutSeconds <= 0 {
		return errors.Newf("sync.http_timeout_seconds must be > 0, got %d", c.Sync.HTTPTimeoutSeconds)
	}
	if !validFailurePolicies[c.Sync.FailurePolicy] {
		return errors.Newf("sync.failure_policy must be one of continue, fail-at-end, abort; got %q", c.Sync.FailurePolicy)
	}
	if c.Sync.RequestsPerMinute < 0 {
		return errors.Newf("sync.requests_per_minute must be >= 0, got %d", c.Sync.RequestsPerMinute)
	}
	if c.Sync.OrgUnitLevels < 1 {
		return errors.Newf("sync.org_unit_levels must be >= 1, got %d", c.Sync.OrgUnitLevels)
	}

	for name, inst := range c.Instances.DHIS2 {
		if err := validateInstanceURL("instances.dhis2."+name, inst.URL); err != nil {
			return err
		}
	}
	for name, inst := range c.Instances.Alma {
		if err := validateInstanceURL("instances.alma."+name, inst.URL); err != nil {
			return err
		}
	}

	return nil
}

func validateInstanceURL(key, raw string) error {
	if raw == "" {
		return errors.Newf("%s.url cannot be empty", key)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return errors.Wrapf(err, "%s.url is not a valid URL", key)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.Newf("%s.url must use http or https, got %q", key, u.Scheme)
	}
	return nil
}
