// Package am holds almasync configuration: defaults, file and environment loading,
// validation, and a file watcher that hot-reloads the instance registry.
package am

import (
	"time"
)

// Config represents the complete almasync configuration
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database" toml:"database" yaml:"database" json:"database"`
	Server    ServerConfig    `mapstructure:"server" toml:"server" yaml:"server" json:"server"`
	Pulse     PulseConfig     `mapstructure:"pulse" toml:"pulse" yaml:"pulse" json:"pulse"`
	Sync      SyncConfig      `mapstructure:"sync" toml:"sync" yaml:"sync" json:"sync"`
	Instances InstancesConfig `mapstructure:"instances" toml:"instances" yaml:"instances" json:"instances"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path" toml:"path" yaml:"path" json:"path"`
}

// ServerConfig configures the HTTP/WebSocket server
type ServerConfig struct {
	Port           int      `mapstructure:"port" toml:"port" yaml:"port" json:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins" toml:"allowed_origins" yaml:"allowed_origins" json:"allowed_origins"`

	// RedisURL enables cross-node event relay when set (redis://host:6379/0)
	RedisURL     string `mapstructure:"redis_url" toml:"redis_url" yaml:"redis_url" json:"redis_url"`
	RedisChannel string `mapstructure:"redis_channel" toml:"redis_channel" yaml:"redis_channel" json:"redis_channel"`
}

// PulseConfig configures the job runtime
type PulseConfig struct {
	Workers               int    `mapstructure:"workers" toml:"workers" yaml:"workers" json:"workers"`
	PollIntervalMS        int    `mapstructure:"poll_interval_ms" toml:"poll_interval_ms" yaml:"poll_interval_ms" json:"poll_interval_ms"`
	TickerIntervalSeconds int    `mapstructure:"ticker_interval_seconds" toml:"ticker_interval_seconds" yaml:"ticker_interval_seconds" json:"ticker_interval_seconds"`
	MaxAttempts           int    `mapstructure:"max_attempts" toml:"max_attempts" yaml:"max_attempts" json:"max_attempts"`
	BackoffSeconds        int    `mapstructure:"backoff_seconds" toml:"backoff_seconds" yaml:"backoff_seconds" json:"backoff_seconds"`
	RetentionHours        int    `mapstructure:"retention_hours" toml:"retention_hours" yaml:"retention_hours" json:"retention_hours"`
	SweepIntervalSeconds  int    `mapstructure:"sweep_interval_seconds" toml:"sweep_interval_seconds" yaml:"sweep_interval_seconds" json:"sweep_interval_seconds"`
	Timezone              string `mapstructure:"timezone" toml:"timezone" yaml:"timezone" json:"timezone"`
	Processor             string `mapstructure:"processor" toml:"processor" yaml:"processor" json:"processor"`
}

// SyncConfig configures the DHIS2 to ALMA transfer
type SyncConfig struct {
	HTTPTimeoutSeconds int    `mapstructure:"http_timeout_seconds" toml:"http_timeout_seconds" yaml:"http_timeout_seconds" json:"http_timeout_seconds"`
	FailurePolicy      string `mapstructure:"failure_policy" toml:"failure_policy" yaml:"failure_policy" json:"failure_policy"`
	RequestsPerMinute  int    `mapstructure:"requests_per_minute" toml:"requests_per_minute" yaml:"requests_per_minute" json:"requests_per_minute"`
	OrgUnitLevels      int    `mapstructure:"org_unit_levels" toml:"org_unit_levels" yaml:"org_unit_levels" json:"org_unit_levels"`
	BlockPrivateIP     bool   `mapstructure:"block_private_ip" toml:"block_private_ip" yaml:"block_private_ip" json:"block_private_ip"`
}

// InstancesConfig is the static registry of source and target systems, keyed by instance name.
type InstancesConfig struct {
	DHIS2 map[string]DHIS2Instance `mapstructure:"dhis2" toml:"dhis2" yaml:"dhis2" json:"dhis2"`
	Alma  map[string]AlmaInstance  `mapstructure:"alma" toml:"alma" yaml:"alma" json:"alma"`
}

// DHIS2Instance holds connection details for a DHIS2 server (url is the API root, e.g. https://host/api)
type DHIS2Instance struct {
	URL      string `mapstructure:"url" toml:"url" yaml:"url" json:"url"`
	Username string `mapstructure:"username" toml:"username" yaml:"username" json:"username"`
	Password string `mapstructure:"password" toml:"password" yaml:"password" json:"password"`
}

// AlmaInstance holds connection details for an ALMA scorecard server
type AlmaInstance struct {
	URL      string `mapstructure:"url" toml:"url" yaml:"url" json:"url"`
	Username string `mapstructure:"username" toml:"username" yaml:"username" json:"username"`
	Password string `mapstructure:"password" toml:"password" yaml:"password" json:"password"`
	Backend  string `mapstructure:"backend" toml:"backend" yaml:"backend" json:"backend"`
}

// Default values
const (
	DefaultServerPort     = 3000
	DefaultDatabasePath   = "almasync.db"
	DefaultProcessor      = "dhis2-alma-sync"
	DefaultWorkers        = 4
	DefaultMaxAttempts    = 3
	DefaultRetentionHours = 24
	DefaultOrgUnitLevels  = 6
	DefaultHTTPTimeout    = 60
)

// File system permissions
const (
	DefaultDirPermissions  = 0755
	DefaultFilePermissions = 0644
)

const redacted = "********"

// PollInterval is how often an idle worker checks the queue
func (p PulseConfig) PollInterval() time.Duration {
	return time.Duration(p.PollIntervalMS) * time.Millisecond
}

// TickerInterval is how often repeatables and delayed jobs are checked
func (p PulseConfig) TickerInterval() time.Duration {
	return time.Duration(p.TickerIntervalSeconds) * time.Second
}

// Backoff is the base delay for exponential retry backoff
func (p PulseConfig) Backoff() time.Duration {
	return time.Duration(p.BackoffSeconds) * time.Second
}

// Retention is how long completed and failed jobs are kept
func (p PulseConfig) Retention() time.Duration {
	return time.Duration(p.RetentionHours) * time.Hour
}

// SweepInterval is how often the scheduler removes orphaned jobs
func (p PulseConfig) SweepInterval() time.Duration {
	return time.Duration(p.SweepIntervalSeconds) * time.Second
}

// Location resolves the cron timezone, defaulting to local time
func (p PulseConfig) Location() (*time.Location, error) {
	if p.Timezone == "" || p.Timezone == "Local" {
		return time.Local, nil
	}
	return time.LoadLocation(p.Timezone)
}

// HTTPTimeout is the per-call timeout for DHIS2 and ALMA requests
func (s SyncConfig) HTTPTimeout() time.Duration {
	return time.Duration(s.HTTPTimeoutSeconds) * time.Second
}

// Redacted returns a copy with instance passwords masked, for display
func (c *Config) Redacted() *Config {
	out := *c
	out.Server.AllowedOrigins = append([]string(nil), c.Server.AllowedOrigins...)
	out.Instances.DHIS2 = make(map[string]DHIS2Instance, len(c.Instances.DHIS2))
	for name, inst := range c.Instances.DHIS2 {
		if inst.Password != "" {
			inst.Password = redacted
		}
		out.Instances.DHIS2[name] = inst
	}
	out.Instances.Alma = make(map[string]AlmaInstance, len(c.Instances.Alma))
	for name, inst := range c.Instances.Alma {
		if inst.Password != "" {
			inst.Password = redacted
		}
		out.Instances.Alma[name] = inst
	}
	return &out
}
