package am

import (
	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.path", DefaultDatabasePath)

	// Server configuration defaults
	v.SetDefault("server.port", DefaultServerPort)
	v.SetDefault("server.allowed_origins", []string{
		"http://localhost",
		"https://localhost",
		"http://127.0.0.1",
		"https://127.0.0.1",
	})
	v.SetDefault("server.redis_url", "")
	v.SetDefault("server.redis_channel", "almasync:events")

	// Pulse (job runtime) defaults
	v.SetDefault("pulse.workers", DefaultWorkers)
	v.SetDefault("pulse.poll_interval_ms", 500)
	v.SetDefault("pulse.ticker_interval_seconds", 1)
	v.SetDefault("pulse.max_attempts", DefaultMaxAttempts)
	v.SetDefault("pulse.backoff_seconds", 5)
	v.SetDefault("pulse.retention_hours", DefaultRetentionHours)
	v.SetDefault("pulse.sweep_interval_seconds", 300)
	v.SetDefault("pulse.timezone", "Local")
	v.SetDefault("pulse.processor", DefaultProcessor)

	// Sync defaults
	v.SetDefault("sync.http_timeout_seconds", DefaultHTTPTimeout)
	v.SetDefault("sync.failure_policy", "continue")
	v.SetDefault("sync.requests_per_minute", 0) // 0 = unlimited
	v.SetDefault("sync.org_unit_levels", DefaultOrgUnitLevels)
	v.SetDefault("sync.block_private_ip", false)
}

// BindSensitiveEnvVars binds values that deployments commonly inject through the environment.
// Instance credentials are nested maps and are read from config files only.
func BindSensitiveEnvVars(v *viper.Viper) {
	v.BindEnv("database.path", "ALMASYNC_DATABASE_PATH", "DB_PATH")
	v.BindEnv("server.redis_url", "ALMASYNC_REDIS_URL", "REDIS_URL")
}
