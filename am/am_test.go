package am

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func defaultConfig(t *testing.T) *Config {
	t.Helper()
	v := viper.New()
	SetDefaults(v)
	cfg, err := LoadWithViper(v)
	require.NoError(t, err)
	return cfg
}

func TestLoad_Defaults(t *testing.T) {
	cfg := defaultConfig(t)

	assert.Equal(t, DefaultDatabasePath, cfg.Database.Path)
	assert.Equal(t, DefaultServerPort, cfg.Server.Port)
	assert.Equal(t, 4, cfg.Pulse.Workers)
	assert.Equal(t, 3, cfg.Pulse.MaxAttempts)
	assert.Equal(t, 24*time.Hour, cfg.Pulse.Retention())
	assert.Equal(t, "continue", cfg.Sync.FailurePolicy)
	assert.Equal(t, 6, cfg.Sync.OrgUnitLevels)
	assert.Equal(t, time.Minute, cfg.Sync.HTTPTimeout())
	assert.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"zero workers is valid (disabled)", func(c *Config) { c.Pulse.Workers = 0 }, ""},
		{"negative workers", func(c *Config) { c.Pulse.Workers = -1 }, "pulse.workers"},
		{"zero attempts", func(c *Config) { c.Pulse.MaxAttempts = 0 }, "pulse.max_attempts"},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
		{"unknown failure policy", func(c *Config) { c.Sync.FailurePolicy = "retry" }, "sync.failure_policy"},
		{"bad timezone", func(c *Config) { c.Pulse.Timezone = "Mars/Olympus" }, "pulse.timezone"},
		{"abort policy", func(c *Config) { c.Sync.FailurePolicy = "abort" }, ""},
		{"instance without url", func(c *Config) {
			c.Instances.DHIS2 = map[string]DHIS2Instance{"a": {Username: "admin"}}
		}, "instances.dhis2.a.url"},
		{"instance with ftp url", func(c *Config) {
			c.Instances.Alma = map[string]AlmaInstance{"b": {URL: "ftp://alma"}}
		}, "instances.alma.b.url"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

const sampleConfig = `
[database]
path = "/var/lib/almasync/sync.db"

[pulse]
workers = 2
timezone = "UTC"

[sync]
failure_policy = "fail-at-end"

[instances.dhis2.Main]
url = "https://dhis2.example.org/api"
username = "admin"
password = "district"

[instances.alma.Scorecards]
url = "https://alma.example.org/api"
username = "sync"
password = "secret"
backend = "https://dhis2.example.org"
`

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "am.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), DefaultFilePermissions))
	return path
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, t.TempDir(), sampleConfig)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "/var/lib/almasync/sync.db", cfg.Database.Path)
	assert.Equal(t, 2, cfg.Pulse.Workers)
	assert.Equal(t, "fail-at-end", cfg.Sync.FailurePolicy)
	assert.Equal(t, DefaultServerPort, cfg.Server.Port, "defaults fill unspecified keys")

	// Viper lowercases map keys
	require.Contains(t, cfg.Instances.DHIS2, "main")
	assert.Equal(t, "https://dhis2.example.org/api", cfg.Instances.DHIS2["main"].URL)
	assert.Equal(t, "https://dhis2.example.org", cfg.Instances.Alma["scorecards"].Backend)
}

func TestLoadFromFile_Missing(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestLoad_ExplicitConfigAndEnvOverride(t *testing.T) {
	path := writeConfig(t, t.TempDir(), sampleConfig)
	t.Setenv("ALMASYNC_CONFIG", path)
	t.Setenv("ALMASYNC_SERVER_PORT", "4100")

	Reset()
	t.Cleanup(Reset)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 4100, cfg.Server.Port)
	assert.Equal(t, 2, cfg.Pulse.Workers)
	assert.Equal(t, path, ConfigFileUsed())

	again, err := Load()
	require.NoError(t, err)
	assert.Same(t, cfg, again, "Load caches until Reset")
}

func TestRedacted(t *testing.T) {
	path := writeConfig(t, t.TempDir(), sampleConfig)
	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	red := cfg.Redacted()
	assert.Equal(t, redacted, red.Instances.DHIS2["main"].Password)
	assert.Equal(t, redacted, red.Instances.Alma["scorecards"].Password)
	assert.Equal(t, "district", cfg.Instances.DHIS2["main"].Password, "original untouched")
}

func TestConfigWatcherReloads(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, sampleConfig)

	cw, err := NewConfigWatcher(path, zap.NewNop().Sugar())
	require.NoError(t, err)
	cw.debouncePeriod = 10 * time.Millisecond

	reloaded := make(chan *Config, 1)
	cw.OnReload(func(c *Config) error {
		select {
		case reloaded <- c:
		default:
		}
		return nil
	})
	cw.Start()
	t.Cleanup(func() { cw.Stop() })

	updated := sampleConfig + "\n[instances.dhis2.Backup]\nurl = \"https://backup.example.org/api\"\n"
	require.NoError(t, os.WriteFile(path, []byte(updated), DefaultFilePermissions))

	select {
	case cfg := <-reloaded:
		assert.Contains(t, cfg.Instances.DHIS2, "backup")
	case <-time.After(3 * time.Second):
		t.Fatal("config reload was not observed")
	}
}

func TestIsEditorArtifact(t *testing.T) {
	assert.True(t, isEditorArtifact("/etc/almasync/am.toml~"))
	assert.True(t, isEditorArtifact("/etc/almasync/.am.toml.swp"))
	assert.False(t, isEditorArtifact("/etc/almasync/am.toml"))
}
