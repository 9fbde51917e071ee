package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"study-portal/pkg/workspace"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnv_Defaults(t *testing.T) {
	cfg := FromEnv()

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, 3, cfg.Sync.MaxConcurrent)
	assert.Equal(t, 30*time.Second, cfg.Sync.TaskTimeout)
	assert.Equal(t, 15*time.Second, cfg.Sync.MutationTimeout)
	assert.Equal(t, "study-portal:changes", cfg.Redis.Channel)
	assert.NoError(t, cfg.Validate())
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("SYNC_TASK_TIMEOUT", "5s")
	t.Setenv("SYNC_MAX_CONCURRENT", "6")
	t.Setenv("REDIS_ENABLED", "true")

	cfg := FromEnv()
	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, 5*time.Second, cfg.Sync.TaskTimeout)
	assert.Equal(t, 6, cfg.Sync.MaxConcurrent)
	assert.True(t, cfg.Redis.Enabled)
}

func TestLoad_YAMLOverlayAndValidation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "portal.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
sync:
  stalePolicy: blocking
  taskTimeout: 45s
  feedSource: redis
log:
  level: debug
`), 0o600))
	t.Setenv("CONFIG_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "blocking", cfg.Sync.StalePolicy)
	assert.Equal(t, 45*time.Second, cfg.Sync.TaskTimeout)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "8080", cfg.Server.Port, "keys absent from the file keep env values")

	ws, err := cfg.Sync.Workspace()
	require.NoError(t, err)
	assert.Equal(t, workspace.Blocking, ws.StalePolicy)
	assert.Equal(t, 45*time.Second, ws.Prefetch.TaskTimeout)
	assert.Equal(t, 15*time.Second, ws.Mutation.Timeout)
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"mongo without uri", func(c *Config) { c.Storage.Driver = "mongo"; c.Storage.MongoURI = "" }},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "postgres" }},
		{"short jwt secret", func(c *Config) { c.JWT.Secret = "short" }},
		{"bad feed source", func(c *Config) { c.Sync.FeedSource = "carrier-pigeon" }},
		{"zero concurrency", func(c *Config) { c.Sync.MaxConcurrent = 0 }},
		{"reconnect max below initial", func(c *Config) { c.Sync.ReconnectMax = time.Millisecond }},
		{"bad log level", func(c *Config) { c.Log.Level = "verbose" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := FromEnv()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoad_MissingConfigFile(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	_, err := Load()
	assert.Error(t, err)
}
