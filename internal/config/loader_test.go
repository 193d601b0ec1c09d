package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dead-mans-switch/internal/core"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, core.GlobalPolicy{MinDelay: 10, MaxDelay: 5_256_000}, cfg.Policy.GlobalPolicy())
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":9090"
  max_skew: 2m
policy:
  min_delay: 20
  max_delay: 400
clock:
  mode: manual
  start: 7
store:
  driver: sqlite
  dsn: /tmp/dms.db
  cache_size: 128
ledger:
  root: abc
  genesis:
    alice: 100
log:
  level: debug
  format: text
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 2*time.Minute, cfg.Server.MaxSkew)
	// untouched keys keep their defaults
	assert.Equal(t, 10*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, core.GlobalPolicy{MinDelay: 20, MaxDelay: 400}, cfg.Policy.GlobalPolicy())
	assert.Equal(t, ClockManual, cfg.Clock.Mode)
	assert.Equal(t, uint64(7), cfg.Clock.Start)
	assert.Equal(t, DriverSQLite, cfg.Store.Driver)
	assert.Equal(t, 128, cfg.Store.CacheSize)
	assert.Equal(t, map[string]uint64{"alice": 100}, cfg.Ledger.Genesis)

	level, err := cfg.Log.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := writeConfig(t, `
store:
  driver: json
  data_dir: /var/lib/dms
`)
	t.Setenv("DMS_STORE_DRIVER", "redis")
	t.Setenv("DMS_STORE_REDIS_ADDR", "redis:6379")
	t.Setenv("DMS_POLICY_MIN_DELAY", "15")
	t.Setenv("DMS_SERVER_RATE_LIMIT", "0")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, DriverRedis, cfg.Store.Driver)
	assert.Equal(t, "redis:6379", cfg.Store.Redis.Addr)
	assert.Equal(t, "/var/lib/dms", cfg.Store.DataDir)
	assert.Equal(t, uint64(15), cfg.Policy.MinDelay)
	assert.Zero(t, cfg.Server.RateLimit)
}

func TestLoadEmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().Server.Addr, cfg.Server.Addr)
}

func TestLoadRejects(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown key", "server:\n  port: 8080\n"},
		{"zero min delay", "policy:\n  min_delay: 0\n"},
		{"inverted policy", "policy:\n  min_delay: 50\n  max_delay: 40\n"},
		{"unknown driver", "store:\n  driver: mongo\n"},
		{"sqlite without dsn", "store:\n  driver: sqlite\n"},
		{"bad clock mode", "clock:\n  mode: sundial\n"},
		{"bad log level", "log:\n  level: chatty\n"},
		{"bad log format", "log:\n  format: xml\n"},
		{"zero interval", "clock:\n  interval: 0s\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			require.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
