package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.EqualValues(t, 10, cfg.Store.MaxConns)
	assert.EqualValues(t, 2, cfg.Store.MinConns)
	assert.Equal(t, 5*time.Minute, cfg.Store.MaxConnIdleTime)
	assert.Equal(t, 30*time.Minute, cfg.Store.MaxConnLifetime)
	assert.Equal(t, 100000, cfg.Crypto.Iterations)
	assert.Equal(t, "memory", cfg.Session.Backend)
	assert.Equal(t, 30*time.Minute, cfg.Session.IdleTimeout)
	assert.Equal(t, time.Minute, cfg.Session.ReapInterval)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Server.RequestTimeout)
	assert.Equal(t, 2160*time.Hour, cfg.Cleanup.Retention)
	assert.Equal(t, 10000, cfg.Optimizer.ProbabilityDraws)
	assert.Equal(t, 300, cfg.Monitoring.CheckIntervalSecs)
	assert.Equal(t, 24, cfg.Monitoring.LookbackWindowHours)

	p := cfg.Optimizer.Params()
	assert.Equal(t, 30, p.MinSamples)
	assert.InDelta(t, 0.1, p.LearningRate, 1e-9)
	assert.InDelta(t, 0.15, p.ExplorationRate, 1e-9)
	assert.InDelta(t, 0.995, p.Decay, 1e-9)
	assert.InDelta(t, 0.01, p.MinExploration, 1e-9)
	assert.InDelta(t, 100, p.ConfidenceThreshold, 1e-9)
	assert.Equal(t, 100, p.SwitchInterval)
	assert.Equal(t, 50, p.LowTrafficThreshold)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
  database_url: optimizer.db
session:
  backend: redis
  redis_addr: localhost:6379
  idle_timeout: 10m
optimizer:
  min_samples: 50
  exploration_decay: 0.9
log:
  level: debug
  format: console
server:
  port: 9090
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "optimizer.db", cfg.Store.DatabaseURL)
	assert.Equal(t, "redis", cfg.Session.Backend)
	assert.Equal(t, 10*time.Minute, cfg.Session.IdleTimeout)
	assert.Equal(t, 50, cfg.Optimizer.MinSamples)
	assert.InDelta(t, 0.9, cfg.Optimizer.Params().Decay, 1e-9)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 9090, cfg.Server.Port)
	// Defaults still apply for unset values
	assert.InDelta(t, 0.15, cfg.Optimizer.ExplorationRate, 1e-9)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("OPTIMIZER_STORE_DRIVER", "postgres")
	t.Setenv("OPTIMIZER_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadBindsWellKnownEnv(t *testing.T) {
	chdirTemp(t)

	t.Setenv("ALGORITHM_STATE_SECRET", strings.Repeat("s", 40))
	t.Setenv("DATABASE_URL", "postgres://localhost/optimizer")
	t.Setenv("OPTIMIZER_SERVER_PORT", "3000")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("s", 40), cfg.Crypto.StateSecret)
	assert.Equal(t, "postgres://localhost/optimizer", cfg.Store.DatabaseURL)
	assert.Equal(t, 3000, cfg.Server.Port)
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validDefaults returns a Config that passes every mode.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Store.Driver = "postgres"
	cfg.Store.DatabaseURL = "postgres://localhost/test"
	cfg.Crypto.StateSecret = strings.Repeat("k", 32)
	cfg.Session.Backend = "memory"
	cfg.Server.Port = 8080
	cfg.Optimizer = OptimizerConfig{
		MinSamples:          30,
		LearningRate:        0.1,
		ExplorationRate:     0.15,
		ExplorationDecay:    0.995,
		MinExploration:      0.01,
		ConfidenceThreshold: 100,
		SwitchInterval:      100,
		LowTrafficThreshold: 50,
		ProbabilityDraws:    10000,
	}
	return cfg
}

func TestValidate_AllModes(t *testing.T) {
	cfg := validDefaults()
	for _, mode := range []string{"serve", "migrate", "cleanup", "experiment"} {
		assert.NoError(t, cfg.Validate(mode), mode)
	}
}

func TestValidate_Secret(t *testing.T) {
	cfg := validDefaults()
	cfg.Crypto.StateSecret = ""
	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ALGORITHM_STATE_SECRET")

	cfg.Crypto.StateSecret = "too-short"
	err = cfg.Validate("migrate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least 32 characters")
}

func TestValidate_Store(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.DatabaseURL = ""
	err := cfg.Validate("cleanup")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")

	cfg.Store.Driver = "mysql"
	err = cfg.Validate("cleanup")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.driver")
}

func TestValidateServe(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = 0
	cfg.Session.Backend = "redis"
	cfg.Optimizer.ExplorationRate = 2

	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")
	assert.Contains(t, err.Error(), "session.redis_addr")
	assert.Contains(t, err.Error(), "exploration_rate")

	// migrate does not look at server or session settings.
	assert.NoError(t, cfg.Validate("migrate"))
}

func TestValidateUnknownMode(t *testing.T) {
	cfg := validDefaults()
	err := cfg.Validate("unknown")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}
