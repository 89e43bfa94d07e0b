package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/redsweep/pkg/bulkaction"
)

// isolate keeps the loader away from files and variables on the host.
func isolate(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	t.Setenv("XDG_CONFIG_HOME", dir)
	t.Setenv("HOME", dir)
	t.Setenv("REDSWEEP_CONFIG", "")
}

func TestLoad(t *testing.T) {
	ctx := context.Background()

	t.Run("LoadDefaults", func(t *testing.T) {
		isolate(t)
		cfg, err := Load(ctx)
		require.NoError(t, err)

		assert.Equal(t, "localhost", cfg.Server.Host)
		assert.Equal(t, 8080, cfg.Server.Port)
		assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
		assert.Equal(t, time.Duration(0), cfg.Server.WriteTimeout)
		assert.Equal(t, 120*time.Second, cfg.Server.IdleTimeout)
		assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)

		assert.Equal(t, "info", cfg.Logging.Level)
		assert.Equal(t, "STRUCTURED", cfg.Logging.Profile)

		assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
		assert.Equal(t, 5*time.Second, cfg.Redis.DialTimeout)

		assert.Equal(t, bulkaction.DefaultCount, cfg.Bulk.DefaultCount)
		assert.Equal(t, time.Hour, cfg.Bulk.Retention)
		assert.Equal(t, bulkaction.DefaultOverviewErrorLimit, cfg.Bulk.OverviewErrorLimit)
		assert.Equal(t, 1000, cfg.Bulk.FlushEvery)

		assert.False(t, cfg.Report.S3.Enabled())
		assert.Equal(t, 15*time.Minute, cfg.Report.S3.PresignTTL)

		assert.Equal(t, DefaultHistoryDir(), cfg.History.Dir)
		assert.Equal(t, "history", filepath.Base(cfg.History.Dir))
		assert.Equal(t, 720*time.Hour, cfg.History.Retention)
	})

	t.Run("RuntimeOverrides", func(t *testing.T) {
		isolate(t)
		cfg, err := Load(ctx, map[string]any{
			"server":  map[string]any{"port": 9000, "host": "0.0.0.0"},
			"logging": map[string]any{"level": "debug"},
			"bulk":    map[string]any{"retention": "5m"},
		})
		require.NoError(t, err)

		assert.Equal(t, "0.0.0.0", cfg.Server.Host)
		assert.Equal(t, 9000, cfg.Server.Port)
		assert.Equal(t, "debug", cfg.Logging.Level)
		assert.Equal(t, 5*time.Minute, cfg.Bulk.Retention)
		assert.Equal(t, "STRUCTURED", cfg.Logging.Profile)
	})

	t.Run("EnvOverrides", func(t *testing.T) {
		isolate(t)
		t.Setenv("REDSWEEP_PORT", "3000")
		t.Setenv("REDSWEEP_LOG_LEVEL", "warn")
		t.Setenv("REDSWEEP_REDIS_ADDR", "cache:6380")
		t.Setenv("REDSWEEP_BULK_RATE_LIMIT", "12.5")
		t.Setenv("REDSWEEP_REPORT_BUCKET", "reports")

		cfg, err := Load(ctx)
		require.NoError(t, err)

		assert.Equal(t, 3000, cfg.Server.Port)
		assert.Equal(t, "warn", cfg.Logging.Level)
		assert.Equal(t, "cache:6380", cfg.Redis.Addr)
		assert.Equal(t, 12.5, cfg.Bulk.RateLimit)
		assert.True(t, cfg.Report.S3.Enabled())
		assert.Equal(t, "reports", cfg.Report.S3.ArchiverConfig().Bucket)
	})

	t.Run("ConfigPrecedence", func(t *testing.T) {
		isolate(t)
		t.Setenv("REDSWEEP_PORT", "4000")

		cfg, err := Load(ctx, map[string]any{"server": map[string]any{"port": 5000}})
		require.NoError(t, err)
		assert.Equal(t, 5000, cfg.Server.Port)
	})

	t.Run("ConfigFile", func(t *testing.T) {
		isolate(t)
		wd, err := os.Getwd()
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(wd, "redsweep.yaml"), []byte(`
server:
  port: 7070
redis:
  addr: file-host:6379
  read_timeout: 2s
bulk:
  default_count: 500
`), 0o600))
		t.Setenv("REDSWEEP_PORT", "7171")

		cfg, err := Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, 7171, cfg.Server.Port, "env beats file")
		assert.Equal(t, "file-host:6379", cfg.Redis.Addr)
		assert.Equal(t, 2*time.Second, cfg.Redis.ReadTimeout)
		assert.Equal(t, 500, cfg.Bulk.DefaultCount)
	})

	t.Run("ExplicitConfigMissing", func(t *testing.T) {
		isolate(t)
		t.Setenv("REDSWEEP_CONFIG", filepath.Join(t.TempDir(), "nope.yaml"))
		_, err := Load(ctx)
		assert.Error(t, err)
	})

	t.Run("InvalidValues", func(t *testing.T) {
		isolate(t)
		_, err := Load(ctx, map[string]any{"bulk": map[string]any{"default_count": 0}})
		assert.Error(t, err)

		_, err = Load(ctx, map[string]any{"server": map[string]any{"port": 70000}})
		assert.Error(t, err)

		_, err = Load(ctx, map[string]any{"history": map[string]any{"retention": "-1h"}})
		assert.Error(t, err)
	})
}

func TestGetConfig(t *testing.T) {
	isolate(t)
	cfg, err := Load(context.Background())
	require.NoError(t, err)

	got := GetConfig()
	require.NotNil(t, got)
	assert.Equal(t, cfg.Server.Port, got.Server.Port)
}

func TestEnvSpecs(t *testing.T) {
	names := make(map[string]bool)
	for _, spec := range getEnvSpecs() {
		names[spec.Name] = true
	}
	assert.True(t, names["REDSWEEP_LOG_LEVEL"])
	assert.True(t, names["REDSWEEP_PORT"])
	assert.True(t, names["REDSWEEP_HOST"])
	assert.True(t, names["REDSWEEP_REDIS_ADDR"])
}

func TestFlatten(t *testing.T) {
	got := flatten("", map[string]any{
		"a": 1,
		"b": map[string]any{"c": "x", "d": map[string]any{"e": true}},
	})
	assert.Equal(t, map[string]any{"a": 1, "b.c": "x", "b.d.e": true}, got)
}

func TestRedisConfig_StoreConfig(t *testing.T) {
	rc := RedisConfig{Addr: "h:1", DB: 2, PoolSize: 4, ReadTimeout: time.Second}
	sc := rc.StoreConfig()
	assert.Equal(t, "h:1", sc.Addr)
	assert.Equal(t, 2, sc.DB)
	assert.Equal(t, 4, sc.PoolSize)
	assert.Equal(t, time.Second, sc.ReadTimeout)
}
