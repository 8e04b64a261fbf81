package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "1", cfg.Version)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "memory", cfg.Bus.Driver)
	assert.Equal(t, 5*time.Minute, cfg.Cache.TTL)
	assert.Equal(t, 60*time.Second, cfg.Cache.TTI)
	assert.Equal(t, 15*time.Second, cfg.Feed.KeepAlive)
	assert.Equal(t, "events/**", cfg.Feed.Pattern)
	assert.Equal(t, 3, cfg.Retry.Attempts)
	assert.Empty(t, cfg.Validate())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name       string
		modify     func(*Config)
		wantErrors int
	}{
		{
			name:       "valid default config",
			modify:     func(c *Config) {},
			wantErrors: 0,
		},
		{
			name:       "valid memory store",
			modify:     func(c *Config) { c.Store.Driver = "memory"; c.Store.DSN = "" },
			wantErrors: 0,
		},
		{
			name:       "missing store driver",
			modify:     func(c *Config) { c.Store.Driver = "" },
			wantErrors: 1,
		},
		{
			name:       "invalid store driver",
			modify:     func(c *Config) { c.Store.Driver = "mysql" },
			wantErrors: 1,
		},
		{
			name:       "postgres without dsn",
			modify:     func(c *Config) { c.Store.Driver = "postgres"; c.Store.DSN = "" },
			wantErrors: 1,
		},
		{
			name:       "nats without url",
			modify:     func(c *Config) { c.Bus.Driver = "nats" },
			wantErrors: 1,
		},
		{
			name:       "pgnotify reuses the postgres store dsn",
			modify:     func(c *Config) { c.Store.Driver = "postgres"; c.Store.DSN = "postgres://localhost/db"; c.Bus.Driver = "pgnotify" },
			wantErrors: 0,
		},
		{
			name:       "pgnotify without any dsn",
			modify:     func(c *Config) { c.Bus.Driver = "pgnotify" },
			wantErrors: 1,
		},
		{
			name:       "invalid bus driver",
			modify:     func(c *Config) { c.Bus.Driver = "redis" },
			wantErrors: 1,
		},
		{
			name:       "kafka brokers without topic",
			modify:     func(c *Config) { c.Sinks.Kafka.Brokers = []string{"localhost:9092"} },
			wantErrors: 1,
		},
		{
			name:       "fifo on a standard topic",
			modify:     func(c *Config) { c.Sinks.SNS.TopicARN = "arn:aws:sns:eu-west-1:1:events"; c.Sinks.SNS.FIFO = true },
			wantErrors: 1,
		},
		{
			name:       "negative cache durations",
			modify:     func(c *Config) { c.Cache.TTL = -time.Second },
			wantErrors: 1,
		},
		{
			name:       "zero retry attempts",
			modify:     func(c *Config) { c.Retry.Attempts = 0 },
			wantErrors: 1,
		},
		{
			name:       "zero delay retries at once",
			modify:     func(c *Config) { c.Retry.Delay = 0 },
			wantErrors: 0,
		},
		{
			name:       "negative delay",
			modify:     func(c *Config) { c.Retry.Delay = -time.Millisecond },
			wantErrors: 1,
		},
		{
			name:       "max delay below delay",
			modify:     func(c *Config) { c.Retry.MaxDelay = time.Millisecond },
			wantErrors: 1,
		},
		{
			name:       "unknown exporter and log settings",
			modify:     func(c *Config) { c.Tracing.Exporter = "jaeger"; c.Log.Level = "trace"; c.Log.Format = "xml" },
			wantErrors: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			errors := cfg.Validate()
			assert.Equal(t, tt.wantErrors, len(errors), "errors: %v", errors)
		})
	}
}

func TestConfig_SaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()

	cfg := DefaultConfig()
	cfg.Store.Driver = "postgres"
	cfg.Store.DSN = "postgres://localhost/test"
	cfg.Cache.TTI = 30 * time.Second
	cfg.Sinks.Kafka = KafkaSink{Brokers: []string{"a:9092", "b:9092"}, Topic: "events"}

	require.NoError(t, cfg.Save(tmpDir))

	_, err := os.Stat(filepath.Join(tmpDir, ConfigFileName))
	require.NoError(t, err)

	loaded, err := Load(tmpDir)
	require.NoError(t, err)

	assert.Equal(t, cfg.Store, loaded.Store)
	assert.Equal(t, 30*time.Second, loaded.Cache.TTI)
	assert.Equal(t, cfg.Sinks.Kafka, loaded.Sinks.Kafka)
	assert.Equal(t, cfg.Retry, loaded.Retry)
}

func TestLoadFile(t *testing.T) {
	t.Run("partial file keeps defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), ConfigFileName)
		require.NoError(t, os.WriteFile(path, []byte("store:\n  driver: memory\ncache:\n  ttl: 90s\n"), 0644))

		cfg, err := LoadFile(path)
		require.NoError(t, err)

		assert.Equal(t, "memory", cfg.Store.Driver)
		assert.Equal(t, 90*time.Second, cfg.Cache.TTL)
		assert.Equal(t, 60*time.Second, cfg.Cache.TTI)
		assert.Equal(t, ":8080", cfg.Feed.Addr)
	})

	t.Run("environment overrides", func(t *testing.T) {
		t.Setenv(EnvStoreDSN, "postgres://override/db")
		t.Setenv(EnvBusURL, "nats://override:4222")

		path := filepath.Join(t.TempDir(), ConfigFileName)
		require.NoError(t, os.WriteFile(path, []byte("store:\n  driver: postgres\n  dsn: postgres://file/db\n"), 0644))

		cfg, err := LoadFile(path)
		require.NoError(t, err)

		assert.Equal(t, "postgres://override/db", cfg.Store.DSN)
		assert.Equal(t, "nats://override:4222", cfg.Bus.URL)
	})

	t.Run("expands references", func(t *testing.T) {
		t.Setenv("STOAT_TEST_HOST", "db.internal")

		path := filepath.Join(t.TempDir(), ConfigFileName)
		require.NoError(t, os.WriteFile(path, []byte("store:\n  driver: postgres\n  dsn: postgres://${STOAT_TEST_HOST}/db\n"), 0644))

		cfg, err := LoadFile(path)
		require.NoError(t, err)
		assert.Equal(t, "postgres://db.internal/db", cfg.Store.DSN)
	})

	t.Run("invalid duration", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), ConfigFileName)
		require.NoError(t, os.WriteFile(path, []byte("cache:\n  ttl: soon\n"), 0644))

		_, err := LoadFile(path)
		assert.Error(t, err)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.ErrorIs(t, err, os.ErrNotExist)
	})
}

func TestExists(t *testing.T) {
	tmpDir := t.TempDir()
	assert.False(t, Exists(tmpDir))

	require.NoError(t, DefaultConfig().Save(tmpDir))
	assert.True(t, Exists(tmpDir))
}

func TestFindConfig(t *testing.T) {
	tmpDir := t.TempDir()

	cfg := DefaultConfig()
	cfg.Feed.Addr = ":9090"
	require.NoError(t, cfg.Save(tmpDir))

	nested := filepath.Join(tmpDir, "a", "b", "c")
	require.NoError(t, os.MkdirAll(nested, 0755))

	foundDir, foundCfg, err := FindConfig(nested)
	require.NoError(t, err)

	assert.Equal(t, tmpDir, foundDir)
	assert.Equal(t, ":9090", foundCfg.Feed.Addr)
}

func TestBusDSN(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Store.DSN = "postgres://store/db"
	assert.Equal(t, "postgres://store/db", cfg.BusDSN())

	cfg.Bus.URL = "postgres://bus/db"
	assert.Equal(t, "postgres://bus/db", cfg.BusDSN())
}

func TestRetryPolicy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Retry.Attempts = 5

	policy := cfg.RetryPolicy()
	assert.Equal(t, 5, policy.Attempts)
	assert.Equal(t, 10*time.Millisecond, policy.Delay)
	assert.Equal(t, 250*time.Millisecond, policy.MaxDelay)
}

func TestGenerateYAML(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Store.Driver = "postgres"
	cfg.Store.DSN = "${DATABASE_URL}"

	content := GenerateYAML(cfg)

	assert.Contains(t, content, "# Stoat Configuration File")
	assert.Contains(t, content, `driver: "postgres"`)
	assert.Contains(t, content, "keep_alive: 15s")
	assert.Contains(t, content, EnvStoreDSN)

	path := filepath.Join(t.TempDir(), ConfigFileName)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	t.Setenv("DATABASE_URL", "postgres://localhost/app")
	loaded, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://localhost/app", loaded.Store.DSN)
	assert.Equal(t, 15*time.Second, loaded.Feed.KeepAlive)
	assert.Empty(t, loaded.Validate())
}
