// Package config provides configuration management for the stoat CLI.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	stoat "github.com/AshkanYarmoradi/go-stoat"
)

// Environment variables that override values from the file.
const (
	EnvStoreDSN = "STOAT_STORE_DSN"
	EnvBusURL   = "STOAT_BUS_URL"
)

// ConfigFileName is the default config file name
const ConfigFileName = "stoat.yaml"

// Config represents the stoat CLI configuration
type Config struct {
	// Version of the config file format
	Version string `yaml:"version"`

	Store   StoreConfig   `yaml:"store"`
	Bus     BusConfig     `yaml:"bus"`
	Sinks   SinksConfig   `yaml:"sinks"`
	Cache   CacheConfig   `yaml:"cache"`
	Feed    FeedConfig    `yaml:"feed"`
	Retry   RetryConfig   `yaml:"retry"`
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
	Log     LogConfig     `yaml:"log"`
}

// StoreConfig selects the event store backend
type StoreConfig struct {
	// Driver is one of memory, postgres or sqlite
	Driver string `yaml:"driver"`

	// DSN is the connection string (postgres) or database file (sqlite)
	DSN string `yaml:"dsn,omitempty"`

	// Schema is the PostgreSQL schema
	Schema string `yaml:"schema,omitempty"`

	// Table is the SQLite events table
	Table string `yaml:"table,omitempty"`
}

// BusConfig selects the notification bus
type BusConfig struct {
	// Driver is one of memory, nats or pgnotify
	Driver string `yaml:"driver"`

	// URL is the NATS server URL or the PostgreSQL DSN for pgnotify.
	// pgnotify falls back to the store DSN when empty.
	URL string `yaml:"url,omitempty"`

	// Channel is the LISTEN/NOTIFY channel
	Channel string `yaml:"channel,omitempty"`
}

// SinksConfig lists publish-only destinations fed next to the bus
type SinksConfig struct {
	Kafka   KafkaSink   `yaml:"kafka"`
	SNS     SNSSink     `yaml:"sns"`
	Webhook WebhookSink `yaml:"webhook"`
}

// KafkaSink is enabled when brokers are set
type KafkaSink struct {
	Brokers []string `yaml:"brokers,omitempty"`
	Topic   string   `yaml:"topic,omitempty"`
}

// SNSSink is enabled when a topic ARN is set
type SNSSink struct {
	TopicARN string `yaml:"topic_arn,omitempty"`
	Region   string `yaml:"region,omitempty"`
	FIFO     bool   `yaml:"fifo,omitempty"`
}

// WebhookSink is enabled when a URL is set
type WebhookSink struct {
	URL     string        `yaml:"url,omitempty"`
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// CacheConfig holds the cache expiry settings
type CacheConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	TTI           time.Duration `yaml:"tti"`
	PurgeInterval time.Duration `yaml:"purge_interval"`
}

// FeedConfig configures the live event feed served by "stoat serve"
type FeedConfig struct {
	Addr      string        `yaml:"addr"`
	Path      string        `yaml:"path"`
	Pattern   string        `yaml:"pattern"`
	KeepAlive time.Duration `yaml:"keep_alive"`
}

// RetryConfig configures conflict retries of command handlers
type RetryConfig struct {
	Attempts int           `yaml:"attempts"`
	Delay    time.Duration `yaml:"delay"`
	MaxDelay time.Duration `yaml:"max_delay"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

// TracingConfig configures span export
type TracingConfig struct {
	// Exporter is "none" or "stdout"
	Exporter    string `yaml:"exporter"`
	ServiceName string `yaml:"service_name"`
}

// LogConfig configures the structured logger
type LogConfig struct {
	// Level is one of debug, info, warn, error
	Level string `yaml:"level"`

	// Format is text or json
	Format string `yaml:"format"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Version: "1",
		Store: StoreConfig{
			Driver: "sqlite",
			DSN:    "stoat.db",
			Schema: "public",
			Table:  "stoat_events",
		},
		Bus: BusConfig{
			Driver:  "memory",
			Channel: "stoat_events",
		},
		Sinks: SinksConfig{
			Webhook: WebhookSink{Timeout: 5 * time.Second},
		},
		Cache: CacheConfig{
			TTL:           5 * time.Minute,
			TTI:           60 * time.Second,
			PurgeInterval: time.Minute,
		},
		Feed: FeedConfig{
			Addr:      ":8080",
			Path:      "/events",
			Pattern:   "events/**",
			KeepAlive: 15 * time.Second,
		},
		Retry: RetryConfig{
			Attempts: 3,
			Delay:    10 * time.Millisecond,
			MaxDelay: 250 * time.Millisecond,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Path:      "/metrics",
			Namespace: "stoat",
		},
		Tracing: TracingConfig{
			Exporter:    "none",
			ServiceName: "stoat",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from the specified directory
func Load(dir string) (*Config, error) {
	path := filepath.Join(dir, ConfigFileName)
	return LoadFile(path)
}

// LoadFile loads configuration from a specific file path.
// Missing sections keep their defaults and environment overrides are applied.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("stoat/config: parse %s: %w", path, err)
	}

	cfg.ApplyEnv()
	return cfg, nil
}

// ApplyEnv expands environment references in connection strings and applies
// the STOAT_* overrides.
func (c *Config) ApplyEnv() {
	c.Store.DSN = os.ExpandEnv(c.Store.DSN)
	c.Bus.URL = os.ExpandEnv(c.Bus.URL)
	c.Sinks.Webhook.URL = os.ExpandEnv(c.Sinks.Webhook.URL)

	if dsn := os.Getenv(EnvStoreDSN); dsn != "" {
		c.Store.DSN = dsn
	}
	if url := os.Getenv(EnvBusURL); url != "" {
		c.Bus.URL = url
	}
}

// Save saves the configuration to the specified directory
func (c *Config) Save(dir string) error {
	path := filepath.Join(dir, ConfigFileName)
	return c.SaveFile(path)
}

// SaveFile saves the configuration to a specific file path
func (c *Config) SaveFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// Exists checks if a config file exists in the directory
func Exists(dir string) bool {
	path := filepath.Join(dir, ConfigFileName)
	_, err := os.Stat(path)
	return err == nil
}

// FindConfig searches for a config file starting from dir and going up
func FindConfig(dir string) (string, *Config, error) {
	current := dir
	for {
		configPath := filepath.Join(current, ConfigFileName)
		if _, err := os.Stat(configPath); err == nil {
			cfg, err := LoadFile(configPath)
			if err != nil {
				return "", nil, err
			}
			return current, cfg, nil
		}

		parent := filepath.Dir(current)
		if parent == current {
			return "", nil, os.ErrNotExist
		}
		current = parent
	}
}

// BusDSN returns the connection string used by the pgnotify bus.
func (c *Config) BusDSN() string {
	if c.Bus.URL != "" {
		return c.Bus.URL
	}
	return c.Store.DSN
}

// Validate validates the configuration
func (c *Config) Validate() []string {
	var errors []string

	switch c.Store.Driver {
	case "":
		errors = append(errors, "store.driver is required")
	case "memory":
	case "postgres", "sqlite":
		if c.Store.DSN == "" {
			errors = append(errors, fmt.Sprintf("store.dsn is required for %s driver", c.Store.Driver))
		}
	default:
		errors = append(errors, "store.driver must be 'memory', 'postgres' or 'sqlite'")
	}

	switch c.Bus.Driver {
	case "", "memory":
	case "nats":
		if c.Bus.URL == "" {
			errors = append(errors, "bus.url is required for nats driver")
		}
	case "pgnotify":
		if c.Bus.URL == "" && c.Store.Driver != "postgres" {
			errors = append(errors, "bus.url is required for pgnotify unless the store is postgres")
		}
	default:
		errors = append(errors, "bus.driver must be 'memory', 'nats' or 'pgnotify'")
	}

	if len(c.Sinks.Kafka.Brokers) > 0 && c.Sinks.Kafka.Topic == "" {
		errors = append(errors, "sinks.kafka.topic is required when brokers are set")
	}
	if c.Sinks.SNS.FIFO && !strings.HasSuffix(c.Sinks.SNS.TopicARN, ".fifo") {
		errors = append(errors, "sinks.sns.topic_arn must name a .fifo topic when fifo is set")
	}

	if c.Cache.TTL < 0 || c.Cache.TTI < 0 {
		errors = append(errors, "cache.ttl and cache.tti must not be negative")
	}
	if c.Feed.KeepAlive < 0 {
		errors = append(errors, "feed.keep_alive must not be negative")
	}
	if c.Retry.Attempts < 1 {
		errors = append(errors, "retry.attempts must be at least 1")
	}
	if c.Retry.Delay < 0 || c.Retry.MaxDelay < 0 {
		errors = append(errors, "retry.delay and retry.max_delay must not be negative")
	}
	if c.Retry.MaxDelay > 0 && c.Retry.MaxDelay < c.Retry.Delay {
		errors = append(errors, "retry.max_delay must not be lower than retry.delay")
	}

	switch c.Tracing.Exporter {
	case "", "none", "stdout":
	default:
		errors = append(errors, "tracing.exporter must be 'none' or 'stdout'")
	}

	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		errors = append(errors, "log.level must be one of debug, info, warn, error")
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		errors = append(errors, "log.format must be 'text' or 'json'")
	}

	return errors
}

// GenerateYAML generates YAML content with comments
func GenerateYAML(cfg *Config) string {
	return `# Stoat Configuration File

version: "1"

# Event store backend: memory, postgres or sqlite
store:
  driver: "` + cfg.Store.Driver + `"
  # Connection string (postgres) or database file (sqlite).
  # Overridden by ` + EnvStoreDSN + `.
  dsn: "` + cfg.Store.DSN + `"
  schema: "` + cfg.Store.Schema + `"
  table: "` + cfg.Store.Table + `"

# Notification bus: memory, nats or pgnotify
bus:
  driver: "` + cfg.Bus.Driver + `"
  # NATS URL or pgnotify DSN. Overridden by ` + EnvBusURL + `.
  url: "` + cfg.Bus.URL + `"
  channel: "` + cfg.Bus.Channel + `"

# Publish-only sinks, each enabled by its address
sinks:
  kafka:
    brokers: []
    topic: ""
  sns:
    topic_arn: ""
    fifo: false
  webhook:
    url: ""
    timeout: ` + cfg.Sinks.Webhook.Timeout.String() + `

cache:
  ttl: ` + cfg.Cache.TTL.String() + `
  tti: ` + cfg.Cache.TTI.String() + `
  purge_interval: ` + cfg.Cache.PurgeInterval.String() + `

# Live feed served by "stoat serve"
feed:
  addr: "` + cfg.Feed.Addr + `"
  path: "` + cfg.Feed.Path + `"
  pattern: "` + cfg.Feed.Pattern + `"
  keep_alive: ` + cfg.Feed.KeepAlive.String() + `

# Conflict retries of command handlers
retry:
  attempts: ` + fmt.Sprint(cfg.Retry.Attempts) + `
  delay: ` + cfg.Retry.Delay.String() + `
  max_delay: ` + cfg.Retry.MaxDelay.String() + `

metrics:
  enabled: ` + fmt.Sprint(cfg.Metrics.Enabled) + `
  path: "` + cfg.Metrics.Path + `"
  namespace: "` + cfg.Metrics.Namespace + `"

# Span export: none or stdout
tracing:
  exporter: "` + cfg.Tracing.Exporter + `"
  service_name: "` + cfg.Tracing.ServiceName + `"

log:
  level: "` + cfg.Log.Level + `"
  format: "` + cfg.Log.Format + `"
`
}

// RetryPolicy converts the retry section for stoat.WithRetryPolicy.
func (c *Config) RetryPolicy() stoat.RetryPolicy {
	return stoat.RetryPolicy{
		Attempts: c.Retry.Attempts,
		Delay:    c.Retry.Delay,
		MaxDelay: c.Retry.MaxDelay,
	}
}
