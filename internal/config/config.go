package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models releaseflow.yml.
type Config struct {
	Service string `yaml:"service"`
	Store   struct {
		Driver string `yaml:"driver"`
		DSN    string `yaml:"dsn"`
	} `yaml:"store"`
	Broker struct {
		Driver     string   `yaml:"driver"`
		Brokers    []string `yaml:"brokers"`
		ClientID   string   `yaml:"client_id"`
		Partitions int      `yaml:"partitions"`
	} `yaml:"broker"`
	Topics struct {
		Release string `yaml:"release"`
		Errors  string `yaml:"errors"`
		Alerts  string `yaml:"alerts"`
	} `yaml:"topics"`
	Retry   RetryConfig   `yaml:"retry"`
	Monitor MonitorConfig `yaml:"monitor"`
	Outbox  struct {
		IntervalMS int `yaml:"interval_ms"`
		BatchSize  int `yaml:"batch_size"`
	} `yaml:"outbox"`
	Dedupe struct {
		Driver     string `yaml:"driver"`
		RedisAddr  string `yaml:"redis_addr"`
		RedisDB    int    `yaml:"redis_db"`
		TTLSeconds int    `yaml:"ttl_seconds"`
		Size       int    `yaml:"size"`
	} `yaml:"dedupe"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`
	Notifications struct {
		From             string            `yaml:"from"`
		DefaultRecipient string            `yaml:"default_recipient"`
		DeveloperEmails  map[string]string `yaml:"developer_emails"`
	} `yaml:"notifications"`
	Alerts struct {
		RecentLimit int             `yaml:"recent_limit"`
		Webhooks    []WebhookConfig `yaml:"webhooks"`
	} `yaml:"alerts"`
	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

type RetryConfig struct {
	InitialMS   int     `yaml:"initial_ms"`
	Multiplier  float64 `yaml:"multiplier"`
	MaxMS       int     `yaml:"max_ms"`
	MaxAttempts int     `yaml:"max_attempts"`
}

type MonitorConfig struct {
	StaleThresholdHours int     `yaml:"stale_threshold_hours"`
	ReminderCooldownMS  int     `yaml:"reminder_cooldown_ms"`
	IntervalMS          int     `yaml:"interval_ms"`
	MaxPerSecond        float64 `yaml:"max_per_second"`
	SuppressionSize     int     `yaml:"suppression_size"`
}

// WebhookConfig is an HTTP endpoint receiving dead-letter alerts.
type WebhookConfig struct {
	URL            string `yaml:"url"`
	Secret         string `yaml:"secret"`
	Enabled        *bool  `yaml:"enabled"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	// Events limits delivery to alerts for these event types; empty means all.
	Events []string `yaml:"events"`
}

func (r RetryConfig) Initial() time.Duration { return time.Duration(r.InitialMS) * time.Millisecond }
func (r RetryConfig) Max() time.Duration     { return time.Duration(r.MaxMS) * time.Millisecond }

func (m MonitorConfig) Threshold() time.Duration {
	return time.Duration(m.StaleThresholdHours) * time.Hour
}
func (m MonitorConfig) Cooldown() time.Duration {
	return time.Duration(m.ReminderCooldownMS) * time.Millisecond
}
func (m MonitorConfig) Interval() time.Duration {
	return time.Duration(m.IntervalMS) * time.Millisecond
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with rf config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Service) == "" {
		return fmt.Errorf("config.service is required")
	}
	switch c.Store.Driver {
	case "sqlite":
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("config.store.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("config.store.driver must be sqlite or postgres, got %q", c.Store.Driver)
	}
	switch c.Broker.Driver {
	case "memory":
	case "kafka":
		if len(c.Broker.Brokers) == 0 {
			return fmt.Errorf("config.broker.brokers is required for kafka")
		}
	default:
		return fmt.Errorf("config.broker.driver must be memory or kafka, got %q", c.Broker.Driver)
	}
	if c.Topics.Release == "" || c.Topics.Errors == "" || c.Topics.Alerts == "" {
		return fmt.Errorf("config.topics.release, errors and alerts are required")
	}
	if c.Topics.Release == c.Topics.Errors {
		return fmt.Errorf("config.topics.release and errors must differ")
	}
	if c.Retry.InitialMS <= 0 || c.Retry.MaxMS < c.Retry.InitialMS {
		return fmt.Errorf("config.retry needs 0 < initial_ms <= max_ms")
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("config.retry.multiplier must be >= 1")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("config.retry.max_attempts must be >= 1")
	}
	if c.Monitor.StaleThresholdHours <= 0 {
		return fmt.Errorf("config.monitor.stale_threshold_hours must be positive")
	}
	if c.Monitor.ReminderCooldownMS <= 0 || c.Monitor.IntervalMS <= 0 {
		return fmt.Errorf("config.monitor.reminder_cooldown_ms and interval_ms must be positive")
	}
	switch c.Dedupe.Driver {
	case "memory":
	case "redis":
		if c.Dedupe.RedisAddr == "" {
			return fmt.Errorf("config.dedupe.redis_addr is required for redis")
		}
	default:
		return fmt.Errorf("config.dedupe.driver must be memory or redis, got %q", c.Dedupe.Driver)
	}
	for i, hook := range c.Alerts.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.alerts.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "releaseflow.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing keys keep their defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `service: release-service

store:
  driver: sqlite
  dsn: ""

broker:
  driver: memory
  brokers: []
  client_id: releaseflow
  partitions: 4

topics:
  release: release.events
  errors: system.errors
  alerts: system.alerts

retry:
  initial_ms: 1000
  multiplier: 2.0
  max_ms: 10000
  max_attempts: 3

monitor:
  stale_threshold_hours: 24
  reminder_cooldown_ms: 3600000
  interval_ms: 3600000
  max_per_second: 20
  suppression_size: 10000

outbox:
  interval_ms: 5000
  batch_size: 100

dedupe:
  driver: memory
  redis_addr: ""
  redis_db: 0
  ttl_seconds: 86400
  size: 100000

auth:
  jwt_secret: ""

notifications:
  from: releases@example.com
  default_recipient: release-team@example.com
  developer_emails: {}

alerts:
  recent_limit: 50
  webhooks: []

log:
  level: info
`
