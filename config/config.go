// Package config loads service configuration: built-in defaults, then an
// optional YAML file, then environment overrides for the values that
// change between deployments (port, paths, secrets).
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full service configuration. Durations are expressed in
// explicit units in YAML (seconds, hours, days) and converted through the
// accessor methods.
type Config struct {
	Port     string `yaml:"port"`
	DBPath   string `yaml:"db_path"`
	LogLevel string `yaml:"log_level"`

	Upstream  Upstream  `yaml:"upstream"`
	Webhook   Webhook   `yaml:"webhook"`
	Keys      Keys      `yaml:"keys"`
	RateLimit RateLimit `yaml:"rate_limit"`
	Sync      Sync      `yaml:"sync"`
	Queue     Queue     `yaml:"queue"`
	Retention Retention `yaml:"retention"`
}

// Upstream configures the provider API client.
type Upstream struct {
	BaseURL        string `yaml:"base_url"`
	Token          string `yaml:"token"`
	MaxRetries     int    `yaml:"max_retries"`
	RetryBackoffMs int    `yaml:"retry_backoff_ms"`
}

func (u Upstream) RetryBackoff() time.Duration {
	return time.Duration(u.RetryBackoffMs) * time.Millisecond
}

// Webhook configures inbound push ingestion.
type Webhook struct {
	Secret         string `yaml:"secret"`
	VerifyToken    string `yaml:"verify_token"`
	DedupeTTLHours int    `yaml:"dedupe_ttl_hours"`
}

func (w Webhook) DedupeTTL() time.Duration {
	return time.Duration(w.DedupeTTLHours) * time.Hour
}

// Keys are the API keys for the two permission levels. Values may be
// plaintext (hashed at startup) or pre-computed bcrypt hashes.
type Keys struct {
	Trigger string `yaml:"trigger"`
	Admin   string `yaml:"admin"`
}

// ScopeBudget is one admission-control budget.
type ScopeBudget struct {
	Tokens        int `yaml:"tokens"`
	WindowSeconds int `yaml:"window_seconds"`
}

func (s ScopeBudget) Window() time.Duration {
	return time.Duration(s.WindowSeconds) * time.Second
}

// RateLimit configures the shared limiter.
type RateLimit struct {
	FailClosed bool                   `yaml:"fail_closed"`
	Scopes     map[string]ScopeBudget `yaml:"scopes"`
}

// Sync configures run defaults and the background scheduler.
type Sync struct {
	BatchSize               int `yaml:"batch_size"`
	StalenessHours          int `yaml:"staleness_hours"`
	TimeBudgetSeconds       int `yaml:"time_budget_seconds"`
	ScheduleIntervalMinutes int `yaml:"schedule_interval_minutes"`
}

func (s Sync) Staleness() time.Duration {
	return time.Duration(s.StalenessHours) * time.Hour
}

func (s Sync) TimeBudget() time.Duration {
	return time.Duration(s.TimeBudgetSeconds) * time.Second
}

func (s Sync) ScheduleInterval() time.Duration {
	return time.Duration(s.ScheduleIntervalMinutes) * time.Minute
}

// Queue configures the job queue consumer and reaper.
type Queue struct {
	LeaseSeconds        int `yaml:"lease_seconds"`
	PollIntervalMs      int `yaml:"poll_interval_ms"`
	MaxAttempts         int `yaml:"max_attempts"`
	ReapIntervalSeconds int `yaml:"reap_interval_seconds"`
}

func (q Queue) Lease() time.Duration {
	return time.Duration(q.LeaseSeconds) * time.Second
}

func (q Queue) PollInterval() time.Duration {
	return time.Duration(q.PollIntervalMs) * time.Millisecond
}

func (q Queue) ReapInterval() time.Duration {
	return time.Duration(q.ReapIntervalSeconds) * time.Second
}

// Retention configures background cleanup of bookkeeping tables.
type Retention struct {
	SyncLogDays          int `yaml:"sync_log_days"`
	CircuitEventDays     int `yaml:"circuit_event_days"`
	CleanupIntervalHours int `yaml:"cleanup_interval_hours"`
}

func (r Retention) CleanupInterval() time.Duration {
	return time.Duration(r.CleanupIntervalHours) * time.Hour
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Port:     "8090",
		DBPath:   "db/jurisync.db",
		LogLevel: "info",
		Upstream: Upstream{
			BaseURL:        "https://api.caselaw.example/v4",
			MaxRetries:     2,
			RetryBackoffMs: 500,
		},
		Webhook: Webhook{DedupeTTLHours: 24},
		RateLimit: RateLimit{
			Scopes: map[string]ScopeBudget{
				"api":      {Tokens: 120, WindowSeconds: 60},
				"upstream": {Tokens: 60, WindowSeconds: 60},
			},
		},
		Sync: Sync{
			BatchSize:               20,
			StalenessHours:          24,
			TimeBudgetSeconds:       300,
			ScheduleIntervalMinutes: 60,
		},
		Queue: Queue{
			LeaseSeconds:        300,
			PollIntervalMs:      1000,
			MaxAttempts:         5,
			ReapIntervalSeconds: 60,
		},
		Retention: Retention{
			SyncLogDays:          90,
			CircuitEventDays:     14,
			CleanupIntervalHours: 24,
		},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// non-empty), then environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	set := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	set(&c.Port, "PORT")
	set(&c.DBPath, "DB_PATH")
	set(&c.LogLevel, "LOG_LEVEL")
	set(&c.Upstream.BaseURL, "UPSTREAM_BASE_URL")
	set(&c.Upstream.Token, "UPSTREAM_TOKEN")
	set(&c.Webhook.Secret, "WEBHOOK_SECRET")
	set(&c.Webhook.VerifyToken, "WEBHOOK_VERIFY_TOKEN")
	set(&c.Keys.Trigger, "TRIGGER_API_KEY")
	set(&c.Keys.Admin, "ADMIN_API_KEY")
}
