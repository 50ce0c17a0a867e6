// Package config handles TOML configuration for the agent.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/yairfalse/awsagent/internal/filter"
	"github.com/yairfalse/awsagent/internal/retry"
)

// Config is the root configuration structure.
type Config struct {
	AWS         AWSConfig         `toml:"aws"`
	Registry    RegistryConfig    `toml:"registry"`
	Postgres    PostgresConfig    `toml:"postgresql"`
	Scalyr      ScalyrConfig      `toml:"scalyr"`
	Scanner     ScannerConfig     `toml:"scanner"`
	Reconcile   ReconcileConfig   `toml:"reconcile"`
	Retry       RetryConfig       `toml:"retry"`
	Audit       AuditConfig       `toml:"audit"`
	Entities    EntitiesConfig    `toml:"entities"`
	OTEL        OTELConfig        `toml:"otel"`
	Pushgateway PushgatewayConfig `toml:"pushgateway"`
	Log         LogConfig         `toml:"log"`
}

// AWSConfig holds AWS provider settings. An empty region is resolved from
// instance metadata.
type AWSConfig struct {
	Region  string `toml:"region"`
	Profile string `toml:"profile"`
}

// RegistryConfig holds entity service settings.
type RegistryConfig struct {
	URL        string `toml:"url"`
	User       string `toml:"user"`
	Password   string `toml:"password"`
	Token      string `toml:"token"`
	TimeoutStr string `toml:"timeout"`
	Timeout    time.Duration
}

// PostgresConfig holds credentials for listing databases of known
// clusters. Without them the postgresql_database kind is left untouched.
type PostgresConfig struct {
	User              string `toml:"user"`
	Password          string `toml:"password"`
	ConnectTimeoutStr string `toml:"connect_timeout"`
	ConnectTimeout    time.Duration
}

// Enabled reports whether credentials are configured.
func (p PostgresConfig) Enabled() bool {
	return p.User != "" && p.Password != ""
}

// ScalyrConfig enables time series creation for new applications.
type ScalyrConfig struct {
	WriteToken string `toml:"write_token"`
	URL        string `toml:"url"`
}

// ScannerConfig selects the kinds a pass skips. Registry entities of a
// disabled kind are kept as they are.
type ScannerConfig struct {
	Disabled []string `toml:"disabled"`
}

// ReconcileConfig holds reconciler settings.
type ReconcileConfig struct {
	DryRun         bool `toml:"dry_run"`
	SkipUnchanged  bool `toml:"skip_unchanged"`
	MaxConcurrency int  `toml:"max_concurrency"`
	FailOnPartial  bool `toml:"fail_on_partial"`
}

// RetryConfig holds throttling backoff settings.
type RetryConfig struct {
	BaseDelayStr string `toml:"base_delay"`
	BaseDelay    time.Duration
	MaxRetries   int `toml:"max_retries"`
}

// Policy builds the retry policy used for every remote call.
func (r RetryConfig) Policy() retry.Policy {
	p := retry.DefaultPolicy()
	p.BaseDelay = r.BaseDelay
	p.MaxRetries = r.MaxRetries
	return p
}

// AuditConfig enables the registry write log. An empty dir disables it.
type AuditConfig struct {
	Dir          string `toml:"dir"`
	RetentionStr string `toml:"retention"`
	Retention    time.Duration
}

// EntitiesConfig holds fields merged into every desired entity.
type EntitiesConfig struct {
	Extra map[string]string `toml:"extra"`
}

// OTELConfig holds OpenTelemetry settings.
type OTELConfig struct {
	Endpoint    string        `toml:"endpoint"`
	Insecure    bool          `toml:"insecure"`
	ServiceName string        `toml:"service_name"`
	Traces      TracesConfig  `toml:"traces"`
	Metrics     MetricsConfig `toml:"metrics"`
}

// TracesConfig holds tracing settings.
type TracesConfig struct {
	Enabled    bool    `toml:"enabled"`
	SampleRate float64 `toml:"sample_rate"`
}

// MetricsConfig holds metrics settings.
type MetricsConfig struct {
	Enabled bool `toml:"enabled"`
}

// PushgatewayConfig enables pushing pass metrics after each run.
type PushgatewayConfig struct {
	URL string `toml:"url"`
	Job string `toml:"job"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `toml:"level"`
}

// Default returns a configuration with defaults applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	_ = parseDurations(cfg)
	return cfg
}

// Load reads and parses a TOML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path is intentional user input
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(cfg)

	if err := parseDurations(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Registry.TimeoutStr == "" {
		cfg.Registry.TimeoutStr = "30s"
	}
	if cfg.Postgres.ConnectTimeoutStr == "" {
		cfg.Postgres.ConnectTimeoutStr = "10s"
	}
	if cfg.Retry.BaseDelayStr == "" {
		cfg.Retry.BaseDelayStr = "500ms"
	}
	if cfg.Audit.RetentionStr == "" {
		cfg.Audit.RetentionStr = "720h"
	}
	if cfg.Retry.MaxRetries == 0 {
		cfg.Retry.MaxRetries = 10
	}
	if cfg.Reconcile.MaxConcurrency == 0 {
		cfg.Reconcile.MaxConcurrency = 8
	}
	if cfg.OTEL.ServiceName == "" {
		cfg.OTEL.ServiceName = "awsagent"
	}
	if cfg.Pushgateway.Job == "" {
		cfg.Pushgateway.Job = "awsagent"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

func parseDurations(cfg *Config) error {
	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"registry.timeout", cfg.Registry.TimeoutStr, &cfg.Registry.Timeout},
		{"postgresql.connect_timeout", cfg.Postgres.ConnectTimeoutStr, &cfg.Postgres.ConnectTimeout},
		{"retry.base_delay", cfg.Retry.BaseDelayStr, &cfg.Retry.BaseDelay},
		{"audit.retention", cfg.Audit.RetentionStr, &cfg.Audit.Retention},
	}
	for _, d := range durations {
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("parse %s %q: %w", d.name, d.raw, err)
		}
		*d.dst = v
	}
	return nil
}

// LoadEnvFile loads variables from a .env file into the process
// environment. Existing variables win. Returns true if a file was loaded.
func LoadEnvFile(logger zerolog.Logger, path string) bool {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		logger.Debug().Str("path", path).Msg("no .env file found")
		return false
	}
	if err := godotenv.Load(path); err != nil {
		logger.Warn().Err(err).Str("path", path).Msg("failed to load .env file")
		return false
	}
	logger.Debug().Str("path", path).Msg("loaded .env file")
	return true
}

// ApplyEnv overrides configuration from environment variables. Unset
// variables leave the configuration unchanged.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	strs := []struct {
		key string
		dst *string
	}{
		{"AGENT_ENTITY_SERVICE", &c.Registry.URL},
		{"ZMON_USER", &c.Registry.User},
		{"ZMON_PASSWORD", &c.Registry.Password},
		{"ZMON_TOKEN", &c.Registry.Token},
		{"AGENT_REGION", &c.AWS.Region},
		{"AGENT_POSTGRESQL_USER", &c.Postgres.User},
		{"AGENT_POSTGRESQL_PASS", &c.Postgres.Password},
		{"SCALYR_WRITE_TOKEN", &c.Scalyr.WriteToken},
		{"AGENT_PUSHGATEWAY_URL", &c.Pushgateway.URL},
		{"AGENT_AUDIT_DIR", &c.Audit.Dir},
	}
	for _, s := range strs {
		if v, ok := lookup(s.key); ok && v != "" {
			*s.dst = v
		}
	}

	if v, ok := lookup("AGENT_MAX_RETRIES"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse AGENT_MAX_RETRIES %q: %w", v, err)
		}
		c.Retry.MaxRetries = n
	}

	if v, ok := lookup("AGENT_DISABLED_SCANNERS"); ok && v != "" {
		c.Scanner.Disabled = splitList(v)
	}

	if v, ok := lookup("EXTRA_ENTITY_FIELDS"); ok {
		extra := ParseExtraFields(v)
		if len(extra) > 0 && c.Entities.Extra == nil {
			c.Entities.Extra = make(map[string]string, len(extra))
		}
		for k, val := range extra {
			c.Entities.Extra[k] = val
		}
	}
	return nil
}

// ParseExtraFields parses "k1=v1,k2=v2". Items without "=" or with an empty
// key or value are ignored; values may contain "=".
func ParseExtraFields(s string) map[string]string {
	out := make(map[string]string)
	for _, item := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(item, "=")
		if !ok || k == "" || v == "" {
			continue
		}
		out[k] = v
	}
	return out
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// Validate checks the configuration is valid.
func (c *Config) Validate() error {
	if c.Registry.URL == "" {
		return errors.New("registry: url is required")
	}
	u, err := url.Parse(c.Registry.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("registry: invalid url %q", c.Registry.URL)
	}
	if (c.Postgres.User == "") != (c.Postgres.Password == "") {
		return errors.New("postgresql: user and password must be set together")
	}
	for _, kind := range c.Scanner.Disabled {
		if !filter.Known(kind) {
			return fmt.Errorf("scanner: unknown kind %q in disabled", kind)
		}
	}
	if c.Retry.MaxRetries < 0 || c.Retry.MaxRetries > retry.MaxRetriesLimit {
		return fmt.Errorf("retry: max_retries must be between 0 and %d (got %d)", retry.MaxRetriesLimit, c.Retry.MaxRetries)
	}
	if c.Retry.BaseDelay <= 0 {
		return fmt.Errorf("retry: base_delay must be positive (got %s)", c.Retry.BaseDelay)
	}
	if c.Reconcile.MaxConcurrency < 1 {
		return fmt.Errorf("reconcile: max_concurrency must be at least 1 (got %d)", c.Reconcile.MaxConcurrency)
	}
	if c.Audit.Retention < 0 {
		return fmt.Errorf("audit: retention must not be negative (got %s)", c.Audit.Retention)
	}
	if c.OTEL.Traces.SampleRate < 0.0 || c.OTEL.Traces.SampleRate > 1.0 {
		return fmt.Errorf("otel: traces.sample_rate must be between 0.0 and 1.0 (got %v)", c.OTEL.Traces.SampleRate)
	}
	return nil
}
