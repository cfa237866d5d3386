// ABOUTME: Configuration loading and parsing for coven-branches
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable that overrides the config location.
const EnvConfigPath = "COVEN_BRANCHES_CONFIG"

// Environments
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Config represents the complete coven-branches configuration
type Config struct {
	Environment string          `yaml:"environment"`
	Server      ServerConfig    `yaml:"server"`
	Database    DatabaseConfig  `yaml:"database"`
	Auth        AuthConfig      `yaml:"auth"`
	Redis       RedisConfig     `yaml:"redis"`
	Realtime    RealtimeConfig  `yaml:"realtime"`
	EventHub    EventHubConfig  `yaml:"eventhub"`
	Cache       CacheConfig     `yaml:"cache"`
	RateLimit   RateLimitConfig `yaml:"rate_limit"`
	LLM         LLMConfig       `yaml:"llm"`
	Merge       MergeConfig     `yaml:"merge"`
	Logging     LoggingConfig   `yaml:"logging"`
	Metrics     MetricsConfig   `yaml:"metrics"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`

	ShutdownTimeout   time.Duration `yaml:"-"`
	HeartbeatInterval time.Duration `yaml:"-"`

	ShutdownTimeoutRaw   string `yaml:"shutdown_timeout"`
	HeartbeatIntervalRaw string `yaml:"sse_heartbeat"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds authentication configuration. With dev_mode set, identity is
// taken from request headers instead of a JWT; only allowed in development.
type AuthConfig struct {
	JWTSecret     string `yaml:"jwt_secret"`
	DevMode       bool   `yaml:"dev_mode"`
	DefaultTenant string `yaml:"default_tenant"`
	DefaultUser   string `yaml:"default_user"`
}

// RedisConfig holds the shared Redis used for pub/sub, cache and rate limits
type RedisConfig struct {
	URL string `yaml:"url"`
}

// RealtimeConfig enables the database event log transport when Redis is absent
type RealtimeConfig struct {
	Enabled bool `yaml:"enabled"`

	PollInterval time.Duration `yaml:"-"`
	Retention    time.Duration `yaml:"-"`

	PollIntervalRaw string `yaml:"poll_interval"`
	RetentionRaw    string `yaml:"retention"`
}

// EventHubConfig tunes both event hubs
type EventHubConfig struct {
	InstanceID       string `yaml:"instance_id"`
	ChannelPrefix    string `yaml:"channel_prefix"`
	PublishQueueSize int    `yaml:"publish_queue_size"`
	PublishWorkers   int    `yaml:"publish_workers"`

	PublishTimeout   time.Duration `yaml:"-"`
	SubscribeTimeout time.Duration `yaml:"-"`

	PublishTimeoutRaw   string `yaml:"publish_timeout"`
	SubscribeTimeoutRaw string `yaml:"subscribe_timeout"`
}

// CacheConfig configures the path list cache
type CacheConfig struct {
	TTL    time.Duration `yaml:"-"`
	TTLRaw string        `yaml:"ttl"`
}

// RateLimitConfig configures the per-user limit on mutating endpoints
type RateLimitConfig struct {
	Limit int64 `yaml:"limit"`

	Window    time.Duration `yaml:"-"`
	WindowRaw string        `yaml:"window"`
}

// LLMConfig configures the summarizer for summary merges. Empty api_key disables it.
type LLMConfig struct {
	APIKey      string  `yaml:"api_key"`
	BaseURL     string  `yaml:"base_url"`
	Model       string  `yaml:"model"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float32 `yaml:"temperature"`
}

// MergeConfig bounds the best-effort side effects of a merge
type MergeConfig struct {
	SummaryTimeout   time.Duration `yaml:"-"`
	TerminateTimeout time.Duration `yaml:"-"`

	SummaryTimeoutRaw   string `yaml:"summary_timeout"`
	TerminateTimeoutRaw string `yaml:"terminate_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// IsDevelopment reports whether the environment is development
func (c *Config) IsDevelopment() bool {
	return c.Environment == EnvDevelopment
}

// DefaultPath returns the config file location: $COVEN_BRANCHES_CONFIG if set,
// else $XDG_CONFIG_HOME/coven/branches.yaml (falling back to ~/.config).
func DefaultPath() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(".config", "coven", "branches.yaml")
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "coven", "branches.yaml")
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse builds a Config from raw YAML
func Parse(data []byte) (*Config, error) {
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func applyDefaults(cfg *Config) {
	if cfg.Environment == "" {
		cfg.Environment = EnvProduction
	}
	if cfg.Server.HTTPAddr == "" {
		cfg.Server.HTTPAddr = "0.0.0.0:8080"
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 15 * time.Second
	}
	if cfg.Server.HeartbeatInterval == 0 {
		cfg.Server.HeartbeatInterval = 30 * time.Second
	}
	if cfg.Realtime.PollInterval == 0 {
		cfg.Realtime.PollInterval = 250 * time.Millisecond
	}
	if cfg.Realtime.Retention == 0 {
		cfg.Realtime.Retention = 10 * time.Minute
	}
	if cfg.EventHub.PublishQueueSize == 0 {
		cfg.EventHub.PublishQueueSize = 1024
	}
	if cfg.EventHub.PublishWorkers == 0 {
		cfg.EventHub.PublishWorkers = 4
	}
	if cfg.Cache.TTL == 0 {
		cfg.Cache.TTL = 5 * time.Minute
	}
	if cfg.RateLimit.Limit == 0 {
		cfg.RateLimit.Limit = 120
	}
	if cfg.RateLimit.Window == 0 {
		cfg.RateLimit.Window = time.Minute
	}
	if cfg.Merge.SummaryTimeout == 0 {
		cfg.Merge.SummaryTimeout = 30 * time.Second
	}
	if cfg.Merge.TerminateTimeout == 0 {
		cfg.Merge.TerminateTimeout = 30 * time.Second
	}
	if cfg.Auth.DefaultTenant == "" {
		cfg.Auth.DefaultTenant = "dev"
	}
	if cfg.Auth.DefaultUser == "" {
		cfg.Auth.DefaultUser = "dev"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	switch c.Environment {
	case EnvDevelopment, EnvProduction:
	default:
		return fmt.Errorf("environment must be %q or %q, got %q", EnvDevelopment, EnvProduction, c.Environment)
	}

	if c.Database.Path == "" {
		return errors.New("database.path is required")
	}

	if c.Auth.DevMode {
		if !c.IsDevelopment() {
			return errors.New("auth.dev_mode is only allowed in development")
		}
	} else if c.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required (or enable auth.dev_mode in development)")
	}

	if c.Redis.URL == "" && !c.Realtime.Enabled && !c.IsDevelopment() {
		return errors.New("an event transport is required: set redis.url or enable realtime")
	}

	if c.EventHub.PublishQueueSize < 0 || c.EventHub.PublishWorkers < 0 {
		return errors.New("eventhub.publish_queue_size and eventhub.publish_workers must not be negative")
	}
	if c.RateLimit.Limit < 0 {
		return errors.New("rate_limit.limit must not be negative")
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"server.shutdown_timeout", cfg.Server.ShutdownTimeoutRaw, &cfg.Server.ShutdownTimeout},
		{"server.sse_heartbeat", cfg.Server.HeartbeatIntervalRaw, &cfg.Server.HeartbeatInterval},
		{"realtime.poll_interval", cfg.Realtime.PollIntervalRaw, &cfg.Realtime.PollInterval},
		{"realtime.retention", cfg.Realtime.RetentionRaw, &cfg.Realtime.Retention},
		{"eventhub.publish_timeout", cfg.EventHub.PublishTimeoutRaw, &cfg.EventHub.PublishTimeout},
		{"eventhub.subscribe_timeout", cfg.EventHub.SubscribeTimeoutRaw, &cfg.EventHub.SubscribeTimeout},
		{"cache.ttl", cfg.Cache.TTLRaw, &cfg.Cache.TTL},
		{"rate_limit.window", cfg.RateLimit.WindowRaw, &cfg.RateLimit.Window},
		{"merge.summary_timeout", cfg.Merge.SummaryTimeoutRaw, &cfg.Merge.SummaryTimeout},
		{"merge.terminate_timeout", cfg.Merge.TerminateTimeoutRaw, &cfg.Merge.TerminateTimeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %q", f.name, f.raw)
		}
		*f.dst = d
	}

	return nil
}
