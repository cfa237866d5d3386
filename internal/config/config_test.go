// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML loading, env var expansion, duration parsing, defaults and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, `
environment: production
server:
  http_addr: "127.0.0.1:9090"
  shutdown_timeout: "5s"
  sse_heartbeat: "10s"
database:
  path: "./test.db"
auth:
  jwt_secret: "s3cret"
redis:
  url: "redis://localhost:6379/0"
realtime:
  enabled: true
  poll_interval: "100ms"
  retention: "2m"
eventhub:
  instance_id: "node-a"
  publish_queue_size: 64
  publish_workers: 2
  publish_timeout: "2s"
  subscribe_timeout: "3s"
cache:
  ttl: "30s"
rate_limit:
  limit: 10
  window: "10s"
llm:
  api_key: "sk-test"
  model: "small"
  max_tokens: 256
merge:
  summary_timeout: "20s"
  terminate_timeout: "7s"
logging:
  level: "debug"
  format: "json"
metrics:
  enabled: true
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "127.0.0.1:9090" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "127.0.0.1:9090")
	}
	if cfg.Server.ShutdownTimeout != 5*time.Second {
		t.Errorf("Server.ShutdownTimeout = %v, want 5s", cfg.Server.ShutdownTimeout)
	}
	if cfg.Server.HeartbeatInterval != 10*time.Second {
		t.Errorf("Server.HeartbeatInterval = %v, want 10s", cfg.Server.HeartbeatInterval)
	}
	if cfg.Redis.URL != "redis://localhost:6379/0" {
		t.Errorf("Redis.URL = %q", cfg.Redis.URL)
	}
	if !cfg.Realtime.Enabled || cfg.Realtime.PollInterval != 100*time.Millisecond || cfg.Realtime.Retention != 2*time.Minute {
		t.Errorf("Realtime = %+v", cfg.Realtime)
	}
	if cfg.EventHub.InstanceID != "node-a" || cfg.EventHub.PublishQueueSize != 64 || cfg.EventHub.PublishWorkers != 2 {
		t.Errorf("EventHub = %+v", cfg.EventHub)
	}
	if cfg.EventHub.PublishTimeout != 2*time.Second || cfg.EventHub.SubscribeTimeout != 3*time.Second {
		t.Errorf("EventHub timeouts = %v, %v", cfg.EventHub.PublishTimeout, cfg.EventHub.SubscribeTimeout)
	}
	if cfg.Cache.TTL != 30*time.Second {
		t.Errorf("Cache.TTL = %v, want 30s", cfg.Cache.TTL)
	}
	if cfg.RateLimit.Limit != 10 || cfg.RateLimit.Window != 10*time.Second {
		t.Errorf("RateLimit = %+v", cfg.RateLimit)
	}
	if cfg.LLM.APIKey != "sk-test" || cfg.LLM.Model != "small" || cfg.LLM.MaxTokens != 256 {
		t.Errorf("LLM = %+v", cfg.LLM)
	}
	if cfg.Merge.SummaryTimeout != 20*time.Second || cfg.Merge.TerminateTimeout != 7*time.Second {
		t.Errorf("Merge = %+v", cfg.Merge)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
	if !cfg.Metrics.Enabled || cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics = %+v", cfg.Metrics)
	}
	if cfg.IsDevelopment() {
		t.Error("IsDevelopment() = true, want false")
	}
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, `
environment: development
database:
  path: "./dev.db"
auth:
  dev_mode: true
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "0.0.0.0:8080" {
		t.Errorf("Server.HTTPAddr = %q", cfg.Server.HTTPAddr)
	}
	if cfg.Server.HeartbeatInterval != 30*time.Second {
		t.Errorf("Server.HeartbeatInterval = %v, want 30s", cfg.Server.HeartbeatInterval)
	}
	if cfg.Realtime.PollInterval != 250*time.Millisecond {
		t.Errorf("Realtime.PollInterval = %v, want 250ms", cfg.Realtime.PollInterval)
	}
	if cfg.EventHub.PublishQueueSize != 1024 || cfg.EventHub.PublishWorkers != 4 {
		t.Errorf("EventHub = %+v", cfg.EventHub)
	}
	if cfg.Merge.SummaryTimeout != 30*time.Second || cfg.Merge.TerminateTimeout != 30*time.Second {
		t.Errorf("Merge = %+v", cfg.Merge)
	}
	if cfg.Auth.DefaultTenant != "dev" || cfg.Auth.DefaultUser != "dev" {
		t.Errorf("Auth defaults = %+v", cfg.Auth)
	}
	if cfg.Logging.Format != "text" || cfg.Logging.Level != "info" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
	if !cfg.IsDevelopment() {
		t.Error("IsDevelopment() = false, want true")
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_JWT_SECRET", "from-env")
	t.Setenv("TEST_REDIS_URL", "redis://cache:6379/1")

	path := writeConfig(t, `
database:
  path: "./test.db"
auth:
  jwt_secret: "${TEST_JWT_SECRET}"
redis:
  url: "${TEST_REDIS_URL}"
llm:
  api_key: "${TEST_UNSET_OPENAI_KEY}"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Auth.JWTSecret != "from-env" {
		t.Errorf("Auth.JWTSecret = %q, want %q", cfg.Auth.JWTSecret, "from-env")
	}
	if cfg.Redis.URL != "redis://cache:6379/1" {
		t.Errorf("Redis.URL = %q", cfg.Redis.URL)
	}
	if cfg.LLM.APIKey != "" {
		t.Errorf("LLM.APIKey = %q, want empty for unset variable", cfg.LLM.APIKey)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "invalid yaml",
			content: "server: [unclosed",
			wantErr: "parsing config file",
		},
		{
			name: "bad duration",
			content: `
database: {path: "./x.db"}
auth: {jwt_secret: "s"}
realtime: {enabled: true, poll_interval: "soon"}
`,
			wantErr: "realtime.poll_interval",
		},
		{
			name: "negative duration",
			content: `
database: {path: "./x.db"}
auth: {jwt_secret: "s"}
realtime: {enabled: true}
cache: {ttl: "-1s"}
`,
			wantErr: "cache.ttl must be positive",
		},
		{
			name: "missing database",
			content: `
auth: {jwt_secret: "s"}
realtime: {enabled: true}
`,
			wantErr: "database.path is required",
		},
		{
			name: "missing secret",
			content: `
database: {path: "./x.db"}
realtime: {enabled: true}
`,
			wantErr: "auth.jwt_secret is required",
		},
		{
			name: "dev mode outside development",
			content: `
database: {path: "./x.db"}
auth: {dev_mode: true}
realtime: {enabled: true}
`,
			wantErr: "auth.dev_mode is only allowed in development",
		},
		{
			name: "no transport in production",
			content: `
database: {path: "./x.db"}
auth: {jwt_secret: "s"}
`,
			wantErr: "an event transport is required",
		},
		{
			name: "unknown environment",
			content: `
environment: staging
database: {path: "./x.db"}
auth: {jwt_secret: "s"}
`,
			wantErr: "environment must be",
		},
		{
			name: "unknown log format",
			content: `
database: {path: "./x.db"}
auth: {jwt_secret: "s"}
realtime: {enabled: true}
logging: {format: "xml"}
`,
			wantErr: "logging.format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if err == nil {
				t.Fatal("Load() should have returned an error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load() error = %v, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil || !strings.Contains(err.Error(), "reading config file") {
		t.Errorf("Load() error = %v, want reading config file error", err)
	}
}

func TestDefaultPath(t *testing.T) {
	t.Setenv(EnvConfigPath, "/etc/coven/custom.yaml")
	if got := DefaultPath(); got != "/etc/coven/custom.yaml" {
		t.Errorf("DefaultPath() = %q, want override", got)
	}

	t.Setenv(EnvConfigPath, "")
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	if got := DefaultPath(); got != filepath.Join("/xdg", "coven", "branches.yaml") {
		t.Errorf("DefaultPath() = %q, want XDG location", got)
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("EXPAND_A", "alpha")
	got := expandEnvVars("a=${EXPAND_A} b=${EXPAND_UNSET_B} c=$EXPAND_A")
	want := "a=alpha b= c=$EXPAND_A"
	if got != want {
		t.Errorf("expandEnvVars() = %q, want %q", got, want)
	}
}
