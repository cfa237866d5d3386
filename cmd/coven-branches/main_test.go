// ABOUTME: Tests for the CLI helpers: logger setup, address rewriting and token issuing
// ABOUTME: Uses color.NoColor so colorHandler output is plain text

package main

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"

	"github.com/2389/coven-branches/internal/auth"
	"github.com/2389/coven-branches/internal/config"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
		"loud":  slog.LevelInfo,
	}
	for in, want := range tests {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestSetupLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := setupLogger(config.LoggingConfig{Level: "warn", Format: "json"}, &buf)

	logger.Info("hidden")
	logger.Warn("shown", "path_id", "p1")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("expected one JSON record, got %q: %v", buf.String(), err)
	}
	if rec["msg"] != "shown" || rec["path_id"] != "p1" {
		t.Errorf("unexpected record: %v", rec)
	}
}

func TestColorHandler(t *testing.T) {
	prev := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = prev })

	var buf bytes.Buffer
	logger := setupLogger(config.LoggingConfig{Level: "debug", Format: "text"}, &buf)

	logger.With("component", "eventhub").WithGroup("topic").Debug("subscribed", "key", "t1:c1")

	out := buf.String()
	for _, want := range []string{"DBG ", "subscribed", "component=eventhub", "topic.key=t1:c1"} {
		if !strings.Contains(out, want) {
			t.Errorf("output %q missing %q", out, want)
		}
	}
}

func TestDialAddr(t *testing.T) {
	tests := map[string]string{
		"0.0.0.0:8080":   "localhost:8080",
		":9000":          "localhost:9000",
		"127.0.0.1:8080": "127.0.0.1:8080",
		"not-an-addr":    "not-an-addr",
	}
	for in, want := range tests {
		if got := dialAddr(in); got != want {
			t.Errorf("dialAddr(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestTokenCommand(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "branches.yaml")
	yaml := "environment: development\n" +
		"database:\n  path: " + filepath.Join(dir, "b.db") + "\n" +
		"auth:\n  jwt_secret: cli-secret\n"
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"token", "--config", path, "--tenant", "acme", "--user", "u1", "--ttl", "1h"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("token command failed: %v", err)
	}

	id, err := auth.NewJWTVerifier([]byte("cli-secret")).Verify(strings.TrimSpace(out.String()))
	if err != nil {
		t.Fatalf("issued token does not verify: %v", err)
	}
	if id.TenantID != "acme" || id.UserID != "u1" {
		t.Errorf("identity = %+v", id)
	}
}

func TestTokenCommand_RequiresSecret(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "branches.yaml")
	yaml := "environment: development\n" +
		"database:\n  path: " + filepath.Join(dir, "b.db") + "\n" +
		"auth:\n  dev_mode: true\n"
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}

	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"token", "--config", path, "--tenant", "acme", "--user", "u1", "--ttl", time.Hour.String()})
	if err := cmd.Execute(); err == nil {
		t.Error("expected an error without auth.jwt_secret")
	}
}
