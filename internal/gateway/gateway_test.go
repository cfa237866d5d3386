// ABOUTME: Tests for Gateway wiring: transport selection, health endpoints and lifecycle
// ABOUTME: Shared helpers build gateways over temp SQLite files with dev auth

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-branches/internal/auth"
	"github.com/2389/coven-branches/internal/config"
	"github.com/2389/coven-branches/internal/eventhub"
	"github.com/2389/coven-branches/internal/store"
)

const (
	testTenant = "tenant-1"
	testUser   = "user-1"
)

// testConfig creates a development config over a temp database.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Environment: config.EnvDevelopment,
		Server: config.ServerConfig{
			HTTPAddr:          "127.0.0.1:0",
			ShutdownTimeout:   5 * time.Second,
			HeartbeatInterval: 30 * time.Second,
		},
		Database: config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "branches.db")},
		Auth: config.AuthConfig{
			DevMode:       true,
			DefaultTenant: testTenant,
			DefaultUser:   testUser,
		},
		Realtime: config.RealtimeConfig{
			PollInterval: 20 * time.Millisecond,
			Retention:    time.Minute,
		},
		EventHub:  config.EventHubConfig{SubscribeTimeout: time.Second},
		Cache:     config.CacheConfig{TTL: time.Minute},
		RateLimit: config.RateLimitConfig{Limit: 1000, Window: time.Hour},
		Merge:     config.MergeConfig{SummaryTimeout: time.Second, TerminateTimeout: time.Second},
		Logging:   config.LoggingConfig{Level: "info", Format: "text"},
		Metrics:   config.MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// withRedis points cfg at a fresh miniredis.
func withRedis(t *testing.T, cfg *config.Config) *miniredis.Miniredis {
	t.Helper()
	mr := miniredis.RunT(t)
	cfg.Redis.URL = "redis://" + mr.Addr()
	return mr
}

// newTestGateway builds a gateway and serves its handler from an httptest server.
func newTestGateway(t *testing.T, cfg *config.Config, opts ...Option) (*Gateway, *apiClient) {
	t.Helper()
	gw, err := New(t.Context(), cfg, testLogger(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = gw.Shutdown(ctx)
	})

	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)
	return gw, &apiClient{t: t, base: srv.URL, tenant: testTenant, user: testUser}
}

// apiClient issues dev-auth requests as one tenant and user.
type apiClient struct {
	t      *testing.T
	base   string
	tenant string
	user   string
}

func (c *apiClient) as(tenant, user string) *apiClient {
	return &apiClient{t: c.t, base: c.base, tenant: tenant, user: user}
}

// do sends body as JSON (raw if it is a string) and returns status and response body.
func (c *apiClient) do(method, path string, body any) (int, []byte) {
	c.t.Helper()
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(c.t, err)
		r = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, c.base+path, r)
	require.NoError(c.t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(auth.TenantHeader, c.tenant)
	req.Header.Set(auth.UserHeader, c.user)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(c.t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(c.t, err)
	return resp.StatusCode, out
}

// mustDo is do that requires want and decodes the response into v when non-nil.
func (c *apiClient) mustDo(method, path string, body any, want int, v any) {
	c.t.Helper()
	status, out := c.do(method, path, body)
	require.Equal(c.t, want, status, "%s %s: %s", method, path, out)
	if v != nil {
		require.NoError(c.t, json.Unmarshal(out, v))
	}
}

func (c *apiClient) createConversation(title string) CreateConversationResponse {
	c.t.Helper()
	var resp CreateConversationResponse
	c.mustDo(http.MethodPost, "/api/conversations", map[string]any{"title": title}, http.StatusCreated, &resp)
	return resp
}

func (c *apiClient) appendMessage(pathID, role, content string) MessageResponse {
	c.t.Helper()
	var msg MessageResponse
	c.mustDo(http.MethodPost, "/api/paths/"+pathID+"/messages",
		map[string]any{"role": role, "content": content}, http.StatusCreated, &msg)
	return msg
}

func (c *apiClient) createPath(conversationID string, body map[string]any) PathResponse {
	c.t.Helper()
	var p PathResponse
	c.mustDo(http.MethodPost, "/api/conversations/"+conversationID+"/paths", body, http.StatusCreated, &p)
	return p
}

func TestSelectTransport(t *testing.T) {
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "t.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	tests := []struct {
		name    string
		cfg     config.Config
		rdb     *redis.Client
		want    string
		wantErr error
	}{
		{name: "redis wins", cfg: config.Config{Environment: config.EnvProduction, Realtime: config.RealtimeConfig{Enabled: true}}, rdb: rdb, want: TransportRedis},
		{name: "event log", cfg: config.Config{Environment: config.EnvProduction, Realtime: config.RealtimeConfig{Enabled: true}}, want: TransportEventLog},
		{name: "memory in development", cfg: config.Config{Environment: config.EnvDevelopment}, want: TransportMemory},
		{name: "nothing in production", cfg: config.Config{Environment: config.EnvProduction}, wantErr: eventhub.ErrNoTransport},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			transport, name, err := selectTransport(t.Context(), &tt.cfg, st, tt.rdb, testLogger())
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, transport)
				return
			}
			require.NoError(t, err)
			t.Cleanup(func() { transport.Close() })
			assert.Equal(t, tt.want, name)
		})
	}
}

func TestNew_ProductionWithoutTransportFails(t *testing.T) {
	cfg := testConfig(t)
	cfg.Environment = config.EnvProduction
	cfg.Auth = config.AuthConfig{JWTSecret: "secret"}

	_, err := New(t.Context(), cfg, testLogger())
	assert.ErrorIs(t, err, eventhub.ErrNoTransport)
}

func TestNew_Wiring(t *testing.T) {
	cfg := testConfig(t)
	cfg.EventHub.InstanceID = "node-a"
	gw, _ := newTestGateway(t, cfg)

	assert.Equal(t, "node-a", gw.InstanceID())
	assert.Equal(t, TransportMemory, gw.TransportName())
	assert.True(t, gw.pathCache.Degraded(), "no redis means a pass-through cache")
	assert.True(t, gw.limiter.Degraded(), "no redis means an open limiter")
}

func TestNew_WithRedis(t *testing.T) {
	cfg := testConfig(t)
	withRedis(t, cfg)
	gw, _ := newTestGateway(t, cfg)

	assert.Equal(t, TransportRedis, gw.TransportName())
	assert.False(t, gw.pathCache.Degraded())
	assert.False(t, gw.limiter.Degraded())
	assert.NotEmpty(t, gw.InstanceID())
}

func TestHealthEndpoints(t *testing.T) {
	_, c := newTestGateway(t, testConfig(t))

	status, body := c.do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "OK", string(body))

	var ready ReadyResponse
	c.mustDo(http.MethodGet, "/health/ready", nil, http.StatusOK, &ready)
	assert.Equal(t, "ready", ready.Status)
	assert.Equal(t, TransportMemory, ready.Transport)
	assert.Equal(t, "ok", ready.Database)
	require.Len(t, ready.Hubs, 2)
	assert.Equal(t, "conversation", ready.Hubs[0].Namespace)
	assert.Equal(t, "conversation-list", ready.Hubs[1].Namespace)

	status, body = c.do(http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestReady_TransportDown(t *testing.T) {
	cfg := testConfig(t)
	mr := withRedis(t, cfg)
	_, c := newTestGateway(t, cfg)

	c.mustDo(http.MethodGet, "/health/ready", nil, http.StatusOK, nil)

	mr.SetError("LOADING server is loading")
	var ready ReadyResponse
	c.mustDo(http.MethodGet, "/health/ready", nil, http.StatusServiceUnavailable, &ready)
	assert.Equal(t, "unavailable", ready.Status)
	for _, h := range ready.Hubs {
		assert.False(t, h.Healthy)
		assert.NotEmpty(t, h.Error)
	}

	// Liveness does not depend on the transport
	status, _ := c.do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, status)
}

func TestMetricsDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Metrics.Enabled = false
	_, c := newTestGateway(t, cfg)

	status, _ := c.do(http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	cfg := testConfig(t)
	gw, err := New(t.Context(), cfg, testLogger())
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- gw.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}

	// Shutdown is idempotent
	assert.NoError(t, gw.Shutdown(context.Background()))
}

func TestServe_ReturnsAfterExternalShutdown(t *testing.T) {
	gw, err := New(t.Context(), testConfig(t), testLogger())
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- gw.Serve(context.Background(), ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return true
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, gw.Shutdown(context.Background()))
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Serve did not return after Shutdown")
	}
}

func TestNew_UsesDBPathOverride(t *testing.T) {
	override := filepath.Join(t.TempDir(), "override.db")
	t.Setenv(EnvDBPath, override)

	cfg := testConfig(t)
	_, c := newTestGateway(t, cfg)
	c.createConversation("stored elsewhere")

	st, err := store.NewSQLiteStore(override)
	require.NoError(t, err)
	defer st.Close()
	convs, err := st.ListConversations(t.Context(), testTenant, testUser)
	require.NoError(t, err)
	assert.Len(t, convs, 1)
}
