// ABOUTME: Gateway orchestrator that wires the store, event hubs, caches and HTTP server
// ABOUTME: Picks the event transport at boot and manages startup and graceful shutdown

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/2389/coven-branches/internal/auth"
	"github.com/2389/coven-branches/internal/config"
	"github.com/2389/coven-branches/internal/conversation"
	"github.com/2389/coven-branches/internal/eventhub"
	"github.com/2389/coven-branches/internal/llm"
	"github.com/2389/coven-branches/internal/resilience"
	"github.com/2389/coven-branches/internal/store"
)

// EnvDBPath overrides database.path when set.
const EnvDBPath = "COVEN_BRANCHES_DB_PATH"

// Transport names reported in logs and readiness
const (
	TransportRedis    = "redis"
	TransportEventLog = "event_log"
	TransportMemory   = "memory"
)

// backingStore is what the gateway needs from persistence: the service store,
// the event log for the polling transport and a ping for readiness.
type backingStore interface {
	store.Store
	store.EventLog
}

// Option customizes a Gateway
type Option func(*options)

type options struct {
	terminator conversation.SandboxTerminator
	summarizer conversation.Summarizer
}

// WithSandboxTerminator stops a path's execution sandbox after it is merged or deleted.
func WithSandboxTerminator(t conversation.SandboxTerminator) Option {
	return func(o *options) { o.terminator = t }
}

// WithSummarizer overrides the summarizer built from the llm config.
func WithSummarizer(s conversation.Summarizer) Option {
	return func(o *options) { o.summarizer = s }
}

// Gateway serves the branching conversation API on one instance.
type Gateway struct {
	config     *config.Config
	store      backingStore
	service    *conversation.Service
	httpServer *http.Server
	logger     *slog.Logger

	// instanceID identifies this process on the event transport
	instanceID    string
	transport     eventhub.Transport
	transportName string
	redis         *redis.Client

	conversations *eventhub.ConversationEvents
	lists         *eventhub.ConversationListEvents

	pathCache      *pathListCache
	limiter        resilience.RateLimiter
	authMiddleware func(http.Handler) http.Handler

	// streamsDone is closed when the HTTP server begins shutting down
	streamsDone  chan struct{}
	shutdownOnce sync.Once
	shutdownErr  error
}

// initStore opens the SQLite store at the configured path.
func initStore(cfg *config.Config) (*store.SQLiteStore, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv(EnvDBPath); envPath != "" {
		dbPath = envPath
	}
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// initRedis connects to redis.url, or returns nil when Redis is not configured.
// The connection is not required to be up; everything built on it fails open.
func initRedis(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*redis.Client, error) {
	if cfg.Redis.URL == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis.url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis unreachable at startup; cache and rate limits degraded", "addr", opts.Addr, "error", err)
	}
	return client, nil
}

// selectTransport picks the event transport: Redis when configured, else the
// database event log when realtime is enabled, else the in-process bus in
// development. Anything else is a configuration error.
func selectTransport(ctx context.Context, cfg *config.Config, log store.EventLog, rdb *redis.Client, logger *slog.Logger) (eventhub.Transport, string, error) {
	switch {
	case rdb != nil:
		return eventhub.NewRedisTransport(rdb, logger), TransportRedis, nil
	case cfg.Realtime.Enabled:
		t, err := eventhub.NewLogTransport(ctx, log, eventhub.LogTransportOptions{
			PollInterval: cfg.Realtime.PollInterval,
			Retention:    cfg.Realtime.Retention,
			Logger:       logger,
		})
		if err != nil {
			return nil, "", fmt.Errorf("starting event log transport: %w", err)
		}
		return t, TransportEventLog, nil
	case cfg.IsDevelopment():
		logger.Warn("no shared event transport configured; events reach this instance only")
		return eventhub.NewMemoryBus(), TransportMemory, nil
	default:
		return nil, "", eventhub.ErrNoTransport
	}
}

// buildSummarizer returns the configured summarizer, or nil when summaries fall back to the basic text.
func buildSummarizer(cfg *config.Config, o *options, logger *slog.Logger) (conversation.Summarizer, error) {
	if o.summarizer != nil {
		return o.summarizer, nil
	}
	if cfg.LLM.APIKey == "" {
		logger.Info("llm.api_key not set; summary merges use the basic summary")
		return nil, nil
	}
	s, err := llm.NewOpenAISummarizer(llm.Config{
		APIKey:      cfg.LLM.APIKey,
		BaseURL:     cfg.LLM.BaseURL,
		Model:       cfg.LLM.Model,
		MaxTokens:   cfg.LLM.MaxTokens,
		Temperature: cfg.LLM.Temperature,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating summarizer: %w", err)
	}
	return s, nil
}

// buildAuth returns the API auth middleware for the config.
func buildAuth(cfg *config.Config, logger *slog.Logger) func(http.Handler) http.Handler {
	if cfg.Auth.DevMode {
		logger.Warn("auth dev_mode enabled; identity is taken from request headers",
			"default_tenant", cfg.Auth.DefaultTenant,
			"default_user", cfg.Auth.DefaultUser)
		return auth.DevAuthMiddleware(cfg.Auth.DefaultTenant, cfg.Auth.DefaultUser)
	}
	logger.Info("HTTP auth middleware enabled")
	return auth.HTTPAuthMiddleware(auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)))
}

// New creates a new Gateway instance with the given configuration.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	gw, err := newGateway(ctx, cfg, s, logger, &o)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return gw, nil
}

func newGateway(ctx context.Context, cfg *config.Config, s backingStore, logger *slog.Logger, o *options) (*Gateway, error) {
	rdb, err := initRedis(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	closeRedis := func() {
		if rdb != nil {
			_ = rdb.Close()
		}
	}

	transport, transportName, err := selectTransport(ctx, cfg, s, rdb, logger)
	if err != nil {
		closeRedis()
		return nil, err
	}

	instanceID := cfg.EventHub.InstanceID
	if instanceID == "" {
		instanceID = generateInstanceID()
	}
	hubCfg := eventhub.Config{
		InstanceID:       instanceID,
		ChannelPrefix:    cfg.EventHub.ChannelPrefix,
		Transport:        transport,
		QueueSize:        cfg.EventHub.PublishQueueSize,
		Workers:          cfg.EventHub.PublishWorkers,
		PublishTimeout:   cfg.EventHub.PublishTimeout,
		SubscribeTimeout: cfg.EventHub.SubscribeTimeout,
		Logger:           logger,
	}
	conversations, err := eventhub.NewConversationEvents(hubCfg)
	if err != nil {
		_ = transport.Close()
		closeRedis()
		return nil, fmt.Errorf("creating conversation hub: %w", err)
	}
	lists, err := eventhub.NewConversationListEvents(hubCfg)
	if err != nil {
		_ = conversations.Hub().Shutdown(ctx)
		_ = transport.Close()
		closeRedis()
		return nil, fmt.Errorf("creating conversation-list hub: %w", err)
	}

	// Interfaces stay nil without Redis so the cache and limiter run degraded.
	var kv resilience.KVBackend
	var counters resilience.CounterBackend
	if rdb != nil {
		backend := resilience.NewRedisKV(rdb)
		kv, counters = backend, backend
	}
	pathCache := newPathListCache(kv, cfg.Cache.TTL, logger)
	limiter := resilience.NewRateLimiter(counters, resilience.RateLimitOptions{
		Name:   "api",
		Prefix: "coven:ratelimit:",
		Limit:  cfg.RateLimit.Limit,
		Window: cfg.RateLimit.Window,
		Logger: logger,
	})

	summarizer, err := buildSummarizer(cfg, o, logger)
	if err != nil {
		_ = conversations.Hub().Shutdown(ctx)
		_ = lists.Hub().Shutdown(ctx)
		_ = transport.Close()
		closeRedis()
		return nil, err
	}

	service := conversation.New(s, conversation.Options{
		Publisher: &hubPublisher{
			conversations: conversations,
			lists:         lists,
			pathCache:     pathCache,
		},
		Summarizer:       summarizer,
		Terminator:       o.terminator,
		SummaryTimeout:   cfg.Merge.SummaryTimeout,
		TerminateTimeout: cfg.Merge.TerminateTimeout,
		Logger:           logger.With("component", "conversation"),
	})

	gw := &Gateway{
		config:         cfg,
		store:          s,
		service:        service,
		logger:         logger.With("component", "gateway"),
		instanceID:     instanceID,
		transport:      transport,
		transportName:  transportName,
		redis:          rdb,
		conversations:  conversations,
		lists:          lists,
		pathCache:      pathCache,
		limiter:        limiter,
		authMiddleware: buildAuth(cfg, logger),
		streamsDone:    make(chan struct{}),
	}

	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("GET /health", gw.handleHealth)
	mux.HandleFunc("GET /health/ready", gw.handleReady)
	if cfg.Metrics.Enabled {
		mux.Handle("GET "+cfg.Metrics.Path, promhttp.Handler())
	}

	gw.registerAPIRoutes(mux)

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	var streamsOnce sync.Once
	gw.httpServer.RegisterOnShutdown(func() {
		streamsOnce.Do(func() { close(gw.streamsDone) })
	})

	gw.logger.Info("gateway ready",
		"instance_id", instanceID,
		"transport", transportName,
		"environment", cfg.Environment,
		"cache_degraded", pathCache.Degraded(),
		"rate_limit_degraded", limiter.Degraded())
	return gw, nil
}

// Handler returns the gateway's HTTP handler.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// InstanceID returns the origin ID this instance stamps on hub envelopes.
func (g *Gateway) InstanceID() string {
	return g.instanceID
}

// TransportName reports which event transport was selected at boot.
func (g *Gateway) TransportName() string {
	return g.transportName
}

// Run listens on server.http_addr and serves until ctx is canceled, then shuts down.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}
	return g.Serve(ctx, ln)
}

// Serve serves on ln until ctx is canceled or the server fails. Either way the
// gateway is shut down before Serve returns; nil means a clean shutdown.
func (g *Gateway) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	grp, gctx := errgroup.WithContext(ctx)

	grp.Go(func() error {
		// A server stopped by an outside Shutdown call still releases the shutdown goroutine.
		defer cancel()
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})

	grp.Go(func() error {
		<-gctx.Done()
		g.logger.Info("context canceled, initiating shutdown")
		// The parent context is already done; shutdown gets its own deadline.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), g.config.Server.ShutdownTimeout)
		defer cancel()
		return g.Shutdown(shutdownCtx)
	})

	return grp.Wait()
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the HTTP server, drains both hubs, waits for background
// merge side effects and releases the transport, Redis and the store. It is
// safe to call more than once.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() {
		g.shutdownErr = g.shutdown(ctx)
	})
	return g.shutdownErr
}

func (g *Gateway) shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	var hubs errgroup.Group
	hubs.Go(func() error { return g.conversations.Hub().Shutdown(ctx) })
	hubs.Go(func() error { return g.lists.Hub().Shutdown(ctx) })
	errs = appendCloseError(errs, "event hub shutdown", hubs.Wait())

	g.service.Wait()

	errs = appendCloseError(errs, "transport close", g.transport.Close())
	if g.redis != nil {
		errs = appendCloseError(errs, "redis close", g.redis.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())

	return errors.Join(errs...)
}

// ReadyResponse is the JSON body of GET /health/ready.
type ReadyResponse struct {
	Status    string            `json:"status"`
	Transport string            `json:"transport"`
	Database  string            `json:"database"`
	Hubs      []eventhub.Health `json:"hubs"`
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 when the database and both hub transports answer a ping.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := ReadyResponse{Status: "ready", Transport: g.transportName, Database: "ok"}
	status := http.StatusOK

	if err := g.store.Ping(ctx); err != nil {
		resp.Database = err.Error()
		status = http.StatusServiceUnavailable
	}
	for _, h := range []*eventhub.Hub{g.conversations.Hub(), g.lists.Hub()} {
		health := h.HealthCheck(ctx)
		if !health.Healthy {
			status = http.StatusServiceUnavailable
		}
		resp.Hubs = append(resp.Hubs, health)
	}
	if status != http.StatusOK {
		resp.Status = "unavailable"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// generateInstanceID creates a unique identifier for this gateway instance.
func generateInstanceID() string {
	return "coven-branches-" + ulid.Make().String()
}
