// ABOUTME: Distributed event hub: local fan-out plus cross-instance propagation over a Transport
// ABOUTME: Local delivery is synchronous; publishing is queued and never fails the caller

package eventhub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/2389/coven-branches/internal/eventhub")

const (
	defaultChannelPrefix    = "coven:events:"
	defaultQueueSize        = 1024
	defaultWorkers          = 4
	defaultPublishTimeout   = 5 * time.Second
	defaultSubscribeTimeout = 5 * time.Second
	seenTTL                 = 2 * time.Minute
	seenMaxSize             = 10000
)

// Config configures a Hub
type Config struct {
	// Namespace labels this hub in logs and metrics, e.g. "conversation".
	Namespace     string
	ChannelPrefix string
	// InstanceID identifies this process; envelopes carrying it are dropped on receipt.
	InstanceID       string
	Transport        Transport
	QueueSize        int
	Workers          int
	PublishTimeout   time.Duration
	SubscribeTimeout time.Duration
	Logger           *slog.Logger
}

// Health is the result of a transport health check
type Health struct {
	Healthy    bool   `json:"healthy"`
	Error      string `json:"error,omitempty"`
	Topics     int    `json:"topics"`
	QueueDepth int    `json:"queue_depth"`
	InstanceID string `json:"instance_id"`
	Namespace  string `json:"namespace"`
}

type outbound struct {
	channel string
	payload []byte
}

// Hub fans events out to local subscribers and to other instances
type Hub struct {
	cfg       Config
	registry  *Registry
	transport Transport
	lifecycle *lifecycle
	seen      *seenSet
	logger    *slog.Logger

	// topicMu orders registry transitions with lifecycle acquire/release
	topicMu sync.Mutex

	mu      sync.RWMutex
	closed  bool
	queue   chan outbound
	workers sync.WaitGroup
}

// New creates a hub and starts its publish workers. It fails if no transport is configured.
func New(cfg Config) (*Hub, error) {
	if cfg.Transport == nil {
		return nil, ErrNoTransport
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "default"
	}
	if cfg.ChannelPrefix == "" {
		cfg.ChannelPrefix = defaultChannelPrefix
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = ulid.Make().String()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = defaultPublishTimeout
	}
	if cfg.SubscribeTimeout <= 0 {
		cfg.SubscribeTimeout = defaultSubscribeTimeout
	}

	logger := cfg.Logger.With("component", "eventhub", "hub", cfg.Namespace)
	h := &Hub{
		cfg:       cfg,
		registry:  NewRegistry(logger),
		transport: cfg.Transport,
		seen:      newSeenSet(seenTTL, seenMaxSize),
		logger:    logger,
		queue:     make(chan outbound, cfg.QueueSize),
	}
	h.lifecycle = newLifecycle(h.subscribeUpstream, logger)

	for i := 0; i < cfg.Workers; i++ {
		h.workers.Add(1)
		go h.publishLoop()
	}

	logger.Info("event hub started", "instance_id", cfg.InstanceID, "workers", cfg.Workers)
	return h, nil
}

// InstanceID returns the origin ID stamped on outgoing envelopes
func (h *Hub) InstanceID() string {
	return h.cfg.InstanceID
}

// Registry exposes the local subscription registry
func (h *Hub) Registry() *Registry {
	return h.registry
}

func (h *Hub) channel(topic Topic) string {
	return h.cfg.ChannelPrefix + topic.Key()
}

// Subscribe registers sub for topic. The first local subscriber of a topic establishes
// the upstream subscription; Subscribe waits for it up to ctx and SubscribeTimeout, but
// an upstream failure only limits delivery to local events. The returned function
// unsubscribes and is safe to call more than once.
func (h *Hub) Subscribe(ctx context.Context, topic Topic, sub Subscriber) func() {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		sub.Close()
		return func() {}
	}

	key := topic.Key()
	channel := h.channel(topic)

	h.topicMu.Lock()
	var ready <-chan error
	if h.registry.Add(key, sub) {
		ready = h.lifecycle.acquire(channel)
	}
	h.topicMu.Unlock()

	if ready != nil {
		h.awaitUpstream(ctx, channel, ready)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			h.topicMu.Lock()
			defer h.topicMu.Unlock()
			if h.registry.Remove(key, sub) {
				h.lifecycle.release(channel)
			}
		})
	}
}

func (h *Hub) awaitUpstream(ctx context.Context, channel string, ready <-chan error) {
	timer := time.NewTimer(h.cfg.SubscribeTimeout)
	defer timer.Stop()

	select {
	case err := <-ready:
		if err != nil && !errors.Is(err, errReleased) {
			h.logger.Warn("upstream subscription unavailable; delivering local events only",
				"channel", channel,
				"error", err)
		}
	case <-timer.C:
		h.logger.Warn("upstream subscription still pending", "channel", channel)
	case <-ctx.Done():
	}
}

func (h *Hub) subscribeUpstream(ctx context.Context, channel string) (Subscription, error) {
	key := strings.TrimPrefix(channel, h.cfg.ChannelPrefix)
	return h.transport.Subscribe(ctx, channel, func(payload []byte) {
		h.handleInbound(key, payload)
	})
}

// Broadcast delivers an event to local subscribers immediately and queues it for
// other instances. Publish failures are logged, never returned.
func (h *Hub) Broadcast(ctx context.Context, topic Topic, event string, data any) {
	key := topic.Key()
	_, span := tracer.Start(ctx, "eventhub.Broadcast", trace.WithAttributes(
		attribute.String("eventhub.hub", h.cfg.Namespace),
		attribute.String("eventhub.topic", key),
		attribute.String("eventhub.event", event),
	))
	defer span.End()

	broadcastsTotal.WithLabelValues(h.cfg.Namespace).Inc()
	delivered := h.registry.LocalBroadcast(key, event, data)
	span.SetAttributes(attribute.Int("eventhub.local_delivered", delivered))

	payload, err := h.encode(key, event, data)
	if err != nil {
		publishFailures.WithLabelValues(h.cfg.Namespace, "encode").Inc()
		h.logger.Error("encoding envelope", "topic", key, "event", event, "error", err)
		return
	}
	h.enqueue(outbound{channel: h.channel(topic), payload: payload})
}

func (h *Hub) encode(key, event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshaling event data: %w", err)
	}
	env := envelope{
		ID:        ulid.Make().String(),
		Origin:    h.cfg.InstanceID,
		Timestamp: time.Now().UnixMilli(),
		Topic:     key,
		Event:     event,
		Data:      raw,
	}
	return json.Marshal(env)
}

func (h *Hub) enqueue(ob outbound) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	depth := publishQueueDepth.WithLabelValues(h.cfg.Namespace)
	depth.Inc()
	select {
	case h.queue <- ob:
	default:
		depth.Dec()
		publishFailures.WithLabelValues(h.cfg.Namespace, "queue_full").Inc()
		h.logger.Warn("publish queue full; dropping envelope for other instances", "channel", ob.channel)
	}
}

func (h *Hub) publishLoop() {
	defer h.workers.Done()
	for ob := range h.queue {
		publishQueueDepth.WithLabelValues(h.cfg.Namespace).Dec()
		ctx, cancel := context.WithTimeout(context.Background(), h.cfg.PublishTimeout)
		err := h.transport.Publish(ctx, ob.channel, ob.payload)
		cancel()
		if err != nil {
			publishFailures.WithLabelValues(h.cfg.Namespace, "transport").Inc()
			h.logger.Warn("publishing envelope", "channel", ob.channel, "error", err)
		}
	}
}

func (h *Hub) handleInbound(key string, payload []byte) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		inboundTotal.WithLabelValues(h.cfg.Namespace, "malformed").Inc()
		h.logger.Debug("dropping malformed envelope", "topic", key, "error", err)
		return
	}
	if env.Origin == h.cfg.InstanceID {
		inboundTotal.WithLabelValues(h.cfg.Namespace, "self").Inc()
		return
	}
	if !h.seen.firstSighting(env.ID) {
		inboundTotal.WithLabelValues(h.cfg.Namespace, "duplicate").Inc()
		return
	}

	propagationSeconds.WithLabelValues(h.cfg.Namespace).Observe(time.Since(env.time()).Seconds())
	inboundTotal.WithLabelValues(h.cfg.Namespace, "delivered").Inc()
	h.registry.LocalBroadcast(key, env.Event, env.Data)
}

// TopicState reports the upstream subscription state of topic
func (h *Hub) TopicState(topic Topic) TopicState {
	return h.lifecycle.state(h.channel(topic))
}

// HealthCheck pings the transport. Broadcasting does not depend on it.
func (h *Hub) HealthCheck(ctx context.Context) Health {
	health := Health{
		Healthy:    true,
		Topics:     len(h.registry.Keys()),
		QueueDepth: len(h.queue),
		InstanceID: h.cfg.InstanceID,
		Namespace:  h.cfg.Namespace,
	}
	if err := h.transport.Ping(ctx); err != nil {
		health.Healthy = false
		health.Error = err.Error()
	}
	return health
}

// Shutdown stops accepting work, tears down upstream subscriptions after any
// in-flight setup completes, drains queued publishes and closes local subscribers.
// The transport is left open for its owner to close.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	close(h.queue)
	h.mu.Unlock()

	var errs []error
	if err := h.lifecycle.shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("tearing down subscriptions: %w", err))
	}

	drained := make(chan struct{})
	go func() {
		h.workers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("draining publish queue: %w", ctx.Err()))
	}

	h.registry.Shutdown()
	h.logger.Info("event hub shut down")
	return errors.Join(errs...)
}
