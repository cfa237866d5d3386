// ABOUTME: Redis pub/sub Transport built on go-redis
// ABOUTME: One PubSub connection per upstream topic; delivery is push based and at-most-once

package eventhub

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisTransport publishes and subscribes through Redis PUBLISH/SUBSCRIBE.
// The client is owned by the caller; Close only tears down subscriptions.
type RedisTransport struct {
	client redis.UniversalClient
	logger *slog.Logger

	mu   sync.Mutex
	subs map[*redisSubscription]struct{}
}

var _ Transport = (*RedisTransport)(nil)

// NewRedisTransport creates a transport over client. Pass nil logger for default.
func NewRedisTransport(client redis.UniversalClient, logger *slog.Logger) *RedisTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisTransport{
		client: client,
		logger: logger.With("component", "redis_transport"),
		subs:   make(map[*redisSubscription]struct{}),
	}
}

// Publish sends payload to every instance subscribed to channel
func (t *RedisTransport) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := t.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publishing to %s: %w", channel, err)
	}
	return nil
}

// Subscribe blocks until Redis confirms the subscription, then delivers messages to handler
func (t *RedisTransport) Subscribe(ctx context.Context, channel string, handler func([]byte)) (Subscription, error) {
	ps := t.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribing to %s: %w", channel, err)
	}

	sub := &redisSubscription{
		transport: t,
		ps:        ps,
		done:      make(chan struct{}),
	}
	msgs := ps.Channel()
	go func() {
		defer close(sub.done)
		for msg := range msgs {
			handler([]byte(msg.Payload))
		}
	}()

	t.mu.Lock()
	t.subs[sub] = struct{}{}
	t.mu.Unlock()
	return sub, nil
}

// Ping checks Redis connectivity
func (t *RedisTransport) Ping(ctx context.Context) error {
	return t.client.Ping(ctx).Err()
}

// Close tears down every subscription still open
func (t *RedisTransport) Close() error {
	t.mu.Lock()
	subs := make([]*redisSubscription, 0, len(t.subs))
	for s := range t.subs {
		subs = append(subs, s)
	}
	t.mu.Unlock()

	for _, s := range subs {
		if err := s.Close(); err != nil {
			t.logger.Warn("closing subscription", "error", err)
		}
	}
	return nil
}

type redisSubscription struct {
	transport *RedisTransport
	ps        *redis.PubSub
	done      chan struct{}
	once      sync.Once
	err       error
}

func (s *redisSubscription) Close() error {
	s.once.Do(func() {
		s.err = s.ps.Close()
		<-s.done

		s.transport.mu.Lock()
		delete(s.transport.subs, s)
		s.transport.mu.Unlock()
	})
	return s.err
}
