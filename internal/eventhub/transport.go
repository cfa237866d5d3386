// ABOUTME: Transport abstraction for cross-instance event propagation
// ABOUTME: Includes the in-process MemoryBus used in development and tests

package eventhub

import (
	"context"
	"errors"
	"sync"
)

// ErrNoTransport is returned when a hub is constructed without a transport
var ErrNoTransport = errors.New("eventhub: no transport configured")

// ErrTransportClosed is returned by operations on a closed transport
var ErrTransportClosed = errors.New("eventhub: transport closed")

// Transport carries encoded envelopes between instances
type Transport interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe starts delivering payloads published on channel to handler.
	// The subscription is established when Subscribe returns without error.
	Subscribe(ctx context.Context, channel string, handler func(payload []byte)) (Subscription, error)
	Ping(ctx context.Context) error
	Close() error
}

// Subscription is an active upstream subscription
type Subscription interface {
	Close() error
}

// MemoryBus is an in-process Transport. Several hubs sharing one bus behave
// like instances sharing a broker.
type MemoryBus struct {
	mu       sync.RWMutex
	handlers map[string]map[*memorySubscription]struct{}
	closed   bool
}

var _ Transport = (*MemoryBus)(nil)

// NewMemoryBus creates an empty bus
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{handlers: make(map[string]map[*memorySubscription]struct{})}
}

type memorySubscription struct {
	bus     *MemoryBus
	channel string
	handler func([]byte)
	once    sync.Once
}

func (s *memorySubscription) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()
		if subs, ok := s.bus.handlers[s.channel]; ok {
			delete(subs, s)
			if len(subs) == 0 {
				delete(s.bus.handlers, s.channel)
			}
		}
	})
	return nil
}

// Publish delivers payload synchronously to every handler on channel
func (b *MemoryBus) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrTransportClosed
	}
	targets := make([]func([]byte), 0, len(b.handlers[channel]))
	for sub := range b.handlers[channel] {
		targets = append(targets, sub.handler)
	}
	b.mu.RUnlock()

	for _, h := range targets {
		h(append([]byte(nil), payload...))
	}
	return nil
}

// Subscribe registers handler for channel
func (b *MemoryBus) Subscribe(ctx context.Context, channel string, handler func([]byte)) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrTransportClosed
	}
	sub := &memorySubscription{bus: b, channel: channel, handler: handler}
	if _, ok := b.handlers[channel]; !ok {
		b.handlers[channel] = make(map[*memorySubscription]struct{})
	}
	b.handlers[channel][sub] = struct{}{}
	return sub, nil
}

// Ping fails only after Close
func (b *MemoryBus) Ping(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrTransportClosed
	}
	return nil
}

// Close drops every subscription
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.handlers = make(map[string]map[*memorySubscription]struct{})
	return nil
}

// SubscriberCount returns how many upstream subscriptions exist on channel
func (b *MemoryBus) SubscriberCount(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[channel])
}
