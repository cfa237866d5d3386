// ABOUTME: In-process subscription registry mapping topic keys to local subscribers
// ABOUTME: Reports first/last transitions so the hub can manage upstream subscriptions

package eventhub

import (
	"fmt"
	"log/slog"
	"sync"
)

// Subscriber receives events for a topic. Implementations must be comparable
// (typically pointers) and must not block in Send.
type Subscriber interface {
	Send(event string, data any) error
	// Close is called when the registry shuts down.
	Close()
}

// Registry tracks local subscribers per topic key
type Registry struct {
	mu     sync.Mutex
	topics map[string]map[Subscriber]struct{}
	logger *slog.Logger
}

// NewRegistry creates an empty registry. Pass nil logger for default.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		topics: make(map[string]map[Subscriber]struct{}),
		logger: logger.With("component", "registry"),
	}
}

// Add registers sub under key and reports whether it is the key's first subscriber
func (r *Registry) Add(key string, sub Subscriber) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs, ok := r.topics[key]
	if !ok {
		subs = make(map[Subscriber]struct{})
		r.topics[key] = subs
	}
	subs[sub] = struct{}{}
	return !ok
}

// Remove unregisters sub and reports whether the key has no subscribers left.
// Removing a subscriber that is not registered returns false.
func (r *Registry) Remove(key string, sub Subscriber) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs, ok := r.topics[key]
	if !ok {
		return false
	}
	if _, exists := subs[sub]; !exists {
		return false
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(r.topics, key)
		return true
	}
	return false
}

// LocalBroadcast delivers an event to every subscriber of key and returns how many
// accepted it. A subscriber that errors or panics is logged and skipped.
func (r *Registry) LocalBroadcast(key, event string, data any) int {
	r.mu.Lock()
	subs := r.topics[key]
	targets := make([]Subscriber, 0, len(subs))
	for sub := range subs {
		targets = append(targets, sub)
	}
	r.mu.Unlock()

	delivered := 0
	for _, sub := range targets {
		if err := r.deliver(sub, event, data); err != nil {
			r.logger.Warn("subscriber delivery failed",
				"topic", key,
				"event", event,
				"error", err)
			continue
		}
		delivered++
	}
	return delivered
}

func (r *Registry) deliver(sub Subscriber, event string, data any) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("subscriber panicked: %v", p)
		}
	}()
	return sub.Send(event, data)
}

// Count returns the number of subscribers for key
func (r *Registry) Count(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.topics[key])
}

// Keys returns every key that currently has subscribers
func (r *Registry) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := make([]string, 0, len(r.topics))
	for k := range r.topics {
		keys = append(keys, k)
	}
	return keys
}

// Shutdown closes every subscriber and clears all state
func (r *Registry) Shutdown() {
	r.mu.Lock()
	topics := r.topics
	r.topics = make(map[string]map[Subscriber]struct{})
	r.mu.Unlock()

	for key, subs := range topics {
		for sub := range subs {
			r.closeSubscriber(key, sub)
		}
	}
	r.logger.Debug("registry shut down")
}

func (r *Registry) closeSubscriber(key string, sub Subscriber) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Warn("subscriber close panicked", "topic", key, "panic", p)
		}
	}()
	sub.Close()
}
