// ABOUTME: Per-topic upstream subscription state machine
// ABOUTME: One reconcile goroutine per topic drives the transport toward the wanted state

package eventhub

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// TopicState is the upstream subscription state of a topic
type TopicState int

const (
	StateUnsubscribed TopicState = iota
	StateSubscribing
	StateSubscribed
	StateUnsubscribing
)

func (s TopicState) String() string {
	switch s {
	case StateSubscribing:
		return "subscribing"
	case StateSubscribed:
		return "subscribed"
	case StateUnsubscribing:
		return "unsubscribing"
	default:
		return "unsubscribed"
	}
}

// errReleased is delivered to waiters whose topic was released before it subscribed
var errReleased = errors.New("eventhub: topic released before subscribing")

const (
	minRetryBackoff = 100 * time.Millisecond
	maxRetryBackoff = 30 * time.Second

	subscribeAttemptTimeout = 10 * time.Second
)

type topicEntry struct {
	channel string
	state   TopicState
	want    bool
	running bool
	sub     Subscription
	waiters []chan error
}

// lifecycle owns every upstream subscription of one hub
type lifecycle struct {
	mu        sync.Mutex
	topics    map[string]*topicEntry
	subscribe func(ctx context.Context, channel string) (Subscription, error)
	stop      chan struct{}
	stopped   bool
	wg        sync.WaitGroup
	logger    *slog.Logger
}

func newLifecycle(subscribe func(ctx context.Context, channel string) (Subscription, error), logger *slog.Logger) *lifecycle {
	return &lifecycle{
		topics:    make(map[string]*topicEntry),
		subscribe: subscribe,
		stop:      make(chan struct{}),
		logger:    logger,
	}
}

// acquire marks channel wanted. The returned channel yields the outcome of the
// subscription attempt that satisfies this call; racing callers share one attempt.
func (l *lifecycle) acquire(channel string) <-chan error {
	done := make(chan error, 1)

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stopped {
		done <- ErrTransportClosed
		return done
	}

	e := l.entryLocked(channel)
	e.want = true
	if e.state == StateSubscribed {
		done <- nil
		return done
	}
	e.waiters = append(e.waiters, done)
	l.kickLocked(e)
	return done
}

// release marks channel unwanted; teardown happens asynchronously
func (l *lifecycle) release(channel string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.topics[channel]
	if !ok {
		return
	}
	e.want = false
	l.kickLocked(e)
}

func (l *lifecycle) state(channel string) TopicState {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.topics[channel]; ok {
		return e.state
	}
	return StateUnsubscribed
}

func (l *lifecycle) entryLocked(channel string) *topicEntry {
	e, ok := l.topics[channel]
	if !ok {
		e = &topicEntry{channel: channel}
		l.topics[channel] = e
	}
	return e
}

func (l *lifecycle) kickLocked(e *topicEntry) {
	if e.running {
		return
	}
	e.running = true
	l.wg.Add(1)
	go l.reconcile(e)
}

func (l *lifecycle) reconcile(e *topicEntry) {
	defer l.wg.Done()
	backoff := minRetryBackoff

	for {
		l.mu.Lock()
		switch {
		case e.want && e.sub == nil:
			e.state = StateSubscribing
			l.mu.Unlock()

			ctx, cancel := context.WithTimeout(context.Background(), subscribeAttemptTimeout)
			sub, err := l.subscribe(ctx, e.channel)
			cancel()

			l.mu.Lock()
			waiters := e.waiters
			e.waiters = nil
			if err != nil {
				e.state = StateUnsubscribed
				l.mu.Unlock()
				notify(waiters, err)
				l.logger.Warn("upstream subscribe failed",
					"channel", e.channel,
					"retry_in", backoff,
					"error", err)
				if !l.sleep(backoff) {
					l.mu.Lock()
					e.want = false
					l.mu.Unlock()
				}
				backoff = min(backoff*2, maxRetryBackoff)
				continue
			}
			e.sub = sub
			e.state = StateSubscribed
			l.mu.Unlock()
			notify(waiters, nil)
			backoff = minRetryBackoff
			l.logger.Debug("upstream subscribed", "channel", e.channel)

		case !e.want && e.sub != nil:
			e.state = StateUnsubscribing
			sub := e.sub
			e.sub = nil
			l.mu.Unlock()

			if err := sub.Close(); err != nil {
				l.logger.Warn("upstream unsubscribe failed", "channel", e.channel, "error", err)
			}

			l.mu.Lock()
			e.state = StateUnsubscribed
			l.mu.Unlock()
			l.logger.Debug("upstream unsubscribed", "channel", e.channel)

		default:
			e.running = false
			if !e.want && e.sub == nil {
				if l.topics[e.channel] == e {
					delete(l.topics, e.channel)
				}
				waiters := e.waiters
				e.waiters = nil
				l.mu.Unlock()
				notify(waiters, errReleased)
				return
			}
			l.mu.Unlock()
			return
		}
	}
}

// sleep waits for d and returns false if the lifecycle is shutting down
func (l *lifecycle) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-l.stop:
		return false
	}
}

// shutdown releases every topic and waits for in-flight setup and teardown
func (l *lifecycle) shutdown(ctx context.Context) error {
	l.mu.Lock()
	if !l.stopped {
		l.stopped = true
		close(l.stop)
	}
	for _, e := range l.topics {
		e.want = false
		l.kickLocked(e)
	}
	l.mu.Unlock()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func notify(waiters []chan error, err error) {
	for _, w := range waiters {
		w <- err
	}
}
