// ABOUTME: Transport over the shared database's hub event log for deployments without Redis
// ABOUTME: Publishes are inserts; one polling loop per process reads new rows in sequence order

package eventhub

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/coven-branches/internal/store"
)

// LogTransportOptions configures a LogTransport
type LogTransportOptions struct {
	PollInterval time.Duration // defaults to 250ms
	Retention    time.Duration // defaults to 10 minutes
	BatchSize    int           // defaults to 500
	Logger       *slog.Logger
}

// LogTransport delivers envelopes through an append-only table. Every instance
// sharing the database sees every row in the same order, with latency bounded by
// the poll interval.
type LogTransport struct {
	log  store.EventLog
	opts LogTransportOptions

	mu       sync.RWMutex
	handlers map[string]map[*logSubscription]struct{}
	cursor   int64

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	logger    *slog.Logger
}

var _ Transport = (*LogTransport)(nil)

// NewLogTransport starts polling log from its current tail
func NewLogTransport(ctx context.Context, log store.EventLog, opts LogTransportOptions) (*LogTransport, error) {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 250 * time.Millisecond
	}
	if opts.Retention <= 0 {
		opts.Retention = 10 * time.Minute
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 500
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	cursor, err := log.LatestHubEventSeq(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading event log tail: %w", err)
	}

	t := &LogTransport{
		log:      log,
		opts:     opts,
		handlers: make(map[string]map[*logSubscription]struct{}),
		cursor:   cursor,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		logger:   opts.Logger.With("component", "log_transport"),
	}
	go t.run()
	return t, nil
}

// Publish appends payload to the log
func (t *LogTransport) Publish(ctx context.Context, channel string, payload []byte) error {
	select {
	case <-t.stop:
		return ErrTransportClosed
	default:
	}
	if _, err := t.log.AppendHubEvent(ctx, channel, payload); err != nil {
		return fmt.Errorf("appending to event log: %w", err)
	}
	return nil
}

// Subscribe registers handler for rows on channel written after the next poll
func (t *LogTransport) Subscribe(ctx context.Context, channel string, handler func([]byte)) (Subscription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	select {
	case <-t.stop:
		return nil, ErrTransportClosed
	default:
	}

	sub := &logSubscription{transport: t, channel: channel, handler: handler}
	if _, ok := t.handlers[channel]; !ok {
		t.handlers[channel] = make(map[*logSubscription]struct{})
	}
	t.handlers[channel][sub] = struct{}{}
	return sub, nil
}

// Ping checks the database
func (t *LogTransport) Ping(ctx context.Context) error {
	return t.log.Ping(ctx)
}

// Close stops polling; the underlying database stays open
func (t *LogTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.stop)
		<-t.done
	})
	return nil
}

func (t *LogTransport) run() {
	defer close(t.done)

	poll := time.NewTicker(t.opts.PollInterval)
	defer poll.Stop()
	prune := time.NewTicker(t.opts.Retention / 2)
	defer prune.Stop()

	for {
		select {
		case <-t.stop:
			return
		case <-poll.C:
			t.poll()
		case <-prune.C:
			t.prune()
		}
	}
}

func (t *LogTransport) poll() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for {
		t.mu.RLock()
		cursor := t.cursor
		t.mu.RUnlock()

		events, err := t.log.ListHubEventsAfter(ctx, cursor, t.opts.BatchSize)
		if err != nil {
			t.logger.Warn("polling event log", "error", err)
			return
		}
		for _, e := range events {
			t.dispatch(e)
		}
		if len(events) > 0 {
			t.mu.Lock()
			t.cursor = events[len(events)-1].Seq
			t.mu.Unlock()
		}
		if len(events) < t.opts.BatchSize {
			return
		}
	}
}

func (t *LogTransport) dispatch(e *store.HubEvent) {
	t.mu.RLock()
	subs := t.handlers[e.Channel]
	targets := make([]func([]byte), 0, len(subs))
	for s := range subs {
		targets = append(targets, s.handler)
	}
	t.mu.RUnlock()

	for _, h := range targets {
		h(e.Payload)
	}
}

func (t *LogTransport) prune() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	n, err := t.log.PruneHubEvents(ctx, time.Now().Add(-t.opts.Retention))
	if err != nil {
		t.logger.Warn("pruning event log", "error", err)
		return
	}
	if n > 0 {
		t.logger.Debug("pruned event log", "rows", n)
	}
}

type logSubscription struct {
	transport *LogTransport
	channel   string
	handler   func([]byte)
}

func (s *logSubscription) Close() error {
	t := s.transport
	t.mu.Lock()
	defer t.mu.Unlock()
	if subs, ok := t.handlers[s.channel]; ok {
		delete(subs, s)
		if len(subs) == 0 {
			delete(t.handlers, s.channel)
		}
	}
	return nil
}
