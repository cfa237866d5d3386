// ABOUTME: Fail-open fixed window rate limiter over a shared counter backend
// ABOUTME: Backend failures and a missing backend always allow the request

package resilience

import (
	"context"
	"log/slog"
	"strconv"
	"time"
)

// RateLimiter decides whether an identifier may proceed
type RateLimiter interface {
	// Check returns false only when a healthy backend reports the limit exceeded.
	Check(ctx context.Context, identifier string) bool
	// Degraded reports whether the limiter runs without a backend.
	Degraded() bool
}

// RateLimitOptions configures a RateLimiter
type RateLimitOptions struct {
	Name   string
	Prefix string
	Limit  int64         // requests per window; defaults to 60
	Window time.Duration // defaults to one minute
	Logger *slog.Logger
}

// NewRateLimiter returns a limiter over backend, or one that allows everything when backend is nil.
// It never returns nil.
func NewRateLimiter(backend CounterBackend, opts RateLimitOptions) RateLimiter {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Name == "" {
		opts.Name = "default"
	}
	if opts.Limit <= 0 {
		opts.Limit = 60
	}
	if opts.Window <= 0 {
		opts.Window = time.Minute
	}

	logger := opts.Logger.With("component", "ratelimit", "limiter", opts.Name)
	warner := newDegradedWarner(logger, "rate limiter degraded; allowing all requests")

	if backend == nil {
		return &openLimiter{name: opts.Name, warner: warner}
	}
	return &windowLimiter{
		backend: backend,
		opts:    opts,
		warner:  warner,
		now:     time.Now,
	}
}

type windowLimiter struct {
	backend CounterBackend
	opts    RateLimitOptions
	warner  *degradedWarner
	now     func() time.Time
}

func (l *windowLimiter) Check(ctx context.Context, identifier string) bool {
	bucket := l.now().UnixNano() / int64(l.opts.Window)
	key := l.opts.Prefix + identifier + ":" + strconv.FormatInt(bucket, 10)

	count, err := l.backend.IncrWindow(ctx, key, l.opts.Window)
	if err != nil {
		rateLimitChecks.WithLabelValues(l.opts.Name, "error").Inc()
		l.warner.warn(err)
		return true
	}
	if count > l.opts.Limit {
		rateLimitChecks.WithLabelValues(l.opts.Name, "denied").Inc()
		return false
	}
	rateLimitChecks.WithLabelValues(l.opts.Name, "allowed").Inc()
	return true
}

func (l *windowLimiter) Degraded() bool { return false }

type openLimiter struct {
	name   string
	warner *degradedWarner
}

func (l *openLimiter) Check(ctx context.Context, identifier string) bool {
	rateLimitChecks.WithLabelValues(l.name, "degraded").Inc()
	l.warner.warn(nil)
	return true
}

func (l *openLimiter) Degraded() bool { return true }
