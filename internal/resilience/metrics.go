// ABOUTME: Prometheus counters for cache and rate limiter outcomes
// ABOUTME: Degraded and error outcomes are counted separately from hits, misses and denials

package resilience

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"
)

var (
	cacheOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coven_cache_operations_total",
		Help: "Cache reads by cache name and result (hit, miss, error, degraded)",
	}, []string{"cache", "result"})

	rateLimitChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coven_ratelimit_checks_total",
		Help: "Rate limit checks by limiter name and result (allowed, denied, error, degraded)",
	}, []string{"limiter", "result"})
)

// degradedWarner logs once per instance the first time a degraded path is taken
type degradedWarner struct {
	once   rate.Sometimes
	logger *slog.Logger
	msg    string
}

func newDegradedWarner(logger *slog.Logger, msg string) *degradedWarner {
	return &degradedWarner{
		once:   rate.Sometimes{First: 1},
		logger: logger,
		msg:    msg,
	}
}

func (w *degradedWarner) warn(err error) {
	w.once.Do(func() {
		if err != nil {
			w.logger.Warn(w.msg, "error", err)
			return
		}
		w.logger.Warn(w.msg, "reason", "no backend configured")
	})
}
