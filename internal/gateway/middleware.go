// ABOUTME: HTTP middleware for the API: authentication selection and per-user rate limiting
// ABOUTME: The rate limiter fails open, so a Redis outage never blocks writes

package gateway

import (
	"net/http"
	"strconv"

	"github.com/2389/coven-branches/internal/auth"
)

func (g *Gateway) authenticate(next http.Handler) http.Handler {
	return g.authMiddleware(next)
}

// rateLimit rejects mutating requests once the caller's tenant:user key is over
// the window limit. Must be used after authenticate.
func (g *Gateway) rateLimit(next http.Handler) http.Handler {
	retryAfter := strconv.Itoa(int(g.config.RateLimit.Window.Seconds()))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a := auth.FromContext(r.Context())
		if a != nil && !g.limiter.Check(r.Context(), a.Key()) {
			w.Header().Set("Retry-After", retryAfter)
			sendJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
