// ABOUTME: HTTP middleware for JWT authentication on API endpoints
// ABOUTME: Extracts JWT from Authorization header (or query for SSE) and adds identity to context

package auth

import (
	"errors"
	"net/http"
	"strings"
)

// Header names read by DevAuthMiddleware.
const (
	TenantHeader = "X-Tenant-ID"
	UserHeader   = "X-User-ID"
)

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// requestToken finds the token for r. EventSource clients cannot set headers,
// so GET requests may pass it as access_token or token in the query string.
func requestToken(r *http.Request) (string, string) {
	token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
	if errMsg == "" || r.Method != http.MethodGet {
		return token, errMsg
	}
	q := r.URL.Query()
	for _, key := range []string{"access_token", "token"} {
		if t := q.Get(key); t != "" {
			return t, ""
		}
	}
	return "", errMsg
}

// HTTPAuthMiddleware creates an HTTP middleware that extracts and validates JWT tokens
// and adds the tenant and user to the request context.
func HTTPAuthMiddleware(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := requestToken(r)
			if errMsg != "" {
				http.Error(w, `{"error":"`+errMsg+`"}`, http.StatusUnauthorized)
				return
			}

			id, err := verifier.Verify(token)
			if err != nil {
				msg := "invalid token"
				if errors.Is(err, ErrExpiredToken) {
					msg = "token expired"
				}
				http.Error(w, `{"error":"`+msg+`"}`, http.StatusUnauthorized)
				return
			}

			authCtx := &AuthContext{TenantID: id.TenantID, UserID: id.UserID}
			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), authCtx)))
		})
	}
}

// DevAuthMiddleware trusts X-Tenant-ID and X-User-ID headers, falling back to
// the given defaults. Only for development environments.
func DevAuthMiddleware(defaultTenant, defaultUser string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authCtx := &AuthContext{
				TenantID: r.Header.Get(TenantHeader),
				UserID:   r.Header.Get(UserHeader),
			}
			if authCtx.TenantID == "" {
				authCtx.TenantID = defaultTenant
			}
			if authCtx.UserID == "" {
				authCtx.UserID = defaultUser
			}
			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), authCtx)))
		})
	}
}
