// Package auth resolves the tenant and user behind an API request.
//
// Tokens are HS256 JWTs whose "sub" claim is the user and whose "tenant_id"
// claim is the tenant:
//
//	verifier := auth.NewJWTVerifier(secret)
//	mux.Handle("/api/", auth.HTTPAuthMiddleware(verifier)(api))
//
// Handlers read the identity with FromContext or MustFromContext. Every
// conversation lookup is scoped to AuthContext.TenantID.
//
// DevAuthMiddleware skips verification and trusts the X-Tenant-ID and
// X-User-ID headers. It is only wired when the environment is development.
package auth
