// Package reqctx carries the caller identity across the HTTP boundary.
//
// End-user authentication (session cookies, bearer identity) happens in
// an upstream gateway; this package only recovers the userKey that
// gateway attached to the request and threads it through the request
// context for handlers and the audit log.
package reqctx

import (
	"context"
	"net/http"
)

type contextKey string

const (
	userKeyCtx        contextKey = "user_key"
	freshAuthAtCtxKey contextKey = "fresh_auth_at"
)

// UserKeyHeader is the header an upstream authentication gateway is
// expected to set once it has validated the caller's session.
const UserKeyHeader = "X-User-Key"

// FreshAuthHeader carries the RFC3339 timestamp of the caller's most
// recent authentication. Its raw value is exposed through FreshAuthAt;
// the restore fresh-auth check reads the credential record's
// authentication time and does not consult this header.
const FreshAuthHeader = "X-Authenticated-At"

// WithUserKey extracts the userKey (and, if present, the fresh-auth
// timestamp) set by the upstream gateway and attaches them to the request
// context for downstream handlers.
func WithUserKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if uk := r.Header.Get(UserKeyHeader); uk != "" {
			ctx = context.WithValue(ctx, userKeyCtx, uk)
		}
		if ts := r.Header.Get(FreshAuthHeader); ts != "" {
			ctx = context.WithValue(ctx, freshAuthAtCtxKey, ts)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// UserKey returns the authenticated caller's userKey, if any.
func UserKey(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(userKeyCtx).(string)
	return v, ok && v != ""
}

// FreshAuthAt returns the raw fresh-auth timestamp header value, if any.
func FreshAuthAt(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(freshAuthAtCtxKey).(string)
	return v, ok && v != ""
}
