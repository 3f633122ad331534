// Package middleware carries the ingress contract: the service sits behind an
// authenticating proxy and trusts the identity and device headers it injects.
// There is no direct end-user token validation here.
package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/terraconstructs/jitaccess/internal/principal"
)

// Headers injected by the authenticating ingress.
const (
	HeaderUserEmail     = "X-Authenticated-User-Email"
	HeaderUserDirectory = "X-Authenticated-User-Directory"
	HeaderDeviceID      = "X-Device-Id"
	HeaderAccessLevels  = "X-Device-Access-Levels"
	HeaderRequestID     = "X-Request-Id"
)

// DefaultRequestTimeout bounds a single request end to end, including the
// directory and IAM calls it fans out to.
const DefaultRequestTimeout = 30 * time.Second

// Identity is the verified caller as asserted by the ingress.
type Identity struct {
	Email     principal.EndUserID
	Directory string

	DeviceID     string
	AccessLevels []string

	// RequestID is the ingress trace id, falling back to the router's
	// generated one.
	RequestID string
}

type contextKey int

const identityKey contextKey = iota

// IdentityFromContext returns the caller identity set by Authenticate.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityKey).(*Identity)
	return id, ok
}

// WithIdentity stores an identity in the context, for tests and internal
// callers that bypass the HTTP ingress.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// Authenticate extracts the ingress identity headers and stores the caller in
// the request context. Requests without an authenticated email are rejected
// with 401; everything behind this middleware can assume an identity exists.
func Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		email := strings.TrimSpace(r.Header.Get(HeaderUserEmail))
		if email == "" {
			http.Error(w, "missing authenticated identity", http.StatusUnauthorized)
			return
		}

		requestID := r.Header.Get(HeaderRequestID)
		if requestID == "" {
			requestID = chimiddleware.GetReqID(r.Context())
		}

		id := &Identity{
			Email:     principal.NewEndUserID(email),
			Directory: r.Header.Get(HeaderUserDirectory),
			DeviceID:  r.Header.Get(HeaderDeviceID),
			RequestID: requestID,
		}
		if levels := r.Header.Get(HeaderAccessLevels); levels != "" {
			for _, l := range strings.Split(levels, ",") {
				if l = strings.TrimSpace(l); l != "" {
					id.AccessLevels = append(id.AccessLevels, l)
				}
			}
		}

		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

// Deadline applies a per-request timeout. A non-positive timeout falls back
// to DefaultRequestTimeout.
func Deadline(timeout time.Duration) func(http.Handler) http.Handler {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
