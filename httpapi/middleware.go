package httpapi

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/plusme/authcore"
)

type identityContextKey struct{}

// IdentityFromContext returns the identity attached by [Handler.RequireAuth],
// or nil outside a protected route.
func IdentityFromContext(ctx context.Context) *authcore.Identity {
	identity, _ := ctx.Value(identityContextKey{}).(*authcore.Identity)
	return identity
}

// clientContext copies the request's client IP and User-Agent into the
// context the engine reads them from. Sits under chi's RealIP middleware, so
// RemoteAddr already reflects X-Forwarded-For when one is present.
func clientContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := r.RemoteAddr
		if host, _, err := net.SplitHostPort(ip); err == nil {
			ip = host
		}

		ctx := authcore.WithClientIP(r.Context(), ip)
		ctx = authcore.WithUserAgent(ctx, r.UserAgent())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAuth validates the access token from the Authorization header or
// the access cookie and attaches the identity to the request context.
func (h *Handler) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			if c, err := r.Cookie(accessCookieName); err == nil {
				token = c.Value
			}
		}

		identity, err := h.engine.ValidateAccess(r.Context(), token)
		if err != nil {
			h.writeError(w, r, authcore.ErrUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), identityContextKey{}, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}
