package web

import (
	"net"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/JonMunkholm/cellvault/internal/core"
)

// requestMeta copies the request id, client address, user agent and
// optional X-Actor header into the context for audit logging. It runs after
// TrustedRealIP, so RemoteAddr is already the client address.
func requestMeta(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := core.WithRequestMeta(r.Context(), core.RequestMeta{
			RequestID: middleware.GetReqID(r.Context()),
			IPAddress: clientIP(r),
			UserAgent: r.UserAgent(),
			Actor:     r.Header.Get("X-Actor"),
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// clientIP strips the port from RemoteAddr.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
