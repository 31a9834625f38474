package ratelimit

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
)

// Middleware returns HTTP middleware that enforces the given scope per
// client IP. Denied requests get a 429 JSON body with a Retry-After header.
// Store failures follow the limiter's fail-open/fail-closed policy; in
// fail-closed mode they surface as 503, not 429.
func (l *Limiter) Middleware(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res, err := l.Allow(r.Context(), scope, ExtractIP(r))
			if err != nil {
				l.cfg.Logger.Error("ratelimit: admission check failed",
					"scope", scope, "error", err)
				http.Error(w, "service unavailable", http.StatusServiceUnavailable)
				return
			}
			if res.OK {
				next.ServeHTTP(w, r)
				return
			}

			retryAfter := int(res.Reset.Sub(l.cfg.Now()).Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(map[string]any{
				"error": "rate limit exceeded",
				"reset": res.Reset.UTC().Format("2006-01-02T15:04:05Z07:00"),
			})
		})
	}
}

// ExtractIP returns the client IP from X-Forwarded-For or RemoteAddr.
func ExtractIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i >= 0 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
