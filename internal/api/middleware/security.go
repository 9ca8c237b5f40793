package middleware

import "net/http"

// SecurityHeaders sets the response headers appropriate for a JSON API
// with no embedded frontend. The CSP denies everything except the
// WebSocket event feed, since no HTML is ever served from this origin.
// HSTS is sent only over TLS so a plain-HTTP deployment cannot poison
// browser caches with an HTTPS-only policy.
func SecurityHeaders(tlsEnabled bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			// The legacy XSS filter is off; its heuristics cause more
			// problems than they solve.
			h.Set("X-XSS-Protection", "0")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			h.Set("Content-Security-Policy",
				"default-src 'none'; connect-src 'self' ws: wss:; frame-ancestors 'none'")
			h.Set("Permissions-Policy",
				"camera=(), microphone=(), geolocation=(), payment=()")
			if tlsEnabled {
				h.Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
			}

			next.ServeHTTP(w, r)
		})
	}
}
