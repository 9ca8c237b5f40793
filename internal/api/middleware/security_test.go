package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func secureRequest(t *testing.T, tls bool) *httptest.ResponseRecorder {
	t.Helper()
	handler := SecurityHeaders(tls)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	return rr
}

func TestSecurityHeaders(t *testing.T) {
	rr := secureRequest(t, false)

	want := map[string]string{
		"X-Frame-Options":        "DENY",
		"X-Content-Type-Options": "nosniff",
		"X-XSS-Protection":       "0",
		"Referrer-Policy":        "strict-origin-when-cross-origin",
	}
	for header, v := range want {
		if got := rr.Header().Get(header); got != v {
			t.Errorf("%s = %q, want %q", header, got, v)
		}
	}
	csp := rr.Header().Get("Content-Security-Policy")
	if !strings.Contains(csp, "default-src 'none'") || !strings.Contains(csp, "wss:") {
		t.Errorf("csp = %q", csp)
	}
	if rr.Header().Get("Permissions-Policy") == "" {
		t.Error("Permissions-Policy missing")
	}
}

func TestHSTSOnlyOverTLS(t *testing.T) {
	if got := secureRequest(t, false).Header().Get("Strict-Transport-Security"); got != "" {
		t.Errorf("HSTS sent on plain HTTP: %q", got)
	}
	got := secureRequest(t, true).Header().Get("Strict-Transport-Security")
	if !strings.Contains(got, "max-age=") {
		t.Errorf("HSTS over TLS = %q", got)
	}
}
