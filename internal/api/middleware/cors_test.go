package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func corsRequest(origins []string, method, origin string) *httptest.ResponseRecorder {
	handler := CORS(origins)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(method, "/api/v1/health", nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func TestCORSAllowedOrigin(t *testing.T) {
	rr := corsRequest([]string{"https://ops.example.com"}, http.MethodGet, "https://ops.example.com")

	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "https://ops.example.com" {
		t.Errorf("Allow-Origin = %q", got)
	}
	if got := rr.Header().Get("Vary"); got != "Origin" {
		t.Errorf("Vary = %q, want Origin", got)
	}
	if rr.Header().Get("Access-Control-Allow-Credentials") != "true" {
		t.Error("Allow-Credentials not set")
	}
}

func TestCORSDisallowedOrigin(t *testing.T) {
	rr := corsRequest([]string{"https://ops.example.com"}, http.MethodGet, "https://evil.example.com")
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Allow-Origin leaked to foreign origin: %q", got)
	}
}

func TestCORSWildcard(t *testing.T) {
	rr := corsRequest([]string{"*"}, http.MethodGet, "https://anywhere.example.com")
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Allow-Origin = %q, want *", got)
	}
	// Wildcard mode does not vary by origin.
	if got := rr.Header().Get("Vary"); got != "" {
		t.Errorf("Vary = %q, want empty", got)
	}
}

func TestCORSPreflight(t *testing.T) {
	rr := corsRequest([]string{"https://ops.example.com"}, http.MethodOptions, "https://ops.example.com")
	if rr.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", rr.Code)
	}
	if rr.Header().Get("Access-Control-Allow-Methods") == "" {
		t.Error("preflight without Allow-Methods")
	}
}

func TestCORSDisabled(t *testing.T) {
	rr := corsRequest(nil, http.MethodGet, "https://ops.example.com")
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("CORS headers with empty origin list: %q", got)
	}
}

func TestParseCORSOrigins(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"https://a.example.com", []string{"https://a.example.com"}},
		{" https://a.example.com , https://b.example.com ,", []string{"https://a.example.com", "https://b.example.com"}},
	}
	for _, tt := range tests {
		got := ParseCORSOrigins(tt.in)
		if len(got) != len(tt.want) {
			t.Errorf("ParseCORSOrigins(%q) = %v, want %v", tt.in, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("ParseCORSOrigins(%q) = %v, want %v", tt.in, got, tt.want)
			}
		}
	}
}
