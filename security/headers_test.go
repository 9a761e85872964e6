package security

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestSetSecurityHeaders(t *testing.T) {
	tests := []struct {
		name     string
		issuer   string
		wantHSTS bool
	}{
		{name: "https issuer", issuer: "https://auth.bank.example", wantHSTS: true},
		{name: "http issuer", issuer: "http://localhost:8080", wantHSTS: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			SetSecurityHeaders(rec, tt.issuer)

			h := rec.Header()
			if h.Get("Cache-Control") != "no-store" {
				t.Errorf("Cache-Control = %q, want no-store", h.Get("Cache-Control"))
			}
			if h.Get("X-Frame-Options") != "DENY" {
				t.Errorf("X-Frame-Options = %q", h.Get("X-Frame-Options"))
			}
			if (h.Get("Strict-Transport-Security") != "") != tt.wantHSTS {
				t.Errorf("HSTS present = %v, want %v", h.Get("Strict-Transport-Security") != "", tt.wantHSTS)
			}
		})
	}
}

func TestSetFormPostHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	SetFormPostHeaders(rec, "https://auth.bank.example", "abc123")

	csp := rec.Header().Get("Content-Security-Policy")
	if !strings.Contains(csp, "'nonce-abc123'") {
		t.Errorf("CSP = %q, want script nonce", csp)
	}
	if rec.Header().Get("Cache-Control") != "no-store" {
		t.Error("form_post page must not be cached")
	}
}
