package security

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
)

func TestInteractionIDMiddleware(t *testing.T) {
	supplied := uuid.NewString()

	tests := []struct {
		name     string
		header   string
		wantEcho bool
	}{
		{name: "missing header generates id", header: ""},
		{name: "valid uuid is echoed", header: supplied, wantEcho: true},
		{name: "injection attempt is replaced", header: "abc\r\nSet-Cookie: x=y"},
		{name: "non uuid is replaced", header: "request-123"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var fromContext string
			h := InteractionIDMiddleware(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
				fromContext = GetInteractionID(r.Context())
			}))

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set(InteractionIDHeader, tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			got := rec.Header().Get(InteractionIDHeader)
			if _, err := uuid.Parse(got); err != nil {
				t.Fatalf("response interaction id %q is not a uuid", got)
			}
			if got != fromContext {
				t.Errorf("context id = %q, header id = %q", fromContext, got)
			}
			if tt.wantEcho && got != tt.header {
				t.Errorf("interaction id = %q, want echo of %q", got, tt.header)
			}
			if !tt.wantEcho && got == tt.header {
				t.Errorf("invalid interaction id %q was echoed", tt.header)
			}
		})
	}
}

func TestGetInteractionID_Empty(t *testing.T) {
	if got := GetInteractionID(httptest.NewRequest(http.MethodGet, "/", nil).Context()); got != "" {
		t.Errorf("GetInteractionID() = %q, want empty", got)
	}
}
