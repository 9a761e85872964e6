package oauth

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/cdr-auth/protocol"
)

func TestFormatWWWAuthenticate(t *testing.T) {
	tests := []struct {
		name string
		code string
		desc string
		want string
	}{
		{name: "no parameters", want: "Bearer"},
		{name: "code only", code: "invalid_token", want: `Bearer error="invalid_token"`},
		{
			name: "code and description",
			code: "invalid_client",
			desc: "a client certificate is required",
			want: `Bearer error="invalid_client", error_description="a client certificate is required"`,
		},
		{
			name: "quotes are escaped",
			code: "invalid_token",
			desc: `bad "token" \ here`,
			want: `Bearer error="invalid_token", error_description="bad \"token\" \\ here"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, formatWWWAuthenticate(tt.code, tt.desc))
		})
	}
}

func TestHandler_WriteEngineError(t *testing.T) {
	f := newHandlerFixture(t, nil)

	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantBody   string
		wantAuth   bool
	}{
		{
			name:       "oauth error",
			err:        protocol.ErrInvalidGrant("code is invalid"),
			wantStatus: http.StatusBadRequest,
			wantBody:   `"error":"invalid_grant"`,
		},
		{
			name:       "wrapped oauth error",
			err:        fmt.Errorf("token: %w", protocol.ErrInvalidClient("unknown client")),
			wantStatus: http.StatusUnauthorized,
			wantBody:   `"error":"invalid_client"`,
			wantAuth:   true,
		},
		{
			name:       "cds error",
			err:        protocol.ErrInvalidArrangement("arr-1"),
			wantStatus: http.StatusUnprocessableEntity,
			wantBody:   `"errors":[`,
		},
		{
			name:       "internal failure is hidden",
			err:        errors.New("database on fire"),
			wantStatus: http.StatusInternalServerError,
			wantBody:   `"error":"server_error"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodPost, PathToken, nil)
			f.handler.writeEngineError(w, r, PathToken, tt.err)

			require.Equal(t, tt.wantStatus, w.Code)
			assert.Contains(t, w.Body.String(), tt.wantBody)
			assert.NotContains(t, w.Body.String(), "database on fire")
			assert.Equal(t, tt.wantAuth, w.Header().Get("WWW-Authenticate") != "")
			assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
		})
	}
}
