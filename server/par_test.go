package server

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/cdr-auth/internal/testutil"
	"github.com/giantswarm/cdr-auth/protocol"
	"github.com/giantswarm/cdr-auth/storage"
)

func TestPushAuthorizationRequest(t *testing.T) {
	f := newFixture(t, nil)
	ro, _ := f.requestObject(t, nil)

	resp, err := f.srv.PushAuthorizationRequest(context.Background(), f.auth(t, testCertA), ro)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(resp.RequestURI, "urn:"), resp.RequestURI)
	assert.Equal(t, int64(90), resp.ExpiresIn)

	grant, err := f.store.GetGrant(context.Background(), storage.GrantTypeRequestURI, resp.RequestURI, testClientID)
	require.NoError(t, err)
	req := grant.Payload.(*storage.RequestURIData).Request
	assert.Equal(t, "state-1", req.State)
	assert.Equal(t, int64(86400), req.SharingDuration)
	assert.False(t, grant.IsUsed())
}

func TestPushAuthorizationRequest_ConfiguredTTL(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.RequestURITTL = 30 })
	ro, _ := f.requestObject(t, nil)

	resp, err := f.srv.PushAuthorizationRequest(context.Background(), f.auth(t, testCertA), ro)
	require.NoError(t, err)
	assert.Equal(t, int64(30), resp.ExpiresIn)
}

func TestPushAuthorizationRequest_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(claims, requested map[string]any)
		code   string
	}{
		{
			name:   "plain query mode for the code flow",
			mutate: func(c, _ map[string]any) { c["response_mode"] = "query" },
			code:   protocol.ErrorCodeInvalidRequest,
		},
		{
			name: "jwt mode for the hybrid flow",
			mutate: func(c, _ map[string]any) {
				c["response_type"] = "code id_token"
				c["response_mode"] = "jwt"
			},
			code: protocol.ErrorCodeInvalidRequest,
		},
		{
			name:   "unknown arrangement",
			mutate: func(_, r map[string]any) { r["cdr_arrangement_id"] = "missing" },
			code:   protocol.ErrorCodeInvalidRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			ro, _ := f.requestObject(t, tt.mutate)
			_, err := f.srv.PushAuthorizationRequest(context.Background(), f.auth(t, testCertA), ro)
			require.Error(t, err)
			pe := protocol.AsError(err)
			assert.Contains(t, []string{tt.code, protocol.ErrorCodeInvalidRequestObject}, pe.Code, pe.Description)
			assert.Equal(t, http.StatusBadRequest, pe.Status)
		})
	}
}

func TestPushAuthorizationRequest_ClientCertificateRequired(t *testing.T) {
	f := newFixture(t, nil)
	ro, _ := f.requestObject(t, nil)

	_, err := f.srv.PushAuthorizationRequest(context.Background(), f.auth(t, ""), ro)
	requireProtocolError(t, err, protocol.ErrorCodeInvalidClient, http.StatusUnauthorized)
}

func TestPushAuthorizationRequest_ArrangementOfAnotherClient(t *testing.T) {
	f := newFixture(t, nil)
	arr, refresh := testutil.ArrangementGrants("arr-2", "refresh-2", "client-2", f.clock.Now(), time.Hour)
	require.NoError(t, f.store.SaveArrangement(context.Background(), arr, refresh, ""))

	ro, _ := f.requestObject(t, func(_, r map[string]any) { r["cdr_arrangement_id"] = "arr-2" })
	_, err := f.srv.PushAuthorizationRequest(context.Background(), f.auth(t, testCertA), ro)
	requireProtocolError(t, err, protocol.ErrorCodeInvalidRequest, http.StatusBadRequest)
}

// tokensArrangement loads the arrangement and refresh grants behind a token response
func tokensArrangement(t *testing.T, f *fixture, tokens *TokenResponse) (*storage.Grant, *storage.Grant) {
	t.Helper()
	arr, err := f.store.GetGrant(context.Background(), storage.GrantTypeCdrArrangement, tokens.CdrArrangementID, testClientID)
	require.NoError(t, err)
	refresh, err := f.store.GetGrant(context.Background(), storage.GrantTypeRefreshToken,
		arr.Payload.(*storage.CdrArrangementData).RefreshTokenKey, testClientID)
	require.NoError(t, err)
	return arr, refresh
}
