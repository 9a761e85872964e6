package validation

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/cdr-auth/internal/testutil"
	"github.com/giantswarm/cdr-auth/protocol"
)

func (f *fixture) requestObject(t *testing.T, key jose.JSONWebKey, mutate func(map[string]any)) string {
	t.Helper()
	challenge, _ := testutil.GeneratePKCEPair()
	now := f.clock.Now()
	claims := map[string]any{
		"iss":                   "client-1",
		"aud":                   testIssuer,
		"exp":                   now.Add(10 * time.Minute).Unix(),
		"nbf":                   now.Unix(),
		"client_id":             "client-1",
		"response_type":         "code",
		"response_mode":         "jwt",
		"scope":                 "openid bank:accounts.basic:read",
		"redirect_uri":          "https://recipient.example/callback",
		"state":                 "state-1",
		"nonce":                 "nonce-1",
		"code_challenge":        challenge,
		"code_challenge_method": "S256",
		"claims": map[string]any{
			"sharing_duration": 7776000,
			"id_token": map[string]any{
				"acr": map[string]any{"essential": true, "values": []string{"urn:cds.au:cdr:2", "urn:other"}},
			},
		},
	}
	if mutate != nil {
		mutate(claims)
	}
	return testutil.SignJWT(t, key, "", claims)
}

func (f *fixture) parValidator() *PARValidator {
	v := NewPARValidator(PARConfig{Issuer: testIssuer}, f.fetcher)
	v.SetClock(f.clock.Now)
	return v
}

func TestPARValidate_Valid(t *testing.T) {
	f := newFixture(t)
	client := testutil.Client("client-1", testJWKSURI)

	req, err := f.parValidator().Validate(context.Background(), client, f.requestObject(t, f.clientKey, nil))
	require.NoError(t, err)
	assert.Equal(t, "client-1", req.ClientID)
	assert.Equal(t, "code", req.ResponseType)
	assert.Equal(t, "jwt", req.ResponseMode)
	assert.Equal(t, "openid bank:accounts.basic:read", req.Scope)
	assert.Equal(t, "state-1", req.State)
	assert.Equal(t, "nonce-1", req.Nonce)
	assert.Equal(t, int64(7776000), req.SharingDuration)
	assert.Equal(t, []string{"urn:cds.au:cdr:2"}, req.ACRValues)
}

func TestPARValidate_HybridDefaultsToFragment(t *testing.T) {
	f := newFixture(t)
	client := testutil.Client("client-1", testJWKSURI)

	req, err := f.parValidator().Validate(context.Background(), client, f.requestObject(t, f.clientKey, func(c map[string]any) {
		c["response_type"] = "id_token code"
		delete(c, "response_mode")
	}))
	require.NoError(t, err)
	assert.Equal(t, "code id_token", req.ResponseType)
	assert.Equal(t, "fragment", req.ResponseMode)
}

func TestPARValidate_SharingDuration(t *testing.T) {
	f := newFixture(t)
	client := testutil.Client("client-1", testJWKSURI)
	v := f.parValidator()

	req, err := v.Validate(context.Background(), client, f.requestObject(t, f.clientKey, func(c map[string]any) {
		c["claims"] = map[string]any{"sharing_duration": 400 * 24 * 3600, "cdr_arrangement_id": "arr-1"}
	}))
	require.NoError(t, err)
	assert.Equal(t, int64(DefaultMaxSharingDuration/time.Second), req.SharingDuration)
	assert.Equal(t, "arr-1", req.CdrArrangementID)

	req, err = v.Validate(context.Background(), client, f.requestObject(t, f.clientKey, func(c map[string]any) {
		delete(c, "claims")
	}))
	require.NoError(t, err)
	assert.Zero(t, req.SharingDuration)

	_, err = v.Validate(context.Background(), client, f.requestObject(t, f.clientKey, func(c map[string]any) {
		c["claims"] = map[string]any{"sharing_duration": -1}
	}))
	requireProtocolError(t, err, protocol.ErrorCodeInvalidRequest, http.StatusBadRequest)
}

func TestPARValidate_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(map[string]any)
	}{
		{"code without response_mode", func(c map[string]any) { delete(c, "response_mode") }},
		{"code with fragment", func(c map[string]any) { c["response_mode"] = "fragment" }},
		{"code with query", func(c map[string]any) { c["response_mode"] = "query" }},
		{"hybrid with jwt", func(c map[string]any) { c["response_type"] = "code id_token" }},
		{"hybrid without nonce", func(c map[string]any) {
			c["response_type"] = "code id_token"
			c["response_mode"] = "form_post"
			delete(c, "nonce")
		}},
		{"unsupported response_type", func(c map[string]any) { c["response_type"] = "token" }},
		{"unregistered redirect_uri", func(c map[string]any) { c["redirect_uri"] = "https://evil.example/cb" }},
		{"missing openid", func(c map[string]any) { c["scope"] = "bank:accounts.basic:read" }},
		{"plain pkce", func(c map[string]any) { c["code_challenge_method"] = "plain" }},
		{"short challenge", func(c map[string]any) { c["code_challenge"] = "abc" }},
		{"client_id mismatch", func(c map[string]any) { c["client_id"] = "client-2" }},
		{"wrong audience", func(c map[string]any) { c["aud"] = "https://other.example" }},
		{"missing nbf", func(c map[string]any) { delete(c, "nbf") }},
		{"lifetime over an hour", func(c map[string]any) {
			c["exp"] = c["nbf"].(int64) + int64((61 * time.Minute).Seconds())
		}},
		{"nested request_uri", func(c map[string]any) { c["request_uri"] = "urn:x" }},
		{"unsupported essential acr", func(c map[string]any) {
			c["claims"] = map[string]any{"id_token": map[string]any{
				"acr": map[string]any{"essential": true, "value": "urn:other"},
			}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			client := testutil.Client("client-1", testJWKSURI)
			_, err := f.parValidator().Validate(context.Background(), client, f.requestObject(t, f.clientKey, tt.mutate))
			requireProtocolError(t, err, protocol.ErrorCodeInvalidRequestObject, http.StatusBadRequest)
		})
	}
}

func TestPARValidate_Signature(t *testing.T) {
	f := newFixture(t)
	client := testutil.Client("client-1", testJWKSURI)
	v := f.parValidator()

	_, err := v.Validate(context.Background(), client, "")
	requireProtocolError(t, err, protocol.ErrorCodeInvalidRequest, http.StatusBadRequest)

	// ES256 key is published but the client negotiated PS256
	_, err = v.Validate(context.Background(), client, f.requestObject(t, f.clientEC, nil))
	requireProtocolError(t, err, protocol.ErrorCodeInvalidRequestObject, http.StatusBadRequest)

	foreign := testutil.RSAKey(t, "rp-ps", "PS256", "sig")
	_, err = v.Validate(context.Background(), client, f.requestObject(t, foreign, nil))
	requireProtocolError(t, err, protocol.ErrorCodeInvalidRequestObject, http.StatusBadRequest)
}
