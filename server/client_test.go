package server

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/cdr-auth/internal/testutil"
	"github.com/giantswarm/cdr-auth/protocol"
	"github.com/giantswarm/cdr-auth/storage"
	"github.com/giantswarm/cdr-auth/validation"
)

const newSoftwareID = "software-new"

// registrationRequest signs a registration request carrying a Register
// issued software statement
func (f *fixture) registrationRequest(t *testing.T, ssaMutate, mutate func(map[string]any)) string {
	t.Helper()
	now := f.clock.Now()
	ssa := map[string]any{
		"iss":                "cdr-register",
		"iat":                now.Unix(),
		"exp":                now.Add(10 * time.Minute).Unix(),
		"jti":                uuid.NewString(),
		"org_id":             "org-1",
		"org_name":           "Mock Finance Tools",
		"client_name":        "Mock Software",
		"client_uri":         "https://recipient.example",
		"redirect_uris":      []string{testRedirectURI, "https://recipient.example/callback2"},
		"logo_uri":           "https://recipient.example/logo.png",
		"jwks_uri":           testJWKSURI,
		"revocation_uri":     "https://recipient.example/revoke",
		"recipient_base_uri": "https://recipient.example",
		"software_id":        newSoftwareID,
		"software_roles":     "data-recipient-software-product",
		"scope":              "openid profile bank:accounts.basic:read cdr:registration",
	}
	if ssaMutate != nil {
		ssaMutate(ssa)
	}
	claims := map[string]any{
		"iss":                               newSoftwareID,
		"aud":                               testIssuer,
		"iat":                               now.Unix(),
		"exp":                               now.Add(5 * time.Minute).Unix(),
		"jti":                               uuid.NewString(),
		"redirect_uris":                     []string{testRedirectURI},
		"token_endpoint_auth_method":        "private_key_jwt",
		"token_endpoint_auth_signing_alg":   "PS256",
		"grant_types":                       []string{"client_credentials", "authorization_code", "refresh_token"},
		"response_types":                    []string{"code"},
		"application_type":                  "web",
		"id_token_signed_response_alg":      "PS256",
		"authorization_signed_response_alg": "PS256",
		"request_object_signing_alg":        "PS256",
		"software_statement":                testutil.SignJWT(t, f.register, "", ssa),
	}
	if mutate != nil {
		mutate(claims)
	}
	return testutil.SignJWT(t, f.clientKey, "", claims)
}

// registrationToken obtains a cdr:registration access token for clientID
// bound to cert
func (f *fixture) registrationToken(t *testing.T, clientID, cert string) string {
	t.Helper()
	auth := f.auth(t, cert)
	auth.Assertion.Assertion = f.assertionFor(t, clientID)
	resp, err := f.srv.Token(context.Background(), auth, validation.TokenRequest{
		GrantType: protocol.GrantTypeClientCredentials,
		Scope:     protocol.ScopeRegistration,
	})
	require.NoError(t, err)
	return resp.AccessToken
}

func TestRegisterClient(t *testing.T) {
	f := newFixture(t, nil)

	client, err := f.srv.RegisterClient(context.Background(), f.registrationRequest(t, nil, nil), "192.0.2.1")
	require.NoError(t, err)
	_, err = uuid.Parse(client.ClientID)
	assert.NoError(t, err)
	assert.Equal(t, newSoftwareID, client.SoftwareID)
	assert.Equal(t, "openid profile bank:accounts.basic:read cdr:registration", client.Scope)
	assert.Equal(t, []string{testRedirectURI}, client.RedirectURIs)
	assert.Equal(t, f.clock.Now(), client.ClientIDIssuedAt)

	stored, err := f.store.GetClient(context.Background(), client.ClientID)
	require.NoError(t, err)
	assert.Equal(t, client.SoftwareID, stored.SoftwareID)

	resp := NewRegistrationResponse(client)
	assert.Equal(t, client.ClientID, resp.ClientID)
	assert.Equal(t, f.clock.Now().Unix(), resp.ClientIDIssuedAt)
	assert.Equal(t, "private_key_jwt", resp.TokenEndpointAuthMethod)
}

func TestRegisterClient_Rejections(t *testing.T) {
	tests := []struct {
		name      string
		ssaMutate func(map[string]any)
		mutate    func(map[string]any)
		code      string
	}{
		{
			name:      "software statement from another issuer",
			ssaMutate: func(c map[string]any) { c["iss"] = "someone-else" },
			code:      protocol.ErrorCodeInvalidSoftwareStatement,
		},
		{
			name:   "redirect uri outside the software statement",
			mutate: func(c map[string]any) { c["redirect_uris"] = []string{"https://attacker.example/cb"} },
			code:   protocol.ErrorCodeInvalidRedirectURI,
		},
		{
			name:   "wrong audience",
			mutate: func(c map[string]any) { c["aud"] = "https://other.example" },
			code:   protocol.ErrorCodeInvalidClientMetadata,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			_, err := f.srv.RegisterClient(context.Background(), f.registrationRequest(t, tt.ssaMutate, tt.mutate), "")
			requireProtocolError(t, err, tt.code, http.StatusBadRequest)
		})
	}
}

func TestRegisterClient_DuplicateSoftwareID(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.srv.RegisterClient(context.Background(), f.registrationRequest(t, nil, nil), "")
	require.NoError(t, err)

	_, err = f.srv.RegisterClient(context.Background(), f.registrationRequest(t, nil, nil), "")
	requireProtocolError(t, err, protocol.ErrorCodeInvalidClientMetadata, http.StatusBadRequest)
}

func TestRegistrationManagement(t *testing.T) {
	f := newFixture(t, nil)
	client, err := f.srv.RegisterClient(context.Background(), f.registrationRequest(t, nil, nil), "")
	require.NoError(t, err)
	bearer := f.registrationToken(t, client.ClientID, testCertA)

	got, err := f.srv.GetRegistration(context.Background(), bearer, testCertA, client.ClientID)
	require.NoError(t, err)
	assert.Equal(t, client.ClientID, got.ClientID)

	f.clock.Advance(time.Minute)
	updated, err := f.srv.UpdateRegistration(context.Background(), bearer, testCertA, client.ClientID,
		f.registrationRequest(t, nil, func(c map[string]any) {
			c["redirect_uris"] = []string{"https://recipient.example/callback2"}
		}), "")
	require.NoError(t, err)
	assert.Equal(t, client.ClientID, updated.ClientID)
	assert.Equal(t, client.ClientIDIssuedAt, updated.ClientIDIssuedAt)
	assert.Equal(t, []string{"https://recipient.example/callback2"}, updated.RedirectURIs)
	assert.Equal(t, f.clock.Now(), updated.UpdatedAt)

	require.NoError(t, f.srv.DeleteRegistration(context.Background(), bearer, testCertA, client.ClientID, ""))
	_, err = f.store.GetClient(context.Background(), client.ClientID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// the token dies with its client
	_, err = f.srv.GetRegistration(context.Background(), bearer, testCertA, client.ClientID)
	requireProtocolError(t, err, protocol.ErrorCodeInvalidToken, http.StatusUnauthorized)
}

func TestRegistrationManagement_Unauthorized(t *testing.T) {
	tests := []struct {
		name   string
		bearer func(t *testing.T, f *fixture) string
		cert   string
		id     string
	}{
		{
			name:   "missing token",
			bearer: func(*testing.T, *fixture) string { return "" },
			cert:   testCertA,
			id:     testClientID,
		},
		{
			name:   "garbage token",
			bearer: func(*testing.T, *fixture) string { return "garbage" },
			cert:   testCertA,
			id:     testClientID,
		},
		{
			name: "token without cdr:registration",
			bearer: func(t *testing.T, f *fixture) string {
				code, verifier := f.authorizeCode(t, nil)
				return f.exchange(t, code, verifier).AccessToken
			},
			cert: testCertA,
			id:   testClientID,
		},
		{
			name:   "token of another client",
			bearer: func(t *testing.T, f *fixture) string { return f.registrationToken(t, testClientID, testCertA) },
			cert:   testCertA,
			id:     "client-2",
		},
		{
			name:   "different certificate",
			bearer: func(t *testing.T, f *fixture) string { return f.registrationToken(t, testClientID, testCertA) },
			cert:   testCertB,
			id:     testClientID,
		},
		{
			name: "revoked token",
			bearer: func(t *testing.T, f *fixture) string {
				bearer := f.registrationToken(t, testClientID, testCertA)
				require.NoError(t, f.srv.Revoke(context.Background(), f.auth(t, testCertA), bearer, "access_token"))
				return bearer
			},
			cert: testCertA,
			id:   testClientID,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			_, err := f.srv.GetRegistration(context.Background(), tt.bearer(t, f), tt.cert, tt.id)
			requireProtocolError(t, err, protocol.ErrorCodeInvalidToken, http.StatusUnauthorized)
		})
	}
}

func TestUpdateRegistration_SoftwareIDIsImmutable(t *testing.T) {
	f := newFixture(t, nil)
	client, err := f.srv.RegisterClient(context.Background(), f.registrationRequest(t, nil, nil), "")
	require.NoError(t, err)
	bearer := f.registrationToken(t, client.ClientID, testCertA)

	_, err = f.srv.UpdateRegistration(context.Background(), bearer, testCertA, client.ClientID,
		f.registrationRequest(t, func(c map[string]any) { c["software_id"] = "software-other" }, func(c map[string]any) {
			c["iss"] = "software-other"
		}), "")
	requireProtocolError(t, err, protocol.ErrorCodeInvalidClientMetadata, http.StatusBadRequest)
}
