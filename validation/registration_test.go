package validation

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/cdr-auth/internal/testutil"
	"github.com/giantswarm/cdr-auth/protocol"
	"github.com/giantswarm/cdr-auth/storage"
)

const testSoftwareID = "software-1"

var ssaRedirectURIs = []string{"https://recipient.example/callback", "https://recipient.example/callback2"}

func (f *fixture) softwareStatement(t *testing.T, key jose.JSONWebKey, mutate func(map[string]any)) string {
	t.Helper()
	now := f.clock.Now()
	claims := map[string]any{
		"iss":                "cdr-register",
		"iat":                now.Unix(),
		"exp":                now.Add(10 * time.Minute).Unix(),
		"jti":                uuid.NewString(),
		"org_id":             "org-1",
		"org_name":           "Mock Finance Tools",
		"client_name":        "Mock Software",
		"client_uri":         "https://recipient.example",
		"redirect_uris":      ssaRedirectURIs,
		"logo_uri":           "https://recipient.example/logo.png",
		"jwks_uri":           testJWKSURI,
		"revocation_uri":     "https://recipient.example/revoke",
		"recipient_base_uri": "https://recipient.example",
		"software_id":        testSoftwareID,
		"software_roles":     "data-recipient-software-product",
		"scope":              "openid profile bank:accounts.basic:read cdr:registration",
	}
	if mutate != nil {
		mutate(claims)
	}
	return testutil.SignJWT(t, key, "", claims)
}

func (f *fixture) registrationRequest(t *testing.T, ssa string, mutate func(map[string]any)) string {
	t.Helper()
	now := f.clock.Now()
	claims := map[string]any{
		"iss":                               testSoftwareID,
		"aud":                               testIssuer,
		"iat":                               now.Unix(),
		"exp":                               now.Add(5 * time.Minute).Unix(),
		"jti":                               uuid.NewString(),
		"redirect_uris":                     []string{"https://recipient.example/callback"},
		"token_endpoint_auth_method":        "private_key_jwt",
		"token_endpoint_auth_signing_alg":   "PS256",
		"grant_types":                       []string{"client_credentials", "authorization_code", "refresh_token"},
		"response_types":                    []string{"code"},
		"application_type":                  "web",
		"id_token_signed_response_alg":      "PS256",
		"authorization_signed_response_alg": "PS256",
		"request_object_signing_alg":        "PS256",
		"software_statement":                ssa,
	}
	if mutate != nil {
		mutate(claims)
	}
	return testutil.SignJWT(t, f.clientKey, "", claims)
}

func (f *fixture) registrationValidator(cfg RegistrationConfig) *RegistrationValidator {
	cfg.Issuer = testIssuer
	cfg.RegisterJWKSURI = testRegisterJWKSURI
	v := NewRegistrationValidator(cfg, f.fetcher, f.store)
	v.SetClock(f.clock.Now)
	return v
}

func TestRegistration_Create(t *testing.T) {
	f := newFixture(t)
	v := f.registrationValidator(RegistrationConfig{})

	reg, err := v.ValidateCreate(context.Background(), f.registrationRequest(t, f.softwareStatement(t, f.register, nil), nil))
	require.NoError(t, err)

	client := &storage.Client{ClientID: "new"}
	reg.ApplyTo(client, []string{"openid", "profile", "bank:accounts.basic:read"})
	assert.Equal(t, testSoftwareID, client.SoftwareID)
	assert.Equal(t, testJWKSURI, client.JwksURI)
	assert.Equal(t, []string{"https://recipient.example/callback"}, client.RedirectURIs)
	assert.Equal(t, ssaRedirectURIs, client.SoftwareStatementRedirectURIs)
	assert.Equal(t, "openid profile bank:accounts.basic:read", client.Scope)
	assert.Equal(t, "PS256", client.AuthorizationSignedResponseAlg)
	assert.Empty(t, client.IDTokenEncryptedResponseAlg)
}

func TestRegistration_DuplicateSoftwareID(t *testing.T) {
	f := newFixture(t)
	existing := testutil.Client("client-1", testJWKSURI)
	existing.SoftwareID = testSoftwareID
	require.NoError(t, f.store.CreateClient(context.Background(), existing))

	raw := f.registrationRequest(t, f.softwareStatement(t, f.register, nil), nil)

	_, err := f.registrationValidator(RegistrationConfig{}).ValidateCreate(context.Background(), raw)
	pe := requireProtocolError(t, err, protocol.ErrorCodeInvalidClientMetadata, http.StatusBadRequest)
	assert.Equal(t, DuplicateSoftwareIDMessage, pe.Description)

	_, err = f.registrationValidator(RegistrationConfig{AllowDuplicateSoftwareID: true}).ValidateCreate(context.Background(), raw)
	assert.NoError(t, err)
}

func TestRegistration_SigningAlgMessages(t *testing.T) {
	f := newFixture(t)
	v := f.registrationValidator(RegistrationConfig{})
	ssa := f.softwareStatement(t, f.register, nil)

	_, err := v.ValidateCreate(context.Background(), f.registrationRequest(t, ssa, func(c map[string]any) {
		c["authorization_signed_response_alg"] = "RS256"
	}))
	pe := requireProtocolError(t, err, protocol.ErrorCodeInvalidClientMetadata, http.StatusBadRequest)
	assert.Equal(t, "authorization_signed_response_alg must be one of PS256, ES256", pe.Description)

	_, err = v.ValidateCreate(context.Background(), f.registrationRequest(t, ssa, func(c map[string]any) {
		delete(c, "id_token_signed_response_alg")
	}))
	pe = requireProtocolError(t, err, protocol.ErrorCodeInvalidClientMetadata, http.StatusBadRequest)
	assert.Equal(t, "id_token_signed_response_alg is required", pe.Description)
}

func TestRegistration_Rejections(t *testing.T) {
	tests := []struct {
		name      string
		ssa       func(map[string]any)
		request   func(map[string]any)
		signSSA   func(f *fixture) jose.JSONWebKey
		wantCode  string
		wantError string
	}{
		{
			name:     "code without authorization_code grant",
			request:  func(c map[string]any) { c["grant_types"] = []string{"client_credentials"} },
			wantCode: protocol.ErrorCodeInvalidClientMetadata,
		},
		{
			name:     "unsupported response type",
			request:  func(c map[string]any) { c["response_types"] = []string{"token"} },
			wantCode: protocol.ErrorCodeInvalidClientMetadata,
		},
		{
			name:     "wrong auth method",
			request:  func(c map[string]any) { c["token_endpoint_auth_method"] = "client_secret_basic" },
			wantCode: protocol.ErrorCodeInvalidClientMetadata,
		},
		{
			name:     "iss is not the software id",
			request:  func(c map[string]any) { c["iss"] = "someone-else" },
			wantCode: protocol.ErrorCodeInvalidClientMetadata,
		},
		{
			name:     "wrong audience",
			request:  func(c map[string]any) { c["aud"] = "https://other.example" },
			wantCode: protocol.ErrorCodeInvalidClientMetadata,
		},
		{
			name:     "redirect uri outside the software statement",
			request:  func(c map[string]any) { c["redirect_uris"] = []string{"https://evil.example/cb"} },
			wantCode: protocol.ErrorCodeInvalidRedirectURI,
		},
		{
			name:     "software statement signed by an unknown key",
			signSSA:  func(f *fixture) jose.JSONWebKey { return f.clientKey },
			wantCode: protocol.ErrorCodeInvalidSoftwareStatement,
		},
		{
			name:     "software statement from another issuer",
			ssa:      func(c map[string]any) { c["iss"] = "not-the-register" },
			wantCode: protocol.ErrorCodeInvalidSoftwareStatement,
		},
		{
			name:     "software statement without jwks_uri",
			ssa:      func(c map[string]any) { delete(c, "jwks_uri") },
			wantCode: protocol.ErrorCodeInvalidSoftwareStatement,
		},
		{
			name:     "plain http recipient base uri",
			ssa:      func(c map[string]any) { c["recipient_base_uri"] = "http://recipient.example" },
			wantCode: protocol.ErrorCodeInvalidSoftwareStatement,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			key := f.register
			if tt.signSSA != nil {
				key = tt.signSSA(f)
			}
			raw := f.registrationRequest(t, f.softwareStatement(t, key, tt.ssa), tt.request)
			_, err := f.registrationValidator(RegistrationConfig{}).ValidateCreate(context.Background(), raw)
			requireProtocolError(t, err, tt.wantCode, http.StatusBadRequest)
		})
	}
}

func TestRegistration_UpdateNarrowsToOriginalRedirects(t *testing.T) {
	f := newFixture(t)
	v := f.registrationValidator(RegistrationConfig{})
	existing := testutil.Client("client-1", testJWKSURI)
	existing.SoftwareID = testSoftwareID
	existing.SoftwareStatementRedirectURIs = []string{"https://recipient.example/callback"}

	ssa := f.softwareStatement(t, f.register, nil)

	_, err := v.ValidateUpdate(context.Background(), f.registrationRequest(t, ssa, nil), existing)
	require.NoError(t, err)

	// callback2 is in the new statement but not in the one the client registered with
	_, err = v.ValidateUpdate(context.Background(), f.registrationRequest(t, ssa, func(c map[string]any) {
		c["redirect_uris"] = []string{"https://recipient.example/callback2"}
	}), existing)
	requireProtocolError(t, err, protocol.ErrorCodeInvalidRedirectURI, http.StatusBadRequest)

	existing.SoftwareID = "other"
	_, err = v.ValidateUpdate(context.Background(), f.registrationRequest(t, ssa, nil), existing)
	requireProtocolError(t, err, protocol.ErrorCodeInvalidClientMetadata, http.StatusBadRequest)
}

func TestRegistration_EncryptionNegotiation(t *testing.T) {
	f := newFixture(t)
	ssa := f.softwareStatement(t, f.register, nil)
	withAlgOnly := func(c map[string]any) {
		c["authorization_encrypted_response_alg"] = "RSA-OAEP"
		c["id_token_encrypted_response_enc"] = "A128CBC-HS256"
	}

	reg, err := f.registrationValidator(RegistrationConfig{EncryptionEnabled: true}).
		ValidateCreate(context.Background(), f.registrationRequest(t, ssa, withAlgOnly))
	require.NoError(t, err)
	assert.Equal(t, "RSA-OAEP", reg.Request.AuthorizationEncryptedResponseAlg)
	assert.Equal(t, "A256GCM", reg.Request.AuthorizationEncryptedResponseEnc)
	assert.Equal(t, "RSA-OAEP-256", reg.Request.IDTokenEncryptedResponseAlg)
	assert.Equal(t, "A128CBC-HS256", reg.Request.IDTokenEncryptedResponseEnc)

	_, err = f.registrationValidator(RegistrationConfig{EncryptionEnabled: true}).
		ValidateCreate(context.Background(), f.registrationRequest(t, ssa, func(c map[string]any) {
			c["authorization_encrypted_response_alg"] = "dir"
		}))
	requireProtocolError(t, err, protocol.ErrorCodeInvalidClientMetadata, http.StatusBadRequest)

	reg, err = f.registrationValidator(RegistrationConfig{}).
		ValidateCreate(context.Background(), f.registrationRequest(t, ssa, withAlgOnly))
	require.NoError(t, err)
	assert.Empty(t, reg.Request.AuthorizationEncryptedResponseAlg)
	assert.Empty(t, reg.Request.IDTokenEncryptedResponseEnc)
}
