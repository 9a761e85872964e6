package server

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/giantswarm/cdr-auth/internal/testutil"
	"github.com/giantswarm/cdr-auth/issuer"
	"github.com/giantswarm/cdr-auth/jwks"
	"github.com/giantswarm/cdr-auth/keys"
	"github.com/giantswarm/cdr-auth/protocol"
	"github.com/giantswarm/cdr-auth/storage"
	"github.com/giantswarm/cdr-auth/storage/memory"
	"github.com/giantswarm/cdr-auth/validation"
)

const (
	testIssuer          = "https://auth.example"
	testJWKSURI         = "https://recipient.example/jwks"
	testRegisterJWKSURI = "https://register.example/jwks"
	testRedirectURI     = "https://recipient.example/callback"
	testClientID        = "client-1"
	testCustomer        = "customer-1"
	testInteraction     = "interaction-secret"
	testCertA           = "thumbprint-a"
	testCertB           = "thumbprint-b"
)

type fixture struct {
	clock     *testutil.MockTime
	store     *memory.Store
	srv       *Server
	tokens    *issuer.Issuer
	serverKey jose.JSONWebKey
	clientKey jose.JSONWebKey
	register  jose.JSONWebKey
	client    *storage.Client
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	serverKey := testutil.RSAKey(t, "srv-ps", "PS256", "sig")
	clientKey := testutil.RSAKey(t, "rp-ps", "PS256", "sig")
	register := testutil.RSAKey(t, "register", "PS256", "sig")
	fetcher := jwks.StaticFetcher{
		testJWKSURI:         testutil.PublicSet(clientKey),
		testRegisterJWKSURI: testutil.PublicSet(register),
	}

	clock := testutil.NewMockTime(time.Now().Truncate(time.Second))
	store := memory.New()
	store.SetClock(clock.Now)
	t.Cleanup(store.Stop)

	tokens, err := issuer.New(issuer.Config{Issuer: testIssuer},
		keys.NewProvider(&keys.StaticStore{Keys: []jose.JSONWebKey{serverKey}}, keys.Config{}), fetcher)
	require.NoError(t, err)
	tokens.SetClock(clock.Now)

	cfg := &Config{
		Issuer:             testIssuer,
		Headless:           true,
		HeadlessSubject:    testCustomer,
		HeadlessAccountIDs: []string{"acc-1", "acc-2"},
		AuthUIURL:          "https://consent.example/login",
		InteractionToken:   testInteraction,
		RegisterJWKSURI:    testRegisterJWKSURI,
		PairwiseSecret:     []byte("0123456789abcdef0123456789abcdef"),
	}
	if mutate != nil {
		mutate(cfg)
	}
	srv, err := New(store, tokens, fetcher, cfg, nil)
	require.NoError(t, err)
	srv.SetClock(clock.Now)

	client := testutil.Client(testClientID, testJWKSURI)
	require.NoError(t, store.CreateClient(context.Background(), client))

	return &fixture{
		clock:     clock,
		store:     store,
		srv:       srv,
		tokens:    tokens,
		serverKey: serverKey,
		clientKey: clientKey,
		register:  register,
		client:    client,
	}
}

// auth returns a fresh client assertion presented with certificate cert
func (f *fixture) auth(t *testing.T, cert string) ClientAuth {
	t.Helper()
	return ClientAuth{
		Assertion: validation.ClientAssertion{
			AssertionType: protocol.ClientAssertionTypeJWTBearer,
			Assertion:     f.assertionFor(t, testClientID),
			Endpoint:      testIssuer + "/connect/token",
		},
		CertThumbprint: cert,
		ClientIP:       "192.0.2.10",
	}
}

// assertionFor signs a client assertion for clientID with the fixture client key
func (f *fixture) assertionFor(t *testing.T, clientID string) string {
	t.Helper()
	now := f.clock.Now()
	return testutil.SignJWT(t, f.clientKey, "", jwt.Claims{
		Issuer:   clientID,
		Subject:  clientID,
		Audience: jwt.Audience{testIssuer},
		ID:       uuid.NewString(),
		IssuedAt: jwt.NewNumericDate(now),
		Expiry:   jwt.NewNumericDate(now.Add(2 * time.Minute)),
	})
}

// requestObject signs an authorization request for testClientID and returns
// it with the PKCE verifier
func (f *fixture) requestObject(t *testing.T, mutate func(claims, requested map[string]any)) (string, string) {
	t.Helper()
	verifier := oauth2.GenerateVerifier()
	now := f.clock.Now()
	requested := map[string]any{"sharing_duration": 86400}
	claims := map[string]any{
		"iss":                   testClientID,
		"aud":                   testIssuer,
		"exp":                   now.Add(10 * time.Minute).Unix(),
		"nbf":                   now.Unix(),
		"client_id":             testClientID,
		"response_type":         "code",
		"response_mode":         "jwt",
		"scope":                 "openid profile bank:accounts.basic:read cdr:registration",
		"redirect_uri":          testRedirectURI,
		"state":                 "state-1",
		"nonce":                 "nonce-1",
		"code_challenge":        oauth2.S256ChallengeFromVerifier(verifier),
		"code_challenge_method": "S256",
		"claims":                requested,
	}
	if mutate != nil {
		mutate(claims, requested)
	}
	return testutil.SignJWT(t, f.clientKey, "", claims), verifier
}

// push stores a pushed request and returns its request_uri and PKCE verifier
func (f *fixture) push(t *testing.T, mutate func(claims, requested map[string]any)) (string, string) {
	t.Helper()
	ro, verifier := f.requestObject(t, mutate)
	resp, err := f.srv.PushAuthorizationRequest(context.Background(), f.auth(t, testCertA), ro)
	require.NoError(t, err)
	return resp.RequestURI, verifier
}

// authorizeCode runs a headless authorization and returns the code and verifier
func (f *fixture) authorizeCode(t *testing.T, mutate func(claims, requested map[string]any)) (string, string) {
	t.Helper()
	requestURI, verifier := f.push(t, mutate)
	result, err := f.srv.Authorize(context.Background(), AuthorizeInput{ClientID: testClientID, RequestURI: requestURI})
	require.NoError(t, err)
	params := f.jarm(t, result.RedirectURL)
	require.NotEmpty(t, params["code"], "authorization failed: %v", params)
	return params["code"].(string), verifier
}

// exchange redeems code with certificate A
func (f *fixture) exchange(t *testing.T, code, verifier string) *TokenResponse {
	t.Helper()
	resp, err := f.srv.Token(context.Background(), f.auth(t, testCertA), validation.TokenRequest{
		GrantType:    protocol.GrantTypeAuthorizationCode,
		Code:         code,
		RedirectURI:  testRedirectURI,
		CodeVerifier: verifier,
	})
	require.NoError(t, err)
	return resp
}

// refresh uses refreshToken with certificate cert
func (f *fixture) refresh(t *testing.T, refreshToken, scope, cert string) (*TokenResponse, error) {
	t.Helper()
	return f.srv.Token(context.Background(), f.auth(t, cert), validation.TokenRequest{
		GrantType:    protocol.GrantTypeRefreshToken,
		RefreshToken: refreshToken,
		Scope:        scope,
	})
}

// jarm verifies the JARM response carried in redirectURL and returns its claims
func (f *fixture) jarm(t *testing.T, redirectURL string) map[string]any {
	t.Helper()
	u, err := url.Parse(redirectURL)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(redirectURL, testRedirectURI), redirectURL)
	raw := u.Query().Get("response")
	require.NotEmpty(t, raw, "no JARM response in %s", redirectURL)

	tok, err := jwt.ParseSigned(raw, []jose.SignatureAlgorithm{jose.PS256})
	require.NoError(t, err)
	claims := map[string]any{}
	require.NoError(t, tok.Claims(f.serverKey.Public().Key, &claims))
	assert.Equal(t, testIssuer, claims["iss"])
	assert.Equal(t, testClientID, claims["aud"])
	return claims
}

// requireProtocolError asserts err is a *protocol.Error with code and status
func requireProtocolError(t *testing.T, err error, code string, status int) *protocol.Error {
	t.Helper()
	require.Error(t, err)
	var pe *protocol.Error
	require.True(t, errors.As(err, &pe), "expected *protocol.Error, got %T: %v", err, err)
	assert.Equal(t, code, pe.Code, pe.Description)
	assert.Equal(t, status, pe.Status)
	return pe
}

// requireCDSError asserts err is a CDS error list with status and code
func requireCDSError(t *testing.T, err error, status int, code string) {
	t.Helper()
	require.Error(t, err)
	var list *protocol.CDSErrorList
	require.True(t, errors.As(err, &list), "expected *protocol.CDSErrorList, got %T: %v", err, err)
	assert.Equal(t, status, list.Status)
	require.Len(t, list.Errors, 1)
	assert.Equal(t, code, list.Errors[0].Code)
}

// idTokenClaims verifies an ID token issued by the fixture and returns its claims
func (f *fixture) idTokenClaims(t *testing.T, raw string) map[string]any {
	t.Helper()
	tok, err := jwt.ParseSigned(raw, []jose.SignatureAlgorithm{jose.PS256})
	require.NoError(t, err)
	claims := map[string]any{}
	require.NoError(t, tok.Claims(f.serverKey.Public().Key, &claims))
	assert.Equal(t, testIssuer, claims["iss"])
	return claims
}

// customers is an in-memory CustomerProvider
type customers map[string]*Customer

func (c customers) GetCustomer(_ context.Context, id string) (*Customer, error) {
	customer, ok := c[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return customer, nil
}
