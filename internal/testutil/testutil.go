package testutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"golang.org/x/oauth2"

	"github.com/giantswarm/cdr-auth/storage"
)

// MockTime provides a controllable time source for deterministic testing
type MockTime struct {
	mu  sync.Mutex
	now time.Time
}

// NewMockTime creates a new mock time provider
func NewMockTime(t time.Time) *MockTime {
	return &MockTime{now: t}
}

// Now returns the current mock time
func (m *MockTime) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the mock time forward by the given duration
func (m *MockTime) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// Set sets the mock time to a specific value
func (m *MockTime) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}

// GenerateRandomString generates a random base64url string of the given length
func GenerateRandomString(length int) string {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("failed to generate random string: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)[:length]
}

// GeneratePKCEPair returns an S256 (challenge, verifier) pair
func GeneratePKCEPair() (challenge, verifier string) {
	verifier = oauth2.GenerateVerifier()
	return oauth2.S256ChallengeFromVerifier(verifier), verifier
}

// RSAKey generates a private RSA JWK with the given kid, algorithm and use
func RSAKey(t testing.TB, kid, alg, use string) jose.JSONWebKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("rsa.GenerateKey() error = %v", err)
	}
	return jose.JSONWebKey{Key: key, KeyID: kid, Algorithm: alg, Use: use}
}

// ECKey generates a private P-256 ES256 signing JWK
func ECKey(t testing.TB, kid string) jose.JSONWebKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("ecdsa.GenerateKey() error = %v", err)
	}
	return jose.JSONWebKey{Key: key, KeyID: kid, Algorithm: string(jose.ES256), Use: "sig"}
}

// PublicSet returns the public halves of keys as a JWK set
func PublicSet(keys ...jose.JSONWebKey) *jose.JSONWebKeySet {
	set := &jose.JSONWebKeySet{}
	for _, k := range keys {
		set.Keys = append(set.Keys, k.Public())
	}
	return set
}

// Certificate generates a self-signed client certificate with the given
// common name.
func Certificate(t testing.TB, commonName string) *x509.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("ecdsa.GenerateKey() error = %v", err)
	}
	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		t.Fatalf("rand.Int() error = %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("x509.CreateCertificate() error = %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("x509.ParseCertificate() error = %v", err)
	}
	return cert
}

// SignJWT signs claims with key, setting kid and, when typ is non-empty, the typ header
func SignJWT(t testing.TB, key jose.JSONWebKey, typ string, claims ...any) string {
	t.Helper()
	opts := (&jose.SignerOptions{}).WithHeader(jose.HeaderKey("kid"), key.KeyID)
	if typ != "" {
		opts = opts.WithType(jose.ContentType(typ))
	}
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.SignatureAlgorithm(key.Algorithm), Key: key.Key}, opts)
	if err != nil {
		t.Fatalf("jose.NewSigner() error = %v", err)
	}
	b := jwt.Signed(signer)
	for _, c := range claims {
		b = b.Claims(c)
	}
	raw, err := b.Serialize()
	if err != nil {
		t.Fatalf("Serialize() error = %v", err)
	}
	return raw
}

// Client returns a registered data recipient client using jwksURI for its keys
func Client(clientID, jwksURI string) *storage.Client {
	now := time.Now().UTC().Truncate(time.Second)
	return &storage.Client{
		ClientID:                       clientID,
		ClientIDIssuedAt:               now,
		UpdatedAt:                      now,
		ClientName:                     "Mock Software",
		ClientDescription:              "A mock software product",
		OrgID:                          "org-1",
		OrgName:                        "Mock Finance Tools",
		BrandID:                        "brand-1",
		SoftwareID:                     "software-" + clientID,
		SoftwareRoles:                  "data-recipient-software-product",
		RedirectURIs:                   []string{"https://recipient.example/callback"},
		JwksURI:                        jwksURI,
		RecipientBaseURI:               "https://recipient.example",
		GrantTypes:                     []string{"authorization_code", "refresh_token", "client_credentials"},
		ResponseTypes:                  []string{"code", "code id_token"},
		Scope:                          "openid profile bank:accounts.basic:read bank:transactions:read cdr:registration",
		ApplicationType:                "web",
		TokenEndpointAuthMethod:        "private_key_jwt",
		TokenEndpointAuthSigningAlg:    "PS256",
		RequestObjectSigningAlg:        "PS256",
		IDTokenSignedResponseAlg:       "PS256",
		AuthorizationSignedResponseAlg: "PS256",
		SoftwareStatementRedirectURIs:  []string{"https://recipient.example/callback"},
	}
}

// RequestURIGrant returns an unexpired pushed authorization request grant
func RequestURIGrant(key, clientID string, now time.Time) *storage.Grant {
	challenge, _ := GeneratePKCEPair()
	return &storage.Grant{
		Type:      storage.GrantTypeRequestURI,
		Key:       key,
		ClientID:  clientID,
		CreatedAt: now,
		ExpiresAt: now.Add(90 * time.Second),
		Payload: &storage.RequestURIData{Request: storage.AuthorizationRequest{
			ClientID:            clientID,
			ResponseType:        "code",
			ResponseMode:        "jwt",
			Scope:               "openid bank:accounts.basic:read",
			RedirectURI:         "https://recipient.example/callback",
			State:               "state-1",
			Nonce:               "nonce-1",
			CodeChallenge:       challenge,
			CodeChallengeMethod: "S256",
			SharingDuration:     3600,
		}},
	}
}

// ArrangementGrants returns a lock-step arrangement and refresh token pair
func ArrangementGrants(arrangementID, refreshKey, clientID string, now time.Time, ttl time.Duration) (arrangement, refresh *storage.Grant) {
	arrangement = &storage.Grant{
		Type:      storage.GrantTypeCdrArrangement,
		Key:       arrangementID,
		ClientID:  clientID,
		SubjectID: "customer-1",
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
		Payload:   &storage.CdrArrangementData{RefreshTokenKey: refreshKey, Version: 1, SharingDuration: int64(ttl / time.Second)},
	}
	refresh = &storage.Grant{
		Type:      storage.GrantTypeRefreshToken,
		Key:       refreshKey,
		ClientID:  clientID,
		SubjectID: "customer-1",
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
		Payload: &storage.RefreshTokenData{
			Scope:            "openid bank:accounts.basic:read",
			Subject:          "customer-1",
			CdrArrangementID: arrangementID,
			AccountIDs:       []string{"acc-1"},
			Returned:         true,
		},
	}
	return arrangement, refresh
}
