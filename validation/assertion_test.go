package validation

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/cdr-auth/internal/testutil"
	"github.com/giantswarm/cdr-auth/protocol"
)

func (f *fixture) assertionValidator(t *testing.T) *AssertionValidator {
	t.Helper()
	require.NoError(t, f.store.CreateClient(context.Background(), testutil.Client("client-1", testJWKSURI)))
	v := NewAssertionValidator(AssertionConfig{Issuer: testIssuer}, f.store, f.store, f.fetcher)
	v.SetClock(f.clock.Now)
	return v
}

func (f *fixture) assertion(t *testing.T, key jose.JSONWebKey, mutate func(*jwt.Claims)) string {
	t.Helper()
	now := f.clock.Now()
	claims := jwt.Claims{
		Issuer:   "client-1",
		Subject:  "client-1",
		Audience: jwt.Audience{testTokenEndpoint},
		ID:       uuid.NewString(),
		IssuedAt: jwt.NewNumericDate(now),
		Expiry:   jwt.NewNumericDate(now.Add(2 * time.Minute)),
	}
	if mutate != nil {
		mutate(&claims)
	}
	return testutil.SignJWT(t, key, "", claims)
}

func TestAuthenticate_Valid(t *testing.T) {
	f := newFixture(t)
	v := f.assertionValidator(t)

	client, err := v.Authenticate(context.Background(), ClientAssertion{
		ClientID:      "client-1",
		AssertionType: protocol.ClientAssertionTypeJWTBearer,
		Assertion:     f.assertion(t, f.clientKey, nil),
		Endpoint:      testTokenEndpoint,
	})
	require.NoError(t, err)
	assert.Equal(t, "client-1", client.ClientID)
}

func TestAuthenticate_IssuerAudienceAccepted(t *testing.T) {
	f := newFixture(t)
	v := f.assertionValidator(t)

	_, err := v.Authenticate(context.Background(), ClientAssertion{
		AssertionType: protocol.ClientAssertionTypeJWTBearer,
		Assertion: f.assertion(t, f.clientKey, func(c *jwt.Claims) {
			c.Audience = jwt.Audience{testIssuer + "/"}
		}),
		Endpoint: testTokenEndpoint,
	})
	assert.NoError(t, err)
}

func TestAuthenticate_Replay(t *testing.T) {
	f := newFixture(t)
	v := f.assertionValidator(t)
	in := ClientAssertion{
		AssertionType: protocol.ClientAssertionTypeJWTBearer,
		Assertion:     f.assertion(t, f.clientKey, nil),
		Endpoint:      testTokenEndpoint,
	}

	_, err := v.Authenticate(context.Background(), in)
	require.NoError(t, err)

	_, err = v.Authenticate(context.Background(), in)
	assert.ErrorIs(t, err, ErrAssertionReplayed)
}

func TestAuthenticate_Failures(t *testing.T) {
	tests := []struct {
		name   string
		build  func(t *testing.T, f *fixture) ClientAssertion
		status int
	}{
		{
			name: "missing assertion type",
			build: func(t *testing.T, f *fixture) ClientAssertion {
				return ClientAssertion{Assertion: f.assertion(t, f.clientKey, nil), Endpoint: testTokenEndpoint}
			},
			status: http.StatusBadRequest,
		},
		{
			name: "wrong assertion type",
			build: func(t *testing.T, f *fixture) ClientAssertion {
				return ClientAssertion{AssertionType: "urn:other", Assertion: f.assertion(t, f.clientKey, nil)}
			},
			status: http.StatusBadRequest,
		},
		{
			name: "unreadable assertion",
			build: func(_ *testing.T, _ *fixture) ClientAssertion {
				return ClientAssertion{AssertionType: protocol.ClientAssertionTypeJWTBearer, Assertion: "garbage"}
			},
			status: http.StatusBadRequest,
		},
		{
			name: "iss differs from sub",
			build: func(t *testing.T, f *fixture) ClientAssertion {
				return ClientAssertion{
					AssertionType: protocol.ClientAssertionTypeJWTBearer,
					Assertion:     f.assertion(t, f.clientKey, func(c *jwt.Claims) { c.Subject = "other" }),
					Endpoint:      testTokenEndpoint,
				}
			},
			status: http.StatusUnauthorized,
		},
		{
			name: "client_id mismatch",
			build: func(t *testing.T, f *fixture) ClientAssertion {
				return ClientAssertion{
					ClientID:      "client-2",
					AssertionType: protocol.ClientAssertionTypeJWTBearer,
					Assertion:     f.assertion(t, f.clientKey, nil),
					Endpoint:      testTokenEndpoint,
				}
			},
			status: http.StatusUnauthorized,
		},
		{
			name: "unknown client",
			build: func(t *testing.T, f *fixture) ClientAssertion {
				return ClientAssertion{
					AssertionType: protocol.ClientAssertionTypeJWTBearer,
					Assertion: f.assertion(t, f.clientKey, func(c *jwt.Claims) {
						c.Issuer, c.Subject = "ghost", "ghost"
					}),
					Endpoint: testTokenEndpoint,
				}
			},
			status: http.StatusUnauthorized,
		},
		{
			name: "signed with unregistered alg",
			build: func(t *testing.T, f *fixture) ClientAssertion {
				return ClientAssertion{
					AssertionType: protocol.ClientAssertionTypeJWTBearer,
					Assertion:     f.assertion(t, f.clientEC, nil),
					Endpoint:      testTokenEndpoint,
				}
			},
			status: http.StatusUnauthorized,
		},
		{
			name: "signed with foreign key",
			build: func(t *testing.T, f *fixture) ClientAssertion {
				return ClientAssertion{
					AssertionType: protocol.ClientAssertionTypeJWTBearer,
					Assertion:     f.assertion(t, testutil.RSAKey(t, "rp-ps", "PS256", "sig"), nil),
					Endpoint:      testTokenEndpoint,
				}
			},
			status: http.StatusUnauthorized,
		},
		{
			name: "wrong audience",
			build: func(t *testing.T, f *fixture) ClientAssertion {
				return ClientAssertion{
					AssertionType: protocol.ClientAssertionTypeJWTBearer,
					Assertion: f.assertion(t, f.clientKey, func(c *jwt.Claims) {
						c.Audience = jwt.Audience{"https://elsewhere.example/token"}
					}),
					Endpoint: testTokenEndpoint,
				}
			},
			status: http.StatusUnauthorized,
		},
		{
			name: "missing jti",
			build: func(t *testing.T, f *fixture) ClientAssertion {
				return ClientAssertion{
					AssertionType: protocol.ClientAssertionTypeJWTBearer,
					Assertion:     f.assertion(t, f.clientKey, func(c *jwt.Claims) { c.ID = "" }),
					Endpoint:      testTokenEndpoint,
				}
			},
			status: http.StatusUnauthorized,
		},
		{
			name: "expired",
			build: func(t *testing.T, f *fixture) ClientAssertion {
				return ClientAssertion{
					AssertionType: protocol.ClientAssertionTypeJWTBearer,
					Assertion: f.assertion(t, f.clientKey, func(c *jwt.Claims) {
						c.IssuedAt = jwt.NewNumericDate(f.clock.Now().Add(-time.Hour))
						c.Expiry = jwt.NewNumericDate(f.clock.Now().Add(-time.Minute))
					}),
					Endpoint: testTokenEndpoint,
				}
			},
			status: http.StatusUnauthorized,
		},
		{
			name: "exp too far in the future",
			build: func(t *testing.T, f *fixture) ClientAssertion {
				return ClientAssertion{
					AssertionType: protocol.ClientAssertionTypeJWTBearer,
					Assertion: f.assertion(t, f.clientKey, func(c *jwt.Claims) {
						c.Expiry = jwt.NewNumericDate(f.clock.Now().Add(time.Hour))
					}),
					Endpoint: testTokenEndpoint,
				}
			},
			status: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			v := f.assertionValidator(t)
			_, err := v.Authenticate(context.Background(), tt.build(t, f))
			requireProtocolError(t, err, protocol.ErrorCodeInvalidClient, tt.status)
		})
	}
}
