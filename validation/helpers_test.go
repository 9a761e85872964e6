package validation

import (
	"errors"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/cdr-auth/internal/testutil"
	"github.com/giantswarm/cdr-auth/jwks"
	"github.com/giantswarm/cdr-auth/protocol"
	"github.com/giantswarm/cdr-auth/storage/memory"
)

const (
	testIssuer          = "https://auth.example"
	testTokenEndpoint   = "https://auth.example/connect/token"
	testJWKSURI         = "https://recipient.example/jwks"
	testRegisterJWKSURI = "https://register.example/jwks"
)

type fixture struct {
	clock     *testutil.MockTime
	store     *memory.Store
	fetcher   jwks.StaticFetcher
	clientKey jose.JSONWebKey
	clientEC  jose.JSONWebKey
	register  jose.JSONWebKey
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clientKey := testutil.RSAKey(t, "rp-ps", "PS256", "sig")
	clientEC := testutil.ECKey(t, "rp-es")
	register := testutil.RSAKey(t, "register", "PS256", "sig")

	clock := testutil.NewMockTime(time.Now().Truncate(time.Second))
	store := memory.New()
	store.SetClock(clock.Now)
	t.Cleanup(store.Stop)

	return &fixture{
		clock: clock,
		store: store,
		fetcher: jwks.StaticFetcher{
			testJWKSURI:         testutil.PublicSet(clientKey, clientEC),
			testRegisterJWKSURI: testutil.PublicSet(register),
		},
		clientKey: clientKey,
		clientEC:  clientEC,
		register:  register,
	}
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
