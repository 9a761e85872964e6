package server

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/cdr-auth/internal/testutil"
	"github.com/giantswarm/cdr-auth/protocol"
	"github.com/giantswarm/cdr-auth/storage"
)

type recordingNotifier struct {
	err   error
	calls []string
}

func (n *recordingNotifier) NotifyArrangementRevoked(_ context.Context, client *storage.Client, arrangementID string) error {
	n.calls = append(n.calls, client.ClientID+"/"+arrangementID)
	return n.err
}

func TestRevoke_RefreshTokenRevokesArrangement(t *testing.T) {
	f := newFixture(t, nil)
	code, verifier := f.authorizeCode(t, nil)
	tokens := f.exchange(t, code, verifier)

	require.NoError(t, f.srv.Revoke(context.Background(), f.auth(t, testCertA), tokens.RefreshToken, "refresh_token"))

	_, err := f.store.GetGrant(context.Background(), storage.GrantTypeCdrArrangement, tokens.CdrArrangementID, testClientID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = f.refresh(t, tokens.RefreshToken, "", testCertA)
	requireProtocolError(t, err, protocol.ErrorCodeInvalidGrant, http.StatusBadRequest)

	resp, err := f.srv.IntrospectInternal(context.Background(), tokens.AccessToken)
	require.NoError(t, err)
	assert.False(t, resp.Active)
}

func TestRevoke_AccessToken(t *testing.T) {
	for _, hint := range []string{"", "access_token", "refresh_token"} {
		t.Run("hint="+hint, func(t *testing.T) {
			f := newFixture(t, nil)
			code, verifier := f.authorizeCode(t, nil)
			tokens := f.exchange(t, code, verifier)

			require.NoError(t, f.srv.Revoke(context.Background(), f.auth(t, testCertA), tokens.AccessToken, hint))

			resp, err := f.srv.IntrospectInternal(context.Background(), tokens.AccessToken)
			require.NoError(t, err)
			assert.False(t, resp.Active)

			// the arrangement survives
			_, err = f.refresh(t, tokens.RefreshToken, "", testCertA)
			assert.NoError(t, err)
		})
	}
}

func TestRevoke_AlwaysSucceedsForUnknownTokens(t *testing.T) {
	f := newFixture(t, nil)
	for _, token := range []string{"", "unknown", "a.b.c"} {
		assert.NoError(t, f.srv.Revoke(context.Background(), f.auth(t, testCertA), token, ""), token)
	}
}

func TestRevoke_ForeignTokensAreIgnored(t *testing.T) {
	f := newFixture(t, nil)
	code, verifier := f.authorizeCode(t, nil)
	tokens := f.exchange(t, code, verifier)

	other := f.client.Clone()
	other.ClientID = "client-2"
	require.NoError(t, f.store.CreateClient(context.Background(), other))
	auth := f.auth(t, testCertA)
	auth.Assertion.Assertion = f.assertionFor(t, "client-2")

	require.NoError(t, f.srv.Revoke(context.Background(), auth, tokens.AccessToken, "access_token"))
	require.NoError(t, f.srv.Revoke(context.Background(), auth, tokens.RefreshToken, "refresh_token"))

	resp, err := f.srv.IntrospectInternal(context.Background(), tokens.AccessToken)
	require.NoError(t, err)
	assert.True(t, resp.Active)
	_, err = f.refresh(t, tokens.RefreshToken, "", testCertA)
	assert.NoError(t, err)
}

func TestRevoke_RequiresClientAuthentication(t *testing.T) {
	f := newFixture(t, nil)

	err := f.srv.Revoke(context.Background(), f.auth(t, ""), "token", "")
	requireProtocolError(t, err, protocol.ErrorCodeInvalidClient, http.StatusUnauthorized)
}

func TestRevokeArrangement(t *testing.T) {
	f := newFixture(t, nil)
	code, verifier := f.authorizeCode(t, nil)
	tokens := f.exchange(t, code, verifier)

	require.NoError(t, f.srv.RevokeArrangement(context.Background(), f.auth(t, testCertA), tokens.CdrArrangementID))

	_, err := f.store.GetGrant(context.Background(), storage.GrantTypeRefreshToken, tokens.RefreshToken, testClientID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// a second revocation reports the arrangement as invalid
	err = f.srv.RevokeArrangement(context.Background(), f.auth(t, testCertA), tokens.CdrArrangementID)
	requireCDSError(t, err, http.StatusUnprocessableEntity, protocol.CDSCodeInvalidArrangement)
}

func TestRevokeArrangement_Errors(t *testing.T) {
	f := newFixture(t, nil)

	err := f.srv.RevokeArrangement(context.Background(), f.auth(t, testCertA), "")
	requireCDSError(t, err, http.StatusBadRequest, protocol.CDSCodeMissingField)

	err = f.srv.RevokeArrangement(context.Background(), f.auth(t, testCertA), "unknown")
	requireCDSError(t, err, http.StatusUnprocessableEntity, protocol.CDSCodeInvalidArrangement)
}

func TestRevokeArrangement_OtherClient(t *testing.T) {
	f := newFixture(t, nil)
	arr, refresh := testutil.ArrangementGrants("arr-2", "refresh-2", "client-2", f.clock.Now(), time.Hour)
	require.NoError(t, f.store.SaveArrangement(context.Background(), arr, refresh, ""))

	err := f.srv.RevokeArrangement(context.Background(), f.auth(t, testCertA), "arr-2")
	requireCDSError(t, err, http.StatusUnprocessableEntity, protocol.CDSCodeInvalidArrangement)

	_, err = f.store.GetGrant(context.Background(), storage.GrantTypeCdrArrangement, "arr-2", "client-2")
	assert.NoError(t, err)
}

func TestRevokeArrangementByHolder(t *testing.T) {
	tests := []struct {
		name     string
		notifier *recordingNotifier
	}{
		{name: "notified", notifier: &recordingNotifier{}},
		{name: "notification fails", notifier: &recordingNotifier{err: errors.New("connection refused")}},
		{name: "no notifier"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			if tt.notifier != nil {
				f.srv.SetNotifier(tt.notifier)
			}
			code, verifier := f.authorizeCode(t, nil)
			tokens := f.exchange(t, code, verifier)

			require.NoError(t, f.srv.RevokeArrangementByHolder(context.Background(), tokens.CdrArrangementID))

			_, err := f.store.GetGrant(context.Background(), storage.GrantTypeCdrArrangement, tokens.CdrArrangementID, "")
			assert.ErrorIs(t, err, storage.ErrNotFound)
			if tt.notifier != nil {
				assert.Equal(t, []string{testClientID + "/" + tokens.CdrArrangementID}, tt.notifier.calls)
			}
		})
	}
}

func TestRevokeArrangementByHolder_Errors(t *testing.T) {
	f := newFixture(t, nil)
	notifier := &recordingNotifier{}
	f.srv.SetNotifier(notifier)

	err := f.srv.RevokeArrangementByHolder(context.Background(), "")
	requireCDSError(t, err, http.StatusBadRequest, protocol.CDSCodeMissingField)

	err = f.srv.RevokeArrangementByHolder(context.Background(), "unknown")
	requireCDSError(t, err, http.StatusUnprocessableEntity, protocol.CDSCodeInvalidArrangement)
	assert.Empty(t, notifier.calls)
}
