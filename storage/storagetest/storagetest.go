// Package storagetest is a conformance suite run against every storage
// backend. Backend test files call Run with a factory that returns a fresh,
// empty store.
package storagetest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/cdr-auth/internal/testutil"
	"github.com/giantswarm/cdr-auth/storage"
)

// Harness is a store under test plus a way to move its clock forward
type Harness struct {
	Store storage.Store

	// Advance moves the store's notion of now forward by d
	Advance func(d time.Duration)

	// Now returns the store's notion of now
	Now func() time.Time
}

// Factory creates a fresh harness. Cleanup is registered on t.
type Factory func(t *testing.T) *Harness

// Run executes the full conformance suite
func Run(t *testing.T, newHarness Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, h *Harness)
	}{
		{"CreateAndGet", testCreateAndGet},
		{"DuplicateKey", testDuplicateKey},
		{"KeyUniquePerType", testKeyUniquePerType},
		{"ExpiredIsNotFound", testExpiredIsNotFound},
		{"ExpiredKeyCanBeReused", testExpiredKeyCanBeReused},
		{"WrongOwnerIsNotFound", testWrongOwnerIsNotFound},
		{"UpdateGrant", testUpdateGrant},
		{"DeleteIsIdempotent", testDeleteIsIdempotent},
		{"MarkGrantUsed", testMarkGrantUsed},
		{"MarkGrantUsedConcurrent", testMarkGrantUsedConcurrent},
		{"SaveArrangementCreates", testSaveArrangementCreates},
		{"SaveArrangementAmends", testSaveArrangementAmends},
		{"SaveArrangementRejectsForeignClient", testSaveArrangementRejectsForeignClient},
		{"DeleteArrangementCascades", testDeleteArrangementCascades},
		{"DeleteArrangementOwnership", testDeleteArrangementOwnership},
		{"PayloadsRoundTrip", testPayloadsRoundTrip},
		{"Blacklist", testBlacklist},
		{"BlacklistExpiry", testBlacklistExpiry},
		{"Clients", testClients},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newHarness(t))
		})
	}
}

func testCreateAndGet(t *testing.T, h *Harness) {
	ctx := context.Background()
	g := testutil.RequestURIGrant("urn:1", "client-a", h.Now())
	require.NoError(t, h.Store.CreateGrant(ctx, g))

	got, err := h.Store.GetGrant(ctx, storage.GrantTypeRequestURI, "urn:1", "client-a")
	require.NoError(t, err)
	assert.Equal(t, "client-a", got.ClientID)
	assert.False(t, got.IsUsed())
	assert.WithinDuration(t, g.ExpiresAt, got.ExpiresAt, time.Second)

	data, ok := got.Payload.(*storage.RequestURIData)
	require.True(t, ok, "payload type %T", got.Payload)
	assert.Equal(t, g.Payload.(*storage.RequestURIData).Request, data.Request)

	// no owner supplied skips the ownership check
	_, err = h.Store.GetGrant(ctx, storage.GrantTypeRequestURI, "urn:1", "")
	require.NoError(t, err)

	_, err = h.Store.GetGrant(ctx, storage.GrantTypeRequestURI, "urn:missing", "client-a")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testDuplicateKey(t *testing.T, h *Harness) {
	ctx := context.Background()
	require.NoError(t, h.Store.CreateGrant(ctx, testutil.RequestURIGrant("urn:dup", "client-a", h.Now())))
	err := h.Store.CreateGrant(ctx, testutil.RequestURIGrant("urn:dup", "client-b", h.Now()))
	assert.ErrorIs(t, err, storage.ErrDuplicateKey)
}

func testKeyUniquePerType(t *testing.T, h *Harness) {
	ctx := context.Background()
	require.NoError(t, h.Store.CreateGrant(ctx, testutil.RequestURIGrant("shared", "client-a", h.Now())))

	code := &storage.Grant{
		Type:      storage.GrantTypeAuthorizationCode,
		Key:       "shared",
		ClientID:  "client-a",
		ExpiresAt: h.Now().Add(5 * time.Minute),
		Payload:   &storage.AuthorizationCodeData{Subject: "s"},
	}
	require.NoError(t, h.Store.CreateGrant(ctx, code))
}

func testExpiredIsNotFound(t *testing.T, h *Harness) {
	ctx := context.Background()
	require.NoError(t, h.Store.CreateGrant(ctx, testutil.RequestURIGrant("urn:exp", "client-a", h.Now())))

	h.Advance(91 * time.Second)

	_, err := h.Store.GetGrant(ctx, storage.GrantTypeRequestURI, "urn:exp", "client-a")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = h.Store.MarkGrantUsed(ctx, storage.GrantTypeRequestURI, "urn:exp", "client-a")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testExpiredKeyCanBeReused(t *testing.T, h *Harness) {
	ctx := context.Background()
	require.NoError(t, h.Store.CreateGrant(ctx, testutil.RequestURIGrant("urn:again", "client-a", h.Now())))
	h.Advance(2 * time.Minute)
	require.NoError(t, h.Store.CreateGrant(ctx, testutil.RequestURIGrant("urn:again", "client-a", h.Now())))
}

func testWrongOwnerIsNotFound(t *testing.T, h *Harness) {
	ctx := context.Background()
	require.NoError(t, h.Store.CreateGrant(ctx, testutil.RequestURIGrant("urn:own", "client-a", h.Now())))

	_, errMissing := h.Store.GetGrant(ctx, storage.GrantTypeRequestURI, "urn:nope", "client-b")
	_, errOwner := h.Store.GetGrant(ctx, storage.GrantTypeRequestURI, "urn:own", "client-b")
	assert.ErrorIs(t, errOwner, storage.ErrNotFound)
	assert.Equal(t, errMissing.Error(), errOwner.Error(), "wrong owner must look like a missing grant")

	_, err := h.Store.MarkGrantUsed(ctx, storage.GrantTypeRequestURI, "urn:own", "client-b")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	got, err := h.Store.GetGrant(ctx, storage.GrantTypeRequestURI, "urn:own", "client-a")
	require.NoError(t, err)
	assert.False(t, got.IsUsed(), "a foreign client must not consume the grant")
}

func testUpdateGrant(t *testing.T, h *Harness) {
	ctx := context.Background()
	_, refresh := testutil.ArrangementGrants("arr-u", "rt-u", "client-a", h.Now(), time.Hour)

	err := h.Store.UpdateGrant(ctx, refresh)
	assert.ErrorIs(t, err, storage.ErrNotFound, "update requires an existing grant")

	require.NoError(t, h.Store.CreateGrant(ctx, refresh))
	refresh.Payload.(*storage.RefreshTokenData).Scope = "openid"
	refresh.ExpiresAt = h.Now().Add(2 * time.Hour)
	require.NoError(t, h.Store.UpdateGrant(ctx, refresh))

	got, err := h.Store.GetGrant(ctx, storage.GrantTypeRefreshToken, "rt-u", "client-a")
	require.NoError(t, err)
	assert.Equal(t, "openid", got.Payload.(*storage.RefreshTokenData).Scope)
	assert.WithinDuration(t, refresh.ExpiresAt, got.ExpiresAt, time.Second)
}

func testDeleteIsIdempotent(t *testing.T, h *Harness) {
	ctx := context.Background()
	require.NoError(t, h.Store.CreateGrant(ctx, testutil.RequestURIGrant("urn:del", "client-a", h.Now())))

	require.NoError(t, h.Store.DeleteGrant(ctx, storage.GrantTypeRequestURI, "urn:del"))
	require.NoError(t, h.Store.DeleteGrant(ctx, storage.GrantTypeRequestURI, "urn:del"))

	_, err := h.Store.GetGrant(ctx, storage.GrantTypeRequestURI, "urn:del", "")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testMarkGrantUsed(t *testing.T, h *Harness) {
	ctx := context.Background()
	require.NoError(t, h.Store.CreateGrant(ctx, testutil.RequestURIGrant("urn:use", "client-a", h.Now())))

	first, err := h.Store.MarkGrantUsed(ctx, storage.GrantTypeRequestURI, "urn:use", "client-a")
	require.NoError(t, err)
	assert.True(t, first.IsUsed())

	second, err := h.Store.MarkGrantUsed(ctx, storage.GrantTypeRequestURI, "urn:use", "client-a")
	assert.ErrorIs(t, err, storage.ErrGrantUsed)
	require.NotNil(t, second, "the used grant is returned for reuse handling")
	assert.Equal(t, "client-a", second.ClientID)

	got, err := h.Store.GetGrant(ctx, storage.GrantTypeRequestURI, "urn:use", "client-a")
	require.NoError(t, err)
	assert.True(t, got.IsUsed())
}

func testMarkGrantUsedConcurrent(t *testing.T, h *Harness) {
	ctx := context.Background()
	code := &storage.Grant{
		Type:      storage.GrantTypeAuthorizationCode,
		Key:       "code-race",
		ClientID:  "client-a",
		ExpiresAt: h.Now().Add(5 * time.Minute),
		Payload:   &storage.AuthorizationCodeData{Subject: "s"},
	}
	require.NoError(t, h.Store.CreateGrant(ctx, code))

	const workers = 16
	var wins, used atomic.Int32
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.Store.MarkGrantUsed(ctx, storage.GrantTypeAuthorizationCode, "code-race", "client-a")
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, storage.ErrGrantUsed):
				used.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, wins.Load(), "exactly one caller may consume a grant")
	assert.EqualValues(t, workers-1, used.Load())
}

func testSaveArrangementCreates(t *testing.T, h *Harness) {
	ctx := context.Background()
	arr, rt := testutil.ArrangementGrants("arr-1", "rt-1", "client-a", h.Now(), time.Hour)
	require.NoError(t, h.Store.SaveArrangement(ctx, arr, rt, ""))

	gotArr, err := h.Store.GetGrant(ctx, storage.GrantTypeCdrArrangement, "arr-1", "client-a")
	require.NoError(t, err)
	assert.Equal(t, "rt-1", storage.ArrangementRefreshKey(gotArr))

	gotRT, err := h.Store.GetGrant(ctx, storage.GrantTypeRefreshToken, "rt-1", "client-a")
	require.NoError(t, err)
	assert.Equal(t, "arr-1", gotRT.Payload.(*storage.RefreshTokenData).CdrArrangementID)

	// mismatched pair never reaches storage
	badArr, badRT := testutil.ArrangementGrants("arr-2", "rt-2", "client-a", h.Now(), time.Hour)
	badRT.Payload.(*storage.RefreshTokenData).CdrArrangementID = "arr-1"
	require.Error(t, h.Store.SaveArrangement(ctx, badArr, badRT, ""))
	_, err = h.Store.GetGrant(ctx, storage.GrantTypeCdrArrangement, "arr-2", "")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testSaveArrangementAmends(t *testing.T, h *Harness) {
	ctx := context.Background()
	arr, rt := testutil.ArrangementGrants("arr-a", "rt-old", "client-a", h.Now(), time.Hour)
	require.NoError(t, h.Store.SaveArrangement(ctx, arr, rt, ""))

	amended, newRT := testutil.ArrangementGrants("arr-a", "rt-new", "client-a", h.Now(), 2*time.Hour)
	amended.Payload.(*storage.CdrArrangementData).Version = 2
	require.NoError(t, h.Store.SaveArrangement(ctx, amended, newRT, "rt-old"))

	_, err := h.Store.GetGrant(ctx, storage.GrantTypeRefreshToken, "rt-old", "")
	assert.ErrorIs(t, err, storage.ErrNotFound, "superseded refresh token must be gone")

	got, err := h.Store.GetGrant(ctx, storage.GrantTypeCdrArrangement, "arr-a", "client-a")
	require.NoError(t, err)
	data := got.Payload.(*storage.CdrArrangementData)
	assert.Equal(t, 2, data.Version)
	assert.Equal(t, "rt-new", data.RefreshTokenKey)

	_, err = h.Store.GetGrant(ctx, storage.GrantTypeRefreshToken, "rt-new", "client-a")
	require.NoError(t, err)
}

func testSaveArrangementRejectsForeignClient(t *testing.T, h *Harness) {
	ctx := context.Background()
	arr, rt := testutil.ArrangementGrants("arr-f", "rt-f", "client-a", h.Now(), time.Hour)
	require.NoError(t, h.Store.SaveArrangement(ctx, arr, rt, ""))

	hijack, hijackRT := testutil.ArrangementGrants("arr-f", "rt-h", "client-b", h.Now(), time.Hour)
	err := h.Store.SaveArrangement(ctx, hijack, hijackRT, "")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	got, err := h.Store.GetGrant(ctx, storage.GrantTypeCdrArrangement, "arr-f", "client-a")
	require.NoError(t, err)
	assert.Equal(t, "rt-f", storage.ArrangementRefreshKey(got))
	_, err = h.Store.GetGrant(ctx, storage.GrantTypeRefreshToken, "rt-h", "")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testDeleteArrangementCascades(t *testing.T, h *Harness) {
	ctx := context.Background()
	arr, rt := testutil.ArrangementGrants("arr-d", "rt-d", "client-a", h.Now(), time.Hour)
	require.NoError(t, h.Store.SaveArrangement(ctx, arr, rt, ""))

	require.NoError(t, h.Store.DeleteArrangement(ctx, "arr-d", "client-a"))

	_, err := h.Store.GetGrant(ctx, storage.GrantTypeCdrArrangement, "arr-d", "")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = h.Store.GetGrant(ctx, storage.GrantTypeRefreshToken, "rt-d", "")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	err = h.Store.DeleteArrangement(ctx, "arr-d", "client-a")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testDeleteArrangementOwnership(t *testing.T, h *Harness) {
	ctx := context.Background()
	arr, rt := testutil.ArrangementGrants("arr-o", "rt-o", "client-a", h.Now(), time.Hour)
	require.NoError(t, h.Store.SaveArrangement(ctx, arr, rt, ""))

	err := h.Store.DeleteArrangement(ctx, "arr-o", "client-b")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = h.Store.GetGrant(ctx, storage.GrantTypeCdrArrangement, "arr-o", "client-a")
	require.NoError(t, err)
	_, err = h.Store.GetGrant(ctx, storage.GrantTypeRefreshToken, "rt-o", "client-a")
	require.NoError(t, err)
}

func testPayloadsRoundTrip(t *testing.T, h *Harness) {
	ctx := context.Background()
	authTime := h.Now().UTC().Truncate(time.Second)
	code := &storage.Grant{
		Type:      storage.GrantTypeAuthorizationCode,
		Key:       "code-rt",
		ClientID:  "client-a",
		SubjectID: "customer-1",
		ExpiresAt: h.Now().Add(5 * time.Minute),
		Payload: &storage.AuthorizationCodeData{
			Request:    storage.AuthorizationRequest{ClientID: "client-a", ResponseType: "code id_token", ACRValues: []string{"urn:cds.au:cdr:3"}},
			Subject:    "customer-1",
			AccountIDs: []string{"acc-1", "acc-2"},
			Scope:      "openid bank:accounts.basic:read",
			AuthTime:   authTime,
			ACR:        "urn:cds.au:cdr:3",
		},
	}
	require.NoError(t, h.Store.CreateGrant(ctx, code))

	got, err := h.Store.GetGrant(ctx, storage.GrantTypeAuthorizationCode, "code-rt", "client-a")
	require.NoError(t, err)
	assert.Equal(t, "customer-1", got.SubjectID)

	data := got.Payload.(*storage.AuthorizationCodeData)
	want := code.Payload.(*storage.AuthorizationCodeData)
	assert.Equal(t, want.AccountIDs, data.AccountIDs)
	assert.Equal(t, want.Request.ACRValues, data.Request.ACRValues)
	assert.True(t, want.AuthTime.Equal(data.AuthTime))

	// mutating the returned grant must not affect the stored one
	data.AccountIDs[0] = "tampered"
	again, err := h.Store.GetGrant(ctx, storage.GrantTypeAuthorizationCode, "code-rt", "client-a")
	require.NoError(t, err)
	assert.Equal(t, "acc-1", again.Payload.(*storage.AuthorizationCodeData).AccountIDs[0])
}

func testBlacklist(t *testing.T, h *Harness) {
	ctx := context.Background()

	listed, err := h.Store.IsBlacklisted(ctx, "jti-1")
	require.NoError(t, err)
	assert.False(t, listed)

	require.NoError(t, h.Store.AddToBlacklist(ctx, "jti-1", h.Now().Add(time.Minute)))
	listed, err = h.Store.IsBlacklisted(ctx, "jti-1")
	require.NoError(t, err)
	assert.True(t, listed)

	err = h.Store.AddToBlacklist(ctx, "jti-1", h.Now().Add(time.Minute))
	assert.ErrorIs(t, err, storage.ErrDuplicateKey, "second insert doubles as replay detection")
}

func testBlacklistExpiry(t *testing.T, h *Harness) {
	ctx := context.Background()
	require.NoError(t, h.Store.AddToBlacklist(ctx, "client-a::code", h.Now().Add(time.Minute)))

	h.Advance(2 * time.Minute)

	listed, err := h.Store.IsBlacklisted(ctx, "client-a::code")
	require.NoError(t, err)
	assert.False(t, listed)
	require.NoError(t, h.Store.AddToBlacklist(ctx, "client-a::code", h.Now().Add(time.Minute)))
}

func testClients(t *testing.T, h *Harness) {
	ctx := context.Background()
	client := testutil.Client("client-a", "https://recipient.example/jwks")
	require.NoError(t, h.Store.CreateClient(ctx, client))
	assert.ErrorIs(t, h.Store.CreateClient(ctx, client), storage.ErrDuplicateKey)

	got, err := h.Store.GetClient(ctx, "client-a")
	require.NoError(t, err)
	assert.Equal(t, client.RedirectURIs, got.RedirectURIs)
	assert.Equal(t, client.SoftwareID, got.SoftwareID)
	assert.True(t, client.ClientIDIssuedAt.Equal(got.ClientIDIssuedAt))

	bySoftware, err := h.Store.GetClientBySoftwareID(ctx, client.SoftwareID)
	require.NoError(t, err)
	assert.Equal(t, "client-a", bySoftware.ClientID)

	_, err = h.Store.GetClientBySoftwareID(ctx, "unknown-software")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	got.ClientName = "Renamed"
	got.RedirectURIs = []string{"https://recipient.example/other"}
	require.NoError(t, h.Store.UpdateClient(ctx, got))
	updated, err := h.Store.GetClient(ctx, "client-a")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", updated.ClientName)
	assert.Equal(t, []string{"https://recipient.example/other"}, updated.RedirectURIs)

	missing := testutil.Client("client-z", "")
	assert.ErrorIs(t, h.Store.UpdateClient(ctx, missing), storage.ErrNotFound)

	require.NoError(t, h.Store.DeleteClient(ctx, "client-a"))
	_, err = h.Store.GetClient(ctx, "client-a")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.ErrorIs(t, h.Store.DeleteClient(ctx, "client-a"), storage.ErrNotFound)
}
