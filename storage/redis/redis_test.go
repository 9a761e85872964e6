package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/cdr-auth/internal/testutil"
	"github.com/giantswarm/cdr-auth/security"
	"github.com/giantswarm/cdr-auth/storage"
	"github.com/giantswarm/cdr-auth/storage/storagetest"
)

func newTestStore(t *testing.T, enc *security.Encryptor) (*Store, *miniredis.Miniredis, *testutil.MockTime) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := NewWithClient(client, Config{KeyPrefix: "test:", Encryptor: enc})
	clock := testutil.NewMockTime(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	store.SetClock(clock.Now)
	return store, mr, clock
}

func TestConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) *storagetest.Harness {
		store, mr, clock := newTestStore(t, nil)
		return &storagetest.Harness{
			Store: store,
			Advance: func(d time.Duration) {
				clock.Advance(d)
				mr.FastForward(d)
			},
			Now: clock.Now,
		}
	})
}

func TestConformanceEncrypted(t *testing.T) {
	key, err := security.GenerateKey()
	require.NoError(t, err)
	enc, err := security.NewEncryptor(key)
	require.NoError(t, err)

	storagetest.Run(t, func(t *testing.T) *storagetest.Harness {
		store, mr, clock := newTestStore(t, enc)
		return &storagetest.Harness{
			Store: store,
			Advance: func(d time.Duration) {
				clock.Advance(d)
				mr.FastForward(d)
			},
			Now: clock.Now,
		}
	})
}

func TestGrantsCarryRedisTTL(t *testing.T) {
	store, mr, clock := newTestStore(t, nil)
	ctx := context.Background()

	require.NoError(t, store.CreateGrant(ctx, testutil.RequestURIGrant("urn:ttl", "client-a", clock.Now())))
	ttl := mr.TTL("test:grant:request_uri:urn:ttl")
	assert.InDelta(t, (90 * time.Second).Seconds(), ttl.Seconds(), 1)

	arr, rt := testutil.ArrangementGrants("arr", "rt", "client-a", clock.Now(), time.Hour)
	require.NoError(t, store.SaveArrangement(ctx, arr, rt, ""))
	assert.InDelta(t, time.Hour.Seconds(), mr.TTL("test:grant:cdr_arrangement:arr").Seconds(), 1)
	assert.InDelta(t, time.Hour.Seconds(), mr.TTL("test:grant:refresh_token:rt").Seconds(), 1)
}

func TestBlacklistIgnoresAlreadyExpiredEntries(t *testing.T) {
	store, mr, clock := newTestStore(t, nil)
	ctx := context.Background()

	require.NoError(t, store.AddToBlacklist(ctx, "old", clock.Now().Add(-time.Second)))
	assert.False(t, mr.Exists("test:blacklist:old"))
}

func TestSoftwareIndexFollowsClient(t *testing.T) {
	store, mr, _ := newTestStore(t, nil)
	ctx := context.Background()

	client := testutil.Client("client-a", "")
	require.NoError(t, store.CreateClient(ctx, client))
	assert.True(t, mr.Exists("test:software:"+client.SoftwareID))

	require.NoError(t, store.DeleteClient(ctx, "client-a"))
	assert.False(t, mr.Exists("test:software:"+client.SoftwareID))
	_, err := store.GetClientBySoftwareID(ctx, client.SoftwareID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestNewRequiresAddress(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	_, err = New(Config{URL: "not a url"})
	assert.Error(t, err)
}
