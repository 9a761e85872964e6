package jwks

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/cdr-auth/internal/testutil"
)

type jwksServer struct {
	*httptest.Server
	hits atomic.Int32
	mu   sync.Mutex
	set  *jose.JSONWebKeySet
}

func newJWKSServer(t *testing.T, set *jose.JSONWebKeySet) *jwksServer {
	t.Helper()
	s := &jwksServer{set: set}
	s.Server = httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		s.hits.Add(1)
		s.mu.Lock()
		defer s.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(s.set)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *jwksServer) setKeys(set *jose.JSONWebKeySet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.set = set
}

func newTestFetcher(s *jwksServer) *CachingFetcher {
	return NewCachingFetcher(Config{HTTPClient: s.Client(), AllowInternal: true})
}

func TestCachingFetcher_FetchAndCache(t *testing.T) {
	key := testutil.RSAKey(t, "k1", "PS256", "sig")
	srv := newJWKSServer(t, testutil.PublicSet(key))
	clock := testutil.NewMockTime(time.Now())

	f := newTestFetcher(srv)
	f.SetClock(clock.Now)

	set, err := f.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Len(t, set.Keys, 1)
	assert.Equal(t, "k1", set.Keys[0].KeyID)

	_, err = f.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, int32(1), srv.hits.Load())

	clock.Advance(DefaultCacheTTL)
	_, err = f.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, int32(2), srv.hits.Load())
}

func TestCachingFetcher_ConcurrentFetchesCollapse(t *testing.T) {
	release := make(chan struct{})
	var hits atomic.Int32
	set := testutil.PublicSet(testutil.ECKey(t, "k1"))
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		<-release
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(set)
	}))
	defer srv.Close()

	f := NewCachingFetcher(Config{HTTPClient: srv.Client(), AllowInternal: true})

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.Fetch(context.Background(), srv.URL)
			assert.NoError(t, err)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), hits.Load())
}

func TestCachingFetcher_Rejections(t *testing.T) {
	t.Run("internal target without opt in", func(t *testing.T) {
		srv := newJWKSServer(t, testutil.PublicSet(testutil.ECKey(t, "k1")))
		f := NewCachingFetcher(Config{HTTPClient: srv.Client()})
		_, err := f.Fetch(context.Background(), srv.URL)
		require.Error(t, err)
		assert.Equal(t, int32(0), srv.hits.Load())
	})

	t.Run("plain http", func(t *testing.T) {
		f := NewCachingFetcher(Config{AllowInternal: true})
		_, err := f.Fetch(context.Background(), "http://127.0.0.1/jwks")
		assert.Error(t, err)
	})

	t.Run("non 200", func(t *testing.T) {
		srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()
		f := NewCachingFetcher(Config{HTTPClient: srv.Client(), AllowInternal: true})
		_, err := f.Fetch(context.Background(), srv.URL)
		assert.Error(t, err)
	})

	t.Run("private key material", func(t *testing.T) {
		priv := testutil.ECKey(t, "k1")
		srv := newJWKSServer(t, &jose.JSONWebKeySet{Keys: []jose.JSONWebKey{priv}})
		f := newTestFetcher(srv)
		_, err := f.Fetch(context.Background(), srv.URL)
		assert.Error(t, err)
	})
}

func TestCachingFetcher_EvictsOldest(t *testing.T) {
	srv := newJWKSServer(t, testutil.PublicSet(testutil.ECKey(t, "k1")))
	clock := testutil.NewMockTime(time.Now())
	f := NewCachingFetcher(Config{HTTPClient: srv.Client(), AllowInternal: true, MaxEntries: 2})
	f.SetClock(clock.Now)

	for _, path := range []string{"/a", "/b", "/c"} {
		_, err := f.Fetch(context.Background(), srv.URL+path)
		require.NoError(t, err)
		clock.Advance(time.Second)
	}

	_, ok := f.cached(srv.URL + "/a")
	assert.False(t, ok)
	_, ok = f.cached(srv.URL + "/c")
	assert.True(t, ok)
}

func TestVerificationKey_RefreshesOnKidMiss(t *testing.T) {
	oldKey := testutil.RSAKey(t, "old", "PS256", "sig")
	newKey := testutil.RSAKey(t, "new", "PS256", "sig")
	srv := newJWKSServer(t, testutil.PublicSet(oldKey))
	f := newTestFetcher(srv)

	got, err := VerificationKey(context.Background(), f, srv.URL, "old", "PS256")
	require.NoError(t, err)
	assert.Equal(t, "old", got.KeyID)

	srv.setKeys(testutil.PublicSet(oldKey, newKey))
	got, err = VerificationKey(context.Background(), f, srv.URL, "new", "PS256")
	require.NoError(t, err)
	assert.Equal(t, "new", got.KeyID)
	assert.Equal(t, int32(2), srv.hits.Load())

	_, err = VerificationKey(context.Background(), f, srv.URL, "gone", "PS256")
	assert.True(t, errors.Is(err, ErrKeyNotFound))
}

func TestSelectVerificationKey(t *testing.T) {
	rsaKey := testutil.RSAKey(t, "rsa", "PS256", "sig")
	ecKey := testutil.ECKey(t, "ec")
	noAlg := testutil.RSAKey(t, "noalg", "", "")
	enc := testutil.RSAKey(t, "enc", "RSA-OAEP", "enc")
	set := testutil.PublicSet(rsaKey, ecKey, noAlg, enc)

	tests := []struct {
		name    string
		kid     string
		alg     string
		wantKid string
		wantErr bool
	}{
		{name: "by kid and alg", kid: "ec", alg: "ES256", wantKid: "ec"},
		{name: "first for alg without kid", alg: "PS256", wantKid: "rsa"},
		{name: "alg less key matches its type", kid: "noalg", alg: "PS256", wantKid: "noalg"},
		{name: "alg mismatch", kid: "ec", alg: "PS256", wantErr: true},
		{name: "encryption key never verifies", kid: "enc", alg: "RSA-OAEP", wantErr: true},
		{name: "unknown kid", kid: "nope", alg: "PS256", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SelectVerificationKey(set, tt.kid, tt.alg)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrKeyNotFound)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantKid, got.KeyID)
		})
	}
}

func TestSelectEncryptionKey(t *testing.T) {
	sig := testutil.RSAKey(t, "sig", "PS256", "sig")
	enc := testutil.RSAKey(t, "enc", "RSA-OAEP-256", "enc")
	set := testutil.PublicSet(sig, enc)

	got, err := SelectEncryptionKey(set, "RSA-OAEP-256")
	require.NoError(t, err)
	assert.Equal(t, "enc", got.KeyID)

	_, err = SelectEncryptionKey(set, "RSA-OAEP")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	_, err = EncryptionKey(context.Background(), StaticFetcher{"https://rp.example/jwks": set}, "https://rp.example/jwks", "RSA-OAEP-256")
	assert.NoError(t, err)
}
