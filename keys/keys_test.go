package keys

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/cdr-auth/internal/testutil"
)

type countingStore struct {
	calls atomic.Int32
	keys  []jose.JSONWebKey
	err   error
	delay time.Duration
}

func (s *countingStore) LoadKeys(_ context.Context) ([]jose.JSONWebKey, error) {
	s.calls.Add(1)
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	return s.keys, s.err
}

func TestProvider_SigningKey(t *testing.T) {
	ps := testutil.RSAKey(t, "rsa-1", "PS256", "sig")
	es := testutil.ECKey(t, "ec-1")
	enc := testutil.RSAKey(t, "enc-1", "RSA-OAEP-256", "enc")
	p := NewProvider(&StaticStore{Keys: []jose.JSONWebKey{ps, es, enc}}, Config{})

	got, err := p.SigningKey(context.Background(), "PS256")
	require.NoError(t, err)
	assert.Equal(t, "rsa-1", got.KeyID)

	got, err = p.SigningKey(context.Background(), "ES256")
	require.NoError(t, err)
	assert.Equal(t, "ec-1", got.KeyID)

	_, err = p.SigningKey(context.Background(), "RS256")
	assert.True(t, errors.Is(err, ErrNoKey))

	dec, err := p.DecryptionKeys(context.Background())
	require.NoError(t, err)
	require.Len(t, dec, 1)
	assert.Equal(t, "enc-1", dec[0].KeyID)
}

func TestProvider_PublicJWKSExcludesEncryptionKeys(t *testing.T) {
	ps := testutil.RSAKey(t, "rsa-1", "PS256", "sig")
	enc := testutil.RSAKey(t, "enc-1", "RSA-OAEP-256", "enc")
	p := NewProvider(&StaticStore{Keys: []jose.JSONWebKey{ps, enc}}, Config{})

	set, err := p.PublicJWKS(context.Background())
	require.NoError(t, err)
	require.Len(t, set.Keys, 1)
	assert.Equal(t, "rsa-1", set.Keys[0].KeyID)
	assert.True(t, set.Keys[0].IsPublic())
}

func TestProvider_CachesUntilTTL(t *testing.T) {
	store := &countingStore{keys: []jose.JSONWebKey{testutil.ECKey(t, "ec-1")}}
	clock := testutil.NewMockTime(time.Now())
	p := NewProvider(store, Config{CacheTTL: time.Minute})
	p.SetClock(clock.Now)

	for range 3 {
		_, err := p.SigningKey(context.Background(), "ES256")
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), store.calls.Load())

	clock.Advance(time.Minute)
	_, err := p.SigningKey(context.Background(), "ES256")
	require.NoError(t, err)
	assert.Equal(t, int32(2), store.calls.Load())

	p.Invalidate()
	_, err = p.SigningKey(context.Background(), "ES256")
	require.NoError(t, err)
	assert.Equal(t, int32(3), store.calls.Load())
}

func TestProvider_ConcurrentLoadSharesOneCall(t *testing.T) {
	store := &countingStore{keys: []jose.JSONWebKey{testutil.ECKey(t, "ec-1")}, delay: 50 * time.Millisecond}
	p := NewProvider(store, Config{})

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.SigningKey(context.Background(), "ES256")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), store.calls.Load())
}

func TestProvider_StoreErrors(t *testing.T) {
	p := NewProvider(&countingStore{err: errors.New("vault unavailable")}, Config{})
	_, err := p.SigningKey(context.Background(), "PS256")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vault unavailable")

	p = NewProvider(&countingStore{}, Config{})
	_, err = p.PublicJWKS(context.Background())
	assert.Error(t, err)
}

func TestNewJWK(t *testing.T) {
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	p384, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	require.NoError(t, err)

	tests := []struct {
		name    string
		build   func() (jose.JSONWebKey, error)
		alg     string
		use     string
		wantErr bool
	}{
		{
			name:  "rsa signing default",
			build: func() (jose.JSONWebKey, error) { return NewJWK(rsaKey, "", "", "") },
			alg:   "PS256",
			use:   "sig",
		},
		{
			name:  "rsa encryption default",
			build: func() (jose.JSONWebKey, error) { return NewJWK(rsaKey, "", "", "enc") },
			alg:   "RSA-OAEP-256",
			use:   "enc",
		},
		{
			name:  "ec signing default",
			build: func() (jose.JSONWebKey, error) { return NewJWK(ecKey, "kid", "", "") },
			alg:   "ES256",
			use:   "sig",
		},
		{
			name:    "ec encryption rejected",
			build:   func() (jose.JSONWebKey, error) { return NewJWK(ecKey, "", "", "enc") },
			wantErr: true,
		},
		{
			name:    "p384 rejected",
			build:   func() (jose.JSONWebKey, error) { return NewJWK(p384, "", "", "") },
			wantErr: true,
		},
		{
			name:    "unknown use rejected",
			build:   func() (jose.JSONWebKey, error) { return NewJWK(rsaKey, "", "", "wrap") },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jwk, err := tt.build()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.alg, jwk.Algorithm)
			assert.Equal(t, tt.use, jwk.Use)
			assert.NotEmpty(t, jwk.KeyID)
		})
	}
}

func TestNewJWK_ThumbprintKidIsStable(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	a, err := NewJWK(key, "", "", "")
	require.NoError(t, err)
	b, err := NewJWK(key, "", "", "")
	require.NoError(t, err)
	assert.Equal(t, a.KeyID, b.KeyID)
}

func TestFileStore(t *testing.T) {
	dir := t.TempDir()

	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	pkcs1 := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(rsaKey)})
	require.NoError(t, os.WriteFile(filepath.Join(dir, "rsa.pem"), pkcs1, 0o600))

	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(ecKey)
	require.NoError(t, err)
	pkcs8 := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ec.pem"), pkcs8, 0o600))

	store := &FileStore{Files: []KeyFile{
		{Path: filepath.Join(dir, "rsa.pem"), KeyID: "rsa"},
		{Path: filepath.Join(dir, "ec.pem")},
	}}
	keys, err := store.LoadKeys(context.Background())
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.Equal(t, "rsa", keys[0].KeyID)
	assert.Equal(t, "PS256", keys[0].Algorithm)
	assert.Equal(t, "ES256", keys[1].Algorithm)

	_, err = (&FileStore{Files: []KeyFile{{Path: filepath.Join(dir, "missing.pem")}}}).LoadKeys(context.Background())
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "junk.pem"), []byte("not pem"), 0o600))
	_, err = (&FileStore{Files: []KeyFile{{Path: filepath.Join(dir, "junk.pem")}}}).LoadKeys(context.Background())
	assert.Error(t, err)
}

func TestGenerate(t *testing.T) {
	store, err := Generate(true)
	require.NoError(t, err)

	p := NewProvider(store, Config{})
	_, err = p.SigningKey(context.Background(), "PS256")
	require.NoError(t, err)
	_, err = p.SigningKey(context.Background(), "ES256")
	require.NoError(t, err)
	dec, err := p.DecryptionKeys(context.Background())
	require.NoError(t, err)
	assert.Len(t, dec, 1)

	store, err = Generate(false)
	require.NoError(t, err)
	assert.Len(t, store.Keys, 2)
}
