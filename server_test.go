package oauth

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/cdr-auth/storage"
)

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{
			name:    "missing issuer",
			cfg:     Config{Keys: KeysConfig{Generate: true}},
			wantErr: "issuer is required",
		},
		{
			name:    "unsupported storage",
			cfg:     Config{Issuer: testIssuer, Keys: KeysConfig{Generate: true}, Storage: StorageConfig{Type: "etcd"}},
			wantErr: "unsupported storage type",
		},
		{
			name:    "no keys",
			cfg:     Config{Issuer: testIssuer},
			wantErr: "no signing keys configured",
		},
		{
			name:    "invalid encryption key",
			cfg:     Config{Issuer: testIssuer, Keys: KeysConfig{Generate: true}, Security: SecurityConfig{EncryptionKey: "short"}},
			wantErr: "invalid encryption key",
		},
		{
			name:    "plain http issuer",
			cfg:     Config{Issuer: "http://auth.example", Keys: KeysConfig{Generate: true}},
			wantErr: "must use HTTPS",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := New(context.Background(), tt.cfg)
			require.Error(t, err)
			assert.Nil(t, s)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNew_Defaults(t *testing.T) {
	s, err := New(context.Background(), Config{Issuer: testIssuer, Keys: KeysConfig{Generate: true}})
	require.NoError(t, err)
	defer func() { _ = s.Shutdown(context.Background()) }()

	assert.NotNil(t, s.Store)
	assert.NotNil(t, s.Keys)
	assert.NotNil(t, s.Issuer)
	assert.NotNil(t, s.Instrumentation)
	assert.NotNil(t, s.Auditor)
	assert.Nil(t, s.RateLimiter)
	assert.Equal(t, int64(90), s.Config.RequestURITTL)
}

func TestNew_SQLiteStorage(t *testing.T) {
	s, err := New(context.Background(), Config{
		Issuer:  testIssuer,
		Keys:    KeysConfig{Generate: true},
		Storage: StorageConfig{Type: StorageSQLite, DSN: t.TempDir() + "/grants.db"},
	})
	require.NoError(t, err)
	defer func() { _ = s.Shutdown(context.Background()) }()

	_, err = s.Store.GetClient(context.Background(), "nobody")
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestServer_Shutdown(t *testing.T) {
	s, err := New(context.Background(), Config{
		Issuer:    testIssuer,
		Keys:      KeysConfig{Generate: true},
		RateLimit: RateLimitConfig{Rate: 5},
	})
	require.NoError(t, err)
	require.NotNil(t, s.RateLimiter)

	require.NoError(t, s.Shutdown(context.Background()))
	require.NoError(t, s.Shutdown(context.Background()))
}

func TestCustomerDirectory(t *testing.T) {
	dir := newCustomerDirectory([]CustomerConfig{{ID: "customer-1", Name: "Jane Citizen"}})

	c, err := dir.GetCustomer(context.Background(), "customer-1")
	require.NoError(t, err)
	assert.Equal(t, "Jane Citizen", c.Name)

	_, err = dir.GetCustomer(context.Background(), "customer-2")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
