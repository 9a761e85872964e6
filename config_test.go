package oauth

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDurationSeconds(t *testing.T) {
	tests := []struct {
		name string
		in   time.Duration
		want int64
	}{
		{name: "zero", in: 0, want: 0},
		{name: "negative", in: -time.Minute, want: 0},
		{name: "whole seconds", in: 90 * time.Second, want: 90},
		{name: "sub-second rounds up", in: 10 * time.Millisecond, want: 1},
		{name: "fraction rounds up", in: 1500 * time.Millisecond, want: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, durationSeconds(tt.in))
		})
	}
}

func TestConfig_ServerConfig(t *testing.T) {
	secret := []byte("0123456789abcdef0123456789abcdef")
	cfg := Config{
		Issuer: "https://auth.example",
		Authorization: AuthorizationConfig{
			RequestURITTL:      time.Minute,
			MaxSharingDuration: 24 * time.Hour,
			SupportedScopes:    []string{"openid", "bank:accounts.basic:read"},
			Headless:           true,
			HeadlessSubject:    "customer-1",
		},
		Register: RegisterConfig{JWKSURI: "https://register.example/jwks", AllowDuplicateSoftwareID: true},
		Security: SecurityConfig{
			ClockSkew:          5 * time.Second,
			AllowUnboundTokens: true,
			PairwiseSecret:     base64.StdEncoding.EncodeToString(secret),
		},
	}

	sc, err := cfg.serverConfig()
	require.NoError(t, err)
	assert.Equal(t, "https://auth.example", sc.Issuer)
	assert.Equal(t, int64(60), sc.RequestURITTL)
	assert.Equal(t, int64(86400), sc.MaxSharingDuration)
	assert.Equal(t, int64(5), sc.ClockSkewGracePeriod)
	assert.Zero(t, sc.AuthorizationCodeTTL)
	assert.True(t, sc.Headless)
	assert.Equal(t, "customer-1", sc.HeadlessSubject)
	assert.True(t, sc.AllowUnboundTokens)
	assert.True(t, sc.AllowDuplicateSoftwareID)
	assert.Equal(t, "https://register.example/jwks", sc.RegisterJWKSURI)
	assert.Equal(t, secret, sc.PairwiseSecret)
}

func TestConfig_ServerConfig_InvalidPairwiseSecret(t *testing.T) {
	cfg := Config{Issuer: "https://auth.example", Security: SecurityConfig{PairwiseSecret: "not base64!"}}

	_, err := cfg.serverConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pairwise secret")
}

func TestStorageType(t *testing.T) {
	assert.Equal(t, StorageMemory, storageType(""))
	assert.Equal(t, StorageRedis, storageType("Redis"))
	assert.Equal(t, StoragePostgres, storageType("postgres"))
}
