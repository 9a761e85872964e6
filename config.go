package oauth

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/giantswarm/cdr-auth/jwks"
	"github.com/giantswarm/cdr-auth/keys"
	"github.com/giantswarm/cdr-auth/security"
	"github.com/giantswarm/cdr-auth/server"
)

// Storage backends
const (
	StorageMemory   = "memory"
	StorageRedis    = "redis"
	StorageSQLite   = "sqlite"
	StoragePostgres = "postgres"
)

// Config holds the authorization server configuration.
// Structured using composition, the zero value of every sub-config is usable.
type Config struct {
	// Issuer is the public base URL and issuer identifier (required)
	Issuer string

	// Authorization configures PAR, the authorization endpoint and consent
	Authorization AuthorizationConfig

	// Token lifetimes
	Token TokenConfig

	// Storage selects and configures the grant store
	Storage StorageConfig

	// Keys configures the server's signing and encryption keys
	Keys KeysConfig

	// Register identifies the CDR Register
	Register RegisterConfig

	// Notification configures holder initiated revocation notices
	Notification NotificationConfig

	// RateLimit configures per-IP limiting of the client facing endpoints
	RateLimit RateLimitConfig

	// Security settings (secure by default)
	Security SecurityConfig

	// Instrumentation configures OpenTelemetry metrics and tracing
	Instrumentation InstrumentationConfig

	// Customers is a static customer directory used for ID token and
	// userinfo profile claims when no CustomerProvider is supplied
	Customers []CustomerConfig

	// CustomerProvider resolves customer profiles (optional)
	CustomerProvider server.CustomerProvider

	// SoftwareProductStatus reports Register status for internal
	// introspection (optional, every product is active when nil)
	SoftwareProductStatus server.SoftwareProductStatus

	// Fetcher overrides the remote key set fetcher (optional)
	Fetcher jwks.Fetcher

	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger

	// HTTPClient is used for outbound JWKS and notification requests.
	// If not provided a client with a 10 second timeout is used.
	HTTPClient *http.Client
}

// AuthorizationConfig holds the front channel settings
type AuthorizationConfig struct {
	// RequestURITTL is how long a pushed request_uri is valid. Default: 90s
	RequestURITTL time.Duration

	// AuthorizationCodeTTL is how long authorization codes are valid. Default: 5m
	AuthorizationCodeTTL time.Duration

	// MaxSharingDuration caps the requested sharing_duration. Default: one year
	MaxSharingDuration time.Duration

	// SupportedScopes bounds every grant. Default: server.DefaultSupportedScopes
	SupportedScopes []string

	// SupportedACRValues are the acr values a request may ask for
	SupportedACRValues []string

	// Headless completes every authorization for HeadlessSubject without a
	// consent UI. Only for test deployments.
	Headless           bool
	HeadlessSubject    string
	HeadlessAccountIDs []string

	// AuthUIURL is the consent UI interactive authorizations are sent to
	AuthUIURL string

	// InteractionToken authenticates the consent UI on the callback endpoint
	InteractionToken string
}

// TokenConfig holds token lifetimes
type TokenConfig struct {
	// AccessTokenTTL default: 5m
	AccessTokenTTL time.Duration

	// IDTokenTTL default: 5m
	IDTokenTTL time.Duration

	// AuthorizationResponseTTL is the lifetime of JARM responses. Default: 5m
	AuthorizationResponseTTL time.Duration

	// AccessTokenAudience is the aud of access tokens. Default: the issuer
	AccessTokenAudience string
}

// StorageConfig selects the grant store backend
type StorageConfig struct {
	// Type is memory (default), redis, sqlite or postgres
	Type string

	// DSN is the SQLite file path or the PostgreSQL connection string
	DSN string

	// Redis settings
	RedisAddress   string
	RedisURL       string
	RedisPassword  string
	RedisDB        int
	RedisKeyPrefix string

	// CleanupInterval is how often expired records are purged. Default: 1m
	CleanupInterval time.Duration
}

// KeysConfig configures the server's own keys
type KeysConfig struct {
	// Files are PEM private keys. Used in preference to Generate.
	Files []keys.KeyFile

	// Generate creates ephemeral keys at start up. Only for development.
	Generate bool

	// CacheTTL is how long loaded keys are cached. Default: 5m
	CacheTTL time.Duration

	// RemoteCacheTTL is how long client and Register key sets are cached. Default: 5m
	RemoteCacheTTL time.Duration

	// RemoteMaxEntries bounds the number of cached remote key sets
	RemoteMaxEntries int
}

// RegisterConfig identifies the CDR Register that signs software statements
type RegisterConfig struct {
	JWKSURI string
	Issuer  string

	// AllowDuplicateSoftwareID permits several registrations of one software product
	AllowDuplicateSoftwareID bool
}

// NotificationConfig configures arrangement revocation notices to recipients
type NotificationConfig struct {
	// Enabled turns notifications on. HolderBrandID is then required.
	Enabled bool

	// HolderBrandID is the iss and sub of the notification JWTs
	HolderBrandID string

	// Timeout bounds each notification. Default: 30s
	Timeout time.Duration

	// SigningAlg default: PS256
	SigningAlg string
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	// Rate is requests per second allowed per IP. Zero disables limiting.
	Rate int

	// Burst is the maximum burst size allowed per IP.
	Burst int

	// MaxEntries bounds the number of tracked IPs. Default: 10000
	MaxEntries int
}

// SecurityConfig holds security settings (secure by default)
type SecurityConfig struct {
	// ClientCertificateHeader names the header a TLS terminating gateway
	// forwards the client certificate in. Empty means the certificate must be
	// presented on the connection itself.
	ClientCertificateHeader string

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers.
	// Only enable behind a trusted reverse proxy.
	TrustProxy bool

	// TrustedProxyCount is the number of trusted proxies in front of this server
	TrustedProxyCount int

	// AllowUnboundTokens accepts requests without a client certificate.
	// WARNING: only for development.
	AllowUnboundTokens bool

	// AllowInsecureHTTP accepts an http issuer outside localhost.
	// WARNING: only for development.
	AllowInsecureHTTP bool

	// AllowInternalURIs permits loopback and private targets for jwks_uri and
	// notifications. WARNING: disables SSRF protection.
	AllowInternalURIs bool

	// PairwiseSecret is the base64 encoded key of pairwise subject derivation.
	// A random key is used when empty, which changes every subject on restart.
	PairwiseSecret string

	// EncryptionKey is the base64 encoded AES-256 key sealing grant payloads
	// at rest. Empty disables encryption.
	EncryptionKey string

	// EnableAuditLogging enables security audit logging
	EnableAuditLogging bool

	// ClockSkew is the leeway for exp, nbf and iat checks. Default: 5s
	ClockSkew time.Duration

	// ClientAssertionMaxLifetime bounds the exp of client assertions. Default: 5m
	ClientAssertionMaxLifetime time.Duration

	// EncryptionEnabled offers ID token and JARM encryption
	EncryptionEnabled bool
}

// InstrumentationConfig configures OpenTelemetry
type InstrumentationConfig struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string

	// MetricsExporter is "prometheus" (default) or "none"
	MetricsExporter string

	// LogClientIPs includes client addresses in traces
	LogClientIPs bool
}

// CustomerConfig is a customer profile of the static directory
type CustomerConfig struct {
	ID         string
	Name       string
	GivenName  string
	FamilyName string
}

// serverConfig converts c into the engine configuration
func (c *Config) serverConfig() (*server.Config, error) {
	var secret []byte
	if c.Security.PairwiseSecret != "" {
		var err error
		secret, err = security.KeyFromBase64(c.Security.PairwiseSecret)
		if err != nil {
			return nil, fmt.Errorf("invalid pairwise secret: %w", err)
		}
	}

	return &server.Config{
		Issuer:                     c.Issuer,
		RequestURITTL:              durationSeconds(c.Authorization.RequestURITTL),
		AuthorizationCodeTTL:       durationSeconds(c.Authorization.AuthorizationCodeTTL),
		MaxSharingDuration:         durationSeconds(c.Authorization.MaxSharingDuration),
		ClientAssertionMaxLifetime: durationSeconds(c.Security.ClientAssertionMaxLifetime),
		ClockSkewGracePeriod:       durationSeconds(c.Security.ClockSkew),
		SupportedScopes:            c.Authorization.SupportedScopes,
		SupportedACRValues:         c.Authorization.SupportedACRValues,
		Headless:                   c.Authorization.Headless,
		HeadlessSubject:            c.Authorization.HeadlessSubject,
		HeadlessAccountIDs:         c.Authorization.HeadlessAccountIDs,
		AuthUIURL:                  c.Authorization.AuthUIURL,
		InteractionToken:           c.Authorization.InteractionToken,
		AllowUnboundTokens:         c.Security.AllowUnboundTokens,
		AllowDuplicateSoftwareID:   c.Register.AllowDuplicateSoftwareID,
		EncryptionEnabled:          c.Security.EncryptionEnabled,
		RegisterJWKSURI:            c.Register.JWKSURI,
		RegisterIssuer:             c.Register.Issuer,
		AllowInsecureHTTP:          c.Security.AllowInsecureHTTP,
		AllowInternalURIs:          c.Security.AllowInternalURIs,
		PairwiseSecret:             secret,
	}, nil
}

// durationSeconds converts d to whole seconds, rounding up so a sub-second
// setting is not mistaken for "use the default"
func durationSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64((d + time.Second - 1) / time.Second)
}
