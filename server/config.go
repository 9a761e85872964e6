package server

import (
	"crypto/rand"
	"log/slog"
	"time"

	"github.com/giantswarm/cdr-auth/protocol"
)

// Default scope sets
var (
	// DefaultSupportedScopes are the scopes a data recipient can be granted
	DefaultSupportedScopes = []string{
		protocol.ScopeOpenID,
		protocol.ScopeProfile,
		protocol.ScopeRegistration,
		"common:customer.basic:read",
		"common:customer.detail:read",
		"bank:accounts.basic:read",
		"bank:accounts.detail:read",
		"bank:transactions:read",
		"bank:regular_payments:read",
		"bank:payees:read",
		"energy:accounts.basic:read",
		"energy:accounts.detail:read",
		"energy:billing:read",
	}

	// DefaultClientCredentialsScopes may only be granted with client_credentials
	DefaultClientCredentialsScopes = []string{protocol.ScopeRegistration}

	// DefaultACRValues are the supported authentication context classes
	DefaultACRValues = []string{"urn:cds.au:cdr:2", "urn:cds.au:cdr:3"}

	// DefaultEncryptionAlgs and DefaultEncryptionEncs are offered when
	// encryption is enabled without an explicit list
	DefaultEncryptionAlgs = []string{protocol.AlgRSAOAEP256, protocol.AlgRSAOAEP}
	DefaultEncryptionEncs = []string{protocol.EncA256GCM, protocol.EncA128CBCHS256}
)

// Config holds authorization server configuration
type Config struct {
	// Issuer is the server's issuer identifier (base URL)
	Issuer string

	// RequestURITTL is how long a pushed request_uri is valid
	RequestURITTL int64 // seconds, default: 90

	// AuthorizationCodeTTL is how long authorization codes are valid
	AuthorizationCodeTTL int64 // seconds, default: 300

	// MaxSharingDuration caps the requested sharing_duration
	MaxSharingDuration int64 // seconds, default: 31536000 (one year)

	// ClientAssertionMaxLifetime bounds how far in the future a client assertion may expire
	ClientAssertionMaxLifetime int64 // seconds, default: 300

	// ClockSkewGracePeriod is the leeway for exp, nbf and iat checks
	ClockSkewGracePeriod int64 // seconds, default: 5

	// SupportedScopes bounds every grant. Default: DefaultSupportedScopes
	SupportedScopes []string

	// ClientCredentialsScopes are only grantable through client_credentials
	// and are stripped from user authorizations. Default: cdr:registration
	ClientCredentialsScopes []string

	// SupportedACRValues are the acr values a request may ask for
	SupportedACRValues []string

	// Headless completes authorizations without a consent UI, for test
	// deployments. The customer is HeadlessSubject with HeadlessAccountIDs.
	Headless           bool
	HeadlessSubject    string
	HeadlessAccountIDs []string

	// AuthUIURL is where interactive authorizations are sent
	AuthUIURL string

	// InteractionToken authenticates the consent UI on the callback endpoint
	InteractionToken string

	// AllowUnboundTokens accepts requests without a client certificate
	// WARNING: only for development, FAPI requires holder-of-key binding
	// Default: false
	AllowUnboundTokens bool

	// AllowDuplicateSoftwareID permits several registrations of one software product
	AllowDuplicateSoftwareID bool

	// EncryptionEnabled offers ID token and JARM encryption
	EncryptionEnabled       bool
	SupportedEncryptionAlgs []string
	SupportedEncryptionEncs []string

	// RegisterJWKSURI and RegisterIssuer identify the CDR Register that signs software statements
	RegisterJWKSURI string
	RegisterIssuer  string

	// AllowInsecureHTTP accepts an http issuer outside localhost
	// WARNING: only for development
	AllowInsecureHTTP bool

	// AllowInternalURIs relaxes outbound URL checks for local deployments
	// WARNING: disables SSRF protection on recipient supplied URIs
	AllowInternalURIs bool

	// PairwiseSecret keys pairwise subject derivation. A random secret is
	// generated when empty, which changes every subject on restart.
	PairwiseSecret []byte

	// DefaultACR is the acr recorded when a request did not ask for one
	DefaultACR string
}

// applySecureDefaults applies secure-by-default configuration values
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	applyTimeDefaults(config)
	applySecurityDefaults(config, logger)
	return config
}

// applyTimeDefaults sets default values for time-based configuration
func applyTimeDefaults(config *Config) {
	if config.RequestURITTL == 0 {
		config.RequestURITTL = 90
	}
	if config.AuthorizationCodeTTL == 0 {
		config.AuthorizationCodeTTL = 300 // 5 minutes
	}
	if config.MaxSharingDuration == 0 {
		config.MaxSharingDuration = 31536000 // 365 days
	}
	if config.ClientAssertionMaxLifetime == 0 {
		config.ClientAssertionMaxLifetime = 300
	}
	if config.ClockSkewGracePeriod == 0 {
		config.ClockSkewGracePeriod = 5
	}
}

// applySecurityDefaults fills the scope, acr and secret defaults and warns
// about settings that weaken the profile
func applySecurityDefaults(config *Config, logger *slog.Logger) {
	if len(config.SupportedScopes) == 0 {
		config.SupportedScopes = DefaultSupportedScopes
	}
	if len(config.ClientCredentialsScopes) == 0 {
		config.ClientCredentialsScopes = DefaultClientCredentialsScopes
	}
	if len(config.SupportedACRValues) == 0 {
		config.SupportedACRValues = DefaultACRValues
	}
	if config.EncryptionEnabled && len(config.SupportedEncryptionAlgs) == 0 {
		config.SupportedEncryptionAlgs = DefaultEncryptionAlgs
	}
	if config.EncryptionEnabled && len(config.SupportedEncryptionEncs) == 0 {
		config.SupportedEncryptionEncs = DefaultEncryptionEncs
	}
	if config.DefaultACR == "" {
		config.DefaultACR = config.SupportedACRValues[0]
	}
	if len(config.PairwiseSecret) == 0 {
		config.PairwiseSecret = make([]byte, 32)
		_, _ = rand.Read(config.PairwiseSecret)
		logger.Warn("No pairwise secret configured, subject identifiers will change on restart")
	}

	logSecurityWarnings(config, logger)
}

// logSecurityWarnings logs warnings for insecure configuration settings
func logSecurityWarnings(config *Config, logger *slog.Logger) {
	if config.AllowUnboundTokens {
		logger.Warn("SECURITY WARNING: tokens may be issued without a client certificate",
			"risk", "Stolen tokens can be replayed from any connection",
			"recommendation", "Set AllowUnboundTokens=false")
	}
	if config.Headless {
		logger.Warn("SECURITY WARNING: headless authorization is ENABLED",
			"risk", "Every authorization is approved for the configured customer",
			"recommendation", "Only use headless mode in test deployments")
	}
	if config.AllowInternalURIs {
		logger.Warn("SECURITY WARNING: internal recipient URIs are allowed",
			"risk", "Server side request forgery through software statements")
	}
	if !config.Headless && config.AuthUIURL == "" {
		logger.Warn("CONFIGURATION WARNING: AuthUIURL not configured",
			"risk", "Interactive authorizations cannot be completed")
	}
	if !config.Headless && config.InteractionToken == "" {
		logger.Warn("CONFIGURATION WARNING: InteractionToken not configured",
			"risk", "The consent callback rejects every request")
	}
	if config.RegisterJWKSURI == "" {
		logger.Warn("CONFIGURATION WARNING: RegisterJWKSURI not configured",
			"risk", "Dynamic client registration rejects every software statement")
	}
}

func seconds(v int64) time.Duration {
	return time.Duration(v) * time.Second
}
