package app

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	oauth "github.com/giantswarm/cdr-auth"
	"github.com/giantswarm/cdr-auth/keys"
)

const envPrefix = "CDR_AUTH"

// defaults registers every key so each one can also be set from the
// environment, e.g. storage.redis_address as CDR_AUTH_STORAGE_REDIS_ADDRESS
var defaults = map[string]any{
	"issuer": "",

	"listen.public":   ":8443",
	"listen.internal": ":8080",

	"tls.cert_file":      "",
	"tls.key_file":       "",
	"tls.client_ca_file": "",

	"log.level":  "info",
	"log.format": "json",

	"authorization.request_uri_ttl":        90 * time.Second,
	"authorization.authorization_code_ttl": 5 * time.Minute,
	"authorization.max_sharing_duration":   365 * 24 * time.Hour,
	"authorization.supported_scopes":       []string{},
	"authorization.supported_acr_values":   []string{},
	"authorization.headless":               false,
	"authorization.headless_subject":       "",
	"authorization.headless_account_ids":   []string{},
	"authorization.auth_ui_url":            "",
	"authorization.interaction_token":      "",

	"token.access_token_ttl":           5 * time.Minute,
	"token.id_token_ttl":               5 * time.Minute,
	"token.authorization_response_ttl": 5 * time.Minute,
	"token.access_token_audience":      "",

	"storage.type":             oauth.StorageMemory,
	"storage.dsn":              "",
	"storage.redis_address":    "",
	"storage.redis_url":        "",
	"storage.redis_password":   "",
	"storage.redis_db":         0,
	"storage.redis_key_prefix": "",
	"storage.cleanup_interval": time.Minute,

	"keys.generate":           false,
	"keys.cache_ttl":          5 * time.Minute,
	"keys.remote_cache_ttl":   5 * time.Minute,
	"keys.remote_max_entries": 0,

	"register.jwks_uri":                    "",
	"register.issuer":                      "",
	"register.allow_duplicate_software_id": false,

	"notification.enabled":         false,
	"notification.holder_brand_id": "",
	"notification.timeout":         30 * time.Second,
	"notification.signing_alg":     "",

	"rate_limit.rate":        0,
	"rate_limit.burst":       0,
	"rate_limit.max_entries": 0,

	"security.client_certificate_header":     "",
	"security.trust_proxy":                   false,
	"security.trusted_proxy_count":           0,
	"security.allow_unbound_tokens":          false,
	"security.allow_insecure_http":           false,
	"security.allow_internal_uris":           false,
	"security.pairwise_secret":               "",
	"security.encryption_key":                "",
	"security.enable_audit_logging":          true,
	"security.clock_skew":                    5 * time.Second,
	"security.client_assertion_max_lifetime": 5 * time.Minute,
	"security.encryption_enabled":            false,

	"instrumentation.enabled":          true,
	"instrumentation.service_name":     "cdr-auth-server",
	"instrumentation.metrics_exporter": "prometheus",
	"instrumentation.log_client_ips":   false,
}

// keyFile is the configuration file form of keys.KeyFile
type keyFile struct {
	Path  string `mapstructure:"path"`
	KeyID string `mapstructure:"key_id"`
	Alg   string `mapstructure:"alg"`
	Use   string `mapstructure:"use"`
}

// customer is the configuration file form of oauth.CustomerConfig
type customer struct {
	ID         string `mapstructure:"id"`
	Name       string `mapstructure:"name"`
	GivenName  string `mapstructure:"given_name"`
	FamilyName string `mapstructure:"family_name"`
}

// initViper registers defaults, the environment and the optional config file
func initViper(v *viper.Viper, configFile string) error {
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if configFile == "" {
		return nil
	}
	v.SetConfigFile(configFile)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file %s: %w", configFile, err)
	}
	return nil
}

// buildConfig maps the merged settings onto oauth.Config
func buildConfig(v *viper.Viper, logger *slog.Logger) (oauth.Config, error) {
	var files []keyFile
	if err := v.UnmarshalKey("keys.files", &files); err != nil {
		return oauth.Config{}, fmt.Errorf("invalid keys.files: %w", err)
	}
	var customers []customer
	if err := v.UnmarshalKey("customers", &customers); err != nil {
		return oauth.Config{}, fmt.Errorf("invalid customers: %w", err)
	}

	cfg := oauth.Config{
		Issuer: v.GetString("issuer"),
		Authorization: oauth.AuthorizationConfig{
			RequestURITTL:        v.GetDuration("authorization.request_uri_ttl"),
			AuthorizationCodeTTL: v.GetDuration("authorization.authorization_code_ttl"),
			MaxSharingDuration:   v.GetDuration("authorization.max_sharing_duration"),
			SupportedScopes:      v.GetStringSlice("authorization.supported_scopes"),
			SupportedACRValues:   v.GetStringSlice("authorization.supported_acr_values"),
			Headless:             v.GetBool("authorization.headless"),
			HeadlessSubject:      v.GetString("authorization.headless_subject"),
			HeadlessAccountIDs:   v.GetStringSlice("authorization.headless_account_ids"),
			AuthUIURL:            v.GetString("authorization.auth_ui_url"),
			InteractionToken:     v.GetString("authorization.interaction_token"),
		},
		Token: oauth.TokenConfig{
			AccessTokenTTL:           v.GetDuration("token.access_token_ttl"),
			IDTokenTTL:               v.GetDuration("token.id_token_ttl"),
			AuthorizationResponseTTL: v.GetDuration("token.authorization_response_ttl"),
			AccessTokenAudience:      v.GetString("token.access_token_audience"),
		},
		Storage: oauth.StorageConfig{
			Type:            v.GetString("storage.type"),
			DSN:             v.GetString("storage.dsn"),
			RedisAddress:    v.GetString("storage.redis_address"),
			RedisURL:        v.GetString("storage.redis_url"),
			RedisPassword:   v.GetString("storage.redis_password"),
			RedisDB:         v.GetInt("storage.redis_db"),
			RedisKeyPrefix:  v.GetString("storage.redis_key_prefix"),
			CleanupInterval: v.GetDuration("storage.cleanup_interval"),
		},
		Keys: oauth.KeysConfig{
			Generate:         v.GetBool("keys.generate"),
			CacheTTL:         v.GetDuration("keys.cache_ttl"),
			RemoteCacheTTL:   v.GetDuration("keys.remote_cache_ttl"),
			RemoteMaxEntries: v.GetInt("keys.remote_max_entries"),
		},
		Register: oauth.RegisterConfig{
			JWKSURI:                  v.GetString("register.jwks_uri"),
			Issuer:                   v.GetString("register.issuer"),
			AllowDuplicateSoftwareID: v.GetBool("register.allow_duplicate_software_id"),
		},
		Notification: oauth.NotificationConfig{
			Enabled:       v.GetBool("notification.enabled"),
			HolderBrandID: v.GetString("notification.holder_brand_id"),
			Timeout:       v.GetDuration("notification.timeout"),
			SigningAlg:    v.GetString("notification.signing_alg"),
		},
		RateLimit: oauth.RateLimitConfig{
			Rate:       v.GetInt("rate_limit.rate"),
			Burst:      v.GetInt("rate_limit.burst"),
			MaxEntries: v.GetInt("rate_limit.max_entries"),
		},
		Security: oauth.SecurityConfig{
			ClientCertificateHeader:    v.GetString("security.client_certificate_header"),
			TrustProxy:                 v.GetBool("security.trust_proxy"),
			TrustedProxyCount:          v.GetInt("security.trusted_proxy_count"),
			AllowUnboundTokens:         v.GetBool("security.allow_unbound_tokens"),
			AllowInsecureHTTP:          v.GetBool("security.allow_insecure_http"),
			AllowInternalURIs:          v.GetBool("security.allow_internal_uris"),
			PairwiseSecret:             v.GetString("security.pairwise_secret"),
			EncryptionKey:              v.GetString("security.encryption_key"),
			EnableAuditLogging:         v.GetBool("security.enable_audit_logging"),
			ClockSkew:                  v.GetDuration("security.clock_skew"),
			ClientAssertionMaxLifetime: v.GetDuration("security.client_assertion_max_lifetime"),
			EncryptionEnabled:          v.GetBool("security.encryption_enabled"),
		},
		Instrumentation: oauth.InstrumentationConfig{
			Enabled:         v.GetBool("instrumentation.enabled"),
			ServiceName:     v.GetString("instrumentation.service_name"),
			ServiceVersion:  Version,
			MetricsExporter: v.GetString("instrumentation.metrics_exporter"),
			LogClientIPs:    v.GetBool("instrumentation.log_client_ips"),
		},
		Logger: logger,
	}

	for _, f := range files {
		if f.Path == "" {
			return oauth.Config{}, errors.New("keys.files entry without a path")
		}
		cfg.Keys.Files = append(cfg.Keys.Files, keys.KeyFile{Path: f.Path, KeyID: f.KeyID, Alg: f.Alg, Use: f.Use})
	}
	for _, c := range customers {
		cfg.Customers = append(cfg.Customers, oauth.CustomerConfig{
			ID:         c.ID,
			Name:       c.Name,
			GivenName:  c.GivenName,
			FamilyName: c.FamilyName,
		})
	}

	if cfg.Issuer == "" {
		return oauth.Config{}, fmt.Errorf("issuer is required (set issuer or %s_ISSUER)", envPrefix)
	}
	return cfg, nil
}
