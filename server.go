package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/giantswarm/cdr-auth/instrumentation"
	"github.com/giantswarm/cdr-auth/issuer"
	"github.com/giantswarm/cdr-auth/jwks"
	"github.com/giantswarm/cdr-auth/keys"
	"github.com/giantswarm/cdr-auth/notify"
	"github.com/giantswarm/cdr-auth/security"
	"github.com/giantswarm/cdr-auth/server"
	"github.com/giantswarm/cdr-auth/storage"
	"github.com/giantswarm/cdr-auth/storage/memory"
	"github.com/giantswarm/cdr-auth/storage/redis"
	"github.com/giantswarm/cdr-auth/storage/sqlstore"
)

const defaultHTTPTimeout = 10 * time.Second

// Server is an assembled authorization server: the engines together with
// their store, keys, token issuer and the HTTP level collaborators.
type Server struct {
	*server.Server

	Store           storage.Store
	Keys            *keys.Provider
	Issuer          *issuer.Issuer
	Instrumentation *instrumentation.Instrumentation
	RateLimiter     *security.RateLimiter

	// ClientCertificateHeader, TrustProxy and TrustedProxyCount are read by the Handler
	ClientCertificateHeader string
	TrustProxy              bool
	TrustedProxyCount       int

	closers []func(context.Context) error
}

// New builds a Server from cfg. Shutdown releases what New acquired.
func New(ctx context.Context, cfg Config) (*Server, error) {
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}

	s := &Server{
		ClientCertificateHeader: cfg.Security.ClientCertificateHeader,
		TrustProxy:              cfg.Security.TrustProxy,
		TrustedProxyCount:       cfg.Security.TrustedProxyCount,
	}
	ok := false
	defer func() {
		if !ok {
			_ = s.Shutdown(context.Background())
		}
	}()

	inst, err := instrumentation.New(instrumentation.Config{
		ServiceName:     cfg.Instrumentation.ServiceName,
		ServiceVersion:  cfg.Instrumentation.ServiceVersion,
		Enabled:         cfg.Instrumentation.Enabled,
		MetricsExporter: cfg.Instrumentation.MetricsExporter,
		LogClientIPs:    cfg.Instrumentation.LogClientIPs,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize instrumentation: %w", err)
	}
	s.Instrumentation = inst
	s.closers = append(s.closers, inst.Shutdown)

	encryptor, err := newEncryptor(cfg.Security.EncryptionKey)
	if err != nil {
		return nil, err
	}
	if err := s.openStore(ctx, cfg.Storage, encryptor, logger); err != nil {
		return nil, err
	}

	keyStore, err := newKeyStore(cfg.Keys, cfg.Security.EncryptionEnabled)
	if err != nil {
		return nil, err
	}
	s.Keys = keys.NewProvider(keyStore, keys.Config{CacheTTL: cfg.Keys.CacheTTL, Logger: logger})
	s.Keys.SetInstrumentation(inst)

	fetcher := cfg.Fetcher
	if fetcher == nil {
		caching := jwks.NewCachingFetcher(jwks.Config{
			HTTPClient:    httpClient,
			CacheTTL:      cfg.Keys.RemoteCacheTTL,
			MaxEntries:    cfg.Keys.RemoteMaxEntries,
			AllowInternal: cfg.Security.AllowInternalURIs,
			Logger:        logger,
		})
		caching.SetInstrumentation(inst)
		fetcher = caching
	}

	s.Issuer, err = issuer.New(issuer.Config{
		Issuer:                   cfg.Issuer,
		AccessTokenAudience:      cfg.Token.AccessTokenAudience,
		AccessTokenTTL:           cfg.Token.AccessTokenTTL,
		IDTokenTTL:               cfg.Token.IDTokenTTL,
		AuthorizationResponseTTL: cfg.Token.AuthorizationResponseTTL,
		ClockSkew:                cfg.Security.ClockSkew,
		EncryptionEnabled:        cfg.Security.EncryptionEnabled,
		Logger:                   logger,
	}, s.Keys, fetcher)
	if err != nil {
		return nil, fmt.Errorf("failed to create token issuer: %w", err)
	}
	s.Issuer.SetInstrumentation(inst)

	engineConfig, err := cfg.serverConfig()
	if err != nil {
		return nil, err
	}
	s.Server, err = server.New(s.Store, s.Issuer, fetcher, engineConfig, logger)
	if err != nil {
		return nil, err
	}
	s.SetInstrumentation(inst)

	auditor := security.NewAuditor(logger, cfg.Security.EnableAuditLogging)
	auditor.SetRecorder(inst.Metrics())
	s.SetAuditor(auditor)

	switch {
	case cfg.CustomerProvider != nil:
		s.SetCustomerProvider(cfg.CustomerProvider)
	case len(cfg.Customers) > 0:
		s.SetCustomerProvider(newCustomerDirectory(cfg.Customers))
	}
	if cfg.SoftwareProductStatus != nil {
		s.SetSoftwareProductStatus(cfg.SoftwareProductStatus)
	}

	if cfg.Notification.Enabled {
		notifier, err := notify.New(notify.Config{
			HolderBrandID: cfg.Notification.HolderBrandID,
			SigningAlg:    cfg.Notification.SigningAlg,
			Timeout:       cfg.Notification.Timeout,
			HTTPClient:    httpClient,
			AllowInternal: cfg.Security.AllowInternalURIs,
			Logger:        logger,
		}, s.Keys)
		if err != nil {
			return nil, fmt.Errorf("failed to create notifier: %w", err)
		}
		notifier.SetInstrumentation(inst)
		s.SetNotifier(notifier)
	}

	if cfg.RateLimit.Rate > 0 {
		burst := cfg.RateLimit.Burst
		if burst <= 0 {
			burst = cfg.RateLimit.Rate * 2
		}
		maxEntries := cfg.RateLimit.MaxEntries
		if maxEntries == 0 {
			maxEntries = security.DefaultRateLimiterMaxEntries
		}
		s.RateLimiter = security.NewRateLimiterWithConfig(cfg.RateLimit.Rate, burst, maxEntries, logger)
		limiter := s.RateLimiter
		s.closers = append(s.closers, func(context.Context) error {
			limiter.Stop()
			return nil
		})
	}

	ok = true
	logger.Info("Authorization server initialized",
		"issuer", cfg.Issuer,
		"storage", storageType(cfg.Storage.Type),
		"headless", cfg.Authorization.Headless,
		"notifications", cfg.Notification.Enabled,
		"rate_limit", cfg.RateLimit.Rate)
	return s, nil
}

// openStore opens the configured grant store
func (s *Server) openStore(ctx context.Context, cfg StorageConfig, enc *security.Encryptor, logger *slog.Logger) error {
	switch storageType(cfg.Type) {
	case StorageMemory:
		interval := cfg.CleanupInterval
		if interval <= 0 {
			interval = time.Minute
		}
		store := memory.NewWithInterval(interval)
		store.SetLogger(logger)
		store.SetInstrumentation(s.Instrumentation)
		s.Store = store
		s.closers = append(s.closers, func(context.Context) error {
			store.Stop()
			return nil
		})
	case StorageRedis:
		store, err := redis.New(redis.Config{
			Address:   cfg.RedisAddress,
			URL:       cfg.RedisURL,
			Password:  cfg.RedisPassword,
			DB:        cfg.RedisDB,
			KeyPrefix: cfg.RedisKeyPrefix,
			Encryptor: enc,
			Logger:    logger,
		})
		if err != nil {
			return err
		}
		store.SetInstrumentation(s.Instrumentation)
		s.Store = store
		s.closers = append(s.closers, func(context.Context) error { return store.Close() })
	case StorageSQLite, StoragePostgres:
		store, err := sqlstore.Open(ctx, sqlstore.Config{
			Dialect:         sqlstore.Dialect(storageType(cfg.Type)),
			DSN:             cfg.DSN,
			Encryptor:       enc,
			CleanupInterval: cfg.CleanupInterval,
			Logger:          logger,
		})
		if err != nil {
			return err
		}
		store.SetInstrumentation(s.Instrumentation)
		s.Store = store
		s.closers = append(s.closers, func(context.Context) error { return store.Close() })
	default:
		return fmt.Errorf("unsupported storage type %q", cfg.Type)
	}
	return nil
}

// Shutdown stops background work and closes the store, in reverse order of
// acquisition. It is safe to call more than once.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

func storageType(t string) string {
	if t == "" {
		return StorageMemory
	}
	return strings.ToLower(t)
}

func newEncryptor(encoded string) (*security.Encryptor, error) {
	if encoded == "" {
		return nil, nil
	}
	key, err := security.KeyFromBase64(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key: %w", err)
	}
	return security.NewEncryptor(key)
}

func newKeyStore(cfg KeysConfig, withEncryption bool) (keys.CertificateStore, error) {
	if len(cfg.Files) > 0 {
		return &keys.FileStore{Files: cfg.Files}, nil
	}
	if !cfg.Generate {
		return nil, errors.New("no signing keys configured: set key files or enable key generation")
	}
	slog.Warn("SECURITY WARNING: using generated keys",
		"risk", "Tokens become unverifiable on restart",
		"recommendation", "Configure key files")
	return keys.Generate(withEncryption)
}

// customerDirectory is a static server.CustomerProvider
type customerDirectory map[string]*server.Customer

func newCustomerDirectory(customers []CustomerConfig) customerDirectory {
	dir := make(customerDirectory, len(customers))
	for _, c := range customers {
		dir[c.ID] = &server.Customer{
			ID:         c.ID,
			Name:       c.Name,
			GivenName:  c.GivenName,
			FamilyName: c.FamilyName,
		}
	}
	return dir
}

func (d customerDirectory) GetCustomer(_ context.Context, customerID string) (*server.Customer, error) {
	c, ok := d[customerID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return c, nil
}
