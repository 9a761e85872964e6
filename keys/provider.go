package keys

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	"golang.org/x/sync/singleflight"

	"github.com/giantswarm/cdr-auth/instrumentation"
)

// DefaultCacheTTL is how long loaded key material is served before the
// certificate store is consulted again
const DefaultCacheTTL = 5 * time.Minute

// ErrNoKey is returned when no loaded key matches the requested algorithm
var ErrNoKey = errors.New("no matching key")

// Config configures a Provider
type Config struct {
	// CacheTTL bounds how long keys are cached (default: 5 minutes)
	CacheTTL time.Duration
	Logger   *slog.Logger
}

// Provider caches the keys of a CertificateStore. Concurrent callers that
// find the cache empty or stale share a single load.
type Provider struct {
	store  CertificateStore
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu       sync.RWMutex
	keys     []jose.JSONWebKey
	loadedAt time.Time

	group   singleflight.Group
	metrics *instrumentation.Metrics
}

// NewProvider creates a caching provider over store
func NewProvider(store CertificateStore, cfg Config) *Provider {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		store:  store,
		ttl:    cfg.CacheTTL,
		logger: logger,
		now:    time.Now,
	}
}

// SetClock overrides the time source (tests)
func (p *Provider) SetClock(now func() time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.now = now
}

// SetInstrumentation enables cache hit/miss metrics
func (p *Provider) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst != nil {
		p.metrics = inst.Metrics()
	}
}

// Invalidate drops the cached keys so the next call reloads them
func (p *Provider) Invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = nil
	p.loadedAt = time.Time{}
}

func (p *Provider) cached() ([]jose.JSONWebKey, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.keys == nil || p.now().Sub(p.loadedAt) >= p.ttl {
		return nil, false
	}
	return p.keys, true
}

func (p *Provider) load(ctx context.Context) ([]jose.JSONWebKey, error) {
	if keys, ok := p.cached(); ok {
		if p.metrics != nil {
			p.metrics.RecordKeyCacheLookup(ctx, true)
		}
		return keys, nil
	}
	if p.metrics != nil {
		p.metrics.RecordKeyCacheLookup(ctx, false)
	}

	result, err, _ := p.group.Do("keys", func() (any, error) {
		// another caller may have finished loading while we waited
		if keys, ok := p.cached(); ok {
			return keys, nil
		}

		keys, err := p.store.LoadKeys(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load keys from certificate store: %w", err)
		}
		if len(keys) == 0 {
			return nil, errors.New("certificate store returned no keys")
		}

		p.mu.Lock()
		p.keys = keys
		p.loadedAt = p.now()
		p.mu.Unlock()

		p.logger.Debug("Loaded key material", "keys", len(keys))
		return keys, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]jose.JSONWebKey), nil
}

// SigningKey returns the first signing key for alg
func (p *Provider) SigningKey(ctx context.Context, alg string) (jose.JSONWebKey, error) {
	keys, err := p.load(ctx)
	if err != nil {
		return jose.JSONWebKey{}, err
	}
	for _, k := range keys {
		if k.Use == UseSignature && k.Algorithm == alg {
			return k, nil
		}
	}
	return jose.JSONWebKey{}, fmt.Errorf("%w: signing key for %s", ErrNoKey, alg)
}

// DecryptionKeys returns every encryption key, used to try each when the JWE
// header names no kid
func (p *Provider) DecryptionKeys(ctx context.Context) ([]jose.JSONWebKey, error) {
	keys, err := p.load(ctx)
	if err != nil {
		return nil, err
	}
	var out []jose.JSONWebKey
	for _, k := range keys {
		if k.Use == UseEncryption {
			out = append(out, k)
		}
	}
	return out, nil
}

// PublicJWKS returns the public halves of the signing keys
func (p *Provider) PublicJWKS(ctx context.Context) (*jose.JSONWebKeySet, error) {
	keys, err := p.load(ctx)
	if err != nil {
		return nil, err
	}
	set := &jose.JSONWebKeySet{Keys: []jose.JSONWebKey{}}
	for _, k := range keys {
		if k.Use == UseSignature {
			set.Keys = append(set.Keys, k.Public())
		}
	}
	return set, nil
}
