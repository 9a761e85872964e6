// Package jwks fetches and caches remote JSON Web Key Sets: the jwks_uri of
// every registered data recipient, used to verify request objects and client
// assertions and to encrypt ID tokens and JARM responses, and the register's
// JWKS used to verify software statements.
package jwks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	"golang.org/x/sync/singleflight"

	"github.com/giantswarm/cdr-auth/instrumentation"
	"github.com/giantswarm/cdr-auth/internal/helpers"
)

const (
	// DefaultCacheTTL is how long a fetched key set is reused
	DefaultCacheTTL = 5 * time.Minute

	// DefaultFetchTimeout bounds a single fetch
	DefaultFetchTimeout = 10 * time.Second

	// DefaultMaxEntries bounds the number of cached key sets
	DefaultMaxEntries = 1000

	maxResponseBytes = 1 << 20
)

// ErrKeyNotFound is returned when no key in the set matches
var ErrKeyNotFound = errors.New("no matching key in JWKS")

// Fetcher retrieves key sets by URI
type Fetcher interface {
	// Fetch returns the key set, possibly from cache
	Fetch(ctx context.Context, uri string) (*jose.JSONWebKeySet, error)
	// Refresh bypasses the cache, used after a kid miss to pick up rotated keys
	Refresh(ctx context.Context, uri string) (*jose.JSONWebKeySet, error)
}

// Config configures a CachingFetcher
type Config struct {
	HTTPClient *http.Client
	CacheTTL   time.Duration
	MaxEntries int
	// AllowInternal permits loopback and private address targets.
	// Only for development and tests.
	AllowInternal bool
	Logger        *slog.Logger
}

type cacheEntry struct {
	set       *jose.JSONWebKeySet
	fetchedAt time.Time
}

// CachingFetcher fetches key sets over HTTPS and caches them with a TTL.
// Concurrent fetches of the same URI are collapsed into one request.
type CachingFetcher struct {
	client        *http.Client
	ttl           time.Duration
	maxEntries    int
	allowInternal bool
	logger        *slog.Logger
	now           func() time.Time

	mu      sync.RWMutex
	entries map[string]cacheEntry

	group   singleflight.Group
	metrics *instrumentation.Metrics
}

// NewCachingFetcher creates a fetcher with the given configuration
func NewCachingFetcher(cfg Config) *CachingFetcher {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{
			Timeout: DefaultFetchTimeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &CachingFetcher{
		client:        client,
		ttl:           cfg.CacheTTL,
		maxEntries:    cfg.MaxEntries,
		allowInternal: cfg.AllowInternal,
		logger:        logger,
		now:           time.Now,
		entries:       make(map[string]cacheEntry),
	}
}

// SetClock overrides the time source (tests)
func (f *CachingFetcher) SetClock(now func() time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = now
}

// SetInstrumentation enables fetch metrics
func (f *CachingFetcher) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst != nil {
		f.metrics = inst.Metrics()
	}
}

func (f *CachingFetcher) cached(uri string) (*jose.JSONWebKeySet, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	e, ok := f.entries[uri]
	if !ok || f.now().Sub(e.fetchedAt) >= f.ttl {
		return nil, false
	}
	return e.set, true
}

func (f *CachingFetcher) store(uri string, set *jose.JSONWebKeySet) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, exists := f.entries[uri]; !exists && len(f.entries) >= f.maxEntries {
		f.evictOldestLocked()
	}
	f.entries[uri] = cacheEntry{set: set, fetchedAt: f.now()}
}

// evictOldestLocked is O(n); fine for the bounded entry count.
func (f *CachingFetcher) evictOldestLocked() {
	var oldestKey string
	var oldest time.Time
	for k, e := range f.entries {
		if oldestKey == "" || e.fetchedAt.Before(oldest) {
			oldestKey = k
			oldest = e.fetchedAt
		}
	}
	delete(f.entries, oldestKey)
}

// Fetch implements Fetcher
func (f *CachingFetcher) Fetch(ctx context.Context, uri string) (*jose.JSONWebKeySet, error) {
	if set, ok := f.cached(uri); ok {
		return set, nil
	}
	return f.fetchShared(ctx, uri, false)
}

// Refresh implements Fetcher
func (f *CachingFetcher) Refresh(ctx context.Context, uri string) (*jose.JSONWebKeySet, error) {
	return f.fetchShared(ctx, uri, true)
}

func (f *CachingFetcher) fetchShared(ctx context.Context, uri string, force bool) (*jose.JSONWebKeySet, error) {
	key := uri
	if force {
		key = "refresh:" + uri
	}
	result, err, _ := f.group.Do(key, func() (any, error) {
		if !force {
			if set, ok := f.cached(uri); ok {
				return set, nil
			}
		}
		set, err := f.fetch(ctx, uri)
		if f.metrics != nil {
			f.metrics.RecordJWKSFetch(ctx, err == nil)
		}
		if err != nil {
			f.logger.Warn("JWKS fetch failed", "uri", uri, "error", err)
			return nil, err
		}
		f.store(uri, set)
		return set, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*jose.JSONWebKeySet), nil
}

func (f *CachingFetcher) fetch(ctx context.Context, uri string) (*jose.JSONWebKeySet, error) {
	if _, err := helpers.ValidateOutboundURL(uri, f.allowInternal); err != nil {
		return nil, fmt.Errorf("jwks uri rejected: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create jwks request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "cdr-auth")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch jwks from %s: %w", uri, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			f.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("jwks fetch returned HTTP %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.Contains(ct, "json") {
		return nil, fmt.Errorf("jwks must be JSON, got %s", ct)
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&set); err != nil {
		return nil, fmt.Errorf("failed to parse jwks: %w", err)
	}
	for _, k := range set.Keys {
		if !k.IsPublic() {
			return nil, errors.New("jwks contains private key material")
		}
	}
	return &set, nil
}

// StaticFetcher serves fixed key sets by URI. Useful for tests and for a
// pinned register JWKS.
type StaticFetcher map[string]*jose.JSONWebKeySet

// Fetch implements Fetcher
func (s StaticFetcher) Fetch(_ context.Context, uri string) (*jose.JSONWebKeySet, error) {
	set, ok := s[uri]
	if !ok {
		return nil, fmt.Errorf("no jwks registered for %s", uri)
	}
	return set, nil
}

// Refresh implements Fetcher
func (s StaticFetcher) Refresh(ctx context.Context, uri string) (*jose.JSONWebKeySet, error) {
	return s.Fetch(ctx, uri)
}

var (
	_ Fetcher = (*CachingFetcher)(nil)
	_ Fetcher = StaticFetcher(nil)
)
