package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/giantswarm/cdr-auth/instrumentation"
	"github.com/giantswarm/cdr-auth/internal/util"
	"github.com/giantswarm/cdr-auth/storage"
)

const (
	// keyLogLength is the number of characters of a grant key included in logs
	keyLogLength = 8

	storageType = "memory"
)

type grantID struct {
	grantType storage.GrantType
	key       string
}

// Store is an in-memory implementation of storage.Store.
type Store struct {
	mu sync.RWMutex

	grants    map[grantID]*storage.Grant
	blacklist map[string]time.Time
	clients   map[string]*storage.Client

	now func() time.Time

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	// read by metric callbacks without taking mu
	grantsCountAtomic    atomic.Int64
	clientsCountAtomic   atomic.Int64
	blacklistCountAtomic atomic.Int64

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

var _ storage.Store = (*Store)(nil)

// New creates a new in-memory store with a one minute cleanup interval
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with a custom cleanup interval.
// If cleanupInterval is 0 or negative, one minute is used.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		grants:          make(map[grantID]*storage.Grant),
		blacklist:       make(map[string]time.Time),
		clients:         make(map[string]*storage.Client),
		now:             time.Now,
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if logger != nil {
		s.logger = logger
	}
}

// SetClock replaces the time source used for expiry decisions
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now != nil {
		s.now = now
	}
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
	s.grantsCountAtomic.Store(int64(len(s.grants)))
	s.clientsCountAtomic.Store(int64(len(s.clients)))
	s.blacklistCountAtomic.Store(int64(len(s.blacklist)))
	s.mu.Unlock()

	if inst != nil {
		err := inst.RegisterStorageSizeCallbacks(
			func() int64 { return s.grantsCountAtomic.Load() },
			func() int64 { return s.clientsCountAtomic.Load() },
			func() int64 { return s.blacklistCountAtomic.Load() },
		)
		if err != nil {
			s.logger.Warn("Failed to register storage size callbacks", "error", err)
		}
	}
}

// Stop stops the background cleanup goroutine. Safe to call more than once.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

// ============================================================
// GrantStore Implementation
// ============================================================

// CreateGrant stores a new grant
func (s *Store) CreateGrant(ctx context.Context, grant *storage.Grant) (err error) {
	ctx, span := s.startStorageSpan(ctx, "create_grant")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "create_grant", err, startTime) }()

	if err = storage.ValidateGrant(grant); err != nil {
		return err
	}
	span.SetAttributes(attribute.String(instrumentation.AttrGrantKind, string(grant.Type)))

	s.mu.Lock()
	defer s.mu.Unlock()

	id := grantID{grant.Type, grant.Key}
	if existing, ok := s.grants[id]; ok && !existing.IsExpired(s.now()) {
		err = storage.ErrDuplicateKey
		return err
	}

	stored := grant.Clone()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now()
	}
	if _, ok := s.grants[id]; !ok {
		s.grantsCountAtomic.Add(1)
	}
	s.grants[id] = stored

	s.logger.Debug("Created grant",
		"grant_type", grant.Type,
		"key_prefix", util.SafeTruncate(grant.Key, keyLogLength),
		"client_id", grant.ClientID)
	return nil
}

// GetGrant returns an unexpired grant, optionally checking ownership
func (s *Store) GetGrant(ctx context.Context, grantType storage.GrantType, key, clientID string) (g *storage.Grant, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_grant")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "get_grant", err, startTime) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	found, err := s.lookupLocked(grantType, key, clientID)
	if err != nil {
		return nil, err
	}
	return found.Clone(), nil
}

// lookupLocked applies the existence, expiry and ownership rules. Callers hold mu.
func (s *Store) lookupLocked(grantType storage.GrantType, key, clientID string) (*storage.Grant, error) {
	g, ok := s.grants[grantID{grantType, key}]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if g.IsExpired(s.now()) {
		return nil, storage.ErrGrantExpired
	}
	if clientID != "" && g.ClientID != clientID {
		return nil, storage.ErrNotFound
	}
	return g, nil
}

// UpdateGrant replaces payload, expiry and used marker of an existing grant
func (s *Store) UpdateGrant(ctx context.Context, grant *storage.Grant) (err error) {
	ctx, span := s.startStorageSpan(ctx, "update_grant")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "update_grant", err, startTime) }()

	if err = storage.ValidateGrant(grant); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.lookupLocked(grant.Type, grant.Key, grant.ClientID)
	if err != nil {
		return err
	}

	updated := grant.Clone()
	updated.CreatedAt = existing.CreatedAt
	s.grants[grantID{grant.Type, grant.Key}] = updated
	return nil
}

// DeleteGrant removes a grant. Missing grants are not an error.
func (s *Store) DeleteGrant(ctx context.Context, grantType storage.GrantType, key string) (err error) {
	ctx, span := s.startStorageSpan(ctx, "delete_grant")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "delete_grant", err, startTime) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.deleteLocked(grantID{grantType, key})
	return nil
}

func (s *Store) deleteLocked(id grantID) {
	if _, ok := s.grants[id]; ok {
		delete(s.grants, id)
		s.grantsCountAtomic.Add(-1)
	}
}

// MarkGrantUsed atomically consumes a grant
func (s *Store) MarkGrantUsed(ctx context.Context, grantType storage.GrantType, key, clientID string) (g *storage.Grant, err error) {
	ctx, span := s.startStorageSpan(ctx, "mark_grant_used")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "mark_grant_used", err, startTime) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	found, err := s.lookupLocked(grantType, key, clientID)
	if err != nil {
		return nil, err
	}
	if found.IsUsed() {
		// returned so the caller can react to the replay
		return found.Clone(), storage.ErrGrantUsed
	}

	found.UsedAt = s.now()
	s.logger.Debug("Marked grant as used",
		"grant_type", grantType,
		"key_prefix", util.SafeTruncate(key, keyLogLength))
	return found.Clone(), nil
}

// SaveArrangement writes an arrangement and its refresh token as one unit
func (s *Store) SaveArrangement(ctx context.Context, arrangement, refreshToken *storage.Grant, supersededRefreshKey string) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_arrangement")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "save_arrangement", err, startTime) }()

	if err = storage.ValidateArrangementPair(arrangement, refreshToken); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	arrID := grantID{storage.GrantTypeCdrArrangement, arrangement.Key}
	if existing, ok := s.grants[arrID]; ok && !existing.IsExpired(now) {
		if existing.ClientID != arrangement.ClientID {
			err = storage.ErrNotFound
			return err
		}
		// never leave the previous refresh token orphaned
		if prev := storage.ArrangementRefreshKey(existing); prev != "" && prev != refreshToken.Key {
			s.deleteLocked(grantID{storage.GrantTypeRefreshToken, prev})
		}
	}
	if supersededRefreshKey != "" && supersededRefreshKey != refreshToken.Key {
		s.deleteLocked(grantID{storage.GrantTypeRefreshToken, supersededRefreshKey})
	}

	for _, g := range []*storage.Grant{arrangement, refreshToken} {
		stored := g.Clone()
		if stored.CreatedAt.IsZero() {
			stored.CreatedAt = now
		}
		id := grantID{g.Type, g.Key}
		if _, ok := s.grants[id]; !ok {
			s.grantsCountAtomic.Add(1)
		}
		s.grants[id] = stored
	}

	span.SetAttributes(attribute.String(instrumentation.AttrArrangementID, arrangement.Key))
	return nil
}

// DeleteArrangement removes an arrangement and its refresh token
func (s *Store) DeleteArrangement(ctx context.Context, arrangementID, clientID string) (err error) {
	ctx, span := s.startStorageSpan(ctx, "delete_arrangement")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "delete_arrangement", err, startTime) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	arrangement, err := s.lookupLocked(storage.GrantTypeCdrArrangement, arrangementID, clientID)
	if err != nil {
		return err
	}

	if refreshKey := storage.ArrangementRefreshKey(arrangement); refreshKey != "" {
		s.deleteLocked(grantID{storage.GrantTypeRefreshToken, refreshKey})
	}
	s.deleteLocked(grantID{storage.GrantTypeCdrArrangement, arrangementID})

	s.logger.Debug("Deleted arrangement", "arrangement_id", arrangementID, "client_id", clientID)
	return nil
}

// ============================================================
// BlacklistStore Implementation
// ============================================================

// AddToBlacklist records tokenID until expiresAt
func (s *Store) AddToBlacklist(ctx context.Context, tokenID string, expiresAt time.Time) (err error) {
	ctx, span := s.startStorageSpan(ctx, "add_to_blacklist")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "add_to_blacklist", err, startTime) }()

	if tokenID == "" {
		err = fmt.Errorf("token id cannot be empty")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.blacklist[tokenID]
	if ok && s.now().Before(existing) {
		err = storage.ErrDuplicateKey
		return err
	}
	if !ok {
		s.blacklistCountAtomic.Add(1)
	}
	s.blacklist[tokenID] = expiresAt
	return nil
}

// IsBlacklisted reports whether tokenID has an unexpired entry
func (s *Store) IsBlacklisted(ctx context.Context, tokenID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	expiresAt, ok := s.blacklist[tokenID]
	return ok && s.now().Before(expiresAt), nil
}

// ============================================================
// ClientStore Implementation
// ============================================================

// CreateClient stores a new client
func (s *Store) CreateClient(ctx context.Context, client *storage.Client) (err error) {
	ctx, span := s.startStorageSpan(ctx, "create_client")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "create_client", err, startTime) }()

	if client == nil || client.ClientID == "" {
		err = fmt.Errorf("client id cannot be empty")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.clients[client.ClientID]; ok {
		err = storage.ErrDuplicateKey
		return err
	}
	s.clients[client.ClientID] = client.Clone()
	s.clientsCountAtomic.Add(1)

	s.logger.Debug("Created client", "client_id", client.ClientID, "software_id", client.SoftwareID)
	return nil
}

// GetClient retrieves a client by id
func (s *Store) GetClient(ctx context.Context, clientID string) (c *storage.Client, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_client")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "get_client", err, startTime) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[clientID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return client.Clone(), nil
}

// GetClientBySoftwareID retrieves the client registered for softwareID
func (s *Store) GetClientBySoftwareID(ctx context.Context, softwareID string) (*storage.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, client := range s.clients {
		if softwareID != "" && client.SoftwareID == softwareID {
			return client.Clone(), nil
		}
	}
	return nil, storage.ErrNotFound
}

// UpdateClient replaces an existing client
func (s *Store) UpdateClient(ctx context.Context, client *storage.Client) (err error) {
	ctx, span := s.startStorageSpan(ctx, "update_client")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "update_client", err, startTime) }()

	if client == nil {
		err = fmt.Errorf("client cannot be nil")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.clients[client.ClientID]
	if !ok {
		err = storage.ErrNotFound
		return err
	}
	updated := client.Clone()
	updated.ClientIDIssuedAt = existing.ClientIDIssuedAt
	s.clients[client.ClientID] = updated
	return nil
}

// DeleteClient removes a client
func (s *Store) DeleteClient(ctx context.Context, clientID string) (err error) {
	ctx, span := s.startStorageSpan(ctx, "delete_client")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "delete_client", err, startTime) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.clients[clientID]; !ok {
		err = storage.ErrNotFound
		return err
	}
	delete(s.clients, clientID)
	s.clientsCountAtomic.Add(-1)
	return nil
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

// cleanup reclaims expired records. Correctness never depends on it: every
// read re-checks expiry.
func (s *Store) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cleaned := 0

	for id, g := range s.grants {
		if g.IsExpired(now) {
			delete(s.grants, id)
			s.grantsCountAtomic.Add(-1)
			cleaned++
		}
	}

	for tokenID, expiresAt := range s.blacklist {
		if !now.Before(expiresAt) {
			delete(s.blacklist, tokenID)
			s.blacklistCountAtomic.Add(-1)
			cleaned++
		}
	}

	if cleaned > 0 {
		s.logger.Debug("Cleaned up expired records", "count", cleaned)
	}
}

// ============================================================
// Instrumentation Helpers
// ============================================================

func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, tracenoop.Span{}
	}

	ctx, span := s.tracer.Start(ctx, "storage."+operation)
	instrumentation.AddStorageAttributes(span, operation, storageType)
	return ctx, span
}

func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	if s.instrumentation == nil {
		return
	}

	result := "success"
	if err != nil {
		result = "error"
		instrumentation.RecordError(span, err)
	} else {
		instrumentation.SetSpanSuccess(span)
	}

	s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result, float64(time.Since(startTime).Milliseconds()))
}
