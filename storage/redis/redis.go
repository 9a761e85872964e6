// Package redis implements storage.Store on Redis (or any Redis compatible
// server such as Valkey) using github.com/redis/go-redis/v9.
//
// Single-key atomic operations (create-if-absent, mark used, blacklist
// insert) run as Lua scripts. The arrangement cascade spans two keys and uses
// optimistic WATCH/MULTI transactions, retried on conflict. Every record
// carries a Redis TTL so expired data is reclaimed by the server, but expiry
// is also checked on read against the store clock.
package redis

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/giantswarm/cdr-auth/instrumentation"
	"github.com/giantswarm/cdr-auth/internal/util"
	"github.com/giantswarm/cdr-auth/security"
	"github.com/giantswarm/cdr-auth/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all keys
	DefaultKeyPrefix = "cdr:"

	keyLogLength = 8

	// connectionVerifyTimeout bounds the initial PING
	connectionVerifyTimeout = 5 * time.Second

	// maxTxRetries bounds WATCH/MULTI retries under contention
	maxTxRetries = 16
)

// Config holds configuration for the Redis storage backend
type Config struct {
	// Address is the server address, e.g. "localhost:6379". Ignored when URL is set.
	Address string

	// URL is a redis:// or rediss:// URL (optional)
	URL string

	// Password is the optional password
	Password string

	// DB is the optional database number
	DB int

	// KeyPrefix is the prefix for all keys (default "cdr:")
	KeyPrefix string

	// TLS enables TLS when set
	TLS *tls.Config

	// Encryptor seals grant payloads at rest (optional)
	Encryptor *security.Encryptor

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Store is a Redis implementation of storage.Store
type Store struct {
	client    goredis.UniversalClient
	prefix    string
	encryptor *security.Encryptor
	logger    *slog.Logger
	now       func() time.Time

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
}

var _ storage.Store = (*Store)(nil)

// New connects to Redis and verifies the connection
func New(cfg Config) (*Store, error) {
	var opts *goredis.Options
	if cfg.URL != "" {
		parsed, err := goredis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		opts = parsed
	} else {
		if cfg.Address == "" {
			return nil, fmt.Errorf("redis address is required")
		}
		opts = &goredis.Options{Addr: cfg.Address, Password: cfg.Password, DB: cfg.DB}
	}
	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client := goredis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	s := NewWithClient(client, cfg)
	s.logger.Info("Connected to Redis storage", "address", opts.Addr, "db", opts.DB, "prefix", s.prefix)
	return s, nil
}

// NewWithClient wraps an existing client
func NewWithClient(client goredis.UniversalClient, cfg Config) *Store {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		client:    client,
		prefix:    prefix,
		encryptor: cfg.Encryptor,
		logger:    logger,
		now:       time.Now,
	}
}

// SetClock replaces the time source used for expiry decisions
func (s *Store) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
}

// Close closes the client connection
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) grantKey(grantType storage.GrantType, key string) string {
	return s.prefix + "grant:" + string(grantType) + ":" + key
}

func (s *Store) blacklistKey(tokenID string) string {
	return s.prefix + "blacklist:" + tokenID
}

func (s *Store) clientKey(clientID string) string {
	return s.prefix + "client:" + clientID
}

func (s *Store) softwareKey(softwareID string) string {
	return s.prefix + "software:" + softwareID
}

// ============================================================
// Lua Scripts
// ============================================================

// createGrantScript writes a grant hash unless an unexpired grant holds the key.
// ARGV: now_ms, client_id, subject_id, data, created_at, expires_at, ttl_ms
var createGrantScript = goredis.NewScript(`
local exp = redis.call('HGET', KEYS[1], 'expires_at')
if exp then
  local e = tonumber(exp)
  if e == 0 or e > tonumber(ARGV[1]) then
    return 0
  end
end
redis.call('DEL', KEYS[1])
redis.call('HSET', KEYS[1], 'client_id', ARGV[2], 'subject_id', ARGV[3], 'data', ARGV[4],
  'created_at', ARGV[5], 'expires_at', ARGV[6], 'used_at', '0')
if tonumber(ARGV[7]) > 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[7])
end
return 1
`)

// markUsedScript sets used_at once.
// ARGV: now_ms, client_id (empty skips the ownership check)
var markUsedScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 'NOT_FOUND'
end
local exp = tonumber(redis.call('HGET', KEYS[1], 'expires_at'))
if exp ~= 0 and exp <= tonumber(ARGV[1]) then
  return 'EXPIRED'
end
if ARGV[2] ~= '' and redis.call('HGET', KEYS[1], 'client_id') ~= ARGV[2] then
  return 'NOT_FOUND'
end
if tonumber(redis.call('HGET', KEYS[1], 'used_at')) ~= 0 then
  return 'ALREADY_USED'
end
redis.call('HSET', KEYS[1], 'used_at', ARGV[1])
return 'OK'
`)

// updateGrantScript replaces the mutable fields of an unexpired grant owned by client_id.
// ARGV: now_ms, client_id, subject_id, data, expires_at, used_at, ttl_ms
var updateGrantScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
local exp = tonumber(redis.call('HGET', KEYS[1], 'expires_at'))
if exp ~= 0 and exp <= tonumber(ARGV[1]) then
  return 0
end
if redis.call('HGET', KEYS[1], 'client_id') ~= ARGV[2] then
  return 0
end
redis.call('HSET', KEYS[1], 'subject_id', ARGV[3], 'data', ARGV[4], 'expires_at', ARGV[5], 'used_at', ARGV[6])
if tonumber(ARGV[7]) > 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[7])
else
  redis.call('PERSIST', KEYS[1])
end
return 1
`)

// blacklistScript inserts an entry unless an unexpired one exists.
// ARGV: now_ms, expires_at_ms, ttl_ms
var blacklistScript = goredis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur and tonumber(cur) > tonumber(ARGV[1]) then
  return 0
end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
return 1
`)

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
	data, err := s.sealPayload(grant.Payload)
	if err != nil {
		return err
	}

	now := s.now()
	createdAt := grant.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	created, err := createGrantScript.Run(ctx, s.client,
		[]string{s.grantKey(grant.Type, grant.Key)},
		toMillis(now), grant.ClientID, grant.SubjectID, data,
		toMillis(createdAt), toMillis(grant.ExpiresAt), ttlMillis(now, grant.ExpiresAt),
	).Int()
	if err != nil {
		return fmt.Errorf("failed to create grant: %w", err)
	}
	if created == 0 {
		err = storage.ErrDuplicateKey
		return err
	}

	s.logger.Debug("Created grant",
		"grant_type", grant.Type,
		"key_prefix", util.SafeTruncate(grant.Key, keyLogLength))
	return nil
}

// GetGrant returns an unexpired grant, optionally checking ownership
func (s *Store) GetGrant(ctx context.Context, grantType storage.GrantType, key, clientID string) (g *storage.Grant, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_grant")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "get_grant", err, startTime) }()

	return s.loadGrant(ctx, s.client, grantType, key, clientID)
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
	data, err := s.sealPayload(grant.Payload)
	if err != nil {
		return err
	}

	now := s.now()
	updated, err := updateGrantScript.Run(ctx, s.client,
		[]string{s.grantKey(grant.Type, grant.Key)},
		toMillis(now), grant.ClientID, grant.SubjectID, data,
		toMillis(grant.ExpiresAt), toMillis(grant.UsedAt), ttlMillis(now, grant.ExpiresAt),
	).Int()
	if err != nil {
		return fmt.Errorf("failed to update grant: %w", err)
	}
	if updated == 0 {
		err = storage.ErrNotFound
		return err
	}
	return nil
}

// DeleteGrant removes a grant. Missing grants are not an error.
func (s *Store) DeleteGrant(ctx context.Context, grantType storage.GrantType, key string) (err error) {
	ctx, span := s.startStorageSpan(ctx, "delete_grant")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "delete_grant", err, startTime) }()

	if err = s.client.Del(ctx, s.grantKey(grantType, key)).Err(); err != nil {
		return fmt.Errorf("failed to delete grant: %w", err)
	}
	return nil
}

// MarkGrantUsed atomically consumes a grant
func (s *Store) MarkGrantUsed(ctx context.Context, grantType storage.GrantType, key, clientID string) (g *storage.Grant, err error) {
	ctx, span := s.startStorageSpan(ctx, "mark_grant_used")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "mark_grant_used", err, startTime) }()

	result, err := markUsedScript.Run(ctx, s.client,
		[]string{s.grantKey(grantType, key)}, toMillis(s.now()), clientID,
	).Text()
	if err != nil {
		return nil, fmt.Errorf("failed to execute atomic mark used: %w", err)
	}

	switch result {
	case "NOT_FOUND":
		return nil, storage.ErrNotFound
	case "EXPIRED":
		return nil, storage.ErrGrantExpired
	}

	// reading back after the script is safe: only used_at changes and it
	// is never cleared
	g, err = s.loadGrant(ctx, s.client, grantType, key, clientID)
	if err != nil {
		return nil, err
	}
	if result == "ALREADY_USED" {
		return g, storage.ErrGrantUsed
	}

	s.logger.Debug("Marked grant as used",
		"grant_type", grantType,
		"key_prefix", util.SafeTruncate(key, keyLogLength))
	return g, nil
}

// SaveArrangement writes an arrangement and its refresh token in one MULTI
// transaction, watching the arrangement key for concurrent amendment.
func (s *Store) SaveArrangement(ctx context.Context, arrangement, refreshToken *storage.Grant, supersededRefreshKey string) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_arrangement")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "save_arrangement", err, startTime) }()

	if err = storage.ValidateArrangementPair(arrangement, refreshToken); err != nil {
		return err
	}

	arrData, err := s.sealPayload(arrangement.Payload)
	if err != nil {
		return err
	}
	rtData, err := s.sealPayload(refreshToken.Payload)
	if err != nil {
		return err
	}

	arrKey := s.grantKey(storage.GrantTypeCdrArrangement, arrangement.Key)
	rtKey := s.grantKey(storage.GrantTypeRefreshToken, refreshToken.Key)

	txf := func(tx *goredis.Tx) error {
		now := s.now()
		stale := map[string]struct{}{}
		if supersededRefreshKey != "" && supersededRefreshKey != refreshToken.Key {
			stale[s.grantKey(storage.GrantTypeRefreshToken, supersededRefreshKey)] = struct{}{}
		}

		existing, loadErr := s.loadGrant(ctx, tx, storage.GrantTypeCdrArrangement, arrangement.Key, "")
		switch {
		case loadErr == nil:
			if existing.ClientID != arrangement.ClientID {
				return storage.ErrNotFound
			}
			if prev := storage.ArrangementRefreshKey(existing); prev != "" && prev != refreshToken.Key {
				stale[s.grantKey(storage.GrantTypeRefreshToken, prev)] = struct{}{}
			}
		case !errors.Is(loadErr, storage.ErrNotFound):
			return loadErr
		}

		_, pipeErr := tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			for key := range stale {
				pipe.Del(ctx, key)
			}
			s.writeGrant(ctx, pipe, arrKey, arrangement, arrData, now)
			s.writeGrant(ctx, pipe, rtKey, refreshToken, rtData, now)
			return nil
		})
		return pipeErr
	}

	return s.withRetry(ctx, txf, arrKey)
}

// DeleteArrangement removes an arrangement and its refresh token in one MULTI transaction
func (s *Store) DeleteArrangement(ctx context.Context, arrangementID, clientID string) (err error) {
	ctx, span := s.startStorageSpan(ctx, "delete_arrangement")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "delete_arrangement", err, startTime) }()

	arrKey := s.grantKey(storage.GrantTypeCdrArrangement, arrangementID)

	txf := func(tx *goredis.Tx) error {
		arrangement, loadErr := s.loadGrant(ctx, tx, storage.GrantTypeCdrArrangement, arrangementID, clientID)
		if loadErr != nil {
			return loadErr
		}
		_, pipeErr := tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			if refreshKey := storage.ArrangementRefreshKey(arrangement); refreshKey != "" {
				pipe.Del(ctx, s.grantKey(storage.GrantTypeRefreshToken, refreshKey))
			}
			pipe.Del(ctx, arrKey)
			return nil
		})
		return pipeErr
	}

	return s.withRetry(ctx, txf, arrKey)
}

func (s *Store) withRetry(ctx context.Context, txf func(*goredis.Tx) error, keys ...string) error {
	for range maxTxRetries {
		err := s.client.Watch(ctx, txf, keys...)
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("transaction on %v failed after %d attempts", keys, maxTxRetries)
}

func (s *Store) writeGrant(ctx context.Context, pipe goredis.Pipeliner, key string, g *storage.Grant, data []byte, now time.Time) {
	createdAt := g.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key,
		"client_id", g.ClientID,
		"subject_id", g.SubjectID,
		"data", data,
		"created_at", toMillis(createdAt),
		"expires_at", toMillis(g.ExpiresAt),
		"used_at", toMillis(g.UsedAt),
	)
	if ttl := ttlMillis(now, g.ExpiresAt); ttl > 0 {
		pipe.PExpire(ctx, key, time.Duration(ttl)*time.Millisecond)
	}
}

// hashReader is satisfied by both the client and a WATCH transaction
type hashReader interface {
	HGetAll(ctx context.Context, key string) *goredis.MapStringStringCmd
}

// loadGrant reads and decodes a grant hash, applying expiry and ownership rules
func (s *Store) loadGrant(ctx context.Context, c hashReader, grantType storage.GrantType, key, clientID string) (*storage.Grant, error) {
	fields, err := c.HGetAll(ctx, s.grantKey(grantType, key)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load grant: %w", err)
	}
	if len(fields) == 0 {
		return nil, storage.ErrNotFound
	}

	g := &storage.Grant{
		Type:      grantType,
		Key:       key,
		ClientID:  fields["client_id"],
		SubjectID: fields["subject_id"],
		CreatedAt: fromMillis(fields["created_at"]),
		ExpiresAt: fromMillis(fields["expires_at"]),
		UsedAt:    fromMillis(fields["used_at"]),
	}
	if g.IsExpired(s.now()) {
		return nil, storage.ErrGrantExpired
	}
	if clientID != "" && g.ClientID != clientID {
		return nil, storage.ErrNotFound
	}

	plain, err := s.encryptor.Decrypt([]byte(fields["data"]))
	if err != nil {
		return nil, fmt.Errorf("decrypting %s payload: %w", grantType, err)
	}
	if g.Payload, err = storage.DecodePayload(grantType, plain); err != nil {
		return nil, err
	}
	return g, nil
}

func (s *Store) sealPayload(p storage.Payload) ([]byte, error) {
	data, err := storage.EncodePayload(p)
	if err != nil {
		return nil, err
	}
	sealed, err := s.encryptor.Encrypt(data)
	if err != nil {
		return nil, fmt.Errorf("encrypting payload: %w", err)
	}
	return sealed, nil
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

	now := s.now()
	ttl := ttlMillis(now, expiresAt)
	if ttl <= 0 {
		// nothing to remember
		return nil
	}

	added, err := blacklistScript.Run(ctx, s.client, []string{s.blacklistKey(tokenID)},
		toMillis(now), toMillis(expiresAt), ttl).Int()
	if err != nil {
		return fmt.Errorf("failed to blacklist token: %w", err)
	}
	if added == 0 {
		err = storage.ErrDuplicateKey
		return err
	}
	return nil
}

// IsBlacklisted reports whether tokenID has an unexpired entry
func (s *Store) IsBlacklisted(ctx context.Context, tokenID string) (bool, error) {
	val, err := s.client.Get(ctx, s.blacklistKey(tokenID)).Result()
	if errors.Is(err, goredis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to query blacklist: %w", err)
	}
	return fromMillis(val).After(s.now()), nil
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
	data, err := json.Marshal(client)
	if err != nil {
		return fmt.Errorf("failed to encode client: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.clientKey(client.ClientID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to store client: %w", err)
	}
	if !ok {
		err = storage.ErrDuplicateKey
		return err
	}
	if client.SoftwareID != "" {
		// first registration wins the software index
		if err = s.client.SetNX(ctx, s.softwareKey(client.SoftwareID), client.ClientID, 0).Err(); err != nil {
			return fmt.Errorf("failed to index client: %w", err)
		}
	}
	return nil
}

// GetClient retrieves a client by id
func (s *Store) GetClient(ctx context.Context, clientID string) (c *storage.Client, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_client")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "get_client", err, startTime) }()

	return s.getClient(ctx, clientID)
}

func (s *Store) getClient(ctx context.Context, clientID string) (*storage.Client, error) {
	data, err := s.client.Get(ctx, s.clientKey(clientID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load client: %w", err)
	}
	var client storage.Client
	if err := json.Unmarshal(data, &client); err != nil {
		return nil, fmt.Errorf("failed to decode client: %w", err)
	}
	return &client, nil
}

// GetClientBySoftwareID retrieves the client registered for softwareID
func (s *Store) GetClientBySoftwareID(ctx context.Context, softwareID string) (*storage.Client, error) {
	if softwareID == "" {
		return nil, storage.ErrNotFound
	}
	clientID, err := s.client.Get(ctx, s.softwareKey(softwareID)).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query software index: %w", err)
	}
	return s.getClient(ctx, clientID)
}

// UpdateClient replaces an existing client, keeping its issuance time
func (s *Store) UpdateClient(ctx context.Context, client *storage.Client) (err error) {
	ctx, span := s.startStorageSpan(ctx, "update_client")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "update_client", err, startTime) }()

	if client == nil {
		err = fmt.Errorf("client cannot be nil")
		return err
	}
	existing, err := s.getClient(ctx, client.ClientID)
	if err != nil {
		return err
	}

	updated := client.Clone()
	updated.ClientIDIssuedAt = existing.ClientIDIssuedAt
	data, err := json.Marshal(updated)
	if err != nil {
		return fmt.Errorf("failed to encode client: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.SetXX(ctx, s.clientKey(client.ClientID), data, goredis.KeepTTL)
		if existing.SoftwareID != updated.SoftwareID {
			if existing.SoftwareID != "" {
				pipe.Del(ctx, s.softwareKey(existing.SoftwareID))
			}
			if updated.SoftwareID != "" {
				pipe.Set(ctx, s.softwareKey(updated.SoftwareID), updated.ClientID, 0)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to update client: %w", err)
	}
	return nil
}

// DeleteClient removes a client
func (s *Store) DeleteClient(ctx context.Context, clientID string) (err error) {
	ctx, span := s.startStorageSpan(ctx, "delete_client")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "delete_client", err, startTime) }()

	existing, err := s.getClient(ctx, clientID)
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Del(ctx, s.clientKey(clientID))
		if existing.SoftwareID != "" {
			pipe.Del(ctx, s.softwareKey(existing.SoftwareID))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete client: %w", err)
	}
	return nil
}

// ============================================================
// Helpers
// ============================================================

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(s string) time.Time {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n == 0 {
		return time.Time{}
	}
	return time.UnixMilli(n).UTC()
}

// ttlMillis is the Redis TTL for a record expiring at expiresAt; 0 means no TTL
func ttlMillis(now, expiresAt time.Time) int64 {
	if expiresAt.IsZero() {
		return 0
	}
	ttl := expiresAt.Sub(now).Milliseconds()
	if ttl <= 0 {
		return -1
	}
	return ttl
}

func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, tracenoop.Span{}
	}
	ctx, span := s.tracer.Start(ctx, "storage."+operation)
	instrumentation.AddStorageAttributes(span, operation, "redis")
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
