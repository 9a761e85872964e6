// Package sqlstore implements storage.Store on database/sql.
//
// Two dialects are supported: SQLite through the pure Go modernc.org/sqlite
// driver, and PostgreSQL through github.com/lib/pq. The schema is created and
// upgraded with goose migrations embedded in the binary. Grants live in one
// table keyed by (grant_type, grant_key); uniqueness of that pair is enforced
// by the primary key. Grant payloads are optionally sealed with
// security.Encryptor before they are written.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	sqlite "modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"

	"github.com/giantswarm/cdr-auth/instrumentation"
	"github.com/giantswarm/cdr-auth/security"
	"github.com/giantswarm/cdr-auth/storage"
)

// Dialect selects the SQL flavour and driver
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// Config holds configuration for the SQL storage backend
type Config struct {
	// Dialect is "sqlite" (default) or "postgres"
	Dialect Dialect

	// DSN is the driver data source name. For SQLite a file path.
	DSN string

	// Encryptor seals grant payloads at rest (optional)
	Encryptor *security.Encryptor

	// CleanupInterval enables a background purge of expired rows. Zero disables it.
	CleanupInterval time.Duration

	// MaxOpenConns bounds the pool for PostgreSQL (default 25). SQLite always uses one connection.
	MaxOpenConns int

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Store is a SQL implementation of storage.Store
type Store struct {
	db        *sql.DB
	dialect   Dialect
	encryptor *security.Encryptor
	logger    *slog.Logger
	now       func() time.Time

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	stopCleanup chan struct{}
	stopOnce    sync.Once
}

var _ storage.Store = (*Store)(nil)

// Open connects to the database described by cfg and applies migrations
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Dialect == "" {
		cfg.Dialect = DialectSQLite
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("sql store dsn is required")
	}

	var driver string
	switch cfg.Dialect {
	case DialectSQLite:
		driver = "sqlite"
	case DialectPostgres:
		driver = "postgres"
	default:
		return nil, fmt.Errorf("unsupported dialect %q", cfg.Dialect)
	}

	db, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", cfg.Dialect, err)
	}

	if cfg.Dialect == DialectSQLite {
		// one writer; transactions serialize instead of failing with SQLITE_BUSY
		db.SetMaxOpenConns(1)
	} else {
		maxOpen := cfg.MaxOpenConns
		if maxOpen <= 0 {
			maxOpen = 25
		}
		db.SetMaxOpenConns(maxOpen)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping %s: %w", cfg.Dialect, err)
	}

	s, err := New(ctx, db, cfg)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an open database handle, applying migrations first
func New(ctx context.Context, db *sql.DB, cfg Config) (*Store, error) {
	if cfg.Dialect == "" {
		cfg.Dialect = DialectSQLite
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.Dialect == DialectSQLite {
		if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout = 5000`); err != nil {
			return nil, fmt.Errorf("failed to configure sqlite: %w", err)
		}
	}

	if err := runMigrations(ctx, db, cfg.Dialect); err != nil {
		return nil, err
	}

	s := &Store{
		db:          db,
		dialect:     cfg.Dialect,
		encryptor:   cfg.Encryptor,
		logger:      logger,
		now:         time.Now,
		stopCleanup: make(chan struct{}),
	}

	if cfg.CleanupInterval > 0 {
		go s.cleanupLoop(cfg.CleanupInterval)
	}

	logger.Info("SQL storage ready",
		"dialect", cfg.Dialect,
		"encryption", cfg.Encryptor.IsEnabled())
	return s, nil
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

// Close stops the cleanup loop and closes the database
func (s *Store) Close() error {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
	return s.db.Close()
}

// ============================================================
// GrantStore Implementation
// ============================================================

const grantColumns = `client_id, subject_id, data, created_at, expires_at, used_at`

// CreateGrant stores a new grant
func (s *Store) CreateGrant(ctx context.Context, grant *storage.Grant) (err error) {
	ctx, span := s.startStorageSpan(ctx, "create_grant")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "create_grant", err, startTime) }()

	if err = storage.ValidateGrant(grant); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	existing, err := s.selectGrant(ctx, tx, grant.Type, grant.Key, false)
	switch {
	case err == nil && !existing.IsExpired(s.now()):
		err = storage.ErrDuplicateKey
		return err
	case err == nil:
		// an expired row still occupies the key until the sweep runs
		if err = s.deleteGrant(ctx, tx, grant.Type, grant.Key); err != nil {
			return err
		}
	case !errors.Is(err, storage.ErrNotFound):
		return err
	}

	if err = s.insertGrant(ctx, tx, grant); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("committing grant: %w", err)
	}
	return nil
}

// GetGrant returns an unexpired grant, optionally checking ownership
func (s *Store) GetGrant(ctx context.Context, grantType storage.GrantType, key, clientID string) (g *storage.Grant, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_grant")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "get_grant", err, startTime) }()

	g, err = s.selectGrant(ctx, s.db, grantType, key, false)
	if err != nil {
		return nil, err
	}
	if err = s.checkGrant(g, clientID); err != nil {
		return nil, err
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
	data, err := s.sealPayload(grant.Payload)
	if err != nil {
		return err
	}

	now := toUnix(s.now())
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE grants SET subject_id = ?, data = ?, expires_at = ?, used_at = ?
		WHERE grant_type = ? AND grant_key = ? AND client_id = ?
		  AND (expires_at = 0 OR expires_at > ?)`),
		grant.SubjectID, data, toUnix(grant.ExpiresAt), toUnix(grant.UsedAt),
		string(grant.Type), grant.Key, grant.ClientID, now,
	)
	if err != nil {
		return fmt.Errorf("updating grant: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
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

	return s.deleteGrant(ctx, s.db, grantType, key)
}

// MarkGrantUsed atomically consumes a grant. The conditional UPDATE on
// used_at = 0 guarantees a single winner without row locks.
func (s *Store) MarkGrantUsed(ctx context.Context, grantType storage.GrantType, key, clientID string) (g *storage.Grant, err error) {
	ctx, span := s.startStorageSpan(ctx, "mark_grant_used")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "mark_grant_used", err, startTime) }()

	g, err = s.selectGrant(ctx, s.db, grantType, key, false)
	if err != nil {
		return nil, err
	}
	if err = s.checkGrant(g, clientID); err != nil {
		return nil, err
	}
	if g.IsUsed() {
		return g, storage.ErrGrantUsed
	}

	usedAt := s.now()
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE grants SET used_at = ?
		WHERE grant_type = ? AND grant_key = ? AND used_at = 0`),
		toUnix(usedAt), string(grantType), key,
	)
	if err != nil {
		return nil, fmt.Errorf("marking grant used: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// lost the race
		latest, selErr := s.selectGrant(ctx, s.db, grantType, key, false)
		if selErr != nil {
			return nil, selErr
		}
		return latest, storage.ErrGrantUsed
	}

	g.UsedAt = fromUnix(toUnix(usedAt))
	return g, nil
}

// SaveArrangement writes an arrangement and its refresh token in one transaction
func (s *Store) SaveArrangement(ctx context.Context, arrangement, refreshToken *storage.Grant, supersededRefreshKey string) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_arrangement")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "save_arrangement", err, startTime) }()

	if err = storage.ValidateArrangementPair(arrangement, refreshToken); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	existing, err := s.selectGrant(ctx, tx, storage.GrantTypeCdrArrangement, arrangement.Key, true)
	switch {
	case err == nil && !existing.IsExpired(s.now()):
		if existing.ClientID != arrangement.ClientID {
			err = storage.ErrNotFound
			return err
		}
		if prev := storage.ArrangementRefreshKey(existing); prev != "" && prev != refreshToken.Key {
			if err = s.deleteGrant(ctx, tx, storage.GrantTypeRefreshToken, prev); err != nil {
				return err
			}
		}
	case err != nil && !errors.Is(err, storage.ErrNotFound):
		return err
	}

	if supersededRefreshKey != "" && supersededRefreshKey != refreshToken.Key {
		if err = s.deleteGrant(ctx, tx, storage.GrantTypeRefreshToken, supersededRefreshKey); err != nil {
			return err
		}
	}

	for _, g := range []*storage.Grant{arrangement, refreshToken} {
		if err = s.deleteGrant(ctx, tx, g.Type, g.Key); err != nil {
			return err
		}
		if err = s.insertGrant(ctx, tx, g); err != nil {
			return err
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("committing arrangement: %w", err)
	}
	return nil
}

// DeleteArrangement removes an arrangement and its refresh token in one transaction
func (s *Store) DeleteArrangement(ctx context.Context, arrangementID, clientID string) (err error) {
	ctx, span := s.startStorageSpan(ctx, "delete_arrangement")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "delete_arrangement", err, startTime) }()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	arrangement, err := s.selectGrant(ctx, tx, storage.GrantTypeCdrArrangement, arrangementID, true)
	if err != nil {
		return err
	}
	if err = s.checkGrant(arrangement, clientID); err != nil {
		return err
	}

	if refreshKey := storage.ArrangementRefreshKey(arrangement); refreshKey != "" {
		if err = s.deleteGrant(ctx, tx, storage.GrantTypeRefreshToken, refreshKey); err != nil {
			return err
		}
	}
	if err = s.deleteGrant(ctx, tx, storage.GrantTypeCdrArrangement, arrangementID); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("committing arrangement deletion: %w", err)
	}
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

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	now := toUnix(s.now())
	if _, err = tx.ExecContext(ctx, s.rebind(`DELETE FROM token_blacklist WHERE token_id = ? AND expires_at <= ?`), tokenID, now); err != nil {
		return fmt.Errorf("clearing expired blacklist entry: %w", err)
	}
	if _, err = tx.ExecContext(ctx, s.rebind(`INSERT INTO token_blacklist (token_id, expires_at) VALUES (?, ?)`), tokenID, toUnix(expiresAt)); err != nil {
		if isUniqueViolation(err) {
			err = storage.ErrDuplicateKey
			return err
		}
		return fmt.Errorf("inserting blacklist entry: %w", err)
	}
	if err = tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			err = storage.ErrDuplicateKey
			return err
		}
		return fmt.Errorf("committing blacklist entry: %w", err)
	}
	return nil
}

// IsBlacklisted reports whether tokenID has an unexpired entry
func (s *Store) IsBlacklisted(ctx context.Context, tokenID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM token_blacklist WHERE token_id = ? AND expires_at > ?`),
		tokenID, toUnix(s.now())).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("querying blacklist: %w", err)
	}
	return n > 0, nil
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
		return fmt.Errorf("encoding client: %w", err)
	}

	_, err = s.db.ExecContext(ctx, s.rebind(`INSERT INTO clients (client_id, software_id, issued_at, data) VALUES (?, ?, ?, ?)`),
		client.ClientID, client.SoftwareID, toUnix(client.ClientIDIssuedAt), data)
	if err != nil {
		if isUniqueViolation(err) {
			err = storage.ErrDuplicateKey
			return err
		}
		return fmt.Errorf("inserting client: %w", err)
	}
	return nil
}

// GetClient retrieves a client by id
func (s *Store) GetClient(ctx context.Context, clientID string) (c *storage.Client, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_client")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "get_client", err, startTime) }()

	return s.selectClient(ctx, `SELECT data FROM clients WHERE client_id = ?`, clientID)
}

// GetClientBySoftwareID retrieves the client registered for softwareID
func (s *Store) GetClientBySoftwareID(ctx context.Context, softwareID string) (*storage.Client, error) {
	if softwareID == "" {
		return nil, storage.ErrNotFound
	}
	return s.selectClient(ctx, `SELECT data FROM clients WHERE software_id = ? ORDER BY issued_at LIMIT 1`, softwareID)
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

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	var issuedAt int64
	err = tx.QueryRowContext(ctx, s.rebind(`SELECT issued_at FROM clients WHERE client_id = ?`), client.ClientID).Scan(&issuedAt)
	if errors.Is(err, sql.ErrNoRows) {
		err = storage.ErrNotFound
		return err
	}
	if err != nil {
		return fmt.Errorf("querying client: %w", err)
	}

	updated := client.Clone()
	updated.ClientIDIssuedAt = fromUnix(issuedAt)
	data, err := json.Marshal(updated)
	if err != nil {
		return fmt.Errorf("encoding client: %w", err)
	}

	if _, err = tx.ExecContext(ctx, s.rebind(`UPDATE clients SET software_id = ?, data = ? WHERE client_id = ?`),
		updated.SoftwareID, data, updated.ClientID); err != nil {
		return fmt.Errorf("updating client: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("committing client: %w", err)
	}
	return nil
}

// DeleteClient removes a client
func (s *Store) DeleteClient(ctx context.Context, clientID string) (err error) {
	ctx, span := s.startStorageSpan(ctx, "delete_client")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "delete_client", err, startTime) }()

	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM clients WHERE client_id = ?`), clientID)
	if err != nil {
		return fmt.Errorf("deleting client: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		err = storage.ErrNotFound
		return err
	}
	return nil
}

func (s *Store) selectClient(ctx context.Context, query string, arg string) (*storage.Client, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, s.rebind(query), arg).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying client: %w", err)
	}
	var client storage.Client
	if err := json.Unmarshal(data, &client); err != nil {
		return nil, fmt.Errorf("decoding client: %w", err)
	}
	return &client, nil
}

// ============================================================
// Cleanup
// ============================================================

// Purge deletes expired grants and blacklist entries, returning the number of
// rows removed. Reads never depend on it.
func (s *Store) Purge(ctx context.Context) (int64, error) {
	now := toUnix(s.now())
	var total int64

	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM grants WHERE expires_at > 0 AND expires_at <= ?`), now)
	if err != nil {
		return 0, fmt.Errorf("purging grants: %w", err)
	}
	n, _ := res.RowsAffected()
	total += n

	res, err = s.db.ExecContext(ctx, s.rebind(`DELETE FROM token_blacklist WHERE expires_at <= ?`), now)
	if err != nil {
		return total, fmt.Errorf("purging blacklist: %w", err)
	}
	n, _ = res.RowsAffected()
	return total + n, nil
}

func (s *Store) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			n, err := s.Purge(context.Background())
			if err != nil {
				s.logger.Warn("Failed to purge expired rows", "error", err)
			} else if n > 0 {
				s.logger.Debug("Purged expired rows", "count", n)
			}
		}
	}
}

// ============================================================
// Row helpers
// ============================================================

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) selectGrant(ctx context.Context, q queryer, grantType storage.GrantType, key string, forUpdate bool) (*storage.Grant, error) {
	query := `SELECT ` + grantColumns + ` FROM grants WHERE grant_type = ? AND grant_key = ?`
	if forUpdate && s.dialect == DialectPostgres {
		query += ` FOR UPDATE`
	}

	var (
		g                          = &storage.Grant{Type: grantType, Key: key}
		data                       []byte
		createdAt, expiresAt, used int64
	)
	err := q.QueryRowContext(ctx, s.rebind(query), string(grantType), key).
		Scan(&g.ClientID, &g.SubjectID, &data, &createdAt, &expiresAt, &used)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying grant: %w", err)
	}

	g.CreatedAt = fromUnix(createdAt)
	g.ExpiresAt = fromUnix(expiresAt)
	g.UsedAt = fromUnix(used)

	plain, err := s.encryptor.Decrypt(data)
	if err != nil {
		return nil, fmt.Errorf("decrypting %s payload: %w", grantType, err)
	}
	if g.Payload, err = storage.DecodePayload(grantType, plain); err != nil {
		return nil, err
	}
	return g, nil
}

func (s *Store) checkGrant(g *storage.Grant, clientID string) error {
	if g.IsExpired(s.now()) {
		return storage.ErrGrantExpired
	}
	if clientID != "" && g.ClientID != clientID {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) insertGrant(ctx context.Context, q queryer, g *storage.Grant) error {
	data, err := s.sealPayload(g.Payload)
	if err != nil {
		return err
	}
	createdAt := g.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}

	_, err = q.ExecContext(ctx, s.rebind(`
		INSERT INTO grants (grant_type, grant_key, `+grantColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		string(g.Type), g.Key, g.ClientID, g.SubjectID, data,
		toUnix(createdAt), toUnix(g.ExpiresAt), toUnix(g.UsedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("inserting grant: %w", err)
	}
	return nil
}

func (s *Store) deleteGrant(ctx context.Context, q queryer, grantType storage.GrantType, key string) error {
	if _, err := q.ExecContext(ctx, s.rebind(`DELETE FROM grants WHERE grant_type = ? AND grant_key = ?`), string(grantType), key); err != nil {
		return fmt.Errorf("deleting grant: %w", err)
	}
	return nil
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

// rebind rewrites ? placeholders to $N for PostgreSQL
func (s *Store) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// toUnix stores times as unix nanoseconds; the zero time is 0
func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnix(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqlitelib.SQLITE_CONSTRAINT_UNIQUE || code == sqlitelib.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

// rollback rolls back tx, ignoring errors (tx may already be committed)
func rollback(tx *sql.Tx) { _ = tx.Rollback() }

// ============================================================
// Instrumentation Helpers
// ============================================================

func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, tracenoop.Span{}
	}
	ctx, span := s.tracer.Start(ctx, "storage."+operation)
	instrumentation.AddStorageAttributes(span, operation, "sql")
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
