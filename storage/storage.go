package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when a record does not exist, has expired, or is
	// owned by a different client. The three cases are deliberately
	// indistinguishable at the API boundary.
	ErrNotFound = errors.New("not found")

	// ErrGrantExpired is a more specific ErrNotFound for logging and metrics.
	ErrGrantExpired = fmt.Errorf("%w: grant expired", ErrNotFound)

	// ErrDuplicateKey is returned by create operations when the key is taken
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrGrantUsed is returned by MarkGrantUsed for a grant that was already consumed
	ErrGrantUsed = errors.New("grant already used")
)

// GrantStore persists grants keyed by (GrantType, Key).
// All methods accept context.Context for tracing and cancellation.
type GrantStore interface {
	// CreateGrant stores a new grant. Fails with ErrDuplicateKey if
	// (Type, Key) already exists and is unexpired.
	CreateGrant(ctx context.Context, grant *Grant) error

	// GetGrant returns the grant if it exists, is unexpired and, when clientID
	// is non-empty, is owned by clientID. Otherwise it returns ErrNotFound.
	GetGrant(ctx context.Context, grantType GrantType, key, clientID string) (*Grant, error)

	// UpdateGrant replaces the payload, expiry and used marker of an existing grant
	UpdateGrant(ctx context.Context, grant *Grant) error

	// DeleteGrant removes a grant. Deleting a missing grant is not an error.
	DeleteGrant(ctx context.Context, grantType GrantType, key string) error

	// MarkGrantUsed atomically sets UsedAt on an unused grant and returns it.
	// If the grant was already used it is returned together with ErrGrantUsed
	// so callers can react to the replay.
	MarkGrantUsed(ctx context.Context, grantType GrantType, key, clientID string) (*Grant, error)

	// SaveArrangement creates or replaces a CDR arrangement together with its
	// new refresh token and, when supersededRefreshKey is set, deletes the
	// refresh token it replaces. All three changes happen or none do.
	SaveArrangement(ctx context.Context, arrangement, refreshToken *Grant, supersededRefreshKey string) error

	// DeleteArrangement deletes an arrangement owned by clientID and its
	// refresh token as one unit. Returns ErrNotFound when there is nothing to delete.
	DeleteArrangement(ctx context.Context, arrangementID, clientID string) error
}

// BlacklistStore records revoked token identifiers until they expire.
type BlacklistStore interface {
	// AddToBlacklist records tokenID. Fails with ErrDuplicateKey when an
	// unexpired entry already exists, which doubles as a jti replay check.
	AddToBlacklist(ctx context.Context, tokenID string, expiresAt time.Time) error

	// IsBlacklisted reports whether tokenID has an unexpired entry
	IsBlacklisted(ctx context.Context, tokenID string) (bool, error)
}

// ClientStore manages dynamically registered clients.
type ClientStore interface {
	// CreateClient stores a new client. Fails with ErrDuplicateKey if the client id exists.
	CreateClient(ctx context.Context, client *Client) error

	// GetClient retrieves a client by id
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// GetClientBySoftwareID retrieves the client registered for a software product
	GetClientBySoftwareID(ctx context.Context, softwareID string) (*Client, error)

	// UpdateClient replaces an existing client
	UpdateClient(ctx context.Context, client *Client) error

	// DeleteClient removes a client. Deleting a missing client returns ErrNotFound.
	DeleteClient(ctx context.Context, clientID string) error
}

// Store is implemented by every backend.
type Store interface {
	GrantStore
	BlacklistStore
	ClientStore
}
