// Package notify tells a data recipient that the data holder revoked one of
// its consent arrangements. Delivery is best effort: the call is bounded by
// a timeout and a failure never undoes the local revocation.
package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"

	"github.com/giantswarm/cdr-auth/instrumentation"
	"github.com/giantswarm/cdr-auth/internal/helpers"
	"github.com/giantswarm/cdr-auth/internal/util"
	"github.com/giantswarm/cdr-auth/protocol"
	"github.com/giantswarm/cdr-auth/storage"
)

// Defaults applied by New
const (
	DefaultTimeout     = 30 * time.Second
	DefaultJWTLifetime = 5 * time.Minute

	// RevocationPath is appended to the recipient_base_uri
	RevocationPath = "/arrangements/revoke"
)

// ErrNoRecipientEndpoint is returned for clients that registered no recipient_base_uri
var ErrNoRecipientEndpoint = errors.New("client has no recipient_base_uri")

// KeySource provides the holder's signing key. Implemented by keys.Provider.
type KeySource interface {
	SigningKey(ctx context.Context, alg string) (jose.JSONWebKey, error)
}

// Config configures a Notifier
type Config struct {
	// HolderBrandID is the iss and sub of the bearer JWT
	HolderBrandID string

	// SigningAlg signs the bearer and arrangement JWTs (default: PS256)
	SigningAlg string

	Timeout       time.Duration
	HTTPClient    *http.Client
	AllowInternal bool
	Logger        *slog.Logger
}

// Notifier delivers arrangement revocations to data recipients
type Notifier struct {
	cfg     Config
	keys    KeySource
	client  *http.Client
	logger  *slog.Logger
	now     func() time.Time
	metrics *instrumentation.Metrics
}

// New creates a Notifier
func New(cfg Config, keys KeySource) (*Notifier, error) {
	if cfg.HolderBrandID == "" {
		return nil, errors.New("holder brand id is required")
	}
	if keys == nil {
		return nil, errors.New("key source is required")
	}
	if cfg.SigningAlg == "" {
		cfg.SigningAlg = protocol.AlgPS256
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	// never follow a redirect to a host the recipient did not register
	bounded := *client
	bounded.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}

	return &Notifier{
		cfg:    cfg,
		keys:   keys,
		client: &bounded,
		logger: logger,
		now:    time.Now,
	}, nil
}

// SetClock overrides the time source (tests)
func (n *Notifier) SetClock(now func() time.Time) {
	n.now = now
}

// SetInstrumentation enables failure metrics
func (n *Notifier) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst != nil {
		n.metrics = inst.Metrics()
	}
}

// Endpoint returns the revocation endpoint of client
func Endpoint(client *storage.Client) (string, error) {
	if client.RecipientBaseURI == "" {
		return "", ErrNoRecipientEndpoint
	}
	return util.NormalizeURL(client.RecipientBaseURI) + RevocationPath, nil
}

// NotifyArrangementRevoked POSTs the revoked arrangement id to the
// recipient. It returns once the recipient answered, the timeout elapsed or
// ctx was cancelled.
func (n *Notifier) NotifyArrangementRevoked(ctx context.Context, client *storage.Client, arrangementID string) (err error) {
	defer func() {
		if err != nil && n.metrics != nil {
			n.metrics.RecordNotificationFailure(ctx, client.ClientID)
		}
	}()

	endpoint, err := Endpoint(client)
	if err != nil {
		return err
	}
	if _, err := helpers.ValidateOutboundURL(endpoint, n.cfg.AllowInternal); err != nil {
		return fmt.Errorf("invalid recipient endpoint: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, n.cfg.Timeout)
	defer cancel()

	bearer, err := n.sign(ctx, endpoint, nil)
	if err != nil {
		return err
	}
	arrangementJWT, err := n.sign(ctx, endpoint, map[string]any{"cdr_arrangement_id": arrangementID})
	if err != nil {
		return err
	}

	form := url.Values{"cdr_arrangement_jwt": {arrangementJWT}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("User-Agent", "cdr-auth")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to notify %s: %w", endpoint, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
		if closeErr := resp.Body.Close(); closeErr != nil {
			n.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("recipient returned HTTP %d", resp.StatusCode)
	}

	n.logger.Debug("Delivered arrangement revocation",
		"client_id", client.ClientID,
		"cdr_arrangement_id", arrangementID)
	return nil
}

// sign produces a holder JWT addressed to endpoint
func (n *Notifier) sign(ctx context.Context, endpoint string, extra map[string]any) (string, error) {
	key, err := n.keys.SigningKey(ctx, n.cfg.SigningAlg)
	if err != nil {
		return "", fmt.Errorf("failed to load signing key: %w", err)
	}
	opts := (&jose.SignerOptions{}).WithType("JWT")
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.SignatureAlgorithm(n.cfg.SigningAlg), Key: key}, opts)
	if err != nil {
		return "", fmt.Errorf("failed to create signer: %w", err)
	}

	now := n.now()
	claims := jwt.Claims{
		Issuer:   n.cfg.HolderBrandID,
		Subject:  n.cfg.HolderBrandID,
		Audience: jwt.Audience{endpoint},
		IssuedAt: jwt.NewNumericDate(now),
		Expiry:   jwt.NewNumericDate(now.Add(DefaultJWTLifetime)),
		ID:       uuid.NewString(),
	}
	builder := jwt.Signed(signer).Claims(claims)
	if len(extra) > 0 {
		builder = builder.Claims(extra)
	}
	return builder.Serialize()
}
