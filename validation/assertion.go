package validation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"

	"github.com/giantswarm/cdr-auth/instrumentation"
	"github.com/giantswarm/cdr-auth/internal/util"
	"github.com/giantswarm/cdr-auth/jwks"
	"github.com/giantswarm/cdr-auth/protocol"
	"github.com/giantswarm/cdr-auth/security"
	"github.com/giantswarm/cdr-auth/storage"
)

// DefaultAssertionMaxLifetime bounds how far in the future a client assertion may expire
const DefaultAssertionMaxLifetime = 5 * time.Minute

// ErrAssertionReplayed is returned when a client assertion jti was already seen
var ErrAssertionReplayed = protocol.ErrInvalidClient("client assertion has already been used")

var signatureAlgs = []jose.SignatureAlgorithm{jose.PS256, jose.ES256}

// ClientAssertion is the client authentication part of a token, PAR,
// introspection, revocation or arrangement revocation request
type ClientAssertion struct {
	// ClientID is the optional client_id form parameter
	ClientID      string
	AssertionType string
	Assertion     string
	// Endpoint is the absolute URL of the invoked endpoint
	Endpoint string
}

// AssertionConfig configures an AssertionValidator
type AssertionConfig struct {
	// Issuer is accepted as audience in addition to the endpoint URL
	Issuer      string
	MaxLifetime time.Duration
	ClockSkew   time.Duration
	Logger      *slog.Logger
}

// AssertionValidator authenticates clients with private_key_jwt
type AssertionValidator struct {
	cfg       AssertionConfig
	clients   storage.ClientStore
	blacklist storage.BlacklistStore
	fetcher   jwks.Fetcher
	logger    *slog.Logger
	now       func() time.Time
	metrics   *instrumentation.Metrics
}

// NewAssertionValidator creates an AssertionValidator
func NewAssertionValidator(cfg AssertionConfig, clients storage.ClientStore, blacklist storage.BlacklistStore, fetcher jwks.Fetcher) *AssertionValidator {
	if cfg.MaxLifetime <= 0 {
		cfg.MaxLifetime = DefaultAssertionMaxLifetime
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = security.DefaultClockSkewGracePeriod
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &AssertionValidator{
		cfg:       cfg,
		clients:   clients,
		blacklist: blacklist,
		fetcher:   fetcher,
		logger:    logger,
		now:       time.Now,
	}
}

// SetClock overrides the time source (tests)
func (v *AssertionValidator) SetClock(now func() time.Time) {
	v.now = now
}

// SetInstrumentation enables replay metrics
func (v *AssertionValidator) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst != nil {
		v.metrics = inst.Metrics()
	}
}

// assertionState carries what earlier rules learned to later ones
type assertionState struct {
	in     ClientAssertion
	token  *jwt.JSONWebToken
	claims jwt.Claims
	client *storage.Client
}

func (v *AssertionValidator) chain() Chain[*assertionState] {
	return Chain[*assertionState]{
		v.checkAssertionType,
		v.parseAssertion,
		v.resolveClient,
		v.verifySignature,
		v.checkClaims,
		v.checkReplay,
	}
}

// Authenticate validates the assertion and returns the authenticated client.
// Missing or unreadable assertions fail with 400 invalid_client, signature
// and claim failures with 401 invalid_client.
func (v *AssertionValidator) Authenticate(ctx context.Context, in ClientAssertion) (*storage.Client, error) {
	st := &assertionState{in: in}
	if err := v.chain().Validate(ctx, st); err != nil {
		return nil, err
	}
	return st.client, nil
}

func (v *AssertionValidator) checkAssertionType(_ context.Context, st *assertionState) error {
	if st.in.AssertionType == "" {
		return protocol.ErrInvalidClientRequest("client_assertion_type is required")
	}
	if st.in.AssertionType != protocol.ClientAssertionTypeJWTBearer {
		return protocol.ErrInvalidClientRequest("client_assertion_type must be " + protocol.ClientAssertionTypeJWTBearer)
	}
	if st.in.Assertion == "" {
		return protocol.ErrInvalidClientRequest("client_assertion is required")
	}
	return nil
}

func (v *AssertionValidator) parseAssertion(_ context.Context, st *assertionState) error {
	tok, err := jwt.ParseSigned(st.in.Assertion, signatureAlgs)
	if err != nil || len(tok.Headers) != 1 {
		return protocol.ErrInvalidClientRequest("client_assertion could not be read")
	}
	if err := tok.UnsafeClaimsWithoutVerification(&st.claims); err != nil {
		return protocol.ErrInvalidClientRequest("client_assertion could not be read")
	}
	st.token = tok
	return nil
}

func (v *AssertionValidator) resolveClient(ctx context.Context, st *assertionState) error {
	clientID := st.claims.Issuer
	if clientID == "" || st.claims.Subject != clientID {
		return protocol.ErrInvalidClient("client_assertion iss and sub must both equal the client_id")
	}
	if st.in.ClientID != "" && st.in.ClientID != clientID {
		return protocol.ErrInvalidClient("client_id does not match client_assertion")
	}
	client, err := v.clients.GetClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return protocol.ErrInvalidClient("client not registered")
		}
		return fmt.Errorf("failed to load client: %w", err)
	}
	st.client = client
	return nil
}

func (v *AssertionValidator) verifySignature(ctx context.Context, st *assertionState) error {
	header := st.token.Headers[0]
	if want := st.client.TokenEndpointAuthSigningAlg; want != "" && header.Algorithm != want {
		return protocol.ErrInvalidClient("client_assertion must be signed with " + want)
	}
	key, err := jwks.VerificationKey(ctx, v.fetcher, st.client.JwksURI, header.KeyID, header.Algorithm)
	if err != nil {
		v.logger.Debug("No verification key for client assertion", "client_id", st.client.ClientID, "error", err)
		return protocol.ErrInvalidClient("client_assertion signature could not be verified")
	}
	var verified jwt.Claims
	if err := st.token.Claims(key.Key, &verified); err != nil {
		return protocol.ErrInvalidClient("client_assertion signature could not be verified")
	}
	st.claims = verified
	return nil
}

func (v *AssertionValidator) checkClaims(_ context.Context, st *assertionState) error {
	now := v.now()
	if st.claims.Expiry == nil {
		return protocol.ErrInvalidClient("client_assertion exp is required")
	}
	if st.claims.ID == "" {
		return protocol.ErrInvalidClient("client_assertion jti is required")
	}

	audiences := []string{util.NormalizeURL(st.in.Endpoint)}
	if v.cfg.Issuer != "" {
		audiences = append(audiences, util.NormalizeURL(v.cfg.Issuer))
	}
	if !slices.ContainsFunc(st.claims.Audience, func(aud string) bool {
		return slices.Contains(audiences, util.NormalizeURL(aud))
	}) {
		return protocol.ErrInvalidClient("client_assertion aud must be the endpoint URL")
	}

	if err := st.claims.ValidateWithLeeway(jwt.Expected{Time: now}, v.cfg.ClockSkew); err != nil {
		return protocol.ErrInvalidClient("client_assertion is expired or not yet valid")
	}
	if st.claims.Expiry.Time().After(now.Add(v.cfg.MaxLifetime + v.cfg.ClockSkew)) {
		return protocol.ErrInvalidClient("client_assertion exp is too far in the future")
	}
	return nil
}

// checkReplay records the jti until the assertion expires. A second use of
// the same jti by the same client is rejected.
func (v *AssertionValidator) checkReplay(ctx context.Context, st *assertionState) error {
	key := AssertionReplayKey(st.client.ClientID, st.claims.ID)
	err := v.blacklist.AddToBlacklist(ctx, key, st.claims.Expiry.Time().Add(v.cfg.ClockSkew))
	if errors.Is(err, storage.ErrDuplicateKey) {
		if v.metrics != nil {
			v.metrics.RecordAssertionReplay(ctx)
		}
		return ErrAssertionReplayed
	}
	if err != nil {
		return fmt.Errorf("failed to record client assertion: %w", err)
	}
	return nil
}

// AssertionReplayKey is the blacklist key recording a used assertion jti
func AssertionReplayKey(clientID, jti string) string {
	return "assertion:" + clientID + ":" + jti
}
