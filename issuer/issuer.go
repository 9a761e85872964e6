// Package issuer builds, signs and encrypts the JWTs the authorization
// server hands out: access tokens, ID tokens and JWT secured authorization
// responses (JARM). Signing keys come from the server's key provider; the
// encryption keys of a data recipient come from its registered jwks_uri.
package issuer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"

	"github.com/giantswarm/cdr-auth/instrumentation"
	"github.com/giantswarm/cdr-auth/jwks"
	"github.com/giantswarm/cdr-auth/protocol"
	"github.com/giantswarm/cdr-auth/storage"
)

// Defaults applied by New
const (
	DefaultAccessTokenTTL           = 5 * time.Minute
	DefaultIDTokenTTL               = 5 * time.Minute
	DefaultAuthorizationResponseTTL = 5 * time.Minute
	DefaultClockSkew                = 5 * time.Second
)

var (
	// ErrInvalidToken is returned when a presented access token fails
	// signature, issuer or expiry checks
	ErrInvalidToken = errors.New("invalid access token")

	signatureAlgs = []jose.SignatureAlgorithm{jose.PS256, jose.ES256}
	keyAlgs       = []jose.KeyAlgorithm{jose.RSA_OAEP, jose.RSA_OAEP_256}
	contentEncs   = []jose.ContentEncryption{jose.A128CBC_HS256, jose.A256GCM}
)

// KeySource supplies the server's own key material. Implemented by keys.Provider.
type KeySource interface {
	SigningKey(ctx context.Context, alg string) (jose.JSONWebKey, error)
	DecryptionKeys(ctx context.Context) ([]jose.JSONWebKey, error)
	PublicJWKS(ctx context.Context) (*jose.JSONWebKeySet, error)
}

// Config configures an Issuer
type Config struct {
	// Issuer is the iss of every token (required)
	Issuer string

	// AccessTokenAudience is the aud of access tokens (default: Issuer)
	AccessTokenAudience string

	// AccessTokenSigningAlg signs access tokens (default: PS256)
	AccessTokenSigningAlg string

	AccessTokenTTL           time.Duration
	IDTokenTTL               time.Duration
	AuthorizationResponseTTL time.Duration

	// ClockSkew is the leeway applied when checking exp and nbf
	ClockSkew time.Duration

	// EncryptionEnabled allows ID token and JARM encryption for clients that
	// negotiated an encryption algorithm at registration
	EncryptionEnabled bool

	Logger *slog.Logger
}

// Issuer mints and verifies tokens
type Issuer struct {
	cfg     Config
	keys    KeySource
	fetcher jwks.Fetcher
	logger  *slog.Logger
	now     func() time.Time
	metrics *instrumentation.Metrics
}

// New creates an Issuer
func New(cfg Config, keys KeySource, fetcher jwks.Fetcher) (*Issuer, error) {
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}
	if keys == nil {
		return nil, errors.New("key source is required")
	}
	if cfg.AccessTokenAudience == "" {
		cfg.AccessTokenAudience = cfg.Issuer
	}
	if cfg.AccessTokenSigningAlg == "" {
		cfg.AccessTokenSigningAlg = protocol.AlgPS256
	}
	if !protocol.IsSupportedSigningAlg(cfg.AccessTokenSigningAlg) {
		return nil, fmt.Errorf("unsupported access token signing algorithm %q", cfg.AccessTokenSigningAlg)
	}
	if cfg.AccessTokenTTL <= 0 {
		cfg.AccessTokenTTL = DefaultAccessTokenTTL
	}
	if cfg.IDTokenTTL <= 0 {
		cfg.IDTokenTTL = DefaultIDTokenTTL
	}
	if cfg.AuthorizationResponseTTL <= 0 {
		cfg.AuthorizationResponseTTL = DefaultAuthorizationResponseTTL
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = DefaultClockSkew
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Issuer{
		cfg:     cfg,
		keys:    keys,
		fetcher: fetcher,
		logger:  logger,
		now:     time.Now,
	}, nil
}

// SetClock overrides the time source (tests)
func (i *Issuer) SetClock(now func() time.Time) {
	i.now = now
}

// SetInstrumentation enables encryption metrics
func (i *Issuer) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst != nil {
		i.metrics = inst.Metrics()
	}
}

// AccessTokenTTL returns the configured access token lifetime
func (i *Issuer) AccessTokenTTL() time.Duration {
	return i.cfg.AccessTokenTTL
}

// Name returns the issuer identifier
func (i *Issuer) Name() string {
	return i.cfg.Issuer
}

func (i *Issuer) sign(ctx context.Context, alg, typ string, claims ...any) (string, error) {
	key, err := i.keys.SigningKey(ctx, alg)
	if err != nil {
		return "", fmt.Errorf("failed to get %s signing key: %w", alg, err)
	}
	opts := &jose.SignerOptions{}
	if typ != "" {
		opts = opts.WithType(jose.ContentType(typ))
	}
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.SignatureAlgorithm(alg), Key: key}, opts)
	if err != nil {
		return "", fmt.Errorf("failed to create signer: %w", err)
	}
	builder := jwt.Signed(signer)
	for _, c := range claims {
		builder = builder.Claims(c)
	}
	raw, err := builder.Serialize()
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return raw, nil
}

// encrypt wraps a signed JWT in a JWE for the client (nested JWT)
func (i *Issuer) encrypt(ctx context.Context, client *storage.Client, alg, enc, signed, operation string) (string, error) {
	if i.fetcher == nil {
		return "", errors.New("no JWKS fetcher configured for encryption")
	}
	if enc == "" {
		enc = protocol.EncA128CBCHS256
	}
	key, err := jwks.EncryptionKey(ctx, i.fetcher, client.JwksURI, alg)
	if err != nil {
		return "", fmt.Errorf("failed to resolve client encryption key: %w", err)
	}
	encrypter, err := jose.NewEncrypter(
		jose.ContentEncryption(enc),
		jose.Recipient{Algorithm: jose.KeyAlgorithm(alg), Key: key.Key, KeyID: key.KeyID},
		(&jose.EncrypterOptions{}).WithContentType("JWT").WithType("JWT"),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create encrypter: %w", err)
	}
	obj, err := encrypter.Encrypt([]byte(signed))
	if err != nil {
		return "", fmt.Errorf("failed to encrypt token: %w", err)
	}
	if i.metrics != nil {
		i.metrics.RecordEncryptionOperation(ctx, operation)
	}
	return obj.CompactSerialize()
}

// AccessTokenParams describes the access token to mint
type AccessTokenParams struct {
	ClientID           string
	Subject            string
	Scope              string
	SoftwareID         string
	ArrangementID      string
	ArrangementVersion int
	CodeID             string
	AccountIDs         []string
	AuthTime           time.Time
	ACR                string
	CertThumbprint     string
}

// IssueAccessToken mints a signed JWT access token
func (i *Issuer) IssueAccessToken(ctx context.Context, p AccessTokenParams) (string, *AccessTokenClaims, error) {
	now := i.now()
	claims := &AccessTokenClaims{
		Claims: jwt.Claims{
			Issuer:    i.cfg.Issuer,
			Subject:   p.Subject,
			Audience:  jwt.Audience{i.cfg.AccessTokenAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Expiry:    jwt.NewNumericDate(now.Add(i.cfg.AccessTokenTTL)),
			ID:        uuid.NewString(),
		},
		ClientID:              p.ClientID,
		Scope:                 p.Scope,
		SoftwareID:            p.SoftwareID,
		CdrArrangementID:      p.ArrangementID,
		CdrArrangementVersion: p.ArrangementVersion,
		CodeID:                p.CodeID,
		AccountIDs:            p.AccountIDs,
		ACR:                   p.ACR,
	}
	if !p.AuthTime.IsZero() {
		claims.AuthTime = p.AuthTime.Unix()
	}
	if p.CertThumbprint != "" {
		claims.Cnf = &Confirmation{X5tS256: p.CertThumbprint}
	}

	raw, err := i.sign(ctx, i.cfg.AccessTokenSigningAlg, "at+jwt", claims)
	if err != nil {
		return "", nil, err
	}
	return raw, claims, nil
}

// VerifyAccessToken checks signature, issuer and expiry of an access token
func (i *Issuer) VerifyAccessToken(ctx context.Context, raw string) (*AccessTokenClaims, error) {
	claims, err := i.DecodeAccessToken(ctx, raw)
	if err != nil {
		return nil, err
	}
	if err := claims.ValidateWithLeeway(jwt.Expected{Issuer: i.cfg.Issuer, Time: i.now()}, i.cfg.ClockSkew); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claims, nil
}

// DecodeAccessToken checks signature and issuer only. Revocation uses it so
// an expired token can still be recognised.
func (i *Issuer) DecodeAccessToken(ctx context.Context, raw string) (*AccessTokenClaims, error) {
	tok, err := jwt.ParseSigned(raw, signatureAlgs)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if len(tok.Headers) != 1 {
		return nil, fmt.Errorf("%w: unexpected signature count", ErrInvalidToken)
	}
	set, err := i.keys.PublicJWKS(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load verification keys: %w", err)
	}
	header := tok.Headers[0]
	key, err := jwks.SelectVerificationKey(set, header.KeyID, header.Algorithm)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims := &AccessTokenClaims{}
	if err := tok.Claims(key.Key, claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Issuer != i.cfg.Issuer {
		return nil, fmt.Errorf("%w: unexpected issuer", ErrInvalidToken)
	}
	if claims.ID == "" || claims.ClientID == "" {
		return nil, fmt.Errorf("%w: missing jti or client_id", ErrInvalidToken)
	}
	return claims, nil
}

// IDTokenParams describes the ID token to mint
type IDTokenParams struct {
	Client   *storage.Client
	Subject  string
	Nonce    string
	AuthTime time.Time
	ACR      string

	// Set the ones being returned alongside the ID token so the matching
	// at_hash, c_hash and s_hash are included
	AccessToken string
	Code        string
	State       string

	// Extra carries profile claims
	Extra map[string]any
}

// IssueIDToken mints an ID token signed with the client's negotiated
// algorithm and, when negotiated and enabled, encrypted to the client.
func (i *Issuer) IssueIDToken(ctx context.Context, p IDTokenParams) (string, error) {
	if p.Client == nil {
		return "", errors.New("client is required")
	}
	alg := p.Client.IDTokenSignedResponseAlg
	if alg == "" {
		alg = protocol.AlgPS256
	}

	now := i.now()
	claims := &IDTokenClaims{
		Claims: jwt.Claims{
			Issuer:   i.cfg.Issuer,
			Subject:  p.Subject,
			Audience: jwt.Audience{p.Client.ClientID},
			IssuedAt: jwt.NewNumericDate(now),
			Expiry:   jwt.NewNumericDate(now.Add(i.cfg.IDTokenTTL)),
			ID:       uuid.NewString(),
		},
		Nonce: p.Nonce,
		ACR:   p.ACR,
	}
	if !p.AuthTime.IsZero() {
		claims.AuthTime = p.AuthTime.Unix()
	}
	if p.AccessToken != "" {
		claims.AtHash = HalfHash(alg, p.AccessToken)
	}
	if p.Code != "" {
		claims.CHash = HalfHash(alg, p.Code)
	}
	if p.State != "" {
		claims.SHash = HalfHash(alg, p.State)
	}

	parts := []any{claims}
	if len(p.Extra) > 0 {
		parts = append(parts, p.Extra)
	}
	signed, err := i.sign(ctx, alg, "JWT", parts...)
	if err != nil {
		return "", err
	}

	if i.cfg.EncryptionEnabled && p.Client.IDTokenEncryptedResponseAlg != "" {
		return i.encrypt(ctx, p.Client, p.Client.IDTokenEncryptedResponseAlg,
			p.Client.IDTokenEncryptedResponseEnc, signed, "encrypt_id_token")
	}
	return signed, nil
}

// IssueAuthorizationResponse packages authorization response parameters
// (code and state, or error, error_description and state) as a JARM JWT.
func (i *Issuer) IssueAuthorizationResponse(ctx context.Context, client *storage.Client, params map[string]string) (string, error) {
	if client == nil {
		return "", errors.New("client is required")
	}
	alg := client.AuthorizationSignedResponseAlg
	if alg == "" {
		alg = protocol.AlgPS256
	}

	now := i.now()
	std := jwt.Claims{
		Issuer:   i.cfg.Issuer,
		Audience: jwt.Audience{client.ClientID},
		IssuedAt: jwt.NewNumericDate(now),
		Expiry:   jwt.NewNumericDate(now.Add(i.cfg.AuthorizationResponseTTL)),
	}
	extra := make(map[string]any, len(params))
	for k, v := range params {
		if v != "" {
			extra[k] = v
		}
	}

	signed, err := i.sign(ctx, alg, "JWT", std, extra)
	if err != nil {
		return "", err
	}

	if i.cfg.EncryptionEnabled && client.AuthorizationEncryptedResponseAlg != "" {
		return i.encrypt(ctx, client, client.AuthorizationEncryptedResponseAlg,
			client.AuthorizationEncryptedResponseEnc, signed, "encrypt_authorization_response")
	}
	return signed, nil
}

// DecryptRequestObject returns the inner JWS of an encrypted request object.
// A request object that is already a JWS is returned unchanged.
func (i *Issuer) DecryptRequestObject(ctx context.Context, raw string) (string, error) {
	if strings.Count(raw, ".") != 4 {
		return raw, nil
	}
	obj, err := jose.ParseEncrypted(raw, keyAlgs, contentEncs)
	if err != nil {
		return "", fmt.Errorf("failed to parse encrypted request object: %w", err)
	}
	candidates, err := i.keys.DecryptionKeys(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to load decryption keys: %w", err)
	}
	kid := obj.Header.KeyID
	for _, k := range candidates {
		if kid != "" && k.KeyID != kid {
			continue
		}
		plaintext, err := obj.Decrypt(k.Key)
		if err == nil {
			if i.metrics != nil {
				i.metrics.RecordEncryptionOperation(ctx, "decrypt_request_object")
			}
			return string(plaintext), nil
		}
	}
	return "", errors.New("request object could not be decrypted with any server key")
}
