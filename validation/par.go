package validation

import (
	"context"
	"encoding/json"
	"slices"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4/jwt"

	"github.com/giantswarm/cdr-auth/internal/util"
	"github.com/giantswarm/cdr-auth/jwks"
	"github.com/giantswarm/cdr-auth/protocol"
	"github.com/giantswarm/cdr-auth/security"
	"github.com/giantswarm/cdr-auth/storage"
)

// Request object lifetime limits (FAPI 1.0 Advanced 5.2.2 items 13 and 17)
const (
	MaxRequestObjectLifetime  = 60 * time.Minute
	DefaultMaxSharingDuration = 365 * 24 * time.Hour
)

// requestObjectClaims are the claims of a signed authorization request object
type requestObjectClaims struct {
	jwt.Claims

	ClientID            string          `json:"client_id"`
	ResponseType        string          `json:"response_type"`
	ResponseMode        string          `json:"response_mode"`
	Scope               string          `json:"scope"`
	RedirectURI         string          `json:"redirect_uri"`
	State               string          `json:"state"`
	Nonce               string          `json:"nonce"`
	CodeChallenge       string          `json:"code_challenge"`
	CodeChallengeMethod string          `json:"code_challenge_method"`
	MaxAge              *int64          `json:"max_age"`
	RequestURI          string          `json:"request_uri"`
	ClaimsRequest       json.RawMessage `json:"claims"`
}

// requestedClaims is the OIDC claims request parameter with the CDR extensions
type requestedClaims struct {
	SharingDuration  *int64 `json:"sharing_duration"`
	CdrArrangementID string `json:"cdr_arrangement_id"`
	IDToken          struct {
		ACR *struct {
			Essential bool     `json:"essential"`
			Values    []string `json:"values"`
			Value     string   `json:"value"`
		} `json:"acr"`
	} `json:"id_token"`
}

// PARConfig configures a PARValidator
type PARConfig struct {
	Issuer             string
	MaxSharingDuration time.Duration
	ClockSkew          time.Duration
	// SupportedACRValues filters requested acr values (default: urn:cds.au:cdr:2, urn:cds.au:cdr:3)
	SupportedACRValues []string
}

// PARValidator verifies and normalizes signed request objects pushed to the PAR endpoint
type PARValidator struct {
	cfg     PARConfig
	fetcher jwks.Fetcher
	now     func() time.Time
}

// NewPARValidator creates a PARValidator
func NewPARValidator(cfg PARConfig, fetcher jwks.Fetcher) *PARValidator {
	if cfg.MaxSharingDuration <= 0 {
		cfg.MaxSharingDuration = DefaultMaxSharingDuration
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = security.DefaultClockSkewGracePeriod
	}
	if len(cfg.SupportedACRValues) == 0 {
		cfg.SupportedACRValues = []string{"urn:cds.au:cdr:2", "urn:cds.au:cdr:3"}
	}
	return &PARValidator{cfg: cfg, fetcher: fetcher, now: time.Now}
}

// SetClock overrides the time source (tests)
func (v *PARValidator) SetClock(now func() time.Time) {
	v.now = now
}

type parState struct {
	client  *storage.Client
	raw     string
	claims  requestObjectClaims
	request requestedClaims
	out     storage.AuthorizationRequest
}

// Validate verifies the request object of an authenticated client and
// returns the normalized authorization request.
func (v *PARValidator) Validate(ctx context.Context, client *storage.Client, requestObject string) (*storage.AuthorizationRequest, error) {
	st := &parState{client: client, raw: requestObject}
	chain := Chain[*parState]{
		v.verifyRequestObject,
		v.checkRequestObjectClaims,
		v.checkResponseType,
		v.checkRedirectURI,
		v.checkScope,
		v.checkPKCE,
		v.checkRequestedClaims,
	}
	if err := chain.Validate(ctx, st); err != nil {
		return nil, err
	}
	return &st.out, nil
}

func (v *PARValidator) verifyRequestObject(ctx context.Context, st *parState) error {
	if st.raw == "" {
		return protocol.ErrInvalidRequest("request is required")
	}
	tok, err := jwt.ParseSigned(st.raw, signatureAlgs)
	if err != nil || len(tok.Headers) != 1 {
		return protocol.ErrInvalidRequestObject("request object could not be parsed")
	}
	header := tok.Headers[0]
	if want := st.client.RequestObjectSigningAlg; want != "" && header.Algorithm != want {
		return protocol.ErrInvalidRequestObject("request object must be signed with " + want)
	}
	key, err := jwks.VerificationKey(ctx, v.fetcher, st.client.JwksURI, header.KeyID, header.Algorithm)
	if err != nil {
		return protocol.ErrInvalidRequestObject("no key in the client JWKS verifies the request object")
	}
	if err := tok.Claims(key.Key, &st.claims); err != nil {
		return protocol.ErrInvalidRequestObject("request object signature is invalid")
	}
	return nil
}

func (v *PARValidator) checkRequestObjectClaims(_ context.Context, st *parState) error {
	c := &st.claims
	now := v.now()

	if c.ClientID != st.client.ClientID {
		return protocol.ErrInvalidRequestObject("client_id does not match the authenticated client")
	}
	if c.Issuer != "" && c.Issuer != st.client.ClientID {
		return protocol.ErrInvalidRequestObject("iss must be the client_id")
	}
	if !c.Audience.Contains(v.cfg.Issuer) && !c.Audience.Contains(util.NormalizeURL(v.cfg.Issuer)+"/") {
		return protocol.ErrInvalidRequestObject("aud must be the authorization server issuer")
	}
	if c.Expiry == nil {
		return protocol.ErrInvalidRequestObject("exp is required")
	}
	if c.NotBefore == nil {
		return protocol.ErrInvalidRequestObject("nbf is required")
	}
	if c.Expiry.Time().Sub(c.NotBefore.Time()) > MaxRequestObjectLifetime {
		return protocol.ErrInvalidRequestObject("request object lifetime must not exceed 60 minutes")
	}
	if err := c.ValidateWithLeeway(jwt.Expected{Time: now}, v.cfg.ClockSkew); err != nil {
		return protocol.ErrInvalidRequestObject("request object is expired or not yet valid")
	}
	if c.RequestURI != "" {
		return protocol.ErrInvalidRequestObject("request_uri must not be nested in a request object")
	}

	st.out.ClientID = c.ClientID
	st.out.State = c.State
	st.out.Nonce = c.Nonce
	if c.MaxAge != nil {
		st.out.MaxAge = *c.MaxAge
	}
	return nil
}

func (v *PARValidator) checkResponseType(_ context.Context, st *parState) error {
	rt := normalizeResponseType(st.claims.ResponseType)
	if rt == "" {
		return protocol.ErrInvalidRequestObject("response_type is required")
	}
	if !protocol.IsSupportedResponseType(rt) {
		return protocol.ErrInvalidRequestObject("unsupported response_type " + rt)
	}
	if !st.client.HasResponseType(rt) {
		return protocol.ErrInvalidRequestObject("response_type " + rt + " is not registered for the client")
	}

	mode := st.claims.ResponseMode
	if mode == "" {
		mode = protocol.DefaultResponseMode(rt)
		if mode == "" {
			return protocol.ErrInvalidRequestObject("response_mode is required for response_type " + rt)
		}
	}
	if !protocol.IsAllowedResponseMode(rt, mode) {
		return protocol.ErrInvalidRequestObject("response_mode " + mode + " is not allowed with response_type " + rt)
	}
	if rt == protocol.ResponseTypeCodeIDToken && st.claims.Nonce == "" {
		return protocol.ErrInvalidRequestObject("nonce is required for response_type " + rt)
	}

	st.out.ResponseType = rt
	st.out.ResponseMode = mode
	return nil
}

// normalizeResponseType orders the space separated values so "id_token code"
// and "code id_token" compare equal
func normalizeResponseType(rt string) string {
	parts := strings.Fields(rt)
	if len(parts) == 2 && parts[0] == "id_token" && parts[1] == "code" {
		parts[0], parts[1] = parts[1], parts[0]
	}
	return strings.Join(parts, " ")
}

func (v *PARValidator) checkRedirectURI(_ context.Context, st *parState) error {
	if st.claims.RedirectURI == "" {
		return protocol.ErrInvalidRequestObject("redirect_uri is required")
	}
	if !st.client.HasRedirectURI(st.claims.RedirectURI) {
		return protocol.ErrInvalidRequestObject("redirect_uri is not registered for the client")
	}
	st.out.RedirectURI = st.claims.RedirectURI
	return nil
}

func (v *PARValidator) checkScope(_ context.Context, st *parState) error {
	scopes := util.SplitScope(st.claims.Scope)
	if !slices.Contains(scopes, protocol.ScopeOpenID) {
		return protocol.ErrInvalidRequestObject("scope must include openid")
	}
	st.out.Scope = strings.Join(scopes, " ")
	return nil
}

func (v *PARValidator) checkPKCE(_ context.Context, st *parState) error {
	if st.claims.CodeChallenge == "" {
		return protocol.ErrInvalidRequestObject("code_challenge is required")
	}
	if st.claims.CodeChallengeMethod != protocol.PKCEMethodS256 {
		return protocol.ErrInvalidRequestObject("code_challenge_method must be S256")
	}
	if l := len(st.claims.CodeChallenge); l < 43 || l > 128 {
		return protocol.ErrInvalidRequestObject("code_challenge has an invalid length")
	}
	st.out.CodeChallenge = st.claims.CodeChallenge
	st.out.CodeChallengeMethod = st.claims.CodeChallengeMethod
	return nil
}

func (v *PARValidator) checkRequestedClaims(_ context.Context, st *parState) error {
	if len(st.claims.ClaimsRequest) > 0 {
		if err := json.Unmarshal(st.claims.ClaimsRequest, &st.request); err != nil {
			return protocol.ErrInvalidRequestObject("claims parameter is malformed")
		}
	}

	if d := st.request.SharingDuration; d != nil {
		if *d < 0 {
			return protocol.ErrInvalidRequest("sharing_duration must not be negative")
		}
		maxSeconds := int64(v.cfg.MaxSharingDuration / time.Second)
		st.out.SharingDuration = min(*d, maxSeconds)
	}
	st.out.CdrArrangementID = st.request.CdrArrangementID

	if acr := st.request.IDToken.ACR; acr != nil {
		values := acr.Values
		if acr.Value != "" {
			values = append(values, acr.Value)
		}
		for _, val := range values {
			if slices.Contains(v.cfg.SupportedACRValues, val) && !slices.Contains(st.out.ACRValues, val) {
				st.out.ACRValues = append(st.out.ACRValues, val)
			}
		}
		if acr.Essential && len(st.out.ACRValues) == 0 {
			return protocol.ErrInvalidRequestObject("none of the requested acr values are supported")
		}
	}
	return nil
}
