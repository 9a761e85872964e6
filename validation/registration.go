package validation

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4/jwt"

	"github.com/giantswarm/cdr-auth/internal/helpers"
	"github.com/giantswarm/cdr-auth/internal/util"
	"github.com/giantswarm/cdr-auth/jwks"
	"github.com/giantswarm/cdr-auth/protocol"
	"github.com/giantswarm/cdr-auth/security"
	"github.com/giantswarm/cdr-auth/storage"
)

// DuplicateSoftwareIDMessage is the invalid_client_metadata description for a
// second registration of the same software product
const DuplicateSoftwareIDMessage = "Duplicate registrations for a given software_id are not valid."

// DefaultRegisterIssuer is the iss of software statements issued by the CDR Register
const DefaultRegisterIssuer = "cdr-register"

// RegistrationRequest are the claims of a DCR request JWT
type RegistrationRequest struct {
	jwt.Claims

	RedirectURIs                      []string `json:"redirect_uris"`
	TokenEndpointAuthMethod           string   `json:"token_endpoint_auth_method"`
	TokenEndpointAuthSigningAlg       string   `json:"token_endpoint_auth_signing_alg"`
	GrantTypes                        []string `json:"grant_types"`
	ResponseTypes                     []string `json:"response_types"`
	ApplicationType                   string   `json:"application_type"`
	IDTokenSignedResponseAlg          string   `json:"id_token_signed_response_alg"`
	IDTokenEncryptedResponseAlg       string   `json:"id_token_encrypted_response_alg"`
	IDTokenEncryptedResponseEnc       string   `json:"id_token_encrypted_response_enc"`
	AuthorizationSignedResponseAlg    string   `json:"authorization_signed_response_alg"`
	AuthorizationEncryptedResponseAlg string   `json:"authorization_encrypted_response_alg"`
	AuthorizationEncryptedResponseEnc string   `json:"authorization_encrypted_response_enc"`
	RequestObjectSigningAlg           string   `json:"request_object_signing_alg"`
	SoftwareStatement                 string   `json:"software_statement"`
}

// SoftwareStatement are the claims of a Register signed software statement assertion
type SoftwareStatement struct {
	jwt.Claims

	OrgID               string   `json:"org_id"`
	OrgName             string   `json:"org_name"`
	LegalEntityID       string   `json:"legal_entity_id"`
	ClientName          string   `json:"client_name"`
	ClientDescription   string   `json:"client_description"`
	ClientURI           string   `json:"client_uri"`
	RedirectURIs        []string `json:"redirect_uris"`
	SectorIdentifierURI string   `json:"sector_identifier_uri"`
	LogoURI             string   `json:"logo_uri"`
	TosURI              string   `json:"tos_uri"`
	PolicyURI           string   `json:"policy_uri"`
	JwksURI             string   `json:"jwks_uri"`
	RevocationURI       string   `json:"revocation_uri"`
	RecipientBaseURI    string   `json:"recipient_base_uri"`
	SoftwareID          string   `json:"software_id"`
	SoftwareRoles       string   `json:"software_roles"`
	Scope               string   `json:"scope"`
}

// RegistrationConfig configures a RegistrationValidator
type RegistrationConfig struct {
	// Issuer is the audience registration requests must target
	Issuer string

	// RegisterJWKSURI is where the Register publishes its SSA signing keys
	RegisterJWKSURI string
	RegisterIssuer  string

	// AllowDuplicateSoftwareID permits more than one registration per software product
	AllowDuplicateSoftwareID bool

	// EncryptionEnabled offers ID token and JARM encryption. The lists are
	// in preference order; the first entry is the default substituted when
	// a client supplies only one of alg and enc.
	EncryptionEnabled      bool
	SupportedEncryptionAlg []string
	SupportedEncryptionEnc []string

	// SupportedScopes bounds the scope a client may be granted
	SupportedScopes []string

	// AllowInternalURIs relaxes the https and public address checks on
	// SSA URIs for development
	AllowInternalURIs bool

	ClockSkew time.Duration
}

// RegistrationValidator verifies DCR requests and their software statements
type RegistrationValidator struct {
	cfg     RegistrationConfig
	fetcher jwks.Fetcher
	clients storage.ClientStore
	now     func() time.Time
}

// NewRegistrationValidator creates a RegistrationValidator
func NewRegistrationValidator(cfg RegistrationConfig, fetcher jwks.Fetcher, clients storage.ClientStore) *RegistrationValidator {
	if cfg.RegisterIssuer == "" {
		cfg.RegisterIssuer = DefaultRegisterIssuer
	}
	if len(cfg.SupportedEncryptionAlg) == 0 {
		cfg.SupportedEncryptionAlg = []string{protocol.AlgRSAOAEP256, protocol.AlgRSAOAEP}
	}
	if len(cfg.SupportedEncryptionEnc) == 0 {
		cfg.SupportedEncryptionEnc = []string{protocol.EncA256GCM, protocol.EncA128CBCHS256}
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = security.DefaultClockSkewGracePeriod
	}
	return &RegistrationValidator{cfg: cfg, fetcher: fetcher, clients: clients, now: time.Now}
}

// SetClock overrides the time source (tests)
func (v *RegistrationValidator) SetClock(now func() time.Time) {
	v.now = now
}

// Registration is a verified, normalized registration request
type Registration struct {
	Request *RegistrationRequest
	SSA     *SoftwareStatement
}

type registrationState struct {
	raw      string
	existing *storage.Client
	req      RegistrationRequest
	ssa      SoftwareStatement
	token    *jwt.JSONWebToken
}

// ValidateCreate verifies a registration request JWT for a new client
func (v *RegistrationValidator) ValidateCreate(ctx context.Context, raw string) (*Registration, error) {
	return v.validate(ctx, raw, nil)
}

// ValidateUpdate verifies a registration request JWT replacing existing
func (v *RegistrationValidator) ValidateUpdate(ctx context.Context, raw string, existing *storage.Client) (*Registration, error) {
	if existing == nil {
		return nil, errors.New("existing client is required")
	}
	return v.validate(ctx, raw, existing)
}

func (v *RegistrationValidator) validate(ctx context.Context, raw string, existing *storage.Client) (*Registration, error) {
	st := &registrationState{raw: raw, existing: existing}
	chain := Chain[*registrationState]{
		v.parseRequest,
		v.verifySoftwareStatement,
		v.verifyRequestSignature,
		v.checkRequestClaims,
		v.checkSigningAlgs,
		v.checkTypes,
		v.checkRedirectURIs,
		v.checkSSAURIs,
		v.negotiateEncryption,
		v.checkDuplicate,
	}
	if err := chain.Validate(ctx, st); err != nil {
		return nil, err
	}
	return &Registration{Request: &st.req, SSA: &st.ssa}, nil
}

func (v *RegistrationValidator) parseRequest(_ context.Context, st *registrationState) error {
	if st.raw == "" {
		return protocol.ErrInvalidClientMetadata("registration request is empty")
	}
	tok, err := jwt.ParseSigned(st.raw, signatureAlgs)
	if err != nil || len(tok.Headers) != 1 {
		return protocol.ErrInvalidClientMetadata("registration request must be a signed JWT")
	}
	if err := tok.UnsafeClaimsWithoutVerification(&st.req); err != nil {
		return protocol.ErrInvalidClientMetadata("registration request claims could not be read")
	}
	if st.req.SoftwareStatement == "" {
		return protocol.ErrInvalidClientMetadata("software_statement is required")
	}
	st.token = tok
	return nil
}

func (v *RegistrationValidator) verifySoftwareStatement(ctx context.Context, st *registrationState) error {
	tok, err := jwt.ParseSigned(st.req.SoftwareStatement, signatureAlgs)
	if err != nil || len(tok.Headers) != 1 {
		return protocol.ErrInvalidSoftwareStatement("software_statement could not be parsed")
	}
	header := tok.Headers[0]
	key, err := jwks.VerificationKey(ctx, v.fetcher, v.cfg.RegisterJWKSURI, header.KeyID, header.Algorithm)
	if err != nil {
		return protocol.ErrInvalidSoftwareStatement("software_statement signing key not found")
	}
	if err := tok.Claims(key.Key, &st.ssa); err != nil {
		return protocol.ErrInvalidSoftwareStatement("software_statement signature is invalid")
	}
	if st.ssa.Issuer != v.cfg.RegisterIssuer {
		return protocol.ErrInvalidSoftwareStatement("software_statement iss must be " + v.cfg.RegisterIssuer)
	}
	if err := st.ssa.ValidateWithLeeway(jwt.Expected{Time: v.now()}, v.cfg.ClockSkew); err != nil {
		return protocol.ErrInvalidSoftwareStatement("software_statement is expired or not yet valid")
	}
	if st.ssa.SoftwareID == "" {
		return protocol.ErrInvalidSoftwareStatement("software_statement software_id is required")
	}
	if st.ssa.JwksURI == "" {
		return protocol.ErrInvalidSoftwareStatement("software_statement jwks_uri is required")
	}
	if len(st.ssa.RedirectURIs) == 0 {
		return protocol.ErrInvalidSoftwareStatement("software_statement redirect_uris is required")
	}
	return nil
}

// verifyRequestSignature checks the outer request JWT against the data
// recipient's jwks_uri taken from the verified software statement
func (v *RegistrationValidator) verifyRequestSignature(ctx context.Context, st *registrationState) error {
	header := st.token.Headers[0]
	key, err := jwks.VerificationKey(ctx, v.fetcher, st.ssa.JwksURI, header.KeyID, header.Algorithm)
	if err != nil {
		return protocol.ErrInvalidClientMetadata("registration request signing key not found in the software product JWKS")
	}
	var verified RegistrationRequest
	if err := st.token.Claims(key.Key, &verified); err != nil {
		return protocol.ErrInvalidClientMetadata("registration request signature is invalid")
	}
	st.req = verified
	return nil
}

func (v *RegistrationValidator) checkRequestClaims(_ context.Context, st *registrationState) error {
	if st.req.Issuer != st.ssa.SoftwareID {
		return protocol.ErrInvalidClientMetadata("iss must be the software_id of the software statement")
	}
	if !st.req.Audience.Contains(v.cfg.Issuer) && !st.req.Audience.Contains(util.NormalizeURL(v.cfg.Issuer)+"/") {
		return protocol.ErrInvalidClientMetadata("aud must be the authorization server issuer")
	}
	if st.req.Expiry == nil || st.req.ID == "" {
		return protocol.ErrInvalidClientMetadata("exp and jti are required")
	}
	if err := st.req.ValidateWithLeeway(jwt.Expected{Time: v.now()}, v.cfg.ClockSkew); err != nil {
		return protocol.ErrInvalidClientMetadata("registration request is expired or not yet valid")
	}
	if st.req.TokenEndpointAuthMethod != protocol.AuthMethodPrivateKeyJWT {
		return protocol.ErrInvalidClientMetadata("token_endpoint_auth_method must be private_key_jwt")
	}
	if st.req.ApplicationType == "" {
		st.req.ApplicationType = "web"
	}
	if st.req.ApplicationType != "web" {
		return protocol.ErrInvalidClientMetadata("application_type must be web")
	}
	return nil
}

func checkSigningAlg(claim, value string) error {
	if value == "" {
		return protocol.ErrInvalidClientMetadata(claim + " is required")
	}
	if !protocol.IsSupportedSigningAlg(value) {
		return protocol.ErrInvalidClientMetadata(fmt.Sprintf("%s must be one of %s",
			claim, strings.Join(protocol.SupportedSigningAlgs, ", ")))
	}
	return nil
}

func (v *RegistrationValidator) checkSigningAlgs(_ context.Context, st *registrationState) error {
	for _, c := range []struct{ claim, value string }{
		{"token_endpoint_auth_signing_alg", st.req.TokenEndpointAuthSigningAlg},
		{"id_token_signed_response_alg", st.req.IDTokenSignedResponseAlg},
		{"request_object_signing_alg", st.req.RequestObjectSigningAlg},
	} {
		if err := checkSigningAlg(c.claim, c.value); err != nil {
			return err
		}
	}
	// JARM signing is only negotiated when the code flow is registered
	if slices.Contains(st.req.ResponseTypes, protocol.ResponseTypeCode) || st.req.AuthorizationSignedResponseAlg != "" {
		return checkSigningAlg("authorization_signed_response_alg", st.req.AuthorizationSignedResponseAlg)
	}
	return nil
}

var supportedGrantTypes = []string{
	protocol.GrantTypeAuthorizationCode,
	protocol.GrantTypeRefreshToken,
	protocol.GrantTypeClientCredentials,
}

func (v *RegistrationValidator) checkTypes(_ context.Context, st *registrationState) error {
	if len(st.req.GrantTypes) == 0 {
		return protocol.ErrInvalidClientMetadata("grant_types is required")
	}
	for _, gt := range st.req.GrantTypes {
		if !slices.Contains(supportedGrantTypes, gt) {
			return protocol.ErrInvalidClientMetadata("unsupported grant_type " + gt)
		}
	}
	if !slices.Contains(st.req.GrantTypes, protocol.GrantTypeClientCredentials) {
		return protocol.ErrInvalidClientMetadata("grant_types must include client_credentials")
	}

	for i, rt := range st.req.ResponseTypes {
		rt = normalizeResponseType(rt)
		if !protocol.IsSupportedResponseType(rt) {
			return protocol.ErrInvalidClientMetadata("unsupported response_type " + rt)
		}
		st.req.ResponseTypes[i] = rt
		if strings.Contains(rt, protocol.ResponseTypeCode) &&
			!slices.Contains(st.req.GrantTypes, protocol.GrantTypeAuthorizationCode) {
			return protocol.ErrInvalidClientMetadata("grant_types must include authorization_code when response_types includes " + rt)
		}
	}
	if slices.Contains(st.req.GrantTypes, protocol.GrantTypeAuthorizationCode) && len(st.req.ResponseTypes) == 0 {
		return protocol.ErrInvalidClientMetadata("response_types is required for the authorization_code grant")
	}
	return nil
}

func (v *RegistrationValidator) checkRedirectURIs(_ context.Context, st *registrationState) error {
	if len(st.req.RedirectURIs) == 0 {
		st.req.RedirectURIs = slices.Clone(st.ssa.RedirectURIs)
	}

	// Updates may only narrow to the URIs the original software statement declared
	allowed := st.ssa.RedirectURIs
	if st.existing != nil && len(st.existing.SoftwareStatementRedirectURIs) > 0 {
		allowed = st.existing.SoftwareStatementRedirectURIs
	}
	for _, uri := range st.req.RedirectURIs {
		if !slices.Contains(allowed, uri) {
			return protocol.ErrInvalidRedirectURI("redirect_uri " + uri + " is not declared in the software statement")
		}
		if !slices.Contains(st.ssa.RedirectURIs, uri) {
			return protocol.ErrInvalidRedirectURI("redirect_uri " + uri + " is not declared in the software statement")
		}
	}
	return nil
}

func (v *RegistrationValidator) checkSSAURIs(_ context.Context, st *registrationState) error {
	for name, uri := range map[string]string{
		"jwks_uri":              st.ssa.JwksURI,
		"recipient_base_uri":    st.ssa.RecipientBaseURI,
		"sector_identifier_uri": st.ssa.SectorIdentifierURI,
		"revocation_uri":        st.ssa.RevocationURI,
	} {
		if uri == "" {
			continue
		}
		if _, err := helpers.ValidateOutboundURL(uri, v.cfg.AllowInternalURIs); err != nil {
			return protocol.ErrInvalidSoftwareStatement(fmt.Sprintf("%s is invalid: %v", name, err))
		}
	}
	return nil
}

// negotiateEncryption fills in a missing alg or enc with the deployment
// default instead of rejecting the request. When the deployment offers no
// encryption the fields are dropped.
func (v *RegistrationValidator) negotiateEncryption(_ context.Context, st *registrationState) error {
	if !v.cfg.EncryptionEnabled {
		st.req.IDTokenEncryptedResponseAlg, st.req.IDTokenEncryptedResponseEnc = "", ""
		st.req.AuthorizationEncryptedResponseAlg, st.req.AuthorizationEncryptedResponseEnc = "", ""
		return nil
	}

	var err error
	st.req.IDTokenEncryptedResponseAlg, st.req.IDTokenEncryptedResponseEnc, err = v.negotiatePair(
		"id_token", st.req.IDTokenEncryptedResponseAlg, st.req.IDTokenEncryptedResponseEnc)
	if err != nil {
		return err
	}
	st.req.AuthorizationEncryptedResponseAlg, st.req.AuthorizationEncryptedResponseEnc, err = v.negotiatePair(
		"authorization", st.req.AuthorizationEncryptedResponseAlg, st.req.AuthorizationEncryptedResponseEnc)
	return err
}

func (v *RegistrationValidator) negotiatePair(prefix, alg, enc string) (string, string, error) {
	if alg == "" && enc == "" {
		return "", "", nil
	}
	if alg == "" {
		alg = v.cfg.SupportedEncryptionAlg[0]
	}
	if enc == "" {
		enc = v.cfg.SupportedEncryptionEnc[0]
	}
	if !slices.Contains(v.cfg.SupportedEncryptionAlg, alg) {
		return "", "", protocol.ErrInvalidClientMetadata(fmt.Sprintf("%s_encrypted_response_alg must be one of %s",
			prefix, strings.Join(v.cfg.SupportedEncryptionAlg, ", ")))
	}
	if !slices.Contains(v.cfg.SupportedEncryptionEnc, enc) {
		return "", "", protocol.ErrInvalidClientMetadata(fmt.Sprintf("%s_encrypted_response_enc must be one of %s",
			prefix, strings.Join(v.cfg.SupportedEncryptionEnc, ", ")))
	}
	return alg, enc, nil
}

func (v *RegistrationValidator) checkDuplicate(ctx context.Context, st *registrationState) error {
	if st.existing != nil {
		if st.existing.SoftwareID != st.ssa.SoftwareID {
			return protocol.ErrInvalidClientMetadata("software_id cannot change on update")
		}
		return nil
	}
	if v.cfg.AllowDuplicateSoftwareID {
		return nil
	}
	_, err := v.clients.GetClientBySoftwareID(ctx, st.ssa.SoftwareID)
	if err == nil {
		return protocol.ErrInvalidClientMetadata(DuplicateSoftwareIDMessage)
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("failed to check software_id: %w", err)
	}
	return nil
}

// ApplyTo writes the negotiated metadata onto client. On create client is
// new; on update the immutable fields of the existing client are kept.
func (r *Registration) ApplyTo(client *storage.Client, supportedScopes []string) {
	req, ssa := r.Request, r.SSA

	client.ClientName = ssa.ClientName
	client.ClientDescription = ssa.ClientDescription
	client.ClientURI = ssa.ClientURI
	client.LogoURI = ssa.LogoURI
	client.TosURI = ssa.TosURI
	client.PolicyURI = ssa.PolicyURI
	client.OrgID = ssa.OrgID
	client.OrgName = ssa.OrgName
	client.SoftwareID = ssa.SoftwareID
	client.SoftwareRoles = ssa.SoftwareRoles
	client.SectorIdentifierURI = ssa.SectorIdentifierURI
	client.JwksURI = ssa.JwksURI
	client.RevocationURI = ssa.RevocationURI
	client.RecipientBaseURI = ssa.RecipientBaseURI
	client.SoftwareStatement = req.SoftwareStatement
	if len(client.SoftwareStatementRedirectURIs) == 0 {
		client.SoftwareStatementRedirectURIs = slices.Clone(ssa.RedirectURIs)
	}

	client.RedirectURIs = slices.Clone(req.RedirectURIs)
	client.GrantTypes = slices.Clone(req.GrantTypes)
	client.ResponseTypes = slices.Clone(req.ResponseTypes)
	client.ApplicationType = req.ApplicationType
	client.TokenEndpointAuthMethod = req.TokenEndpointAuthMethod
	client.TokenEndpointAuthSigningAlg = req.TokenEndpointAuthSigningAlg
	client.RequestObjectSigningAlg = req.RequestObjectSigningAlg
	client.IDTokenSignedResponseAlg = req.IDTokenSignedResponseAlg
	client.IDTokenEncryptedResponseAlg = req.IDTokenEncryptedResponseAlg
	client.IDTokenEncryptedResponseEnc = req.IDTokenEncryptedResponseEnc
	client.AuthorizationSignedResponseAlg = req.AuthorizationSignedResponseAlg
	client.AuthorizationEncryptedResponseAlg = req.AuthorizationEncryptedResponseAlg
	client.AuthorizationEncryptedResponseEnc = req.AuthorizationEncryptedResponseEnc

	scope := ssa.Scope
	if len(supportedScopes) > 0 {
		scope = util.IntersectScope(ssa.Scope, strings.Join(supportedScopes, " "))
	}
	client.Scope = scope
}
