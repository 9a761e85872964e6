package oauth

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/giantswarm/cdr-auth/protocol"
)

// Cache-Control max-age values for discovery endpoints
const (
	// DefaultJWKSCacheMaxAge is short enough for a key rotation to propagate
	// within one access token lifetime
	DefaultJWKSCacheMaxAge = 300

	// DefaultDiscoveryCacheMaxAge is the max-age of the OpenID configuration
	DefaultDiscoveryCacheMaxAge = 3600
)

// claimsSupported are the claims ID tokens and userinfo may carry
var claimsSupported = []string{
	"sub", "acr", "auth_time", "name", "given_name", "family_name", "updated_at",
}

// ServeOpenIDConfiguration serves the OpenID Connect Discovery document
func (h *Handler) ServeOpenIDConfiguration(w http.ResponseWriter, _ *http.Request) {
	h.writeCacheableJSON(w, h.buildOpenIDConfiguration(), DefaultDiscoveryCacheMaxAge)
}

// ServeJWKS publishes the public signing keys. Encryption keys are not listed.
func (h *Handler) ServeJWKS(w http.ResponseWriter, r *http.Request) {
	set, err := h.server.Keys.PublicJWKS(r.Context())
	if err != nil {
		h.logger.Error("Failed to load public key set", "error", err)
		h.writeError(w, ErrorCodeServerError, "internal server error", http.StatusInternalServerError)
		return
	}
	h.writeCacheableJSON(w, set, DefaultJWKSCacheMaxAge)
}

func (h *Handler) buildOpenIDConfiguration() *OpenIDConfiguration {
	cfg := h.server.Config
	doc := &OpenIDConfiguration{
		Issuer:                             cfg.Issuer,
		AuthorizationEndpoint:              h.endpointURL(PathAuthorize),
		TokenEndpoint:                      h.endpointURL(PathToken),
		UserInfoEndpoint:                   h.endpointURL(PathUserInfo),
		JWKSURI:                            h.endpointURL(PathJWKS),
		RegistrationEndpoint:               h.endpointURL(PathRegister),
		IntrospectionEndpoint:              h.endpointURL(PathIntrospect),
		RevocationEndpoint:                 h.endpointURL(PathRevocation),
		PushedAuthorizationRequestEndpoint: h.endpointURL(PathPAR),
		CDRArrangementRevocationEndpoint:   h.endpointURL(PathArrangementRevocation),

		RequirePushedAuthorizationRequests:    true,
		TLSClientCertificateBoundAccessTokens: true,

		ScopesSupported:        cfg.SupportedScopes,
		ResponseTypesSupported: []string{protocol.ResponseTypeCode, protocol.ResponseTypeCodeIDToken},
		ResponseModesSupported: []string{
			protocol.ResponseModeJWT,
			protocol.ResponseModeQueryJWT,
			protocol.ResponseModeFragmentJWT,
			protocol.ResponseModeFormPostJWT,
			protocol.ResponseModeFragment,
			protocol.ResponseModeFormPost,
		},
		GrantTypesSupported: []string{
			protocol.GrantTypeAuthorizationCode,
			protocol.GrantTypeRefreshToken,
			protocol.GrantTypeClientCredentials,
		},
		SubjectTypesSupported:             []string{"pairwise"},
		ACRValuesSupported:                cfg.SupportedACRValues,
		ClaimsSupported:                   claimsSupported,
		CodeChallengeMethodsSupported:     []string{protocol.PKCEMethodS256},
		TokenEndpointAuthMethodsSupported: []string{protocol.AuthMethodPrivateKeyJWT},

		TokenEndpointAuthSigningAlgValuesSupported: protocol.SupportedSigningAlgs,
		IDTokenSigningAlgValuesSupported:           protocol.SupportedSigningAlgs,
		RequestObjectSigningAlgValuesSupported:     protocol.SupportedSigningAlgs,
		AuthorizationSigningAlgValuesSupported:     protocol.SupportedSigningAlgs,
	}
	if cfg.EncryptionEnabled {
		doc.IDTokenEncryptionAlgValuesSupported = cfg.SupportedEncryptionAlgs
		doc.IDTokenEncryptionEncValuesSupported = cfg.SupportedEncryptionEncs
		doc.AuthorizationEncryptionAlgValuesSupported = cfg.SupportedEncryptionAlgs
		doc.AuthorizationEncryptionEncValuesSupported = cfg.SupportedEncryptionEncs
	}
	return doc
}

func (h *Handler) writeCacheableJSON(w http.ResponseWriter, v any, maxAge int) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Error("Failed to encode discovery response", "error", err)
		h.writeError(w, ErrorCodeServerError, "internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", contentTypeJSON)
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", maxAge))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	_, _ = w.Write(data)
}
