package protocol

import "slices"

// Response types
const (
	ResponseTypeCode        = "code"
	ResponseTypeCodeIDToken = "code id_token"
)

// Response modes
const (
	ResponseModeQuery       = "query"
	ResponseModeFragment    = "fragment"
	ResponseModeFormPost    = "form_post"
	ResponseModeJWT         = "jwt"
	ResponseModeQueryJWT    = "query.jwt"
	ResponseModeFragmentJWT = "fragment.jwt"
	ResponseModeFormPostJWT = "form_post.jwt"
)

// Grant types accepted at the token endpoint
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
	GrantTypeClientCredentials = "client_credentials"
)

// Client authentication
const (
	ClientAssertionTypeJWTBearer = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"
	AuthMethodPrivateKeyJWT      = "private_key_jwt"
)

// Scopes with protocol meaning
const (
	ScopeOpenID       = "openid"
	ScopeProfile      = "profile"
	ScopeRegistration = "cdr:registration"
)

// Signing and encryption algorithms
const (
	AlgPS256 = "PS256"
	AlgES256 = "ES256"

	AlgRSAOAEP    = "RSA-OAEP"
	AlgRSAOAEP256 = "RSA-OAEP-256"

	EncA128CBCHS256 = "A128CBC-HS256"
	EncA256GCM      = "A256GCM"
)

// PKCE
const (
	PKCEMethodS256 = "S256"
)

// TokenTypeBearer is the token_type of issued access tokens
const TokenTypeBearer = "Bearer"

// SupportedSigningAlgs is the signing algorithm allow-list for every negotiated
// *_signed_response_alg and for request objects and client assertions.
var SupportedSigningAlgs = []string{AlgPS256, AlgES256}

// IsSupportedSigningAlg reports whether alg is in the signing allow-list
func IsSupportedSigningAlg(alg string) bool {
	return slices.Contains(SupportedSigningAlgs, alg)
}

// IsJWTResponseMode reports whether mode is one of the JARM modes
func IsJWTResponseMode(mode string) bool {
	switch mode {
	case ResponseModeJWT, ResponseModeQueryJWT, ResponseModeFragmentJWT, ResponseModeFormPostJWT:
		return true
	}
	return false
}

// allowedResponseModes is the response_type/response_mode compatibility table.
// The authorization code flow must use JARM; the hybrid flow must use fragment
// or form_post.
var allowedResponseModes = map[string][]string{
	ResponseTypeCode: {
		ResponseModeJWT, ResponseModeQueryJWT, ResponseModeFragmentJWT, ResponseModeFormPostJWT,
	},
	ResponseTypeCodeIDToken: {
		ResponseModeFragment, ResponseModeFormPost,
	},
}

// IsSupportedResponseType reports whether responseType is one of the supported flows
func IsSupportedResponseType(responseType string) bool {
	_, ok := allowedResponseModes[responseType]
	return ok
}

// IsAllowedResponseMode reports whether mode may be combined with responseType
func IsAllowedResponseMode(responseType, mode string) bool {
	return slices.Contains(allowedResponseModes[responseType], mode)
}

// DefaultResponseMode returns the mode used when a request omits response_mode.
// The authorization code flow has no default because a JWT mode is mandatory.
func DefaultResponseMode(responseType string) string {
	if responseType == ResponseTypeCodeIDToken {
		return ResponseModeFragment
	}
	return ""
}
