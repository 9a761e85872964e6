package oauth

// Endpoint paths served by the public Handler
const (
	PathDiscovery             = "/.well-known/openid-configuration"
	PathJWKS                  = "/.well-known/openid-configuration/jwks"
	PathPAR                   = "/connect/par"
	PathAuthorize             = "/connect/authorize"
	PathAuthorizeCallback     = "/connect/authorize/callback"
	PathToken                 = "/connect/token"
	PathUserInfo              = "/connect/userinfo"
	PathIntrospect            = "/connect/introspect"
	PathRevocation            = "/connect/revocation"
	PathArrangementRevocation = "/connect/arrangements/revoke"
	PathRegister              = "/connect/register"
)

// Endpoint paths served by the internal Handler
const (
	PathIntrospectInternal      = "/connect/introspect-internal"
	PathHolderArrangementRevoke = "/internal/arrangements/{arrangementID}/revoke"
	PathMetrics                 = "/metrics"
)

// OpenIDConfiguration is the OpenID Connect Discovery document, extended
// with the RFC 8414, RFC 8705, RFC 9126 and CDR metadata
type OpenIDConfiguration struct {
	// Issuer is the authorization server's issuer identifier URL
	Issuer string `json:"issuer"`

	AuthorizationEndpoint              string `json:"authorization_endpoint"`
	TokenEndpoint                      string `json:"token_endpoint"`
	UserInfoEndpoint                   string `json:"userinfo_endpoint"`
	JWKSURI                            string `json:"jwks_uri"`
	RegistrationEndpoint               string `json:"registration_endpoint"`
	IntrospectionEndpoint              string `json:"introspection_endpoint"`
	RevocationEndpoint                 string `json:"revocation_endpoint"`
	PushedAuthorizationRequestEndpoint string `json:"pushed_authorization_request_endpoint"`
	CDRArrangementRevocationEndpoint   string `json:"cdr_arrangement_revocation_endpoint"`

	// RequirePushedAuthorizationRequests is always true: /connect/authorize
	// only accepts a request_uri
	RequirePushedAuthorizationRequests bool `json:"require_pushed_authorization_requests"`

	// TLSClientCertificateBoundAccessTokens is always true (RFC 8705)
	TLSClientCertificateBoundAccessTokens bool `json:"tls_client_certificate_bound_access_tokens"`

	ScopesSupported                   []string `json:"scopes_supported"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	ResponseModesSupported            []string `json:"response_modes_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	SubjectTypesSupported             []string `json:"subject_types_supported"`
	ACRValuesSupported                []string `json:"acr_values_supported,omitempty"`
	ClaimsSupported                   []string `json:"claims_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`

	TokenEndpointAuthSigningAlgValuesSupported []string `json:"token_endpoint_auth_signing_alg_values_supported"`
	IDTokenSigningAlgValuesSupported           []string `json:"id_token_signing_alg_values_supported"`
	RequestObjectSigningAlgValuesSupported     []string `json:"request_object_signing_alg_values_supported"`
	AuthorizationSigningAlgValuesSupported     []string `json:"authorization_signing_alg_values_supported"`
	IDTokenEncryptionAlgValuesSupported        []string `json:"id_token_encryption_alg_values_supported,omitempty"`
	IDTokenEncryptionEncValuesSupported        []string `json:"id_token_encryption_enc_values_supported,omitempty"`
	AuthorizationEncryptionAlgValuesSupported  []string `json:"authorization_encryption_alg_values_supported,omitempty"`
	AuthorizationEncryptionEncValuesSupported  []string `json:"authorization_encryption_enc_values_supported,omitempty"`
}

// ErrorResponse represents an OAuth error response
type ErrorResponse struct {
	// Error is the error code
	Error string `json:"error"`

	// ErrorDescription provides additional information
	ErrorDescription string `json:"error_description,omitempty"`
}
