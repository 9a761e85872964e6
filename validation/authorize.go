package validation

import (
	"context"
	"strings"

	"github.com/giantswarm/cdr-auth/protocol"
)

// RequestURIPrefix prefixes every request_uri issued by the PAR endpoint
const RequestURIPrefix = "urn:"

// AuthorizeRequest is the front channel request to the authorization endpoint.
// Everything but client_id and request_uri lives in the pushed request.
type AuthorizeRequest struct {
	ClientID   string
	RequestURI string
}

var authorizeRequestChain = Chain[AuthorizeRequest]{
	func(_ context.Context, in AuthorizeRequest) error {
		if in.ClientID == "" {
			return protocol.ErrInvalidRequest("client_id is required")
		}
		return nil
	},
	func(_ context.Context, in AuthorizeRequest) error {
		if in.RequestURI == "" {
			return protocol.ErrInvalidRequest("request_uri is required")
		}
		if !strings.HasPrefix(in.RequestURI, RequestURIPrefix) {
			return protocol.ErrInvalidRequestURI("request_uri was not issued by this server")
		}
		return nil
	},
}

// ValidateAuthorizeRequest checks the parameters of a front channel request
func ValidateAuthorizeRequest(ctx context.Context, in AuthorizeRequest) error {
	return authorizeRequestChain.Validate(ctx, in)
}

// ConsentDecision is what the consent UI posts back to complete an
// interactive authorization
type ConsentDecision struct {
	RequestURI string
	ClientID   string
	Subject    string
	AccountIDs []string
	Approved   bool
}

var consentDecisionChain = Chain[ConsentDecision]{
	func(ctx context.Context, in ConsentDecision) error {
		return ValidateAuthorizeRequest(ctx, AuthorizeRequest{ClientID: in.ClientID, RequestURI: in.RequestURI})
	},
	func(_ context.Context, in ConsentDecision) error {
		if in.Approved && in.Subject == "" {
			return protocol.ErrInvalidRequest("subject is required when approved")
		}
		return nil
	},
}

// ValidateConsentDecision checks a consent UI callback
func ValidateConsentDecision(ctx context.Context, in ConsentDecision) error {
	return consentDecisionChain.Validate(ctx, in)
}
