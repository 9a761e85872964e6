package validation

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"slices"

	"github.com/giantswarm/cdr-auth/protocol"
	"github.com/giantswarm/cdr-auth/storage"
)

// RFC 7636 section 4.1 verifier length bounds
const (
	MinCodeVerifierLength = 43
	MaxCodeVerifierLength = 128
)

// TokenRequest is the grant part of a token endpoint request
type TokenRequest struct {
	GrantType    string
	Code         string
	RedirectURI  string
	CodeVerifier string
	RefreshToken string
	Scope        string
}

type tokenState struct {
	client *storage.Client
	req    TokenRequest
}

var tokenRequestChain = Chain[*tokenState]{
	checkGrantType,
	checkGrantParameters,
}

// ValidateTokenRequest checks the grant type and the parameters it requires
// for an authenticated client. The grant itself is verified by the engine.
func ValidateTokenRequest(ctx context.Context, client *storage.Client, req TokenRequest) error {
	return tokenRequestChain.Validate(ctx, &tokenState{client: client, req: req})
}

func checkGrantType(_ context.Context, st *tokenState) error {
	if st.req.GrantType == "" {
		return protocol.ErrInvalidRequest("grant_type is required")
	}
	if !slices.Contains(supportedGrantTypes, st.req.GrantType) {
		return protocol.ErrUnsupportedGrantType("grant_type " + st.req.GrantType + " is not supported")
	}
	if !st.client.HasGrantType(st.req.GrantType) {
		return protocol.ErrUnauthorizedClient("client is not registered for grant_type " + st.req.GrantType)
	}
	return nil
}

func checkGrantParameters(_ context.Context, st *tokenState) error {
	switch st.req.GrantType {
	case protocol.GrantTypeAuthorizationCode:
		if st.req.Code == "" {
			return protocol.ErrInvalidRequest("code is required")
		}
		if st.req.RedirectURI == "" {
			return protocol.ErrInvalidRequest("redirect_uri is required")
		}
		if st.req.CodeVerifier == "" {
			return protocol.ErrInvalidRequest("code_verifier is required")
		}
	case protocol.GrantTypeRefreshToken:
		if st.req.RefreshToken == "" {
			return protocol.ErrInvalidRequest("refresh_token is required")
		}
	}
	return nil
}

// VerifyPKCE checks an S256 code_verifier against the stored challenge
func VerifyPKCE(challenge, method, verifier string) error {
	if challenge == "" {
		return protocol.ErrInvalidGrant("authorization request carried no code_challenge")
	}
	if method != protocol.PKCEMethodS256 {
		return protocol.ErrInvalidGrant("unsupported code_challenge_method " + method)
	}
	if len(verifier) < MinCodeVerifierLength || len(verifier) > MaxCodeVerifierLength {
		return protocol.ErrInvalidGrant("code_verifier must be 43 to 128 characters")
	}
	for _, ch := range verifier {
		isValid := (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') ||
			ch == '-' || ch == '.' || ch == '_' || ch == '~'
		if !isValid {
			return protocol.ErrInvalidGrant("code_verifier contains invalid characters")
		}
	}

	hash := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(hash[:])
	if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) != 1 {
		return protocol.ErrInvalidGrant("code_verifier does not match code_challenge")
	}
	return nil
}
