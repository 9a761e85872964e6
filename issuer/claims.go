package issuer

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"hash"

	"github.com/go-jose/go-jose/v4/jwt"

	"github.com/giantswarm/cdr-auth/internal/util"
)

// Confirmation binds a token to the client's TLS certificate (RFC 8705)
type Confirmation struct {
	X5tS256 string `json:"x5t#S256"`
}

// AccessTokenClaims are the claims of an issued JWT access token
type AccessTokenClaims struct {
	jwt.Claims

	ClientID              string        `json:"client_id"`
	Scope                 string        `json:"scope,omitempty"`
	SoftwareID            string        `json:"software_id,omitempty"`
	CdrArrangementID      string        `json:"cdr_arrangement_id,omitempty"`
	CdrArrangementVersion int           `json:"cdr_arrangement_version,omitempty"`
	CodeID                string        `json:"code_id,omitempty"`
	AccountIDs            []string      `json:"account_id,omitempty"`
	AuthTime              int64         `json:"auth_time,omitempty"`
	ACR                   string        `json:"acr,omitempty"`
	Cnf                   *Confirmation `json:"cnf,omitempty"`
}

// Thumbprint returns the bound certificate thumbprint, or "" when unbound
func (c *AccessTokenClaims) Thumbprint() string {
	if c.Cnf == nil {
		return ""
	}
	return c.Cnf.X5tS256
}

// Scopes returns the granted scope list
func (c *AccessTokenClaims) Scopes() []string {
	return util.SplitScope(c.Scope)
}

// IDTokenClaims are the claims of an issued ID token
type IDTokenClaims struct {
	jwt.Claims

	Nonce    string `json:"nonce,omitempty"`
	AuthTime int64  `json:"auth_time,omitempty"`
	ACR      string `json:"acr,omitempty"`
	AtHash   string `json:"at_hash,omitempty"`
	CHash    string `json:"c_hash,omitempty"`
	SHash    string `json:"s_hash,omitempty"`
}

// HalfHash computes the OIDC left-half hash (at_hash, c_hash, s_hash) of
// value for the given JWS algorithm.
func HalfHash(alg, value string) string {
	var h hash.Hash
	switch alg {
	case "PS384", "ES384", "RS384":
		h = sha512.New384()
	case "PS512", "ES512", "RS512":
		h = sha512.New()
	default:
		h = sha256.New()
	}
	h.Write([]byte(value))
	sum := h.Sum(nil)
	return base64.RawURLEncoding.EncodeToString(sum[:len(sum)/2])
}

// CodeID derives the identifier recorded in access tokens minted from an
// authorization code, so a later reuse of the code can revoke them without
// the code itself ever appearing in a token.
func CodeID(code string) string {
	sum := sha256.Sum256([]byte(code))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
