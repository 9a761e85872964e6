package storage

import (
	"slices"
	"strings"
	"time"
)

// Client is a dynamically registered data recipient software product.
// Negotiated algorithms are always populated after registration; the
// encryption fields are empty when the deployment does not offer encryption.
type Client struct {
	ClientID         string
	ClientIDIssuedAt time.Time
	UpdatedAt        time.Time

	ClientName        string
	ClientDescription string
	ClientURI         string
	LogoURI           string
	TosURI            string
	PolicyURI         string

	OrgID         string
	OrgName       string
	BrandID       string
	SoftwareID    string
	SoftwareRoles string

	RedirectURIs        []string
	SectorIdentifierURI string
	JwksURI             string
	RevocationURI       string
	RecipientBaseURI    string

	GrantTypes      []string
	ResponseTypes   []string
	Scope           string
	ApplicationType string

	TokenEndpointAuthMethod     string
	TokenEndpointAuthSigningAlg string
	RequestObjectSigningAlg     string

	IDTokenSignedResponseAlg    string
	IDTokenEncryptedResponseAlg string
	IDTokenEncryptedResponseEnc string

	AuthorizationSignedResponseAlg    string
	AuthorizationEncryptedResponseAlg string
	AuthorizationEncryptedResponseEnc string

	// SoftwareStatement is the raw SSA JWT presented at the last registration or update
	SoftwareStatement string

	// SoftwareStatementRedirectURIs are the redirect URIs declared in the SSA
	// that created the registration; updates may only narrow to a subset.
	SoftwareStatementRedirectURIs []string
}

// Scopes returns the registered scope as a list
func (c *Client) Scopes() []string {
	return strings.Fields(c.Scope)
}

// HasRedirectURI reports whether uri is registered exactly
func (c *Client) HasRedirectURI(uri string) bool {
	return uri != "" && slices.Contains(c.RedirectURIs, uri)
}

// HasGrantType reports whether the client registered grantType
func (c *Client) HasGrantType(grantType string) bool {
	return slices.Contains(c.GrantTypes, grantType)
}

// HasResponseType reports whether the client registered responseType
func (c *Client) HasResponseType(responseType string) bool {
	return slices.Contains(c.ResponseTypes, responseType)
}

// Clone returns a deep copy
func (c *Client) Clone() *Client {
	cp := *c
	cp.RedirectURIs = slices.Clone(c.RedirectURIs)
	cp.GrantTypes = slices.Clone(c.GrantTypes)
	cp.ResponseTypes = slices.Clone(c.ResponseTypes)
	cp.SoftwareStatementRedirectURIs = slices.Clone(c.SoftwareStatementRedirectURIs)
	return &cp
}
