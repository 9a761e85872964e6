package server

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"

	"github.com/giantswarm/cdr-auth/protocol"
	"github.com/giantswarm/cdr-auth/security"
	"github.com/giantswarm/cdr-auth/storage"
)

// Registration management operations recorded on metrics
const (
	RegistrationOpCreate = "create"
	RegistrationOpRead   = "read"
	RegistrationOpUpdate = "update"
	RegistrationOpDelete = "delete"
)

// RegistrationResponse is the RFC 7591 client information response
type RegistrationResponse struct {
	ClientID                          string   `json:"client_id"`
	ClientIDIssuedAt                  int64    `json:"client_id_issued_at"`
	ClientName                        string   `json:"client_name,omitempty"`
	ClientDescription                 string   `json:"client_description,omitempty"`
	ClientURI                         string   `json:"client_uri,omitempty"`
	OrgID                             string   `json:"org_id,omitempty"`
	OrgName                           string   `json:"org_name,omitempty"`
	RedirectURIs                      []string `json:"redirect_uris"`
	SectorIdentifierURI               string   `json:"sector_identifier_uri,omitempty"`
	LogoURI                           string   `json:"logo_uri,omitempty"`
	TosURI                            string   `json:"tos_uri,omitempty"`
	PolicyURI                         string   `json:"policy_uri,omitempty"`
	JwksURI                           string   `json:"jwks_uri"`
	RevocationURI                     string   `json:"revocation_uri,omitempty"`
	RecipientBaseURI                  string   `json:"recipient_base_uri,omitempty"`
	TokenEndpointAuthMethod           string   `json:"token_endpoint_auth_method"`
	TokenEndpointAuthSigningAlg       string   `json:"token_endpoint_auth_signing_alg"`
	GrantTypes                        []string `json:"grant_types"`
	ResponseTypes                     []string `json:"response_types"`
	ApplicationType                   string   `json:"application_type,omitempty"`
	IDTokenSignedResponseAlg          string   `json:"id_token_signed_response_alg"`
	IDTokenEncryptedResponseAlg       string   `json:"id_token_encrypted_response_alg,omitempty"`
	IDTokenEncryptedResponseEnc       string   `json:"id_token_encrypted_response_enc,omitempty"`
	AuthorizationSignedResponseAlg    string   `json:"authorization_signed_response_alg,omitempty"`
	AuthorizationEncryptedResponseAlg string   `json:"authorization_encrypted_response_alg,omitempty"`
	AuthorizationEncryptedResponseEnc string   `json:"authorization_encrypted_response_enc,omitempty"`
	RequestObjectSigningAlg           string   `json:"request_object_signing_alg"`
	SoftwareStatement                 string   `json:"software_statement"`
	SoftwareID                        string   `json:"software_id"`
	SoftwareRoles                     string   `json:"software_roles,omitempty"`
	Scope                             string   `json:"scope"`
}

// NewRegistrationResponse renders client as a registration response
func NewRegistrationResponse(client *storage.Client) *RegistrationResponse {
	return &RegistrationResponse{
		ClientID:                          client.ClientID,
		ClientIDIssuedAt:                  client.ClientIDIssuedAt.Unix(),
		ClientName:                        client.ClientName,
		ClientDescription:                 client.ClientDescription,
		ClientURI:                         client.ClientURI,
		OrgID:                             client.OrgID,
		OrgName:                           client.OrgName,
		RedirectURIs:                      slices.Clone(client.RedirectURIs),
		SectorIdentifierURI:               client.SectorIdentifierURI,
		LogoURI:                           client.LogoURI,
		TosURI:                            client.TosURI,
		PolicyURI:                         client.PolicyURI,
		JwksURI:                           client.JwksURI,
		RevocationURI:                     client.RevocationURI,
		RecipientBaseURI:                  client.RecipientBaseURI,
		TokenEndpointAuthMethod:           client.TokenEndpointAuthMethod,
		TokenEndpointAuthSigningAlg:       client.TokenEndpointAuthSigningAlg,
		GrantTypes:                        slices.Clone(client.GrantTypes),
		ResponseTypes:                     slices.Clone(client.ResponseTypes),
		ApplicationType:                   client.ApplicationType,
		IDTokenSignedResponseAlg:          client.IDTokenSignedResponseAlg,
		IDTokenEncryptedResponseAlg:       client.IDTokenEncryptedResponseAlg,
		IDTokenEncryptedResponseEnc:       client.IDTokenEncryptedResponseEnc,
		AuthorizationSignedResponseAlg:    client.AuthorizationSignedResponseAlg,
		AuthorizationEncryptedResponseAlg: client.AuthorizationEncryptedResponseAlg,
		AuthorizationEncryptedResponseEnc: client.AuthorizationEncryptedResponseEnc,
		RequestObjectSigningAlg:           client.RequestObjectSigningAlg,
		SoftwareStatement:                 client.SoftwareStatement,
		SoftwareID:                        client.SoftwareID,
		SoftwareRoles:                     client.SoftwareRoles,
		Scope:                             client.Scope,
	}
}

// RegisterClient creates a client from a signed registration request
func (s *Server) RegisterClient(ctx context.Context, request, clientIP string) (*storage.Client, error) {
	reg, err := s.registration.ValidateCreate(ctx, request)
	if err != nil {
		s.audit(ctx, security.EventClientRegistrationRejected, "", "", clientIP, map[string]any{"reason": err.Error()})
		return nil, err
	}

	now := s.now()
	client := &storage.Client{
		ClientID:         uuid.NewString(),
		ClientIDIssuedAt: now,
		UpdatedAt:        now,
	}
	reg.ApplyTo(client, s.Config.SupportedScopes)

	err = s.store.CreateClient(ctx, client)
	if errors.Is(err, storage.ErrDuplicateKey) {
		return nil, protocol.ErrInvalidClientMetadata("client could not be registered")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to save client: %w", err)
	}

	s.Logger.Info("Registered client",
		"client_id", client.ClientID,
		"software_id", client.SoftwareID,
		"org_id", client.OrgID)
	s.audit(ctx, security.EventClientRegistered, "", client.ClientID, clientIP, map[string]any{
		"software_id": client.SoftwareID,
	})
	if s.metrics != nil {
		s.metrics.RecordClientRegistration(ctx, RegistrationOpCreate)
	}
	return client, nil
}

// GetRegistration returns the registration of the client named by clientID
func (s *Server) GetRegistration(ctx context.Context, bearer, certThumbprint, clientID string) (*storage.Client, error) {
	client, err := s.authorizeRegistrationManagement(ctx, bearer, certThumbprint, clientID)
	if err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.RecordClientRegistration(ctx, RegistrationOpRead)
	}
	return client, nil
}

// UpdateRegistration replaces the negotiable metadata of a client. The
// client id and issuance time are kept.
func (s *Server) UpdateRegistration(ctx context.Context, bearer, certThumbprint, clientID, request, clientIP string) (*storage.Client, error) {
	existing, err := s.authorizeRegistrationManagement(ctx, bearer, certThumbprint, clientID)
	if err != nil {
		return nil, err
	}
	reg, err := s.registration.ValidateUpdate(ctx, request, existing)
	if err != nil {
		s.audit(ctx, security.EventClientRegistrationRejected, "", clientID, clientIP, map[string]any{"reason": err.Error()})
		return nil, err
	}

	updated := existing.Clone()
	reg.ApplyTo(updated, s.Config.SupportedScopes)
	updated.UpdatedAt = s.now()
	if err := s.store.UpdateClient(ctx, updated); err != nil {
		return nil, fmt.Errorf("failed to update client: %w", err)
	}

	s.audit(ctx, security.EventClientUpdated, "", clientID, clientIP, nil)
	if s.metrics != nil {
		s.metrics.RecordClientRegistration(ctx, RegistrationOpUpdate)
	}
	return updated, nil
}

// DeleteRegistration removes a client. Grants it holds expire on their own
// and are unusable once the client is gone.
func (s *Server) DeleteRegistration(ctx context.Context, bearer, certThumbprint, clientID, clientIP string) error {
	if _, err := s.authorizeRegistrationManagement(ctx, bearer, certThumbprint, clientID); err != nil {
		return err
	}
	err := s.store.DeleteClient(ctx, clientID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("failed to delete client: %w", err)
	}

	s.audit(ctx, security.EventClientDeleted, "", clientID, clientIP, nil)
	if s.metrics != nil {
		s.metrics.RecordClientRegistration(ctx, RegistrationOpDelete)
	}
	return nil
}

// authorizeRegistrationManagement checks the bearer access token presented on
// /connect/register/{clientId}: a live cdr:registration token issued to that
// client and bound to the presented certificate
func (s *Server) authorizeRegistrationManagement(ctx context.Context, bearer, certThumbprint, clientID string) (*storage.Client, error) {
	if bearer == "" {
		return nil, protocol.ErrInvalidToken("access token is required")
	}
	claims, err := s.issuer.VerifyAccessToken(ctx, bearer)
	if err != nil {
		return nil, protocol.ErrInvalidToken("access token is invalid")
	}
	if !slices.Contains(claims.Scopes(), protocol.ScopeRegistration) {
		return nil, protocol.ErrInvalidToken("access token lacks the cdr:registration scope")
	}
	if claims.ClientID != clientID {
		s.audit(ctx, security.EventAuthFailure, "", claims.ClientID, "", map[string]any{
			"reason":    "registration token used for another client",
			"client_id": clientID,
		})
		return nil, protocol.ErrInvalidToken("access token was not issued to this client")
	}
	revoked, err := s.store.IsBlacklisted(ctx, claims.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to check token revocation: %w", err)
	}
	if revoked {
		return nil, protocol.ErrInvalidToken("access token has been revoked")
	}
	if err := s.requireHolderOfKey(ctx, "register", clientID, claims.Thumbprint(), certThumbprint); err != nil {
		return nil, err
	}

	client, err := s.store.GetClient(ctx, clientID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, protocol.ErrInvalidToken("client is not registered")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load client: %w", err)
	}
	return client, nil
}
