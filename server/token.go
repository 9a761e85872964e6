package server

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/giantswarm/cdr-auth/internal/util"
	"github.com/giantswarm/cdr-auth/issuer"
	"github.com/giantswarm/cdr-auth/protocol"
	"github.com/giantswarm/cdr-auth/security"
	"github.com/giantswarm/cdr-auth/storage"
	"github.com/giantswarm/cdr-auth/validation"
)

// TokenResponse is the body of a successful token endpoint response
type TokenResponse struct {
	AccessToken      string `json:"access_token"`
	IDToken          string `json:"id_token,omitempty"`
	RefreshToken     string `json:"refresh_token,omitempty"`
	TokenType        string `json:"token_type"`
	ExpiresIn        int64  `json:"expires_in"`
	Scope            string `json:"scope,omitempty"`
	CdrArrangementID string `json:"cdr_arrangement_id,omitempty"`
}

// Token authenticates the client and redeems the presented grant
func (s *Server) Token(ctx context.Context, auth ClientAuth, req validation.TokenRequest) (*TokenResponse, error) {
	client, err := s.AuthenticateClient(ctx, auth)
	if err != nil {
		return nil, err
	}
	if err := validation.ValidateTokenRequest(ctx, client, req); err != nil {
		return nil, err
	}

	switch req.GrantType {
	case protocol.GrantTypeAuthorizationCode:
		return s.exchangeAuthorizationCode(ctx, client, auth, req)
	case protocol.GrantTypeRefreshToken:
		return s.refreshAccessToken(ctx, client, auth, req)
	default:
		return s.clientCredentials(ctx, client, auth, req)
	}
}

func (s *Server) exchangeAuthorizationCode(ctx context.Context, client *storage.Client, auth ClientAuth, req validation.TokenRequest) (*TokenResponse, error) {
	grant, err := s.store.MarkGrantUsed(ctx, storage.GrantTypeAuthorizationCode, req.Code, client.ClientID)
	switch {
	case errors.Is(err, storage.ErrGrantUsed):
		s.revokeCodeFamily(ctx, client.ClientID, req.Code)
		s.audit(ctx, security.EventAuthorizationCodeReuse, grant.SubjectID, client.ClientID, auth.ClientIP, map[string]any{
			"code_prefix": util.SafeTruncate(req.Code, 8),
		})
		if s.metrics != nil {
			s.metrics.RecordCodeReuseDetected(ctx)
		}
		return nil, protocol.ErrInvalidGrant("authorization code has already been used")
	case errors.Is(err, storage.ErrGrantExpired):
		return nil, protocol.ErrInvalidGrant("authorization code has expired")
	case errors.Is(err, storage.ErrNotFound):
		return nil, protocol.ErrInvalidGrant("authorization code is invalid")
	case err != nil:
		return nil, fmt.Errorf("failed to redeem authorization code: %w", err)
	}

	data := grant.Payload.(*storage.AuthorizationCodeData)
	if data.Request.RedirectURI != req.RedirectURI {
		return nil, protocol.ErrInvalidGrant("redirect_uri does not match the authorization request")
	}
	if err := validation.VerifyPKCE(data.Request.CodeChallenge, data.Request.CodeChallengeMethod, req.CodeVerifier); err != nil {
		s.audit(ctx, security.EventPKCEValidationFailed, data.Subject, client.ClientID, auth.ClientIP, nil)
		if s.metrics != nil {
			s.metrics.RecordPKCEValidationFailed(ctx, data.Request.CodeChallengeMethod)
		}
		return nil, err
	}

	arr, err := s.saveArrangement(ctx, client, data, auth.CertThumbprint)
	if err != nil {
		return nil, err
	}

	sub, err := s.subjectFor(client, data.Subject)
	if err != nil {
		return nil, err
	}
	accessToken, _, err := s.issuer.IssueAccessToken(ctx, issuer.AccessTokenParams{
		ClientID:           client.ClientID,
		Subject:            sub,
		Scope:              data.Scope,
		SoftwareID:         client.SoftwareID,
		ArrangementID:      arr.id,
		ArrangementVersion: arr.version,
		CodeID:             issuer.CodeID(req.Code),
		AccountIDs:         data.AccountIDs,
		AuthTime:           data.AuthTime,
		ACR:                data.ACR,
		CertThumbprint:     auth.CertThumbprint,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to issue access token: %w", err)
	}

	resp := &TokenResponse{
		AccessToken:      accessToken,
		TokenType:        protocol.TokenTypeBearer,
		ExpiresIn:        int64(s.issuer.AccessTokenTTL() / time.Second),
		Scope:            data.Scope,
		CdrArrangementID: arr.id,
	}
	if arr.returned {
		resp.RefreshToken = arr.refreshToken
	}
	if hasScope(data.Scope, protocol.ScopeOpenID) {
		resp.IDToken, err = s.issuer.IssueIDToken(ctx, issuer.IDTokenParams{
			Client:      client,
			Subject:     sub,
			Nonce:       data.Request.Nonce,
			AuthTime:    data.AuthTime,
			ACR:         data.ACR,
			AccessToken: accessToken,
			Extra:       s.profileClaims(ctx, data.Subject, data.Scope),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to issue id token: %w", err)
		}
	}

	eventType := security.EventArrangementCreated
	if arr.amended {
		eventType = security.EventArrangementAmended
	}
	s.audit(ctx, eventType, data.Subject, client.ClientID, auth.ClientIP, map[string]any{
		"cdr_arrangement_id": arr.id,
		"version":            arr.version,
	})
	s.audit(ctx, security.EventTokenIssued, data.Subject, client.ClientID, auth.ClientIP, map[string]any{
		"grant_type": protocol.GrantTypeAuthorizationCode,
		"scope":      data.Scope,
	})
	if s.metrics != nil {
		s.metrics.RecordCodeExchange(ctx, client.ClientID, arr.amended)
	}
	return resp, nil
}

// savedArrangement describes the arrangement written by a code exchange
type savedArrangement struct {
	id           string
	version      int
	refreshToken string
	returned     bool
	amended      bool
}

// saveArrangement creates a new arrangement or amends the one named by the
// authorization request, always together with a fresh refresh token
func (s *Server) saveArrangement(ctx context.Context, client *storage.Client, data *storage.AuthorizationCodeData, thumbprint string) (*savedArrangement, error) {
	now := s.now()
	sharing := data.Request.SharingDuration
	ttl := s.issuer.AccessTokenTTL()
	if sharing > 0 {
		ttl = seconds(sharing)
	}

	out := &savedArrangement{
		id:           data.Request.CdrArrangementID,
		version:      1,
		refreshToken: generateRandomToken(),
		returned:     sharing > 0,
	}
	createdAt := now
	var superseded string
	if out.id != "" {
		existing, err := s.store.GetGrant(ctx, storage.GrantTypeCdrArrangement, out.id, client.ClientID)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, protocol.ErrInvalidGrant("cdr_arrangement_id is invalid")
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load arrangement: %w", err)
		}
		if existing.SubjectID != data.Subject {
			return nil, protocol.ErrInvalidGrant("cdr_arrangement_id belongs to a different customer")
		}
		prev := existing.Payload.(*storage.CdrArrangementData)
		out.version = prev.Version + 1
		out.amended = true
		superseded = prev.RefreshTokenKey
		createdAt = existing.CreatedAt
	} else {
		out.id = uuid.NewString()
	}

	arrangement := &storage.Grant{
		Type:      storage.GrantTypeCdrArrangement,
		Key:       out.id,
		ClientID:  client.ClientID,
		SubjectID: data.Subject,
		CreatedAt: createdAt,
		ExpiresAt: now.Add(ttl),
		Payload: &storage.CdrArrangementData{
			RefreshTokenKey: out.refreshToken,
			Version:         out.version,
			SharingDuration: sharing,
		},
	}
	refresh := &storage.Grant{
		Type:      storage.GrantTypeRefreshToken,
		Key:       out.refreshToken,
		ClientID:  client.ClientID,
		SubjectID: data.Subject,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
		Payload: &storage.RefreshTokenData{
			Scope:            data.Scope,
			Subject:          data.Subject,
			CdrArrangementID: out.id,
			AccountIDs:       slices.Clone(data.AccountIDs),
			CertThumbprint:   thumbprint,
			AuthTime:         data.AuthTime,
			ACR:              data.ACR,
			Returned:         out.returned,
		},
	}
	err := s.store.SaveArrangement(ctx, arrangement, refresh, superseded)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, protocol.ErrInvalidGrant("cdr_arrangement_id is invalid")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to save arrangement: %w", err)
	}
	return out, nil
}

// refreshAccessToken issues a new access token for a refresh token. The
// refresh token itself is returned unchanged.
func (s *Server) refreshAccessToken(ctx context.Context, client *storage.Client, auth ClientAuth, req validation.TokenRequest) (*TokenResponse, error) {
	grant, err := s.store.GetGrant(ctx, storage.GrantTypeRefreshToken, req.RefreshToken, client.ClientID)
	switch {
	case errors.Is(err, storage.ErrGrantExpired):
		return nil, protocol.ErrInvalidGrant("refresh token has expired")
	case errors.Is(err, storage.ErrNotFound):
		return nil, protocol.ErrInvalidGrant("refresh token is invalid")
	case err != nil:
		return nil, fmt.Errorf("failed to load refresh token: %w", err)
	}
	data := grant.Payload.(*storage.RefreshTokenData)
	if !data.Returned {
		return nil, protocol.ErrInvalidGrant("refresh token is invalid")
	}
	if err := s.requireHolderOfKey(ctx, "token", client.ClientID, data.CertThumbprint, auth.CertThumbprint); err != nil {
		return nil, err
	}

	arrangement, err := s.store.GetGrant(ctx, storage.GrantTypeCdrArrangement, data.CdrArrangementID, client.ClientID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, protocol.ErrInvalidGrant("refresh token is invalid")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load arrangement: %w", err)
	}
	version := arrangement.Payload.(*storage.CdrArrangementData).Version

	scope := data.Scope
	if req.Scope != "" {
		if !util.IsScopeSubset(req.Scope, data.Scope) {
			return nil, protocol.ErrInvalidScope("requested scope exceeds the original grant")
		}
		scope = strings.Join(util.SplitScope(req.Scope), " ")
	}

	sub, err := s.subjectFor(client, data.Subject)
	if err != nil {
		return nil, err
	}
	accessToken, _, err := s.issuer.IssueAccessToken(ctx, issuer.AccessTokenParams{
		ClientID:           client.ClientID,
		Subject:            sub,
		Scope:              scope,
		SoftwareID:         client.SoftwareID,
		ArrangementID:      data.CdrArrangementID,
		ArrangementVersion: version,
		AccountIDs:         data.AccountIDs,
		AuthTime:           data.AuthTime,
		ACR:                data.ACR,
		CertThumbprint:     auth.CertThumbprint,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to issue access token: %w", err)
	}

	resp := &TokenResponse{
		AccessToken:      accessToken,
		RefreshToken:     req.RefreshToken,
		TokenType:        protocol.TokenTypeBearer,
		ExpiresIn:        int64(s.issuer.AccessTokenTTL() / time.Second),
		Scope:            scope,
		CdrArrangementID: data.CdrArrangementID,
	}
	if hasScope(scope, protocol.ScopeOpenID) {
		resp.IDToken, err = s.issuer.IssueIDToken(ctx, issuer.IDTokenParams{
			Client:      client,
			Subject:     sub,
			AuthTime:    data.AuthTime,
			ACR:         data.ACR,
			AccessToken: accessToken,
			Extra:       s.profileClaims(ctx, data.Subject, scope),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to issue id token: %w", err)
		}
	}

	s.audit(ctx, security.EventTokenRefreshed, data.Subject, client.ClientID, auth.ClientIP, map[string]any{
		"cdr_arrangement_id": data.CdrArrangementID,
		"scope":              scope,
	})
	if s.metrics != nil {
		s.metrics.RecordTokenRefresh(ctx, client.ClientID)
	}
	return resp, nil
}

// clientCredentials issues an access token for the client itself, limited to
// the client credentials scopes
func (s *Server) clientCredentials(ctx context.Context, client *storage.Client, auth ClientAuth, req validation.TokenRequest) (*TokenResponse, error) {
	allowed := util.IntersectScope(strings.Join(s.Config.ClientCredentialsScopes, " "), client.Scope)
	scope := allowed
	if req.Scope != "" {
		if !util.IsScopeSubset(req.Scope, allowed) {
			return nil, protocol.ErrInvalidScope("requested scope is not available to client_credentials")
		}
		scope = strings.Join(util.SplitScope(req.Scope), " ")
	}
	if scope == "" {
		return nil, protocol.ErrInvalidScope("no scope is available to client_credentials")
	}

	accessToken, _, err := s.issuer.IssueAccessToken(ctx, issuer.AccessTokenParams{
		ClientID:       client.ClientID,
		Subject:        client.ClientID,
		Scope:          scope,
		SoftwareID:     client.SoftwareID,
		CertThumbprint: auth.CertThumbprint,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to issue access token: %w", err)
	}

	s.audit(ctx, security.EventTokenIssued, "", client.ClientID, auth.ClientIP, map[string]any{
		"grant_type": protocol.GrantTypeClientCredentials,
		"scope":      scope,
	})
	if s.metrics != nil {
		s.metrics.RecordClientCredentials(ctx, client.ClientID)
	}
	return &TokenResponse{
		AccessToken: accessToken,
		TokenType:   protocol.TokenTypeBearer,
		ExpiresIn:   int64(s.issuer.AccessTokenTTL() / time.Second),
		Scope:       scope,
	}, nil
}

// revokeCodeFamily blacklists every access token minted from code. Entries
// outlive the longest lived access token.
func (s *Server) revokeCodeFamily(ctx context.Context, clientID, code string) {
	expiresAt := s.now().Add(s.issuer.AccessTokenTTL() + seconds(s.Config.ClockSkewGracePeriod))
	err := s.store.AddToBlacklist(ctx, codeFamilyKey(clientID, issuer.CodeID(code)), expiresAt)
	if err != nil && !errors.Is(err, storage.ErrDuplicateKey) {
		s.Logger.Error("Failed to revoke tokens of a reused authorization code",
			"client_id", clientID, "error", err)
	}
}

// codeFamilyKey is the blacklist key shared by tokens minted from one code
func codeFamilyKey(clientID, codeID string) string {
	return clientID + "::" + codeID
}

// profileClaims resolves the ID token and userinfo profile claims when the
// profile scope was granted. Lookup failures only drop the claims.
func (s *Server) profileClaims(ctx context.Context, customerID, scope string) map[string]any {
	if s.customers == nil || !hasScope(scope, protocol.ScopeProfile) {
		return nil
	}
	c, err := s.customers.GetCustomer(ctx, customerID)
	if err != nil {
		s.Logger.Warn("Failed to resolve customer profile", "error", err)
		return nil
	}
	claims := map[string]any{}
	if c.Name != "" {
		claims["name"] = c.Name
	}
	if c.GivenName != "" {
		claims["given_name"] = c.GivenName
	}
	if c.FamilyName != "" {
		claims["family_name"] = c.FamilyName
	}
	if !c.UpdatedAt.IsZero() {
		claims["updated_at"] = c.UpdatedAt.Unix()
	}
	return claims
}

func hasScope(scope, want string) bool {
	return slices.Contains(strings.Fields(scope), want)
}
