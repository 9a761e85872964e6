package server

import (
	"context"
	"errors"

	"github.com/giantswarm/cdr-auth/storage"
)

// IntrospectionResponse is the RFC 7662 response. The public endpoint only
// fills Active, Scope, Exp and CdrArrangementID.
type IntrospectionResponse struct {
	Active           bool   `json:"active"`
	Scope            string `json:"scope,omitempty"`
	Exp              int64  `json:"exp,omitempty"`
	CdrArrangementID string `json:"cdr_arrangement_id,omitempty"`

	ClientID              string   `json:"client_id,omitempty"`
	Subject               string   `json:"sub,omitempty"`
	SoftwareID            string   `json:"software_id,omitempty"`
	CdrArrangementVersion int      `json:"cdr_arrangement_version,omitempty"`
	AccountIDs            []string `json:"account_id,omitempty"`
	CertThumbprint        string   `json:"cnf_x5t_s256,omitempty"`
}

var inactive = &IntrospectionResponse{Active: false}

// Introspect reports on a refresh token owned by the authenticated client.
// Only client authentication fails; every other outcome is a response.
func (s *Server) Introspect(ctx context.Context, auth ClientAuth, token string) (*IntrospectionResponse, error) {
	client, err := s.AuthenticateClient(ctx, auth)
	if err != nil {
		return nil, err
	}
	resp := s.introspectRefreshToken(ctx, client.ClientID, token)
	if s.metrics != nil {
		s.metrics.RecordIntrospection(ctx, "public", resp.Active)
	}
	return resp, nil
}

func (s *Server) introspectRefreshToken(ctx context.Context, clientID, token string) *IntrospectionResponse {
	if token == "" {
		return inactive
	}
	grant, err := s.store.GetGrant(ctx, storage.GrantTypeRefreshToken, token, clientID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.Logger.Error("Failed to load refresh token for introspection", "error", err)
		}
		return inactive
	}
	data := grant.Payload.(*storage.RefreshTokenData)
	if !data.Returned {
		return inactive
	}
	return &IntrospectionResponse{
		Active:           true,
		Scope:            data.Scope,
		Exp:              grant.ExpiresAt.Unix(),
		CdrArrangementID: data.CdrArrangementID,
	}
}

// IntrospectInternal reports on a JWT access token for resource servers on
// the internal listener. A token is active only while it is unrevoked, its
// code was not replayed, its software product is active and its arrangement
// still exists at the version it was minted for.
func (s *Server) IntrospectInternal(ctx context.Context, token string) (*IntrospectionResponse, error) {
	resp, err := s.introspectAccessToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.RecordIntrospection(ctx, "internal", resp.Active)
	}
	return resp, nil
}

func (s *Server) introspectAccessToken(ctx context.Context, token string) (*IntrospectionResponse, error) {
	claims, err := s.issuer.VerifyAccessToken(ctx, token)
	if err != nil {
		return inactive, nil
	}

	ids := []string{claims.ID}
	if claims.CodeID != "" {
		ids = append(ids, codeFamilyKey(claims.ClientID, claims.CodeID))
	}
	for _, id := range ids {
		revoked, err := s.store.IsBlacklisted(ctx, id)
		if err != nil {
			return nil, err
		}
		if revoked {
			return inactive, nil
		}
	}

	client, err := s.store.GetClient(ctx, claims.ClientID)
	if errors.Is(err, storage.ErrNotFound) {
		return inactive, nil
	}
	if err != nil {
		return nil, err
	}
	if s.products != nil {
		active, err := s.products.IsActive(ctx, client)
		if err != nil {
			return nil, err
		}
		if !active {
			return inactive, nil
		}
	}

	if claims.CdrArrangementID != "" {
		arrangement, err := s.store.GetGrant(ctx, storage.GrantTypeCdrArrangement, claims.CdrArrangementID, claims.ClientID)
		if errors.Is(err, storage.ErrNotFound) {
			return inactive, nil
		}
		if err != nil {
			return nil, err
		}
		if arrangement.Payload.(*storage.CdrArrangementData).Version != claims.CdrArrangementVersion {
			return inactive, nil
		}
	}

	resp := &IntrospectionResponse{
		Active:                true,
		Scope:                 claims.Scope,
		CdrArrangementID:      claims.CdrArrangementID,
		ClientID:              claims.ClientID,
		Subject:               claims.Subject,
		SoftwareID:            claims.SoftwareID,
		CdrArrangementVersion: claims.CdrArrangementVersion,
		AccountIDs:            claims.AccountIDs,
		CertThumbprint:        claims.Thumbprint(),
	}
	if claims.Expiry != nil {
		resp.Exp = claims.Expiry.Time().Unix()
	}
	return resp, nil
}
