package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/giantswarm/cdr-auth/protocol"
	"github.com/giantswarm/cdr-auth/storage"
)

// UserInfo returns the claims about the customer behind an arrangement bound
// access token
func (s *Server) UserInfo(ctx context.Context, bearer, certThumbprint string) (map[string]any, error) {
	if bearer == "" {
		return nil, protocol.ErrInvalidToken("access token is required")
	}
	claims, err := s.issuer.VerifyAccessToken(ctx, bearer)
	if err != nil {
		return nil, protocol.ErrInvalidToken("access token is invalid")
	}
	if err := s.requireHolderOfKey(ctx, "userinfo", claims.ClientID, claims.Thumbprint(), certThumbprint); err != nil {
		return nil, err
	}
	revoked, err := s.store.IsBlacklisted(ctx, claims.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to check token revocation: %w", err)
	}
	if revoked || claims.CdrArrangementID == "" {
		return nil, protocol.ErrInvalidToken("access token is not valid for userinfo")
	}

	arrangement, err := s.store.GetGrant(ctx, storage.GrantTypeCdrArrangement, claims.CdrArrangementID, claims.ClientID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, protocol.ErrInvalidToken("the arrangement has been revoked")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load arrangement: %w", err)
	}

	out := map[string]any{"sub": claims.Subject}
	for k, v := range s.profileClaims(ctx, arrangement.SubjectID, claims.Scope) {
		out[k] = v
	}
	return out, nil
}
