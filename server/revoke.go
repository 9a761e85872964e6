package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/giantswarm/cdr-auth/internal/util"
	"github.com/giantswarm/cdr-auth/protocol"
	"github.com/giantswarm/cdr-auth/security"
	"github.com/giantswarm/cdr-auth/storage"
)

// Revocation initiators recorded on metrics
const (
	InitiatorRecipient = "data_recipient"
	InitiatorHolder    = "data_holder"
)

// Revoke implements RFC 7009. Once the client is authenticated it never
// fails: unknown, expired, foreign and unparseable tokens are all answered
// with success.
func (s *Server) Revoke(ctx context.Context, auth ClientAuth, token, tokenTypeHint string) error {
	client, err := s.AuthenticateClient(ctx, auth)
	if err != nil {
		return err
	}
	if token == "" {
		return nil
	}

	// a hint only changes the lookup order
	if tokenTypeHint == "access_token" && s.revokeAccessToken(ctx, client, token, auth.ClientIP) {
		return nil
	}
	revoked, err := s.revokeRefreshToken(ctx, client, token, auth.ClientIP)
	if err != nil {
		s.Logger.Error("Failed to revoke refresh token", "client_id", client.ClientID, "error", err)
		return nil
	}
	if !revoked && tokenTypeHint != "access_token" {
		s.revokeAccessToken(ctx, client, token, auth.ClientIP)
	}
	return nil
}

// revokeRefreshToken deletes an owned refresh token together with its
// arrangement, which cannot outlive it
func (s *Server) revokeRefreshToken(ctx context.Context, client *storage.Client, token, ip string) (bool, error) {
	grant, err := s.store.GetGrant(ctx, storage.GrantTypeRefreshToken, token, client.ClientID)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	data := grant.Payload.(*storage.RefreshTokenData)
	err = s.store.DeleteArrangement(ctx, data.CdrArrangementID, client.ClientID)
	if errors.Is(err, storage.ErrNotFound) {
		err = s.store.DeleteGrant(ctx, storage.GrantTypeRefreshToken, token)
	}
	if err != nil {
		return false, err
	}

	s.audit(ctx, security.EventTokenRevoked, grant.SubjectID, client.ClientID, ip, map[string]any{
		"token_type":         "refresh_token",
		"cdr_arrangement_id": data.CdrArrangementID,
	})
	if s.metrics != nil {
		s.metrics.RecordTokenRevocation(ctx, client.ClientID, "refresh_token")
	}
	return true, nil
}

// revokeAccessToken blacklists an access token issued to the caller until it
// expires. It reports whether token was a JWT access token at all.
func (s *Server) revokeAccessToken(ctx context.Context, client *storage.Client, token, ip string) bool {
	claims, err := s.issuer.DecodeAccessToken(ctx, token)
	if err != nil {
		return false
	}
	if claims.ClientID != client.ClientID {
		s.audit(ctx, security.EventForeignTokenRevocation, "", client.ClientID, ip, map[string]any{
			"token_client_id": claims.ClientID,
		})
		return true
	}

	// verification accepts a token until exp plus the skew, so the entry must outlive that
	skew := seconds(s.Config.ClockSkewGracePeriod)
	expiresAt := s.now().Add(s.issuer.AccessTokenTTL())
	if claims.Expiry != nil {
		expiresAt = claims.Expiry.Time()
	}
	if security.IsExpiredAt(s.now(), expiresAt, skew) {
		return true
	}
	err = s.store.AddToBlacklist(ctx, claims.ID, expiresAt.Add(skew))
	if err != nil && !errors.Is(err, storage.ErrDuplicateKey) {
		s.Logger.Error("Failed to blacklist access token", "client_id", client.ClientID,
			"jti_prefix", util.SafeTruncate(claims.ID, 8), "error", err)
		return true
	}

	s.audit(ctx, security.EventTokenRevoked, "", client.ClientID, ip, map[string]any{
		"token_type": "access_token",
	})
	if s.metrics != nil {
		s.metrics.RecordTokenRevocation(ctx, client.ClientID, "access_token")
	}
	return true
}

// RevokeArrangement terminates an arrangement owned by the authenticated
// client. Failures are CDS error lists.
func (s *Server) RevokeArrangement(ctx context.Context, auth ClientAuth, arrangementID string) error {
	client, err := s.AuthenticateClient(ctx, auth)
	if err != nil {
		return err
	}
	if arrangementID == "" {
		return protocol.ErrMissingField("cdr_arrangement_id")
	}

	err = s.store.DeleteArrangement(ctx, arrangementID, client.ClientID)
	if errors.Is(err, storage.ErrNotFound) {
		return protocol.ErrInvalidArrangement(arrangementID)
	}
	if err != nil {
		return fmt.Errorf("failed to delete arrangement: %w", err)
	}

	s.audit(ctx, security.EventArrangementRevoked, "", client.ClientID, auth.ClientIP, map[string]any{
		"cdr_arrangement_id": arrangementID,
		"initiator":          InitiatorRecipient,
	})
	if s.metrics != nil {
		s.metrics.RecordArrangementRevocation(ctx, client.ClientID, InitiatorRecipient)
	}
	return nil
}

// RevokeArrangementByHolder terminates an arrangement on behalf of the data
// holder and then notifies the recipient. The deletion stands even when the
// notification fails.
func (s *Server) RevokeArrangementByHolder(ctx context.Context, arrangementID string) error {
	if arrangementID == "" {
		return protocol.ErrMissingField("cdr_arrangement_id")
	}
	grant, err := s.store.GetGrant(ctx, storage.GrantTypeCdrArrangement, arrangementID, "")
	if errors.Is(err, storage.ErrNotFound) {
		return protocol.ErrInvalidArrangement(arrangementID)
	}
	if err != nil {
		return fmt.Errorf("failed to load arrangement: %w", err)
	}

	err = s.store.DeleteArrangement(ctx, arrangementID, grant.ClientID)
	if errors.Is(err, storage.ErrNotFound) {
		return protocol.ErrInvalidArrangement(arrangementID)
	}
	if err != nil {
		return fmt.Errorf("failed to delete arrangement: %w", err)
	}

	s.audit(ctx, security.EventArrangementRevoked, grant.SubjectID, grant.ClientID, "", map[string]any{
		"cdr_arrangement_id": arrangementID,
		"initiator":          InitiatorHolder,
	})
	if s.metrics != nil {
		s.metrics.RecordArrangementRevocation(ctx, grant.ClientID, InitiatorHolder)
	}

	s.notifyRecipient(ctx, grant.ClientID, arrangementID)
	return nil
}

func (s *Server) notifyRecipient(ctx context.Context, clientID, arrangementID string) {
	if s.notifier == nil {
		s.audit(ctx, security.EventNotificationSkipped, "", clientID, "", map[string]any{
			"cdr_arrangement_id": arrangementID,
			"reason":             "notifier not configured",
		})
		return
	}
	client, err := s.store.GetClient(ctx, clientID)
	if err != nil {
		s.Logger.Warn("Skipping arrangement revocation notification",
			"client_id", clientID, "error", err)
		s.audit(ctx, security.EventNotificationSkipped, "", clientID, "", map[string]any{
			"cdr_arrangement_id": arrangementID,
			"reason":             "client not found",
		})
		return
	}
	if err := s.notifier.NotifyArrangementRevoked(ctx, client, arrangementID); err != nil {
		s.Logger.Warn("Failed to notify data recipient of arrangement revocation",
			"client_id", clientID, "cdr_arrangement_id", arrangementID, "error", err)
		s.audit(ctx, security.EventNotificationFailed, "", clientID, "", map[string]any{
			"cdr_arrangement_id": arrangementID,
			"error":              err.Error(),
		})
	}
}
