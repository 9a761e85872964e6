package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/giantswarm/cdr-auth/internal/util"
	"github.com/giantswarm/cdr-auth/protocol"
	"github.com/giantswarm/cdr-auth/security"
	"github.com/giantswarm/cdr-auth/storage"
	"github.com/giantswarm/cdr-auth/validation"
)

// PARResponse is returned with 201 Created
type PARResponse struct {
	RequestURI string `json:"request_uri"`
	ExpiresIn  int64  `json:"expires_in"`
}

// PushAuthorizationRequest validates a signed request object and stores it
// under a new one-time request_uri
func (s *Server) PushAuthorizationRequest(ctx context.Context, auth ClientAuth, requestObject string) (*PARResponse, error) {
	client, err := s.AuthenticateClient(ctx, auth)
	if err != nil {
		return nil, err
	}

	raw, err := s.issuer.DecryptRequestObject(ctx, requestObject)
	if err != nil {
		return nil, protocol.ErrInvalidRequestObject("request object could not be decrypted")
	}
	req, err := s.par.Validate(ctx, client, raw)
	if err != nil {
		s.audit(ctx, security.EventRequestObjectRejected, "", client.ClientID, auth.ClientIP,
			map[string]any{"reason": err.Error()})
		return nil, err
	}

	if req.CdrArrangementID != "" {
		_, err := s.store.GetGrant(ctx, storage.GrantTypeCdrArrangement, req.CdrArrangementID, client.ClientID)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, protocol.ErrInvalidRequest("cdr_arrangement_id is invalid")
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load arrangement: %w", err)
		}
	}

	now := s.now()
	ttl := seconds(s.Config.RequestURITTL)
	grant := &storage.Grant{
		Type:      storage.GrantTypeRequestURI,
		Key:       validation.RequestURIPrefix + "uuid:" + uuid.NewString(),
		ClientID:  client.ClientID,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
		Payload:   &storage.RequestURIData{Request: *req},
	}
	if err := s.store.CreateGrant(ctx, grant); err != nil {
		return nil, fmt.Errorf("failed to store pushed request: %w", err)
	}

	s.Logger.Debug("Stored pushed authorization request",
		"client_id", client.ClientID,
		"request_uri_prefix", util.SafeTruncate(grant.Key, 16))
	s.audit(ctx, security.EventPARCreated, "", client.ClientID, auth.ClientIP, map[string]any{
		"response_type": req.ResponseType,
		"amendment":     req.CdrArrangementID != "",
	})
	if s.metrics != nil {
		s.metrics.RecordPARCreated(ctx, client.ClientID, req.ResponseType)
	}

	return &PARResponse{RequestURI: grant.Key, ExpiresIn: s.Config.RequestURITTL}, nil
}
