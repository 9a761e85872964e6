package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"

	"github.com/giantswarm/cdr-auth/internal/util"
	"github.com/giantswarm/cdr-auth/issuer"
	"github.com/giantswarm/cdr-auth/protocol"
	"github.com/giantswarm/cdr-auth/security"
	"github.com/giantswarm/cdr-auth/storage"
	"github.com/giantswarm/cdr-auth/validation"
)

// AuthorizeInput are the front channel parameters of /connect/authorize.
// RedirectURI, ResponseType, ResponseMode and State are only used to
// deliver an error when the pushed request cannot be resolved.
type AuthorizeInput struct {
	ClientID     string
	RequestURI   string
	RedirectURI  string
	ResponseType string
	ResponseMode string
	State        string
	ClientIP     string
}

// FormPost is an authorization response delivered by an auto-submitting form
type FormPost struct {
	Action string
	Params map[string]string
}

// AuthorizationResult is what the user agent receives. Exactly one field is set.
type AuthorizationResult struct {
	// RedirectURL is sent as a 302
	RedirectURL string
	// FormPost is rendered as an auto-submitting HTML form
	FormPost *FormPost
	// Error is rendered inline because no registered redirect URI is known
	Error *protocol.Error
}

// responseTarget is where and how an authorization response is delivered
type responseTarget struct {
	redirectURI  string
	responseType string
	responseMode string
	state        string
}

// Authorize resolves a pushed request_uri. The request_uri is consumed on
// first use; a second attempt is answered with invalid_request_uri.
func (s *Server) Authorize(ctx context.Context, in AuthorizeInput) (*AuthorizationResult, error) {
	if in.ClientID == "" {
		return &AuthorizationResult{Error: protocol.ErrInvalidRequest("client_id is required")}, nil
	}
	client, err := s.store.GetClient(ctx, in.ClientID)
	if errors.Is(err, storage.ErrNotFound) {
		return &AuthorizationResult{Error: protocol.ErrInvalidRequest("client_id is not registered")}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load client: %w", err)
	}

	fallback := fallbackTarget(client, in)
	if err := validation.ValidateAuthorizeRequest(ctx, validation.AuthorizeRequest{ClientID: in.ClientID, RequestURI: in.RequestURI}); err != nil {
		return s.errorResult(ctx, client, fallback, protocol.AsError(err))
	}

	grant, err := s.store.MarkGrantUsed(ctx, storage.GrantTypeRequestURI, in.RequestURI, client.ClientID)
	switch {
	case errors.Is(err, storage.ErrGrantUsed):
		req := grant.Payload.(*storage.RequestURIData).Request
		s.audit(ctx, security.EventRequestURIRejected, "", client.ClientID, in.ClientIP, map[string]any{"reason": "reused"})
		return s.errorResult(ctx, client, targetOf(req), protocol.ErrInvalidRequestURI("request_uri has already been used"))
	case errors.Is(err, storage.ErrNotFound):
		reason := "unknown"
		if errors.Is(err, storage.ErrGrantExpired) {
			reason = "expired"
		}
		s.audit(ctx, security.EventRequestURIRejected, "", client.ClientID, in.ClientIP, map[string]any{"reason": reason})
		return s.errorResult(ctx, client, fallback, protocol.ErrInvalidRequestURI("request_uri is invalid or expired"))
	case err != nil:
		return nil, fmt.Errorf("failed to consume request_uri: %w", err)
	}

	req := grant.Payload.(*storage.RequestURIData).Request
	if !client.HasRedirectURI(req.RedirectURI) {
		return &AuthorizationResult{Error: protocol.ErrInvalidRequest("redirect_uri is no longer registered")}, nil
	}

	if s.Config.Headless {
		result, err := s.complete(ctx, client, req, s.Config.HeadlessSubject, s.Config.HeadlessAccountIDs, in.ClientIP)
		s.discardRequestURI(ctx, in.RequestURI)
		return result, err
	}

	consent, err := url.Parse(s.Config.AuthUIURL)
	if err != nil || s.Config.AuthUIURL == "" {
		return nil, fmt.Errorf("invalid consent UI url %q", s.Config.AuthUIURL)
	}
	q := consent.Query()
	q.Set("request_uri", in.RequestURI)
	q.Set("client_id", client.ClientID)
	consent.RawQuery = q.Encode()
	return &AuthorizationResult{RedirectURL: consent.String()}, nil
}

// CompleteAuthorization finishes an interactive authorization with the
// consent UI's decision
func (s *Server) CompleteAuthorization(ctx context.Context, interactionToken string, d validation.ConsentDecision, ip string) (*AuthorizationResult, error) {
	if s.Config.InteractionToken == "" ||
		subtle.ConstantTimeCompare([]byte(interactionToken), []byte(s.Config.InteractionToken)) != 1 {
		s.audit(ctx, security.EventInteractionAuthFailure, "", d.ClientID, ip, nil)
		return nil, protocol.ErrInvalidToken("interaction token is invalid")
	}
	if err := validation.ValidateConsentDecision(ctx, d); err != nil {
		return nil, err
	}

	client, err := s.store.GetClient(ctx, d.ClientID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, protocol.ErrInvalidRequest("client_id is not registered")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load client: %w", err)
	}

	grant, err := s.store.GetGrant(ctx, storage.GrantTypeRequestURI, d.RequestURI, client.ClientID)
	if errors.Is(err, storage.ErrNotFound) {
		return s.errorResult(ctx, client, fallbackTarget(client, AuthorizeInput{}),
			protocol.ErrInvalidRequestURI("request_uri is invalid or expired"))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load request_uri: %w", err)
	}
	if !grant.IsUsed() {
		return nil, protocol.ErrInvalidRequest("authorization was not started for this request_uri")
	}
	s.discardRequestURI(ctx, d.RequestURI)

	req := grant.Payload.(*storage.RequestURIData).Request
	s.audit(ctx, security.EventConsentCallbackCompleted, d.Subject, client.ClientID, ip,
		map[string]any{"approved": d.Approved})
	if !d.Approved {
		s.audit(ctx, security.EventAuthorizationDenied, d.Subject, client.ClientID, ip, nil)
		if s.metrics != nil {
			s.metrics.RecordAuthorizationCompleted(ctx, client.ClientID, req.ResponseMode, false)
		}
		return s.errorResult(ctx, client, targetOf(req), protocol.ErrAccessDenied("the customer denied the request"))
	}
	return s.complete(ctx, client, req, d.Subject, d.AccountIDs, ip)
}

// complete issues the authorization code for an approved request
func (s *Server) complete(ctx context.Context, client *storage.Client, req storage.AuthorizationRequest, customerID string, accountIDs []string, ip string) (*AuthorizationResult, error) {
	if customerID == "" {
		return s.errorResult(ctx, client, targetOf(req), protocol.ErrAccessDenied("no customer authenticated"))
	}

	now := s.now()
	acr := s.Config.DefaultACR
	if len(req.ACRValues) > 0 {
		acr = req.ACRValues[0]
	}
	code := generateRandomToken()
	grant := &storage.Grant{
		Type:      storage.GrantTypeAuthorizationCode,
		Key:       code,
		ClientID:  client.ClientID,
		SubjectID: customerID,
		CreatedAt: now,
		ExpiresAt: now.Add(seconds(s.Config.AuthorizationCodeTTL)),
		Payload: &storage.AuthorizationCodeData{
			Request:    req,
			Subject:    customerID,
			AccountIDs: slices.Clone(accountIDs),
			Scope:      s.authorizedScope(client, req.Scope),
			AuthTime:   now,
			ACR:        acr,
		},
	}
	if err := s.store.CreateGrant(ctx, grant); err != nil {
		return nil, fmt.Errorf("failed to store authorization code: %w", err)
	}

	params := map[string]string{"code": code, "state": req.State}
	if req.ResponseType == protocol.ResponseTypeCodeIDToken {
		sub, err := s.subjectFor(client, customerID)
		if err != nil {
			return nil, err
		}
		idToken, err := s.issuer.IssueIDToken(ctx, issuer.IDTokenParams{
			Client:   client,
			Subject:  sub,
			Nonce:    req.Nonce,
			AuthTime: now,
			ACR:      acr,
			Code:     code,
			State:    req.State,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to issue id token: %w", err)
		}
		params["id_token"] = idToken
	}

	s.audit(ctx, security.EventAuthorizationCodeIssued, customerID, client.ClientID, ip, map[string]any{
		"response_type": req.ResponseType,
		"response_mode": req.ResponseMode,
	})
	if s.metrics != nil {
		s.metrics.RecordAuthorizationCompleted(ctx, client.ClientID, req.ResponseMode, true)
	}
	return s.respond(ctx, client, targetOf(req), params)
}

// authorizedScope keeps the requested scopes the deployment supports and the
// client registered, minus the client_credentials only scopes
func (s *Server) authorizedScope(client *storage.Client, requested string) string {
	var allowed []string
	for _, scope := range s.Config.SupportedScopes {
		if !slices.Contains(s.Config.ClientCredentialsScopes, scope) {
			allowed = append(allowed, scope)
		}
	}
	scope := util.IntersectScope(requested, strings.Join(allowed, " "))
	return util.IntersectScope(scope, client.Scope)
}

func (s *Server) discardRequestURI(ctx context.Context, key string) {
	if err := s.store.DeleteGrant(ctx, storage.GrantTypeRequestURI, key); err != nil {
		s.Logger.Warn("Failed to delete consumed request_uri", "error", err)
	}
}

func targetOf(req storage.AuthorizationRequest) responseTarget {
	return responseTarget{
		redirectURI:  req.RedirectURI,
		responseType: req.ResponseType,
		responseMode: req.ResponseMode,
		state:        req.State,
	}
}

// fallbackTarget picks where to send an error when the pushed request is
// unavailable: the front channel redirect_uri if registered, else the only
// registered one.
func fallbackTarget(client *storage.Client, in AuthorizeInput) responseTarget {
	t := responseTarget{state: in.State}
	switch {
	case client.HasRedirectURI(in.RedirectURI):
		t.redirectURI = in.RedirectURI
	case len(client.RedirectURIs) == 1:
		t.redirectURI = client.RedirectURIs[0]
	}

	t.responseType = protocol.ResponseTypeCode
	if rt := strings.Join(strings.Fields(in.ResponseType), " "); client.HasResponseType(rt) {
		t.responseType = rt
	} else if !client.HasResponseType(protocol.ResponseTypeCode) && len(client.ResponseTypes) > 0 {
		t.responseType = client.ResponseTypes[0]
	}

	t.responseMode = in.ResponseMode
	if !protocol.IsAllowedResponseMode(t.responseType, t.responseMode) {
		t.responseMode = protocol.DefaultResponseMode(t.responseType)
		if t.responseMode == "" {
			t.responseMode = protocol.ResponseModeJWT
		}
	}
	return t
}

// errorResult redirects err to a registered redirect URI or renders it inline
func (s *Server) errorResult(ctx context.Context, client *storage.Client, t responseTarget, perr *protocol.Error) (*AuthorizationResult, error) {
	if !client.HasRedirectURI(t.redirectURI) {
		s.audit(ctx, security.EventInvalidRedirect, "", client.ClientID, "", map[string]any{"error": perr.Code})
		return &AuthorizationResult{Error: perr}, nil
	}
	return s.respond(ctx, client, t, map[string]string{
		"error":             perr.Code,
		"error_description": perr.Description,
		"state":             t.state,
	})
}

// respond delivers params to the redirect URI in the target's response mode
func (s *Server) respond(ctx context.Context, client *storage.Client, t responseTarget, params map[string]string) (*AuthorizationResult, error) {
	mode := t.responseMode
	if protocol.IsJWTResponseMode(mode) {
		response, err := s.issuer.IssueAuthorizationResponse(ctx, client, params)
		if err != nil {
			return nil, fmt.Errorf("failed to issue authorization response: %w", err)
		}
		params = map[string]string{"response": response}
		mode = jwtTransport(mode, t.responseType)
	}

	if mode == protocol.ResponseModeFormPost {
		out := make(map[string]string, len(params))
		for k, v := range params {
			if v != "" {
				out[k] = v
			}
		}
		return &AuthorizationResult{FormPost: &FormPost{Action: t.redirectURI, Params: out}}, nil
	}

	u, err := url.Parse(t.redirectURI)
	if err != nil {
		return nil, fmt.Errorf("invalid redirect uri: %w", err)
	}
	values := url.Values{}
	for k, v := range params {
		if v != "" {
			values.Set(k, v)
		}
	}
	if mode == protocol.ResponseModeFragment {
		u.Fragment = ""
		return &AuthorizationResult{RedirectURL: u.String() + "#" + values.Encode()}, nil
	}
	q := u.Query()
	for k, v := range values {
		q[k] = v
	}
	u.RawQuery = q.Encode()
	return &AuthorizationResult{RedirectURL: u.String()}, nil
}

// jwtTransport maps a JARM mode to the mode carrying the response parameter.
// The bare "jwt" mode uses query for the code flow and fragment otherwise.
func jwtTransport(mode, responseType string) string {
	switch mode {
	case protocol.ResponseModeQueryJWT:
		return protocol.ResponseModeQuery
	case protocol.ResponseModeFragmentJWT:
		return protocol.ResponseModeFragment
	case protocol.ResponseModeFormPostJWT:
		return protocol.ResponseModeFormPost
	}
	if responseType == protocol.ResponseTypeCode {
		return protocol.ResponseModeQuery
	}
	return protocol.ResponseModeFragment
}
