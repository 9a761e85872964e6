package oauth

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/cdr-auth/instrumentation"
	"github.com/giantswarm/cdr-auth/protocol"
	"github.com/giantswarm/cdr-auth/security"
	"github.com/giantswarm/cdr-auth/server"
	"github.com/giantswarm/cdr-auth/validation"
)

const (
	// maxFormBytes bounds form and registration request bodies
	maxFormBytes = 1 << 20

	contentTypeJSON = "application/json"
)

// Handler is a thin HTTP adapter for the authorization server.
// It handles HTTP requests and delegates to the engines for business logic.
type Handler struct {
	server *Server
	logger *slog.Logger
	tracer trace.Tracer // OpenTelemetry tracer for HTTP layer
}

// NewHandler creates a new HTTP handler
func NewHandler(s *Server, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{
		server: s,
		logger: logger,
	}
	if s.Instrumentation != nil {
		h.tracer = s.Instrumentation.Tracer("http")
	}
	return h
}

// Routes returns the router of the public, mTLS protected listener
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(security.InteractionIDMiddleware, h.instrument)
	h.WellKnownRoutes(r)
	h.OAuthRoutes(r)
	return r
}

// InternalRoutes returns the router of the internal listener, reachable only
// by the holder's resource servers and operators
func (h *Handler) InternalRoutes() http.Handler {
	r := chi.NewRouter()
	r.Use(security.InteractionIDMiddleware, h.instrument)
	r.Post(PathIntrospectInternal, h.ServeInternalIntrospection)
	r.Post(PathHolderArrangementRevoke, h.ServeHolderArrangementRevocation)
	if h.server.Instrumentation != nil {
		r.Method(http.MethodGet, PathMetrics, h.server.Instrumentation.MetricsHandler())
	}
	return r
}

// WellKnownRoutes registers the discovery document and the public key set
func (h *Handler) WellKnownRoutes(r chi.Router) {
	r.Get(PathDiscovery, h.ServeOpenIDConfiguration)
	r.Get(PathJWKS, h.ServeJWKS)
}

// OAuthRoutes registers the OAuth, OIDC and CDR endpoints. PAR, token and
// registration are rate limited per client IP.
func (h *Handler) OAuthRoutes(r chi.Router) {
	r.Get(PathAuthorize, h.ServeAuthorization)
	r.Post(PathAuthorizeCallback, h.ServeAuthorizationCallback)
	r.Get(PathUserInfo, h.ServeUserInfo)
	r.Post(PathUserInfo, h.ServeUserInfo)
	r.Post(PathIntrospect, h.ServeTokenIntrospection)
	r.Post(PathRevocation, h.ServeTokenRevocation)
	r.Post(PathArrangementRevocation, h.ServeArrangementRevocation)

	r.Group(func(r chi.Router) {
		r.Use(h.rateLimit)
		r.Post(PathPAR, h.ServePushedAuthorizationRequest)
		r.Post(PathToken, h.ServeToken)
		r.Post(PathRegister, h.ServeClientRegistration)
		r.Get(PathRegister+"/{clientID}", h.ServeGetRegistration)
		r.Put(PathRegister+"/{clientID}", h.ServeUpdateRegistration)
		r.Delete(PathRegister+"/{clientID}", h.ServeDeleteRegistration)
	})
}

// ServePushedAuthorizationRequest handles the RFC 9126 PAR endpoint
func (h *Handler) ServePushedAuthorizationRequest(w http.ResponseWriter, r *http.Request) {
	if !h.parseForm(w, r) {
		return
	}
	auth, ok := h.clientAuth(w, r, PathPAR)
	if !ok {
		return
	}

	resp, err := h.server.PushAuthorizationRequest(r.Context(), auth, r.PostForm.Get("request"))
	if err != nil {
		h.writeEngineError(w, r, PathPAR, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, resp)
}

// ServeAuthorization handles the front channel authorization endpoint. Only
// client_id and request_uri are honoured; the rest is used to deliver an
// error when the request_uri cannot be resolved.
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	result, err := h.server.Authorize(r.Context(), server.AuthorizeInput{
		ClientID:     q.Get("client_id"),
		RequestURI:   q.Get("request_uri"),
		RedirectURI:  q.Get("redirect_uri"),
		ResponseType: q.Get("response_type"),
		ResponseMode: q.Get("response_mode"),
		State:        q.Get("state"),
		ClientIP:     h.clientIP(r),
	})
	if err != nil {
		h.writeAuthorizationError(w, r, err)
		return
	}
	h.writeAuthorizationResult(w, r, result)
}

// ServeAuthorizationCallback completes an interactive authorization with the
// consent UI's decision. The UI authenticates with the interaction token.
func (h *Handler) ServeAuthorizationCallback(w http.ResponseWriter, r *http.Request) {
	if !h.parseForm(w, r) {
		return
	}
	token, _ := bearerToken(r)

	approved := false
	if v := r.PostForm.Get("approved"); v != "" {
		var err error
		approved, err = strconv.ParseBool(v)
		if err != nil {
			h.writeError(w, ErrorCodeInvalidRequest, "approved must be a boolean", http.StatusBadRequest)
			return
		}
	}

	result, err := h.server.CompleteAuthorization(r.Context(), token, validation.ConsentDecision{
		RequestURI: r.PostForm.Get("request_uri"),
		ClientID:   r.PostForm.Get("client_id"),
		Subject:    r.PostForm.Get("subject"),
		AccountIDs: r.PostForm["account_id"],
		Approved:   approved,
	}, h.clientIP(r))
	if err != nil {
		h.writeAuthorizationError(w, r, err)
		return
	}
	h.writeAuthorizationResult(w, r, result)
}

// ServeToken handles the token endpoint for the authorization_code,
// refresh_token and client_credentials grants
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	if !h.parseForm(w, r) {
		return
	}
	auth, ok := h.clientAuth(w, r, PathToken)
	if !ok {
		return
	}

	resp, err := h.server.Token(r.Context(), auth, validation.TokenRequest{
		GrantType:    r.PostForm.Get("grant_type"),
		Code:         r.PostForm.Get("code"),
		RedirectURI:  r.PostForm.Get("redirect_uri"),
		CodeVerifier: r.PostForm.Get("code_verifier"),
		RefreshToken: r.PostForm.Get("refresh_token"),
		Scope:        r.PostForm.Get("scope"),
	})
	if err != nil {
		h.writeEngineError(w, r, PathToken, err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// ServeUserInfo returns the claims of the customer behind a bound access token
func (h *Handler) ServeUserInfo(w http.ResponseWriter, r *http.Request) {
	token, ok := bearerToken(r)
	if !ok {
		h.writeError(w, ErrorCodeInvalidToken, "Missing or malformed Authorization header", http.StatusUnauthorized)
		return
	}
	cert, ok := h.certificate(w, r)
	if !ok {
		return
	}

	claims, err := h.server.UserInfo(r.Context(), token, cert)
	if err != nil {
		h.writeEngineError(w, r, PathUserInfo, err)
		return
	}
	h.writeJSON(w, http.StatusOK, claims)
}

// ServeTokenIntrospection handles the RFC 7662 endpoint for data recipients.
// Only refresh tokens of the authenticated client are reported active.
func (h *Handler) ServeTokenIntrospection(w http.ResponseWriter, r *http.Request) {
	if !h.parseForm(w, r) {
		return
	}
	auth, ok := h.clientAuth(w, r, PathIntrospect)
	if !ok {
		return
	}

	resp, err := h.server.Introspect(r.Context(), auth, r.PostForm.Get("token"))
	if err != nil {
		h.writeEngineError(w, r, PathIntrospect, err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// ServeTokenRevocation handles the RFC 7009 endpoint. Unknown and foreign
// tokens are answered with 200 like any other.
func (h *Handler) ServeTokenRevocation(w http.ResponseWriter, r *http.Request) {
	if !h.parseForm(w, r) {
		return
	}
	auth, ok := h.clientAuth(w, r, PathRevocation)
	if !ok {
		return
	}

	err := h.server.Revoke(r.Context(), auth, r.PostForm.Get("token"), r.PostForm.Get("token_type_hint"))
	if err != nil {
		h.writeEngineError(w, r, PathRevocation, err)
		return
	}
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.WriteHeader(http.StatusOK)
}

// ServeArrangementRevocation handles recipient initiated arrangement
// revocation. Failures use the CDS error envelope.
func (h *Handler) ServeArrangementRevocation(w http.ResponseWriter, r *http.Request) {
	if !h.parseForm(w, r) {
		return
	}
	auth, ok := h.clientAuth(w, r, PathArrangementRevocation)
	if !ok {
		return
	}

	err := h.server.RevokeArrangement(r.Context(), auth, r.PostForm.Get("cdr_arrangement_id"))
	if err != nil {
		h.writeEngineError(w, r, PathArrangementRevocation, err)
		return
	}
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.WriteHeader(http.StatusNoContent)
}

// ServeClientRegistration handles RFC 7591 registration with a signed
// request carrying a Register issued software statement
func (h *Handler) ServeClientRegistration(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readJWTBody(w, r)
	if !ok {
		return
	}

	client, err := h.server.RegisterClient(r.Context(), body, h.clientIP(r))
	if err != nil {
		h.writeEngineError(w, r, PathRegister, err)
		return
	}
	h.logger.Info("Client registered", "client_id", client.ClientID, "software_id", client.SoftwareID)
	h.writeJSON(w, http.StatusCreated, server.NewRegistrationResponse(client))
}

// ServeGetRegistration returns the registration of the client in the path
func (h *Handler) ServeGetRegistration(w http.ResponseWriter, r *http.Request) {
	token, cert, ok := h.registrationCredentials(w, r)
	if !ok {
		return
	}

	client, err := h.server.GetRegistration(r.Context(), token, cert, chi.URLParam(r, "clientID"))
	if err != nil {
		h.writeEngineError(w, r, PathRegister, err)
		return
	}
	h.writeJSON(w, http.StatusOK, server.NewRegistrationResponse(client))
}

// ServeUpdateRegistration replaces the metadata of the client in the path
func (h *Handler) ServeUpdateRegistration(w http.ResponseWriter, r *http.Request) {
	token, cert, ok := h.registrationCredentials(w, r)
	if !ok {
		return
	}
	body, ok := h.readJWTBody(w, r)
	if !ok {
		return
	}

	client, err := h.server.UpdateRegistration(r.Context(), token, cert, chi.URLParam(r, "clientID"), body, h.clientIP(r))
	if err != nil {
		h.writeEngineError(w, r, PathRegister, err)
		return
	}
	h.writeJSON(w, http.StatusOK, server.NewRegistrationResponse(client))
}

// ServeDeleteRegistration removes the client in the path
func (h *Handler) ServeDeleteRegistration(w http.ResponseWriter, r *http.Request) {
	token, cert, ok := h.registrationCredentials(w, r)
	if !ok {
		return
	}

	err := h.server.DeleteRegistration(r.Context(), token, cert, chi.URLParam(r, "clientID"), h.clientIP(r))
	if err != nil {
		h.writeEngineError(w, r, PathRegister, err)
		return
	}
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.WriteHeader(http.StatusNoContent)
}

// ServeInternalIntrospection introspects JWT access tokens for resource servers
func (h *Handler) ServeInternalIntrospection(w http.ResponseWriter, r *http.Request) {
	if !h.parseForm(w, r) {
		return
	}
	resp, err := h.server.IntrospectInternal(r.Context(), r.PostForm.Get("token"))
	if err != nil {
		h.writeEngineError(w, r, PathIntrospectInternal, err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// ServeHolderArrangementRevocation revokes an arrangement on behalf of the
// customer and notifies the data recipient
func (h *Handler) ServeHolderArrangementRevocation(w http.ResponseWriter, r *http.Request) {
	err := h.server.RevokeArrangementByHolder(r.Context(), chi.URLParam(r, "arrangementID"))
	if err != nil {
		h.writeEngineError(w, r, PathHolderArrangementRevoke, err)
		return
	}
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.WriteHeader(http.StatusNoContent)
}

// parseForm parses a bounded urlencoded body
func (h *Handler) parseForm(w http.ResponseWriter, r *http.Request) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, "Request body could not be parsed", http.StatusBadRequest)
		return false
	}
	return true
}

// readJWTBody reads a registration request. The body is a compact JWS.
func (h *Handler) readJWTBody(w http.ResponseWriter, r *http.Request) (string, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxFormBytes))
	if err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, "Request body could not be read", http.StatusBadRequest)
		return "", false
	}
	raw := strings.TrimSpace(string(body))
	if raw == "" {
		h.writeError(w, ErrorCodeInvalidClientMetadata, "A signed registration request is required", http.StatusBadRequest)
		return "", false
	}
	return raw, true
}

// certificate resolves the client certificate thumbprint. A missing
// certificate yields "" so the engines decide; an unreadable forwarded
// certificate is rejected here.
func (h *Handler) certificate(w http.ResponseWriter, r *http.Request) (string, bool) {
	thumbprint, err := validation.CertificateBinding(r, h.server.ClientCertificateHeader)
	if err == nil {
		return thumbprint, true
	}
	if perr := protocol.AsError(err); perr.Status == http.StatusBadRequest {
		h.writeError(w, perr.Code, perr.Description, perr.Status)
		return "", false
	}
	return "", true
}

// clientAuth collects the private_key_jwt assertion and certificate of a
// back channel request to endpoint
func (h *Handler) clientAuth(w http.ResponseWriter, r *http.Request, endpoint string) (server.ClientAuth, bool) {
	cert, ok := h.certificate(w, r)
	if !ok {
		return server.ClientAuth{}, false
	}
	return server.ClientAuth{
		Assertion: validation.ClientAssertion{
			ClientID:      r.PostForm.Get("client_id"),
			AssertionType: r.PostForm.Get("client_assertion_type"),
			Assertion:     r.PostForm.Get("client_assertion"),
			Endpoint:      h.endpointURL(endpoint),
		},
		CertThumbprint: cert,
		ClientIP:       h.clientIP(r),
	}, true
}

// registrationCredentials returns the bearer token and certificate of a
// registration management request
func (h *Handler) registrationCredentials(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	token, ok := bearerToken(r)
	if !ok {
		h.writeError(w, ErrorCodeInvalidToken, "Missing or malformed Authorization header", http.StatusUnauthorized)
		return "", "", false
	}
	cert, ok := h.certificate(w, r)
	if !ok {
		return "", "", false
	}
	return token, cert, true
}

// bearerToken extracts the Bearer token from the Authorization header
func bearerToken(r *http.Request) (string, bool) {
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], protocol.TokenTypeBearer) || parts[1] == "" {
		return "", false
	}
	return strings.TrimSpace(parts[1]), true
}

func (h *Handler) endpointURL(path string) string {
	return strings.TrimSuffix(h.server.Config.Issuer, "/") + path
}

func (h *Handler) clientIP(r *http.Request) string {
	return security.GetClientIP(r, h.server.TrustProxy, h.server.TrustedProxyCount)
}

// writeJSON writes a no-store JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

// rateLimit applies the per-IP token bucket
func (h *Handler) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limiter := h.server.RateLimiter
		if limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		ip := h.clientIP(r)
		if !limiter.Allow(ip) {
			h.logger.Warn("Rate limit exceeded", "ip", ip, "endpoint", r.URL.Path)
			h.server.Auditor.LogRateLimitExceeded(ip, r.URL.Path)
			if h.server.Instrumentation != nil {
				h.server.Instrumentation.Metrics().RecordRateLimitExceeded(r.Context(), "ip")
			}
			w.Header().Set("Retry-After", "1")
			h.writeError(w, ErrorCodeRateLimitExceeded, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// instrument records a span and the request metrics, labelled with the
// matched route pattern so path parameters do not explode cardinality
func (h *Handler) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := r.Context()
		var span trace.Span
		if h.tracer != nil {
			ctx, span = h.tracer.Start(ctx, "http.request")
			defer span.End()
			if h.server.Instrumentation.ShouldLogClientIPs() {
				instrumentation.AddSecurityAttributes(span, h.clientIP(r))
			}
		}

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))

		endpoint := r.URL.Path
		if rctx := chi.RouteContext(ctx); rctx != nil && rctx.RoutePattern() != "" {
			endpoint = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		instrumentation.AddHTTPAttributes(span, r.Method, endpoint, status)
		if h.server.Instrumentation != nil {
			h.server.Instrumentation.Metrics().RecordHTTPRequest(ctx, r.Method, endpoint, status,
				float64(time.Since(start).Microseconds())/1000)
		}
	})
}

// writeAuthorizationResult delivers a front channel response to the user agent
func (h *Handler) writeAuthorizationResult(w http.ResponseWriter, r *http.Request, result *server.AuthorizationResult) {
	switch {
	case result.RedirectURL != "":
		security.SetSecurityHeaders(w, h.server.Config.Issuer)
		http.Redirect(w, r, result.RedirectURL, http.StatusFound)
	case result.FormPost != nil:
		h.renderPage(w, formPostTemplate, http.StatusOK, result.FormPost)
	case result.Error != nil:
		h.renderPage(w, errorPageTemplate, result.Error.Status, result.Error)
	default:
		h.writeAuthorizationError(w, r, errors.New("empty authorization result"))
	}
}

// writeAuthorizationError renders an engine failure on the front channel.
// There is no redirect URI to trust here, so the error is shown inline.
func (h *Handler) writeAuthorizationError(w http.ResponseWriter, r *http.Request, err error) {
	perr := protocol.AsError(err)
	if perr.Code == ErrorCodeServerError {
		h.logger.Error("Authorization failed",
			"interaction_id", security.GetInteractionID(r.Context()),
			"error", err)
	}
	h.renderPage(w, errorPageTemplate, perr.Status, perr)
}

var (
	formPostTemplate = template.Must(template.New("form_post").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Submit this form</title></head>
<body>
<form method="post" action="{{.Data.Action}}">
{{range $name, $value := .Data.Params}}<input type="hidden" name="{{$name}}" value="{{$value}}">
{{end}}<noscript><button type="submit">Continue</button></noscript>
</form>
<script nonce="{{.Nonce}}">document.forms[0].submit();</script>
</body>
</html>
`))

	errorPageTemplate = template.Must(template.New("error").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Authorization error</title>
<style>body{font-family:sans-serif;margin:3em;color:#333}</style></head>
<body>
<h1>Authorization failed</h1>
<p><code>{{.Data.Code}}</code></p>
<p>{{.Data.Description}}</p>
</body>
</html>
`))
)

// renderPage renders an HTML page with a per-response script nonce
func (h *Handler) renderPage(w http.ResponseWriter, tmpl *template.Template, status int, data any) {
	nonce, err := scriptNonce()
	if err != nil {
		h.logger.Error("Failed to generate script nonce", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	security.SetFormPostHeaders(w, h.server.Config.Issuer, nonce)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := tmpl.Execute(w, struct {
		Nonce string
		Data  any
	}{Nonce: nonce, Data: data}); err != nil {
		h.logger.Error("Failed to render page", "template", tmpl.Name(), "error", err)
	}
}

func scriptNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return base64.RawStdEncoding.EncodeToString(b), nil
}
