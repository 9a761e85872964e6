package oauth

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/giantswarm/cdr-auth/protocol"
	"github.com/giantswarm/cdr-auth/security"
)

// Error is an OAuth 2.0 error response value
type Error = protocol.Error

// CDSErrorList is the Consumer Data Standards error envelope
type CDSErrorList = protocol.CDSErrorList

// OAuth error codes as constants
const (
	ErrorCodeInvalidRequest           = protocol.ErrorCodeInvalidRequest
	ErrorCodeInvalidRequestObject     = protocol.ErrorCodeInvalidRequestObject
	ErrorCodeInvalidRequestURI        = protocol.ErrorCodeInvalidRequestURI
	ErrorCodeInvalidGrant             = protocol.ErrorCodeInvalidGrant
	ErrorCodeInvalidClient            = protocol.ErrorCodeInvalidClient
	ErrorCodeInvalidScope             = protocol.ErrorCodeInvalidScope
	ErrorCodeInvalidToken             = protocol.ErrorCodeInvalidToken
	ErrorCodeUnauthorizedClient       = protocol.ErrorCodeUnauthorizedClient
	ErrorCodeUnsupportedGrantType     = protocol.ErrorCodeUnsupportedGrantType
	ErrorCodeUnsupportedResponseType  = protocol.ErrorCodeUnsupportedResponseType
	ErrorCodeServerError              = protocol.ErrorCodeServerError
	ErrorCodeAccessDenied             = protocol.ErrorCodeAccessDenied
	ErrorCodeInvalidRedirectURI       = protocol.ErrorCodeInvalidRedirectURI
	ErrorCodeInvalidClientMetadata    = protocol.ErrorCodeInvalidClientMetadata
	ErrorCodeInvalidSoftwareStatement = protocol.ErrorCodeInvalidSoftwareStatement
	ErrorCodeRateLimitExceeded        = protocol.ErrorCodeRateLimitExceeded
)

// writeError writes an OAuth error body. 401 responses carry a Bearer
// challenge naming the error.
func (h *Handler) writeError(w http.ResponseWriter, code, description string, status int) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)

	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", formatWWWAuthenticate(code, description))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:            code,
		ErrorDescription: description,
	})
}

// writeCDSError writes the CDS error envelope
func (h *Handler) writeCDSError(w http.ResponseWriter, list *protocol.CDSErrorList) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(list.Status)
	_ = json.NewEncoder(w).Encode(list)
}

// writeEngineError maps an engine failure onto the wire. Anything that is
// not a protocol error is logged and reported as server_error.
func (h *Handler) writeEngineError(w http.ResponseWriter, r *http.Request, endpoint string, err error) {
	var list *protocol.CDSErrorList
	if errors.As(err, &list) {
		h.writeCDSError(w, list)
		return
	}
	var oe *protocol.Error
	if !errors.As(err, &oe) {
		h.logger.Error("Request failed",
			"endpoint", endpoint,
			"interaction_id", security.GetInteractionID(r.Context()),
			"error", err)
		oe = protocol.ErrServerError("internal server error")
	}
	h.writeError(w, oe.Code, oe.Description, oe.Status)
}

// formatWWWAuthenticate formats the WWW-Authenticate header value per RFC 6750
// section 3. Quoted values are escaped to keep the header well formed.
func formatWWWAuthenticate(errCode, errorDesc string) string {
	var params []string
	if errCode != "" {
		params = append(params, fmt.Sprintf(`error="%s"`, quoteEscape(errCode)))
	}
	if errorDesc != "" {
		params = append(params, fmt.Sprintf(`error_description="%s"`, quoteEscape(errorDesc)))
	}
	if len(params) == 0 {
		return protocol.TokenTypeBearer
	}
	return protocol.TokenTypeBearer + " " + strings.Join(params, ", ")
}

// quoteEscape escapes backslashes first, then quotes
func quoteEscape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}
