// Package protocol holds the wire-level vocabulary shared by every layer of the
// authorization server: OAuth2 error codes, the CDS error envelope, and the
// response type, response mode, grant type and algorithm identifiers.
package protocol

import (
	"errors"
	"fmt"
	"net/http"
)

// OAuth error codes as constants
const (
	ErrorCodeInvalidRequest           = "invalid_request"
	ErrorCodeInvalidRequestObject     = "invalid_request_object"
	ErrorCodeInvalidRequestURI        = "invalid_request_uri"
	ErrorCodeInvalidGrant             = "invalid_grant"
	ErrorCodeInvalidClient            = "invalid_client"
	ErrorCodeInvalidScope             = "invalid_scope"
	ErrorCodeInvalidToken             = "invalid_token"
	ErrorCodeUnauthorizedClient       = "unauthorized_client"
	ErrorCodeUnsupportedGrantType     = "unsupported_grant_type"
	ErrorCodeUnsupportedResponseType  = "unsupported_response_type"
	ErrorCodeServerError              = "server_error"
	ErrorCodeAccessDenied             = "access_denied"
	ErrorCodeInvalidRedirectURI       = "invalid_redirect_uri"
	ErrorCodeInvalidClientMetadata    = "invalid_client_metadata"
	ErrorCodeInvalidSoftwareStatement = "invalid_software_statement"
	ErrorCodeUnapprovedSoftwareStmt   = "unapproved_software_statement"
	ErrorCodeRateLimitExceeded        = "rate_limit_exceeded"
)

// Error represents an OAuth 2.0 error response
type Error struct {
	Code        string // OAuth error code (e.g., "invalid_request", "invalid_grant")
	Description string // Human-readable error description
	Status      int    // HTTP status code
}

// Error implements the error interface
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewError creates a new OAuth error
func NewError(code, description string, status int) *Error {
	return &Error{
		Code:        code,
		Description: description,
		Status:      status,
	}
}

// AsError extracts an *Error from err. Anything that is not already a
// protocol error is reported as server_error so internals never reach the wire.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var oe *Error
	if errors.As(err, &oe) {
		return oe
	}
	return ErrServerError("internal server error")
}

var (
	// ErrInvalidRequest indicates the request is malformed or missing required parameters
	ErrInvalidRequest = func(desc string) *Error {
		return NewError(ErrorCodeInvalidRequest, desc, http.StatusBadRequest)
	}

	// ErrInvalidRequestObject indicates the signed request object failed validation
	ErrInvalidRequestObject = func(desc string) *Error {
		return NewError(ErrorCodeInvalidRequestObject, desc, http.StatusBadRequest)
	}

	// ErrInvalidRequestURI indicates a pushed request_uri is unknown, expired, used or not owned by the client
	ErrInvalidRequestURI = func(desc string) *Error {
		return NewError(ErrorCodeInvalidRequestURI, desc, http.StatusBadRequest)
	}

	// ErrInvalidGrant indicates the authorization code or refresh token is invalid or expired
	ErrInvalidGrant = func(desc string) *Error {
		return NewError(ErrorCodeInvalidGrant, desc, http.StatusBadRequest)
	}

	// ErrInvalidClient indicates client authentication failed
	ErrInvalidClient = func(desc string) *Error {
		return NewError(ErrorCodeInvalidClient, desc, http.StatusUnauthorized)
	}

	// ErrInvalidClientRequest is invalid_client reported with 400, used when the
	// assertion is absent or cannot be read at all.
	ErrInvalidClientRequest = func(desc string) *Error {
		return NewError(ErrorCodeInvalidClient, desc, http.StatusBadRequest)
	}

	// ErrInvalidScope indicates the requested scope is invalid or unsupported
	ErrInvalidScope = func(desc string) *Error {
		return NewError(ErrorCodeInvalidScope, desc, http.StatusBadRequest)
	}

	// ErrInvalidToken indicates the access token is invalid, expired or not bound to the presented certificate
	ErrInvalidToken = func(desc string) *Error {
		return NewError(ErrorCodeInvalidToken, desc, http.StatusUnauthorized)
	}

	// ErrUnauthorizedClient indicates the client is not authorized for the requested grant type
	ErrUnauthorizedClient = func(desc string) *Error {
		return NewError(ErrorCodeUnauthorizedClient, desc, http.StatusBadRequest)
	}

	// ErrUnsupportedGrantType indicates the grant type is not supported
	ErrUnsupportedGrantType = func(desc string) *Error {
		return NewError(ErrorCodeUnsupportedGrantType, desc, http.StatusBadRequest)
	}

	// ErrUnsupportedResponseType indicates the response type is not supported
	ErrUnsupportedResponseType = func(desc string) *Error {
		return NewError(ErrorCodeUnsupportedResponseType, desc, http.StatusBadRequest)
	}

	// ErrServerError indicates an internal server error occurred
	ErrServerError = func(desc string) *Error {
		return NewError(ErrorCodeServerError, desc, http.StatusInternalServerError)
	}

	// ErrAccessDenied indicates the user or authorization server denied the request
	ErrAccessDenied = func(desc string) *Error {
		return NewError(ErrorCodeAccessDenied, desc, http.StatusForbidden)
	}

	// ErrInvalidRedirectURI indicates the redirect URI is invalid or not registered
	ErrInvalidRedirectURI = func(desc string) *Error {
		return NewError(ErrorCodeInvalidRedirectURI, desc, http.StatusBadRequest)
	}

	// ErrInvalidClientMetadata indicates a registration request carries unacceptable metadata
	ErrInvalidClientMetadata = func(desc string) *Error {
		return NewError(ErrorCodeInvalidClientMetadata, desc, http.StatusBadRequest)
	}

	// ErrInvalidSoftwareStatement indicates the software statement could not be verified
	ErrInvalidSoftwareStatement = func(desc string) *Error {
		return NewError(ErrorCodeInvalidSoftwareStatement, desc, http.StatusBadRequest)
	}

	// ErrRateLimitExceeded indicates the caller exceeded its request budget
	ErrRateLimitExceeded = func(desc string) *Error {
		return NewError(ErrorCodeRateLimitExceeded, desc, http.StatusTooManyRequests)
	}
)

// CDS error codes used by the arrangement management API.
const (
	CDSCodeInvalidArrangement = "urn:au-cds:error:cds-all:Authorisation/InvalidArrangement"
	CDSCodeMissingField       = "urn:au-cds:error:cds-all:Field/Missing"
	CDSCodeInvalidField       = "urn:au-cds:error:cds-all:Field/Invalid"
)

// CDSError is a single entry of the Consumer Data Standards error envelope.
type CDSError struct {
	Code   string         `json:"code"`
	Title  string         `json:"title"`
	Detail string         `json:"detail"`
	Meta   map[string]any `json:"meta,omitempty"`
}

// CDSErrorList is the {errors:[...]} envelope returned with a non-2xx status.
type CDSErrorList struct {
	Status int        `json:"-"`
	Errors []CDSError `json:"errors"`
}

// Error implements the error interface
func (l *CDSErrorList) Error() string {
	if len(l.Errors) == 0 {
		return "cds error"
	}
	return fmt.Sprintf("%s: %s", l.Errors[0].Code, l.Errors[0].Detail)
}

// NewCDSError creates a single-entry CDS error list.
func NewCDSError(status int, code, title, detail string) *CDSErrorList {
	return &CDSErrorList{
		Status: status,
		Errors: []CDSError{{Code: code, Title: title, Detail: detail}},
	}
}

// ErrInvalidArrangement is returned with 422 when an arrangement is unknown or owned by another client.
func ErrInvalidArrangement(arrangementID string) *CDSErrorList {
	return NewCDSError(http.StatusUnprocessableEntity, CDSCodeInvalidArrangement,
		"Invalid Consent Arrangement", arrangementID)
}

// ErrMissingField is returned with 400 when a mandatory field is absent.
func ErrMissingField(field string) *CDSErrorList {
	return NewCDSError(http.StatusBadRequest, CDSCodeMissingField, "Missing Required Field", field)
}
