package security

// Audit event types
const (
	// Authorization flow
	EventPARCreated               = "par_created"
	EventRequestURIRejected       = "request_uri_rejected"
	EventAuthorizationCodeIssued  = "authorization_code_issued"
	EventAuthorizationDenied      = "authorization_denied"
	EventAuthorizationCodeReuse   = "authorization_code_reuse_detected"
	EventPKCEValidationFailed     = "pkce_validation_failed"
	EventScopeEscalationAttempt   = "scope_escalation_attempt"
	EventInvalidRedirect          = "invalid_redirect"
	EventRequestObjectRejected    = "request_object_rejected"
	EventInteractionAuthFailure   = "interaction_auth_failure"
	EventConsentCallbackCompleted = "consent_callback_completed"

	// Tokens
	EventTokenIssued            = "token_issued"
	EventTokenRefreshed         = "token_refreshed"
	EventTokenRevoked           = "token_revoked"
	EventForeignTokenRevocation = "foreign_token_revocation_attempt"

	// Arrangements
	EventArrangementCreated  = "arrangement_created"
	EventArrangementAmended  = "arrangement_amended"
	EventArrangementRevoked  = "arrangement_revoked"
	EventNotificationFailed  = "arrangement_notification_failed"
	EventNotificationSkipped = "arrangement_notification_skipped"

	// Client authentication and binding
	EventAuthFailure         = "auth_failure"
	EventAssertionReplay     = "client_assertion_replay"
	EventHolderOfKeyMismatch = "holder_of_key_mismatch"
	EventCertificateMissing  = "client_certificate_missing"
	EventRateLimitExceeded   = "rate_limit_exceeded"

	// Registration
	EventClientRegistered           = "client_registered"
	EventClientUpdated              = "client_updated"
	EventClientDeleted              = "client_deleted"
	EventClientRegistrationRejected = "client_registration_rejected"
)
