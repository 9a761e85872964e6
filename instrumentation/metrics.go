package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments of the authorization server
type Metrics struct {
	// HTTP
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// Protocol flows
	PARCreated             metric.Int64Counter
	AuthorizationCompleted metric.Int64Counter
	CodeExchanged          metric.Int64Counter
	TokenRefreshed         metric.Int64Counter
	ClientCredentialsToken metric.Int64Counter
	TokenRevoked           metric.Int64Counter
	ArrangementRevoked     metric.Int64Counter
	Introspections         metric.Int64Counter
	ClientRegistration     metric.Int64Counter
	NotificationFailures   metric.Int64Counter

	// Security
	RateLimitExceeded       metric.Int64Counter
	PKCEValidationFailed    metric.Int64Counter
	CodeReuseDetected       metric.Int64Counter
	HolderOfKeyMismatch     metric.Int64Counter
	AssertionReplayDetected metric.Int64Counter
	AuditEventsTotal        metric.Int64Counter

	// Storage
	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram
	StorageGrantsCount       metric.Int64ObservableGauge
	StorageClientsCount      metric.Int64ObservableGauge
	StorageBlacklistCount    metric.Int64ObservableGauge

	// Key material and remote key sets
	KeyCacheLookups metric.Int64Counter
	JWKSFetches     metric.Int64Counter

	// Encryption at rest
	EncryptionOperationsTotal metric.Int64Counter
}

type counterSpec struct {
	target *metric.Int64Counter
	meter  metric.Meter
	name   string
	desc   string
	unit   string
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}

	httpMeter := inst.Meter("http")
	serverMeter := inst.Meter("server")
	securityMeter := inst.Meter("security")
	storageMeter := inst.Meter("storage")
	keysMeter := inst.Meter("keys")

	counters := []counterSpec{
		{&m.HTTPRequestsTotal, httpMeter, "cdr_auth.http.requests.total", "Total number of HTTP requests", "{request}"},
		{&m.PARCreated, serverMeter, "cdr_auth.par.created", "Number of pushed authorization requests accepted", "{request}"},
		{&m.AuthorizationCompleted, serverMeter, "cdr_auth.authorization.completed", "Number of authorization responses sent", "{response}"},
		{&m.CodeExchanged, serverMeter, "cdr_auth.code.exchanged", "Number of authorization codes exchanged for tokens", "{exchange}"},
		{&m.TokenRefreshed, serverMeter, "cdr_auth.token.refreshed", "Number of refresh token grants", "{refresh}"},
		{&m.ClientCredentialsToken, serverMeter, "cdr_auth.token.client_credentials", "Number of client credentials grants", "{grant}"},
		{&m.TokenRevoked, serverMeter, "cdr_auth.token.revoked", "Number of tokens revoked", "{revocation}"},
		{&m.ArrangementRevoked, serverMeter, "cdr_auth.arrangement.revoked", "Number of CDR arrangements revoked", "{arrangement}"},
		{&m.Introspections, serverMeter, "cdr_auth.introspection.total", "Number of introspection requests", "{request}"},
		{&m.ClientRegistration, serverMeter, "cdr_auth.client.registration", "Number of dynamic client registration operations", "{operation}"},
		{&m.NotificationFailures, serverMeter, "cdr_auth.notification.failures", "Number of failed arrangement revocation notifications", "{failure}"},
		{&m.RateLimitExceeded, securityMeter, "cdr_auth.rate_limit.exceeded", "Number of rate limit violations", "{violation}"},
		{&m.PKCEValidationFailed, securityMeter, "cdr_auth.pkce.validation_failed", "Number of PKCE validation failures", "{failure}"},
		{&m.CodeReuseDetected, securityMeter, "cdr_auth.code.reuse_detected", "Number of authorization code reuse attempts", "{attempt}"},
		{&m.HolderOfKeyMismatch, securityMeter, "cdr_auth.hok.mismatch", "Number of certificate binding mismatches", "{mismatch}"},
		{&m.AssertionReplayDetected, securityMeter, "cdr_auth.assertion.replay_detected", "Number of replayed client assertions", "{attempt}"},
		{&m.AuditEventsTotal, securityMeter, "cdr_auth.audit.events.total", "Total number of audit events", "{event}"},
		{&m.StorageOperationTotal, storageMeter, "storage.operation.total", "Total number of storage operations", "{operation}"},
		{&m.KeyCacheLookups, keysMeter, "cdr_auth.keys.cache_lookups", "Signing key cache lookups", "{lookup}"},
		{&m.JWKSFetches, keysMeter, "cdr_auth.jwks.fetches", "Remote JWKS fetches", "{fetch}"},
		{&m.EncryptionOperationsTotal, securityMeter, "cdr_auth.encryption.operations.total", "Total number of encryption/decryption operations", "{operation}"},
	}

	for _, c := range counters {
		counter, err := c.meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit(c.unit))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
		*c.target = counter
	}

	var err error
	m.HTTPRequestDuration, err = httpMeter.Float64Histogram(
		"cdr_auth.http.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.request.duration histogram: %w", err)
	}

	m.StorageOperationDuration, err = storageMeter.Float64Histogram(
		"storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.duration histogram: %w", err)
	}

	m.StorageGrantsCount, err = storageMeter.Int64ObservableGauge(
		"storage.grants.count",
		metric.WithDescription("Number of grants held by the store"),
		metric.WithUnit("{grant}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.grants.count gauge: %w", err)
	}

	m.StorageClientsCount, err = storageMeter.Int64ObservableGauge(
		"storage.clients.count",
		metric.WithDescription("Number of registered clients"),
		metric.WithUnit("{client}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.clients.count gauge: %w", err)
	}

	m.StorageBlacklistCount, err = storageMeter.Int64ObservableGauge(
		"storage.blacklist.count",
		metric.WithDescription("Number of blacklisted token identifiers"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.blacklist.count gauge: %w", err)
	}

	return m, nil
}

// RecordHTTPRequest records an HTTP request metric
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, statusCode int, durationMs float64) {
	m.HTTPRequestsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("endpoint", endpoint),
		attribute.Int("status", statusCode),
	))
	m.HTTPRequestDuration.Record(ctx, durationMs, metric.WithAttributes(attribute.String("endpoint", endpoint)))
}

// RecordPARCreated records an accepted pushed authorization request
func (m *Metrics) RecordPARCreated(ctx context.Context, clientID, responseType string) {
	m.PARCreated.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.String("response_type", responseType),
	))
}

// RecordAuthorizationCompleted records an authorization response, success or error
func (m *Metrics) RecordAuthorizationCompleted(ctx context.Context, clientID, responseMode string, success bool) {
	m.AuthorizationCompleted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.String("response_mode", responseMode),
		attribute.Bool("success", success),
	))
}

// RecordCodeExchange records an authorization code exchange
func (m *Metrics) RecordCodeExchange(ctx context.Context, clientID string, amended bool) {
	m.CodeExchanged.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.Bool("amended", amended),
	))
}

// RecordTokenRefresh records a refresh token grant
func (m *Metrics) RecordTokenRefresh(ctx context.Context, clientID string) {
	m.TokenRefreshed.Add(ctx, 1, metric.WithAttributes(attribute.String("client_id", clientID)))
}

// RecordClientCredentials records a client credentials grant
func (m *Metrics) RecordClientCredentials(ctx context.Context, clientID string) {
	m.ClientCredentialsToken.Add(ctx, 1, metric.WithAttributes(attribute.String("client_id", clientID)))
}

// RecordTokenRevocation records a token revocation
func (m *Metrics) RecordTokenRevocation(ctx context.Context, clientID, tokenType string) {
	m.TokenRevoked.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.String("token_type", tokenType),
	))
}

// RecordArrangementRevocation records a CDR arrangement revocation
func (m *Metrics) RecordArrangementRevocation(ctx context.Context, clientID, initiator string) {
	m.ArrangementRevoked.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.String("initiator", initiator),
	))
}

// RecordIntrospection records an introspection request and whether the token was active
func (m *Metrics) RecordIntrospection(ctx context.Context, endpoint string, active bool) {
	m.Introspections.Add(ctx, 1, metric.WithAttributes(
		attribute.String("endpoint", endpoint),
		attribute.Bool("active", active),
	))
}

// RecordClientRegistration records a DCR operation (create, read, update, delete)
func (m *Metrics) RecordClientRegistration(ctx context.Context, operation string) {
	m.ClientRegistration.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", operation)))
}

// RecordNotificationFailure records a failed downstream revocation notification
func (m *Metrics) RecordNotificationFailure(ctx context.Context, clientID string) {
	m.NotificationFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("client_id", clientID)))
}

// RecordRateLimitExceeded records a rate limit violation
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, limiterType string) {
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(attribute.String("limiter_type", limiterType)))
}

// RecordPKCEValidationFailed records a PKCE validation failure
func (m *Metrics) RecordPKCEValidationFailed(ctx context.Context, method string) {
	m.PKCEValidationFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("method", method)))
}

// RecordCodeReuseDetected records an authorization code reuse attempt
func (m *Metrics) RecordCodeReuseDetected(ctx context.Context) {
	m.CodeReuseDetected.Add(ctx, 1)
}

// RecordHolderOfKeyMismatch records a certificate thumbprint mismatch
func (m *Metrics) RecordHolderOfKeyMismatch(ctx context.Context, endpoint string) {
	m.HolderOfKeyMismatch.Add(ctx, 1, metric.WithAttributes(attribute.String("endpoint", endpoint)))
}

// RecordAssertionReplay records a replayed client assertion jti
func (m *Metrics) RecordAssertionReplay(ctx context.Context) {
	m.AssertionReplayDetected.Add(ctx, 1)
}

// RecordAuditEvent records an audit event
func (m *Metrics) RecordAuditEvent(ctx context.Context, eventType string) {
	m.AuditEventsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))
}

// RecordStorageOperation records a storage operation
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, result string, durationMs float64) {
	m.StorageOperationTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("result", result),
	))
	m.StorageOperationDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("operation", operation),
	))
}

// RecordKeyCacheLookup records a signing key cache lookup
func (m *Metrics) RecordKeyCacheLookup(ctx context.Context, hit bool) {
	m.KeyCacheLookups.Add(ctx, 1, metric.WithAttributes(attribute.Bool("hit", hit)))
}

// RecordJWKSFetch records a remote JWKS fetch
func (m *Metrics) RecordJWKSFetch(ctx context.Context, success bool) {
	m.JWKSFetches.Add(ctx, 1, metric.WithAttributes(attribute.Bool("success", success)))
}

// RecordEncryptionOperation records an encryption or decryption at rest
func (m *Metrics) RecordEncryptionOperation(ctx context.Context, operation string) {
	m.EncryptionOperationsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", operation)))
}
