// Package instrumentation provides OpenTelemetry metrics and tracing for the
// CDR authorization server.
//
// # Quick Start
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		Enabled:        true,
//		ServiceName:    "cdr-auth",
//		ServiceVersion: "1.0.0",
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
//
//	internalMux.Handle("/metrics", inst.MetricsHandler())
//
// Metrics are exported through the OpenTelemetry Prometheus exporter into a
// registry owned by the Instrumentation value, so MetricsHandler must be used
// instead of promhttp.Handler.
//
// # Available Metrics
//
// HTTP:
//   - cdr_auth.http.requests.total{method, endpoint, status}
//   - cdr_auth.http.request.duration{endpoint}
//
// Protocol:
//   - cdr_auth.par.created{client_id, response_type}
//   - cdr_auth.authorization.completed{client_id, response_mode, success}
//   - cdr_auth.code.exchanged{client_id, amended}
//   - cdr_auth.token.refreshed{client_id}
//   - cdr_auth.token.client_credentials{client_id}
//   - cdr_auth.token.revoked{client_id, token_type}
//   - cdr_auth.arrangement.revoked{client_id, initiator}
//   - cdr_auth.introspection.total{endpoint, active}
//   - cdr_auth.client.registration{operation}
//   - cdr_auth.notification.failures{client_id}
//
// Security:
//   - cdr_auth.rate_limit.exceeded{limiter_type}
//   - cdr_auth.pkce.validation_failed{method}
//   - cdr_auth.code.reuse_detected
//   - cdr_auth.hok.mismatch{endpoint}
//   - cdr_auth.assertion.replay_detected
//   - cdr_auth.audit.events.total{event_type}
//
// Storage:
//   - storage.operation.total{operation, result}
//   - storage.operation.duration{operation}
//   - storage.grants.count, storage.clients.count, storage.blacklist.count
//
// Keys:
//   - cdr_auth.keys.cache_lookups{hit}
//   - cdr_auth.jwks.fetches{success}
package instrumentation
