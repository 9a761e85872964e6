// Package security provides the cross-cutting protections used by the
// authorization server.
//
// # Rate Limiting
//
// RateLimiter is a per-identifier token bucket (golang.org/x/time/rate) with
// LRU eviction so a flood of distinct client addresses cannot exhaust memory.
// The HTTP layer keys it by client IP for PAR, token and registration.
//
//	limiter := security.NewRateLimiter(10, 20, logger)
//	defer limiter.Stop()
//	if !limiter.Allow(security.GetClientIP(r, trustProxy, proxyCount)) { ... }
//
// # Holder of Key
//
// CertificateThumbprint computes the x5t#S256 confirmation value bound into
// every access token. ClientCertificate reads the certificate from the TLS
// connection or from a header set by a trusted TLS terminating gateway.
//
// # Pairwise Subjects
//
// PairwiseSubject derives the sub claim each data recipient sees with
// HKDF-SHA256 over the internal customer id, keyed by a deployment secret and
// scoped by the recipient's sector.
//
// # Audit Logging
//
// Auditor emits structured security_audit records through log/slog with
// subject identifiers hashed. Event types are defined in events.go.
//
// # Encryption at Rest
//
// Encryptor seals grant payloads with AES-256-GCM before they reach a
// persistent backend.
package security
