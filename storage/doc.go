// Package storage defines the persistence contracts of the authorization
// server: the grant store (pushed requests, authorization codes, refresh
// tokens and CDR arrangements), the token blacklist and the client registry.
//
// Grants are keyed by (GrantType, Key). Lookups that name a client only see
// that client's grants, and every read treats an expired grant as absent.
// Single use is enforced by MarkGrantUsed, which is atomic in every backend.
//
// Implementations are provided in subpackages:
//   - storage/memory: in-process maps for development, tests and single replicas
//   - storage/sqlstore: SQLite or PostgreSQL with goose managed migrations
//   - storage/redis: Redis for horizontally scaled deployments
//
// storage/storagetest is a conformance suite every backend runs in its tests.
package storage
