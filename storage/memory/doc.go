// Package memory provides an in-memory implementation of storage.Store.
//
// Grants, blacklist entries and clients live in maps guarded by a single
// sync.RWMutex, so every operation, including the arrangement cascade, is
// atomic. Expiry is evaluated on read; a background sweep reclaims memory.
// Nothing is persisted, which makes the store suitable for development, tests
// and single-instance deployments.
//
//	store := memory.New()
//	defer store.Stop()
package memory
