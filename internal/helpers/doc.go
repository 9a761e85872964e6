// Package helpers holds the outbound request guards shared by the JWKS
// fetcher, the arrangement revocation notifier and registration metadata
// validation.
package helpers
