// Package server implements the engines of the CDR authorization server.
//
// A Server takes a pushed authorization request through to tokens and manages
// what it leaves behind:
//   - PushAuthorizationRequest validates a signed request object and stores
//     it under a one-time request_uri
//   - Authorize and CompleteAuthorization consume the request_uri, issue an
//     authorization code and deliver it by query, fragment, form_post or JARM
//   - Token redeems authorization codes, refresh tokens and client credentials,
//     keeping every CDR arrangement in lock-step with one refresh token
//   - Introspect, IntrospectInternal, Revoke, RevokeArrangement and
//     RevokeArrangementByHolder report on and terminate grants
//   - RegisterClient and the registration management methods implement
//     dynamic client registration from Register signed software statements
//
// Every protected call is authenticated with private_key_jwt and bound to the
// client's TLS certificate. Protocol failures are returned as *protocol.Error
// or *protocol.CDSErrorList; any other error is internal and must be reported
// as server_error.
//
// Example usage:
//
//	store := memory.New()
//	tokens, _ := issuer.New(issuer.Config{Issuer: "https://auth.example"}, keyProvider, fetcher)
//
//	srv, err := server.New(store, tokens, fetcher, &server.Config{
//	    Issuer:          "https://auth.example",
//	    RegisterJWKSURI: "https://register.example/jwks",
//	    AuthUIURL:       "https://consent.example/login",
//	}, logger)
package server
