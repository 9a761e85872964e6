package security

import (
	"net/http"
	"strings"
)

// SetSecurityHeaders sets the response headers every OAuth endpoint carries.
// Token, registration and introspection responses must never be cached.
func SetSecurityHeaders(w http.ResponseWriter, issuer string) {
	h := w.Header()
	h.Set("X-Frame-Options", "DENY")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
	h.Set("Referrer-Policy", "no-referrer")

	if strings.HasPrefix(issuer, "https://") {
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
	}

	h.Set("Cache-Control", "no-store")
	h.Set("Pragma", "no-cache")
}

// SetFormPostHeaders relaxes the policy for the self-submitting form_post page
// and the inline error page: inline script is allowed only with the given nonce.
func SetFormPostHeaders(w http.ResponseWriter, issuer, scriptNonce string) {
	SetSecurityHeaders(w, issuer)
	w.Header().Set("Content-Security-Policy",
		"default-src 'none'; style-src 'unsafe-inline'; script-src 'nonce-"+scriptNonce+"'; form-action *; frame-ancestors 'none'")
}
