package validation

import (
	"crypto/subtle"
	"errors"
	"net/http"

	"github.com/giantswarm/cdr-auth/protocol"
	"github.com/giantswarm/cdr-auth/security"
)

// ErrHolderOfKeyMismatch is the 401 returned when the presented certificate
// is not the one the token or grant was bound to
var ErrHolderOfKeyMismatch = protocol.ErrInvalidToken("the presented client certificate does not match the token binding")

// CertificateBinding resolves the thumbprint of the client certificate on r.
// trustedHeader names the header a TLS terminating gateway forwards the
// certificate in; it is only consulted when the connection itself carries none.
func CertificateBinding(r *http.Request, trustedHeader string) (string, error) {
	thumbprint, err := security.ClientCertificateThumbprint(r, trustedHeader)
	if err != nil {
		if errors.Is(err, security.ErrNoClientCertificate) {
			return "", protocol.ErrInvalidClient("a client certificate is required")
		}
		return "", protocol.ErrInvalidClientRequest("the forwarded client certificate could not be read")
	}
	return thumbprint, nil
}

// RequireHolderOfKey compares the thumbprint recorded at issuance with the
// thumbprint of the certificate presented now. An empty expected thumbprint
// means the token was issued unbound and is accepted only when allowUnbound.
func RequireHolderOfKey(expected, presented string, allowUnbound bool) error {
	if expected == "" {
		if allowUnbound {
			return nil
		}
		return ErrHolderOfKeyMismatch
	}
	if presented == "" || subtle.ConstantTimeCompare([]byte(expected), []byte(presented)) != 1 {
		return ErrHolderOfKeyMismatch
	}
	return nil
}

// IsHolderOfKeyMismatch reports whether err is a binding failure
func IsHolderOfKeyMismatch(err error) bool {
	return errors.Is(err, ErrHolderOfKeyMismatch)
}
