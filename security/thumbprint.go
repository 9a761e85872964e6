package security

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"net/http"
	"net/url"
)

// ErrNoClientCertificate is returned when no client certificate is presented
var ErrNoClientCertificate = errors.New("no client certificate presented")

// CertificateThumbprint returns the x5t#S256 value of cert: the base64url
// SHA-256 digest of its DER encoding.
func CertificateThumbprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// ClientCertificate returns the TLS client certificate of r. When the server
// sits behind a TLS terminating gateway, trustedHeader names the request
// header carrying the URL escaped PEM certificate forwarded by that gateway.
func ClientCertificate(r *http.Request, trustedHeader string) (*x509.Certificate, error) {
	if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
		return r.TLS.PeerCertificates[0], nil
	}
	if trustedHeader == "" {
		return nil, ErrNoClientCertificate
	}

	raw := r.Header.Get(trustedHeader)
	if raw == "" {
		return nil, ErrNoClientCertificate
	}
	if unescaped, err := url.QueryUnescape(raw); err == nil {
		raw = unescaped
	}

	block, _ := pem.Decode([]byte(raw))
	if block == nil {
		return nil, errors.New("forwarded client certificate is not PEM")
	}
	return x509.ParseCertificate(block.Bytes)
}

// ClientCertificateThumbprint combines ClientCertificate and CertificateThumbprint
func ClientCertificateThumbprint(r *http.Request, trustedHeader string) (string, error) {
	cert, err := ClientCertificate(r, trustedHeader)
	if err != nil {
		return "", err
	}
	return CertificateThumbprint(cert), nil
}
