package validation

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/cdr-auth/internal/testutil"
	"github.com/giantswarm/cdr-auth/protocol"
	"github.com/giantswarm/cdr-auth/security"
)

const certHeader = "X-Client-Cert"

func requestWithCert(cert *x509.Certificate) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "https://auth.example/connect/token", nil)
	if cert != nil {
		r.TLS = &tls.ConnectionState{PeerCertificates: []*x509.Certificate{cert}}
	}
	return r
}

func TestCertificateBinding(t *testing.T) {
	cert := testutil.Certificate(t, "recipient")

	thumb, err := CertificateBinding(requestWithCert(cert), "")
	require.NoError(t, err)
	assert.Equal(t, security.CertificateThumbprint(cert), thumb)

	_, err = CertificateBinding(requestWithCert(nil), "")
	requireProtocolError(t, err, protocol.ErrorCodeInvalidClient, http.StatusUnauthorized)
}

func TestCertificateBinding_ForwardedHeader(t *testing.T) {
	cert := testutil.Certificate(t, "recipient")
	pemCert := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})

	r := requestWithCert(nil)
	r.Header.Set(certHeader, url.QueryEscape(string(pemCert)))
	thumb, err := CertificateBinding(r, certHeader)
	require.NoError(t, err)
	assert.Equal(t, security.CertificateThumbprint(cert), thumb)

	r = requestWithCert(nil)
	r.Header.Set(certHeader, "not a certificate")
	_, err = CertificateBinding(r, certHeader)
	requireProtocolError(t, err, protocol.ErrorCodeInvalidClient, http.StatusBadRequest)
}

func TestRequireHolderOfKey(t *testing.T) {
	tests := []struct {
		name         string
		expected     string
		presented    string
		allowUnbound bool
		wantErr      bool
	}{
		{name: "match", expected: "a", presented: "a"},
		{name: "mismatch", expected: "a", presented: "b", wantErr: true},
		{name: "nothing presented", expected: "a", presented: "", wantErr: true},
		{name: "unbound allowed", expected: "", presented: "b", allowUnbound: true},
		{name: "unbound rejected", expected: "", presented: "b", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := RequireHolderOfKey(tt.expected, tt.presented, tt.allowUnbound)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			assert.True(t, IsHolderOfKeyMismatch(err))
			requireProtocolError(t, err, protocol.ErrorCodeInvalidToken, http.StatusUnauthorized)
		})
	}
}
