// Package keys supplies the authorization server's own key material: the
// signing keys behind ID tokens, access tokens and JARM responses, and the
// decryption keys for encrypted request objects. Keys come from a
// CertificateStore and are cached by Provider with a bounded TTL.
package keys

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"github.com/go-jose/go-jose/v4"
)

// Key uses as published in a JWK set
const (
	UseSignature  = "sig"
	UseEncryption = "enc"
)

// CertificateStore loads the server's private keys. Implementations may hit a
// remote key vault, so callers go through Provider which caches the result.
type CertificateStore interface {
	LoadKeys(ctx context.Context) ([]jose.JSONWebKey, error)
}

// StaticStore serves a fixed key list
type StaticStore struct {
	Keys []jose.JSONWebKey
}

// LoadKeys implements CertificateStore
func (s *StaticStore) LoadKeys(_ context.Context) ([]jose.JSONWebKey, error) {
	out := make([]jose.JSONWebKey, len(s.Keys))
	copy(out, s.Keys)
	return out, nil
}

// KeyFile describes one PEM encoded private key on disk
type KeyFile struct {
	Path  string
	KeyID string
	// Alg is the JWS or JWE algorithm the key serves. Defaults to PS256 for
	// RSA signing keys, RSA-OAEP-256 for RSA encryption keys and ES256 for P-256 keys.
	Alg string
	// Use is "sig" (default) or "enc"
	Use string
}

// FileStore reads PEM private keys (PKCS#1, PKCS#8 or SEC 1) on every load.
type FileStore struct {
	Files []KeyFile
}

// LoadKeys implements CertificateStore
func (s *FileStore) LoadKeys(_ context.Context) ([]jose.JSONWebKey, error) {
	out := make([]jose.JSONWebKey, 0, len(s.Files))
	for _, f := range s.Files {
		data, err := os.ReadFile(f.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to read key file %s: %w", f.Path, err)
		}
		key, err := ParsePrivateKeyPEM(data)
		if err != nil {
			return nil, fmt.Errorf("key file %s: %w", f.Path, err)
		}
		jwk, err := NewJWK(key, f.KeyID, f.Alg, f.Use)
		if err != nil {
			return nil, fmt.Errorf("key file %s: %w", f.Path, err)
		}
		out = append(out, jwk)
	}
	return out, nil
}

// ParsePrivateKeyPEM decodes the first PEM block in data into an RSA or ECDSA private key
func ParsePrivateKeyPEM(data []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("unsupported PKCS#8 key type %T", key)
		}
		return signer, nil
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	return nil, fmt.Errorf("unsupported private key in PEM block %q", block.Type)
}

// NewJWK wraps a private key as a JWK, filling in defaults for alg and use.
// An empty kid is replaced by the RFC 7638 SHA-256 thumbprint of the public key.
func NewJWK(key crypto.Signer, kid, alg, use string) (jose.JSONWebKey, error) {
	if use == "" {
		use = UseSignature
	}
	if use != UseSignature && use != UseEncryption {
		return jose.JSONWebKey{}, fmt.Errorf("unsupported key use %q", use)
	}

	switch k := key.(type) {
	case *rsa.PrivateKey:
		if k.N.BitLen() < 2048 {
			return jose.JSONWebKey{}, fmt.Errorf("RSA key must be at least 2048 bits, got %d", k.N.BitLen())
		}
		if alg == "" {
			alg = string(jose.PS256)
			if use == UseEncryption {
				alg = string(jose.RSA_OAEP_256)
			}
		}
	case *ecdsa.PrivateKey:
		if k.Curve != elliptic.P256() {
			return jose.JSONWebKey{}, errors.New("only P-256 EC keys are supported")
		}
		if use == UseEncryption {
			return jose.JSONWebKey{}, errors.New("EC keys can only be used for signing")
		}
		if alg == "" {
			alg = string(jose.ES256)
		}
	default:
		return jose.JSONWebKey{}, fmt.Errorf("unsupported key type %T", key)
	}

	jwk := jose.JSONWebKey{Key: key, KeyID: kid, Algorithm: alg, Use: use}
	if jwk.KeyID == "" {
		pub := jwk.Public()
		tp, err := pub.Thumbprint(crypto.SHA256)
		if err != nil {
			return jose.JSONWebKey{}, fmt.Errorf("failed to compute key thumbprint: %w", err)
		}
		jwk.KeyID = base64.RawURLEncoding.EncodeToString(tp)
	}
	return jwk, nil
}

// Generate returns a StaticStore holding freshly generated PS256 and ES256
// signing keys and, when withEncryption is set, an RSA-OAEP-256 encryption
// key. Keys are lost on restart, so this is for development only.
func Generate(withEncryption bool) (*StaticStore, error) {
	store := &StaticStore{}

	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("failed to generate RSA key: %w", err)
	}
	jwk, err := NewJWK(rsaKey, "", string(jose.PS256), UseSignature)
	if err != nil {
		return nil, err
	}
	store.Keys = append(store.Keys, jwk)

	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate EC key: %w", err)
	}
	jwk, err = NewJWK(ecKey, "", string(jose.ES256), UseSignature)
	if err != nil {
		return nil, err
	}
	store.Keys = append(store.Keys, jwk)

	if withEncryption {
		encKey, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, fmt.Errorf("failed to generate RSA encryption key: %w", err)
		}
		jwk, err = NewJWK(encKey, "", string(jose.RSA_OAEP_256), UseEncryption)
		if err != nil {
			return nil, err
		}
		store.Keys = append(store.Keys, jwk)
	}

	return store, nil
}
