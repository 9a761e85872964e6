package jwks

import (
	"context"
	"crypto/ecdsa"
	"crypto/rsa"
	"fmt"

	"github.com/go-jose/go-jose/v4"
)

// keyMatchesAlg reports whether key can serve alg. A key without an alg
// member matches any algorithm of its key type.
func keyMatchesAlg(key *jose.JSONWebKey, alg string) bool {
	if key.Algorithm != "" {
		return key.Algorithm == alg
	}
	switch key.Key.(type) {
	case *rsa.PublicKey:
		switch alg {
		case string(jose.PS256), string(jose.RS256), string(jose.RSA_OAEP), string(jose.RSA_OAEP_256):
			return true
		}
	case *ecdsa.PublicKey:
		return alg == string(jose.ES256)
	}
	return false
}

// SelectVerificationKey picks the signature key named by kid (any kid when
// empty) that can verify alg.
func SelectVerificationKey(set *jose.JSONWebKeySet, kid, alg string) (*jose.JSONWebKey, error) {
	if set == nil {
		return nil, ErrKeyNotFound
	}
	for i := range set.Keys {
		k := &set.Keys[i]
		if kid != "" && k.KeyID != kid {
			continue
		}
		if k.Use != "" && k.Use != "sig" {
			continue
		}
		if keyMatchesAlg(k, alg) {
			return k, nil
		}
	}
	return nil, fmt.Errorf("%w: kid %q alg %s", ErrKeyNotFound, kid, alg)
}

// SelectEncryptionKey picks the first RSA encryption key usable with alg
func SelectEncryptionKey(set *jose.JSONWebKeySet, alg string) (*jose.JSONWebKey, error) {
	if set == nil {
		return nil, ErrKeyNotFound
	}
	for i := range set.Keys {
		k := &set.Keys[i]
		if k.Use != "enc" {
			continue
		}
		if _, ok := k.Key.(*rsa.PublicKey); !ok {
			continue
		}
		if keyMatchesAlg(k, alg) {
			return k, nil
		}
	}
	return nil, fmt.Errorf("%w: encryption key for %s", ErrKeyNotFound, alg)
}

// VerificationKey resolves a signature key from uri. When the kid is not in
// the cached set the set is refreshed once, so recently rotated keys are found.
func VerificationKey(ctx context.Context, f Fetcher, uri, kid, alg string) (*jose.JSONWebKey, error) {
	set, err := f.Fetch(ctx, uri)
	if err != nil {
		return nil, err
	}
	key, err := SelectVerificationKey(set, kid, alg)
	if err == nil {
		return key, nil
	}

	set, refreshErr := f.Refresh(ctx, uri)
	if refreshErr != nil {
		return nil, refreshErr
	}
	return SelectVerificationKey(set, kid, alg)
}

// EncryptionKey resolves an encryption key for alg from uri
func EncryptionKey(ctx context.Context, f Fetcher, uri, alg string) (*jose.JSONWebKey, error) {
	set, err := f.Fetch(ctx, uri)
	if err != nil {
		return nil, err
	}
	return SelectEncryptionKey(set, alg)
}
