package security

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"net/url"

	"golang.org/x/crypto/hkdf"
)

const pairwiseSubjectLength = 32

// PairwiseSubject derives the subject identifier a data recipient sees for a
// customer. The same customer gets a stable but different identifier for
// every sector, and the internal id cannot be recovered from it.
func PairwiseSubject(secret []byte, sector, customerID string) (string, error) {
	if len(secret) == 0 {
		return "", fmt.Errorf("pairwise secret cannot be empty")
	}
	if customerID == "" {
		return "", fmt.Errorf("customer id cannot be empty")
	}

	r := hkdf.New(sha256.New, []byte(customerID), secret, []byte(sector))
	out := make([]byte, pairwiseSubjectLength)
	if _, err := io.ReadFull(r, out); err != nil {
		return "", fmt.Errorf("failed to derive pairwise subject: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(out), nil
}

// SectorIdentifier picks the sector for pairwise derivation: the host of the
// sector_identifier_uri, else the host of the first redirect URI, else the
// software product id.
func SectorIdentifier(sectorIdentifierURI string, redirectURIs []string, softwareID string) string {
	if host := hostOf(sectorIdentifierURI); host != "" {
		return host
	}
	if len(redirectURIs) > 0 {
		if host := hostOf(redirectURIs[0]); host != "" {
			return host
		}
	}
	return softwareID
}

func hostOf(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Host
}
