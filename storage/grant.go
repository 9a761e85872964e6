package storage

import (
	"encoding/json"
	"fmt"
	"time"
)

// GrantType discriminates the grant variants
type GrantType string

const (
	GrantTypeRequestURI        GrantType = "request_uri"
	GrantTypeAuthorizationCode GrantType = "authorization_code"
	GrantTypeRefreshToken      GrantType = "refresh_token"
	GrantTypeCdrArrangement    GrantType = "cdr_arrangement"
)

// Valid reports whether t is one of the known variants
func (t GrantType) Valid() bool {
	switch t {
	case GrantTypeRequestURI, GrantTypeAuthorizationCode, GrantTypeRefreshToken, GrantTypeCdrArrangement:
		return true
	}
	return false
}

// Grant is a persisted record. Payload holds the variant specific data and
// always matches Type.
type Grant struct {
	Type      GrantType
	Key       string
	ClientID  string
	SubjectID string
	CreatedAt time.Time
	ExpiresAt time.Time
	UsedAt    time.Time
	Payload   Payload
}

// IsExpired reports whether the grant is past its expiry at now.
// A zero ExpiresAt never expires.
func (g *Grant) IsExpired(now time.Time) bool {
	return !g.ExpiresAt.IsZero() && !now.Before(g.ExpiresAt)
}

// IsUsed reports whether the grant has been consumed
func (g *Grant) IsUsed() bool {
	return !g.UsedAt.IsZero()
}

// Clone returns a copy that does not share the payload
func (g *Grant) Clone() *Grant {
	c := *g
	if g.Payload != nil {
		c.Payload = g.Payload.clone()
	}
	return &c
}

// Payload is implemented only by the four variant payload types in this package.
type Payload interface {
	GrantType() GrantType
	clone() Payload
}

// AuthorizationRequest is the normalized, already validated authorization
// request carried from PAR through to token issuance.
type AuthorizationRequest struct {
	ClientID            string   `json:"client_id"`
	ResponseType        string   `json:"response_type"`
	ResponseMode        string   `json:"response_mode"`
	Scope               string   `json:"scope"`
	RedirectURI         string   `json:"redirect_uri"`
	State               string   `json:"state,omitempty"`
	Nonce               string   `json:"nonce,omitempty"`
	CodeChallenge       string   `json:"code_challenge"`
	CodeChallengeMethod string   `json:"code_challenge_method"`
	SharingDuration     int64    `json:"sharing_duration,omitempty"`
	CdrArrangementID    string   `json:"cdr_arrangement_id,omitempty"`
	ACRValues           []string `json:"acr_values,omitempty"`
	MaxAge              int64    `json:"max_age,omitempty"`
}

// RequestURIData is the payload of a pushed authorization request
type RequestURIData struct {
	Request AuthorizationRequest `json:"request"`
}

// GrantType implements Payload
func (*RequestURIData) GrantType() GrantType { return GrantTypeRequestURI }

func (p *RequestURIData) clone() Payload {
	c := *p
	c.Request.ACRValues = append([]string(nil), p.Request.ACRValues...)
	return &c
}

// AuthorizationCodeData is the payload of an issued authorization code
type AuthorizationCodeData struct {
	Request    AuthorizationRequest `json:"request"`
	Subject    string               `json:"subject"`
	AccountIDs []string             `json:"account_ids"`
	Scope      string               `json:"scope"`
	AuthTime   time.Time            `json:"auth_time"`
	ACR        string               `json:"acr,omitempty"`
}

// GrantType implements Payload
func (*AuthorizationCodeData) GrantType() GrantType { return GrantTypeAuthorizationCode }

func (p *AuthorizationCodeData) clone() Payload {
	c := *p
	c.AccountIDs = append([]string(nil), p.AccountIDs...)
	c.Request.ACRValues = append([]string(nil), p.Request.ACRValues...)
	return &c
}

// RefreshTokenData is the payload of a refresh token
type RefreshTokenData struct {
	Scope            string    `json:"scope"`
	Subject          string    `json:"subject"`
	CdrArrangementID string    `json:"cdr_arrangement_id"`
	AccountIDs       []string  `json:"account_ids"`
	CertThumbprint   string    `json:"cnf_x5t_s256"`
	AuthTime         time.Time `json:"auth_time"`
	ACR              string    `json:"acr,omitempty"`
	// Returned is false when the refresh token exists only to keep the
	// arrangement in lock-step and was never handed to the client.
	Returned bool `json:"returned"`
}

// GrantType implements Payload
func (*RefreshTokenData) GrantType() GrantType { return GrantTypeRefreshToken }

func (p *RefreshTokenData) clone() Payload {
	c := *p
	c.AccountIDs = append([]string(nil), p.AccountIDs...)
	return &c
}

// CdrArrangementData is the payload of a consent arrangement
type CdrArrangementData struct {
	RefreshTokenKey string `json:"refresh_token_key"`
	Version         int    `json:"version"`
	SharingDuration int64  `json:"sharing_duration"`
}

// GrantType implements Payload
func (*CdrArrangementData) GrantType() GrantType { return GrantTypeCdrArrangement }

func (p *CdrArrangementData) clone() Payload {
	c := *p
	return &c
}

// EncodePayload serializes a payload for backends that store opaque data
func EncodePayload(p Payload) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("payload cannot be nil")
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", p.GrantType(), err)
	}
	return data, nil
}

// DecodePayload deserializes data into the payload type declared by grantType
func DecodePayload(grantType GrantType, data []byte) (Payload, error) {
	var p Payload
	switch grantType {
	case GrantTypeRequestURI:
		p = &RequestURIData{}
	case GrantTypeAuthorizationCode:
		p = &AuthorizationCodeData{}
	case GrantTypeRefreshToken:
		p = &RefreshTokenData{}
	case GrantTypeCdrArrangement:
		p = &CdrArrangementData{}
	default:
		return nil, fmt.Errorf("unknown grant type %q", grantType)
	}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", grantType, err)
	}
	return p, nil
}

// ValidateGrant checks the structural invariants every backend enforces on write
func ValidateGrant(g *Grant) error {
	if g == nil {
		return fmt.Errorf("grant cannot be nil")
	}
	if !g.Type.Valid() {
		return fmt.Errorf("invalid grant type %q", g.Type)
	}
	if g.Key == "" {
		return fmt.Errorf("grant key cannot be empty")
	}
	if g.ClientID == "" {
		return fmt.Errorf("grant client id cannot be empty")
	}
	if g.Payload == nil || g.Payload.GrantType() != g.Type {
		return fmt.Errorf("payload does not match grant type %q", g.Type)
	}
	return nil
}

// ArrangementRefreshKey returns the refresh token key recorded on an arrangement grant
func ArrangementRefreshKey(g *Grant) string {
	if d, ok := g.Payload.(*CdrArrangementData); ok {
		return d.RefreshTokenKey
	}
	return ""
}

// ValidateArrangementPair checks that an arrangement and its refresh token
// reference each other and belong to the same client.
func ValidateArrangementPair(arrangement, refreshToken *Grant) error {
	if err := ValidateGrant(arrangement); err != nil {
		return err
	}
	if err := ValidateGrant(refreshToken); err != nil {
		return err
	}
	if arrangement.Type != GrantTypeCdrArrangement || refreshToken.Type != GrantTypeRefreshToken {
		return fmt.Errorf("expected an arrangement and a refresh token grant")
	}
	if arrangement.ClientID != refreshToken.ClientID {
		return fmt.Errorf("arrangement and refresh token belong to different clients")
	}
	if ArrangementRefreshKey(arrangement) != refreshToken.Key {
		return fmt.Errorf("arrangement does not reference its refresh token")
	}
	if refreshToken.Payload.(*RefreshTokenData).CdrArrangementID != arrangement.Key {
		return fmt.Errorf("refresh token does not reference its arrangement")
	}
	return nil
}
