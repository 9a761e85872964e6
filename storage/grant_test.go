package storage

import (
	"errors"
	"testing"
	"time"
)

func TestDecodePayload_RoundTripsEveryVariant(t *testing.T) {
	payloads := []Payload{
		&RequestURIData{Request: AuthorizationRequest{ClientID: "c1", ResponseType: "code", ResponseMode: "jwt"}},
		&AuthorizationCodeData{Subject: "sub", AccountIDs: []string{"a1", "a2"}, Scope: "openid"},
		&RefreshTokenData{Scope: "openid", CdrArrangementID: "arr", CertThumbprint: "thumb", Returned: true},
		&CdrArrangementData{RefreshTokenKey: "rt", Version: 3, SharingDuration: 3600},
	}

	for _, p := range payloads {
		t.Run(string(p.GrantType()), func(t *testing.T) {
			data, err := EncodePayload(p)
			if err != nil {
				t.Fatalf("EncodePayload() error = %v", err)
			}
			got, err := DecodePayload(p.GrantType(), data)
			if err != nil {
				t.Fatalf("DecodePayload() error = %v", err)
			}
			if got.GrantType() != p.GrantType() {
				t.Errorf("GrantType() = %q, want %q", got.GrantType(), p.GrantType())
			}
		})
	}
}

func TestDecodePayload_UnknownType(t *testing.T) {
	if _, err := DecodePayload("session", []byte(`{}`)); err == nil {
		t.Fatal("DecodePayload() should reject unknown grant types")
	}
}

func TestDecodePayload_CorruptData(t *testing.T) {
	if _, err := DecodePayload(GrantTypeRefreshToken, []byte(`{not json`)); err == nil {
		t.Fatal("DecodePayload() should fail on corrupt data")
	}
}

func TestValidateGrant(t *testing.T) {
	valid := &Grant{
		Type:     GrantTypeCdrArrangement,
		Key:      "arr-1",
		ClientID: "client",
		Payload:  &CdrArrangementData{Version: 1},
	}
	if err := ValidateGrant(valid); err != nil {
		t.Fatalf("ValidateGrant() error = %v", err)
	}

	mismatched := valid.Clone()
	mismatched.Payload = &RefreshTokenData{}
	if err := ValidateGrant(mismatched); err == nil {
		t.Error("ValidateGrant() should reject a payload of the wrong variant")
	}

	noKey := valid.Clone()
	noKey.Key = ""
	if err := ValidateGrant(noKey); err == nil {
		t.Error("ValidateGrant() should reject an empty key")
	}
}

func TestGrant_IsExpired(t *testing.T) {
	now := time.Now()
	g := &Grant{ExpiresAt: now.Add(time.Second)}
	if g.IsExpired(now) {
		t.Error("grant should not be expired before ExpiresAt")
	}
	if !g.IsExpired(now.Add(time.Second)) {
		t.Error("grant should be expired at ExpiresAt")
	}
	if (&Grant{}).IsExpired(now) {
		t.Error("zero ExpiresAt never expires")
	}
}

func TestGrant_CloneDoesNotSharePayload(t *testing.T) {
	g := &Grant{Type: GrantTypeAuthorizationCode, Payload: &AuthorizationCodeData{AccountIDs: []string{"a"}}}
	c := g.Clone()
	c.Payload.(*AuthorizationCodeData).AccountIDs[0] = "b"
	if g.Payload.(*AuthorizationCodeData).AccountIDs[0] != "a" {
		t.Error("Clone() shares the account id slice")
	}
}

func TestErrGrantExpiredIsNotFound(t *testing.T) {
	if !errors.Is(ErrGrantExpired, ErrNotFound) {
		t.Error("ErrGrantExpired must match ErrNotFound")
	}
}

func TestValidateArrangementPair(t *testing.T) {
	pair := func() (*Grant, *Grant) {
		return &Grant{Type: GrantTypeCdrArrangement, Key: "arr", ClientID: "c", Payload: &CdrArrangementData{RefreshTokenKey: "rt", Version: 1}},
			&Grant{Type: GrantTypeRefreshToken, Key: "rt", ClientID: "c", Payload: &RefreshTokenData{CdrArrangementID: "arr"}}
	}

	a, r := pair()
	if err := ValidateArrangementPair(a, r); err != nil {
		t.Fatalf("ValidateArrangementPair() error = %v", err)
	}

	a, r = pair()
	r.ClientID = "other"
	if err := ValidateArrangementPair(a, r); err == nil {
		t.Error("pair across clients should be rejected")
	}

	a, r = pair()
	a.Payload = &CdrArrangementData{RefreshTokenKey: "elsewhere"}
	if err := ValidateArrangementPair(a, r); err == nil {
		t.Error("dangling refresh key should be rejected")
	}

	a, r = pair()
	if err := ValidateArrangementPair(r, a); err == nil {
		t.Error("swapped grants should be rejected")
	}
}
