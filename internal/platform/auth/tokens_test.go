package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

func TestTokenIssuer_RoundTrip(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	issuer, err := NewTokenIssuer(testKey, "hms")
	if err != nil {
		t.Fatal(err)
	}
	issuer = issuer.WithClock(func() time.Time { return now })

	userID, tenantID, sessionID := uuid.New(), uuid.New(), uuid.New()
	tok, err := issuer.Issue(userID, tenantID, sessionID, now, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	claims, err := issuer.Parse(tok)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.Subject != userID.String() || claims.TenantID != tenantID.String() || claims.SessionID != sessionID.String() {
		t.Errorf("unexpected claims: %+v", claims)
	}
	if claims.ID == "" {
		t.Error("expected jti")
	}

	other, _ := issuer.Issue(userID, tenantID, sessionID, now, now.Add(time.Hour))
	if other == tok {
		t.Error("tokens for the same session must differ")
	}
}

func TestTokenIssuer_Rejects(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	issuer, _ := NewTokenIssuer(testKey, "hms")
	issuer = issuer.WithClock(clock)

	valid, _ := issuer.Issue(uuid.New(), uuid.New(), uuid.New(), now, now.Add(time.Hour))
	expired, _ := issuer.Issue(uuid.New(), uuid.New(), uuid.New(), now.Add(-2*time.Hour), now.Add(-time.Hour))

	otherKey, _ := NewTokenIssuer([]byte("a-completely-different-signing-key!!"), "hms")
	forged, _ := otherKey.WithClock(clock).Issue(uuid.New(), uuid.New(), uuid.New(), now, now.Add(time.Hour))

	otherIssuer, _ := NewTokenIssuer(testKey, "someone-else")
	foreign, _ := otherIssuer.WithClock(clock).Issue(uuid.New(), uuid.New(), uuid.New(), now, now.Add(time.Hour))

	hs512, _ := jwt.NewWithClaims(jwt.SigningMethodHS512, AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{Issuer: "hms", ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour))},
	}).SignedString(testKey)

	noExp, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{Issuer: "hms"},
	}).SignedString(testKey)

	unsigned, _ := jwt.NewWithClaims(jwt.SigningMethodNone, AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{Issuer: "hms", ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour))},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)

	tests := map[string]string{
		"expired":        expired,
		"wrong key":      forged,
		"wrong issuer":   foreign,
		"wrong method":   hs512,
		"no expiry":      noExp,
		"none algorithm": unsigned,
		"tampered":       valid[:len(valid)-2] + "xx",
		"garbage":        "not-a-jwt",
	}
	for name, tok := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := issuer.Parse(tok); err == nil {
				t.Fatalf("expected %s token to be rejected", name)
			}
		})
	}

	if _, err := issuer.Parse(valid); err != nil {
		t.Fatalf("valid token rejected: %v", err)
	}
}

func TestNewTokenIssuer_EmptyKey(t *testing.T) {
	if _, err := NewTokenIssuer(nil, "hms"); err == nil {
		t.Fatal("expected error for empty key")
	}
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint("token-a")
	if len(a) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(a))
	}
	if a == Fingerprint("token-b") || a != Fingerprint("token-a") {
		t.Error("fingerprint must be deterministic and distinct")
	}
	if strings.Contains(a, "token-a") {
		t.Error("fingerprint must not contain the token")
	}
}

func TestNewOpaqueToken(t *testing.T) {
	a, err := NewOpaqueToken()
	if err != nil {
		t.Fatal(err)
	}
	b, _ := NewOpaqueToken()
	if a == b {
		t.Error("expected distinct tokens")
	}
	if len(a) != 43 {
		t.Errorf("expected 43 base64url chars, got %d", len(a))
	}
}

func TestPasswordHashing(t *testing.T) {
	h, err := hashWithCost("s3cret", 4)
	if err != nil {
		t.Fatal(err)
	}
	if !ComparePassword(h, "s3cret") || ComparePassword(h, "S3cret") {
		t.Error("unexpected comparison result")
	}
	if _, err := HashPassword(""); err == nil {
		t.Error("expected empty password to be rejected")
	}
}
