package store

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

var testKeys = map[string]*rsa.PrivateKey{}

func testKey(t *testing.T, name string) *rsa.PrivateKey {
	t.Helper()
	if key, ok := testKeys[name]; ok {
		return key
	}
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	testKeys[name] = key
	return key
}

func newTestJWTStore(t *testing.T, keyName, kid string, revoker TokenRevoker, opts JWTOptions) *JWTSessionStore {
	t.Helper()
	s, err := NewJWTSessionStore(testKey(t, keyName), kid, nil, time.Minute, revoker, opts)
	if err != nil {
		t.Fatalf("new jwt store: %v", err)
	}
	return s
}

func TestJWTSessionStoreNewSessionAndJWKS(t *testing.T) {
	ctx := context.Background()
	s := newTestJWTStore(t, "active", "kid-active", NewMemoryTokenRevoker(), JWTOptions{})

	token, err := s.NewSession(ctx, "user-1")
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	userID, err := s.UserIDFromToken(ctx, token)
	if err != nil || userID != "user-1" {
		t.Fatalf("verify token: user=%q err=%v", userID, err)
	}

	keys := s.JWKS()
	if len(keys) != 1 || keys[0].Kid != "kid-active" {
		t.Fatalf("unexpected jwks: %+v", keys)
	}
	if keys[0].Kty != "RSA" || keys[0].Use != "sig" || keys[0].Alg != "RS256" || keys[0].N == "" || keys[0].E == "" {
		t.Fatalf("unexpected jwk fields: %+v", keys[0])
	}
}

func TestJWTSessionStoreEnforcesAudience(t *testing.T) {
	ctx := context.Background()
	signing := newTestJWTStore(t, "aud", "jwt-active", nil, JWTOptions{Issuer: "issuer-a", Audience: "aud-a"})
	verify := newTestJWTStore(t, "aud", "jwt-active", nil, JWTOptions{Issuer: "issuer-a", Audience: "aud-b"})

	token, err := signing.NewSession(ctx, "user-claim")
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if _, err := verify.UserIDFromToken(ctx, token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected audience mismatch to fail, got %v", err)
	}
}

func TestJWTSessionStoreRevokesByJTI(t *testing.T) {
	ctx := context.Background()
	s := newTestJWTStore(t, "active", "jwt-active", NewMemoryTokenRevoker(), JWTOptions{})

	token, err := s.NewSession(ctx, "user-revoke")
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if err := s.DeleteSession(ctx, token); err != nil {
		t.Fatalf("delete session: %v", err)
	}
	if _, err := s.UserIDFromToken(ctx, token); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("expected revoked token to fail, got %v", err)
	}
}

func TestJWTSessionStoreRevokesByUserCutoff(t *testing.T) {
	ctx := context.Background()
	s := newTestJWTStore(t, "active", "jwt-active", NewMemoryTokenRevoker(), JWTOptions{})
	clock := time.Now().UTC()
	s.now = func() time.Time { return clock }

	before, err := s.NewSession(ctx, "user-cutoff")
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if err := s.RevokeUserSessions(ctx, "user-cutoff", clock); err != nil {
		t.Fatalf("revoke user: %v", err)
	}
	if _, err := s.UserIDFromToken(ctx, before); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("expected user-revoked token to fail, got %v", err)
	}

	clock = clock.Add(5 * time.Millisecond)
	after, err := s.NewSession(ctx, "user-cutoff")
	if err != nil {
		t.Fatalf("new session after cutoff: %v", err)
	}
	if _, err := s.UserIDFromToken(ctx, after); err != nil {
		t.Fatalf("token issued after cutoff should verify: %v", err)
	}
}

func TestJWTSessionStoreVerifiesPreviousKeyDuringRotation(t *testing.T) {
	ctx := context.Background()
	oldStore := newTestJWTStore(t, "old", "kid-old", nil, JWTOptions{})
	oldToken, err := oldStore.NewSession(ctx, "user-2")
	if err != nil {
		t.Fatalf("old token: %v", err)
	}

	rotated, err := NewJWTSessionStore(testKey(t, "new"), "kid-new",
		map[string]*rsa.PublicKey{"kid-old": &testKey(t, "old").PublicKey}, time.Minute, nil, JWTOptions{})
	if err != nil {
		t.Fatalf("new rotated store: %v", err)
	}
	if userID, err := rotated.UserIDFromToken(ctx, oldToken); err != nil || userID != "user-2" {
		t.Fatalf("verify old token with rotated store: user=%q err=%v", userID, err)
	}
	if keys := rotated.JWKS(); len(keys) != 2 {
		t.Fatalf("expected 2 jwks entries, got %d", len(keys))
	}

	unrotated := newTestJWTStore(t, "new", "kid-new", nil, JWTOptions{})
	if _, err := unrotated.UserIDFromToken(ctx, oldToken); err == nil {
		t.Fatalf("expected error for unknown kid")
	}
}

func TestJWTSessionStoreRejectsMalformedClaims(t *testing.T) {
	ctx := context.Background()
	key := testKey(t, "active")
	s := newTestJWTStore(t, "active", "jwt-active", nil, JWTOptions{})
	now := time.Now().UTC()
	base := jwt.RegisteredClaims{
		Subject:   "user-x",
		Issuer:    defaultJWTIssuer,
		Audience:  jwt.ClaimStrings{defaultJWTAudience},
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(5 * time.Minute)),
		ID:        "jti-x",
	}

	tests := []struct {
		name   string
		mutate func(*jwt.RegisteredClaims)
		kid    string
	}{
		{name: "missing kid", kid: ""},
		{name: "missing jti", kid: "jwt-active", mutate: func(c *jwt.RegisteredClaims) { c.ID = "" }},
		{name: "future iat", kid: "jwt-active", mutate: func(c *jwt.RegisteredClaims) {
			c.IssuedAt = jwt.NewNumericDate(now.Add(2 * time.Minute))
		}},
		{name: "missing exp", kid: "jwt-active", mutate: func(c *jwt.RegisteredClaims) { c.ExpiresAt = nil }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			claims := base
			if tc.mutate != nil {
				tc.mutate(&claims)
			}
			token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
			if tc.kid != "" {
				token.Header["kid"] = tc.kid
			}
			signed, err := token.SignedString(key)
			if err != nil {
				t.Fatalf("sign token: %v", err)
			}
			if _, err := s.UserIDFromToken(ctx, signed); !errors.Is(err, ErrInvalidToken) {
				t.Fatalf("expected invalid token, got %v", err)
			}
		})
	}
}

func TestNewJWTSessionStoreFromPEM(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	active := testKey(t, "pem-active")
	previous := testKey(t, "pem-previous")

	privatePath := filepath.Join(dir, "private.pem")
	privatePEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(active)})
	if err := os.WriteFile(privatePath, privatePEM, 0o600); err != nil {
		t.Fatalf("write private key: %v", err)
	}
	publicDER, err := x509.MarshalPKIXPublicKey(&previous.PublicKey)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	publicPath := filepath.Join(dir, "previous.pem")
	if err := os.WriteFile(publicPath, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: publicDER}), 0o644); err != nil {
		t.Fatalf("write public key: %v", err)
	}

	s, err := NewJWTSessionStoreFromPEM(privatePath, "kid-a", map[string]string{"kid-b": publicPath}, time.Minute, nil, JWTOptions{})
	if err != nil {
		t.Fatalf("new from pem: %v", err)
	}
	token, err := s.NewSession(ctx, "user-pem")
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if userID, err := s.UserIDFromToken(ctx, token); err != nil || userID != "user-pem" {
		t.Fatalf("verify: %q %v", userID, err)
	}
	if len(s.JWKS()) != 2 {
		t.Fatalf("expected active and previous keys in jwks")
	}
	if _, err := NewJWTSessionStoreFromPEM(filepath.Join(dir, "missing.pem"), "", nil, time.Minute, nil, JWTOptions{}); err == nil {
		t.Fatalf("expected error for missing key file")
	}
}
