package server

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func newTestKeyPair(t *testing.T) (ed25519.PrivateKey, string) {
	t.Helper()
	public, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}
	return private, base64.StdEncoding.EncodeToString(public)
}

func signTestToken(t *testing.T, key ed25519.PrivateKey, claims jwt.RegisteredClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func testClaims(subject string) jwt.RegisteredClaims {
	now := time.Now()
	return jwt.RegisteredClaims{
		Issuer:    "timeledger-auth",
		Audience:  jwt.ClaimStrings{"timeledger"},
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	}
}

func TestNewVerifierRequiresInputs(t *testing.T) {
	t.Parallel()

	_, publicKey := newTestKeyPair(t)
	cases := []struct {
		name     string
		issuer   string
		audience string
		key      string
	}{
		{name: "missing issuer", audience: "timeledger", key: publicKey},
		{name: "missing audience", issuer: "timeledger-auth", key: publicKey},
		{name: "missing key", issuer: "timeledger-auth", audience: "timeledger"},
		{name: "malformed key", issuer: "timeledger-auth", audience: "timeledger", key: "dG9vLXNob3J0"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := NewVerifier(tc.issuer, tc.audience, tc.key); err == nil {
				t.Fatal("expected constructor error")
			}
		})
	}
}

func TestVerifierAcceptsValidToken(t *testing.T) {
	t.Parallel()

	private, publicKey := newTestKeyPair(t)
	verifier, err := NewVerifier("timeledger-auth", "timeledger", publicKey)
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	token := signTestToken(t, private, testClaims("owner-1"))
	ownerID, err := verifier.OwnerID(token)
	if err != nil {
		t.Fatalf("verify token: %v", err)
	}
	if ownerID != "owner-1" {
		t.Fatalf("owner id = %q, want owner-1", ownerID)
	}
}

func TestVerifierRejectsBadTokens(t *testing.T) {
	t.Parallel()

	private, publicKey := newTestKeyPair(t)
	otherPrivate, _ := newTestKeyPair(t)
	verifier, err := NewVerifier("timeledger-auth", "timeledger", publicKey)
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	expired := testClaims("owner-1")
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))

	wrongIssuer := testClaims("owner-1")
	wrongIssuer.Issuer = "someone-else"

	wrongAudience := testClaims("owner-1")
	wrongAudience.Audience = jwt.ClaimStrings{"another-service"}

	noSubject := testClaims("")

	cases := []struct {
		name  string
		token string
	}{
		{name: "empty token", token: ""},
		{name: "garbage token", token: "not.a.jwt"},
		{name: "wrong key", token: signTestToken(t, otherPrivate, testClaims("owner-1"))},
		{name: "expired", token: signTestToken(t, private, expired)},
		{name: "wrong issuer", token: signTestToken(t, private, wrongIssuer)},
		{name: "wrong audience", token: signTestToken(t, private, wrongAudience)},
		{name: "no subject", token: signTestToken(t, private, noSubject)},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := verifier.OwnerID(tc.token); err == nil {
				t.Fatal("expected verification error")
			}
		})
	}
}

func TestHandlersRequireAuthWhenVerifierConfigured(t *testing.T) {
	t.Parallel()

	private, publicKey := newTestKeyPair(t)
	verifier, err := NewVerifier("timeledger-auth", "timeledger", publicKey)
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	env := newTestEnv(t, verifier)

	resp := getJSON(t, env.srv.URL+"/api/days?date_from=2026-03-05&date_to=2026-03-05", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusUnauthorized)
	}

	token := signTestToken(t, private, testClaims("owner-1"))
	req, err := http.NewRequest(http.MethodGet, env.srv.URL+"/api/days?date_from=2026-03-05&date_to=2026-03-05", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	authed, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("authorized request: %v", err)
	}
	defer authed.Body.Close()
	if authed.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", authed.StatusCode, http.StatusOK)
	}

	mismatch, err := http.NewRequest(http.MethodGet, env.srv.URL+"/api/days?owner_guid=owner-2&date_from=2026-03-05&date_to=2026-03-05", nil)
	if err != nil {
		t.Fatalf("build mismatch request: %v", err)
	}
	mismatch.Header.Set("Authorization", "Bearer "+token)
	forbidden, err := http.DefaultClient.Do(mismatch)
	if err != nil {
		t.Fatalf("mismatch request: %v", err)
	}
	defer forbidden.Body.Close()
	if forbidden.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", forbidden.StatusCode, http.StatusForbidden)
	}
}

func TestTokenFromRequestPrefersHeader(t *testing.T) {
	t.Parallel()

	req, err := http.NewRequest(http.MethodGet, "http://example.test/api/days", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer header-token")
	req.AddCookie(&http.Cookie{Name: tokenCookieName, Value: "cookie-token"})
	if got := tokenFromRequest(req); got != "header-token" {
		t.Fatalf("token = %q, want header-token", got)
	}

	req.Header.Del("Authorization")
	if got := tokenFromRequest(req); got != "cookie-token" {
		t.Fatalf("token = %q, want cookie-token", got)
	}
}
