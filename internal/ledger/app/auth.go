package server

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const tokenCookieName = "tl_token"

// Verifier validates EdDSA-signed access tokens issued for ledger owners.
// The token subject is the owner identity.
type Verifier struct {
	issuer   string
	audience string
	key      ed25519.PublicKey
	now      func() time.Time
}

// NewVerifier builds a token verifier from a base64-encoded Ed25519 public
// key. All three parameters are required.
func NewVerifier(issuer, audience, publicKeyBase64 string) (*Verifier, error) {
	issuer = strings.TrimSpace(issuer)
	audience = strings.TrimSpace(audience)
	publicKeyBase64 = strings.TrimSpace(publicKeyBase64)
	if issuer == "" {
		return nil, errors.New("token issuer is required")
	}
	if audience == "" {
		return nil, errors.New("token audience is required")
	}
	if publicKeyBase64 == "" {
		return nil, errors.New("token public key is required")
	}
	keyBytes, err := decodeBase64(publicKeyBase64)
	if err != nil {
		return nil, fmt.Errorf("decode token public key: %w", err)
	}
	if len(keyBytes) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("token public key must be %d bytes", ed25519.PublicKeySize)
	}
	return &Verifier{
		issuer:   issuer,
		audience: audience,
		key:      ed25519.PublicKey(keyBytes),
		now:      time.Now,
	}, nil
}

// OwnerID verifies the token and returns its subject as the owner identity.
func (v *Verifier) OwnerID(token string) (string, error) {
	if v == nil || len(v.key) != ed25519.PublicKeySize {
		return "", errors.New("token verifier is not configured")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", errors.New("access token is required")
	}

	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(token *jwt.Token) (any, error) {
		return v.key, nil
	},
		jwt.WithValidMethods([]string{"EdDSA"}),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return "", mapJWTError(err)
	}

	ownerID := strings.TrimSpace(claims.Subject)
	if ownerID == "" {
		return "", errors.New("token subject is empty")
	}
	return ownerID, nil
}

// mapJWTError keeps library error detail out of auth failure responses.
func mapJWTError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrEd25519Verification):
		return errors.New("token signature is invalid")
	case errors.Is(err, jwt.ErrTokenExpired):
		return errors.New("token is expired")
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return errors.New("token alg is invalid")
	default:
		return errors.New("token is invalid")
	}
}

// tokenFromRequest reads the access token from the Authorization header or
// the session cookie, in that order.
func tokenFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	if header := strings.TrimSpace(r.Header.Get("Authorization")); header != "" {
		if token, ok := strings.CutPrefix(header, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	cookie, err := r.Cookie(tokenCookieName)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(cookie.Value)
}

func decodeBase64(value string) ([]byte, error) {
	if value == "" {
		return nil, errors.New("empty base64 value")
	}
	decoded, err := base64.RawStdEncoding.DecodeString(value)
	if err == nil {
		return decoded, nil
	}
	return base64.StdEncoding.DecodeString(value)
}

func contextWithWSOwnerID(ctx context.Context, ownerID string) context.Context {
	return context.WithValue(ctx, wsOwnerIDContextKey{}, strings.TrimSpace(ownerID))
}

func wsOwnerIDFromContext(ctx context.Context) string {
	ownerID, _ := ctx.Value(wsOwnerIDContextKey{}).(string)
	return ownerID
}
