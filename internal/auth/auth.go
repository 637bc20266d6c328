package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid token")

// Claims are the fields carried by a worker token.
type Claims struct {
	ClientID string `json:"clientId"`
	jwt.RegisteredClaims
}

// Issuer signs and verifies worker bearer tokens with a process-wide
// secret.
type Issuer struct {
	secret []byte
	ttl    time.Duration
}

func NewIssuer(secret string, ttl time.Duration) *Issuer {
	return &Issuer{secret: []byte(secret), ttl: ttl}
}

// Issue mints a token for a worker that passed the auth gate.
func (i *Issuer) Issue(clientID string) (string, error) {
	now := time.Now()
	claims := Claims{
		ClientID: clientID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := tok.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return s, nil
}

// Verify parses and validates a token, returning the client id it was
// issued to.
func (i *Issuer) Verify(token string) (string, error) {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return i.secret, nil
	})
	if err != nil || !parsed.Valid {
		return "", ErrInvalidToken
	}
	return claims.ClientID, nil
}

// BearerToken extracts the credential from an Authorization header.
func BearerToken(header string) (string, bool) {
	ah := strings.TrimSpace(header)
	if len(ah) < 7 || !strings.EqualFold(ah[:7], "Bearer ") {
		return "", false
	}
	return strings.TrimSpace(ah[7:]), true
}

// CheckHTTPCredential accepts either a valid unexpired worker token or the
// raw configured API key.
func CheckHTTPCredential(header, apiKey string, issuer *Issuer) bool {
	cred, ok := BearerToken(header)
	if !ok {
		return false
	}
	if issuer != nil {
		if _, err := issuer.Verify(cred); err == nil {
			return true
		}
	}
	return subtle.ConstantTimeCompare([]byte(cred), []byte(apiKey)) == 1
}
