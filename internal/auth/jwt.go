// Package auth is the operator-command API's bearer-token guard (§6.5):
// a single operator identity, a signed JWT, and bcrypt-hashed admin
// credentials — grounded in the teacher's internal/auth/jwt.go and
// password.go, narrowed from the teacher's multi-user/refresh-token
// scheme down to the single shared operator role this engine needs.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for any token that fails signature or
// claim validation.
var ErrInvalidToken = errors.New("invalid or expired token")

// OperatorClaims identifies the caller driving §6.5's command surface.
// There is exactly one operator role; the claim exists so a token
// carries an explicit subject rather than being a bare bearer secret.
type OperatorClaims struct {
	Subject string `json:"sub"`
}

type claims struct {
	OperatorClaims
	jwt.RegisteredClaims
}

// JWTManager signs and validates operator access tokens.
type JWTManager struct {
	secret   []byte
	lifetime time.Duration
}

// NewJWTManager constructs a JWTManager. An empty secret is accepted:
// neither this constructor nor config validation rejects it.
func NewJWTManager(secret string, lifetime time.Duration) *JWTManager {
	if lifetime <= 0 {
		lifetime = 12 * time.Hour
	}
	return &JWTManager{secret: []byte(secret), lifetime: lifetime}
}

// GenerateAccessToken issues a signed token for subject (the admin
// username), valid for m.lifetime.
func (m *JWTManager) GenerateAccessToken(subject string) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		OperatorClaims: OperatorClaims{Subject: subject},
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.lifetime)),
			Issuer:    "paperbot-engine",
		},
	})
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}
	return signed, nil
}

// ValidateAccessToken verifies signature, expiry, and algorithm, and
// returns the embedded claims.
func (m *JWTManager) ValidateAccessToken(tokenString string) (*OperatorClaims, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	c, ok := parsed.Claims.(*claims)
	if !ok {
		return nil, ErrInvalidToken
	}
	return &c.OperatorClaims, nil
}
