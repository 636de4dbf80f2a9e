package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the JWT claims carried by archive bearer tokens.
type Claims struct {
	jwt.RegisteredClaims
	Role    string   `json:"role"`
	UserID  int64    `json:"id"`
	OrgID   *int64   `json:"org_id,omitempty"`
	Domains []string `json:"domains,omitempty"`
}

// Principal converts validated claims into a request principal.
func (c *Claims) Principal() *Principal {
	return &Principal{
		ID:       c.UserID,
		Username: c.Subject,
		Role:     c.Role,
		OrgID:    c.OrgID,
		Domains:  c.Domains,
	}
}

// Authority issues and validates bearer tokens for the admin and review
// surfaces. Tokens are HS256-signed with a shared secret.
type Authority struct {
	secret []byte
	ttl    time.Duration
}

// NewAuthority creates a token authority. Returns nil when the secret is
// empty so that middleware fails closed instead of signing with "".
func NewAuthority(secret string, ttl time.Duration) *Authority {
	if secret == "" {
		return nil
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Authority{secret: []byte(secret), ttl: ttl}
}

// Issue signs a token binding the principal's identity, role and
// organization for the authority's lifetime.
func (a *Authority) Issue(p *Principal) (string, error) {
	if a == nil {
		return "", errors.New("auth: authority uninitialized")
	}
	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.Username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
		Role:    p.Role,
		UserID:  p.ID,
		OrgID:   p.OrgID,
		Domains: p.Domains,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("auth: failed to sign token: %w", err)
	}
	return signed, nil
}

// Validate parses and verifies a token string.
func (a *Authority) Validate(tokenStr string) (*Claims, error) {
	if a == nil {
		return nil, errors.New("auth: authority uninitialized")
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return nil, fmt.Errorf("auth: token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("auth: invalid token")
	}
	return claims, nil
}
