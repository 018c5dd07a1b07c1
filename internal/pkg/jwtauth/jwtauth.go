// Package jwtauth verifies HS256 bearer tokens for the admin API.
package jwtauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bissquit/jobqueue/internal/domain"
	"github.com/golang-jwt/jwt/v5"
)

// Token errors.
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrInvalidRole  = errors.New("token carries an unknown role")
)

// Claims are the claims the API accepts.
type Claims struct {
	Role domain.Role `json:"role"`
	jwt.RegisteredClaims
}

// Config contains verifier configuration.
type Config struct {
	SecretKey string
	Issuer    string
	Leeway    time.Duration
}

// Verifier validates tokens signed with a shared secret.
type Verifier struct {
	secret []byte
	parser *jwt.Parser
}

// NewVerifier creates a verifier.
func NewVerifier(cfg Config) (*Verifier, error) {
	if len(cfg.SecretKey) < 32 {
		return nil, errors.New("jwt secret key must be at least 32 characters")
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(cfg.Leeway),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	return &Verifier{
		secret: []byte(cfg.SecretKey),
		parser: jwt.NewParser(opts...),
	}, nil
}

// ValidateToken returns the subject and role of a valid token.
func (v *Verifier) ValidateToken(_ context.Context, token string) (string, domain.Role, error) {
	var claims Claims
	_, err := v.parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !claims.Role.HasPermission(domain.RoleViewer) {
		return "", "", ErrInvalidRole
	}
	return claims.Subject, claims.Role, nil
}

// Issue signs a token for subject with role. It is used by tooling and tests;
// the service itself never issues tokens.
func Issue(secret, issuer, subject string, role domain.Role, ttl time.Duration, now time.Time) (string, error) {
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
