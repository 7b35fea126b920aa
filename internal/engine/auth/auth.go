// Package auth resolves callers. Agents present the bearer token issued at
// onboarding; the dashboard presents an identity JWT whose subject is the
// operator's external id.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"pilot/internal/domain"
	"pilot/internal/repo"
)

var (
	// ErrAuthenticationMissing means no usable "Bearer <token>" header was sent.
	ErrAuthenticationMissing = errors.New("missing or invalid authorization header")
	// ErrAuthenticationInvalid means the token does not belong to any user.
	ErrAuthenticationInvalid = errors.New("invalid token")
)

// Principal is the authenticated caller of a request.
type Principal struct {
	UserID     string
	ExternalID string
	Source     string // "token" or "session"
}

// Users is the lookup the gate needs.
type Users interface {
	GetUserByToken(ctx context.Context, token string) (domain.User, error)
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, error) {
	parts := strings.Fields(header)
	if len(parts) != 2 || parts[0] != "Bearer" {
		return "", ErrAuthenticationMissing
	}
	return parts[1], nil
}

// Resolve authenticates an Authorization header against the stored user tokens.
func Resolve(ctx context.Context, users Users, header string) (Principal, error) {
	token, err := BearerToken(header)
	if err != nil {
		return Principal{}, err
	}
	u, err := users.GetUserByToken(ctx, token)
	if errors.Is(err, repo.ErrNotFound) {
		return Principal{}, ErrAuthenticationInvalid
	}
	if err != nil {
		return Principal{}, fmt.Errorf("resolve token: %w", err)
	}
	return Principal{UserID: u.ID, ExternalID: u.ExternalID, Source: "token"}, nil
}

// Identity is the externally issued claim carried by dashboard sessions.
type Identity struct {
	Subject string
	Name    string
}

type identityClaims struct {
	jwt.RegisteredClaims
	Name string `json:"name,omitempty"`
}

// ParseIdentity verifies an HS256 session token and returns its identity.
func ParseIdentity(token, secret string) (Identity, error) {
	if strings.TrimSpace(secret) == "" {
		return Identity{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &identityClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return Identity{}, err
	}
	if !parsed.Valid {
		return Identity{}, ErrAuthenticationInvalid
	}
	if claims.Subject == "" {
		return Identity{}, errors.New("subject claim required")
	}
	return Identity{Subject: claims.Subject, Name: claims.Name}, nil
}

// MintIdentity signs a session token. Used by the dev login endpoint and
// `pilot session token`; production sessions come from the identity provider.
func MintIdentity(id Identity, secret string, ttl time.Duration, now time.Time) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	if id.Subject == "" {
		return "", errors.New("subject required")
	}
	claims := identityClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  id.Subject,
			IssuedAt: jwt.NewNumericDate(now),
			Issuer:   "pilot",
		},
		Name: id.Name,
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
