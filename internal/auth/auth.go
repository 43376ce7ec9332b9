// Package auth maps request credentials to tenant identities.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/seantiz/qgate/internal/clock"
)

// ErrUnauthorized is returned when a credential is missing or invalid.
var ErrUnauthorized = errors.New("unauthorized")

// Resolver turns a bearer credential into an identity.
type Resolver interface {
	Resolve(ctx context.Context, token string) (string, error)
}

// JWTResolver validates HS256 tokens whose subject is the identity.
type JWTResolver struct {
	secret []byte
	clock  clock.Clock
}

var _ Resolver = (*JWTResolver)(nil)

// NewJWTResolver returns a resolver signing and verifying with secret.
func NewJWTResolver(secret string, c clock.Clock) *JWTResolver {
	return &JWTResolver{secret: []byte(secret), clock: c}
}

// Issue signs a token for subject valid for ttl.
func (r *JWTResolver) Issue(subject string, ttl time.Duration) (string, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "", errors.New("subject is required")
	}
	now := r.clock.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(r.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Resolve returns the token's subject.
func (r *JWTResolver) Resolve(_ context.Context, token string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return r.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(r.clock.Now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: token has no subject", ErrUnauthorized)
	}
	return claims.Subject, nil
}

// OpaqueResolver treats the credential itself as the identity. It is only
// meant for local development with authentication disabled.
type OpaqueResolver struct{}

var _ Resolver = OpaqueResolver{}

// Resolve returns token unchanged.
func (OpaqueResolver) Resolve(_ context.Context, token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrUnauthorized
	}
	return token, nil
}

// BearerToken extracts the token from an Authorization header.
func BearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return "", false
	}
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

type identityKey struct{}

// WithIdentity returns a copy of ctx carrying identity.
func WithIdentity(ctx context.Context, identity string) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

// IdentityFrom returns the identity stored in ctx, if any.
func IdentityFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(identityKey{}).(string)
	return id, ok && id != ""
}
