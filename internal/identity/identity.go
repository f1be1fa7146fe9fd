// Package identity adapts the external authentication collaborator:
// it resolves a device session token to a user id. Session issuance
// and authorization live elsewhere.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/golang-jwt/jwt/v4"
)

var ErrUnauthenticated = errors.New("identity: invalid session token")

// Resolver maps a device session token to the user it belongs to.
type Resolver interface {
	CurrentUser(ctx context.Context, token string) (int64, error)
}

// JWTResolver validates HMAC-signed tokens whose subject carries the
// user id, the shape the authentication service issues.
type JWTResolver struct {
	secret []byte
}

// NewJWTResolver creates a resolver for the shared signing secret.
func NewJWTResolver(secret string) *JWTResolver {
	return &JWTResolver{secret: []byte(secret)}
}

func (r *JWTResolver) CurrentUser(_ context.Context, token string) (int64, error) {
	if token == "" {
		return 0, ErrUnauthenticated
	}

	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return r.secret, nil
	})
	if err != nil || !parsed.Valid {
		return 0, ErrUnauthenticated
	}

	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: non-numeric subject", ErrUnauthenticated)
	}
	return userID, nil
}
