package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type principalKey struct{}

// Claims are the JWT claims accepted on write routes.
type Claims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles,omitempty"`
}

// JWTValidator checks HS256 bearer tokens against a shared secret.
type JWTValidator struct {
	secret []byte
	parser *jwt.Parser
}

// NewJWTValidator returns nil when secret is empty.
func NewJWTValidator(secret string) *JWTValidator {
	if secret == "" {
		return nil
	}
	return &JWTValidator{
		secret: []byte(secret),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
		),
	}
}

// Validate parses and validates a JWT token string.
func (v *JWTValidator) Validate(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := v.parser.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return nil, errors.New("token subject is required")
	}
	return claims, nil
}

// requireAuth guards a handler with bearer authentication. A nil validator
// leaves the handler open.
func requireAuth(v *JWTValidator, next http.Handler) http.Handler {
	if v == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			WriteUnauthorized(w, r, "Missing Authorization header")
			return
		}
		scheme, tokenStr, ok := strings.Cut(authHeader, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || tokenStr == "" {
			WriteUnauthorized(w, r, "Invalid Authorization header format (expected 'Bearer <token>')")
			return
		}
		claims, err := v.Validate(tokenStr)
		if err != nil {
			WriteUnauthorized(w, r, "Invalid or expired token")
			return
		}
		ctx := context.WithValue(r.Context(), principalKey{}, claims.Subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Principal returns the authenticated subject, if any.
func Principal(ctx context.Context) string {
	s, _ := ctx.Value(principalKey{}).(string)
	return s
}
