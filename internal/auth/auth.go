// Package auth verifies operator bearer tokens for the admin surface.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Claims is the operator token payload. The subject is the operator id.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Authorizer verifies HS256 operator tokens and enforces the role allow-list.
type Authorizer struct {
	secret  []byte
	issuer  string
	allowed map[string]bool
	clock   domain.Clock
}

// NewAuthorizer creates an authorizer from configuration.
func NewAuthorizer(cfg domain.AuthConfig, clock domain.Clock) (*Authorizer, error) {
	if cfg.JWTSecret == "" {
		return nil, errors.New("auth: jwt secret is required")
	}
	if len(cfg.AllowedRoles) == 0 {
		return nil, errors.New("auth: at least one allowed role is required")
	}
	if clock == nil {
		clock = domain.SystemClock{}
	}

	allowed := make(map[string]bool, len(cfg.AllowedRoles))
	for _, r := range cfg.AllowedRoles {
		allowed[r] = true
	}

	return &Authorizer{
		secret:  []byte(cfg.JWTSecret),
		issuer:  cfg.Issuer,
		allowed: allowed,
		clock:   clock,
	}, nil
}

// Allowed reports whether role may act on the admin surface.
func (a *Authorizer) Allowed(role string) bool {
	return a.allowed[role]
}

// Authorize verifies raw and returns the operator it identifies.
// A missing or invalid token is ErrUnauthenticated; a role outside the
// allow-list is ErrForbidden.
func (a *Authorizer) Authorize(raw string) (*domain.OperatorContext, error) {
	if raw == "" {
		return nil, fmt.Errorf("%w: missing token", domain.ErrUnauthenticated)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.clock.Now),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	var claims Claims
	token, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %v", domain.ErrUnauthenticated, err)
	}

	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: token has no subject", domain.ErrUnauthenticated)
	}
	if !a.allowed[claims.Role] {
		return nil, fmt.Errorf("%w: role %q may not perform admin actions", domain.ErrForbidden, claims.Role)
	}

	return &domain.OperatorContext{ID: claims.Subject, Role: claims.Role}, nil
}

// AuthorizeHeader extracts the bearer token from an Authorization header value.
func (a *Authorizer) AuthorizeHeader(header string) (*domain.OperatorContext, error) {
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return nil, fmt.Errorf("%w: expected bearer token", domain.ErrUnauthenticated)
	}
	return a.Authorize(strings.TrimSpace(raw))
}

// Issue signs a token for op valid for ttl.
func (a *Authorizer) Issue(op domain.OperatorContext, ttl time.Duration) (string, error) {
	if op.ID == "" {
		return "", fmt.Errorf("%w: operator id is required", domain.ErrInvalidInput)
	}
	now := a.clock.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Role: op.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   op.ID,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	return token.SignedString(a.secret)
}
