package auth

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	echo "github.com/labstack/echo/v5"

	"github.com/chatmesh/chatmesh/pkg/errkind"
)

// Admin API scopes. A platform admin may act on any tenant; a tenant
// operator only on the tenant named in their token.
const (
	ScopePlatformAdmin  = "platform_admin"
	ScopeTenantOperator = "tenant_operator"
)

// claimsContextKey is where the middleware stores verified claims.
const claimsContextKey = "auth.claims"

// Claims are the admin token claims.
type Claims struct {
	jwt.RegisteredClaims
	TenantID string `json:"tenant_id,omitempty"`
	Scope    string `json:"scope"`
}

// TokenService issues and verifies admin bearer tokens.
type TokenService struct {
	secret   []byte
	issuer   string
	audience string
	ttl      time.Duration
}

// NewTokenService creates a TokenService. The secret must be non-empty.
func NewTokenService(secret, issuer, audience string, ttl time.Duration) (*TokenService, error) {
	if secret == "" {
		return nil, fmt.Errorf("admin jwt secret must not be empty")
	}
	return &TokenService{secret: []byte(secret), issuer: issuer, audience: audience, ttl: ttl}, nil
}

// Issue mints a token for the subject.
func (s *TokenService) Issue(subject, tenantID, scope string) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    s.issuer,
			Audience:  jwt.ClaimStrings{s.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
		TenantID: tenantID,
		Scope:    scope,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a token string.
func (s *TokenService) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return s.secret, nil
	}, jwt.WithIssuer(s.issuer), jwt.WithAudience(s.audience), jwt.WithExpirationRequired())
	if err != nil {
		return nil, errkind.Newf(errkind.Auth, "invalid token: %v", err)
	}
	if claims.Scope != ScopePlatformAdmin && claims.Scope != ScopeTenantOperator {
		return nil, errkind.Newf(errkind.Auth, "unknown scope %q", claims.Scope)
	}
	return claims, nil
}

// Middleware authenticates admin requests. When the route carries a
// :tenant_id param, tenant operators are restricted to their own tenant;
// platform admins pass unconditionally.
func (s *TokenService) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			header := c.Request().Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") {
				return echo.NewHTTPError(401, "missing bearer token")
			}
			claims, err := s.Verify(strings.TrimPrefix(header, "Bearer "))
			if err != nil {
				return echo.NewHTTPError(401, "invalid token")
			}
			if tenantID := c.Param("tenant_id"); tenantID != "" &&
				claims.Scope == ScopeTenantOperator && claims.TenantID != tenantID {
				return echo.NewHTTPError(403, "token not valid for this tenant")
			}
			c.Set(claimsContextKey, claims)
			return next(c)
		}
	}
}

// ClaimsFrom returns the verified claims stored by the middleware.
func ClaimsFrom(c *echo.Context) *Claims {
	if claims, ok := c.Get(claimsContextKey).(*Claims); ok {
		return claims
	}
	return nil
}

// Actor returns the audit actor string for the request: the token subject,
// or "api-client" on routes without authentication.
func Actor(c *echo.Context) string {
	if claims := ClaimsFrom(c); claims != nil && claims.Subject != "" {
		return claims.Subject
	}
	return "api-client"
}
