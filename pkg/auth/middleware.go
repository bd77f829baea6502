package auth

import (
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/intentgov/core/pkg/revocation"
)

// Claims are the JWT claims every core operation's authenticated
// principal must carry (spec.md §6: "{sub, tenantId, jti?, iat, exp,
// roles[], groups[]}"). RegisteredClaims already supplies sub (Subject),
// jti (ID), iat (IssuedAt) and exp (ExpiresAt).
type Claims struct {
	jwt.RegisteredClaims
	TenantID string   `json:"tenant_id"`
	Roles    []string `json:"roles"`
	Groups   []string `json:"groups"`
}

// JWTValidator validates bearer tokens and extracts Claims.
type JWTValidator struct {
	keyFunc jwt.Keyfunc
}

// NewHMACValidator builds a validator for HS256-signed tokens, the
// lite-mode default (pkg/config's JWTHMACSecret).
func NewHMACValidator(secret []byte) *JWTValidator {
	if len(secret) == 0 {
		return nil
	}
	return &JWTValidator{keyFunc: func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	}}
}

// NewRSAValidator builds a validator for RS256-signed tokens from a PEM
// public key, the production configuration (pkg/config's
// JWTPublicKeyPEM).
func NewRSAValidator(publicKeyPEM string) (*JWTValidator, error) {
	if block, _ := pem.Decode([]byte(publicKeyPEM)); block == nil {
		return nil, errors.New("auth: invalid PEM block for JWT public key")
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(publicKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("auth: parse RSA public key: %w", err)
	}
	return &JWTValidator{keyFunc: func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return key, nil
	}}, nil
}

// Validate parses and validates a JWT token string.
func (v *JWTValidator) Validate(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, v.keyFunc)
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

// publicPaths are endpoints that do not require authentication.
var publicPaths = []string{
	"/health",
	"/ready",
	"/api/v1/auth/login",
}

// isPublicPath checks if the path should be accessible without auth.
func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}

// NewMiddleware builds the JWT authentication middleware. If validator
// is nil, every non-public request is rejected (fail closed). If
// revocations is non-nil, every validated token is additionally checked
// against the revocation store (spec.md §4.8) before the request is let
// through.
func NewMiddleware(validator *JWTValidator, revocations *revocation.Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublicPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeUnauthorized(w, "UNAUTHORIZED", "missing Authorization header")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				writeUnauthorized(w, "UNAUTHORIZED", "invalid Authorization header format (expected 'Bearer <token>')")
				return
			}
			tokenStr := parts[1]

			if validator == nil {
				writeUnauthorized(w, "UNAUTHORIZED", "authentication not configured")
				return
			}

			claims, err := validator.Validate(tokenStr)
			if err != nil {
				writeUnauthorized(w, "TOKEN_INVALID", "invalid or expired token")
				return
			}
			if claims.Subject == "" {
				writeUnauthorized(w, "TOKEN_INVALID", "token subject is required")
				return
			}
			if claims.TenantID == "" {
				writeUnauthorized(w, "TOKEN_INVALID", "token tenant binding is required")
				return
			}

			if revocations != nil {
				var issuedAt time.Time
				if claims.IssuedAt != nil {
					issuedAt = claims.IssuedAt.Time
				}
				revoked, err := revocations.IsRevoked(r.Context(), claims.ID, claims.Subject, issuedAt)
				if err != nil {
					writeError(w, http.StatusServiceUnavailable, "UNAUTHORIZED", "revocation check unavailable")
					return
				}
				if revoked {
					writeUnauthorized(w, "TOKEN_REVOKED", "token has been revoked")
					return
				}
			}

			var expiresAt time.Time
			if claims.ExpiresAt != nil {
				expiresAt = claims.ExpiresAt.Time
			}
			principal := &BasePrincipal{
				ID:        claims.Subject,
				TenantID:  claims.TenantID,
				Roles:     claims.Roles,
				Groups:    claims.Groups,
				JTI:       claims.ID,
				ExpiresAt: expiresAt,
			}

			ctx := WithPrincipal(r.Context(), principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
