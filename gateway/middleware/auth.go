// AdminAuth guards the gateway's administrative surface (/stats, /metrics):
// a bearer JWT distinct from the caller bearer tokens gateway/auth validates
// for proxied calls. The only capability the operator surface needs is the
// single "admin" claim.
package middleware

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

// AdminAuthConfig configures AdminAuthenticator.
type AdminAuthConfig struct {
	// Enabled gates the whole check; when false every request passes
	// (intended for local development only).
	Enabled bool
	// HMACSecret signs and verifies the admin bearer token.
	HMACSecret string
	Issuer     string
	Audience   string
	// OptionalPaths bypass authentication even when Enabled (health checks).
	OptionalPaths []string
	ClockSkew     time.Duration
}

type adminContextKey string

// ContextKeyAdminSubject is the context key the subject ("sub") claim of a
// validated admin token is stored under.
const ContextKeyAdminSubject adminContextKey = "caracal.admin.subject"

// AdminAuthenticator validates the bearer token presented to admin-only
// endpoints, requiring an "admin" boolean claim or an "admin" entry in the
// space-separated scope claim.
type AdminAuthenticator struct {
	cfg           AdminAuthConfig
	logger        *log.Logger
	secret        []byte
	optionalPaths []string
	once          sync.Once
}

// NewAdminAuthenticator constructs an AdminAuthenticator.
func NewAdminAuthenticator(cfg AdminAuthConfig, logger *log.Logger) *AdminAuthenticator {
	if logger == nil {
		logger = log.Default()
	}
	a := &AdminAuthenticator{cfg: cfg, logger: logger, optionalPaths: cfg.OptionalPaths}
	a.once.Do(func() {
		a.secret = []byte(strings.TrimSpace(cfg.HMACSecret))
		if a.cfg.ClockSkew <= 0 {
			a.cfg.ClockSkew = 2 * time.Minute
		}
	})
	return a
}

// Middleware rejects any request lacking a valid admin bearer token, unless
// Enabled is false or the path is in OptionalPaths.
func (a *AdminAuthenticator) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !a.cfg.Enabled || a.isOptional(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}
			tokenString := extractBearer(r.Header.Get("Authorization"))
			if tokenString == "" {
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}
			claims, err := a.parseToken(tokenString)
			if err != nil {
				a.logger.Printf("admin auth: token validation failed: %v", err)
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			if err := validateAdminClaims(claims, a.cfg.Issuer, a.cfg.Audience); err != nil {
				a.logger.Printf("admin auth: claim validation failed: %v", err)
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			if !isAdmin(claims) {
				http.Error(w, "admin scope required", http.StatusForbidden)
				return
			}
			subject, _ := claims["sub"].(string)
			ctx := context.WithValue(r.Context(), ContextKeyAdminSubject, subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (a *AdminAuthenticator) isOptional(path string) bool {
	for _, prefix := range a.optionalPaths {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func (a *AdminAuthenticator) parseToken(tokenString string) (jwt.MapClaims, error) {
	if len(a.secret) == 0 {
		return nil, errors.New("admin auth secret not configured")
	}
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwt.WithLeeway(a.cfg.ClockSkew))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("token invalid")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("claims not map")
	}
	return claims, nil
}

func validateAdminClaims(claims jwt.MapClaims, issuer, audience string) error {
	if issuer != "" {
		if value, ok := claims["iss"].(string); !ok || value != issuer {
			return errors.New("issuer mismatch")
		}
	}
	if audience != "" {
		if value, ok := claims["aud"].(string); !ok || value != audience {
			return errors.New("audience mismatch")
		}
	}
	if exp, ok := claims["exp"].(float64); ok {
		if int64(exp) < time.Now().Unix() {
			return errors.New("token expired")
		}
	}
	return nil
}

func isAdmin(claims jwt.MapClaims) bool {
	if admin, ok := claims["admin"].(bool); ok && admin {
		return true
	}
	if scope, ok := claims["scope"].(string); ok {
		for _, field := range strings.Fields(scope) {
			if field == "admin" {
				return true
			}
		}
	}
	return false
}

func extractBearer(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
