// Package middleware provides HTTP middlewares for authentication and logging.
package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/atinyakov/bicicletario/internal/auth"
	"github.com/atinyakov/bicicletario/internal/models"
)

type ctxKey string

const userKey ctxKey = "user"

// TokenValidator resolves a bearer token to its claims.
type TokenValidator interface {
	Validate(token string) (auth.Claims, error)
}

// BearerAuth rejects requests without a valid "Authorization: Bearer"
// token. On success the claims are stored in the request context.
func BearerAuth(v TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || strings.TrimSpace(token) == "" {
				unauthorized(w, "missing bearer token")
				return
			}
			claims, err := v.Validate(strings.TrimSpace(token))
			if err != nil {
				unauthorized(w, "invalid or expired token")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), claims)))
		})
	}
}

// RequireRole allows only users holding one of roles. It must run after
// BearerAuth.
func RequireRole(roles ...models.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := GetUserFromContext(r.Context())
			if !ok {
				unauthorized(w, "missing bearer token")
				return
			}
			for _, role := range roles {
				if claims.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"success":false,"error":"forbidden"}`))
		})
	}
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", "Bearer")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"success":false,"error":"` + msg + `"}`))
}

// WithUser returns a copy of ctx carrying claims.
func WithUser(ctx context.Context, claims auth.Claims) context.Context {
	return context.WithValue(ctx, userKey, claims)
}

// GetUserFromContext extracts the authenticated user from the request
// context.
func GetUserFromContext(ctx context.Context) (auth.Claims, bool) {
	c, ok := ctx.Value(userKey).(auth.Claims)
	return c, ok
}

// GetUsernameFromContext returns the authenticated username, or "" when
// the request is anonymous.
func GetUsernameFromContext(ctx context.Context) string {
	c, _ := GetUserFromContext(ctx)
	return c.Username
}
