package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/carelink/security-service/internal/token"
)

// TokenValidator defines the capabilities required to validate JWTs.
type TokenValidator interface {
	Parse(tokenStr string) (*token.Claims, error)
}

// Auth provides JWT-backed authentication for the operator surface.
type Auth struct {
	validator TokenValidator
}

// NewAuth creates a new instance.
func NewAuth(validator TokenValidator) *Auth {
	return &Auth{validator: validator}
}

// RequireAdmin ensures incoming requests possess a valid operator token.
// Browsers cannot set headers on websocket upgrades, so the token is also
// accepted as an access_token query parameter.
func (a *Auth) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenStr := bearerToken(r)
		if tokenStr == "" {
			tokenStr = r.URL.Query().Get("access_token")
		}
		if tokenStr == "" {
			writeAuthError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		claims, err := a.validator.Parse(tokenStr)
		if err != nil {
			writeAuthError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), claimsContextKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" || !strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		return ""
	}
	return strings.TrimSpace(authHeader[7:])
}

func writeAuthError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": message,
		"code":  "unauthorized",
	})
}

type claimsContextKey struct{}

// ClaimsFromContext extracts token claims stored by middleware.
func ClaimsFromContext(ctx context.Context) (*token.Claims, bool) {
	claims, ok := ctx.Value(claimsContextKey{}).(*token.Claims)
	return claims, ok && claims != nil
}
