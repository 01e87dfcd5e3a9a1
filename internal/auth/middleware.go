package auth

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/HyphaGroup/conduit/internal/logger"
)

// JSON-RPC error codes used in HTTP rejections.
const (
	CodeUnauthorized = -32001
	CodeRateLimited  = -32029
)

// Middleware rejects requests without a valid Bearer token and attaches
// the token's AuthContext to the request context.
func Middleware(store *Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") {
				jsonError(w, CodeUnauthorized, "Authentication required (Bearer token)", http.StatusUnauthorized)
				return
			}

			secret := strings.TrimPrefix(header, "Bearer ")
			token, err := store.ValidateToken(secret)
			if err != nil {
				logger.WarnContext(r.Context(), "token rejected", "token", maskToken(secret), "error", err)
				jsonError(w, CodeUnauthorized, "Invalid or expired token", http.StatusUnauthorized)
				return
			}
			logger.DebugContext(r.Context(), "token accepted", "token_id", token.ID, "scope", token.Scope)

			ctx := WithContext(r.Context(), &AuthContext{Token: token})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func jsonError(w http.ResponseWriter, code int, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"jsonrpc": "2.0",
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
		"id": nil,
	})
}

func maskToken(secret string) string {
	if len(secret) <= 12 {
		return "***"
	}
	return secret[:8] + "..." + secret[len(secret)-4:]
}
