package server

import (
	"context"
	"net/http"

	"github.com/tjfontaine/polyglot-cgi-gateway/internal/auth"
	"github.com/tjfontaine/polyglot-cgi-gateway/internal/core/ports"
)

type authContextKey struct{}

// AuthMiddleware validates API keys and injects the caller's AuthContext.
// The API key is extracted from the Authorization header (Bearer token format).
func AuthMiddleware(provider ports.AuthProvider) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			apiKey, err := auth.ExtractAPIKey(r)
			if err != nil {
				AddError(r.Context(), err)
				w.Header().Set("WWW-Authenticate", `Bearer realm="admin"`)
				http.Error(w, "Missing or malformed Authorization header", http.StatusUnauthorized)
				return
			}

			ac, err := provider.Authenticate(r.Context(), apiKey)
			if err != nil {
				AddError(r.Context(), err)
				http.Error(w, "Invalid API key", http.StatusUnauthorized)
				return
			}

			AddLogField(r.Context(), "api_key", ac.KeyDescription)
			ctx := context.WithValue(r.Context(), authContextKey{}, ac)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetAuthContext retrieves the caller from context.
// Returns nil if the request was not authenticated.
func GetAuthContext(ctx context.Context) *ports.AuthContext {
	if ac, ok := ctx.Value(authContextKey{}).(*ports.AuthContext); ok {
		return ac
	}
	return nil
}
