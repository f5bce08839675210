// ABOUTME: HTTP middleware enforcing bearer-token auth on the status API
// ABOUTME: No-op when no verifier is configured, for trusted-network deployments

package auth

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
)

type contextKey string

// principalKey holds the authenticated principal id in the request context.
const principalKey contextKey = "principal"

// PrincipalFromContext returns the authenticated principal id, if any.
func PrincipalFromContext(ctx context.Context) (string, bool) {
	p, ok := ctx.Value(principalKey).(string)
	return p, ok
}

// Middleware wraps next with bearer-token verification. A nil verifier
// disables auth entirely.
func Middleware(verifier TokenVerifier, logger *slog.Logger, next http.Handler) http.Handler {
	if verifier == nil {
		return next
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "auth")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}

		principal, err := verifier.Verify(token)
		if err != nil {
			logger.Warn("rejected request", "path", r.URL.Path, "error", err)
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), principalKey, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
