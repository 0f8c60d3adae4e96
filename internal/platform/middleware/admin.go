package middleware

import (
	"log/slog"
	"net/http"

	"tally/internal/platform/secrets"
	"tally/pkg/requestcontext"
)

// RequireAdminToken guards operator endpoints. The expected token is held
// only as a bcrypt hash; the plaintext from config never outlives startup.
func RequireAdminToken(expectedHash string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := r.Header.Get("X-Admin-Token")
			if token == "" || secrets.Verify(token, expectedHash) != nil {
				logger.WarnContext(r.Context(), "admin token mismatch",
					"request_id", requestcontext.RequestID(r.Context()),
				)
				writeJSONError(w, http.StatusUnauthorized, "permission_denied", "admin token required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
