// Package admin guards operator endpoints with a static token header.
package admin

import (
	"crypto/subtle"
	"log/slog"
	"net/http"

	"vitalis/pkg/platform/httputil"
	"vitalis/pkg/platform/privacy"
	"vitalis/pkg/requestcontext"
)

// TokenHeader carries the operator token.
const TokenHeader = "X-Admin-Token"

// RequireAdminToken rejects requests whose token header does not match
// expectedToken. An empty expectedToken rejects everything, so an unset
// ADMIN_TOKEN never opens the endpoints.
func RequireAdminToken(expectedToken string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := r.Header.Get(TokenHeader)
			// Constant-time comparison so the token cannot be guessed byte by byte.
			if expectedToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(expectedToken)) != 1 {
				ctx := r.Context()
				logger.WarnContext(ctx, "admin token mismatch",
					"request_id", requestcontext.RequestID(ctx),
					"ip_prefix", privacy.AnonymizeIP(requestcontext.ClientIP(ctx)),
				)
				httputil.WriteError(w, http.StatusUnauthorized, "unauthorized", "admin token required")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
