// Package requesttime provides middleware for request-scoped time.
// All operations within a single HTTP request use the same "now" timestamp,
// so classifier and gate events of one request share a timestamp.
package requesttime

import (
	"net/http"

	"github.com/benbjohnson/clock"

	"vitalis/pkg/requestcontext"
)

// Middleware captures the current time at the start of the request and
// stores it in the context.
func Middleware(clk clock.Clock) func(http.Handler) http.Handler {
	if clk == nil {
		clk = clock.New()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := requestcontext.WithTime(r.Context(), clk.Now())
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
