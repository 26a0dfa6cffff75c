// Package requestid assigns every request a correlation id and echoes it in
// the X-Request-ID response header.
package requestid

import (
	"net/http"
	"regexp"

	"github.com/google/uuid"

	"vitalis/pkg/requestcontext"
)

// Header is the request and response header carrying the id.
const Header = "X-Request-ID"

// Inbound ids are only trusted when they look like an id, so clients cannot
// inject log-breaking content.
var validID = regexp.MustCompile(`^[A-Za-z0-9._-]{8,64}$`)

// Middleware reuses a well-formed inbound X-Request-ID or generates a UUID,
// stores it in the context and sets it on the response.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(Header)
		if !validID.MatchString(id) {
			id = uuid.NewString()
		}
		w.Header().Set(Header, id)
		next.ServeHTTP(w, r.WithContext(requestcontext.WithRequestID(r.Context(), id)))
	})
}
