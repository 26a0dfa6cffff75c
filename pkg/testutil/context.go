package testutil

import (
	"context"
	"net/http"

	"vitalis/pkg/requestcontext"
)

// WithUserID attributes the request to userID, as the identity middleware
// would for a request carrying a valid bearer token.
func WithUserID(req *http.Request, userID string) *http.Request {
	return req.WithContext(requestcontext.WithUserID(req.Context(), userID))
}

// WithClient sets the client IP and user agent the metadata middleware would extract.
func WithClient(req *http.Request, ip, userAgent string) *http.Request {
	return req.WithContext(requestcontext.WithClientMetadata(req.Context(), ip, userAgent))
}

// WithContextValue adds an arbitrary key-value pair to the request context.
func WithContextValue(req *http.Request, key, value any) *http.Request {
	ctx := context.WithValue(req.Context(), key, value)
	return req.WithContext(ctx)
}
