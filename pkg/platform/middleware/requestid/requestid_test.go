package requestid

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vitalis/pkg/requestcontext"
)

func TestMiddleware(t *testing.T) {
	var seen string
	h := Middleware(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = requestcontext.RequestID(r.Context())
	}))

	t.Run("generates an id", func(t *testing.T) {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

		got := rr.Header().Get(Header)
		_, err := uuid.Parse(got)
		require.NoError(t, err)
		assert.Equal(t, got, seen)
	})

	t.Run("keeps a well-formed inbound id", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set(Header, "trace-1234abcd")
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, r)
		assert.Equal(t, "trace-1234abcd", rr.Header().Get(Header))
	})

	t.Run("replaces a malformed inbound id", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set(Header, "bad id\nwith newline")
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, r)
		assert.NotEqual(t, "bad id\nwith newline", rr.Header().Get(Header))
	})
}
