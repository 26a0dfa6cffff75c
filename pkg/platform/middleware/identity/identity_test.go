package identity

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vitalis/pkg/requestcontext"
)

func newVerifier(t *testing.T) (*Verifier, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC))
	v, err := NewVerifier("test-signing-key", WithIssuer("vitalis"), WithClock(clk))
	require.NoError(t, err)
	return v, clk
}

func TestVerify(t *testing.T) {
	v, clk := newVerifier(t)

	t.Run("valid token", func(t *testing.T) {
		token, err := v.Sign("user-7", time.Hour)
		require.NoError(t, err)
		claims, err := v.Verify(token)
		require.NoError(t, err)
		assert.Equal(t, "user-7", claims.Principal())
	})

	t.Run("expired token", func(t *testing.T) {
		token, err := v.Sign("user-7", time.Minute)
		require.NoError(t, err)
		clk.Add(2 * time.Minute)
		_, err = v.Verify(token)
		require.ErrorIs(t, err, ErrTokenExpired)
	})

	t.Run("wrong key", func(t *testing.T) {
		other, err := NewVerifier("other-key", WithIssuer("vitalis"), WithClock(clk))
		require.NoError(t, err)
		token, err := other.Sign("user-7", time.Hour)
		require.NoError(t, err)
		_, err = v.Verify(token)
		require.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("registered subject only", func(t *testing.T) {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
			Subject:   "user-8",
			Issuer:    "vitalis",
			ExpiresAt: jwt.NewNumericDate(clk.Now().Add(time.Hour)),
		}).SignedString([]byte("test-signing-key"))
		require.NoError(t, err)
		claims, err := v.Verify(token)
		require.NoError(t, err)
		assert.Equal(t, "user-8", claims.Principal())
	})

	t.Run("non hmac algorithm", func(t *testing.T) {
		token, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: "user-9"}).
			SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)
		_, err = v.Verify(token)
		require.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := v.Verify("not-a-token")
		require.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestNewVerifierRequiresKey(t *testing.T) {
	_, err := NewVerifier("")
	require.EqualError(t, err, "signing key is required")
}

func TestAttribute(t *testing.T) {
	v, _ := newVerifier(t)
	valid, err := v.Sign("user-7", time.Hour)
	require.NoError(t, err)

	cases := []struct {
		name   string
		header string
		want   string
	}{
		{"valid bearer", "Bearer " + valid, "user-7"},
		{"no header", "", ""},
		{"basic auth", "Basic dXNlcjpwYXNz", ""},
		{"forged token", "Bearer " + valid + "x", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var got string
			h := Attribute(v, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = requestcontext.UserID(r.Context())
				w.WriteHeader(http.StatusOK)
			}))
			req := httptest.NewRequest(http.MethodGet, "/api/users", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, http.StatusOK, rec.Code, "attribution never rejects")
			assert.Equal(t, tc.want, got)
		})
	}

	t.Run("nil verifier passes through", func(t *testing.T) {
		called := false
		h := Attribute(nil, nil)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
		assert.True(t, called)
	})
}
