// Package identity attributes requests to a user for audit purposes.
//
// The middleware reads an optional bearer token and, when it verifies,
// stores the subject in the request context. It never rejects a request:
// a missing, expired or forged token just leaves the request anonymous.
// Authentication itself belongs to the upstream application.
package identity

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang-jwt/jwt/v5"

	"vitalis/pkg/requestcontext"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token has expired")
	ErrNoSubject    = errors.New("token has no subject")
)

// Claims are the access token claims the dashboard issues. UserID takes
// precedence over the registered subject.
type Claims struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	jwt.RegisteredClaims
}

// Principal returns the user the token speaks for.
func (c *Claims) Principal() string {
	if c.UserID != "" {
		return c.UserID
	}
	return c.RegisteredClaims.Subject
}

// Verifier checks HS256 access tokens.
type Verifier struct {
	signingKey []byte
	issuer     string
	clock      clock.Clock
}

type VerifierOption func(*Verifier)

func WithIssuer(issuer string) VerifierOption {
	return func(v *Verifier) {
		v.issuer = issuer
	}
}

func WithClock(clk clock.Clock) VerifierOption {
	return func(v *Verifier) {
		v.clock = clk
	}
}

func NewVerifier(signingKey string, opts ...VerifierOption) (*Verifier, error) {
	if signingKey == "" {
		return nil, errors.New("signing key is required")
	}
	v := &Verifier{signingKey: []byte(signingKey), clock: clock.New()}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Verify parses token and returns its claims.
func (v *Verifier) Verify(token string) (*Claims, error) {
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.clock.Now),
	}
	if v.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(v.issuer))
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(*jwt.Token) (any, error) {
		return v.signingKey, nil
	}, parserOpts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Principal() == "" {
		return nil, ErrNoSubject
	}
	return claims, nil
}

// Sign issues a token for userID. The dashboard signs its own tokens; this
// exists for tests and local tooling.
func (v *Verifier) Sign(userID string, ttl time.Duration) (string, error) {
	now := v.clock.Now()
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.signingKey)
}

// Attribute returns middleware that sets the request's user id from a valid
// bearer token. A nil verifier makes it a pass-through.
func Attribute(v *Verifier, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if v == nil {
			return next
		}
		if logger == nil {
			logger = slog.Default()
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || token == "" {
				next.ServeHTTP(w, r)
				return
			}

			ctx := r.Context()
			claims, err := v.Verify(strings.TrimSpace(token))
			if err != nil {
				logger.DebugContext(ctx, "bearer token not attributed",
					"request_id", requestcontext.RequestID(ctx),
					"error", err,
				)
				next.ServeHTTP(w, r)
				return
			}

			next.ServeHTTP(w, r.WithContext(requestcontext.WithUserID(ctx, claims.Principal())))
		})
	}
}
