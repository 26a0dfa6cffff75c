// Package httpapi assembles the public HTTP surface: the middleware chain that
// feeds the audit pipeline, the ingestion and admin routes, and the upstream
// application behind them.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-chi/chi/v5"

	"vitalis/pkg/platform/httputil"
	"vitalis/pkg/platform/middleware/identity"
	"vitalis/pkg/platform/middleware/metadata"
	"vitalis/pkg/platform/middleware/requestid"
	"vitalis/pkg/platform/middleware/requesttime"
)

// Registrar mounts its routes on the router.
type Registrar interface {
	Register(r chi.Router)
}

// Middleware wraps a handler.
type Middleware interface {
	Middleware(next http.Handler) http.Handler
}

// Check reports whether a dependency is ready to serve.
type Check func(ctx context.Context) error

// Deps are the collaborators of the router. Gate and Trail are required;
// the rest are optional.
type Deps struct {
	Clock    clock.Clock
	Logger   *slog.Logger
	Verifier *identity.Verifier
	// ClientIP resolves client addresses; nil uses the peer address.
	ClientIP *metadata.Resolver
	Gate     Middleware
	Trail    Middleware
	Routes   []Registrar
	// Metrics serves /metrics when set.
	Metrics http.Handler
	// Upstream receives every request no route matched.
	Upstream http.Handler
	// Ready maps dependency names to readiness checks run by /readyz.
	Ready map[string]Check
}

// readyTimeout bounds the whole of a /readyz evaluation.
const readyTimeout = 2 * time.Second

// NewRouter wires the middleware chain in request order: correlation id,
// client metadata, request time, identity attribution, the gate and finally
// the audit trail, so the trail only sees admitted requests.
func NewRouter(d Deps) http.Handler {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	clientMetadata := metadata.ClientMetadata
	if d.ClientIP != nil {
		clientMetadata = d.ClientIP.Middleware
	}
	r := chi.NewRouter()
	r.Use(
		requestid.Middleware,
		clientMetadata,
		requesttime.Middleware(d.Clock),
		identity.Attribute(d.Verifier, d.Logger),
		d.Gate.Middleware,
		d.Trail.Middleware,
	)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", readiness(d.Ready, d.Logger))
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics)
	}
	for _, reg := range d.Routes {
		reg.Register(r)
	}

	if d.Upstream != nil {
		r.NotFound(d.Upstream.ServeHTTP)
		r.MethodNotAllowed(d.Upstream.ServeHTTP)
	} else {
		r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
			httputil.WriteError(w, http.StatusNotFound, "not_found", "no route")
		})
	}
	return r
}

func readiness(checks map[string]Check, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		defer cancel()

		status := http.StatusOK
		results := make(map[string]string, len(checks))
		for name, check := range checks {
			if err := check(ctx); err != nil {
				status = http.StatusServiceUnavailable
				results[name] = "unavailable"
				logger.WarnContext(ctx, "readiness check failed", "dependency", name, "error", err)
				continue
			}
			results[name] = "ok"
		}
		httputil.WriteJSON(w, status, results)
	}
}
