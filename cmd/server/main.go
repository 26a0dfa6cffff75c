package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	nethttputil "net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"vitalis/internal/audit/ingest"
	"vitalis/internal/audit/trail"
	httpapi "vitalis/internal/http"
	"vitalis/internal/platform/config"
	"vitalis/internal/platform/httpserver"
	"vitalis/internal/platform/logger"
	"vitalis/internal/platform/metrics"
	rlconfig "vitalis/internal/ratelimit/config"
	rlmetrics "vitalis/internal/ratelimit/metrics"
	"vitalis/internal/ratelimit/service"
	"vitalis/internal/security/admin"
	"vitalis/internal/security/gate"
	"vitalis/internal/security/threat"
	"vitalis/pkg/platform/audit/batcher"
	"vitalis/pkg/platform/audit/classifier"
	"vitalis/pkg/platform/audit/store/deadletter"
	"vitalis/pkg/platform/circuit"
	"vitalis/pkg/platform/middleware/identity"
	"vitalis/pkg/platform/middleware/metadata"
	"vitalis/pkg/platform/sentinel"
)

var version = "dev"

const shutdownTimeout = 15 * time.Second

// main wires high-level dependencies, exposes the HTTP router, and keeps the
// server lifecycle small. Business logic lives in internal services packages.
func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "vitalis: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	log := logger.New(cfg.LogLevel)
	slog.SetDefault(log)
	reg := metrics.New(version)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res := &resources{}
	defer res.close()

	stores, err := openAuditStores(ctx, cfg.Audit, log, res)
	if err != nil {
		return fmt.Errorf("audit stores: %w", err)
	}
	dead, err := deadletter.Open(cfg.Audit.DeadLetterPath)
	if err != nil {
		return err
	}
	res.onClose(func() { _ = dead.Close() })

	b, err := batcher.New(stores.primary, cfg.Audit.Batch,
		batcher.WithLogger(log),
		batcher.WithMetrics(batcher.NewMetrics(reg)),
		batcher.WithDeadLetter(dead),
		batcher.WithBreaker(circuit.New("audit_store",
			circuit.WithFailureThreshold(5),
			circuit.WithCooldown(30*time.Second),
		)),
		batcher.WithTracer(otel.Tracer("vitalis/audit")),
	)
	if err != nil {
		return fmt.Errorf("audit batcher: %w", err)
	}

	loader, err := rlconfig.NewLoader(cfg.RateLimit.ConfigPath, rlconfig.WithLogger(log))
	if err != nil {
		return fmt.Errorf("rate limit config: %w", err)
	}
	loader.OnChange(func(c *rlconfig.Config) {
		log.Info("rate limit classes reloaded", "classes", len(c.Classes))
	})
	stopWatch, err := loader.Watch()
	if err != nil {
		return err
	}
	defer stopWatch()

	primary, fallback, err := openWindowStore(ctx, cfg, time.Duration(loader.Config().ViolationTTL), res)
	if err != nil {
		return fmt.Errorf("rate limit store: %w", err)
	}
	limiterOpts := []service.Option{
		service.WithLogger(log),
		service.WithMetrics(rlmetrics.New(reg)),
		service.WithClasses(loader),
	}
	if fallback != nil {
		limiterOpts = append(limiterOpts, service.WithFallback(fallback))
	}
	limiter, err := service.New(primary, limiterOpts...)
	if err != nil {
		return err
	}

	g, err := gate.New(limiter, threat.New(), b,
		gate.WithLogger(log),
		gate.WithMetrics(gate.NewMetrics(reg)),
	)
	if err != nil {
		return fmt.Errorf("request gate: %w", err)
	}
	tr, err := trail.New(classifier.New(classifier.WithLogger(log)), b,
		trail.WithLogger(log),
		trail.WithMetrics(trail.NewMetrics(reg)),
		trail.WithSuspicion(g),
	)
	if err != nil {
		return err
	}
	in, err := ingest.New(b, ingest.WithLogger(log), ingest.WithMetrics(ingest.NewMetrics(reg)))
	if err != nil {
		return err
	}
	adm, err := admin.New(g.Suspicious(), b, cfg.AdminToken,
		admin.WithLogger(log),
		admin.WithLimiterHealth(limiter),
	)
	if err != nil {
		return err
	}
	if cfg.AdminToken == "" {
		log.Warn("ADMIN_TOKEN not set; admin endpoints reject every request")
	}

	var verifier *identity.Verifier
	if cfg.JWTSigningKey != "" {
		var opts []identity.VerifierOption
		if cfg.JWTIssuer != "" {
			opts = append(opts, identity.WithIssuer(cfg.JWTIssuer))
		}
		if verifier, err = identity.NewVerifier(cfg.JWTSigningKey, opts...); err != nil {
			return err
		}
	}

	upstream, err := upstreamProxy(cfg.UpstreamURL, log)
	if err != nil {
		return err
	}

	clientIP, err := metadata.NewResolver(cfg.TrustedProxies...)
	if err != nil {
		return fmt.Errorf("TRUSTED_PROXIES: %w", err)
	}

	router := httpapi.NewRouter(httpapi.Deps{
		Logger:   log,
		Verifier: verifier,
		ClientIP: clientIP,
		Gate:     g,
		Trail:    tr,
		Routes:   []httpapi.Registrar{in, adm},
		Metrics:  reg.Handler(),
		Upstream: upstream,
		Ready:    res.ready,
	})
	srv := httpserver.New(cfg.Addr, router)

	b.Start(ctx)
	g.Start(ctx)

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		log.Info("starting vitalis", "addr", cfg.Addr, "version", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	if stores.materializer != nil {
		group.Go(func() error {
			if err := stores.materializer.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("audit materializer: %w", err)
			}
			return nil
		})
	}
	group.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		g.Stop()
		if err := b.Stop(shutdownCtx); err != nil {
			log.Error("final audit flush failed", "error", err)
		}
		return nil
	})
	return group.Wait()
}

// upstreamProxy forwards unmatched requests to the protected application.
// It returns nil when no upstream is configured.
func upstreamProxy(raw string, log *slog.Logger) (http.Handler, error) {
	if raw == "" {
		return nil, nil
	}
	target, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse UPSTREAM_URL: %w", err)
	}
	if target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("UPSTREAM_URL %q is not absolute: %w", raw, sentinel.ErrInvalidConfig)
	}
	proxy := nethttputil.NewSingleHostReverseProxy(target)
	proxy.ErrorLog = slog.NewLogLogger(log.Handler(), slog.LevelError)
	return proxy, nil
}
