// Package service checks fixed-window rate limits for the request gate. It
// writes through the primary window store and falls back to a local
// in-memory store while the primary is failing.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/benbjohnson/clock"

	"vitalis/internal/ratelimit/config"
	"vitalis/internal/ratelimit/metrics"
	"vitalis/internal/ratelimit/models"
	"vitalis/internal/ratelimit/ports"
	"vitalis/pkg/platform/circuit"
	"vitalis/pkg/platform/privacy"
)

// Classes maps a request path to its route class. *config.Config and
// *config.Loader both satisfy it.
type Classes interface {
	Resolve(path string) models.RouteClass
}

type Service struct {
	store    ports.WindowStore
	fallback ports.WindowStore
	breaker  *circuit.Breaker
	classes  Classes
	clock    clock.Clock
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func WithClasses(c Classes) Option {
	return func(s *Service) {
		s.classes = c
	}
}

func WithClock(clk clock.Clock) Option {
	return func(s *Service) {
		s.clock = clk
	}
}

// WithFallback sets the store used while the primary is failing.
func WithFallback(store ports.WindowStore) Option {
	return func(s *Service) {
		s.fallback = store
	}
}

// WithBreaker replaces the breaker guarding the primary store.
func WithBreaker(b *circuit.Breaker) Option {
	return func(s *Service) {
		s.breaker = b
	}
}

func New(store ports.WindowStore, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("window store is required")
	}
	svc := &Service{
		store:   store,
		classes: config.DefaultConfig(),
		clock:   clock.New(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(svc)
	}
	if svc.breaker == nil {
		svc.breaker = circuit.New("ratelimit_store",
			circuit.WithFailureThreshold(5),
			circuit.WithSuccessThreshold(3),
			circuit.WithClock(svc.clock),
		)
	}
	return svc, nil
}

// Check counts one request from ip against the class for path.
func (s *Service) Check(ctx context.Context, ip, path string) (*models.RateLimitResult, error) {
	class := s.classes.Resolve(path)
	key := models.WindowKey(ip, class.Name)

	entry, degraded, err := s.hit(ctx, key, class)
	if err != nil {
		return nil, fmt.Errorf("check rate limit for class %s: %w", class.Name, err)
	}

	result := models.NewResult(class, entry, s.clock.Now())
	result.Degraded = degraded
	s.metrics.ObserveCheck(class.Name, result.Allowed)

	if !result.Allowed {
		s.logger.DebugContext(ctx, "rate limit exceeded",
			"ip_prefix", privacy.AnonymizeIP(ip),
			"class", class.Name,
			"count", entry.Count,
			"limit", class.Requests,
			"violations", entry.Violations,
		)
	}
	return result, nil
}

func (s *Service) hit(ctx context.Context, key string, class models.RouteClass) (models.Entry, bool, error) {
	if s.fallback == nil {
		entry, err := s.store.Hit(ctx, key, class.Requests, class.Window)
		if err != nil {
			s.metrics.IncrementStoreErrors()
		}
		return entry, false, err
	}

	if !s.breaker.Allow() {
		entry, err := s.fallback.Hit(ctx, key, class.Requests, class.Window)
		return entry, true, err
	}

	entry, err := s.store.Hit(ctx, key, class.Requests, class.Window)
	if err != nil {
		s.metrics.IncrementStoreErrors()
		if _, change := s.breaker.RecordFailure(); change.Opened {
			s.metrics.SetDegraded(true)
			s.logger.WarnContext(ctx, "rate limit store failing, using in-memory fallback",
				"breaker", s.breaker.Name(),
				"error", err,
			)
		}
		entry, err = s.fallback.Hit(ctx, key, class.Requests, class.Window)
		return entry, true, err
	}
	if _, change := s.breaker.RecordSuccess(); change.Closed {
		s.metrics.SetDegraded(false)
		s.logger.InfoContext(ctx, "rate limit store recovered", "breaker", s.breaker.Name())
	}
	return entry, false, nil
}

// Sweep evicts expired windows from both stores.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	removed, err := s.store.Sweep(ctx)
	if err != nil {
		return removed, fmt.Errorf("sweep window store: %w", err)
	}
	if s.fallback != nil {
		n, err := s.fallback.Sweep(ctx)
		if err != nil {
			return removed, fmt.Errorf("sweep fallback store: %w", err)
		}
		removed += n
	}
	return removed, nil
}

// Degraded reports whether checks are currently served by the fallback.
func (s *Service) Degraded() bool {
	return s.fallback != nil && s.breaker.IsOpen()
}
