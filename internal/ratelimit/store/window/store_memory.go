package window

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"vitalis/internal/ratelimit/models"
)

// DefaultViolationTTL is how long a client's violation count outlives its
// last violation before the entry may be evicted.
const DefaultViolationTTL = time.Hour

// InMemoryStore implements WindowStore with fixed windows held in a map.
// It is not shared across instances; use RedisStore or PostgresStore for that.
type InMemoryStore struct {
	mu           sync.Mutex
	windows      map[string]*fixedWindow
	clock        clock.Clock
	violationTTL time.Duration
}

type fixedWindow struct {
	count         int
	resetAt       time.Time
	violations    int
	lastViolation time.Time
}

// Option configures a store.
type Option func(*options)

type options struct {
	clock        clock.Clock
	violationTTL time.Duration
}

func WithClock(clk clock.Clock) Option {
	return func(o *options) {
		o.clock = clk
	}
}

// WithViolationTTL bounds how long violation counts are remembered.
func WithViolationTTL(ttl time.Duration) Option {
	return func(o *options) {
		if ttl > 0 {
			o.violationTTL = ttl
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{clock: clock.New(), violationTTL: DefaultViolationTTL}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// NewInMemoryStore creates an empty in-memory window store.
func NewInMemoryStore(opts ...Option) *InMemoryStore {
	o := buildOptions(opts)
	return &InMemoryStore{
		windows:      make(map[string]*fixedWindow),
		clock:        o.clock,
		violationTTL: o.violationTTL,
	}
}

// Hit increments the window for key, resetting it once now reaches the reset time.
func (s *InMemoryStore) Hit(_ context.Context, key string, limit int, window time.Duration) (models.Entry, error) {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	w := s.windows[key]
	if w == nil {
		w = &fixedWindow{}
		s.windows[key] = w
	}
	if !now.Before(w.resetAt) {
		w.count = 0
		w.resetAt = now.Add(window)
	}
	w.count++
	if w.count > limit {
		w.violations++
		w.lastViolation = now
	}

	return models.Entry{
		Count:         w.count,
		ResetAt:       w.resetAt,
		Violations:    w.violations,
		LastViolation: w.lastViolation,
	}, nil
}

// Sweep removes windows that have expired and carry no recent violations.
func (s *InMemoryStore) Sweep(_ context.Context) (int, error) {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, w := range s.windows {
		if now.Before(w.resetAt) {
			continue
		}
		if w.violations > 0 && now.Sub(w.lastViolation) < s.violationTTL {
			continue
		}
		delete(s.windows, key)
		removed++
	}
	return removed, nil
}

// Reset clears the window for a key.
func (s *InMemoryStore) Reset(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.windows, key)
	return nil
}

// Len returns the number of tracked windows.
func (s *InMemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows)
}
