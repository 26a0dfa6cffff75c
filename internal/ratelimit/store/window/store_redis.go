package window

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"

	"vitalis/internal/ratelimit/models"
)

// hitScript increments the window counter, starting a fresh window when the
// key is absent, and bumps the violation counter when the limit is exceeded.
// KEYS[1] window counter, KEYS[2] violation counter.
// ARGV[1] window ms, ARGV[2] limit, ARGV[3] violation ttl ms.
var hitScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
local ttl = redis.call('PTTL', KEYS[1])
if count == 1 or ttl < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
local violations = tonumber(redis.call('GET', KEYS[2]) or '0')
if count > tonumber(ARGV[2]) then
  violations = redis.call('INCR', KEYS[2])
  redis.call('PEXPIRE', KEYS[2], ARGV[3])
end
return {count, ttl, violations}
`)

// RedisStore implements WindowStore on Redis so that every gate instance
// shares the same counters. Expiry is left to Redis key TTLs.
type RedisStore struct {
	client       redis.Scripter
	clock        clock.Clock
	violationTTL time.Duration
}

// NewRedisStore creates a Redis-backed window store.
func NewRedisStore(client redis.Scripter, opts ...Option) *RedisStore {
	o := buildOptions(opts)
	return &RedisStore{
		client:       client,
		clock:        o.clock,
		violationTTL: o.violationTTL,
	}
}

// Hit runs the window script atomically on the server.
func (s *RedisStore) Hit(ctx context.Context, key string, limit int, window time.Duration) (models.Entry, error) {
	now := s.clock.Now()
	raw, err := hitScript.Run(ctx, s.client,
		[]string{key, key + ":violations"},
		window.Milliseconds(), limit, s.violationTTL.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return models.Entry{}, fmt.Errorf("run window script: %w", err)
	}
	if len(raw) != 3 {
		return models.Entry{}, fmt.Errorf("window script returned %d values", len(raw))
	}

	entry := models.Entry{
		Count:      int(raw[0]),
		ResetAt:    now.Add(time.Duration(raw[1]) * time.Millisecond),
		Violations: int(raw[2]),
	}
	if entry.Exceeded(limit) {
		entry.LastViolation = now
	}
	return entry, nil
}

// Sweep is a no-op; Redis expires windows itself.
func (s *RedisStore) Sweep(context.Context) (int, error) {
	return 0, nil
}
