package window

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	// registers the "postgres" database/sql driver
	_ "github.com/lib/pq"

	"vitalis/internal/ratelimit/models"
	"vitalis/pkg/requestcontext"
)

// Schema creates the table used by PostgresStore.
const Schema = `
CREATE TABLE IF NOT EXISTS rate_limit_windows (
	key               TEXT PRIMARY KEY,
	count             INTEGER NOT NULL,
	reset_at          TIMESTAMPTZ NOT NULL,
	violations        INTEGER NOT NULL DEFAULT 0,
	last_violation_at TIMESTAMPTZ
)`

// The SET expressions read the row as it was before the update, so the new
// count is spelled out wherever the violation columns need it.
const hitQuery = `
INSERT INTO rate_limit_windows AS w (key, count, reset_at, violations, last_violation_at)
VALUES ($1, 1, $2, CASE WHEN 1 > $4 THEN 1 ELSE 0 END, CASE WHEN 1 > $4 THEN $3::timestamptz END)
ON CONFLICT (key) DO UPDATE SET
	count = CASE WHEN w.reset_at <= $3 THEN 1 ELSE w.count + 1 END,
	reset_at = CASE WHEN w.reset_at <= $3 THEN $2 ELSE w.reset_at END,
	violations = w.violations + CASE
		WHEN (CASE WHEN w.reset_at <= $3 THEN 1 ELSE w.count + 1 END) > $4 THEN 1 ELSE 0 END,
	last_violation_at = CASE
		WHEN (CASE WHEN w.reset_at <= $3 THEN 1 ELSE w.count + 1 END) > $4 THEN $3 ELSE w.last_violation_at END
RETURNING count, reset_at, violations, last_violation_at`

const sweepQuery = `
DELETE FROM rate_limit_windows
WHERE reset_at <= $1 AND (last_violation_at IS NULL OR last_violation_at <= $2)`

// PostgresStore persists fixed windows in PostgreSQL through database/sql.
// The upsert keeps increment-or-reset atomic per key without a transaction.
type PostgresStore struct {
	db           *sql.DB
	violationTTL time.Duration
}

// NewPostgres constructs a PostgreSQL-backed window store. The current time
// comes from the request context so tests can pin it.
func NewPostgres(db *sql.DB, opts ...Option) *PostgresStore {
	o := buildOptions(opts)
	return &PostgresStore{db: db, violationTTL: o.violationTTL}
}

// EnsureSchema creates the windows table if needed.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("create rate_limit_windows: %w", err)
	}
	return nil
}

func (s *PostgresStore) Hit(ctx context.Context, key string, limit int, window time.Duration) (models.Entry, error) {
	now := requestcontext.Now(ctx).UTC()

	var (
		entry         models.Entry
		lastViolation sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, hitQuery, key, now.Add(window), now, limit).
		Scan(&entry.Count, &entry.ResetAt, &entry.Violations, &lastViolation)
	if err != nil {
		return models.Entry{}, fmt.Errorf("hit window %s: %w", key, err)
	}
	if lastViolation.Valid {
		entry.LastViolation = lastViolation.Time
	}
	return entry, nil
}

func (s *PostgresStore) Sweep(ctx context.Context) (int, error) {
	now := requestcontext.Now(ctx).UTC()
	res, err := s.db.ExecContext(ctx, sweepQuery, now, now.Add(-s.violationTTL))
	if err != nil {
		return 0, fmt.Errorf("sweep rate_limit_windows: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sweep rows affected: %w", err)
	}
	return int(n), nil
}
