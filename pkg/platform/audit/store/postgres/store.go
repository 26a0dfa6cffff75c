// Package postgres stores audit events in PostgreSQL through pgx.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	audit "vitalis/pkg/platform/audit"
	txcontext "vitalis/pkg/platform/tx"
)

const tracerName = "vitalis/pkg/platform/audit/store/postgres"

// Schema creates the audit table. Inserts are idempotent on id, so a batch
// retried after a lost acknowledgement does not duplicate rows.
const Schema = `
CREATE TABLE IF NOT EXISTS audit_events (
	id            UUID PRIMARY KEY,
	event_type    TEXT NOT NULL,
	category      TEXT NOT NULL,
	user_id       TEXT NOT NULL,
	resource_type TEXT NOT NULL,
	resource_id   TEXT,
	action        TEXT NOT NULL,
	ip_address    TEXT,
	user_agent    TEXT,
	success       BOOLEAN NOT NULL,
	risk_level    TEXT NOT NULL,
	details       JSONB,
	occurred_at   TIMESTAMPTZ NOT NULL,
	request_id    TEXT
);
CREATE INDEX IF NOT EXISTS audit_events_user_idx ON audit_events (user_id, occurred_at DESC);
CREATE INDEX IF NOT EXISTS audit_events_risk_idx ON audit_events (risk_level, occurred_at DESC);
`

const insertQuery = `
	INSERT INTO audit_events (
		id, event_type, category, user_id, resource_type, resource_id, action,
		ip_address, user_agent, success, risk_level, details, occurred_at, request_id
	)
	VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, $9, $10, $11, $12, $13, NULLIF($14, ''))
	ON CONFLICT (id) DO NOTHING
`

const selectColumns = `
	id, event_type, user_id, resource_type, COALESCE(resource_id, ''), action,
	COALESCE(ip_address, ''), COALESCE(user_agent, ''), success, risk_level,
	details, occurred_at, COALESCE(request_id, '')
`

// DB is the subset of *pgxpool.Pool the store uses.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

var _ DB = (*pgxpool.Pool)(nil)

// Store implements audit.Store. Each InsertMany is one transaction.
type Store struct {
	db     DB
	tracer trace.Tracer
}

func New(db DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	return &Store{db: db, tracer: otel.Tracer(tracerName)}, nil
}

// Open connects a pool to dsn and verifies it.
func Open(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("create audit schema: %w", err)
	}
	return nil
}

// InsertMany writes events in a single round trip. A transaction already in
// ctx is joined and left for the caller to commit.
func (s *Store) InsertMany(ctx context.Context, events []audit.Event) (err error) {
	if len(events) == 0 {
		return nil
	}
	ctx, span := s.tracer.Start(ctx, "audit.store.postgres.insert",
		trace.WithAttributes(attribute.Int("audit.batch_size", len(events))),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "insert failed")
		}
		span.End()
	}()

	batch := &pgx.Batch{}
	for _, e := range events {
		args, err := insertArgs(e)
		if err != nil {
			return err
		}
		batch.Queue(insertQuery, args...)
	}

	if tx, ok := txcontext.From(ctx); ok {
		return sendBatch(ctx, tx, batch)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin audit insert: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(context.WithoutCancel(ctx))
		}
	}()
	if err := sendBatch(ctx, tx, batch); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit audit insert: %w", err)
	}
	return nil
}

func sendBatch(ctx context.Context, tx pgx.Tx, batch *pgx.Batch) error {
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert audit events: %w", err)
	}
	return nil
}

func insertArgs(e audit.Event) ([]any, error) {
	var details []byte
	if e.Details != nil {
		b, err := json.Marshal(e.Details)
		if err != nil {
			return nil, fmt.Errorf("marshal details for event %s: %w", e.ID, err)
		}
		details = b
	}
	return []any{
		e.ID,
		string(e.Type),
		string(e.Category()),
		e.UserID,
		e.ResourceType,
		e.ResourceID,
		e.Action,
		e.IPAddress,
		e.UserAgent,
		e.Success,
		string(e.RiskLevel),
		details,
		e.Timestamp.UTC(),
		e.RequestID,
	}, nil
}

// ListByUser returns a user's events, newest first.
func (s *Store) ListByUser(ctx context.Context, userID string, limit int) ([]audit.Event, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+selectColumns+` FROM audit_events WHERE user_id = $1 ORDER BY occurred_at DESC LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	return collect(rows)
}

// ListSince returns events at or after since with at least minRisk, oldest first.
func (s *Store) ListSince(ctx context.Context, since time.Time, minRisk audit.RiskLevel, limit int) ([]audit.Event, error) {
	levels := make([]string, 0, 4)
	for _, r := range []audit.RiskLevel{audit.RiskLow, audit.RiskMedium, audit.RiskHigh, audit.RiskCritical} {
		if r.AtLeast(minRisk) {
			levels = append(levels, string(r))
		}
	}
	rows, err := s.db.Query(ctx,
		`SELECT `+selectColumns+` FROM audit_events
		 WHERE occurred_at >= $1 AND risk_level = ANY($2)
		 ORDER BY occurred_at ASC LIMIT $3`,
		since.UTC(), levels, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	return collect(rows)
}

func collect(rows pgx.Rows) ([]audit.Event, error) {
	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (audit.Event, error) {
		var (
			e       audit.Event
			typ     string
			risk    string
			details []byte
		)
		if err := row.Scan(&e.ID, &typ, &e.UserID, &e.ResourceType, &e.ResourceID, &e.Action,
			&e.IPAddress, &e.UserAgent, &e.Success, &risk, &details, &e.Timestamp, &e.RequestID); err != nil {
			return e, err
		}
		e.Type = audit.EventType(typ)
		e.RiskLevel = audit.RiskLevel(risk)
		if len(details) > 0 {
			if err := json.Unmarshal(details, &e.Details); err != nil {
				return e, fmt.Errorf("decode details for event %s: %w", e.ID, err)
			}
		}
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan audit events: %w", err)
	}
	return events, nil
}
