// Package clickhouse stores audit events in ClickHouse for analytics-scale
// retention. Rows are batch-inserted with the native protocol.
package clickhouse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	audit "vitalis/pkg/platform/audit"
)

const tracerName = "vitalis/pkg/platform/audit/store/clickhouse"

// Schema creates the audit table. ReplacingMergeTree collapses rows that
// share (occurred_at, id), so a retried batch converges to one row per event.
const Schema = `
CREATE TABLE IF NOT EXISTS audit_events (
	id            UUID,
	event_type    LowCardinality(String),
	category      LowCardinality(String),
	user_id       String,
	resource_type LowCardinality(String),
	resource_id   String,
	action        LowCardinality(String),
	ip_address    String,
	user_agent    String,
	success       UInt8,
	risk_level    LowCardinality(String),
	details       String,
	occurred_at   DateTime64(3, 'UTC'),
	request_id    String
)
ENGINE = ReplacingMergeTree
ORDER BY (occurred_at, id)
`

const insertQuery = `
	INSERT INTO audit_events (
		id, event_type, category, user_id, resource_type, resource_id, action,
		ip_address, user_agent, success, risk_level, details, occurred_at, request_id
	)
`

// Conn is the subset of driver.Conn the store uses.
type Conn interface {
	PrepareBatch(ctx context.Context, query string, opts ...driver.PrepareBatchOption) (driver.Batch, error)
	Exec(ctx context.Context, query string, args ...any) error
	QueryRow(ctx context.Context, query string, args ...any) driver.Row
	Close() error
}

// Store implements audit.Store.
type Store struct {
	conn   Conn
	tracer trace.Tracer
}

func New(conn Conn) (*Store, error) {
	if conn == nil {
		return nil, errors.New("conn is required")
	}
	return &Store{conn: conn, tracer: otel.Tracer(tracerName)}, nil
}

// Open connects to the ClickHouse DSN and verifies the connection. TLS is
// enabled through the DSN (secure=true).
func Open(ctx context.Context, dsn string) (driver.Conn, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse clickhouse dsn: %w", err)
	}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open clickhouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}
	return conn, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if err := s.conn.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("create audit schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.conn.Close()
}

// row is the column order of insertQuery.
type row struct {
	ID           uuid.UUID
	EventType    string
	Category     string
	UserID       string
	ResourceType string
	ResourceID   string
	Action       string
	IPAddress    string
	UserAgent    string
	Success      uint8
	RiskLevel    string
	Details      string
	OccurredAt   time.Time
	RequestID    string
}

func toRow(e audit.Event) (row, error) {
	r := row{
		ID:           e.ID,
		EventType:    string(e.Type),
		Category:     string(e.Category()),
		UserID:       e.UserID,
		ResourceType: e.ResourceType,
		ResourceID:   e.ResourceID,
		Action:       e.Action,
		IPAddress:    e.IPAddress,
		UserAgent:    e.UserAgent,
		RiskLevel:    string(e.RiskLevel),
		OccurredAt:   e.Timestamp.UTC(),
		RequestID:    e.RequestID,
	}
	// Bools go in as UInt8.
	if e.Success {
		r.Success = 1
	}
	if e.Details != nil {
		b, err := json.Marshal(e.Details)
		if err != nil {
			return r, fmt.Errorf("marshal details for event %s: %w", e.ID, err)
		}
		r.Details = string(b)
	}
	return r, nil
}

func (r row) values() []any {
	return []any{
		r.ID, r.EventType, r.Category, r.UserID, r.ResourceType, r.ResourceID, r.Action,
		r.IPAddress, r.UserAgent, r.Success, r.RiskLevel, r.Details, r.OccurredAt, r.RequestID,
	}
}

// InsertMany sends events as one native batch. Any append error aborts the
// whole batch so the caller's retry policy sees a single outcome.
func (s *Store) InsertMany(ctx context.Context, events []audit.Event) (err error) {
	if len(events) == 0 {
		return nil
	}
	ctx, span := s.tracer.Start(ctx, "audit.store.clickhouse.insert",
		trace.WithAttributes(attribute.Int("audit.batch_size", len(events))),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "insert failed")
		}
		span.End()
	}()

	batch, err := s.conn.PrepareBatch(ctx, insertQuery)
	if err != nil {
		return fmt.Errorf("prepare audit batch: %w", err)
	}
	for _, e := range events {
		r, err := toRow(e)
		if err != nil {
			_ = batch.Abort()
			return err
		}
		if err := batch.Append(r.values()...); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("append audit event %s: %w", e.ID, err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("send audit batch: %w", err)
	}
	return nil
}

// CountByUser returns the number of distinct stored events for userID.
func (s *Store) CountByUser(ctx context.Context, userID string) (uint64, error) {
	var n uint64
	if err := s.conn.QueryRow(ctx,
		"SELECT count() FROM audit_events FINAL WHERE user_id = ?", userID,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("count audit events: %w", err)
	}
	return n, nil
}
