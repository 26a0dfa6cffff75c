//go:build integration

package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/suite"

	audit "vitalis/pkg/platform/audit"
	txcontext "vitalis/pkg/platform/tx"
	"vitalis/pkg/testutil/containers"
)

type StoreSuite struct {
	suite.Suite
	pg    *containers.PostgresContainer
	pool  *pgxpool.Pool
	store *Store
}

func TestStoreSuite(t *testing.T) {
	suite.Run(t, new(StoreSuite))
}

func (s *StoreSuite) SetupSuite() {
	s.pg = containers.NewPostgresContainer(s.T())
	pool, err := Open(context.Background(), s.pg.DSN)
	s.Require().NoError(err)
	s.T().Cleanup(pool.Close)
	s.pool = pool

	s.store, err = New(pool)
	s.Require().NoError(err)
	s.Require().NoError(s.store.EnsureSchema(context.Background()))
}

func (s *StoreSuite) SetupTest() {
	s.Require().NoError(s.pg.TruncateTables(context.Background(), "audit_events"))
}

func event(userID string, risk audit.RiskLevel, at time.Time) audit.Event {
	return audit.NewEvent(audit.Event{
		Type:         audit.EventDataAccess,
		UserID:       userID,
		ResourceType: "biomarkers",
		Action:       "read",
		IPAddress:    "203.0.113.1",
		Success:      true,
		RiskLevel:    risk,
		Details:      map[string]any{"path": "/api/biomarkers"},
		Timestamp:    at,
	}, at)
}

func (s *StoreSuite) TestInsertManyIsIdempotent() {
	ctx := context.Background()
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	events := make([]audit.Event, 25)
	for i := range events {
		events[i] = event("user-1", audit.RiskLow, base.Add(time.Duration(i)*time.Second))
	}
	s.Require().NoError(s.store.InsertMany(ctx, events))
	s.Require().NoError(s.store.InsertMany(ctx, events[:5]), "retried batch")

	got, err := s.store.ListByUser(ctx, "user-1", 100)
	s.Require().NoError(err)
	s.Len(got, 25)
	s.Equal(events[24].ID, got[0].ID)
	s.Equal("/api/biomarkers", got[0].Details["path"])
	s.True(events[24].Timestamp.Equal(got[0].Timestamp))
}

func (s *StoreSuite) TestListSinceFiltersRisk() {
	ctx := context.Background()
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	s.Require().NoError(s.store.InsertMany(ctx, []audit.Event{
		event("u", audit.RiskLow, base),
		event("u", audit.RiskHigh, base.Add(time.Minute)),
		event("u", audit.RiskCritical, base.Add(2*time.Minute)),
		event("u", audit.RiskCritical, base.Add(-time.Hour)),
	}))

	got, err := s.store.ListSince(ctx, base, audit.RiskHigh, 10)
	s.Require().NoError(err)
	s.Require().Len(got, 2)
	s.Equal(audit.RiskHigh, got[0].RiskLevel)
	s.Equal(audit.RiskCritical, got[1].RiskLevel)
}

func (s *StoreSuite) TestJoinsCallerTransaction() {
	ctx := context.Background()
	tx, err := s.pool.Begin(ctx)
	s.Require().NoError(err)

	e := event("user-tx", audit.RiskLow, time.Now().UTC())
	s.Require().NoError(s.store.InsertMany(txcontext.WithTx(ctx, tx), []audit.Event{e}))
	s.Require().NoError(tx.Rollback(ctx))

	got, err := s.store.ListByUser(ctx, "user-tx", 10)
	s.Require().NoError(err)
	s.Empty(got, "rolled back with the caller")
}
