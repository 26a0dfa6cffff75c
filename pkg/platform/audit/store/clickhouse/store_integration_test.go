//go:build integration

package clickhouse

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	audit "vitalis/pkg/platform/audit"
	"vitalis/pkg/testutil/containers"
)

func TestStoreIntegration(t *testing.T) {
	ch := containers.NewClickHouseContainer(t)
	ctx := context.Background()

	conn, err := Open(ctx, ch.DSN)
	require.NoError(t, err)
	store, err := New(conn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.EnsureSchema(ctx))

	now := time.Now().UTC().Truncate(time.Millisecond)
	events := make([]audit.Event, 20)
	for i := range events {
		events[i] = audit.NewEvent(audit.Event{
			Type:         audit.EventDataAccess,
			UserID:       "user-ch",
			ResourceType: "sleep_data",
			Action:       "read",
			Success:      true,
			RiskLevel:    audit.RiskLow,
			Details:      map[string]any{"i": i},
		}, now.Add(time.Duration(i)*time.Millisecond))
	}

	require.NoError(t, store.InsertMany(ctx, events))
	require.NoError(t, store.InsertMany(ctx, events[:3]), "retried batch")

	n, err := store.CountByUser(ctx, "user-ch")
	require.NoError(t, err)
	require.EqualValues(t, 20, n)
}
