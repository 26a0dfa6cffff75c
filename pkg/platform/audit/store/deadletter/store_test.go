package deadletter

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	audit "vitalis/pkg/platform/audit"
	"vitalis/pkg/platform/audit/mocks"
	"vitalis/pkg/platform/audit/store/memory"
	"vitalis/pkg/platform/sentinel"
)

func events(n int) []audit.Event {
	at := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	out := make([]audit.Event, n)
	for i := range out {
		out[i] = audit.NewEvent(audit.Event{
			Type:         audit.EventFailedAccess,
			UserID:       "user-d",
			ResourceType: "lab_reports",
			Action:       "read",
			RiskLevel:    audit.RiskCritical,
		}, at.Add(time.Duration(i)*time.Second))
	}
	return out
}

func TestFileStoreAppends(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 9, 2, 0, 0, 0, 0, time.UTC))
	path := filepath.Join(t.TempDir(), "nested", "dead.jsonl")

	s, err := Open(path, WithClock(clk))
	require.NoError(t, err)

	batch := events(3)
	require.NoError(t, s.InsertMany(context.Background(), batch[:2]))
	require.NoError(t, s.InsertMany(context.Background(), batch[2:]))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "close is idempotent")

	envs, err := ReadFile(path)
	require.NoError(t, err)
	require.Len(t, envs, 3)
	for i, env := range envs {
		assert.Equal(t, batch[i].ID, env.Event.ID)
		assert.True(t, clk.Now().Equal(env.DeadLetteredAt))
	}

	err = s.InsertMany(context.Background(), batch)
	require.ErrorIs(t, err, sentinel.ErrClosed)
}

func TestReadFileSkipsTornLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dead.jsonl")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.InsertMany(context.Background(), events(2)))
	require.NoError(t, s.Close())

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString(`{"dead_lettered_at":"2026-09-0`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	envs, err := ReadFile(path)
	require.NoError(t, err)
	assert.Len(t, envs, 2)
}

func TestReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dead.jsonl")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.InsertMany(context.Background(), events(5)))
	require.NoError(t, s.Close())

	t.Run("into a store in batches", func(t *testing.T) {
		target := memory.NewInMemoryStore()
		n, err := Replay(context.Background(), path, target, 2)
		require.NoError(t, err)
		assert.Equal(t, 5, n)
		assert.Equal(t, 5, target.Len())

		n, err = Replay(context.Background(), path, target, 2)
		require.NoError(t, err)
		assert.Equal(t, 5, n)
		assert.Equal(t, 5, target.Len(), "replay is idempotent")
	})

	t.Run("stops at the first failed batch", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		target := mocks.NewMockStore(ctrl)
		gomock.InOrder(
			target.EXPECT().InsertMany(gomock.Any(), gomock.Len(3)).Return(nil),
			target.EXPECT().InsertMany(gomock.Any(), gomock.Len(2)).Return(errors.New("down")),
		)
		n, err := Replay(context.Background(), path, target, 3)
		require.ErrorContains(t, err, "down")
		assert.Equal(t, 3, n)
	})
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open("")
	require.EqualError(t, err, "dead-letter path is required")
}
