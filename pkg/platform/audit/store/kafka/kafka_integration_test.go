//go:build integration

package kafka

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	audit "vitalis/pkg/platform/audit"
	"vitalis/pkg/platform/audit/store/memory"
	"vitalis/pkg/testutil/containers"
)

func TestProduceAndMaterialize(t *testing.T) {
	rp := containers.NewRedpandaContainer(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	const topic = "audit-it"
	producer, err := Open(rp.Brokers)
	require.NoError(t, err)
	t.Cleanup(producer.Close)
	require.NoError(t, EnsureTopic(ctx, producer, topic, 3, 1))
	require.NoError(t, EnsureTopic(ctx, producer, topic, 3, 1), "second ensure is a no-op")

	store, err := New(producer, topic)
	require.NoError(t, err)

	events := make([]audit.Event, 20)
	for i := range events {
		events[i] = audit.NewEvent(audit.Event{
			Type:         audit.EventDataModification,
			UserID:       "user-k",
			ResourceType: "lab_reports",
			Action:       "create",
			Success:      true,
			RiskLevel:    audit.RiskMedium,
		}, time.Now())
	}
	require.NoError(t, store.InsertMany(ctx, events))

	consumer, err := OpenConsumer(rp.Brokers, "materializer-it", topic)
	require.NoError(t, err)
	t.Cleanup(consumer.Close)

	target := memory.NewInMemoryStore()
	m, err := NewMaterializer(consumer, target)
	require.NoError(t, err)

	runCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- m.Run(runCtx) }()

	require.Eventually(t, func() bool { return target.Len() == len(events) }, 30*time.Second, 100*time.Millisecond)
	stop()
	require.NoError(t, <-done)
}
