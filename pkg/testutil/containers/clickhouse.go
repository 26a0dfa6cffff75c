//go:build integration

package containers

import (
	"context"
	"fmt"
	"testing"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// ClickHouseContainer wraps a single-node ClickHouse server.
type ClickHouseContainer struct {
	Container testcontainers.Container
	DSN       string
}

// NewClickHouseContainer starts ClickHouse and exposes its native port.
func NewClickHouseContainer(t *testing.T) *ClickHouseContainer {
	t.Helper()

	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "clickhouse/clickhouse-server:24.8-alpine",
			ExposedPorts: []string{"9000/tcp"},
			Env: map[string]string{
				"CLICKHOUSE_DB":       "vitalis",
				"CLICKHOUSE_USER":     "vitalis",
				"CLICKHOUSE_PASSWORD": "vitalis",
			},
			WaitingFor: wait.ForListeningPort("9000/tcp"),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("failed to start clickhouse container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("failed to get clickhouse host: %v", err)
	}
	port, err := container.MappedPort(ctx, "9000/tcp")
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("failed to get clickhouse port: %v", err)
	}

	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	return &ClickHouseContainer{
		Container: container,
		DSN:       fmt.Sprintf("clickhouse://vitalis:vitalis@%s:%s/vitalis", host, port.Port()),
	}
}
