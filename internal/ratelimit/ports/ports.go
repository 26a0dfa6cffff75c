package ports

//go:generate mockgen -source=ports.go -destination=mocks/mocks.go -package=mocks WindowStore

import (
	"context"
	"time"

	"vitalis/internal/ratelimit/models"
)

// WindowStore keeps fixed-window counters per key. Hit increments the
// counter for key, resetting it first when the window has expired, and
// records a violation when the new count exceeds limit. The whole
// increment-or-reset is atomic per key.
type WindowStore interface {
	Hit(ctx context.Context, key string, limit int, window time.Duration) (models.Entry, error)
	// Sweep evicts expired windows and returns how many were removed.
	Sweep(ctx context.Context) (int, error)
}
