package audit

//go:generate mockgen -source=store.go -destination=mocks/mocks.go -package=mocks Store

import "context"

// Store is the durable bulk-insert target for audit events. Implementations
// must accept at least 20 events per call and be safe for concurrent use.
type Store interface {
	InsertMany(ctx context.Context, events []Event) error
}

// StoreFunc adapts a function to the Store interface.
type StoreFunc func(ctx context.Context, events []Event) error

// InsertMany calls f.
func (f StoreFunc) InsertMany(ctx context.Context, events []Event) error {
	return f(ctx, events)
}
