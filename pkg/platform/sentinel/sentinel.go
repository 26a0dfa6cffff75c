package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores, sinks and clients return
// these (optionally wrapped) so callers can branch with errors.Is:
//   - ErrUnavailable: a store or upstream is temporarily unreachable
//   - ErrClosed: the component has been stopped and accepts no more work
//   - ErrInvalidConfig: configuration failed validation
//   - ErrCircuitOpen: writes are suspended after repeated failures
var (
	ErrNotFound      = errors.New("not found")
	ErrUnavailable   = errors.New("unavailable")
	ErrClosed        = errors.New("closed")
	ErrInvalidConfig = errors.New("invalid config")
	ErrCircuitOpen   = errors.New("circuit open")
)
