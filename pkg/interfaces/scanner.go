package interfaces

import (
	"context"
	"time"

	"presence/pkg/types"
)

// DeviceSource yields one snapshot of visible devices per call
// ARCHITECTURAL DISCOVERY: The radio primitive stays behind this interface so
// the reconciliation loop can be driven by fakes and replay files
type DeviceSource interface {
	// Discover blocks for at most timeout and returns what was seen.
	// Implementations must honour ctx cancellation.
	Discover(ctx context.Context, timeout time.Duration) ([]types.Device, error)
}
