package interfaces

import (
	"context"
	"errors"
	"time"

	"github.com/luckyim/delivery/device"
)

// Routing error types
var (
	ErrNoRoute = errors.New("no connect-node registered for user")
)

// Route is a resolved broker destination.
type Route struct {
	Exchange   string
	RoutingKey string
}

// RoutingResolver computes the broker destination for a target user and
// optional device class. Resolution is deterministic for a given target at
// call time; the resolver neither retries nor caches beyond whatever
// consistency its directory provides.
type RoutingResolver interface {
	Resolve(ctx context.Context, userID string, class device.Class) (Route, error)
}

// Directory is the shared location service mapping a user to the
// connect-node currently holding their channels. Entries carry a TTL and
// are refreshed by the owning node's presence loop.
type Directory interface {
	// Locate returns the node ID owning the user, or ErrNoRoute.
	Locate(ctx context.Context, userID string) (string, error)

	// Register binds the user to nodeID for the TTL, replacing any
	// previous binding.
	Register(ctx context.Context, userID, nodeID string, ttl time.Duration) error

	// Refresh extends the TTL of an existing binding, only if it still
	// points at nodeID. Returns whether the binding was refreshed.
	Refresh(ctx context.Context, userID, nodeID string, ttl time.Duration) (bool, error)

	// Deregister removes the binding, only if it still points at nodeID.
	// A stale deregistration after another node took over is a no-op.
	Deregister(ctx context.Context, userID, nodeID string) error

	// Close releases directory resources.
	Close() error
}
