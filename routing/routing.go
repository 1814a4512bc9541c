package routing

import (
	"context"
	"fmt"

	"github.com/luckyim/delivery/device"
	"github.com/luckyim/delivery/interfaces"
)

// Broker wire conventions. Every connect-node binds a queue named after
// its node ID to the delivery exchange under KeyPrefix + nodeID; targeted
// messages carry exactly that key, broadcast messages carry the fixed
// broadcast key that every node also binds.
const (
	DefaultExchange  = "IM-SERVER"
	DefaultKeyPrefix = "IM-ROUTER-"
	BroadcastSuffix  = "all"
)

// NodeKey returns the routing key addressing a single connect-node.
func NodeKey(prefix, nodeID string) string {
	return prefix + nodeID
}

// BroadcastKey returns the routing key addressing every connect-node.
func BroadcastKey(prefix string) string {
	return prefix + BroadcastSuffix
}

// DirectoryResolver implements targeted routing: it asks the shared
// location directory which connect-node owns the user and produces a key
// that binds only to that node's queue.
type DirectoryResolver struct {
	dir       interfaces.Directory
	exchange  string
	keyPrefix string
}

// NewDirectoryResolver creates a targeted resolver over the directory.
// Empty exchange or prefix fall back to the wire defaults.
func NewDirectoryResolver(dir interfaces.Directory, exchange, keyPrefix string) *DirectoryResolver {
	if exchange == "" {
		exchange = DefaultExchange
	}
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}
	return &DirectoryResolver{dir: dir, exchange: exchange, keyPrefix: keyPrefix}
}

func (r *DirectoryResolver) Resolve(ctx context.Context, userID string, _ device.Class) (interfaces.Route, error) {
	nodeID, err := r.dir.Locate(ctx, userID)
	if err != nil {
		return interfaces.Route{}, fmt.Errorf("resolving node for user %s: %w", userID, err)
	}
	return interfaces.Route{
		Exchange:   r.exchange,
		RoutingKey: NodeKey(r.keyPrefix, nodeID),
	}, nil
}

// BroadcastResolver implements broadcast-and-filter: every message goes to
// the fixed broadcast key, each connect-node consumes it and silently
// drops messages for users it does not hold.
type BroadcastResolver struct {
	exchange  string
	keyPrefix string
}

// NewBroadcastResolver creates a broadcast resolver. Empty exchange or
// prefix fall back to the wire defaults.
func NewBroadcastResolver(exchange, keyPrefix string) *BroadcastResolver {
	if exchange == "" {
		exchange = DefaultExchange
	}
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}
	return &BroadcastResolver{exchange: exchange, keyPrefix: keyPrefix}
}

func (r *BroadcastResolver) Resolve(_ context.Context, _ string, _ device.Class) (interfaces.Route, error) {
	return interfaces.Route{
		Exchange:   r.exchange,
		RoutingKey: BroadcastKey(r.keyPrefix),
	}, nil
}

// NewResolver creates a resolver from configuration. The targeted strategy
// requires a directory; the broadcast strategy ignores it.
func NewResolver(cfg interfaces.RoutingConfig, exchange string, dir interfaces.Directory) (interfaces.RoutingResolver, error) {
	switch cfg.Strategy {
	case "", "targeted":
		if dir == nil {
			return nil, fmt.Errorf("targeted routing requires a directory")
		}
		return NewDirectoryResolver(dir, exchange, cfg.KeyPrefix), nil
	case "broadcast":
		return NewBroadcastResolver(exchange, cfg.KeyPrefix), nil
	default:
		return nil, fmt.Errorf("unsupported routing strategy: %s", cfg.Strategy)
	}
}
