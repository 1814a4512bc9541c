package storage

import (
	"context"
	"fmt"

	"github.com/luckyim/delivery/interfaces"
)

// Backend represents the supported outbox storage backends
type Backend string

const (
	BackendMemory   Backend = "memory"
	BackendBadger   Backend = "badger"
	BackendPostgres Backend = "postgres"
)

// NewOutboxStore creates an OutboxStore implementation from configuration.
func NewOutboxStore(ctx context.Context, cfg interfaces.OutboxConfig) (interfaces.OutboxStore, error) {
	switch Backend(cfg.Backend) {
	case BackendMemory:
		return NewMemoryOutboxStore(), nil

	case BackendBadger:
		path := cfg.Path
		if path == "" {
			path = "./data/outbox"
		}
		return NewBadgerOutboxStore(path)

	case BackendPostgres:
		if cfg.DSN == "" {
			return nil, fmt.Errorf("postgres outbox backend requires a DSN")
		}
		return NewPostgresOutboxStore(ctx, cfg.DSN)

	default:
		return nil, fmt.Errorf("unsupported outbox backend: %s", cfg.Backend)
	}
}
