package broker

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/luckyim/delivery/interfaces"
)

// TopologyDeclarer is implemented by gateways that can declare the
// exchange, queue and bindings a node consumes from.
type TopologyDeclarer interface {
	DeclareTopology(exchange, queue string, routingKeys ...string) error
}

// NewGateway creates the broker gateway named by cfg.Backend.
func NewGateway(cfg interfaces.BrokerConfig, log *zap.Logger) (interfaces.BrokerGateway, error) {
	switch cfg.Backend {
	case "memory", "":
		return NewMemoryGateway(), nil
	case "amqp":
		return NewAMQPGateway(cfg, log)
	default:
		return nil, fmt.Errorf("unknown broker backend: %s", cfg.Backend)
	}
}
