package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/luckyim/delivery/interfaces"
)

const memoryQueueDepth = 1024

// MemoryGateway is an in-process BrokerGateway with direct-exchange
// semantics. It backs tests and single-node deployments: publishes to a
// bound queue resolve as ack, publishes with no matching binding resolve
// as returned, and a saturated queue resolves as nack, which is exactly
// the slow-down signal the dispatcher reacts to.
type MemoryGateway struct {
	mutex    sync.Mutex
	bindings map[string]map[string][]string // exchange -> routing key -> queues
	queues   map[string]chan interfaces.Delivery
	closed   bool

	// failNext forces the next n publishes to resolve as nack. Test hook.
	failNext int
}

// NewMemoryGateway creates an empty in-process gateway.
func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{
		bindings: make(map[string]map[string][]string),
		queues:   make(map[string]chan interfaces.Delivery),
	}
}

// FailNext makes the next n publishes resolve as nack.
func (g *MemoryGateway) FailNext(n int) {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	g.failNext = n
}

// DeclareTopology declares the exchange and binds a queue under the given
// routing keys, mirroring the AMQP gateway's startup surface.
func (g *MemoryGateway) DeclareTopology(exchange, queue string, routingKeys ...string) error {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	if g.closed {
		return interfaces.ErrGatewayClosed
	}
	if _, ok := g.bindings[exchange]; !ok {
		g.bindings[exchange] = make(map[string][]string)
	}
	if queue == "" {
		return nil
	}
	if _, ok := g.queues[queue]; !ok {
		g.queues[queue] = make(chan interfaces.Delivery, memoryQueueDepth)
	}
	for _, key := range routingKeys {
		g.bindings[exchange][key] = append(g.bindings[exchange][key], queue)
	}
	return nil
}

func (g *MemoryGateway) Publish(_ context.Context, exchange, routingKey string, payload []byte, messageID string) (interfaces.PublishResult, error) {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	if g.closed {
		return interfaces.PublishResult{Outcome: interfaces.OutcomeNack, Reason: "gateway closed"}, interfaces.ErrGatewayClosed
	}
	if g.failNext > 0 {
		g.failNext--
		return interfaces.PublishResult{Outcome: interfaces.OutcomeNack, Reason: "injected failure"}, nil
	}

	keys, ok := g.bindings[exchange]
	if !ok {
		return interfaces.PublishResult{Outcome: interfaces.OutcomeNack, Reason: fmt.Sprintf("no exchange %s", exchange)},
			fmt.Errorf("exchange %s: %w", exchange, interfaces.ErrNoExchange)
	}
	queues := keys[routingKey]
	if len(queues) == 0 {
		return interfaces.PublishResult{Outcome: interfaces.OutcomeReturned, Reason: "312 NO_ROUTE"}, nil
	}

	delivery := interfaces.Delivery{
		MessageID:  messageID,
		Exchange:   exchange,
		RoutingKey: routingKey,
		Payload:    payload,
	}
	for _, queue := range queues {
		select {
		case g.queues[queue] <- delivery:
		default:
			return interfaces.PublishResult{Outcome: interfaces.OutcomeNack, Reason: "queue saturated"}, nil
		}
	}
	return interfaces.PublishResult{Outcome: interfaces.OutcomeAck}, nil
}

func (g *MemoryGateway) Consume(ctx context.Context, queue string) (<-chan interfaces.Delivery, error) {
	g.mutex.Lock()
	q, ok := g.queues[queue]
	closed := g.closed
	g.mutex.Unlock()

	if closed {
		return nil, interfaces.ErrGatewayClosed
	}
	if !ok {
		return nil, fmt.Errorf("queue %s does not exist", queue)
	}

	out := make(chan interfaces.Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case d, ok := <-q:
				if !ok {
					return
				}
				select {
				case out <- d:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (g *MemoryGateway) Close() error {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	if g.closed {
		return nil
	}
	g.closed = true
	for _, q := range g.queues {
		close(q)
	}
	return nil
}
