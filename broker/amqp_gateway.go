package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/luckyim/delivery/interfaces"
)

// AMQPGateway implements BrokerGateway over an AMQP 0.9.1 broker using
// publisher confirms. Publishes go out mandatory on a confirm-mode
// channel; basic.return notifications are correlated back to the message
// ID so an acked-but-unroutable publish resolves as returned rather than
// ack.
type AMQPGateway struct {
	conn *amqp.Connection
	log  *zap.Logger

	// pubMu serializes publishes on the confirm channel.
	pubMu sync.Mutex
	pubCh *amqp.Channel

	// retMu guards returned, messageID -> recorded basic.return, filled by
	// the return listener. Entries are consumed by the publish that caused
	// them; orphans (publish resolved as timeout or nack before the return
	// landed) are pruned after returnRetention.
	retMu    sync.Mutex
	returned map[string]pendingReturn

	confirmTimeout  time.Duration
	returnRetention time.Duration
	prefetch        int

	closeMu sync.Mutex
	closed  bool
}

// NewAMQPGateway dials the broker and prepares a confirm-mode publisher
// channel.
func NewAMQPGateway(cfg interfaces.BrokerConfig, log *zap.Logger) (*AMQPGateway, error) {
	if log == nil {
		log = zap.NewNop()
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open publisher channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}

	g := &AMQPGateway{
		conn:           conn,
		log:            log,
		pubCh:          ch,
		returned:       make(map[string]pendingReturn),
		confirmTimeout: cfg.ConfirmTimeout,
		prefetch:       cfg.Prefetch,
	}
	if g.confirmTimeout <= 0 {
		g.confirmTimeout = 10 * time.Second
	}
	g.returnRetention = 2 * g.confirmTimeout

	returns := ch.NotifyReturn(make(chan amqp.Return, 64))
	go g.collectReturns(returns)

	return g, nil
}

// pendingReturn is a basic.return waiting to be matched with its publish.
type pendingReturn struct {
	reason string
	at     time.Time
}

func (g *AMQPGateway) collectReturns(returns <-chan amqp.Return) {
	for ret := range returns {
		now := time.Now()
		g.retMu.Lock()
		g.pruneReturnsLocked(now)
		g.returned[ret.MessageId] = pendingReturn{
			reason: fmt.Sprintf("%d %s", ret.ReplyCode, ret.ReplyText),
			at:     now,
		}
		g.retMu.Unlock()
		g.log.Warn("publish returned by broker",
			zap.String("message_id", ret.MessageId),
			zap.String("routing_key", ret.RoutingKey),
			zap.Uint16("reply_code", ret.ReplyCode),
			zap.String("reply_text", ret.ReplyText))
	}
}

// pruneReturnsLocked drops returns older than the retention window. Caller
// holds retMu.
func (g *AMQPGateway) pruneReturnsLocked(now time.Time) {
	for id, pr := range g.returned {
		if now.Sub(pr.at) > g.returnRetention {
			delete(g.returned, id)
		}
	}
}

// takeReturn checks whether a basic.return was recorded for the message.
// The broker sends the return before the confirm for the same publish, but
// our listener goroutine may not have processed it yet when WaitContext
// unblocks, so one short re-check is allowed.
func (g *AMQPGateway) takeReturn(messageID string) (string, bool) {
	for attempt := 0; attempt < 2; attempt++ {
		g.retMu.Lock()
		pr, ok := g.returned[messageID]
		if ok {
			delete(g.returned, messageID)
		}
		g.retMu.Unlock()
		if ok {
			return pr.reason, true
		}
		if attempt == 0 {
			time.Sleep(5 * time.Millisecond)
		}
	}
	return "", false
}

// dropReturn discards any recorded return for a publish that resolved
// without consuming it, so it cannot be misattributed to a later attempt
// republishing the same message ID.
func (g *AMQPGateway) dropReturn(messageID string) {
	g.retMu.Lock()
	delete(g.returned, messageID)
	g.retMu.Unlock()
}

// DeclareTopology declares the delivery exchange and a durable node queue
// bound under the given routing keys. Called by a connect-node at startup
// with its node key and the broadcast key.
func (g *AMQPGateway) DeclareTopology(exchange, queue string, routingKeys ...string) error {
	ch, err := g.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(exchange, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}
	if queue == "" {
		return nil
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}
	for _, key := range routingKeys {
		if err := ch.QueueBind(queue, key, exchange, false, nil); err != nil {
			return fmt.Errorf("failed to bind queue %s to %s: %w", queue, key, err)
		}
	}
	return nil
}

func (g *AMQPGateway) Publish(ctx context.Context, exchange, routingKey string, payload []byte, messageID string) (interfaces.PublishResult, error) {
	g.closeMu.Lock()
	if g.closed {
		g.closeMu.Unlock()
		return interfaces.PublishResult{Outcome: interfaces.OutcomeNack, Reason: "gateway closed"}, interfaces.ErrGatewayClosed
	}
	g.closeMu.Unlock()

	waitCtx, cancel := context.WithTimeout(ctx, g.confirmTimeout)
	defer cancel()

	g.pubMu.Lock()
	confirmation, err := g.pubCh.PublishWithDeferredConfirmWithContext(waitCtx,
		exchange, routingKey,
		true,  // mandatory: unroutable messages come back as basic.return
		false, // immediate is unsupported by modern brokers
		amqp.Publishing{
			MessageId:    messageID,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			ContentType:  "application/cbor",
			Body:         payload,
		})
	g.pubMu.Unlock()
	if err != nil {
		return interfaces.PublishResult{Outcome: interfaces.OutcomeNack, Reason: err.Error()},
			fmt.Errorf("publish failed: %w", err)
	}

	acked, err := confirmation.WaitContext(waitCtx)
	if err != nil {
		// No resolution within the confirm timeout; treated as nack.
		g.dropReturn(messageID)
		return interfaces.PublishResult{Outcome: interfaces.OutcomeNack, Reason: "confirm timeout"}, nil
	}
	if !acked {
		g.dropReturn(messageID)
		return interfaces.PublishResult{Outcome: interfaces.OutcomeNack, Reason: "broker nack"}, nil
	}
	if reason, ok := g.takeReturn(messageID); ok {
		return interfaces.PublishResult{Outcome: interfaces.OutcomeReturned, Reason: reason}, nil
	}
	return interfaces.PublishResult{Outcome: interfaces.OutcomeAck}, nil
}

func (g *AMQPGateway) Consume(ctx context.Context, queue string) (<-chan interfaces.Delivery, error) {
	ch, err := g.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open consumer channel: %w", err)
	}
	if g.prefetch > 0 {
		if err := ch.Qos(g.prefetch, 0, false); err != nil {
			ch.Close()
			return nil, fmt.Errorf("failed to set prefetch: %w", err)
		}
	}

	// Auto-ack: the delivery guarantee ends at the broker ack recorded by
	// the outbox; node-local delivery is push-or-drop by design.
	deliveries, err := ch.ConsumeWithContext(ctx, queue, "", true, false, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to consume queue %s: %w", queue, err)
	}

	out := make(chan interfaces.Delivery)
	go func() {
		defer close(out)
		defer ch.Close()
		for d := range deliveries {
			select {
			case out <- interfaces.Delivery{
				MessageID:  d.MessageId,
				Exchange:   d.Exchange,
				RoutingKey: d.RoutingKey,
				Payload:    d.Body,
			}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (g *AMQPGateway) Close() error {
	g.closeMu.Lock()
	defer g.closeMu.Unlock()
	if g.closed {
		return nil
	}
	g.closed = true
	return g.conn.Close()
}
