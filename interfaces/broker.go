package interfaces

import (
	"context"
	"errors"
)

// Broker gateway error types
var (
	ErrGatewayClosed = errors.New("broker gateway is closed")
	ErrNoExchange    = errors.New("exchange does not exist")
)

// PublishOutcome is the broker's resolution of a publish. The gateway
// always resolves within its confirm timeout; a publish that hears
// nothing back in time is reported as OutcomeNack.
type PublishOutcome int

const (
	// OutcomeAck means the broker accepted and routed the message.
	OutcomeAck PublishOutcome = iota

	// OutcomeNack means a broker-side publish failure, treated as
	// transient and retried with backoff.
	OutcomeNack

	// OutcomeReturned means the broker accepted the message but no queue
	// was bound for its routing key. An addressing problem, not a
	// transient fault.
	OutcomeReturned
)

func (o PublishOutcome) String() string {
	switch o {
	case OutcomeAck:
		return "ack"
	case OutcomeNack:
		return "nack"
	case OutcomeReturned:
		return "returned"
	default:
		return "unknown"
	}
}

// PublishResult carries the outcome and, for non-ack outcomes, the
// broker-supplied reason text.
type PublishResult struct {
	Outcome PublishOutcome
	Reason  string
}

// Delivery is a message received from the broker by a connect-node
// consumer. Payload is the envelope bytes exactly as published.
type Delivery struct {
	MessageID  string
	Exchange   string
	RoutingKey string
	Payload    []byte
}

// BrokerGateway abstracts the message-broker transport. Publish blocks
// until the broker resolves the message or the gateway's confirm timeout
// elapses; it never leaves a publish hanging.
type BrokerGateway interface {
	// Publish sends payload to exchange with the given routing key and
	// message ID, and waits for one of the three resolutions. A non-nil
	// error indicates a transport-level failure and is equivalent to nack.
	Publish(ctx context.Context, exchange, routingKey string, payload []byte, messageID string) (PublishResult, error)

	// Consume binds and consumes the named queue, delivering messages on
	// the returned channel until ctx is cancelled or the gateway closes.
	Consume(ctx context.Context, queue string) (<-chan Delivery, error)

	// Close releases broker connections. In-flight publishes resolve as
	// nack.
	Close() error
}
