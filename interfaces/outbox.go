package interfaces

import (
	"context"
	"errors"
	"time"

	"github.com/luckyim/delivery/outbox"
)

// Outbox store error types
var (
	ErrMessageNotFound  = errors.New("outbox message not found")
	ErrDuplicateMessage = errors.New("outbox message already exists")
	ErrLeaseLost        = errors.New("outbox lease expired or owned by another worker")
	ErrAlreadyTerminal  = errors.New("outbox message is in a terminal state")
)

// OutboxStore defines the safe concurrent primitives over the durable
// outbox table. There is deliberately no general CRUD surface: every
// mutation after Enqueue is a lease-conditioned compare-and-set, so that
// multiple dispatcher instances can run against one store without ever
// resolving the same message twice.
type OutboxStore interface {
	// Enqueue inserts a new message with status PENDING and retry count 0.
	// Returns ErrDuplicateMessage if the message ID is already present.
	Enqueue(ctx context.Context, msg *outbox.Message) error

	// ClaimDue atomically selects up to limit claimable messages whose
	// NextAttemptAt is not in the future and which carry no live lease,
	// stamps them with owner and a lease of the given duration, and
	// returns them. Claimable statuses are PENDING, RETRY and RETURNED.
	ClaimDue(ctx context.Context, owner string, limit int, lease time.Duration) ([]*outbox.Message, error)

	// MarkConfirmed transitions a claimed message to CONFIRMED. Fails with
	// ErrLeaseLost when owner no longer holds a live lease, and with
	// ErrAlreadyTerminal when the row was already resolved.
	MarkConfirmed(ctx context.Context, messageID, owner string) error

	// MarkRetry transitions a claimed message to RETRY with the given
	// retry count, next attempt time and error text, releasing the lease.
	MarkRetry(ctx context.Context, messageID, owner string, retryCount int, nextAttemptAt time.Time, errorMessage string) error

	// MarkReturned transitions a claimed message to RETURNED with the
	// given retry count, next attempt time and error text, releasing the
	// lease. RETURNED rows are claimable again but are retried against
	// the smaller returned-retry budget.
	MarkReturned(ctx context.Context, messageID, owner string, retryCount int, nextAttemptAt time.Time, errorMessage string) error

	// MarkDead transitions a claimed message to DEAD with the given error
	// text. DEAD is terminal; the row is never claimed again.
	MarkDead(ctx context.Context, messageID, owner string, errorMessage string) error

	// ReleaseLease drops owner's lease without changing status, making the
	// row immediately reclaimable. Used on graceful shutdown so another
	// instance does not have to wait out the lease expiry.
	ReleaseLease(ctx context.Context, messageID, owner string) error

	// Get returns a copy of a message regardless of its state. Read-only;
	// intended for status surfaces and tests.
	Get(ctx context.Context, messageID string) (*outbox.Message, error)

	// Close releases store resources.
	Close() error
}

// AlertFunc is invoked on every transition to DEAD, carrying the message
// ID and the final error text. Wire it to the monitoring collaborator.
type AlertFunc func(messageID, errorMessage string)
