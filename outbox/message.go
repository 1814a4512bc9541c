package outbox

import (
	"strconv"
	"time"

	"github.com/luckyim/delivery/device"
)

// Status is the delivery-guarantee state of an outbox message.
type Status string

const (
	// StatusPending marks a freshly enqueued message awaiting its first
	// publish attempt.
	StatusPending Status = "PENDING"

	// StatusRetry marks a message whose publish failed transiently and
	// which becomes claimable again at NextAttemptAt.
	StatusRetry Status = "RETRY"

	// StatusReturned marks a message the broker accepted but could not
	// route. It is claimable again, but against the smaller returned-retry
	// budget, since an unroutable destination rarely self-heals quickly.
	StatusReturned Status = "RETURNED"

	// StatusConfirmed marks a message the broker acknowledged. Terminal.
	StatusConfirmed Status = "CONFIRMED"

	// StatusDead marks a message that exhausted its retry budget. Terminal;
	// it is never retried automatically.
	StatusDead Status = "DEAD"
)

// Terminal reports whether the status permits no further mutation.
func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusDead
}

// transitions is the status graph. Absence means the edge is illegal.
var transitions = map[Status]map[Status]bool{
	StatusPending:  {StatusConfirmed: true, StatusRetry: true, StatusReturned: true, StatusDead: true},
	StatusRetry:    {StatusConfirmed: true, StatusRetry: true, StatusReturned: true, StatusDead: true},
	StatusReturned: {StatusConfirmed: true, StatusRetry: true, StatusReturned: true, StatusDead: true},
}

// CanTransition reports whether moving from one status to another is legal.
// Terminal states have no outgoing edges.
func CanTransition(from, to Status) bool {
	return transitions[from][to]
}

// Message is one pending delivery owned by the outbox. It is created in
// the same transaction as the business write that produced it and mutated
// only by the dispatcher through the store's conditional updates.
type Message struct {
	// MessageID is the caller-supplied unique ID, conventionally the
	// decimal form of a snowflake sequence.
	MessageID string

	// Exchange and RoutingKey are the broker destination. They may be
	// empty at enqueue time, in which case the dispatcher resolves them
	// from the target fields on every attempt.
	Exchange   string
	RoutingKey string

	// TargetUserID and TargetClass identify the recipient for routing
	// resolution. TargetClass may be empty to address all of the user's
	// devices.
	TargetUserID string
	TargetClass  device.Class

	Payload []byte

	Status        Status
	RetryCount    int
	CreateTime    time.Time
	LastAttemptAt time.Time
	NextAttemptAt time.Time
	ErrorMessage  string

	// LeaseOwner and LeaseExpiry fence concurrent dispatcher instances.
	// A row with a live lease is invisible to ClaimDue, and the mark
	// operations only succeed for the owner holding the lease.
	LeaseOwner  string
	LeaseExpiry time.Time
}

// Seq extracts the numeric snowflake sequence from the message ID. The
// second return value is false for non-numeric IDs, which simply opt out
// of the consumer-side duplicate index.
func (m *Message) Seq() (uint64, bool) {
	seq, err := strconv.ParseUint(m.MessageID, 10, 64)
	if err != nil {
		return 0, false
	}
	return seq, true
}

// Clone returns a deep copy. Stores hand out clones so callers can never
// mutate authoritative state behind the store's back.
func (m *Message) Clone() *Message {
	cp := *m
	if m.Payload != nil {
		cp.Payload = make([]byte, len(m.Payload))
		copy(cp.Payload, m.Payload)
	}
	return &cp
}
