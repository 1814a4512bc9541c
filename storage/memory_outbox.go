package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/luckyim/delivery/interfaces"
	"github.com/luckyim/delivery/outbox"
)

// MemoryOutboxStore implements OutboxStore with in-memory state. Intended
// for tests and single-node development runs; it honors the same lease
// fencing as the durable stores so dispatcher behavior is identical.
type MemoryOutboxStore struct {
	mutex    sync.Mutex
	messages map[string]*outbox.Message
	now      func() time.Time
}

// NewMemoryOutboxStore creates a new in-memory outbox store.
func NewMemoryOutboxStore() *MemoryOutboxStore {
	return &MemoryOutboxStore{
		messages: make(map[string]*outbox.Message),
		now:      time.Now,
	}
}

// SetClock overrides the store's clock. Test hook.
func (m *MemoryOutboxStore) SetClock(now func() time.Time) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.now = now
}

func (m *MemoryOutboxStore) Enqueue(_ context.Context, msg *outbox.Message) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if _, exists := m.messages[msg.MessageID]; exists {
		return interfaces.ErrDuplicateMessage
	}

	cp := msg.Clone()
	cp.Status = outbox.StatusPending
	cp.RetryCount = 0
	if cp.CreateTime.IsZero() {
		cp.CreateTime = m.now()
	}
	if cp.NextAttemptAt.IsZero() {
		cp.NextAttemptAt = cp.CreateTime
	}
	cp.LeaseOwner = ""
	cp.LeaseExpiry = time.Time{}
	m.messages[cp.MessageID] = cp
	return nil
}

func claimable(status outbox.Status) bool {
	switch status {
	case outbox.StatusPending, outbox.StatusRetry, outbox.StatusReturned:
		return true
	default:
		return false
	}
}

func (m *MemoryOutboxStore) ClaimDue(_ context.Context, owner string, limit int, lease time.Duration) ([]*outbox.Message, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	now := m.now()
	var due []*outbox.Message
	for _, msg := range m.messages {
		if !claimable(msg.Status) {
			continue
		}
		if msg.NextAttemptAt.After(now) {
			continue
		}
		if msg.LeaseOwner != "" && msg.LeaseExpiry.After(now) {
			continue
		}
		due = append(due, msg)
	}

	// Oldest first, so a backlog drains in enqueue order.
	sort.Slice(due, func(i, j int) bool {
		return due[i].NextAttemptAt.Before(due[j].NextAttemptAt)
	})
	if len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]*outbox.Message, 0, len(due))
	for _, msg := range due {
		msg.LeaseOwner = owner
		msg.LeaseExpiry = now.Add(lease)
		claimed = append(claimed, msg.Clone())
	}
	return claimed, nil
}

// checkLease validates a mark call against the row's lease and terminal
// state. Caller holds the mutex.
func (m *MemoryOutboxStore) checkLease(messageID, owner string) (*outbox.Message, error) {
	msg, exists := m.messages[messageID]
	if !exists {
		return nil, interfaces.ErrMessageNotFound
	}
	if msg.Status.Terminal() {
		return nil, interfaces.ErrAlreadyTerminal
	}
	if msg.LeaseOwner != owner || !msg.LeaseExpiry.After(m.now()) {
		return nil, interfaces.ErrLeaseLost
	}
	return msg, nil
}

func (m *MemoryOutboxStore) MarkConfirmed(_ context.Context, messageID, owner string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	msg, err := m.checkLease(messageID, owner)
	if err != nil {
		return err
	}
	msg.Status = outbox.StatusConfirmed
	msg.LastAttemptAt = m.now()
	msg.ErrorMessage = ""
	msg.LeaseOwner = ""
	msg.LeaseExpiry = time.Time{}
	return nil
}

func (m *MemoryOutboxStore) MarkRetry(_ context.Context, messageID, owner string, retryCount int, nextAttemptAt time.Time, errorMessage string) error {
	return m.markFailure(messageID, owner, outbox.StatusRetry, retryCount, nextAttemptAt, errorMessage)
}

func (m *MemoryOutboxStore) MarkReturned(_ context.Context, messageID, owner string, retryCount int, nextAttemptAt time.Time, errorMessage string) error {
	return m.markFailure(messageID, owner, outbox.StatusReturned, retryCount, nextAttemptAt, errorMessage)
}

func (m *MemoryOutboxStore) markFailure(messageID, owner string, status outbox.Status, retryCount int, nextAttemptAt time.Time, errorMessage string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	msg, err := m.checkLease(messageID, owner)
	if err != nil {
		return err
	}
	msg.Status = status
	msg.RetryCount = retryCount
	msg.LastAttemptAt = m.now()
	msg.NextAttemptAt = nextAttemptAt
	msg.ErrorMessage = errorMessage
	msg.LeaseOwner = ""
	msg.LeaseExpiry = time.Time{}
	return nil
}

func (m *MemoryOutboxStore) MarkDead(_ context.Context, messageID, owner string, errorMessage string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	msg, err := m.checkLease(messageID, owner)
	if err != nil {
		return err
	}
	msg.Status = outbox.StatusDead
	msg.LastAttemptAt = m.now()
	msg.ErrorMessage = errorMessage
	msg.LeaseOwner = ""
	msg.LeaseExpiry = time.Time{}
	return nil
}

func (m *MemoryOutboxStore) ReleaseLease(_ context.Context, messageID, owner string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	msg, exists := m.messages[messageID]
	if !exists {
		return interfaces.ErrMessageNotFound
	}
	if msg.LeaseOwner != owner {
		return nil
	}
	msg.LeaseOwner = ""
	msg.LeaseExpiry = time.Time{}
	return nil
}

func (m *MemoryOutboxStore) Get(_ context.Context, messageID string) (*outbox.Message, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	msg, exists := m.messages[messageID]
	if !exists {
		return nil, interfaces.ErrMessageNotFound
	}
	return msg.Clone(), nil
}

func (m *MemoryOutboxStore) Close() error {
	return nil
}
