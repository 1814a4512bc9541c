package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"

	"github.com/luckyim/delivery/device"
	"github.com/luckyim/delivery/interfaces"
	"github.com/luckyim/delivery/outbox"
)

const outboxKeyPrefix = "outbox:"

// outboxRecord is the CBOR on-disk representation of an outbox message.
// Times are unix nanoseconds so the codec stays independent of CBOR time
// tag handling.
type outboxRecord struct {
	MessageID     string `cbor:"1,keyasint"`
	Exchange      string `cbor:"2,keyasint"`
	RoutingKey    string `cbor:"3,keyasint"`
	TargetUserID  string `cbor:"4,keyasint"`
	TargetClass   string `cbor:"5,keyasint"`
	Payload       []byte `cbor:"6,keyasint"`
	Status        string `cbor:"7,keyasint"`
	RetryCount    int    `cbor:"8,keyasint"`
	CreateTime    int64  `cbor:"9,keyasint"`
	LastAttemptAt int64  `cbor:"10,keyasint"`
	NextAttemptAt int64  `cbor:"11,keyasint"`
	ErrorMessage  string `cbor:"12,keyasint"`
	LeaseOwner    string `cbor:"13,keyasint"`
	LeaseExpiry   int64  `cbor:"14,keyasint"`
}

func encodeOutboxMessage(msg *outbox.Message) ([]byte, error) {
	rec := outboxRecord{
		MessageID:     msg.MessageID,
		Exchange:      msg.Exchange,
		RoutingKey:    msg.RoutingKey,
		TargetUserID:  msg.TargetUserID,
		TargetClass:   msg.TargetClass.String(),
		Payload:       msg.Payload,
		Status:        string(msg.Status),
		RetryCount:    msg.RetryCount,
		CreateTime:    msg.CreateTime.UnixNano(),
		ErrorMessage:  msg.ErrorMessage,
		LeaseOwner:    msg.LeaseOwner,
	}
	if !msg.LastAttemptAt.IsZero() {
		rec.LastAttemptAt = msg.LastAttemptAt.UnixNano()
	}
	if !msg.NextAttemptAt.IsZero() {
		rec.NextAttemptAt = msg.NextAttemptAt.UnixNano()
	}
	if !msg.LeaseExpiry.IsZero() {
		rec.LeaseExpiry = msg.LeaseExpiry.UnixNano()
	}
	return cbor.Marshal(rec)
}

func decodeOutboxMessage(data []byte) (*outbox.Message, error) {
	var rec outboxRecord
	if err := cbor.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode outbox record: %w", err)
	}
	msg := &outbox.Message{
		MessageID:    rec.MessageID,
		Exchange:     rec.Exchange,
		RoutingKey:   rec.RoutingKey,
		TargetUserID: rec.TargetUserID,
		TargetClass:  device.Class(rec.TargetClass),
		Payload:      rec.Payload,
		Status:       outbox.Status(rec.Status),
		RetryCount:   rec.RetryCount,
		CreateTime:   time.Unix(0, rec.CreateTime),
		ErrorMessage: rec.ErrorMessage,
		LeaseOwner:   rec.LeaseOwner,
	}
	if rec.LastAttemptAt != 0 {
		msg.LastAttemptAt = time.Unix(0, rec.LastAttemptAt)
	}
	if rec.NextAttemptAt != 0 {
		msg.NextAttemptAt = time.Unix(0, rec.NextAttemptAt)
	}
	if rec.LeaseExpiry != 0 {
		msg.LeaseExpiry = time.Unix(0, rec.LeaseExpiry)
	}
	return msg, nil
}

// BadgerOutboxStore implements OutboxStore on an embedded Badger database.
// One process owns the database, so claims are serialized with an
// in-process mutex; the lease columns still fence against a crashed
// worker's rows being resolved twice after reclaim.
type BadgerOutboxStore struct {
	db    *badger.DB
	mutex sync.Mutex
	now   func() time.Time
}

// NewBadgerOutboxStore opens (or creates) a Badger-backed outbox at dbPath.
func NewBadgerOutboxStore(dbPath string) (*BadgerOutboxStore, error) {
	opts := badger.DefaultOptions(dbPath)
	opts.Logger = nil // Disable badger's default logging to avoid noise

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}
	return &BadgerOutboxStore{db: db, now: time.Now}, nil
}

// SetClock overrides the store's clock. Test hook.
func (b *BadgerOutboxStore) SetClock(now func() time.Time) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.now = now
}

func outboxKey(messageID string) []byte {
	return []byte(outboxKeyPrefix + messageID)
}

func (b *BadgerOutboxStore) Enqueue(_ context.Context, msg *outbox.Message) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	cp := msg.Clone()
	cp.Status = outbox.StatusPending
	cp.RetryCount = 0
	if cp.CreateTime.IsZero() {
		cp.CreateTime = b.now()
	}
	if cp.NextAttemptAt.IsZero() {
		cp.NextAttemptAt = cp.CreateTime
	}
	cp.LeaseOwner = ""
	cp.LeaseExpiry = time.Time{}

	return b.db.Update(func(txn *badger.Txn) error {
		key := outboxKey(cp.MessageID)
		if _, err := txn.Get(key); err == nil {
			return interfaces.ErrDuplicateMessage
		} else if err != badger.ErrKeyNotFound {
			return err
		}
		data, err := encodeOutboxMessage(cp)
		if err != nil {
			return err
		}
		return txn.Set(key, data)
	})
}

func (b *BadgerOutboxStore) ClaimDue(_ context.Context, owner string, limit int, lease time.Duration) ([]*outbox.Message, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	now := b.now()
	var claimed []*outbox.Message

	err := b.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(outboxKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		var due []*outbox.Message
		for it.Rewind(); it.Valid(); it.Next() {
			data, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			msg, err := decodeOutboxMessage(data)
			if err != nil {
				return err
			}
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

		sort.Slice(due, func(i, j int) bool {
			return due[i].NextAttemptAt.Before(due[j].NextAttemptAt)
		})
		if len(due) > limit {
			due = due[:limit]
		}

		for _, msg := range due {
			msg.LeaseOwner = owner
			msg.LeaseExpiry = now.Add(lease)
			data, err := encodeOutboxMessage(msg)
			if err != nil {
				return err
			}
			if err := txn.Set(outboxKey(msg.MessageID), data); err != nil {
				return err
			}
			claimed = append(claimed, msg)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// update loads the row, validates lease ownership and terminality, applies
// fn and writes the row back in one transaction.
func (b *BadgerOutboxStore) update(messageID, owner string, fn func(msg *outbox.Message)) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	return b.db.Update(func(txn *badger.Txn) error {
		key := outboxKey(messageID)
		item, err := txn.Get(key)
		if err == badger.ErrKeyNotFound {
			return interfaces.ErrMessageNotFound
		} else if err != nil {
			return err
		}
		data, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		msg, err := decodeOutboxMessage(data)
		if err != nil {
			return err
		}
		if msg.Status.Terminal() {
			return interfaces.ErrAlreadyTerminal
		}
		if msg.LeaseOwner != owner || !msg.LeaseExpiry.After(b.now()) {
			return interfaces.ErrLeaseLost
		}

		fn(msg)
		msg.LeaseOwner = ""
		msg.LeaseExpiry = time.Time{}

		updated, err := encodeOutboxMessage(msg)
		if err != nil {
			return err
		}
		return txn.Set(key, updated)
	})
}

func (b *BadgerOutboxStore) MarkConfirmed(_ context.Context, messageID, owner string) error {
	return b.update(messageID, owner, func(msg *outbox.Message) {
		msg.Status = outbox.StatusConfirmed
		msg.LastAttemptAt = b.now()
		msg.ErrorMessage = ""
	})
}

func (b *BadgerOutboxStore) MarkRetry(_ context.Context, messageID, owner string, retryCount int, nextAttemptAt time.Time, errorMessage string) error {
	return b.update(messageID, owner, func(msg *outbox.Message) {
		msg.Status = outbox.StatusRetry
		msg.RetryCount = retryCount
		msg.LastAttemptAt = b.now()
		msg.NextAttemptAt = nextAttemptAt
		msg.ErrorMessage = errorMessage
	})
}

func (b *BadgerOutboxStore) MarkReturned(_ context.Context, messageID, owner string, retryCount int, nextAttemptAt time.Time, errorMessage string) error {
	return b.update(messageID, owner, func(msg *outbox.Message) {
		msg.Status = outbox.StatusReturned
		msg.RetryCount = retryCount
		msg.LastAttemptAt = b.now()
		msg.NextAttemptAt = nextAttemptAt
		msg.ErrorMessage = errorMessage
	})
}

func (b *BadgerOutboxStore) MarkDead(_ context.Context, messageID, owner string, errorMessage string) error {
	return b.update(messageID, owner, func(msg *outbox.Message) {
		msg.Status = outbox.StatusDead
		msg.LastAttemptAt = b.now()
		msg.ErrorMessage = errorMessage
	})
}

func (b *BadgerOutboxStore) ReleaseLease(_ context.Context, messageID, owner string) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	return b.db.Update(func(txn *badger.Txn) error {
		key := outboxKey(messageID)
		item, err := txn.Get(key)
		if err == badger.ErrKeyNotFound {
			return interfaces.ErrMessageNotFound
		} else if err != nil {
			return err
		}
		data, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		msg, err := decodeOutboxMessage(data)
		if err != nil {
			return err
		}
		if msg.LeaseOwner != owner {
			return nil
		}
		msg.LeaseOwner = ""
		msg.LeaseExpiry = time.Time{}

		updated, err := encodeOutboxMessage(msg)
		if err != nil {
			return err
		}
		return txn.Set(key, updated)
	})
}

func (b *BadgerOutboxStore) Get(_ context.Context, messageID string) (*outbox.Message, error) {
	var msg *outbox.Message
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(outboxKey(messageID))
		if err == badger.ErrKeyNotFound {
			return interfaces.ErrMessageNotFound
		} else if err != nil {
			return err
		}
		data, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		msg, err = decodeOutboxMessage(data)
		return err
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func (b *BadgerOutboxStore) Close() error {
	return b.db.Close()
}
