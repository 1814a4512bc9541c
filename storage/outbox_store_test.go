package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luckyim/delivery/device"
	"github.com/luckyim/delivery/interfaces"
	"github.com/luckyim/delivery/outbox"
)

// withStores runs the same contract test against every store backend that
// can be exercised without external infrastructure. The postgres store
// shares the conditional-update semantics but needs a live database.
func withStores(t *testing.T, fn func(t *testing.T, store interfaces.OutboxStore)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryOutboxStore())
	})
	t.Run("badger", func(t *testing.T) {
		store, err := NewBadgerOutboxStore(t.TempDir())
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })
		fn(t, store)
	})
}

func testMessage(id string) *outbox.Message {
	return &outbox.Message{
		MessageID:    id,
		TargetUserID: "user-1",
		TargetClass:  device.Android,
		Payload:      []byte("payload-" + id),
	}
}

func TestEnqueueAndGet(t *testing.T) {
	withStores(t, func(t *testing.T, store interfaces.OutboxStore) {
		ctx := context.Background()

		err := store.Enqueue(ctx, testMessage("m1"))
		require.NoError(t, err)

		got, err := store.Get(ctx, "m1")
		require.NoError(t, err)
		assert.Equal(t, outbox.StatusPending, got.Status)
		assert.Equal(t, 0, got.RetryCount)
		assert.Equal(t, []byte("payload-m1"), got.Payload)
		assert.Empty(t, got.LeaseOwner)
		assert.False(t, got.CreateTime.IsZero())
	})
}

func TestEnqueueDuplicate(t *testing.T) {
	withStores(t, func(t *testing.T, store interfaces.OutboxStore) {
		ctx := context.Background()

		require.NoError(t, store.Enqueue(ctx, testMessage("m1")))
		err := store.Enqueue(ctx, testMessage("m1"))
		assert.ErrorIs(t, err, interfaces.ErrDuplicateMessage)
	})
}

func TestGetNotFound(t *testing.T) {
	withStores(t, func(t *testing.T, store interfaces.OutboxStore) {
		_, err := store.Get(context.Background(), "missing")
		assert.ErrorIs(t, err, interfaces.ErrMessageNotFound)
	})
}

func TestClaimDueStampsLease(t *testing.T) {
	withStores(t, func(t *testing.T, store interfaces.OutboxStore) {
		ctx := context.Background()
		require.NoError(t, store.Enqueue(ctx, testMessage("m1")))

		claimed, err := store.ClaimDue(ctx, "worker-a", 10, time.Minute)
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		assert.Equal(t, "m1", claimed[0].MessageID)
		assert.Equal(t, "worker-a", claimed[0].LeaseOwner)

		// A live lease hides the row from other claimers
		claimed, err = store.ClaimDue(ctx, "worker-b", 10, time.Minute)
		require.NoError(t, err)
		assert.Empty(t, claimed)
	})
}

func TestClaimDueHonorsLimitAndOrder(t *testing.T) {
	withStores(t, func(t *testing.T, store interfaces.OutboxStore) {
		ctx := context.Background()
		for i := 0; i < 5; i++ {
			require.NoError(t, store.Enqueue(ctx, testMessage(fmt.Sprintf("m%d", i))))
			time.Sleep(2 * time.Millisecond)
		}

		claimed, err := store.ClaimDue(ctx, "worker-a", 3, time.Minute)
		require.NoError(t, err)
		require.Len(t, claimed, 3)

		// Oldest first
		assert.Equal(t, "m0", claimed[0].MessageID)
		assert.Equal(t, "m1", claimed[1].MessageID)
		assert.Equal(t, "m2", claimed[2].MessageID)
	})
}

func TestMarkConfirmedIsTerminal(t *testing.T) {
	withStores(t, func(t *testing.T, store interfaces.OutboxStore) {
		ctx := context.Background()
		require.NoError(t, store.Enqueue(ctx, testMessage("m1")))

		claimed, err := store.ClaimDue(ctx, "worker-a", 1, time.Minute)
		require.NoError(t, err)
		require.Len(t, claimed, 1)

		require.NoError(t, store.MarkConfirmed(ctx, "m1", "worker-a"))

		got, err := store.Get(ctx, "m1")
		require.NoError(t, err)
		assert.Equal(t, outbox.StatusConfirmed, got.Status)
		assert.Empty(t, got.LeaseOwner)

		// No further mutation of a terminal row
		err = store.MarkDead(ctx, "m1", "worker-a", "late failure")
		assert.ErrorIs(t, err, interfaces.ErrAlreadyTerminal)

		// Confirmed rows are never claimed again
		claimed, err = store.ClaimDue(ctx, "worker-a", 10, time.Minute)
		require.NoError(t, err)
		assert.Empty(t, claimed)
	})
}

func TestMarkRetrySchedulesNextAttempt(t *testing.T) {
	withStores(t, func(t *testing.T, store interfaces.OutboxStore) {
		ctx := context.Background()
		require.NoError(t, store.Enqueue(ctx, testMessage("m1")))

		claimed, err := store.ClaimDue(ctx, "worker-a", 1, time.Minute)
		require.NoError(t, err)
		require.Len(t, claimed, 1)

		next := time.Now().Add(40 * time.Millisecond)
		require.NoError(t, store.MarkRetry(ctx, "m1", "worker-a", 1, next, "connection refused"))

		got, err := store.Get(ctx, "m1")
		require.NoError(t, err)
		assert.Equal(t, outbox.StatusRetry, got.Status)
		assert.Equal(t, 1, got.RetryCount)
		assert.Equal(t, "connection refused", got.ErrorMessage)
		assert.Empty(t, got.LeaseOwner)

		// Not due yet
		claimed, err = store.ClaimDue(ctx, "worker-b", 10, time.Minute)
		require.NoError(t, err)
		assert.Empty(t, claimed)

		time.Sleep(60 * time.Millisecond)

		// Due again after the backoff elapses
		claimed, err = store.ClaimDue(ctx, "worker-b", 10, time.Minute)
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		assert.Equal(t, "m1", claimed[0].MessageID)
	})
}

func TestMarkReturnedIsClaimable(t *testing.T) {
	withStores(t, func(t *testing.T, store interfaces.OutboxStore) {
		ctx := context.Background()
		require.NoError(t, store.Enqueue(ctx, testMessage("m1")))

		claimed, err := store.ClaimDue(ctx, "worker-a", 1, time.Minute)
		require.NoError(t, err)
		require.Len(t, claimed, 1)

		require.NoError(t, store.MarkReturned(ctx, "m1", "worker-a", 1, time.Now(), "312 NO_ROUTE"))

		got, err := store.Get(ctx, "m1")
		require.NoError(t, err)
		assert.Equal(t, outbox.StatusReturned, got.Status)

		claimed, err = store.ClaimDue(ctx, "worker-b", 10, time.Minute)
		require.NoError(t, err)
		require.Len(t, claimed, 1)
	})
}

func TestMarkDead(t *testing.T) {
	withStores(t, func(t *testing.T, store interfaces.OutboxStore) {
		ctx := context.Background()
		require.NoError(t, store.Enqueue(ctx, testMessage("m1")))

		claimed, err := store.ClaimDue(ctx, "worker-a", 1, time.Minute)
		require.NoError(t, err)
		require.Len(t, claimed, 1)

		require.NoError(t, store.MarkDead(ctx, "m1", "worker-a", "retries exhausted"))

		got, err := store.Get(ctx, "m1")
		require.NoError(t, err)
		assert.Equal(t, outbox.StatusDead, got.Status)
		assert.Equal(t, "retries exhausted", got.ErrorMessage)

		claimed, err = store.ClaimDue(ctx, "worker-b", 10, time.Minute)
		require.NoError(t, err)
		assert.Empty(t, claimed)
	})
}

func TestLeaseExpiryAllowsReclaim(t *testing.T) {
	withStores(t, func(t *testing.T, store interfaces.OutboxStore) {
		ctx := context.Background()
		require.NoError(t, store.Enqueue(ctx, testMessage("m1")))

		claimed, err := store.ClaimDue(ctx, "worker-a", 1, 30*time.Millisecond)
		require.NoError(t, err)
		require.Len(t, claimed, 1)

		time.Sleep(50 * time.Millisecond)

		// The lease expired; another worker may reclaim
		claimed, err = store.ClaimDue(ctx, "worker-b", 1, time.Minute)
		require.NoError(t, err)
		require.Len(t, claimed, 1)

		// The original owner's mark is fenced off
		err = store.MarkConfirmed(ctx, "m1", "worker-a")
		assert.ErrorIs(t, err, interfaces.ErrLeaseLost)

		// The new owner resolves the message exactly once
		require.NoError(t, store.MarkConfirmed(ctx, "m1", "worker-b"))

		got, err := store.Get(ctx, "m1")
		require.NoError(t, err)
		assert.Equal(t, outbox.StatusConfirmed, got.Status)
	})
}

func TestMarkWithoutClaim(t *testing.T) {
	withStores(t, func(t *testing.T, store interfaces.OutboxStore) {
		ctx := context.Background()
		require.NoError(t, store.Enqueue(ctx, testMessage("m1")))

		err := store.MarkConfirmed(ctx, "m1", "worker-a")
		assert.ErrorIs(t, err, interfaces.ErrLeaseLost)

		err = store.MarkConfirmed(ctx, "missing", "worker-a")
		assert.ErrorIs(t, err, interfaces.ErrMessageNotFound)
	})
}

func TestReleaseLease(t *testing.T) {
	withStores(t, func(t *testing.T, store interfaces.OutboxStore) {
		ctx := context.Background()
		require.NoError(t, store.Enqueue(ctx, testMessage("m1")))

		claimed, err := store.ClaimDue(ctx, "worker-a", 1, time.Minute)
		require.NoError(t, err)
		require.Len(t, claimed, 1)

		require.NoError(t, store.ReleaseLease(ctx, "m1", "worker-a"))

		// Immediately reclaimable without waiting for lease expiry
		claimed, err = store.ClaimDue(ctx, "worker-b", 1, time.Minute)
		require.NoError(t, err)
		require.Len(t, claimed, 1)

		// A release by a non-owner is a no-op
		require.NoError(t, store.ReleaseLease(ctx, "m1", "worker-a"))
		err = store.MarkConfirmed(ctx, "m1", "worker-b")
		assert.NoError(t, err)
	})
}

func TestFactory(t *testing.T) {
	ctx := context.Background()

	store, err := NewOutboxStore(ctx, interfaces.OutboxConfig{Backend: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &MemoryOutboxStore{}, store)
	store.Close()

	store, err = NewOutboxStore(ctx, interfaces.OutboxConfig{Backend: "badger", Path: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &BadgerOutboxStore{}, store)
	store.Close()

	_, err = NewOutboxStore(ctx, interfaces.OutboxConfig{Backend: "cassandra"})
	assert.Error(t, err)
}
