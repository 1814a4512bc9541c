package outbox

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/luckyim/delivery/device"
)

func TestTerminal(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusRetry.Terminal())
	assert.False(t, StatusReturned.Terminal())
	assert.True(t, StatusConfirmed.Terminal())
	assert.True(t, StatusDead.Terminal())
}

func TestCanTransition(t *testing.T) {
	active := []Status{StatusPending, StatusRetry, StatusReturned}
	all := []Status{StatusPending, StatusRetry, StatusReturned, StatusConfirmed, StatusDead}

	// Every active status may move to confirmed, retry, returned or dead
	for _, from := range active {
		assert.True(t, CanTransition(from, StatusConfirmed), "%s -> CONFIRMED", from)
		assert.True(t, CanTransition(from, StatusRetry), "%s -> RETRY", from)
		assert.True(t, CanTransition(from, StatusReturned), "%s -> RETURNED", from)
		assert.True(t, CanTransition(from, StatusDead), "%s -> DEAD", from)
	}

	// Terminal states have no outgoing edges
	for _, to := range all {
		assert.False(t, CanTransition(StatusConfirmed, to), "CONFIRMED -> %s", to)
		assert.False(t, CanTransition(StatusDead, to), "DEAD -> %s", to)
	}

	// Nothing transitions back to pending
	for _, from := range all {
		assert.False(t, CanTransition(from, StatusPending), "%s -> PENDING", from)
	}
}

func TestSeq(t *testing.T) {
	m := &Message{MessageID: "1234567890123"}
	seq, ok := m.Seq()
	assert.True(t, ok)
	assert.Equal(t, uint64(1234567890123), seq)

	m = &Message{MessageID: "msg-abc"}
	_, ok = m.Seq()
	assert.False(t, ok)
}

func TestClone(t *testing.T) {
	now := time.Now()
	m := &Message{
		MessageID:    "42",
		Exchange:     "IM-SERVER",
		RoutingKey:   "IM-ROUTER-node-a",
		TargetUserID: "user-1",
		TargetClass:  device.Android,
		Payload:      []byte("hello"),
		Status:       StatusPending,
		CreateTime:   now,
	}

	cp := m.Clone()
	assert.Equal(t, m, cp)

	// Mutating the clone's payload must not touch the original
	cp.Payload[0] = 'H'
	assert.Equal(t, byte('h'), m.Payload[0])

	cp.Status = StatusConfirmed
	assert.Equal(t, StatusPending, m.Status)
}
