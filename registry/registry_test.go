package registry

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luckyim/delivery/device"
)

type fakeTransport struct {
	mu     sync.Mutex
	kicks  []string
	closed bool
}

func (f *fakeTransport) Push([]byte) error { return nil }

func (f *fakeTransport) Kick(reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kicks = append(f.kicks, reason)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func channel(id, userID string, class device.Class) *Channel {
	return &Channel{
		ID:          id,
		UserID:      userID,
		Class:       class,
		Transport:   &fakeTransport{},
		ConnectedAt: time.Now(),
	}
}

func TestRegisterAndLookup(t *testing.T) {
	r := New(device.NewConflictPolicy(), nil)

	outcome := r.Register(channel("c1", "user-1", device.Android))
	assert.Empty(t, outcome.Evicted)

	channels := r.Lookup("user-1")
	require.Len(t, channels, 1)
	assert.Equal(t, "c1", channels[0].ID)

	assert.Equal(t, 1, r.UserCount())
	assert.Equal(t, 1, r.ChannelCount())
	assert.Nil(t, r.Lookup("nobody"))
}

func TestRegisterEvictsSameGroup(t *testing.T) {
	r := New(device.NewConflictPolicy(), nil)

	r.Register(channel("c1", "user-1", device.Android))
	outcome := r.Register(channel("c2", "user-1", device.IOS))

	// The android session was displaced by the ios login
	require.Len(t, outcome.Evicted, 1)
	assert.Equal(t, "c1", outcome.Evicted[0].ID)
	assert.Equal(t, []string{"c1"}, outcome.Replaced())

	channels := r.Lookup("user-1")
	require.Len(t, channels, 1)
	assert.Equal(t, "c2", channels[0].ID)
	assert.Equal(t, 1, r.ChannelCount())
}

func TestRegisterNonConflictingCoexist(t *testing.T) {
	r := New(device.NewConflictPolicy(), nil)

	assert.Empty(t, r.Register(channel("c1", "user-1", device.Android)).Evicted)
	assert.Empty(t, r.Register(channel("c2", "user-1", device.Mac)).Evicted)
	assert.Empty(t, r.Register(channel("c3", "user-1", device.Web)).Evicted)

	assert.Len(t, r.Lookup("user-1"), 3)
	assert.Equal(t, 1, r.UserCount())
	assert.Equal(t, 3, r.ChannelCount())
}

func TestRegisterSingleSession(t *testing.T) {
	r := New(device.SingleSessionPolicy(), nil)

	r.Register(channel("c1", "user-1", device.Android))
	outcome := r.Register(channel("c2", "user-1", device.Mac))

	require.Len(t, outcome.Evicted, 1)
	assert.Equal(t, "c1", outcome.Evicted[0].ID)
	assert.Len(t, r.Lookup("user-1"), 1)
}

func TestRegisterSameClassReplaces(t *testing.T) {
	r := New(device.NewConflictPolicy(), nil)

	r.Register(channel("c1", "user-1", device.Web))
	outcome := r.Register(channel("c2", "user-1", device.Web))

	require.Len(t, outcome.Evicted, 1)
	assert.Equal(t, "c1", outcome.Evicted[0].ID)
}

func TestRegisterDuplicateIDPanics(t *testing.T) {
	r := New(device.NewConflictPolicy(), nil)

	r.Register(channel("c1", "user-1", device.Android))
	assert.Panics(t, func() {
		r.Register(channel("c1", "user-2", device.Web))
	})
}

func TestRegisterInvalidChannelPanics(t *testing.T) {
	r := New(device.NewConflictPolicy(), nil)

	assert.Panics(t, func() { r.Register(nil) })
	assert.Panics(t, func() { r.Register(&Channel{ID: "c1"}) })
	assert.Panics(t, func() { r.Register(&Channel{UserID: "user-1"}) })
}

func TestDeregisterIdempotent(t *testing.T) {
	r := New(device.NewConflictPolicy(), nil)

	r.Register(channel("c1", "user-1", device.Android))

	assert.True(t, r.Deregister("c1"))
	assert.False(t, r.Deregister("c1"))
	assert.False(t, r.Deregister("never-existed"))

	assert.Empty(t, r.Lookup("user-1"))
	assert.Equal(t, 0, r.UserCount())
	assert.Equal(t, 0, r.ChannelCount())
}

func TestDeregisterStaleAfterEviction(t *testing.T) {
	r := New(device.NewConflictPolicy(), nil)

	r.Register(channel("c1", "user-1", device.Android))
	r.Register(channel("c2", "user-1", device.IOS))

	// The old connection's close notification arrives after its slot was
	// already taken; it must not disturb the new channel.
	assert.False(t, r.Deregister("c1"))

	channels := r.Lookup("user-1")
	require.Len(t, channels, 1)
	assert.Equal(t, "c2", channels[0].ID)
}

func TestLookupClass(t *testing.T) {
	r := New(device.NewConflictPolicy(), nil)

	r.Register(channel("c1", "user-1", device.Android))
	r.Register(channel("c2", "user-1", device.Web))

	// Exact class
	ch := r.LookupClass("user-1", device.Android)
	require.NotNil(t, ch)
	assert.Equal(t, "c1", ch.ID)

	// Same exclusivity slot: ios shares the mobile group with android
	ch = r.LookupClass("user-1", device.IOS)
	require.NotNil(t, ch)
	assert.Equal(t, "c1", ch.ID)

	// Empty slot
	assert.Nil(t, r.LookupClass("user-1", device.Mac))
	assert.Nil(t, r.LookupClass("nobody", device.Android))
}

func TestByID(t *testing.T) {
	r := New(device.NewConflictPolicy(), nil)

	r.Register(channel("c1", "user-1", device.Android))

	ch := r.ByID("c1")
	require.NotNil(t, ch)
	assert.Equal(t, "user-1", ch.UserID)
	assert.Nil(t, r.ByID("missing"))
}

func TestUsers(t *testing.T) {
	r := New(device.NewConflictPolicy(), nil)

	r.Register(channel("c1", "user-1", device.Android))
	r.Register(channel("c2", "user-2", device.Web))
	r.Register(channel("c3", "user-2", device.Mac))

	users := r.Users()
	assert.ElementsMatch(t, []string{"user-1", "user-2"}, users)
	assert.Equal(t, 2, r.UserCount())
	assert.Equal(t, 3, r.ChannelCount())
}

func TestConcurrentConflictingRegistrations(t *testing.T) {
	r := New(device.NewConflictPolicy(), nil)

	const n = 64
	var wg sync.WaitGroup
	evictedTotal := make(chan int, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcome := r.Register(channel(fmt.Sprintf("c%d", i), "user-1", device.Android))
			evictedTotal <- len(outcome.Evicted)
		}(i)
	}
	wg.Wait()
	close(evictedTotal)

	// All registrations conflict, so exactly one channel survives and
	// every other one was evicted by somebody.
	sum := 0
	for e := range evictedTotal {
		sum += e
	}
	assert.Equal(t, n-1, sum)
	assert.Len(t, r.Lookup("user-1"), 1)
	assert.Equal(t, 1, r.ChannelCount())
}

func TestConcurrentDuplicateIDPanicsExactlyOnce(t *testing.T) {
	r := New(device.NewConflictPolicy(), nil)

	// Two racing registrations of the same channel ID for different users:
	// whichever lands second must hit the duplicate check.
	const n = 2
	panics := make(chan any, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer func() { panics <- recover() }()
			r.Register(channel("same-id", fmt.Sprintf("user-%d", i), device.Android))
		}(i)
	}
	wg.Wait()
	close(panics)

	recovered := 0
	for p := range panics {
		if p != nil {
			recovered++
		}
	}
	assert.Equal(t, 1, recovered)
	assert.Equal(t, 1, r.ChannelCount())
}

func TestConcurrentEvictionKeepsIndexConsistent(t *testing.T) {
	r := New(device.NewConflictPolicy(), nil)

	// Conflicting registrations race evictions against index updates; the
	// channel-ID index must stay in lockstep with the per-user maps, so
	// deregistering every ID ever issued drains the registry completely.
	const (
		workers    = 8
		iterations = 500
	)
	ids := make([][]string, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < iterations; i++ {
				id := fmt.Sprintf("c%d-%d", w, i)
				r.Register(channel(id, "user-1", device.Android))
				ids[w] = append(ids[w], id)
			}
		}(w)
	}
	wg.Wait()

	assert.Len(t, r.Lookup("user-1"), 1)
	assert.Equal(t, 1, r.ChannelCount())

	removed := 0
	for _, worker := range ids {
		for _, id := range worker {
			if r.Deregister(id) {
				removed++
			}
		}
	}

	// Only the survivor was still registered; no ghost index entries remain.
	assert.Equal(t, 1, removed)
	assert.Equal(t, 0, r.ChannelCount())
	assert.Equal(t, 0, r.UserCount())
	assert.Empty(t, r.Lookup("user-1"))
}

func TestConcurrentDistinctUsers(t *testing.T) {
	r := New(device.NewConflictPolicy(), nil)

	const n = 128
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			user := fmt.Sprintf("user-%d", i)
			r.Register(channel(fmt.Sprintf("c%d", i), user, device.Android))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, n, r.UserCount())
	assert.Equal(t, n, r.ChannelCount())
}
