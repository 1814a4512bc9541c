package routing

import (
	"context"
	"sync"
	"time"

	"github.com/luckyim/delivery/interfaces"
)

type dirEntry struct {
	nodeID   string
	expireAt time.Time
}

// MemoryDirectory is an in-process Directory for tests and single-node
// deployments. Entries expire lazily on read.
type MemoryDirectory struct {
	mutex   sync.RWMutex
	entries map[string]dirEntry
	now     func() time.Time
}

// NewMemoryDirectory creates an empty in-memory directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		entries: make(map[string]dirEntry),
		now:     time.Now,
	}
}

// SetClock overrides the directory's clock. Test hook.
func (d *MemoryDirectory) SetClock(now func() time.Time) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.now = now
}

func (d *MemoryDirectory) Locate(_ context.Context, userID string) (string, error) {
	d.mutex.RLock()
	entry, ok := d.entries[userID]
	now := d.now()
	d.mutex.RUnlock()

	if !ok || entry.expireAt.Before(now) {
		return "", interfaces.ErrNoRoute
	}
	return entry.nodeID, nil
}

func (d *MemoryDirectory) Register(_ context.Context, userID, nodeID string, ttl time.Duration) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.entries[userID] = dirEntry{nodeID: nodeID, expireAt: d.now().Add(ttl)}
	return nil
}

func (d *MemoryDirectory) Refresh(_ context.Context, userID, nodeID string, ttl time.Duration) (bool, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	entry, ok := d.entries[userID]
	if !ok || entry.nodeID != nodeID || entry.expireAt.Before(d.now()) {
		return false, nil
	}
	entry.expireAt = d.now().Add(ttl)
	d.entries[userID] = entry
	return true, nil
}

func (d *MemoryDirectory) Deregister(_ context.Context, userID, nodeID string) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if entry, ok := d.entries[userID]; ok && entry.nodeID == nodeID {
		delete(d.entries, userID)
	}
	return nil
}

func (d *MemoryDirectory) Close() error {
	return nil
}
