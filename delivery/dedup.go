package delivery

import (
	"sync"

	"github.com/RoaringBitmap/roaring/roaring64"
)

// DupIndex remembers which message sequences this node has already
// delivered. The outbox guarantees at-least-once publication, so a lease
// reclaimed from a crashed worker redelivers; the index makes that
// redelivery invisible to clients. Snowflake sequences compress extremely
// well in a roaring bitmap, so the index stays small even under long
// uptimes.
type DupIndex struct {
	mutex sync.Mutex
	seen  *roaring64.Bitmap
}

// NewDupIndex creates an empty duplicate index.
func NewDupIndex() *DupIndex {
	return &DupIndex{seen: roaring64.New()}
}

// Observe records the sequence and reports whether it was already present.
func (d *DupIndex) Observe(seq uint64) bool {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return !d.seen.CheckedAdd(seq)
}

// Len returns the number of distinct sequences recorded.
func (d *DupIndex) Len() uint64 {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.seen.GetCardinality()
}
